package reliability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	t.Run("one breaker per job", func(t *testing.T) {
		r := NewRegistry()
		a := r.GetOrCreate("a")
		assert.Same(t, a, r.GetOrCreate("a"))
		assert.NotSame(t, a, r.GetOrCreate("b"))
		assert.Equal(t, []string{"a", "b"}, r.JobIDs())
	})

	t.Run("jobs do not share state", func(t *testing.T) {
		r := NewRegistry()
		r.GetOrCreate("a").Record(context.Background(), dependencyDown)

		assert.Equal(t, StateOpen, r.GetOrCreate("a").State())
		assert.Equal(t, StateClosed, r.GetOrCreate("b").State())
	})

	t.Run("defaults apply before per job options", func(t *testing.T) {
		r := NewRegistry(WithRecoveryPeriod(time.Minute), WithFailureThreshold(4))
		cb := r.GetOrCreate("a", WithFailureThreshold(2))

		assert.Equal(t, time.Minute, cb.Options().MessageRecoveryPeriod)
		assert.Equal(t, 2, cb.Options().FailureThreshold)
	})

	t.Run("get and remove", func(t *testing.T) {
		r := NewRegistry()
		_, ok := r.Get("a")
		assert.False(t, ok)

		r.GetOrCreate("a")
		_, ok = r.Get("a")
		require.True(t, ok)

		r.Remove("a")
		_, ok = r.Get("a")
		assert.False(t, ok)
	})

	t.Run("snapshots are sorted", func(t *testing.T) {
		r := NewRegistry()
		r.GetOrCreate("zeta")
		r.GetOrCreate("alpha").Record(context.Background(), dependencyDown)

		snaps := r.Snapshots()
		require.Len(t, snaps, 2)
		assert.Equal(t, "alpha", snaps[0].JobID)
		assert.Equal(t, StateOpen, snaps[0].State)
		assert.Equal(t, "zeta", snaps[1].JobID)
	})
}

func TestExponentialBackoff(t *testing.T) {
	t.Run("grows and caps", func(t *testing.T) {
		b := &ExponentialBackoff{InitialInterval: 100 * time.Millisecond, MaxInterval: time.Second, Multiplier: 2}

		assert.Equal(t, 100*time.Millisecond, b.NextDelay(0))
		assert.Equal(t, 200*time.Millisecond, b.NextDelay(1))
		assert.Equal(t, 400*time.Millisecond, b.NextDelay(2))
		assert.Equal(t, time.Second, b.NextDelay(10))
	})

	t.Run("jitter stays within bounds", func(t *testing.T) {
		b := NewExponentialBackoff(100*time.Millisecond, time.Second, 2)
		for i := 0; i < 100; i++ {
			d := b.NextDelay(1)
			assert.GreaterOrEqual(t, d, 160*time.Millisecond)
			assert.LessOrEqual(t, d, 240*time.Millisecond)
			assert.LessOrEqual(t, b.NextDelay(20), time.Second)
		}
	})
}
