package contracts

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOutcome(t *testing.T) {
	t.Run("constructors set the variant", func(t *testing.T) {
		assert.True(t, Success().IsSuccess())
		assert.True(t, Failure(errors.New("boom")).IsFailure())

		explicit := Explicit(DispositionDeadLetter, "poison")
		assert.Equal(t, OutcomeExplicit, explicit.Kind)
		assert.Equal(t, DispositionDeadLetter, explicit.Action)
		assert.Equal(t, "poison", explicit.Reason)
	})

	t.Run("failure without error still carries one", func(t *testing.T) {
		o := Failure(nil)
		assert.Error(t, o.Err)
	})

	t.Run("string forms", func(t *testing.T) {
		assert.Equal(t, "success", Success().String())
		assert.Equal(t, "failure: boom", Failure(errors.New("boom")).String())
		assert.Equal(t, "dead-letter: poison", Explicit(DispositionDeadLetter, "poison").String())
		assert.Equal(t, "complete", Explicit(DispositionComplete, "").String())
	})
}

func TestDependencyUnavailable(t *testing.T) {
	t.Run("wrapped errors are detected", func(t *testing.T) {
		cause := errors.New("connection refused")
		err := DependencyUnavailable("orders-db", cause)

		assert.True(t, IsDependencyUnavailable(err))
		assert.True(t, errors.Is(err, cause))
		assert.Contains(t, err.Error(), "orders-db")

		wrapped := fmt.Errorf("saving order: %w", err)
		assert.True(t, IsDependencyUnavailable(wrapped))

		var depErr *DependencyUnavailableError
		assert.ErrorAs(t, wrapped, &depErr)
		assert.Equal(t, "orders-db", depErr.Dependency)
	})

	t.Run("sentinel can be wrapped directly", func(t *testing.T) {
		err := fmt.Errorf("payments api: %w", ErrDependencyUnavailable)
		assert.True(t, Failure(err).DependencyUnavailable())
	})

	t.Run("explicit dispositions keep the dependency signal", func(t *testing.T) {
		explicit := Explicit(DispositionAbandon, "db down").WithErr(DependencyUnavailable("db", nil))
		assert.True(t, explicit.DependencyUnavailable())
		assert.Equal(t, DispositionAbandon, explicit.Action)
		assert.False(t, Explicit(DispositionAbandon, "busy").DependencyUnavailable())
	})

	t.Run("ordinary failures are not dependency failures", func(t *testing.T) {
		assert.False(t, IsDependencyUnavailable(nil))
		assert.False(t, Failure(errors.New("bad shape")).DependencyUnavailable())
		assert.False(t, Success().DependencyUnavailable())
	})
}

func TestMessageContext(t *testing.T) {
	mc := NewMessageContext("orders", "msg-1")
	assert.Equal(t, 1, mc.DeliveryCount)
	assert.Equal(t, "", mc.PropertyString("type"))

	withType := mc.WithProperty("type", "Order").WithProperty("priority", 3)
	assert.Equal(t, "Order", withType.PropertyString("type"))
	assert.Equal(t, "3", withType.PropertyString("priority"))

	_, ok := mc.Property("type")
	assert.False(t, ok, "WithProperty must not mutate the original")

	var empty MessageContext
	_, ok = empty.Property("anything")
	assert.False(t, ok)
}

func TestCorrelationInfo(t *testing.T) {
	assert.True(t, CorrelationInfo{}.IsZero())

	info := CorrelationInfo{OperationID: "op", TransactionID: "tx"}
	assert.False(t, info.IsZero())
	assert.Equal(t, []any{"operationId", "op", "transactionId", "tx"}, info.LogAttrs())

	info.OperationParentID = "parent"
	info.CycleID = "cycle"
	assert.Len(t, info.LogAttrs(), 8)
}
