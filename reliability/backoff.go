package reliability

import (
	"math"
	"math/rand"
	"time"
)

// ExponentialBackoff computes capped, optionally jittered retry delays
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
}

// NewExponentialBackoff creates a jittered backoff policy
func NewExponentialBackoff(initial, max time.Duration, multiplier float64) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		Jitter:          true,
	}
}

// NextDelay returns the delay before retry number attempt (starting at 0)
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	multiplier := e.Multiplier
	if multiplier < 1 {
		multiplier = 2
	}

	delay := float64(e.InitialInterval) * math.Pow(multiplier, float64(attempt))
	if e.MaxInterval > 0 && delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}

	if e.Jitter && delay > 0 {
		// +/- 20% jitter, never above the cap
		jitter := delay * 0.2 * (rand.Float64()*2 - 1)
		delay += jitter
		if e.MaxInterval > 0 && delay > float64(e.MaxInterval) {
			delay = float64(e.MaxInterval)
		}
	}

	return time.Duration(delay)
}
