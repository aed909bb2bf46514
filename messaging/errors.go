package messaging

import "errors"

var (
	// ErrInvalidEntry is returned when a handler entry cannot be registered
	ErrInvalidEntry = errors.New("messaging: invalid handler entry")
	// ErrFallbackAlreadyRegistered is returned when a second fallback is registered
	ErrFallbackAlreadyRegistered = errors.New("messaging: fallback handler already registered")
	// ErrHandlerPanicked wraps the value recovered from a panicking handler
	ErrHandlerPanicked = errors.New("messaging: handler panicked")
	// ErrAlreadySettled is returned when a handler settles the same message twice
	ErrAlreadySettled = errors.New("messaging: message already settled")
	// ErrNoSettlementScope is returned by settlement calls made outside a routed handler
	ErrNoSettlementScope = errors.New("messaging: no settlement scope in context")
)
