package messaging

import (
	"context"
	"sync"

	"github.com/glimte/msgpump/contracts"
)

type settlementKey struct{}

// settlement records the explicit disposition requested by a handler
type settlement struct {
	mu      sync.Mutex
	action  contracts.DispositionAction
	reason  string
	settled bool
}

func withSettlement(ctx context.Context, s *settlement) context.Context {
	return context.WithValue(ctx, settlementKey{}, s)
}

func (s *settlement) set(action contracts.DispositionAction, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.settled {
		return ErrAlreadySettled
	}
	s.action = action
	s.reason = reason
	s.settled = true
	return nil
}

func (s *settlement) decision() (contracts.DispositionAction, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.action, s.reason, s.settled
}

func settle(ctx context.Context, action contracts.DispositionAction, reason string) error {
	s, ok := ctx.Value(settlementKey{}).(*settlement)
	if !ok {
		return ErrNoSettlementScope
	}
	return s.set(action, reason)
}

// Complete asks the pump to complete the message being handled, overriding the handler's return value
func Complete(ctx context.Context) error {
	return settle(ctx, contracts.DispositionComplete, "")
}

// Abandon asks the pump to release the message being handled for redelivery
func Abandon(ctx context.Context, reason string) error {
	return settle(ctx, contracts.DispositionAbandon, reason)
}

// DeadLetter asks the pump to move the message being handled to the dead-letter channel
func DeadLetter(ctx context.Context, reason string) error {
	return settle(ctx, contracts.DispositionDeadLetter, reason)
}

// Settled reports the explicit disposition requested so far in ctx, if any
func Settled(ctx context.Context) (contracts.DispositionAction, bool) {
	s, ok := ctx.Value(settlementKey{}).(*settlement)
	if !ok {
		return contracts.DispositionNone, false
	}
	action, _, settled := s.decision()
	return action, settled
}
