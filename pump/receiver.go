package pump

import (
	"context"

	"github.com/glimte/msgpump/contracts"
)

// Delivery is a single received message and the operations that settle it
type Delivery interface {
	Body() []byte
	Context() contracts.MessageContext
	Complete(ctx context.Context) error
	Abandon(ctx context.Context) error
	DeadLetter(ctx context.Context, reason string) error
	RenewLock(ctx context.Context) error
}

// Receiver pulls messages from a transport. Receive returns at most max
// deliveries and may return none. ErrReceiverClosed ends the pump.
type Receiver interface {
	Receive(ctx context.Context, max int) ([]Delivery, error)
}

// ReceiverFunc is a function adapter for Receiver
type ReceiverFunc func(ctx context.Context, max int) ([]Delivery, error)

// Receive implements Receiver
func (f ReceiverFunc) Receive(ctx context.Context, max int) ([]Delivery, error) {
	return f(ctx, max)
}

// CorrelationProvider derives correlation ids for a delivery
type CorrelationProvider interface {
	Correlate(mc contracts.MessageContext) contracts.CorrelationInfo
}
