package messaging

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/glimte/msgpump/contracts"
	"github.com/glimte/msgpump/serialization"
)

// InvokeFunc processes a decoded message body
type InvokeFunc func(ctx context.Context, body any, mc contracts.MessageContext, corr contracts.CorrelationInfo) error

// HandlerFunc is a typed message handler
type HandlerFunc[T any] func(ctx context.Context, body T, mc contracts.MessageContext, corr contracts.CorrelationInfo) error

// HandlerEntry describes one registered handler. Nil filters always match.
type HandlerEntry struct {
	Name          string
	MessageType   reflect.Type
	ContextFilter func(contracts.MessageContext) bool
	BodyFilter    func(any) bool
	Deserializer  serialization.BodyDeserializer
	Timeout       time.Duration
	Invoke        InvokeFunc
}

// EntryOption configures a HandlerEntry
type EntryOption func(*HandlerEntry)

// WithName sets the handler name used in logs and metrics
func WithName(name string) EntryOption {
	return func(e *HandlerEntry) {
		e.Name = name
	}
}

// WithContextFilter sets the predicate evaluated before the body is decoded
func WithContextFilter(filter func(contracts.MessageContext) bool) EntryOption {
	return func(e *HandlerEntry) {
		e.ContextFilter = filter
	}
}

// WithProperty matches messages whose property key equals value
func WithProperty(key, value string) EntryOption {
	return WithContextFilter(func(mc contracts.MessageContext) bool {
		return mc.PropertyString(key) == value
	})
}

// WithBodyFilter sets a typed predicate evaluated on the decoded body
func WithBodyFilter[T any](filter func(T) bool) EntryOption {
	return func(e *HandlerEntry) {
		e.BodyFilter = func(body any) bool {
			typed, ok := body.(T)
			return ok && filter(typed)
		}
	}
}

// WithDeserializer sets a custom body deserializer tried before the default one
func WithDeserializer(d serialization.BodyDeserializer) EntryOption {
	return func(e *HandlerEntry) {
		e.Deserializer = d
	}
}

// WithHandlerTimeout bounds a single invocation of the handler
func WithHandlerTimeout(timeout time.Duration) EntryOption {
	return func(e *HandlerEntry) {
		e.Timeout = timeout
	}
}

// NewHandlerEntry builds an entry for messages decoded into T
func NewHandlerEntry[T any](fn HandlerFunc[T], opts ...EntryOption) HandlerEntry {
	msgType := reflect.TypeOf((*T)(nil)).Elem()

	entry := HandlerEntry{
		Name:        msgType.String(),
		MessageType: msgType,
	}
	if fn != nil {
		entry.Invoke = func(ctx context.Context, body any, mc contracts.MessageContext, corr contracts.CorrelationInfo) error {
			typed, ok := body.(T)
			if !ok {
				return fmt.Errorf("%w: got %T, want %s", serialization.ErrTypeMismatch, body, msgType)
			}
			return fn(ctx, typed, mc, corr)
		}
	}

	for _, opt := range opts {
		opt(&entry)
	}

	return entry
}

// NewFallbackEntry builds a catch-all entry that receives the raw payload
func NewFallbackEntry(fn HandlerFunc[[]byte], opts ...EntryOption) HandlerEntry {
	return NewHandlerEntry(fn, append([]EntryOption{WithName("fallback")}, opts...)...)
}

func (e HandlerEntry) validate() error {
	if e.Invoke == nil {
		return fmt.Errorf("%w: %q has no invoke function", ErrInvalidEntry, e.Name)
	}
	if e.MessageType == nil {
		return fmt.Errorf("%w: %q has no message type", ErrInvalidEntry, e.Name)
	}
	return nil
}
