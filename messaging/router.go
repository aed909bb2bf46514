package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/msgpump/contracts"
)

// RouteKind tags the variant held by a RouteResult
type RouteKind int

const (
	// Unhandled means no handler and no fallback accepted the message
	Unhandled RouteKind = iota
	// Handled means a registered handler processed the message
	Handled
	// HandledByFallback means the fallback processed the message
	HandledByFallback
)

func (k RouteKind) String() string {
	switch k {
	case Unhandled:
		return "unhandled"
	case Handled:
		return "handled"
	case HandledByFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// RouteResult is the result of routing a single message
type RouteResult struct {
	Kind        RouteKind
	Outcome     contracts.Outcome
	HandlerName string
	Duration    time.Duration
}

// Matched reports whether any handler processed the message
func (r RouteResult) Matched() bool {
	return r.Kind != Unhandled
}

// RouteObserver is notified after every routed message
type RouteObserver interface {
	OnRouted(ctx context.Context, mc contracts.MessageContext, corr contracts.CorrelationInfo, result RouteResult)
}

// RouteObserverFunc is a function adapter for RouteObserver
type RouteObserverFunc func(ctx context.Context, mc contracts.MessageContext, corr contracts.CorrelationInfo, result RouteResult)

// OnRouted implements RouteObserver
func (f RouteObserverFunc) OnRouted(ctx context.Context, mc contracts.MessageContext, corr contracts.CorrelationInfo, result RouteResult) {
	f(ctx, mc, corr, result)
}

// MessageRouter matches messages against a registry and invokes the selected handler
type MessageRouter struct {
	registry  *HandlerRegistry
	observers []RouteObserver
	timeout   time.Duration
	logger    *slog.Logger
}

// RouterOption configures the MessageRouter
type RouterOption func(*MessageRouter)

// WithRouterLogger sets the logger
func WithRouterLogger(logger *slog.Logger) RouterOption {
	return func(r *MessageRouter) {
		r.logger = logger
	}
}

// WithRouteObserver adds an observer called for every routed message
func WithRouteObserver(observers ...RouteObserver) RouterOption {
	return func(r *MessageRouter) {
		r.observers = append(r.observers, observers...)
	}
}

// WithDefaultHandlerTimeout bounds handlers that do not set their own timeout
func WithDefaultHandlerTimeout(timeout time.Duration) RouterOption {
	return func(r *MessageRouter) {
		r.timeout = timeout
	}
}

// NewMessageRouter creates a router over registry
func NewMessageRouter(registry *HandlerRegistry, options ...RouterOption) *MessageRouter {
	r := &MessageRouter{
		registry: registry,
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(r)
	}

	if r.registry == nil {
		r.registry = NewHandlerRegistry(WithRegistryLogger(r.logger))
	}

	return r
}

// Registry returns the registry the router matches against
func (r *MessageRouter) Registry() *HandlerRegistry {
	return r.registry
}

// Route matches raw against the registry and invokes at most one handler.
// Handler errors and panics are returned as Failure outcomes.
func (r *MessageRouter) Route(ctx context.Context, raw []byte, mc contracts.MessageContext, corr contracts.CorrelationInfo) RouteResult {
	start := time.Now()

	var result RouteResult
	match := r.registry.Resolve(raw, mc)
	switch match.Kind {
	case MatchHandler:
		result.Kind = Handled
	case MatchFallback:
		result.Kind = HandledByFallback
	default:
		result.Kind = Unhandled
	}

	if match.Kind != MatchNone {
		result.HandlerName = match.Entry.Name
		result.Outcome = r.invoke(ctx, match, mc, corr)
	}
	result.Duration = time.Since(start)

	r.logResult(ctx, mc, corr, result)
	for _, observer := range r.observers {
		r.notify(ctx, observer, mc, corr, result)
	}

	return result
}

func (r *MessageRouter) invoke(ctx context.Context, match Match, mc contracts.MessageContext, corr contracts.CorrelationInfo) contracts.Outcome {
	timeout := match.Entry.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	s := &settlement{}
	err := safeInvoke(withSettlement(ctx, s), match, mc, corr)

	if action, reason, ok := s.decision(); ok {
		return contracts.Explicit(action, reason).WithErr(err)
	}
	if err != nil {
		return contracts.Failure(err)
	}
	return contracts.Success()
}

func safeInvoke(ctx context.Context, match Match, mc contracts.MessageContext, corr contracts.CorrelationInfo) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanicked, rec)
		}
	}()
	return match.Entry.Invoke(ctx, match.Body, mc, corr)
}

func (r *MessageRouter) logResult(ctx context.Context, mc contracts.MessageContext, corr contracts.CorrelationInfo, result RouteResult) {
	attrs := []any{
		"jobId", mc.JobID,
		"messageId", mc.MessageID,
		"deliveryCount", mc.DeliveryCount,
		"route", result.Kind.String(),
		"duration", result.Duration,
	}
	attrs = append(attrs, corr.LogAttrs()...)

	switch {
	case result.Kind == Unhandled:
		r.logger.WarnContext(ctx, "no handler matched message", attrs...)
	case result.Outcome.IsFailure():
		attrs = append(attrs, "handler", result.HandlerName, "error", result.Outcome.Err)
		r.logger.ErrorContext(ctx, "handler failed", attrs...)
	case result.Outcome.Err != nil:
		attrs = append(attrs, "handler", result.HandlerName, "outcome", result.Outcome.String(), "error", result.Outcome.Err)
		r.logger.WarnContext(ctx, "handler settled message and returned an error", attrs...)
	default:
		attrs = append(attrs, "handler", result.HandlerName, "outcome", result.Outcome.String())
		r.logger.DebugContext(ctx, "message routed", attrs...)
	}
}

func (r *MessageRouter) notify(ctx context.Context, observer RouteObserver, mc contracts.MessageContext, corr contracts.CorrelationInfo, result RouteResult) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("route observer panicked", "messageId", mc.MessageID, "panic", rec)
		}
	}()
	observer.OnRouted(ctx, mc, corr, result)
}
