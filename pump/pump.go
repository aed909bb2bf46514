package pump

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/msgpump/contracts"
	"github.com/glimte/msgpump/correlation"
	"github.com/glimte/msgpump/messaging"
	"github.com/glimte/msgpump/reliability"
)

// Settlement describes how one message was settled
type Settlement struct {
	JobID    string
	Message  contracts.MessageContext
	Result   messaging.RouteResult
	Decision messaging.DispositionDecision
	// Err is set when the transport rejected the disposition
	Err error
}

// DispositionObserver is notified after every settled message
type DispositionObserver interface {
	OnSettled(ctx context.Context, s Settlement)
}

// DispositionObserverFunc is a function adapter for DispositionObserver
type DispositionObserverFunc func(ctx context.Context, s Settlement)

// OnSettled implements DispositionObserver
func (f DispositionObserverFunc) OnSettled(ctx context.Context, s Settlement) {
	f(ctx, s)
}

// Stats counts what a pump has done since it was created
type Stats struct {
	ReceiveCalls  int64
	ReceiveErrors int64
	Received      int64
	Completed     int64
	Abandoned     int64
	DeadLettered  int64
	SettleErrors  int64
	Released      int64
}

type counters struct {
	receiveCalls  atomic.Int64
	receiveErrors atomic.Int64
	received      atomic.Int64
	completed     atomic.Int64
	abandoned     atomic.Int64
	deadLettered  atomic.Int64
	settleErrors  atomic.Int64
	released      atomic.Int64
}

// Pump runs the receive loop of one job: it waits while the job is paused,
// receives, routes, settles and feeds the job's circuit breaker.
type Pump struct {
	cfg      pumpConfig
	receiver Receiver
	router   *messaging.MessageRouter
	resolver messaging.DispositionResolver
	breaker  *reliability.CircuitBreaker
	running  atomic.Bool
	stats    counters
}

// NewPump creates a pump reading from receiver and routing through router
func NewPump(receiver Receiver, router *messaging.MessageRouter, options ...Option) (*Pump, error) {
	if receiver == nil {
		return nil, ErrNilReceiver
	}

	cfg := pumpConfig{
		autoComplete:     true,
		handlerTimeout:   DefaultHandlerTimeout,
		maxDeliveryCount: messaging.DefaultMaxDeliveryCount,
	}
	for _, opt := range options {
		opt(&cfg)
	}
	cfg.setDefaults()

	if router == nil {
		router = messaging.NewMessageRouter(nil, messaging.WithRouterLogger(cfg.logger))
	}
	if cfg.correlator == nil {
		cfg.correlator = correlation.NewProvider()
	}

	breakerOpts := append([]reliability.CircuitBreakerOption{reliability.WithLogger(cfg.logger)}, cfg.breakerOptions...)

	return &Pump{
		cfg:      cfg,
		receiver: receiver,
		router:   router,
		resolver: messaging.NewDispositionResolver(cfg.maxDeliveryCount),
		breaker:  cfg.breakers.GetOrCreate(cfg.jobID, breakerOpts...),
	}, nil
}

// JobID returns the job the pump runs as
func (p *Pump) JobID() string {
	return p.cfg.jobID
}

// Breaker returns the job's circuit breaker
func (p *Pump) Breaker() *reliability.CircuitBreaker {
	return p.breaker
}

// Lifetime returns the controller that pauses the job
func (p *Pump) Lifetime() *LifetimeController {
	return p.cfg.lifetime
}

// Running reports whether Run is active
func (p *Pump) Running() bool {
	return p.running.Load()
}

// Stats returns the pump counters
func (p *Pump) Stats() Stats {
	return Stats{
		ReceiveCalls:  p.stats.receiveCalls.Load(),
		ReceiveErrors: p.stats.receiveErrors.Load(),
		Received:      p.stats.received.Load(),
		Completed:     p.stats.completed.Load(),
		Abandoned:     p.stats.abandoned.Load(),
		DeadLettered:  p.stats.deadLettered.Load(),
		SettleErrors:  p.stats.settleErrors.Load(),
		Released:      p.stats.released.Load(),
	}
}

// Run receives until ctx is done or the receiver is closed. Messages already
// being handled when ctx is cancelled still run to completion and are settled.
func (p *Pump) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer p.running.Store(false)

	logger := p.cfg.logger.With("jobId", p.cfg.jobID)
	logger.Info("pump started", "prefetch", p.cfg.prefetch, "autoComplete", p.cfg.autoComplete)
	defer logger.Info("pump stopped")

	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := p.cfg.lifetime.Wait(ctx, p.cfg.jobID); err != nil {
			return nil
		}

		limit := p.cfg.prefetch
		switch p.breaker.State() {
		case reliability.StateOpen:
			if _, ok := p.breaker.BeginTrial(context.WithoutCancel(ctx)); ok {
				logger.Info("receiving trial message")
			}
			limit = 1
		case reliability.StateHalfOpen:
			limit = 1
		}

		p.stats.receiveCalls.Add(1)
		deliveries, err := p.receiver.Receive(ctx, limit)
		if err != nil {
			if errors.Is(err, ErrReceiverClosed) {
				logger.Info("receiver closed")
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}

			p.stats.receiveErrors.Add(1)
			delay := p.cfg.backoff.NextDelay(failures)
			failures++
			logger.Warn("receive failed, restarting loop",
				"error", err,
				"attempt", failures,
				"retryIn", delay,
			)
			if !sleep(ctx, delay) {
				return nil
			}
			continue
		}
		failures = 0

		if len(deliveries) == 0 {
			if !sleep(ctx, p.cfg.pollInterval) {
				return nil
			}
			continue
		}

		p.processBatch(ctx, deliveries)
	}
}

func (p *Pump) processBatch(ctx context.Context, deliveries []Delivery) {
	p.stats.received.Add(int64(len(deliveries)))

	for i, d := range deliveries {
		if p.breaker.State() == reliability.StateOpen {
			p.release(ctx, deliveries[i:], "circuit open")
			return
		}
		if ctx.Err() != nil {
			p.release(ctx, deliveries[i:], "shutting down")
			return
		}
		p.process(ctx, d)
	}
}

func (p *Pump) process(ctx context.Context, d Delivery) {
	mc := d.Context()
	if mc.JobID == "" {
		mc.JobID = p.cfg.jobID
	}
	corr := p.cfg.correlator.Correlate(mc)

	// In-flight handlers are not cancelled by shutdown.
	handlerCtx := context.WithoutCancel(ctx)
	cancel := context.CancelFunc(func() {})
	if p.cfg.handlerTimeout > 0 {
		handlerCtx, cancel = context.WithTimeout(handlerCtx, p.cfg.handlerTimeout)
	}
	stopRenewal := p.renewLocks(handlerCtx, d, mc)

	result := p.router.Route(handlerCtx, d.Body(), mc, corr)

	stopRenewal()
	cancel()

	decision := p.resolver.Resolve(result, mc.DeliveryCount, p.cfg.autoComplete)
	err := p.settle(ctx, d, mc, decision)

	transition := p.breaker.Record(context.WithoutCancel(ctx), result.Outcome)
	if transition.Opened() {
		p.pauseForRecovery(ctx, transition)
	}

	p.notify(ctx, Settlement{
		JobID:    p.cfg.jobID,
		Message:  mc,
		Result:   result,
		Decision: decision,
		Err:      err,
	})
}

func (p *Pump) settle(ctx context.Context, d Delivery, mc contracts.MessageContext, decision messaging.DispositionDecision) error {
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.dispositionTimeout)
	defer cancel()

	var err error
	switch decision.Action {
	case contracts.DispositionComplete:
		err = d.Complete(settleCtx)
		p.stats.completed.Add(1)
	case contracts.DispositionDeadLetter:
		err = d.DeadLetter(settleCtx, decision.Reason)
		p.stats.deadLettered.Add(1)
	default:
		err = d.Abandon(settleCtx)
		p.stats.abandoned.Add(1)
	}

	if err != nil {
		p.stats.settleErrors.Add(1)
		settleErr := &SettleError{
			Op:        decision.Action.String(),
			JobID:     p.cfg.jobID,
			MessageID: mc.MessageID,
			Err:       err,
		}
		p.cfg.logger.Error("failed to settle message",
			"jobId", p.cfg.jobID,
			"messageId", mc.MessageID,
			"action", decision.Action.String(),
			"error", err,
		)
		return settleErr
	}

	p.cfg.logger.Debug("message settled",
		"jobId", p.cfg.jobID,
		"messageId", mc.MessageID,
		"action", decision.Action.String(),
		"reason", decision.Reason,
	)
	return nil
}

// release abandons deliveries that were received but never handed to a handler
func (p *Pump) release(ctx context.Context, deliveries []Delivery, why string) {
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.dispositionTimeout)
	defer cancel()

	for _, d := range deliveries {
		p.stats.released.Add(1)
		if err := d.Abandon(settleCtx); err != nil {
			p.stats.settleErrors.Add(1)
			p.cfg.logger.Error("failed to release message",
				"jobId", p.cfg.jobID,
				"messageId", d.Context().MessageID,
				"error", err,
			)
		}
	}
	p.cfg.logger.Info("released prefetched messages",
		"jobId", p.cfg.jobID,
		"count", len(deliveries),
		"reason", why,
	)
}

func (p *Pump) pauseForRecovery(ctx context.Context, t reliability.Transition) {
	if err := p.cfg.lifetime.Pause(ctx, p.cfg.jobID, t.Wait); err != nil {
		p.cfg.logger.Warn("could not pause job for recovery", "jobId", p.cfg.jobID, "error", err)
		return
	}
	p.cfg.logger.Warn("dependency unavailable, receiving paused",
		"jobId", p.cfg.jobID,
		"from", t.Previous.String(),
		"wait", t.Wait,
	)
}

// renewLocks keeps the delivery locked while its handler runs
func (p *Pump) renewLocks(ctx context.Context, d Delivery, mc contracts.MessageContext) func() {
	if p.cfg.lockRenewal <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.cfg.lockRenewal)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := d.RenewLock(ctx); err != nil {
					p.cfg.logger.Warn("failed to renew message lock",
						"jobId", p.cfg.jobID,
						"messageId", mc.MessageID,
						"error", err,
					)
				}
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}

func (p *Pump) notify(ctx context.Context, s Settlement) {
	for _, observer := range p.cfg.observers {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					p.cfg.logger.Error("disposition observer panicked", "jobId", s.JobID, "panic", rec)
				}
			}()
			observer.OnSettled(ctx, s)
		}()
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
