package reliability

import (
	"context"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/glimte/msgpump/contracts"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	DefaultFailureThreshold              = 1
	DefaultMessageRecoveryPeriod         = 30 * time.Second
	DefaultMessageIntervalDuringRecovery = 1500 * time.Millisecond
)

// Options configures how a breaker opens and probes for recovery
type Options struct {
	// FailureThreshold is the number of consecutive dependency failures that open the circuit
	FailureThreshold int
	// MessageRecoveryPeriod is how long receiving pauses after the circuit opens from closed
	MessageRecoveryPeriod time.Duration
	// MessageIntervalDuringRecovery is how long receiving pauses after a failed trial
	MessageIntervalDuringRecovery time.Duration
}

// DefaultOptions returns the breaker defaults
func DefaultOptions() Options {
	return Options{
		FailureThreshold:              DefaultFailureThreshold,
		MessageRecoveryPeriod:         DefaultMessageRecoveryPeriod,
		MessageIntervalDuringRecovery: DefaultMessageIntervalDuringRecovery,
	}
}

func (o Options) withDefaults() Options {
	if o.FailureThreshold < 1 {
		o.FailureThreshold = DefaultFailureThreshold
	}
	if o.MessageRecoveryPeriod <= 0 {
		o.MessageRecoveryPeriod = DefaultMessageRecoveryPeriod
	}
	if o.MessageIntervalDuringRecovery <= 0 {
		o.MessageIntervalDuringRecovery = DefaultMessageIntervalDuringRecovery
	}
	return o
}

// Transition describes the effect of a single breaker operation
type Transition struct {
	Previous State
	Current  State
	// Wait is how long receiving should pause when Current is open
	Wait time.Duration
}

// Changed reports whether the state moved
func (t Transition) Changed() bool {
	return t.Previous != t.Current
}

// Opened reports whether the circuit just opened
func (t Transition) Opened() bool {
	return t.Changed() && t.Current == StateOpen
}

// StateChange is passed to observers on every transition
type StateChange struct {
	JobID    string
	Previous State
	Current  State
	Options  Options
	Wait     time.Duration
	At       time.Time
}

// StateChangedEventHandler receives circuit breaker state change notifications
type StateChangedEventHandler interface {
	OnStateChanged(ctx context.Context, change StateChange)
}

// StateChangedFunc is a function adapter for StateChangedEventHandler
type StateChangedFunc func(ctx context.Context, change StateChange)

// OnStateChanged implements StateChangedEventHandler
func (f StateChangedFunc) OnStateChanged(ctx context.Context, change StateChange) {
	f(ctx, change)
}

// Snapshot is a point-in-time view of a breaker
type Snapshot struct {
	JobID               string
	State               State
	ConsecutiveFailures int
	OpenedAt            time.Time
	Wait                time.Duration
	RetryAt             time.Time
	TrialInFlight       bool
}

// CircuitBreaker tracks dependency failures for one job and decides when
// receiving must pause. Only outcomes carrying a dependency-unavailable error
// count as failures.
type CircuitBreaker struct {
	mu                  sync.Mutex
	jobID               string
	opts                Options
	state               State
	consecutiveFailures int
	openedAt            time.Time
	wait                time.Duration
	trialInFlight       bool

	observers []StateChangedEventHandler
	logger    *slog.Logger
	now       func() time.Time
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithOptions replaces all thresholds at once
func WithOptions(opts Options) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.opts = opts
	}
}

// WithFailureThreshold sets the failure threshold
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.opts.FailureThreshold = threshold
	}
}

// WithRecoveryPeriod sets the pause applied when the circuit opens
func WithRecoveryPeriod(d time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.opts.MessageRecoveryPeriod = d
	}
}

// WithIntervalDuringRecovery sets the pause applied after a failed trial
func WithIntervalDuringRecovery(d time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.opts.MessageIntervalDuringRecovery = d
	}
}

// WithObserver adds state change observers
func WithObserver(observers ...StateChangedEventHandler) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.observers = append(cb.observers, observers...)
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.logger = logger
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.now = now
	}
}

// NewCircuitBreaker creates a closed breaker for jobID
func NewCircuitBreaker(jobID string, options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		jobID:  jobID,
		opts:   DefaultOptions(),
		state:  StateClosed,
		logger: slog.Default(),
		now:    time.Now,
	}

	for _, opt := range options {
		opt(cb)
	}
	cb.opts = cb.opts.withDefaults()

	return cb
}

// JobID returns the job the breaker belongs to
func (cb *CircuitBreaker) JobID() string {
	return cb.jobID
}

// Options returns the effective thresholds
func (cb *CircuitBreaker) Options() Options {
	return cb.opts
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns the current state and counters
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := Snapshot{
		JobID:               cb.jobID,
		State:               cb.state,
		ConsecutiveFailures: cb.consecutiveFailures,
		TrialInFlight:       cb.trialInFlight,
	}
	if cb.state == StateOpen {
		s.OpenedAt = cb.openedAt
		s.Wait = cb.wait
		s.RetryAt = cb.openedAt.Add(cb.wait)
	}
	return s
}

// Record feeds a handler outcome into the breaker
func (cb *CircuitBreaker) Record(ctx context.Context, outcome contracts.Outcome) Transition {
	failed := outcome.DependencyUnavailable()

	cb.mu.Lock()
	t := Transition{Previous: cb.state, Current: cb.state}

	switch cb.state {
	case StateClosed:
		if !failed {
			cb.consecutiveFailures = 0
			break
		}
		cb.consecutiveFailures++
		if cb.consecutiveFailures >= cb.opts.FailureThreshold {
			cb.open(cb.opts.MessageRecoveryPeriod)
		}

	case StateHalfOpen:
		cb.trialInFlight = false
		if failed {
			cb.consecutiveFailures++
			cb.open(cb.opts.MessageIntervalDuringRecovery)
		} else {
			cb.state = StateClosed
			cb.consecutiveFailures = 0
		}

	case StateOpen:
		// Outcomes of messages settled after the circuit opened do not move it.
	}

	t.Current = cb.state
	if cb.state == StateOpen {
		t.Wait = cb.wait
	}
	change := cb.change(t)
	cb.mu.Unlock()

	if t.Changed() {
		cb.notify(ctx, change)
	}
	return t
}

// BeginTrial moves an open circuit to half-open so exactly one trial message
// can be received. It reports false when the circuit is not open.
func (cb *CircuitBreaker) BeginTrial(ctx context.Context) (Transition, bool) {
	cb.mu.Lock()
	t := Transition{Previous: cb.state, Current: cb.state}
	if cb.state != StateOpen {
		cb.mu.Unlock()
		return t, false
	}

	cb.state = StateHalfOpen
	cb.trialInFlight = true
	t.Current = cb.state
	change := cb.change(t)
	cb.mu.Unlock()

	cb.notify(ctx, change)
	return t, true
}

// Reset closes the circuit and clears its counters
func (cb *CircuitBreaker) Reset(ctx context.Context) Transition {
	cb.mu.Lock()
	t := Transition{Previous: cb.state, Current: StateClosed}
	cb.state = StateClosed
	cb.consecutiveFailures = 0
	cb.trialInFlight = false
	cb.wait = 0
	change := cb.change(t)
	cb.mu.Unlock()

	if t.Changed() {
		cb.notify(ctx, change)
	}
	return t
}

// AddObserver adds a state change observer
func (cb *CircuitBreaker) AddObserver(observer StateChangedEventHandler) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.observers = append(cb.observers, observer)
}

// RemoveObserver removes a previously added observer
func (cb *CircuitBreaker) RemoveObserver(observer StateChangedEventHandler) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	for i, o := range cb.observers {
		if sameObserver(o, observer) {
			cb.observers = append(cb.observers[:i:i], cb.observers[i+1:]...)
			break
		}
	}
}

// open must be called with mu held
func (cb *CircuitBreaker) open(wait time.Duration) {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.wait = wait
}

// change must be called with mu held
func (cb *CircuitBreaker) change(t Transition) StateChange {
	return StateChange{
		JobID:    cb.jobID,
		Previous: t.Previous,
		Current:  t.Current,
		Options:  cb.opts,
		Wait:     t.Wait,
		At:       cb.now(),
	}
}

func (cb *CircuitBreaker) notify(ctx context.Context, change StateChange) {
	cb.mu.Lock()
	observers := make([]StateChangedEventHandler, len(cb.observers))
	copy(observers, cb.observers)
	cb.mu.Unlock()

	cb.logger.Info("circuit breaker state changed",
		"jobId", change.JobID,
		"from", change.Previous.String(),
		"to", change.Current.String(),
		"wait", change.Wait,
	)

	for _, observer := range observers {
		cb.safeNotify(ctx, observer, change)
	}
}

func (cb *CircuitBreaker) safeNotify(ctx context.Context, observer StateChangedEventHandler, change StateChange) {
	defer func() {
		if rec := recover(); rec != nil {
			cb.logger.Error("circuit breaker observer panicked",
				"jobId", change.JobID,
				"panic", rec,
			)
		}
	}()
	observer.OnStateChanged(ctx, change)
}

func sameObserver(a, b StateChangedEventHandler) bool {
	if a == nil || b == nil {
		return a == b
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	if ta.Comparable() {
		return a == b
	}
	if ta.Kind() == reflect.Func {
		return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
	}
	return false
}
