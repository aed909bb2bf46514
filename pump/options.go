package pump

import (
	"log/slog"
	"time"

	"github.com/glimte/msgpump/reliability"
)

const (
	DefaultJobID              = "default"
	DefaultPrefetchCount      = 1
	DefaultPollInterval       = time.Second
	DefaultHandlerTimeout     = 30 * time.Second
	DefaultDispositionTimeout = 5 * time.Second
)

type pumpConfig struct {
	jobID              string
	prefetch           int
	autoComplete       bool
	maxDeliveryCount   int
	pollInterval       time.Duration
	handlerTimeout     time.Duration
	dispositionTimeout time.Duration
	lockRenewal        time.Duration
	backoff            *reliability.ExponentialBackoff
	breakerOptions     []reliability.CircuitBreakerOption
	lifetime           *LifetimeController
	breakers           *reliability.Registry
	correlator         CorrelationProvider
	observers          []DispositionObserver
	logger             *slog.Logger
}

// Option configures a Pump
type Option func(*pumpConfig)

// WithJobID sets the job the pump runs as
func WithJobID(jobID string) Option {
	return func(c *pumpConfig) {
		c.jobID = jobID
	}
}

// WithPrefetchCount sets how many messages one receive call may return
func WithPrefetchCount(n int) Option {
	return func(c *pumpConfig) {
		c.prefetch = n
	}
}

// WithAutoComplete controls whether successful handlers complete their message
func WithAutoComplete(enabled bool) Option {
	return func(c *pumpConfig) {
		c.autoComplete = enabled
	}
}

// WithMaxDeliveryCount sets the delivery count at which failures are dead-lettered
func WithMaxDeliveryCount(n int) Option {
	return func(c *pumpConfig) {
		c.maxDeliveryCount = n
	}
}

// WithPollInterval sets the wait after an empty receive
func WithPollInterval(d time.Duration) Option {
	return func(c *pumpConfig) {
		c.pollInterval = d
	}
}

// WithHandlerTimeout bounds a single handler invocation
func WithHandlerTimeout(d time.Duration) Option {
	return func(c *pumpConfig) {
		c.handlerTimeout = d
	}
}

// WithDispositionTimeout bounds a single settle call on the transport
func WithDispositionTimeout(d time.Duration) Option {
	return func(c *pumpConfig) {
		c.dispositionTimeout = d
	}
}

// WithLockRenewalInterval renews the message lock at this interval while its handler runs
func WithLockRenewalInterval(d time.Duration) Option {
	return func(c *pumpConfig) {
		c.lockRenewal = d
	}
}

// WithReceiveBackoff sets the backoff applied after failed receive calls
func WithReceiveBackoff(b *reliability.ExponentialBackoff) Option {
	return func(c *pumpConfig) {
		c.backoff = b
	}
}

// WithBreakerOptions configures the job's circuit breaker
func WithBreakerOptions(opts ...reliability.CircuitBreakerOption) Option {
	return func(c *pumpConfig) {
		c.breakerOptions = append(c.breakerOptions, opts...)
	}
}

// WithLifetimeController shares a lifetime controller between pumps
func WithLifetimeController(lc *LifetimeController) Option {
	return func(c *pumpConfig) {
		c.lifetime = lc
	}
}

// WithBreakerRegistry shares a breaker registry between pumps
func WithBreakerRegistry(r *reliability.Registry) Option {
	return func(c *pumpConfig) {
		c.breakers = r
	}
}

// WithCorrelationProvider replaces the default correlation provider
func WithCorrelationProvider(p CorrelationProvider) Option {
	return func(c *pumpConfig) {
		c.correlator = p
	}
}

// WithDispositionObserver adds observers notified after every settled message
func WithDispositionObserver(observers ...DispositionObserver) Option {
	return func(c *pumpConfig) {
		c.observers = append(c.observers, observers...)
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *pumpConfig) {
		c.logger = logger
	}
}

func (c *pumpConfig) setDefaults() {
	if c.jobID == "" {
		c.jobID = DefaultJobID
	}
	if c.prefetch < 1 {
		c.prefetch = DefaultPrefetchCount
	}
	if c.pollInterval <= 0 {
		c.pollInterval = DefaultPollInterval
	}
	if c.handlerTimeout < 0 {
		c.handlerTimeout = 0
	}
	if c.dispositionTimeout <= 0 {
		c.dispositionTimeout = DefaultDispositionTimeout
	}
	if c.backoff == nil {
		c.backoff = reliability.NewExponentialBackoff(time.Second, 30*time.Second, 2)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.lifetime == nil {
		c.lifetime = NewLifetimeController(WithLifetimeLogger(c.logger))
	}
	if c.breakers == nil {
		c.breakers = reliability.NewRegistry()
	}
}
