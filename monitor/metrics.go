package monitor

import (
	"context"
	"errors"

	"github.com/glimte/msgpump/contracts"
	"github.com/glimte/msgpump/messaging"
	"github.com/glimte/msgpump/pump"
	"github.com/glimte/msgpump/reliability"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultNamespace prefixes every metric name
const DefaultNamespace = "msgpump"

// Metrics exports routing, disposition, breaker and pause activity as
// Prometheus collectors. It implements the observer interfaces of the
// messaging, pump and reliability packages so one value can be attached to
// every component of a job.
type Metrics struct {
	routed             *prometheus.CounterVec
	handlerDuration    *prometheus.HistogramVec
	settled            *prometheus.CounterVec
	settleErrors       *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec
	paused             *prometheus.GaugeVec
	pauses             *prometheus.CounterVec
}

type metricsConfig struct {
	registerer prometheus.Registerer
	namespace  string
	buckets    []float64
}

// MetricsOption configures Metrics
type MetricsOption func(*metricsConfig)

// WithRegisterer sets where collectors are registered; the default is prometheus.DefaultRegisterer
func WithRegisterer(registerer prometheus.Registerer) MetricsOption {
	return func(c *metricsConfig) {
		c.registerer = registerer
	}
}

// WithNamespace overrides the metric namespace
func WithNamespace(namespace string) MetricsOption {
	return func(c *metricsConfig) {
		c.namespace = namespace
	}
}

// WithDurationBuckets overrides the handler duration histogram buckets
func WithDurationBuckets(buckets []float64) MetricsOption {
	return func(c *metricsConfig) {
		c.buckets = buckets
	}
}

// NewMetrics creates and registers the collectors. Collectors that are
// already registered with identical descriptors are reused.
func NewMetrics(options ...MetricsOption) (*Metrics, error) {
	cfg := metricsConfig{
		registerer: prometheus.DefaultRegisterer,
		namespace:  DefaultNamespace,
		buckets:    prometheus.DefBuckets,
	}
	for _, opt := range options {
		opt(&cfg)
	}

	m := &Metrics{
		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Subsystem: "router",
			Name:      "messages_total",
			Help:      "Messages routed, by route kind and handler",
		}, []string{"job", "route", "handler"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.namespace,
			Subsystem: "router",
			Name:      "handler_duration_seconds",
			Help:      "Time spent in handlers",
			Buckets:   cfg.buckets,
		}, []string{"job", "handler"}),
		settled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Subsystem: "pump",
			Name:      "dispositions_total",
			Help:      "Messages settled, by disposition action",
		}, []string{"job", "action"}),
		settleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Subsystem: "pump",
			Name:      "disposition_errors_total",
			Help:      "Dispositions rejected by the transport",
		}, []string{"job", "action"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.namespace,
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state: 0 closed, 1 open, 2 half-open",
		}, []string{"job"}),
		breakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "Circuit breaker state transitions",
		}, []string{"job", "from", "to"}),
		paused: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.namespace,
			Subsystem: "pump",
			Name:      "paused",
			Help:      "1 while the job is paused",
		}, []string{"job"}),
		pauses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Subsystem: "pump",
			Name:      "pauses_total",
			Help:      "Times the job was paused",
		}, []string{"job"}),
	}

	if err := m.register(cfg.registerer); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) register(registerer prometheus.Registerer) error {
	if registerer == nil {
		return nil
	}

	var err error
	if m.routed, err = registerVec(registerer, m.routed); err != nil {
		return err
	}
	if m.handlerDuration, err = registerVec(registerer, m.handlerDuration); err != nil {
		return err
	}
	if m.settled, err = registerVec(registerer, m.settled); err != nil {
		return err
	}
	if m.settleErrors, err = registerVec(registerer, m.settleErrors); err != nil {
		return err
	}
	if m.breakerState, err = registerVec(registerer, m.breakerState); err != nil {
		return err
	}
	if m.breakerTransitions, err = registerVec(registerer, m.breakerTransitions); err != nil {
		return err
	}
	if m.paused, err = registerVec(registerer, m.paused); err != nil {
		return err
	}
	if m.pauses, err = registerVec(registerer, m.pauses); err != nil {
		return err
	}
	return nil
}

func registerVec[C prometheus.Collector](registerer prometheus.Registerer, c C) (C, error) {
	if err := registerer.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// OnRouted implements messaging.RouteObserver
func (m *Metrics) OnRouted(ctx context.Context, mc contracts.MessageContext, corr contracts.CorrelationInfo, result messaging.RouteResult) {
	handler := result.HandlerName
	if handler == "" {
		handler = "none"
	}
	m.routed.WithLabelValues(mc.JobID, result.Kind.String(), handler).Inc()
	if result.Matched() {
		m.handlerDuration.WithLabelValues(mc.JobID, handler).Observe(result.Duration.Seconds())
	}
}

// OnSettled implements pump.DispositionObserver
func (m *Metrics) OnSettled(ctx context.Context, s pump.Settlement) {
	action := s.Decision.Action.String()
	if s.Err != nil {
		m.settleErrors.WithLabelValues(s.JobID, action).Inc()
		return
	}
	m.settled.WithLabelValues(s.JobID, action).Inc()
}

// OnStateChanged implements reliability.StateChangedEventHandler
func (m *Metrics) OnStateChanged(ctx context.Context, change reliability.StateChange) {
	m.breakerState.WithLabelValues(change.JobID).Set(stateValue(change.Current))
	m.breakerTransitions.WithLabelValues(change.JobID, change.Previous.String(), change.Current.String()).Inc()
}

// OnPauseChanged implements pump.LifetimeObserver
func (m *Metrics) OnPauseChanged(change pump.PauseChange) {
	if change.Paused {
		m.paused.WithLabelValues(change.JobID).Set(1)
		m.pauses.WithLabelValues(change.JobID).Inc()
		return
	}
	m.paused.WithLabelValues(change.JobID).Set(0)
}

func stateValue(s reliability.State) float64 {
	switch s {
	case reliability.StateOpen:
		return 1
	case reliability.StateHalfOpen:
		return 2
	default:
		return 0
	}
}
