// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package msgpump

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/msgpump/health"
	"github.com/glimte/msgpump/messaging"
	"github.com/glimte/msgpump/monitor"
	"github.com/glimte/msgpump/pump"
	"github.com/glimte/msgpump/reliability"
)

var (
	// ErrDuplicateJob is returned when a job id is added twice
	ErrDuplicateJob = errors.New("msgpump: job already registered")
	// ErrNoJobs is returned by Run on a host without jobs
	ErrNoJobs = errors.New("msgpump: no jobs registered")
	// ErrHostRunning is returned when jobs are added while the host runs
	ErrHostRunning = errors.New("msgpump: host is running")
)

// Host runs a set of pump jobs that share one lifetime controller and one
// circuit breaker registry, so pausing and breaker state are visible and
// controllable per job from a single place.
type Host struct {
	mu       sync.RWMutex
	jobs     map[string]*job
	lifetime *pump.LifetimeController
	breakers *reliability.Registry
	metrics  *monitor.Metrics
	logger   *slog.Logger
	running  atomic.Bool
}

type job struct {
	pump     *pump.Pump
	receiver pump.Receiver
}

// hostConfig holds host configuration
type hostConfig struct {
	logger          *slog.Logger
	metrics         *monitor.Metrics
	breakerDefaults []reliability.CircuitBreakerOption
	pauseObservers  []pump.LifetimeObserver
}

// HostOption configures the host
type HostOption func(*hostConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) HostOption {
	return func(cfg *hostConfig) {
		cfg.logger = logger
	}
}

// WithMetrics attaches Prometheus metrics to every job
func WithMetrics(m *monitor.Metrics) HostOption {
	return func(cfg *hostConfig) {
		cfg.metrics = m
	}
}

// WithBreakerDefaults sets circuit breaker options applied to every job
func WithBreakerDefaults(opts ...reliability.CircuitBreakerOption) HostOption {
	return func(cfg *hostConfig) {
		cfg.breakerDefaults = append(cfg.breakerDefaults, opts...)
	}
}

// WithPauseObserver adds observers for job pause changes
func WithPauseObserver(observers ...pump.LifetimeObserver) HostOption {
	return func(cfg *hostConfig) {
		cfg.pauseObservers = append(cfg.pauseObservers, observers...)
	}
}

// NewHost creates an empty host
func NewHost(options ...HostOption) *Host {
	cfg := &hostConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(cfg)
	}

	breakerDefaults := append([]reliability.CircuitBreakerOption{reliability.WithLogger(cfg.logger)}, cfg.breakerDefaults...)
	lifetimeOpts := []pump.LifetimeOption{pump.WithLifetimeLogger(cfg.logger), pump.WithLifetimeObserver(cfg.pauseObservers...)}
	if cfg.metrics != nil {
		breakerDefaults = append(breakerDefaults, reliability.WithObserver(cfg.metrics))
		lifetimeOpts = append(lifetimeOpts, pump.WithLifetimeObserver(cfg.metrics))
	}

	return &Host{
		jobs:     make(map[string]*job),
		lifetime: pump.NewLifetimeController(lifetimeOpts...),
		breakers: reliability.NewRegistry(breakerDefaults...),
		metrics:  cfg.metrics,
		logger:   cfg.logger,
	}
}

// AddJob registers a job receiving from receiver and routing through
// registry. The job id, lifetime controller and breaker registry are owned by
// the host and override the same settings in opts.
func (h *Host) AddJob(jobID string, receiver pump.Receiver, registry *messaging.HandlerRegistry, opts ...pump.Option) (*pump.Pump, error) {
	if jobID == "" {
		return nil, pump.ErrEmptyJobID
	}
	if h.running.Load() {
		return nil, ErrHostRunning
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.jobs[jobID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, jobID)
	}

	routerOpts := []messaging.RouterOption{messaging.WithRouterLogger(h.logger)}
	pumpOpts := append([]pump.Option{pump.WithLogger(h.logger)}, opts...)
	if h.metrics != nil {
		routerOpts = append(routerOpts, messaging.WithRouteObserver(h.metrics))
		pumpOpts = append(pumpOpts, pump.WithDispositionObserver(h.metrics))
	}
	pumpOpts = append(pumpOpts,
		pump.WithJobID(jobID),
		pump.WithLifetimeController(h.lifetime),
		pump.WithBreakerRegistry(h.breakers),
	)

	p, err := pump.NewPump(receiver, messaging.NewMessageRouter(registry, routerOpts...), pumpOpts...)
	if err != nil {
		return nil, fmt.Errorf("msgpump: add job %s: %w", jobID, err)
	}

	h.jobs[jobID] = &job{pump: p, receiver: receiver}
	h.logger.Info("Job registered", "jobId", jobID)
	return p, nil
}

// Run runs every job until ctx is done or all jobs stop. Job errors are
// joined into the returned error.
func (h *Host) Run(ctx context.Context) error {
	if !h.running.CompareAndSwap(false, true) {
		return ErrHostRunning
	}
	defer h.running.Store(false)

	h.mu.RLock()
	jobs := make(map[string]*pump.Pump, len(h.jobs))
	for id, j := range h.jobs {
		jobs[id] = j.pump
	}
	h.mu.RUnlock()

	if len(jobs) == 0 {
		return ErrNoJobs
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for id, p := range jobs {
		wg.Add(1)
		go func(id string, p *pump.Pump) {
			defer wg.Done()
			if err := p.Run(ctx); err != nil {
				h.logger.Error("Job stopped with error", "jobId", id, "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("job %s: %w", id, err))
				mu.Unlock()
				return
			}
			h.logger.Info("Job stopped", "jobId", id)
		}(id, p)
	}
	wg.Wait()

	return errors.Join(errs...)
}

// Running reports whether Run is active
func (h *Host) Running() bool {
	return h.running.Load()
}

// Pause stops receiving for jobID; see pump.LifetimeController.Pause
func (h *Host) Pause(ctx context.Context, jobID string, d time.Duration) error {
	if _, ok := h.Pump(jobID); !ok {
		return fmt.Errorf("%w: %s", health.ErrUnknownJob, jobID)
	}
	return h.lifetime.Pause(ctx, jobID, d)
}

// Resume lets jobID receive again. Resuming a job whose breaker is open
// starts a trial immediately.
func (h *Host) Resume(jobID string) error {
	if _, ok := h.Pump(jobID); !ok {
		return fmt.Errorf("%w: %s", health.ErrUnknownJob, jobID)
	}
	return h.lifetime.Resume(jobID)
}

// Pump returns the pump of jobID
func (h *Host) Pump(jobID string) (*pump.Pump, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	j, ok := h.jobs[jobID]
	if !ok {
		return nil, false
	}
	return j.pump, true
}

// JobIDs returns the registered job ids in order
func (h *Host) JobIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.jobs))
	for id := range h.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// JobState returns the breaker and pause state of jobID
func (h *Host) JobState(jobID string) (health.JobState, bool) {
	p, ok := h.Pump(jobID)
	if !ok {
		return health.JobState{}, false
	}
	until, paused := h.lifetime.PausedUntil(jobID)
	return health.JobState{
		Breaker:     p.Breaker().Snapshot(),
		Paused:      paused,
		PausedUntil: until,
	}, true
}

// Lifetime returns the shared lifetime controller
func (h *Host) Lifetime() *pump.LifetimeController {
	return h.lifetime
}

// Breakers returns the shared circuit breaker registry
func (h *Host) Breakers() *reliability.Registry {
	return h.breakers
}

// HealthRegistry returns a health registry with one checker per job
func (h *Host) HealthRegistry() *health.Registry {
	registry := health.NewRegistry()
	for _, id := range h.JobIDs() {
		registry.Register(health.NewJobChecker(id, h.JobState))
	}
	return registry
}

// Close closes every receiver that implements io.Closer
func (h *Host) Close() error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var errs []error
	for id, j := range h.jobs {
		if c, ok := j.receiver.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("job %s: %w", id, err))
			}
		}
	}
	return errors.Join(errs...)
}
