package pump

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// PauseChange describes a pause or resume of a job
type PauseChange struct {
	JobID  string
	Paused bool
	// Until is zero for pauses that hold until an explicit resume
	Until time.Time
	// Expired is set when a timed pause ended on its own
	Expired bool
}

// LifetimeObserver is notified when a job is paused or resumed
type LifetimeObserver interface {
	OnPauseChanged(change PauseChange)
}

// LifetimeObserverFunc is a function adapter for LifetimeObserver
type LifetimeObserverFunc func(change PauseChange)

// OnPauseChanged implements LifetimeObserver
func (f LifetimeObserverFunc) OnPauseChanged(change PauseChange) {
	f(change)
}

type pauseState struct {
	until      time.Time
	timer      *time.Timer
	resumed    chan struct{}
	generation uint64
}

// LifetimeController coordinates pause and resume requests for receive loops.
// A job has at most one pause window at a time.
type LifetimeController struct {
	mu         sync.Mutex
	paused     map[string]*pauseState
	generation uint64
	observers  []LifetimeObserver
	logger     *slog.Logger
	now        func() time.Time
}

// LifetimeOption configures the LifetimeController
type LifetimeOption func(*LifetimeController)

// WithLifetimeLogger sets the logger
func WithLifetimeLogger(logger *slog.Logger) LifetimeOption {
	return func(c *LifetimeController) {
		c.logger = logger
	}
}

// WithLifetimeObserver adds pause observers
func WithLifetimeObserver(observers ...LifetimeObserver) LifetimeOption {
	return func(c *LifetimeController) {
		c.observers = append(c.observers, observers...)
	}
}

// NewLifetimeController creates a controller with no paused jobs
func NewLifetimeController(options ...LifetimeOption) *LifetimeController {
	c := &LifetimeController{
		paused: make(map[string]*pauseState),
		logger: slog.Default(),
		now:    time.Now,
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// AddObserver adds a pause observer
func (c *LifetimeController) AddObserver(observer LifetimeObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, observer)
}

// Pause stops receiving for jobID. A positive duration resumes automatically
// once it elapses; zero or negative holds until Resume. Pausing a paused job
// replaces its window. A done ctx fails the call without pausing.
func (c *LifetimeController) Pause(ctx context.Context, jobID string, duration time.Duration) error {
	if jobID == "" {
		return ErrEmptyJobID
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("pump: pause %s: %w", jobID, err)
	}

	c.mu.Lock()
	st, ok := c.paused[jobID]
	if ok {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
	} else {
		st = &pauseState{resumed: make(chan struct{})}
		c.paused[jobID] = st
	}

	c.generation++
	st.generation = c.generation
	st.until = time.Time{}
	if duration > 0 {
		st.until = c.now().Add(duration)
		gen := st.generation
		st.timer = time.AfterFunc(duration, func() {
			c.expire(jobID, gen)
		})
	}
	change := PauseChange{JobID: jobID, Paused: true, Until: st.until}
	c.mu.Unlock()

	c.logger.Info("job paused", "jobId", jobID, "duration", duration, "replaced", ok)
	c.notify(change)
	return nil
}

// Resume lets jobID receive again
func (c *LifetimeController) Resume(jobID string) error {
	c.mu.Lock()
	st, ok := c.paused[jobID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotPaused, jobID)
	}
	c.release(jobID, st)
	c.mu.Unlock()

	c.logger.Info("job resumed", "jobId", jobID)
	c.notify(PauseChange{JobID: jobID})
	return nil
}

// IsPaused reports whether jobID is paused
func (c *LifetimeController) IsPaused(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.paused[jobID]
	return ok
}

// PausedUntil returns when the pause of jobID ends. The time is zero for pauses
// without a duration; ok is false when the job is not paused.
func (c *LifetimeController) PausedUntil(jobID string) (until time.Time, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.paused[jobID]
	if !ok {
		return time.Time{}, false
	}
	return st.until, true
}

// PausedJobs returns the ids of all paused jobs
func (c *LifetimeController) PausedJobs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	jobs := make([]string, 0, len(c.paused))
	for id := range c.paused {
		jobs = append(jobs, id)
	}
	return jobs
}

// Wait blocks while jobID is paused. It returns nil as soon as the job is
// resumed, or the ctx error when ctx is done first.
func (c *LifetimeController) Wait(ctx context.Context, jobID string) error {
	for {
		c.mu.Lock()
		st, ok := c.paused[jobID]
		if !ok {
			c.mu.Unlock()
			return nil
		}
		resumed := st.resumed
		c.mu.Unlock()

		select {
		case <-resumed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *LifetimeController) expire(jobID string, generation uint64) {
	c.mu.Lock()
	st, ok := c.paused[jobID]
	if !ok || st.generation != generation {
		c.mu.Unlock()
		return
	}
	c.release(jobID, st)
	c.mu.Unlock()

	c.logger.Debug("job pause expired", "jobId", jobID)
	c.notify(PauseChange{JobID: jobID, Expired: true})
}

// release must be called with mu held
func (c *LifetimeController) release(jobID string, st *pauseState) {
	if st.timer != nil {
		st.timer.Stop()
	}
	close(st.resumed)
	delete(c.paused, jobID)
}

func (c *LifetimeController) notify(change PauseChange) {
	c.mu.Lock()
	observers := make([]LifetimeObserver, len(c.observers))
	copy(observers, c.observers)
	c.mu.Unlock()

	for _, observer := range observers {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					c.logger.Error("lifetime observer panicked", "jobId", change.JobID, "panic", rec)
				}
			}()
			observer.OnPauseChanged(change)
		}()
	}
}
