package health

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/msgpump/reliability"
)

// JobState is what a job checker needs to know about one job
type JobState struct {
	Breaker     reliability.Snapshot
	Paused      bool
	PausedUntil time.Time
}

// JobStatus derives a health status: a closed breaker on a running job is
// healthy, a half-open breaker or a paused job is degraded and an open
// breaker is unhealthy.
func JobStatus(s JobState) Status {
	switch s.Breaker.State {
	case reliability.StateOpen:
		return StatusUnhealthy
	case reliability.StateHalfOpen:
		return StatusDegraded
	}
	if s.Paused {
		return StatusDegraded
	}
	return StatusHealthy
}

// JobChecker reports the health of one job
type JobChecker struct {
	jobID string
	state func(jobID string) (JobState, bool)
}

// NewJobChecker creates a checker for jobID; state returns false for unknown jobs
func NewJobChecker(jobID string, state func(jobID string) (JobState, bool)) *JobChecker {
	return &JobChecker{jobID: jobID, state: state}
}

func (c *JobChecker) Name() string {
	return "job:" + c.jobID
}

func (c *JobChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	s, ok := c.state(c.jobID)
	if !ok {
		result.Status = StatusUnhealthy
		result.Message = "job is not registered"
		result.Duration = time.Since(start)
		return result
	}

	result.Status = JobStatus(s)
	result.Details["breaker"] = s.Breaker.State.String()
	result.Details["consecutive_failures"] = s.Breaker.ConsecutiveFailures
	result.Details["paused"] = s.Paused
	if !s.PausedUntil.IsZero() {
		result.Details["paused_until"] = s.PausedUntil
	}

	switch {
	case s.Breaker.State == reliability.StateOpen:
		result.Message = fmt.Sprintf("circuit open, retry at %s", s.Breaker.RetryAt.Format(time.RFC3339))
	case s.Breaker.State == reliability.StateHalfOpen:
		result.Message = "circuit half-open, trial message in flight"
	case s.Paused:
		result.Message = "receiving is paused"
	default:
		result.Message = "receiving"
	}
	result.Duration = time.Since(start)
	return result
}

// Connection is satisfied by transport connection managers
type Connection interface {
	IsConnected() bool
}

// ConnectionChecker reports whether a broker connection is up
type ConnectionChecker struct {
	name string
	conn Connection
}

// NewConnectionChecker creates a connection checker
func NewConnectionChecker(name string, conn Connection) *ConnectionChecker {
	return &ConnectionChecker{name: name, conn: conn}
}

func (c *ConnectionChecker) Name() string {
	return c.name
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.name,
		Timestamp: start,
		Status:    StatusHealthy,
		Message:   "connected",
	}
	if !c.conn.IsConnected() {
		result.Status = StatusUnhealthy
		result.Message = "not connected"
	}
	result.Duration = time.Since(start)
	return result
}
