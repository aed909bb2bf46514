package health

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/glimte/msgpump/pump"
	"github.com/gorilla/mux"
)

// ErrUnknownJob is returned by JobController implementations for unregistered jobs
var ErrUnknownJob = errors.New("health: unknown job")

// JobController is the set of host operations exposed over HTTP
type JobController interface {
	JobIDs() []string
	JobState(jobID string) (JobState, bool)
	Pause(ctx context.Context, jobID string, d time.Duration) error
	Resume(jobID string) error
}

// JobView is the JSON representation of a job
type JobView struct {
	JobID               string     `json:"jobId"`
	Status              Status     `json:"status"`
	Breaker             string     `json:"breaker"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	RetryAt             *time.Time `json:"retryAt,omitempty"`
	Paused              bool       `json:"paused"`
	PausedUntil         *time.Time `json:"pausedUntil,omitempty"`
}

// NewJobView converts a job state to its JSON view
func NewJobView(jobID string, s JobState) JobView {
	v := JobView{
		JobID:               jobID,
		Status:              JobStatus(s),
		Breaker:             s.Breaker.State.String(),
		ConsecutiveFailures: s.Breaker.ConsecutiveFailures,
		Paused:              s.Paused,
	}
	if !s.Breaker.RetryAt.IsZero() {
		at := s.Breaker.RetryAt
		v.RetryAt = &at
	}
	if !s.PausedUntil.IsZero() {
		until := s.PausedUntil
		v.PausedUntil = &until
	}
	return v
}

type errorBody struct {
	Error string `json:"error"`
}

// Admin serves health and job control endpoints
type Admin struct {
	jobs     JobController
	registry *Registry
	timeout  time.Duration
	logger   *slog.Logger
}

// AdminOption configures Admin
type AdminOption func(*Admin)

// WithAdminLogger sets the logger
func WithAdminLogger(logger *slog.Logger) AdminOption {
	return func(a *Admin) {
		a.logger = logger
	}
}

// WithCheckTimeout bounds health check requests
func WithCheckTimeout(d time.Duration) AdminOption {
	return func(a *Admin) {
		a.timeout = d
	}
}

// NewAdmin creates the admin endpoints; registry may be nil
func NewAdmin(jobs JobController, registry *Registry, options ...AdminOption) *Admin {
	a := &Admin{
		jobs:     jobs,
		registry: registry,
		timeout:  5 * time.Second,
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(a)
	}
	if a.registry == nil {
		a.registry = NewRegistry()
	}
	return a
}

// Router returns a router with every admin route registered
func (a *Admin) Router() *mux.Router {
	r := mux.NewRouter()
	a.Mount(r)
	return r
}

// Mount registers the admin routes on r
func (a *Admin) Mount(r *mux.Router) {
	r.Handle("/healthz", NewHandler(a.registry, a.timeout)).Methods(http.MethodGet)
	r.HandleFunc("/livez", LivenessHandler()).Methods(http.MethodGet)
	r.HandleFunc("/jobs", a.listJobs).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{job}", a.getJob).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{job}/pause", a.pauseJob).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{job}/resume", a.resumeJob).Methods(http.MethodPost)
}

func (a *Admin) listJobs(w http.ResponseWriter, r *http.Request) {
	ids := a.jobs.JobIDs()
	views := make([]JobView, 0, len(ids))
	for _, id := range ids {
		if s, ok := a.jobs.JobState(id); ok {
			views = append(views, NewJobView(id, s))
		}
	}
	writeJSON(w, http.StatusOK, views)
}

func (a *Admin) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job"]
	s, ok := a.jobs.JobState(jobID)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown job " + jobID})
		return
	}
	writeJSON(w, http.StatusOK, NewJobView(jobID, s))
}

// pauseJob pauses for the duration in the "for" query parameter; without it
// the job stays paused until resumed
func (a *Admin) pauseJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job"]

	var d time.Duration
	if raw := r.URL.Query().Get("for"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid duration " + raw})
			return
		}
		d = parsed
	}

	if err := a.jobs.Pause(r.Context(), jobID, d); err != nil {
		a.writeError(w, jobID, "pause", err)
		return
	}
	a.logger.Info("job paused via admin endpoint", "jobId", jobID, "duration", d)
	a.writeJob(w, jobID)
}

func (a *Admin) resumeJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job"]
	if err := a.jobs.Resume(jobID); err != nil {
		a.writeError(w, jobID, "resume", err)
		return
	}
	a.logger.Info("job resumed via admin endpoint", "jobId", jobID)
	a.writeJob(w, jobID)
}

func (a *Admin) writeJob(w http.ResponseWriter, jobID string) {
	s, ok := a.jobs.JobState(jobID)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown job " + jobID})
		return
	}
	writeJSON(w, http.StatusOK, NewJobView(jobID, s))
}

func (a *Admin) writeError(w http.ResponseWriter, jobID, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrUnknownJob):
		status = http.StatusNotFound
	case errors.Is(err, pump.ErrNotPaused):
		status = http.StatusConflict
	case errors.Is(err, pump.ErrEmptyJobID):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		a.logger.Error("admin operation failed", "jobId", jobID, "op", op, "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}
