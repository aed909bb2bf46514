package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glimte/msgpump/pump"
	"github.com/glimte/msgpump/reliability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockJobController struct {
	mock.Mock
}

func (m *MockJobController) JobIDs() []string {
	args := m.Called()
	return args.Get(0).([]string)
}

func (m *MockJobController) JobState(jobID string) (JobState, bool) {
	args := m.Called(jobID)
	return args.Get(0).(JobState), args.Bool(1)
}

func (m *MockJobController) Pause(ctx context.Context, jobID string, d time.Duration) error {
	args := m.Called(ctx, jobID, d)
	return args.Error(0)
}

func (m *MockJobController) Resume(jobID string) error {
	args := m.Called(jobID)
	return args.Error(0)
}

func serve(t *testing.T, a *Admin, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	a.Router().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func decodeJob(t *testing.T, rec *httptest.ResponseRecorder) JobView {
	t.Helper()
	var v JobView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

var closedState = JobState{Breaker: reliability.Snapshot{JobID: "orders", State: reliability.StateClosed}}

func TestAdminJobs(t *testing.T) {
	t.Run("get job", func(t *testing.T) {
		jobs := &MockJobController{}
		jobs.On("JobState", "orders").Return(closedState, true)

		rec := serve(t, NewAdmin(jobs, nil), http.MethodGet, "/jobs/orders")

		assert.Equal(t, http.StatusOK, rec.Code)
		v := decodeJob(t, rec)
		assert.Equal(t, "orders", v.JobID)
		assert.Equal(t, StatusHealthy, v.Status)
		assert.Equal(t, "closed", v.Breaker)
		assert.False(t, v.Paused)
		assert.Nil(t, v.PausedUntil)
	})

	t.Run("unknown job is 404", func(t *testing.T) {
		jobs := &MockJobController{}
		jobs.On("JobState", "nope").Return(JobState{}, false)

		rec := serve(t, NewAdmin(jobs, nil), http.MethodGet, "/jobs/nope")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("list jobs", func(t *testing.T) {
		jobs := &MockJobController{}
		jobs.On("JobIDs").Return([]string{"billing", "orders"})
		jobs.On("JobState", "billing").Return(JobState{Breaker: reliability.Snapshot{State: reliability.StateOpen}}, true)
		jobs.On("JobState", "orders").Return(closedState, true)

		rec := serve(t, NewAdmin(jobs, nil), http.MethodGet, "/jobs")

		require.Equal(t, http.StatusOK, rec.Code)
		var views []JobView
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
		require.Len(t, views, 2)
		assert.Equal(t, StatusUnhealthy, views[0].Status)
		assert.Equal(t, "orders", views[1].JobID)
	})

	t.Run("pause with duration", func(t *testing.T) {
		until := time.Now().Add(30 * time.Second).UTC()
		jobs := &MockJobController{}
		jobs.On("Pause", mock.Anything, "orders", 30*time.Second).Return(nil).Once()
		jobs.On("JobState", "orders").Return(JobState{Breaker: closedState.Breaker, Paused: true, PausedUntil: until}, true)

		rec := serve(t, NewAdmin(jobs, nil), http.MethodPost, "/jobs/orders/pause?for=30s")

		require.Equal(t, http.StatusOK, rec.Code)
		v := decodeJob(t, rec)
		assert.True(t, v.Paused)
		assert.Equal(t, StatusDegraded, v.Status)
		require.NotNil(t, v.PausedUntil)
		assert.True(t, until.Equal(*v.PausedUntil))
		jobs.AssertExpectations(t)
	})

	t.Run("pause without duration holds", func(t *testing.T) {
		jobs := &MockJobController{}
		jobs.On("Pause", mock.Anything, "orders", time.Duration(0)).Return(nil).Once()
		jobs.On("JobState", "orders").Return(JobState{Breaker: closedState.Breaker, Paused: true}, true)

		rec := serve(t, NewAdmin(jobs, nil), http.MethodPost, "/jobs/orders/pause")
		assert.Equal(t, http.StatusOK, rec.Code)
		jobs.AssertExpectations(t)
	})

	t.Run("invalid duration is 400", func(t *testing.T) {
		jobs := &MockJobController{}
		rec := serve(t, NewAdmin(jobs, nil), http.MethodPost, "/jobs/orders/pause?for=soon")

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		jobs.AssertNotCalled(t, "Pause", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("pause unknown job is 404", func(t *testing.T) {
		jobs := &MockJobController{}
		jobs.On("Pause", mock.Anything, "nope", time.Duration(0)).Return(fmt.Errorf("%w: nope", ErrUnknownJob))

		rec := serve(t, NewAdmin(jobs, nil), http.MethodPost, "/jobs/nope/pause")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("resume", func(t *testing.T) {
		jobs := &MockJobController{}
		jobs.On("Resume", "orders").Return(nil).Once()
		jobs.On("JobState", "orders").Return(closedState, true)

		rec := serve(t, NewAdmin(jobs, nil), http.MethodPost, "/jobs/orders/resume")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.False(t, decodeJob(t, rec).Paused)
		jobs.AssertExpectations(t)
	})

	t.Run("resume a running job is 409", func(t *testing.T) {
		jobs := &MockJobController{}
		jobs.On("Resume", "orders").Return(fmt.Errorf("%w: orders", pump.ErrNotPaused))

		rec := serve(t, NewAdmin(jobs, nil), http.MethodPost, "/jobs/orders/resume")
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("unexpected error is 500", func(t *testing.T) {
		jobs := &MockJobController{}
		jobs.On("Resume", "orders").Return(errors.New("boom"))

		rec := serve(t, NewAdmin(jobs, nil), http.MethodPost, "/jobs/orders/resume")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Contains(t, rec.Body.String(), "boom")
	})

	t.Run("wrong method", func(t *testing.T) {
		rec := serve(t, NewAdmin(&MockJobController{}, nil), http.MethodGet, "/jobs/orders/resume")
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestAdminHealth(t *testing.T) {
	registry := NewRegistry(staticChecker("job:orders", StatusUnhealthy))
	a := NewAdmin(&MockJobController{}, registry, WithCheckTimeout(time.Second))

	rec := serve(t, a, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = serve(t, a, http.MethodGet, "/livez")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alive", rec.Body.String())
}
