package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/drover/internal/interfaces"
	"github.com/ternarybob/drover/internal/models"
	"github.com/ternarybob/drover/internal/queue"
)

type mockJobScheduler struct {
	mock.Mock
}

func (m *mockJobScheduler) Submit(ctx context.Context, req interfaces.SubmitRequest) (*models.Job, error) {
	args := m.Called(ctx, req)
	job, _ := args.Get(0).(*models.Job)
	return job, args.Error(1)
}

func (m *mockJobScheduler) Cancel(ctx context.Context, jobID string) (*models.Job, error) {
	args := m.Called(ctx, jobID)
	job, _ := args.Get(0).(*models.Job)
	return job, args.Error(1)
}

func (m *mockJobScheduler) Get(ctx context.Context, jobID string) (*models.Job, error) {
	args := m.Called(ctx, jobID)
	job, _ := args.Get(0).(*models.Job)
	return job, args.Error(1)
}

func (m *mockJobScheduler) List(ctx context.Context, filter models.JobFilter) ([]*models.Job, error) {
	args := m.Called(ctx, filter)
	jobs, _ := args.Get(0).([]*models.Job)
	return jobs, args.Error(1)
}

// mockJobStorage implements only what the handlers call
type mockJobStorage struct {
	mock.Mock
	interfaces.JobStorage
}

func (m *mockJobStorage) Transitions(ctx context.Context, jobID string) ([]*models.JobTransition, error) {
	args := m.Called(ctx, jobID)
	transitions, _ := args.Get(0).([]*models.JobTransition)
	return transitions, args.Error(1)
}

func (m *mockJobStorage) CountByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	args := m.Called(ctx)
	counts, _ := args.Get(0).(map[models.JobStatus]int)
	return counts, args.Error(1)
}

func newJobHandler(t *testing.T) (*JobHandler, *mockJobScheduler, *mockJobStorage) {
	t.Helper()
	scheduler := &mockJobScheduler{}
	jobs := &mockJobStorage{}
	t.Cleanup(func() {
		scheduler.AssertExpectations(t)
		jobs.AssertExpectations(t)
	})
	return NewJobHandler(scheduler, jobs, arbor.NewLogger()), scheduler, jobs
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestCreateJobHandler(t *testing.T) {
	handler, scheduler, _ := newJobHandler(t)

	expected := interfaces.SubmitRequest{
		Payload:     models.JobPayload{URL: "https://example.com/login"},
		SessionID:   "acct-1",
		Owner:       "alice",
		Timeout:     90 * time.Second,
		MaxAttempts: 2,
	}
	scheduler.On("Submit", mock.Anything, expected).
		Return(&models.Job{ID: "job_1", SessionID: "acct-1", Status: models.JobStatusQueued}, nil).
		Once()

	body := `{"payload":{"url":"https://example.com/login"},"session_id":"acct-1","owner":"alice","timeout":"90s","max_attempts":2}`
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.CreateJobHandler(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var job models.Job
	decodeBody(t, rec, &job)
	assert.Equal(t, "job_1", job.ID)
	assert.Equal(t, models.JobStatusQueued, job.Status)
}

func TestCreateJobHandler_BadRequests(t *testing.T) {
	tests := []struct {
		name   string
		method string
		body   string
		code   int
	}{
		{"wrong method", http.MethodGet, "", http.StatusMethodNotAllowed},
		{"malformed json", http.MethodPost, `{"payload":`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, `{"payload":{"url":"https://a.example"},"priority":1}`, http.StatusBadRequest},
		{"bad timeout", http.MethodPost, `{"payload":{"url":"https://a.example"},"timeout":"soon"}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, _, _ := newJobHandler(t)
			req := httptest.NewRequest(tt.method, "/api/jobs", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			handler.CreateJobHandler(rec, req)
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}

func TestCreateJobHandler_ValidationError(t *testing.T) {
	handler, scheduler, _ := newJobHandler(t)
	scheduler.On("Submit", mock.Anything, mock.Anything).
		Return(nil, queue.ErrInvalidRequest).
		Once()

	req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(`{"payload":{}}`))
	rec := httptest.NewRecorder()
	handler.CreateJobHandler(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListJobsHandler_Filters(t *testing.T) {
	handler, scheduler, _ := newJobHandler(t)

	filter := models.JobFilter{
		Status:    models.JobStatusRunning,
		SessionID: "acct-1",
		Owner:     "alice",
		Limit:     500,
		Offset:    10,
		Newest:    true,
	}
	scheduler.On("List", mock.Anything, filter).
		Return([]*models.Job{{ID: "job_1"}, {ID: "job_2"}}, nil).
		Once()

	req := httptest.NewRequest(http.MethodGet, "/api/jobs?status=running&session_id=acct-1&owner=alice&limit=9999&offset=10&order=newest", nil)
	rec := httptest.NewRecorder()
	handler.ListJobsHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Jobs  []models.Job `json:"jobs"`
		Count int          `json:"count"`
	}
	decodeBody(t, rec, &resp)
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, "job_1", resp.Jobs[0].ID)
}

func TestListJobsHandler_UnknownStatus(t *testing.T) {
	handler, _, _ := newJobHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs?status=paused", nil)
	rec := httptest.NewRecorder()
	handler.ListJobsHandler(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobItemHandler(t *testing.T) {
	t.Run("get", func(t *testing.T) {
		handler, scheduler, _ := newJobHandler(t)
		scheduler.On("Get", mock.Anything, "job_1").
			Return(&models.Job{ID: "job_1", Status: models.JobStatusSucceeded}, nil).
			Once()

		rec := httptest.NewRecorder()
		handler.JobItemHandler(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/job_1", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		var job models.Job
		decodeBody(t, rec, &job)
		assert.Equal(t, models.JobStatusSucceeded, job.Status)
	})

	t.Run("get unknown", func(t *testing.T) {
		handler, scheduler, _ := newJobHandler(t)
		scheduler.On("Get", mock.Anything, "job_x").
			Return(nil, models.ErrNotFound).
			Once()

		rec := httptest.NewRecorder()
		handler.JobItemHandler(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/job_x", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("cancel", func(t *testing.T) {
		handler, scheduler, _ := newJobHandler(t)
		scheduler.On("Cancel", mock.Anything, "job_1").
			Return(&models.Job{ID: "job_1", Status: models.JobStatusCancelled}, nil).
			Once()

		rec := httptest.NewRecorder()
		handler.JobItemHandler(rec, httptest.NewRequest(http.MethodPost, "/api/jobs/job_1/cancel", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		var job models.Job
		decodeBody(t, rec, &job)
		assert.Equal(t, models.JobStatusCancelled, job.Status)
	})

	t.Run("cancel requires POST", func(t *testing.T) {
		handler, _, _ := newJobHandler(t)
		rec := httptest.NewRecorder()
		handler.JobItemHandler(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/job_1/cancel", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("transitions", func(t *testing.T) {
		handler, _, jobs := newJobHandler(t)
		jobs.On("Transitions", mock.Anything, "job_1").
			Return([]*models.JobTransition{
				{JobID: "job_1", Seq: 1, From: models.JobStatusQueued, To: models.JobStatusRunning, Attempt: 1},
				{JobID: "job_1", Seq: 2, From: models.JobStatusRunning, To: models.JobStatusSucceeded, Attempt: 1},
			}, nil).
			Once()

		rec := httptest.NewRecorder()
		handler.JobItemHandler(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/job_1/transitions", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		var resp struct {
			Transitions []models.JobTransition `json:"transitions"`
		}
		decodeBody(t, rec, &resp)
		require.Len(t, resp.Transitions, 2)
		assert.Equal(t, models.JobStatusSucceeded, resp.Transitions[1].To)
	})

	t.Run("unknown action", func(t *testing.T) {
		handler, _, _ := newJobHandler(t)
		rec := httptest.NewRecorder()
		handler.JobItemHandler(rec, httptest.NewRequest(http.MethodPost, "/api/jobs/job_1/pause", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{queue.ErrInvalidRequest, http.StatusBadRequest},
		{models.ErrNotFound, http.StatusNotFound},
		{models.ErrVersionConflict, http.StatusConflict},
		{models.ErrInvalidTransition, http.StatusConflict},
		{models.ErrSchedulerStopped, http.StatusServiceUnavailable},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, StatusForError(tt.err), tt.err.Error())
	}
}

func TestPathID(t *testing.T) {
	id, rest := PathID("/api/jobs/job_1/cancel", "/api/jobs/")
	assert.Equal(t, "job_1", id)
	assert.Equal(t, "cancel", rest)

	id, rest = PathID("/api/jobs/job_1/", "/api/jobs/")
	assert.Equal(t, "job_1", id)
	assert.Empty(t, rest)
}
