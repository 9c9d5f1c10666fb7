package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/drover/internal/interfaces"
	"github.com/ternarybob/drover/internal/models"
)

// CreateJobRequest is the body of POST /api/jobs
type CreateJobRequest struct {
	Payload     models.JobPayload `json:"payload"`
	SessionID   string            `json:"session_id,omitempty"`
	Owner       string            `json:"owner,omitempty"`
	Timeout     string            `json:"timeout,omitempty"` // Go duration, e.g. "90s"
	MaxAttempts int               `json:"max_attempts,omitempty"`
}

// toSubmitRequest converts the API body into a scheduler request
func (c CreateJobRequest) toSubmitRequest() (interfaces.SubmitRequest, error) {
	req := interfaces.SubmitRequest{
		Payload:     c.Payload,
		SessionID:   c.SessionID,
		Owner:       c.Owner,
		MaxAttempts: c.MaxAttempts,
	}
	if c.Timeout != "" {
		d, err := time.ParseDuration(c.Timeout)
		if err != nil {
			return req, fmt.Errorf("invalid timeout %q: %w", c.Timeout, err)
		}
		req.Timeout = d
	}
	return req, nil
}

// JobHandler exposes EnqueueJob, GetJobStatus, CancelJob and job listing
type JobHandler struct {
	scheduler interfaces.JobScheduler
	jobs      interfaces.JobStorage
	logger    arbor.ILogger
}

// NewJobHandler creates a new JobHandler
func NewJobHandler(scheduler interfaces.JobScheduler, jobs interfaces.JobStorage, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		scheduler: scheduler,
		jobs:      jobs,
		logger:    logger,
	}
}

// CreateJobHandler handles POST /api/jobs
func (h *JobHandler) CreateJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var body CreateJobRequest
	if err := DecodeJSON(r, &body); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	req, err := body.toSubmitRequest()
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := h.scheduler.Submit(r.Context(), req)
	if err != nil {
		h.logger.Warn().Err(err).Str("session_id", req.SessionID).Msg("Job submission rejected")
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, job)
}

// ListJobsHandler handles GET /api/jobs?status=&session_id=&owner=&limit=&offset=&order=
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	query := r.URL.Query()
	filter := models.JobFilter{
		Status:    models.JobStatus(query.Get("status")),
		SessionID: query.Get("session_id"),
		Owner:     query.Get("owner"),
		Limit:     QueryInt(r, "limit", 50, 500),
		Offset:    QueryInt(r, "offset", 0, 0),
		Newest:    query.Get("order") == "newest",
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		WriteError(w, http.StatusBadRequest, "Unknown status: "+string(filter.Status))
		return
	}

	jobs, err := h.scheduler.List(r.Context(), filter)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list jobs")
		WriteServiceError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":   jobs,
		"count":  len(jobs),
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

// JobItemHandler routes /api/jobs/{id}, /api/jobs/{id}/cancel and /api/jobs/{id}/transitions
func (h *JobHandler) JobItemHandler(w http.ResponseWriter, r *http.Request) {
	id, action := PathID(r.URL.Path, "/api/jobs/")
	if id == "" {
		WriteError(w, http.StatusNotFound, "Job id is required")
		return
	}

	switch action {
	case "":
		h.getJob(w, r, id)
	case "cancel":
		h.cancelJob(w, r, id)
	case "transitions":
		h.getTransitions(w, r, id)
	default:
		WriteError(w, http.StatusNotFound, "Unknown job action: "+action)
	}
}

func (h *JobHandler) getJob(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	job, err := h.scheduler.Get(r.Context(), id)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

func (h *JobHandler) cancelJob(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	job, err := h.scheduler.Cancel(r.Context(), id)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	h.logger.Info().Str("job_id", id).Str("status", string(job.Status)).Msg("Job cancel requested via API")
	WriteJSON(w, http.StatusOK, job)
}

func (h *JobHandler) getTransitions(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	transitions, err := h.jobs.Transitions(r.Context(), id)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":      id,
		"transitions": transitions,
	})
}
