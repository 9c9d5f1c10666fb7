package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/drover/internal/common"
	"github.com/ternarybob/drover/internal/interfaces"
)

// StatusHandler serves pool, queue and cron status plus health and version
type StatusHandler struct {
	pool      PoolStatsProvider
	dispatch  DispatchStatsProvider
	jobs      interfaces.JobStorage
	cron      CronController
	logger    arbor.ILogger
	startedAt time.Time
}

// NewStatusHandler creates a new StatusHandler
func NewStatusHandler(pool PoolStatsProvider, dispatch DispatchStatsProvider, jobs interfaces.JobStorage, cron CronController, logger arbor.ILogger) *StatusHandler {
	return &StatusHandler{
		pool:      pool,
		dispatch:  dispatch,
		jobs:      jobs,
		cron:      cron,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// GetStatusHandler handles GET /api/status
func (h *StatusHandler) GetStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	counts, err := h.jobs.CountByStatus(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to count jobs by status")
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"pool":       h.pool.Stats(),
		"scheduler":  h.dispatch.Stats(),
		"jobs":       counts,
		"goroutines": common.GetGoroutineCount(),
		"uptime":     time.Since(h.startedAt).Round(time.Second).String(),
	})
}

// GetPoolHandler handles GET /api/pool
func (h *StatusHandler) GetPoolHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, h.pool.Stats())
}

// ListCronHandler handles GET /api/cron
func (h *StatusHandler) ListCronHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	tasks := h.cron.Statuses()
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": tasks,
		"count": len(tasks),
	})
}

// CronItemHandler handles POST /api/cron/{name}/run
func (h *StatusHandler) CronItemHandler(w http.ResponseWriter, r *http.Request) {
	name, action := PathID(r.URL.Path, "/api/cron/")
	if name == "" || action != "run" {
		WriteError(w, http.StatusNotFound, "Unknown cron endpoint")
		return
	}
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	if err := h.cron.RunNow(name); err != nil {
		WriteServiceError(w, err)
		return
	}
	h.logger.Info().Str("task", name).Msg("Cron task triggered via API")
	WriteSuccess(w, "Task executed")
}

// HealthHandler handles GET /api/health
func (h *StatusHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	stats := h.dispatch.Stats()
	status := http.StatusOK
	state := "ok"
	if stats.Halted {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	WriteJSON(w, status, map[string]interface{}{
		"status": state,
		"halted": stats.Halted,
	})
}

// VersionHandler handles GET /api/version
func (h *StatusHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, common.GetVersionInfo())
}
