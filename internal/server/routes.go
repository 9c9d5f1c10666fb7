package server

import (
	"net/http"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket event stream
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// API routes - Jobs
	mux.HandleFunc("/api/jobs", s.handleJobsRoute)                // GET (list), POST (enqueue)
	mux.HandleFunc("/api/jobs/", s.app.JobHandler.JobItemHandler) // GET /{id}, GET /{id}/transitions, POST /{id}/cancel

	// API routes - Sessions
	mux.HandleFunc("/api/sessions", s.app.SessionHandler.ListSessionsHandler) // GET
	mux.HandleFunc("/api/sessions/", s.handleSessionRoute)                   // DELETE /{id}

	// API routes - Pool, cron and system
	mux.HandleFunc("/api/pool", s.app.StatusHandler.GetPoolHandler)
	mux.HandleFunc("/api/cron", s.app.StatusHandler.ListCronHandler)
	mux.HandleFunc("/api/cron/", s.app.StatusHandler.CronItemHandler) // POST /{name}/run
	mux.HandleFunc("/api/status", s.app.StatusHandler.GetStatusHandler)
	mux.HandleFunc("/api/health", s.app.StatusHandler.HealthHandler)
	mux.HandleFunc("/api/version", s.app.StatusHandler.VersionHandler)

	mux.HandleFunc("/", s.handleNotFound)

	return mux
}

// handleJobsRoute routes GET/POST /api/jobs
func (s *Server) handleJobsRoute(w http.ResponseWriter, r *http.Request) {
	RouteResourceCollection(w, r, s.app.JobHandler.ListJobsHandler, s.app.JobHandler.CreateJobHandler)
}

// handleSessionRoute routes DELETE /api/sessions/{id}
func (s *Server) handleSessionRoute(w http.ResponseWriter, r *http.Request) {
	RouteResourceItem(w, r, nil, s.app.SessionHandler.SessionItemHandler)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSONError(w, http.StatusNotFound, "Not found")
}
