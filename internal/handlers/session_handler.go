package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/drover/internal/interfaces"
	"github.com/ternarybob/drover/internal/models"
)

// SessionHandler lists and evicts stored sessions. State blobs are never returned.
type SessionHandler struct {
	sessions interfaces.SessionStorage
	logger   arbor.ILogger
}

// NewSessionHandler creates a new SessionHandler
func NewSessionHandler(sessions interfaces.SessionStorage, logger arbor.ILogger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		logger:   logger,
	}
}

// ListSessionsHandler handles GET /api/sessions
func (h *SessionHandler) ListSessionsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	sessions, err := h.sessions.List(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list sessions")
		WriteServiceError(w, err)
		return
	}
	for _, s := range sessions {
		s.State = nil
	}
	if sessions == nil {
		sessions = []*models.Session{}
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// SessionItemHandler handles DELETE /api/sessions/{id}
func (h *SessionHandler) SessionItemHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodDelete) {
		return
	}
	id, rest := PathID(r.URL.Path, "/api/sessions/")
	if id == "" || rest != "" {
		WriteError(w, http.StatusNotFound, "Session id is required")
		return
	}

	if err := h.sessions.Delete(r.Context(), id); err != nil {
		WriteServiceError(w, err)
		return
	}
	h.logger.Info().Str("session_id", id).Msg("Session evicted via API")
	WriteSuccess(w, "Session deleted")
}
