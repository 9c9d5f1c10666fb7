package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/drover/internal/models"
	"github.com/ternarybob/drover/internal/storage/filesystem"
)

func TestSessionHandler(t *testing.T) {
	logger := arbor.NewLogger()
	store, err := filesystem.NewSessionStorage(t.TempDir(), logger)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	_, err = store.Save(ctx, "acct-1", []byte(`{"cookies":[{"name":"sid","value":"secret"}]}`), 0)
	require.NoError(t, err)

	handler := NewSessionHandler(store, logger)

	t.Run("list omits state", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ListSessionsHandler(rec, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotContains(t, rec.Body.String(), "secret")

		var resp struct {
			Sessions []models.Session `json:"sessions"`
			Count    int              `json:"count"`
		}
		decodeBody(t, rec, &resp)
		require.Equal(t, 1, resp.Count)
		assert.Equal(t, "acct-1", resp.Sessions[0].ID)
		assert.Equal(t, uint64(1), resp.Sessions[0].Version)
	})

	t.Run("delete", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.SessionItemHandler(rec, httptest.NewRequest(http.MethodDelete, "/api/sessions/acct-1", nil))
		assert.Equal(t, http.StatusOK, rec.Code)

		_, err := store.Load(ctx, "acct-1")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("delete unknown", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.SessionItemHandler(rec, httptest.NewRequest(http.MethodDelete, "/api/sessions/acct-1", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
