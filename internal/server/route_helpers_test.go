package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRouteResourceCollection(t *testing.T) {
	var called string
	list := func(w http.ResponseWriter, r *http.Request) { called = "list" }
	create := func(w http.ResponseWriter, r *http.Request) { called = "create" }

	tests := []struct {
		method string
		want   string
		code   int
	}{
		{http.MethodGet, "list", http.StatusOK},
		{http.MethodPost, "create", http.StatusOK},
		{http.MethodDelete, "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			called = ""
			rec := httptest.NewRecorder()
			RouteResourceCollection(rec, httptest.NewRequest(tt.method, "/api/jobs", nil), list, create)
			assert.Equal(t, tt.want, called)
			assert.Equal(t, tt.code, rec.Code)
			if tt.code == http.StatusMethodNotAllowed {
				assert.Equal(t, "GET, POST", rec.Header().Get("Allow"))
			}
		})
	}
}

func TestRouteResourceItem_DeleteOnly(t *testing.T) {
	deleted := false
	del := func(w http.ResponseWriter, r *http.Request) { deleted = true }

	rec := httptest.NewRecorder()
	RouteResourceItem(rec, httptest.NewRequest(http.MethodGet, "/api/sessions/a", nil), nil, del)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "DELETE", rec.Header().Get("Allow"))
	assert.Contains(t, rec.Body.String(), "Method not allowed")
	assert.False(t, deleted)

	rec = httptest.NewRecorder()
	RouteResourceItem(rec, httptest.NewRequest(http.MethodDelete, "/api/sessions/a", nil), nil, del)
	assert.True(t, deleted)
}
