package server

import (
	"net/http"
	"sort"
	"strings"
)

// RouteHandler is a function type for HTTP handlers
type RouteHandler func(http.ResponseWriter, *http.Request)

// MethodRouter maps HTTP methods to handlers. Nil handlers are treated as absent.
type MethodRouter map[string]RouteHandler

// RouteByMethod dispatches on r.Method. Unknown methods get a 405 with an
// Allow header listing the methods the resource does accept.
func RouteByMethod(w http.ResponseWriter, r *http.Request, routes MethodRouter) {
	if handler := routes[r.Method]; handler != nil {
		handler(w, r)
		return
	}
	w.Header().Set("Allow", routes.allowed())
	writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
}

func (m MethodRouter) allowed() string {
	methods := make([]string, 0, len(m))
	for method, handler := range m {
		if handler != nil {
			methods = append(methods, method)
		}
	}
	sort.Strings(methods)
	return strings.Join(methods, ", ")
}

// RouteResourceCollection handles GET -> list, POST -> create
func RouteResourceCollection(w http.ResponseWriter, r *http.Request, list, create RouteHandler) {
	RouteByMethod(w, r, MethodRouter{http.MethodGet: list, http.MethodPost: create})
}

// RouteResourceItem handles GET -> get, DELETE -> delete
func RouteResourceItem(w http.ResponseWriter, r *http.Request, get, delete RouteHandler) {
	RouteByMethod(w, r, MethodRouter{http.MethodGet: get, http.MethodDelete: delete})
}
