// Package api assembles the HTTP surface of the dispatch service.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/citycab/dispatch/api/drivers"
	"github.com/citycab/dispatch/core/presence"
)

// NewRouter mounts the websocket endpoint, the fleet API and the health
// probe on a chi router.
func NewRouter(ws http.Handler, pres *presence.Store) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/ws", ws)
	r.Route("/api/drivers", func(r chi.Router) {
		r.Method(http.MethodGet, "/", drivers.NewListHandler(pres))
		r.Method(http.MethodGet, "/nearest", drivers.NewNearestHandler(pres))
	})
	return r
}
