package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	r.Get("/health", h.Health)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(h.tokens))
		r.Post("/sync/push", h.SyncPush)
		r.Get("/sync/pull", h.SyncPull)
		r.Get("/sync/full", h.SyncFull)
	})

	return r
}
