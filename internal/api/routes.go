// routes.go -- Route wiring for the service's own endpoints.
package api

import (
	"github.com/go-chi/chi/v5"
)

// Routes mounts /health, the decision API and the admin API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.CheckHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/check", h.Check)
		r.Post("/increment", h.Increment)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(h.RequireAdmin)
		r.Get("/ratelimit/{scope}/{key}", h.RateLimitStatus)
		r.Delete("/ratelimit/{scope}/{key}", h.ClearRateLimit)
		r.Get("/scopes", h.ListScopes)
		r.Get("/scopes/{scope}", h.ScopeConfig)
		r.Get("/auth/status", h.AuthStatus)
		r.Post("/auth/unblock", h.AuthUnblock)
		r.Post("/settings/invalidate", h.InvalidateSettings)
		r.Put("/settings", h.PutSetting)
		r.Delete("/settings/{path}", h.DeleteSetting)
		r.Get("/metrics", h.MetricsSnapshot)
	})
}
