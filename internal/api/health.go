// health.go -- Health check handler for GET /health.
package api

import (
	"net/http"

	"github.com/MGallo-Code/bastion/internal/reqlog"
)

// CheckHealth handles GET /health: pings the rate limit backend and Postgres,
// returns per-dependency status. 503 if either is down.
func (h *Handler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	backendStatus := "ok"
	postgresStatus := "ok"

	if err := h.Backend.Ping(r.Context()); err != nil {
		reqlog.Error(r, "rate limit backend health check failed", "backend", h.Backend.Name(), "error", err)
		backendStatus = "error"
	}
	if h.DB == nil {
		postgresStatus = "disabled"
	} else if err := h.DB.CheckHealth(r.Context()); err != nil {
		reqlog.Error(r, "postgres health check failed", "error", err)
		postgresStatus = "error"
	}

	status := http.StatusOK
	if backendStatus == "error" || postgresStatus == "error" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, struct {
		Backend  string `json:"backend"`
		Store    string `json:"store"`
		Postgres string `json:"postgres"`
	}{h.Backend.Name(), backendStatus, postgresStatus})
}
