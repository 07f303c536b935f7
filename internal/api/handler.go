// handler.go -- HTTP handlers for the decision, admin and health endpoints.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/MGallo-Code/bastion/internal/audit"
	"github.com/MGallo-Code/bastion/internal/authlimit"
	"github.com/MGallo-Code/bastion/internal/metrics"
	"github.com/MGallo-Code/bastion/internal/policy"
	"github.com/MGallo-Code/bastion/internal/ratelimit"
	"github.com/MGallo-Code/bastion/internal/store"
)

// Engine defines the policy engine operations the handlers need.
// Satisfied by *ratelimit.Engine.
type Engine interface {
	Decider

	// IncrementRateLimit records a hit without deciding.
	IncrementRateLimit(ctx context.Context, scope, key string, meta map[string]any)

	// GetRateLimitStatus reports window usage and block state for (scope, key).
	GetRateLimitStatus(ctx context.Context, scope, key string) (ratelimit.Status, error)

	// ClearRateLimit drops the window and block for (scope, key).
	ClearRateLimit(ctx context.Context, scope, key string, clearHistory bool) error

	// Config returns the effective config for scope.
	Config(ctx context.Context, scope string) (policy.ScopeConfig, bool)

	// Scopes returns the effective scope table.
	Scopes(ctx context.Context) policy.Scopes

	// Ladder returns the effective progressive block ladder.
	Ladder(ctx context.Context) policy.Ladder
}

// AuthLimiter defines the auth limiter admin operations.
// Satisfied by *authlimit.Limiter.
type AuthLimiter interface {
	Status(ctx context.Context, ip, email string, authType policy.AuthType) ([]authlimit.AttemptStatus, error)
	Unblock(ctx context.Context, ip, email string, authType policy.AuthType) (int, error)
}

// SettingsStore persists admin setting overrides.
// Satisfied by *store.PostgresStore; nil when DATABASE_URL is unset.
type SettingsStore interface {
	UpsertSettingOverride(ctx context.Context, path string, value json.RawMessage) error
	DeleteSettingOverride(ctx context.Context, path string) (bool, error)
	CheckHealth(ctx context.Context) error
}

// Invalidator drops cached settings. Satisfied by *settings.Layered.
type Invalidator interface {
	Invalidate()
}

// Handler holds the dependencies of every endpoint.
type Handler struct {
	Engine   Engine
	Auth     AuthLimiter
	Backend  store.Backend
	DB       SettingsStore // nil: overrides and audit log disabled
	Settings Invalidator
	Metrics  *metrics.Metrics
	Audit    *audit.Emitter

	// AdminToken guards /admin/*. Empty disables the admin API.
	AdminToken string
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// decodeJSON decodes and validates a request body into dst.
// Returns false after writing a 400.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		BadRequest(w, "invalid request body")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		BadRequest(w, "invalid request body")
		return false
	}
	return true
}
