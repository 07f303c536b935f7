// admin.go -- Admin handlers: status, clear, unblock, settings.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/MGallo-Code/bastion/internal/audit"
	"github.com/MGallo-Code/bastion/internal/policy"
	"github.com/MGallo-Code/bastion/internal/ratelimit"
	"github.com/MGallo-Code/bastion/internal/reqlog"
)

// RateLimitStatus handles GET /admin/ratelimit/{scope}/{key}.
func (h *Handler) RateLimitStatus(w http.ResponseWriter, r *http.Request) {
	scope, key := chi.URLParam(r, "scope"), chi.URLParam(r, "key")
	st, err := h.Engine.GetRateLimitStatus(r.Context(), scope, key)
	if errors.Is(err, ratelimit.ErrInvalidScope) {
		NotFound(w, "unknown scope")
		return
	}
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ClearRateLimit handles DELETE /admin/ratelimit/{scope}/{key}.
// ?history=true also forgets past offenses.
func (h *Handler) ClearRateLimit(w http.ResponseWriter, r *http.Request) {
	scope, key := chi.URLParam(r, "scope"), chi.URLParam(r, "key")
	history, _ := strconv.ParseBool(r.URL.Query().Get("history"))

	err := h.Engine.ClearRateLimit(r.Context(), scope, key, history)
	if errors.Is(err, ratelimit.ErrInvalidScope) {
		NotFound(w, "unknown scope")
		return
	}
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	h.Audit.Emit(r.Context(), audit.Event{
		Name:   audit.EventAdminClear,
		Fields: map[string]any{"scope": scope, "history": history},
	})
	reqlog.Info(r, "rate limit cleared by admin", "scope", scope, "history", history)
	OK(w, "cleared")
}

// ListScopes handles GET /admin/scopes: the effective scope table and ladder.
func (h *Handler) ListScopes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Scopes         policy.Scopes `json:"scopes"`
		BlockDurations []*int64      `json:"block_durations"`
	}{h.Engine.Scopes(r.Context()), h.Engine.Ladder(r.Context()).Millis()})
}

// ScopeConfig handles GET /admin/scopes/{scope}.
func (h *Handler) ScopeConfig(w http.ResponseWriter, r *http.Request) {
	cfg, ok := h.Engine.Config(r.Context(), chi.URLParam(r, "scope"))
	if !ok {
		NotFound(w, "unknown scope")
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

type authTarget struct {
	IP       string          `json:"ip" validate:"omitempty,ip"`
	Email    string          `json:"email" validate:"omitempty,max=320"`
	AuthType policy.AuthType `json:"authType"`
}

func (t authTarget) valid() bool {
	return (t.IP != "" || t.Email != "") && (t.AuthType == "" || t.AuthType.Valid())
}

// AuthStatus handles GET /admin/auth/status?ip=&email=&authType=.
func (h *Handler) AuthStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	t := authTarget{IP: q.Get("ip"), Email: q.Get("email"), AuthType: policy.AuthType(q.Get("authType"))}
	if !t.valid() || validate.Struct(t) != nil {
		BadRequest(w, "ip or email required")
		return
	}
	st, err := h.Auth.Status(r.Context(), t.IP, t.Email, t.AuthType)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// AuthUnblock handles POST /admin/auth/unblock.
func (h *Handler) AuthUnblock(w http.ResponseWriter, r *http.Request) {
	var t authTarget
	if !decodeJSON(w, r, &t) {
		return
	}
	if !t.valid() {
		BadRequest(w, "ip or email required")
		return
	}
	lifted, err := h.Auth.Unblock(r.Context(), t.IP, t.Email, t.AuthType)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	reqlog.Info(r, "auth block lifted by admin", "lifted", lifted, "auth_type", t.AuthType)
	writeJSON(w, http.StatusOK, struct {
		Lifted int `json:"lifted"`
	}{lifted})
}

// --- Settings ---

// InvalidateSettings handles POST /admin/settings/invalidate.
func (h *Handler) InvalidateSettings(w http.ResponseWriter, r *http.Request) {
	h.Settings.Invalidate()
	reqlog.Info(r, "settings cache invalidated by admin")
	OK(w, "invalidated")
}

type settingRequest struct {
	Path  string          `json:"path" validate:"required,max=256"`
	Value json.RawMessage `json:"value" validate:"required"`
}

// PutSetting handles PUT /admin/settings: stores an override and reloads.
func (h *Handler) PutSetting(w http.ResponseWriter, r *http.Request) {
	if h.DB == nil {
		ServiceUnavailable(w, "settings overrides require a database")
		return
	}
	var req settingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !json.Valid(req.Value) {
		BadRequest(w, "value must be JSON")
		return
	}
	if err := h.DB.UpsertSettingOverride(r.Context(), req.Path, req.Value); err != nil {
		InternalServerError(w, r, err)
		return
	}
	h.Settings.Invalidate()
	h.Audit.Emit(r.Context(), audit.Event{
		Name:   audit.EventSettingsChanged,
		Fields: map[string]any{"path": req.Path, "action": "upsert"},
	})
	reqlog.Info(r, "setting override stored", "path", req.Path)
	OK(w, "stored")
}

// DeleteSetting handles DELETE /admin/settings/{path}.
func (h *Handler) DeleteSetting(w http.ResponseWriter, r *http.Request) {
	if h.DB == nil {
		ServiceUnavailable(w, "settings overrides require a database")
		return
	}
	path := chi.URLParam(r, "path")
	found, err := h.DB.DeleteSettingOverride(r.Context(), path)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	if !found {
		NotFound(w, "no such override")
		return
	}
	h.Settings.Invalidate()
	h.Audit.Emit(r.Context(), audit.Event{
		Name:   audit.EventSettingsChanged,
		Fields: map[string]any{"path": path, "action": "delete"},
	})
	reqlog.Info(r, "setting override deleted", "path", path)
	OK(w, "deleted")
}

// MetricsSnapshot handles GET /admin/metrics.
func (h *Handler) MetricsSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Metrics.Snapshot())
}
