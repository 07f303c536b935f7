// decisions.go -- Decision API for services that call the engine remotely.
package api

import (
	"net/http"
)

type decisionRequest struct {
	Scope    string         `json:"scope" validate:"required,max=128"`
	Key      string         `json:"key" validate:"required,max=512"`
	Metadata map[string]any `json:"metadata"`
}

// Check handles POST /v1/check. Always 200; the verdict is in the body.
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res := h.Engine.CheckRateLimit(r.Context(), req.Scope, req.Key, req.Metadata)
	writeJSON(w, http.StatusOK, res)
}

// Increment handles POST /v1/increment. Failures are logged by the engine;
// the caller always gets 202.
func (h *Handler) Increment(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	h.Engine.IncrementRateLimit(r.Context(), req.Scope, req.Key, req.Metadata)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	w.Write([]byte(`{"message":"recorded"}`))
}
