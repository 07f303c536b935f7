// responses.go -- Package-wide HTTP response helpers.
//
// All messages are plain ASCII; no user-controlled input is interpolated
// into string bodies.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/MGallo-Code/bastion/internal/ratelimit"
	"github.com/MGallo-Code/bastion/internal/reqlog"
)

// InternalServerError logs the error and returns a generic 500 JSON response.
// Never exposes internal error details.
func InternalServerError(w http.ResponseWriter, r *http.Request, err error) {
	reqlog.Error(r, "internal server error", "error", err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	w.Write([]byte(`{"message":"internal server error"}`))
}

// BadRequest returns a 400 JSON response with the given message.
func BadRequest(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	w.Write([]byte(`{"message":"` + message + `"}`))
}

// Unauthorized returns a 401 JSON response.
func Unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"message":"unauthorized"}`))
}

// NotFound returns a 404 JSON response with the given message.
func NotFound(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	w.Write([]byte(`{"message":"` + message + `"}`))
}

// ServiceUnavailable returns a 503 JSON response with the given message.
func ServiceUnavailable(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte(`{"message":"` + message + `"}`))
}

// OK returns a 200 JSON response with the given message.
func OK(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"message":"` + message + `"}`))
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// LimitErrorCode is the error code of every policy gate 429.
const LimitErrorCode = "RATE_LIMIT_EXCEEDED"

type limitError struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	Retryable         bool   `json:"retryable"`
	RetryAfterSeconds *int64 `json:"retryAfterSeconds,omitempty"`
}

type limitResponse struct {
	Success bool       `json:"success"`
	Error   limitError `json:"error"`
}

// limitMessage is the user-facing text for a deny. Internal failures read
// like any other rate limit.
func limitMessage(res ratelimit.Result) string {
	switch {
	case res.Permanent:
		return "Access has been permanently restricted. Contact support."
	case res.Reason == ratelimit.ReasonBlocked:
		return "Too many requests. Access is temporarily blocked."
	default:
		return "Too many requests. Please try again later."
	}
}

// TooManyRequests writes the gate's 429 for a denied Result.
func TooManyRequests(w http.ResponseWriter, res ratelimit.Result) {
	if res.RetryAfterSeconds != nil {
		w.Header().Set("Retry-After", strconv.FormatInt(*res.RetryAfterSeconds, 10))
	}
	writeJSON(w, http.StatusTooManyRequests, limitResponse{
		Success: false,
		Error: limitError{
			Code:              LimitErrorCode,
			Message:           limitMessage(res),
			Retryable:         !res.Permanent,
			RetryAfterSeconds: res.RetryAfterSeconds,
		},
	})
}
