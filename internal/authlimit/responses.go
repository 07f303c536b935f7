// responses.go -- 429 responses for blocked or rate-limited auth attempts.
//
// All messages are fixed ASCII; no user input is interpolated.
package authlimit

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/MGallo-Code/bastion/internal/ratelimit"
)

// ErrorCode is the code field of every auth limiter 429.
const ErrorCode = "AUTH_RATE_LIMIT_EXCEEDED"

const (
	msgTooManyAttempts   = "Too many authentication attempts. Please try again later."
	msgTooManyFailures   = "Too many failed attempts. Account temporarily blocked."
	msgWait              = "For security reasons, please wait before trying to authenticate again."
	msgTemporarilyLocked = "For security reasons, this account has been temporarily blocked. Please try again later."
	msgIPPermanent       = "For security reasons, this IP address has been permanently blocked. Contact support."
	msgAccountPermanent  = "For security reasons, this account has been permanently blocked. Contact support."
)

// limitBody is the JSON body of a 429. RetryAfter is in minutes and is
// omitted for permanent blocks.
type limitBody struct {
	Success      bool   `json:"success"`
	Error        string `json:"error"`
	Code         string `json:"code"`
	Message      string `json:"message"`
	RetryAfter   *int64 `json:"retryAfter,omitempty"`
	OffenseCount int    `json:"offenseCount,omitempty"`
}

func writeLimit(w http.ResponseWriter, body limitBody, retrySeconds int64) {
	body.Success = false
	body.Code = ErrorCode
	w.Header().Set("Content-Type", "application/json")
	if retrySeconds > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(retrySeconds, 10))
	}
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(body)
}

// BlockedResponse writes the 429 for a request refused by an existing block.
// source is "ip" or "email"; it only changes the permanent-block message.
func BlockedResponse(w http.ResponseWriter, status ratelimit.BlockStatus, source string) {
	body := limitBody{Error: msgTooManyAttempts, OffenseCount: status.OffenseCount}
	if status.Permanent {
		body.Message = msgAccountPermanent
		if source == "ip" {
			body.Message = msgIPPermanent
		}
		writeLimit(w, body, 0)
		return
	}
	minutes := status.RetryAfterMinutes()
	body.Message = msgWait
	body.RetryAfter = &minutes
	writeLimit(w, body, status.RetryAfterSeconds())
}

// EscalatedResponse writes the 429 for a request that just triggered a block.
func EscalatedResponse(w http.ResponseWriter, rec ratelimit.BlockRecord) {
	body := limitBody{Error: msgTooManyFailures, OffenseCount: rec.OffenseCount}
	if rec.Permanent() {
		body.Message = msgAccountPermanent
		writeLimit(w, body, 0)
		return
	}
	ms := *rec.ExpiresAt - rec.BlockedAt
	minutes := (ms + 59999) / 60000
	body.Message = msgTemporarilyLocked
	body.RetryAfter = &minutes
	writeLimit(w, body, (ms+999)/1000)
}
