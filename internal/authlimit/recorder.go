// recorder.go -- Buffers the downstream response so it can be rewritten.
package authlimit

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
)

// bufferedResponse holds a downstream response until the limiter has looked
// at its status. Nothing reaches the client until flush.
type bufferedResponse struct {
	header      http.Header
	status      int
	body        bytes.Buffer
	wroteHeader bool
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{header: make(http.Header), status: http.StatusOK}
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(code int) {
	if b.wroteHeader {
		return
	}
	b.status = code
	b.wroteHeader = true
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	if !b.wroteHeader {
		b.WriteHeader(http.StatusOK)
	}
	return b.body.Write(p)
}

// flush copies the buffered response to w unchanged.
func (b *bufferedResponse) flush(w http.ResponseWriter) {
	dst := w.Header()
	for k, v := range b.header {
		dst[k] = v
	}
	w.WriteHeader(b.status)
	w.Write(b.body.Bytes())
}

// failureCodes are error codes an auth endpoint answers with when the
// credentials themselves were wrong.
var failureCodes = map[string]bool{
	"INVALID_CREDENTIALS":     true,
	"INVALID_TOKEN":           true,
	"UNAUTHORIZED":            true,
	"AUTH_FAILED":             true,
	"WRONG_EMAIL_OR_PASSWORD": true,
}

// failurePhrases mark a plain-string error message as a credentials failure.
var failurePhrases = []string{"wrong email", "wrong password", "invalid credentials", "invalid token"}

// isFailure reports whether a downstream response counts as a failed auth
// attempt: a 401, or another 4xx (never 429) whose body carries a known
// failure code or message. Validation errors and 5xx are not the caller
// guessing credentials.
func isFailure(status int, body []byte) bool {
	if status < 400 || status >= 500 || status == http.StatusTooManyRequests {
		return false
	}
	if status == http.StatusUnauthorized {
		return true
	}

	var parsed struct {
		Code  string          `json:"code"`
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(body, &parsed) != nil {
		return false
	}
	if failureCodes[parsed.Code] {
		return true
	}

	var msg string
	if json.Unmarshal(parsed.Error, &msg) == nil {
		msg = strings.ToLower(msg)
		for _, p := range failurePhrases {
			if strings.Contains(msg, p) {
				return true
			}
		}
		return false
	}
	var nested struct {
		Code string `json:"code"`
	}
	return json.Unmarshal(parsed.Error, &nested) == nil && failureCodes[nested.Code]
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}
