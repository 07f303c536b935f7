// detect.go -- Request inspection: auth type, account identifier, client IP.
package authlimit

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/bastion/internal/policy"
)

// maxBodyBytes bounds how much of a request body is read to find the account.
const maxBodyBytes = 1 << 20

// replayBody serves the bytes already read, then the rest of the original
// body. Close closes the original.
type replayBody struct {
	io.Reader
	io.Closer
}

// readBody reads up to maxBodyBytes of r's body and chains them back in
// front of the unread remainder, so the next handler sees the whole body.
// Returns the decoded fields, or nil when the body isn't a JSON object or
// form, or fills the whole limit.
func readBody(r *http.Request) (map[string]any, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	r.Body = replayBody{Reader: io.MultiReader(bytes.NewReader(raw), r.Body), Closer: r.Body}
	if err != nil {
		return nil, err
	}
	if len(raw) == maxBodyBytes {
		return nil, nil
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/x-www-form-urlencoded" {
		values, err := url.ParseQuery(string(raw))
		if err != nil {
			return nil, nil
		}
		fields := make(map[string]any, len(values))
		for k := range values {
			fields[k] = values.Get(k)
		}
		return fields, nil
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, nil
	}
	return fields, nil
}

// accountFrom returns the email (or username) the request authenticates as.
func accountFrom(fields map[string]any) string {
	for _, k := range []string{"email", "username"} {
		if s, ok := fields[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// detectAuthType classifies the attempt from the path, then body flags.
// Anything unrecognised is a password login.
func detectAuthType(path string, fields map[string]any) policy.AuthType {
	switch {
	case strings.Contains(path, "/auth/magic-link") || truthy(fields["magic_link"]):
		return policy.AuthMagicLink
	case strings.Contains(path, "/auth/oauth") || truthy(fields["oauth_provider"]):
		return policy.AuthOAuth
	case strings.Contains(path, "/auth/reset-password") || truthy(fields["reset_password"]):
		return policy.AuthPasswordReset
	default:
		return policy.AuthPassword
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != "" && t != "false" && t != "0"
	case float64:
		return t != 0
	default:
		return false
	}
}

// clientIP returns the request's client address. chi's RealIP middleware, when
// mounted, has already rewritten RemoteAddr from X-Real-IP / X-Forwarded-For.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if ip := net.ParseIP(r.RemoteAddr); ip != nil {
		return ip.String()
	}
	return "127.0.0.1"
}

// requestID returns chi's request ID, or a fresh UUID when RequestID isn't mounted.
func requestID(r *http.Request) string {
	if id := middleware.GetReqID(r.Context()); id != "" {
		return id
	}
	return uuid.Must(uuid.NewV4()).String()
}
