// middleware.go -- Admin authentication middleware.
package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/MGallo-Code/bastion/internal/reqlog"
)

// RequireAdmin checks the bearer token against AdminToken in constant time.
// An empty AdminToken rejects every request.
func (h *Handler) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.AdminToken == "" {
			reqlog.Warn(r, "admin API disabled, rejecting request", "reason", "no_admin_token")
			Unauthorized(w)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(h.AdminToken)) != 1 {
			reqlog.Warn(r, "admin request rejected", "reason", "bad_token")
			Unauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}
