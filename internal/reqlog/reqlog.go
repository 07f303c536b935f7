// Package reqlog wraps slog with the request context every HTTP log line
// carries: client IP, method, path and chi request ID.
package reqlog

import (
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

// Attrs returns the request-scoped attributes for r. The IP is the host
// part of RemoteAddr (already rewritten by chi's RealIP when mounted).
func Attrs(r *http.Request) []any {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	return []any{
		"ip", ip,
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", middleware.GetReqID(r.Context()),
	}
}

func Debug(r *http.Request, msg string, args ...any) {
	slog.Debug(msg, append(Attrs(r), args...)...)
}

func Info(r *http.Request, msg string, args ...any) {
	slog.Info(msg, append(Attrs(r), args...)...)
}

func Warn(r *http.Request, msg string, args ...any) {
	slog.Warn(msg, append(Attrs(r), args...)...)
}

func Error(r *http.Request, msg string, args ...any) {
	slog.Error(msg, append(Attrs(r), args...)...)
}
