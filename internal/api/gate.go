// gate.go -- Policy gate: maps routes to engine scopes and enforces them.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/MGallo-Code/bastion/internal/keyspace"
	"github.com/MGallo-Code/bastion/internal/policy"
	"github.com/MGallo-Code/bastion/internal/ratelimit"
	"github.com/MGallo-Code/bastion/internal/reqlog"
	"github.com/MGallo-Code/bastion/internal/settings"
)

// UserIDHeader carries the authenticated user ID set by an upstream auth layer.
const UserIDHeader = "X-User-ID"

// ErrNoKey is returned by a KeyFunc that can't identify the caller.
var ErrNoKey = errors.New("no rate limit key")

// KeyFunc extracts the rate limit key from a request.
type KeyFunc func(r *http.Request) (string, error)

// KeyByIP keys on the client address. chi's RealIP has already applied
// X-Forwarded-For / X-Real-IP when mounted.
func KeyByIP(r *http.Request) (string, error) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if net.ParseIP(host) == nil {
		return "", ErrNoKey
	}
	return host, nil
}

// KeyByUser keys on X-User-ID, falling back to the client IP.
func KeyByUser(r *http.Request) (string, error) {
	if id := strings.TrimSpace(r.Header.Get(UserIDHeader)); id != "" {
		return "user:" + id, nil
	}
	return KeyByIP(r)
}

func keyFuncFor(kind string) KeyFunc {
	if kind == "user" {
		return KeyByUser
	}
	return KeyByIP
}

// Decider is the engine operation the gate needs. Satisfied by *ratelimit.Engine.
type Decider interface {
	CheckRateLimit(ctx context.Context, scope, key string, meta map[string]any) ratelimit.Result
}

// Gate enforces engine scopes on HTTP routes.
type Gate struct {
	engine Decider
	routes *settings.Cached[[]policy.GateRoute]
}

// NewGate builds a Gate whose route table is read from src (policy_gate.routes)
// and cached for ttl. A nil src means no table: only For-wrapped routes are gated.
func NewGate(engine Decider, src settings.Source, ttl time.Duration) *Gate {
	load := func(ctx context.Context) ([]policy.GateRoute, error) {
		if src == nil {
			return nil, nil
		}
		return settings.LoadGateRoutes(ctx, src)
	}
	return &Gate{
		engine: engine,
		routes: settings.NewCached("policy_gate.routes", ttl, load, func() []policy.GateRoute { return nil }),
	}
}

// InvalidateConfig drops the cached route table.
func (g *Gate) InvalidateConfig() {
	g.routes.Invalidate()
}

// match returns the route with the longest prefix matching path.
// Routes are already sorted longest first.
func (g *Gate) match(ctx context.Context, path string) (policy.GateRoute, bool) {
	for _, rt := range g.routes.Get(ctx) {
		if path == rt.Prefix || strings.HasPrefix(path, strings.TrimSuffix(rt.Prefix, "/")+"/") {
			return rt, true
		}
	}
	return policy.GateRoute{}, false
}

// Middleware gates every request whose path matches the route table.
// Unmatched routes pass through.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rt, ok := g.match(r.Context(), r.URL.Path)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		g.enforce(w, r, next, rt.Scope, keyFuncFor(rt.Key))
	})
}

// For gates one route group on scope regardless of the route table.
func (g *Gate) For(scope string, key KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			g.enforce(w, r, next, scope, key)
		})
	}
}

func (g *Gate) enforce(w http.ResponseWriter, r *http.Request, next http.Handler, scope string, keyFn KeyFunc) {
	key, err := keyFn(r)
	if err != nil || key == "" {
		reqlog.Warn(r, "policy gate: no key, passing through", "scope", scope, "error", err)
		next.ServeHTTP(w, r)
		return
	}

	res := g.engine.CheckRateLimit(r.Context(), scope, key, map[string]any{
		"path":   r.URL.Path,
		"method": r.Method,
	})
	if res.Allowed {
		next.ServeHTTP(w, r)
		return
	}

	reqlog.Info(r, "policy gate: request denied",
		"scope", scope,
		"key", keyspace.MaskKey(key),
		"reason", res.Reason,
	)
	TooManyRequests(w, res)
}
