package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// recorded is one request seen by the fake API.
type recorded struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Body   map[string]string
}

// fakeAPI answers every request with status and remembers what it saw.
type fakeAPI struct {
	mu     sync.Mutex
	seen   []recorded
	status int
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := recorded{
		Method: r.Method,
		Path:   r.URL.EscapedPath(),
		Query:  r.URL.RawQuery,
		Auth:   r.Header.Get("Authorization"),
	}
	if raw, _ := io.ReadAll(r.Body); len(raw) > 0 {
		json.Unmarshal(raw, &rec.Body)
	}
	f.mu.Lock()
	f.seen = append(f.seen, rec)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(f.status)
	w.Write([]byte(`{"message":"ok"}`))
}

func (f *fakeAPI) last(t *testing.T) recorded {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.seen) == 0 {
		t.Fatal("no request reached the API")
	}
	return f.seen[len(f.seen)-1]
}

// runCLI parses args against a fake API and runs the selected command.
func runCLI(t *testing.T, api *fakeAPI, args ...string) (string, error) {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	var out bytes.Buffer
	var cli CLI
	parser, err := newParser(&cli, &out)
	if err != nil {
		t.Fatalf("building parser: %v", err)
	}
	ctx, err := parser.Parse(append([]string{"--addr", srv.URL, "--token", "secret-token"}, args...))
	if err != nil {
		t.Fatalf("parsing %v: %v", args, err)
	}
	err = ctx.Run(&cli)
	return out.String(), err
}

// --- Commands ---

func TestCommands(t *testing.T) {
	tests := []struct {
		name   string
		args   []string
		method string
		path   string
		query  string
		body   map[string]string
	}{
		{"check", []string{"check", "roast", "user:42"}, http.MethodPost, "/v1/check", "",
			map[string]string{"scope": "roast", "key": "user:42"}},
		{"status escapes key", []string{"status", "auth.password", "ip/1"}, http.MethodGet, "/admin/ratelimit/auth.password/ip%2F1", "", nil},
		{"clear", []string{"clear", "roast", "user:42"}, http.MethodDelete, "/admin/ratelimit/roast/user:42", "", nil},
		{"clear history", []string{"clear", "roast", "user:42", "--history"}, http.MethodDelete, "/admin/ratelimit/roast/user:42", "history=true", nil},
		{"scopes", []string{"scopes"}, http.MethodGet, "/admin/scopes", "", nil},
		{"auth status", []string{"auth-status", "--ip", "203.0.113.7", "--auth-type", "password"}, http.MethodGet, "/admin/auth/status", "authType=password&ip=203.0.113.7", nil},
		{"unblock", []string{"unblock", "--email", "a@b.co"}, http.MethodPost, "/admin/auth/unblock", "",
			map[string]string{"ip": "", "email": "a@b.co", "authType": ""}},
		{"invalidate", []string{"invalidate"}, http.MethodPost, "/admin/settings/invalidate", "", nil},
		{"metrics", []string{"metrics"}, http.MethodGet, "/admin/metrics", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{status: http.StatusOK}
			out, err := runCLI(t, api, tt.args...)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			got := api.last(t)
			if got.Method != tt.method || got.Path != tt.path {
				t.Errorf("expected %s %s, got %s %s", tt.method, tt.path, got.Method, got.Path)
			}
			if got.Query != tt.query {
				t.Errorf("query: expected %q, got %q", tt.query, got.Query)
			}
			if got.Auth != "Bearer secret-token" {
				t.Errorf("authorization: got %q", got.Auth)
			}
			for k, v := range tt.body {
				if got.Body[k] != v {
					t.Errorf("body[%s]: expected %q, got %q", k, v, got.Body[k])
				}
			}
			if !strings.Contains(out, `"message": "ok"`) {
				t.Errorf("expected indented response, got %q", out)
			}
		})
	}
}

// --- Errors ---

func TestErrorStatus(t *testing.T) {
	api := &fakeAPI{status: http.StatusUnauthorized}
	out, err := runCLI(t, api, "metrics")
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("expected 401 error, got %v", err)
	}
	if out == "" {
		t.Error("expected response body printed even on error")
	}
}

func TestAuthFlagsRequireSubject(t *testing.T) {
	for _, cmd := range []string{"auth-status", "unblock"} {
		t.Run(cmd, func(t *testing.T) {
			api := &fakeAPI{status: http.StatusOK}
			if _, err := runCLI(t, api, cmd); err == nil {
				t.Error("expected error without --ip or --email")
			}
			if len(api.seen) != 0 {
				t.Error("expected no request sent")
			}
		})
	}
}
