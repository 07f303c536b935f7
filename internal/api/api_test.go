package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/MGallo-Code/bastion/internal/audit"
	"github.com/MGallo-Code/bastion/internal/authlimit"
	"github.com/MGallo-Code/bastion/internal/metrics"
	"github.com/MGallo-Code/bastion/internal/ratelimit"
	"github.com/MGallo-Code/bastion/internal/store"
	"github.com/MGallo-Code/bastion/internal/testutil"
)

var epoch = time.UnixMilli(1_700_000_000_000)

const adminToken = "s3cret-admin-token"

// mockDB implements SettingsStore.
type mockDB struct {
	mu        sync.Mutex
	upserts   map[string]string
	deleted   []string
	UpsertErr error
	HealthErr error
}

func (m *mockDB) UpsertSettingOverride(_ context.Context, path string, value json.RawMessage) error {
	if m.UpsertErr != nil {
		return m.UpsertErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upserts == nil {
		m.upserts = make(map[string]string)
	}
	m.upserts[path] = string(value)
	return nil
}

func (m *mockDB) DeleteSettingOverride(_ context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.upserts[path]; !ok {
		return false, nil
	}
	delete(m.upserts, path)
	m.deleted = append(m.deleted, path)
	return true, nil
}

func (m *mockDB) CheckHealth(context.Context) error { return m.HealthErr }

type apiFixture struct {
	h      *Handler
	router http.Handler
	mem    *store.MemoryStore
	src    *testutil.StaticSource
	sink   *testutil.RecordingSink
	db     *mockDB
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	clock := testutil.NewClock(epoch)
	mem := testutil.NewMemoryBackend(clock)
	t.Cleanup(func() { mem.Close() })

	src := testutil.NewStaticSource(nil)
	sink := &testutil.RecordingSink{}
	emitter := audit.NewEmitter(sink)
	m := metrics.New(prometheus.NewRegistry())
	db := &mockDB{}

	h := &Handler{
		Engine:     ratelimit.NewEngine(mem, src, time.Minute, ratelimit.WithClock(clock.Now)),
		Auth:       authlimit.New(authlimit.Config{Backend: mem, Audit: emitter, Metrics: m, Now: clock.Now}),
		Backend:    mem,
		DB:         db,
		Settings:   src,
		Metrics:    m,
		Audit:      emitter,
		AdminToken: adminToken,
	}
	r := chi.NewRouter()
	h.Routes(r)
	return &apiFixture{h: h, router: r, mem: mem, src: src, sink: sink, db: db}
}

func (f *apiFixture) do(method, path, body string, admin bool) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if admin {
		req.Header.Set("Authorization", "Bearer "+adminToken)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

// --- Health ---

func TestCheckHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		f := newAPIFixture(t)
		rec := f.do(http.MethodGet, "/health", "", false)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		want := `{"backend":"memory","store":"ok","postgres":"ok"}`
		if got := strings.TrimSpace(rec.Body.String()); got != want {
			t.Errorf("body: expected %s, got %s", want, got)
		}
	})

	t.Run("database disabled", func(t *testing.T) {
		f := newAPIFixture(t)
		f.h.DB = nil
		rec := f.do(http.MethodGet, "/health", "", false)
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"postgres":"disabled"`) {
			t.Errorf("expected 200 with postgres disabled, got %d %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("failing dependencies return 503", func(t *testing.T) {
		f := newAPIFixture(t)
		f.db.HealthErr = errors.New("connection refused")
		if rec := f.do(http.MethodGet, "/health", "", false); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("postgres down: expected 503, got %d", rec.Code)
		}

		f = newAPIFixture(t)
		f.mem.Close()
		rec := f.do(http.MethodGet, "/health", "", false)
		if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), `"store":"error"`) {
			t.Errorf("backend closed: expected 503, got %d %s", rec.Code, rec.Body.String())
		}
	})
}

// --- Decision API ---

func TestCheck(t *testing.T) {
	f := newAPIFixture(t)

	for i := 0; i < 3; i++ {
		rec := f.do(http.MethodPost, "/v1/check", `{"scope":"persona","key":"u1"}`, false)
		var res ratelimit.Result
		json.Unmarshal(rec.Body.Bytes(), &res)
		if rec.Code != http.StatusOK || !res.Allowed {
			t.Fatalf("request %d: expected allowed, got %d %s", i+1, rec.Code, rec.Body.String())
		}
	}
	rec := f.do(http.MethodPost, "/v1/check", `{"scope":"persona","key":"u1"}`, false)
	var res ratelimit.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Allowed || res.Reason != ratelimit.ReasonExceeded || res.RetryAfterSeconds == nil {
		t.Errorf("expected exceeded with retry, got %s", rec.Body.String())
	}

	rec = f.do(http.MethodPost, "/v1/check", `{"scope":"nope","key":"u1"}`, false)
	if !strings.Contains(rec.Body.String(), `"reason":"invalid_scope"`) {
		t.Errorf("expected invalid_scope, got %s", rec.Body.String())
	}

	for _, body := range []string{`{"scope":"persona"}`, `{"key":"k"}`, `not json`} {
		if rec := f.do(http.MethodPost, "/v1/check", body, false); rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestIncrement(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(http.MethodPost, "/v1/increment", `{"scope":"roast","key":"u1"}`, false)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	st, _ := f.h.Engine.GetRateLimitStatus(context.Background(), "roast", "u1")
	if st.Current != 1 {
		t.Errorf("expected 1 recorded hit, got %d", st.Current)
	}
}

// --- Admin auth ---

func TestRequireAdmin(t *testing.T) {
	f := newAPIFixture(t)

	if rec := f.do(http.MethodGet, "/admin/scopes", "", false); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: expected 401, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/scopes", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: expected 401, got %d", rec.Code)
	}

	if rec := f.do(http.MethodGet, "/admin/scopes", "", true); rec.Code != http.StatusOK {
		t.Errorf("valid token: expected 200, got %d", rec.Code)
	}

	f.h.AdminToken = ""
	if rec := f.do(http.MethodGet, "/admin/scopes", "", true); rec.Code != http.StatusUnauthorized {
		t.Errorf("admin disabled: expected 401, got %d", rec.Code)
	}
}

// --- Admin endpoints ---

func TestRateLimitAdmin(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		f.h.Engine.CheckRateLimit(ctx, "persona", "u1", nil)
	}

	rec := f.do(http.MethodGet, "/admin/ratelimit/persona/u1", "", true)
	var st ratelimit.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v (%s)", err, rec.Body.String())
	}
	if st.Current != 3 || st.Remaining != 0 {
		t.Errorf("expected window full, got %+v", st)
	}

	if rec := f.do(http.MethodGet, "/admin/ratelimit/nope/u1", "", true); rec.Code != http.StatusNotFound {
		t.Errorf("unknown scope: expected 404, got %d", rec.Code)
	}

	if rec := f.do(http.MethodDelete, "/admin/ratelimit/persona/u1?history=true", "", true); rec.Code != http.StatusOK {
		t.Fatalf("clear: expected 200, got %d", rec.Code)
	}
	if res := f.h.Engine.CheckRateLimit(ctx, "persona", "u1", nil); !res.Allowed {
		t.Errorf("after clear: expected allowed, got %+v", res)
	}
	if !f.sink.WaitFor(audit.EventAdminClear, 1, time.Second) {
		t.Error("expected admin clear audit event")
	}

	rec = f.do(http.MethodGet, "/admin/scopes/roast", "", true)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"max":10`) {
		t.Errorf("scope config: got %d %s", rec.Code, rec.Body.String())
	}
	if rec := f.do(http.MethodGet, "/admin/scopes/nope", "", true); rec.Code != http.StatusNotFound {
		t.Errorf("unknown scope config: expected 404, got %d", rec.Code)
	}
	rec = f.do(http.MethodGet, "/admin/scopes", "", true)
	if !strings.Contains(rec.Body.String(), `"block_durations":[900000,3600000,86400000,null]`) {
		t.Errorf("scopes: expected default ladder, got %s", rec.Body.String())
	}
}

func TestAuthAdmin(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodGet, "/admin/auth/status?ip=203.0.113.7&authType=password", "", true)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"maxAttempts":5`) {
		t.Errorf("status: got %d %s", rec.Code, rec.Body.String())
	}
	if rec := f.do(http.MethodGet, "/admin/auth/status", "", true); rec.Code != http.StatusBadRequest {
		t.Errorf("status without target: expected 400, got %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/admin/auth/status?ip=203.0.113.7&authType=sms", "", true); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown auth type: expected 400, got %d", rec.Code)
	}

	rec = f.do(http.MethodPost, "/admin/auth/unblock", `{"email":"victim@example.com"}`, true)
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != `{"lifted":0}` {
		t.Errorf("unblock: got %d %s", rec.Code, rec.Body.String())
	}
	if rec := f.do(http.MethodPost, "/admin/auth/unblock", `{"ip":"not-an-ip"}`, true); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid ip: expected 400, got %d", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/admin/auth/unblock", `{}`, true); rec.Code != http.StatusBadRequest {
		t.Errorf("empty target: expected 400, got %d", rec.Code)
	}
}

func TestSettingsAdmin(t *testing.T) {
	t.Run("put and delete override", func(t *testing.T) {
		f := newAPIFixture(t)
		rec := f.do(http.MethodPut, "/admin/settings", `{"path":"rate_limit.roast.max","value":25}`, true)
		if rec.Code != http.StatusOK {
			t.Fatalf("put: expected 200, got %d %s", rec.Code, rec.Body.String())
		}
		if f.db.upserts["rate_limit.roast.max"] != "25" {
			t.Errorf("expected override stored, got %v", f.db.upserts)
		}
		if f.src.Invalidated() != 1 {
			t.Errorf("expected settings invalidated once, got %d", f.src.Invalidated())
		}

		if rec := f.do(http.MethodDelete, "/admin/settings/rate_limit.roast.max", "", true); rec.Code != http.StatusOK {
			t.Errorf("delete: expected 200, got %d", rec.Code)
		}
		if rec := f.do(http.MethodDelete, "/admin/settings/rate_limit.roast.max", "", true); rec.Code != http.StatusNotFound {
			t.Errorf("delete missing: expected 404, got %d", rec.Code)
		}
		if !f.sink.WaitFor(audit.EventSettingsChanged, 2, time.Second) {
			t.Error("expected two settings audit events")
		}
	})

	t.Run("store failure returns 500", func(t *testing.T) {
		f := newAPIFixture(t)
		f.db.UpsertErr = errors.New("db down")
		if rec := f.do(http.MethodPut, "/admin/settings", `{"path":"a","value":1}`, true); rec.Code != http.StatusInternalServerError {
			t.Errorf("expected 500, got %d", rec.Code)
		}
		if f.src.Invalidated() != 0 {
			t.Error("failed write must not invalidate")
		}
	})

	t.Run("no database", func(t *testing.T) {
		f := newAPIFixture(t)
		f.h.DB = nil
		if rec := f.do(http.MethodPut, "/admin/settings", `{"path":"a","value":1}`, true); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("expected 503, got %d", rec.Code)
		}
	})

	t.Run("invalidate", func(t *testing.T) {
		f := newAPIFixture(t)
		if rec := f.do(http.MethodPost, "/admin/settings/invalidate", "", true); rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if f.src.Invalidated() != 1 {
			t.Errorf("expected invalidated once, got %d", f.src.Invalidated())
		}
	})
}

func TestMetricsSnapshot(t *testing.T) {
	f := newAPIFixture(t)
	f.h.Metrics.IncRateLimitHits()
	f.h.Metrics.IncBlocksActive()

	rec := f.do(http.MethodGet, "/admin/metrics", "", true)
	var snap metrics.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.AuthRateLimitHitsTotal != 1 || snap.AuthBlocksActive != 1 || snap.AuthAbuseEventsTotal != 0 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}
