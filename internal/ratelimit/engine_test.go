package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MGallo-Code/bastion/internal/keyspace"
	"github.com/MGallo-Code/bastion/internal/store"
	"github.com/MGallo-Code/bastion/internal/testutil"
)

// countingObserver records ObserveDecision calls.
type countingObserver struct {
	mu   sync.Mutex
	seen map[string]int
}

func (o *countingObserver) ObserveDecision(scope, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.seen == nil {
		o.seen = make(map[string]int)
	}
	o.seen[scope+"/"+outcome]++
}

func (o *countingObserver) count(key string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.seen[key]
}

type engineFixture struct {
	engine *Engine
	mem    *store.MemoryStore
	clock  *testutil.Clock
	src    *testutil.StaticSource
	obs    *countingObserver
}

func newEngineFixture(t *testing.T, tree map[string]any) *engineFixture {
	t.Helper()
	clock := testutil.NewClock(epoch)
	mem := testutil.NewMemoryBackend(clock)
	t.Cleanup(func() { mem.Close() })
	src := testutil.NewStaticSource(tree)
	obs := &countingObserver{}
	e := NewEngine(mem, src, time.Minute, WithClock(clock.Now), WithDecisionObserver(obs))
	return &engineFixture{engine: e, mem: mem, clock: clock, src: src, obs: obs}
}

// --- CheckRateLimit ---

func TestCheckRateLimit(t *testing.T) {
	ctx := context.Background()

	t.Run("sliding window scenario", func(t *testing.T) {
		f := newEngineFixture(t, map[string]any{
			"rate_limit": map[string]any{"persona": map[string]any{"max": 5, "windowMs": 900000}},
		})
		for i := 1; i <= 5; i++ {
			if res := f.engine.CheckRateLimit(ctx, "persona", "u1", nil); !res.Allowed {
				t.Fatalf("request %d: expected allowed, got %+v", i, res)
			}
		}
		res := f.engine.CheckRateLimit(ctx, "persona", "u1", nil)
		if res.Allowed || res.Reason != ReasonExceeded {
			t.Fatalf("request 6: expected rate_limit_exceeded, got %+v", res)
		}
		if res.RetryAfterSeconds == nil || *res.RetryAfterSeconds != 900 {
			t.Errorf("request 6: expected retry 900, got %v", res.RetryAfterSeconds)
		}
		if res.OffenseCount != 0 {
			t.Errorf("scope without blockDurationMs must not block, got offense %d", res.OffenseCount)
		}

		f.clock.Advance(900001 * time.Millisecond)
		if res := f.engine.CheckRateLimit(ctx, "persona", "u1", nil); !res.Allowed {
			t.Errorf("after window: expected allowed, got %+v", res)
		}
		st, _ := f.engine.GetRateLimitStatus(ctx, "persona", "u1")
		if st.Current != 1 {
			t.Errorf("after window: expected count 1, got %d", st.Current)
		}
		if f.obs.count("persona/allowed") != 6 || f.obs.count("persona/rate_limit_exceeded") != 1 {
			t.Errorf("decision metrics: %+v", f.obs.seen)
		}
	})

	t.Run("keys are tracked independently", func(t *testing.T) {
		f := newEngineFixture(t, nil)
		for i := 0; i < 3; i++ {
			f.engine.CheckRateLimit(ctx, "persona", "a", nil)
		}
		if res := f.engine.CheckRateLimit(ctx, "persona", "a", nil); res.Allowed {
			t.Error("key a: expected deny after default max 3")
		}
		if res := f.engine.CheckRateLimit(ctx, "persona", "b", nil); !res.Allowed {
			t.Error("key b: expected allowed")
		}
	})

	t.Run("capacity deny escalates progressive blocks", func(t *testing.T) {
		f := newEngineFixture(t, nil)
		exhaust := func() Result {
			for i := 0; i < 5; i++ {
				f.engine.CheckRateLimit(ctx, "auth.password", "1.2.3.4", nil)
			}
			return f.engine.CheckRateLimit(ctx, "auth.password", "1.2.3.4", nil)
		}

		res := exhaust()
		if res.Reason != ReasonExceeded || res.OffenseCount != 1 || *res.RetryAfterSeconds != 900 {
			t.Fatalf("first offense: got %+v", res)
		}
		res = f.engine.CheckRateLimit(ctx, "auth.password", "1.2.3.4", nil)
		if res.Reason != ReasonBlocked || res.OffenseCount != 1 {
			t.Errorf("while blocked: got %+v", res)
		}

		f.clock.Advance(15*time.Minute + time.Second)
		res = exhaust()
		if res.OffenseCount != 2 || *res.RetryAfterSeconds != 3600 {
			t.Errorf("second offense: expected 1h block, got %+v (retry %v)", res, *res.RetryAfterSeconds)
		}
	})

	t.Run("unknown scope is denied", func(t *testing.T) {
		f := newEngineFixture(t, nil)
		res := f.engine.CheckRateLimit(ctx, "nope", "k", nil)
		if res.Allowed || res.Reason != ReasonInvalidScope {
			t.Errorf("expected invalid_scope, got %+v", res)
		}
	})

	t.Run("scope only in settings is valid", func(t *testing.T) {
		f := newEngineFixture(t, map[string]any{
			"rate_limit": map[string]any{"exports": map[string]any{"max": 1, "windowMs": 60000}},
		})
		if res := f.engine.CheckRateLimit(ctx, "exports", "k", nil); !res.Allowed {
			t.Errorf("expected allowed, got %+v", res)
		}
	})

	t.Run("disabled scope always allows", func(t *testing.T) {
		f := newEngineFixture(t, map[string]any{
			"rate_limit": map[string]any{"gdpr": map[string]any{"max": 1, "enabled": false}},
		})
		for i := 0; i < 3; i++ {
			res := f.engine.CheckRateLimit(ctx, "gdpr", "k", nil)
			if !res.Allowed || res.Reason != ReasonDisabled {
				t.Fatalf("request %d: expected disabled allow, got %+v", i+1, res)
			}
		}
	})

	t.Run("blocked key consumes no window capacity", func(t *testing.T) {
		f := newEngineFixture(t, nil)
		f.engine.Blocks().SetBlock(ctx, keyspace.BlockKey("roast", "u"), 1, f.engine.Ladder(ctx))

		res := f.engine.CheckRateLimit(ctx, "roast", "u", nil)
		if res.Reason != ReasonBlocked {
			t.Fatalf("expected blocked, got %+v", res)
		}
		if n, _ := f.mem.ZCard(ctx, keyspace.WindowKey("roast", "u")); n != 0 {
			t.Errorf("expected no window entries, got %d", n)
		}
	})

	t.Run("settings failure uses defaults", func(t *testing.T) {
		f := newEngineFixture(t, nil)
		f.src.Err = errors.New("settings down")
		if res := f.engine.CheckRateLimit(ctx, "roast", "u", nil); !res.Allowed {
			t.Errorf("expected allowed under default config, got %+v", res)
		}
	})
}

// --- Fail closed ---

func TestCheckRateLimitFailsClosed(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(epoch)
	mem := testutil.NewMemoryBackend(clock)
	defer mem.Close()

	t.Run("backend error denies", func(t *testing.T) {
		fb := testutil.NewFailingBackend(mem)
		fb.ZCardErr = errors.New("connection refused")
		e := NewEngine(fb, nil, time.Minute, WithClock(clock.Now))

		res := e.CheckRateLimit(ctx, "roast", "u", map[string]any{"path": "/api/roast"})
		if res.Allowed || res.Reason != ReasonError {
			t.Errorf("expected rate_limit_error, got %+v", res)
		}
	})

	t.Run("block check error denies", func(t *testing.T) {
		fb := testutil.NewFailingBackend(mem)
		fb.GetErr = errors.New("timeout")
		e := NewEngine(fb, nil, time.Minute, WithClock(clock.Now))

		if res := e.CheckRateLimit(ctx, "roast", "u", nil); res.Reason != ReasonError {
			t.Errorf("expected rate_limit_error, got %+v", res)
		}
		if fb.Calls("ZAdd") != 0 {
			t.Error("window must not be touched after a failed block check")
		}
	})

	t.Run("panic denies", func(t *testing.T) {
		fb := testutil.NewFailingBackend(mem)
		fb.Panic = true
		e := NewEngine(fb, nil, time.Minute, WithClock(clock.Now))

		res := e.CheckRateLimit(ctx, "roast", "u", nil)
		if res.Allowed || res.Reason != ReasonError {
			t.Errorf("expected rate_limit_error, got %+v", res)
		}
	})
}

// --- Admin operations ---

func TestIncrementRateLimit(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, nil)

	f.engine.IncrementRateLimit(ctx, "roast", "u", nil)
	f.engine.IncrementRateLimit(ctx, "roast", "u", nil)
	st, err := f.engine.GetRateLimitStatus(ctx, "roast", "u")
	if err != nil {
		t.Fatalf("GetRateLimitStatus failed: %v", err)
	}
	if st.Current != 2 || st.Remaining != 8 {
		t.Errorf("expected 2 used / 8 remaining, got %+v", st)
	}

	// Errors are swallowed.
	fb := testutil.NewFailingBackend(f.mem)
	fb.AllErr = errors.New("down")
	NewEngine(fb, nil, time.Minute).IncrementRateLimit(ctx, "roast", "u", nil)
	NewEngine(fb, nil, time.Minute).IncrementRateLimit(ctx, "nope", "u", nil)
}

func TestGetRateLimitStatus(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, nil)

	if _, err := f.engine.GetRateLimitStatus(ctx, "nope", "u"); !errors.Is(err, ErrInvalidScope) {
		t.Errorf("expected ErrInvalidScope, got %v", err)
	}

	f.engine.CheckRateLimit(ctx, "roast", "u", nil)
	st, err := f.engine.GetRateLimitStatus(ctx, "roast", "u")
	if err != nil {
		t.Fatalf("GetRateLimitStatus failed: %v", err)
	}
	if st.Max != 10 || st.WindowMs != 60000 || !st.Enabled || st.Block.Blocked {
		t.Errorf("unexpected status: %+v", st)
	}
	if st.ResetAt == nil || !st.ResetAt.Equal(epoch.Add(time.Minute)) {
		t.Errorf("resetAt: expected %v, got %v", epoch.Add(time.Minute), st.ResetAt)
	}
}

func TestClearRateLimit(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, nil)

	for i := 0; i < 6; i++ {
		f.engine.CheckRateLimit(ctx, "auth.magic_link", "a@b.co", nil)
	}
	if res := f.engine.CheckRateLimit(ctx, "auth.magic_link", "a@b.co", nil); res.Reason != ReasonBlocked {
		t.Fatalf("expected blocked before clear, got %+v", res)
	}

	if err := f.engine.ClearRateLimit(ctx, "auth.magic_link", "a@b.co", false); err != nil {
		t.Fatalf("ClearRateLimit failed: %v", err)
	}
	if res := f.engine.CheckRateLimit(ctx, "auth.magic_link", "a@b.co", nil); !res.Allowed {
		t.Errorf("after clear: expected allowed, got %+v", res)
	}
	blockKey := keyspace.BlockKey("auth.magic_link", "a@b.co")
	if n, _ := f.engine.Blocks().OffenseCount(ctx, blockKey); n != 1 {
		t.Errorf("history: expected 1 kept, got %d", n)
	}

	if err := f.engine.ClearRateLimit(ctx, "auth.magic_link", "a@b.co", true); err != nil {
		t.Fatalf("ClearRateLimit with history failed: %v", err)
	}
	if n, _ := f.engine.Blocks().OffenseCount(ctx, blockKey); n != 0 {
		t.Errorf("history: expected cleared, got %d", n)
	}

	if err := f.engine.ClearRateLimit(ctx, "nope", "k", false); !errors.Is(err, ErrInvalidScope) {
		t.Errorf("expected ErrInvalidScope, got %v", err)
	}
}

func TestInvalidateConfig(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, nil)

	if cfg, _ := f.engine.Config(ctx, "roast"); cfg.Max != 10 {
		t.Fatalf("expected default roast max 10, got %d", cfg.Max)
	}
	f.src.Set(map[string]any{
		"rate_limit": map[string]any{"roast": map[string]any{"max": 2, "windowMs": 60000}},
	})
	if cfg, _ := f.engine.Config(ctx, "roast"); cfg.Max != 10 {
		t.Errorf("before invalidate: expected cached 10, got %d", cfg.Max)
	}
	f.engine.InvalidateConfig()
	if cfg, _ := f.engine.Config(ctx, "roast"); cfg.Max != 2 {
		t.Errorf("after invalidate: expected 2, got %d", cfg.Max)
	}
}
