package ratelimit

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/MGallo-Code/bastion/internal/store"
	"github.com/MGallo-Code/bastion/internal/testutil"
)

var epoch = time.UnixMilli(1_700_000_000_000)

func newTestWindow(t *testing.T) (*Window, *store.MemoryStore, *testutil.Clock) {
	t.Helper()
	clock := testutil.NewClock(epoch)
	mem := testutil.NewMemoryBackend(clock)
	t.Cleanup(func() { mem.Close() })
	return NewWindow(mem, clock.Now), mem, clock
}

// --- CheckAndConsume ---

func TestWindowCheckAndConsume(t *testing.T) {
	ctx := context.Background()
	const window = 900 * time.Second

	t.Run("allows max then denies with ceil retry", func(t *testing.T) {
		w, _, _ := newTestWindow(t)
		for i := 1; i <= 5; i++ {
			d, err := w.CheckAndConsume(ctx, "k", 5, window)
			if err != nil {
				t.Fatalf("request %d: %v", i, err)
			}
			if !d.Allowed {
				t.Fatalf("request %d: expected allowed", i)
			}
		}
		d, err := w.CheckAndConsume(ctx, "k", 5, window)
		if err != nil {
			t.Fatalf("request 6: %v", err)
		}
		if d.Allowed {
			t.Fatal("request 6: expected deny")
		}
		if d.RetryAfterSeconds != 900 {
			t.Errorf("retryAfterSeconds: expected 900, got %d", d.RetryAfterSeconds)
		}
	})

	t.Run("window expiry frees capacity", func(t *testing.T) {
		w, _, clock := newTestWindow(t)
		for i := 0; i < 5; i++ {
			w.CheckAndConsume(ctx, "k", 5, window)
		}
		clock.Advance(window + time.Millisecond)

		d, err := w.CheckAndConsume(ctx, "k", 5, window)
		if err != nil || !d.Allowed {
			t.Fatalf("after window: expected allowed, got %+v (err %v)", d, err)
		}
		n, _ := w.Count(ctx, "k", window)
		if n != 1 {
			t.Errorf("count: expected only the new entry, got %d", n)
		}
	})

	t.Run("deny at the window boundary still asks for a second", func(t *testing.T) {
		w, _, clock := newTestWindow(t)
		w.CheckAndConsume(ctx, "k", 1, 10*time.Second)
		clock.Advance(10 * time.Second)

		d, err := w.CheckAndConsume(ctx, "k", 1, 10*time.Second)
		if err != nil {
			t.Fatalf("CheckAndConsume failed: %v", err)
		}
		if d.Allowed || d.RetryAfterSeconds != 1 {
			t.Errorf("expected deny with retry 1 at oldest+window, got %+v", d)
		}
	})

	t.Run("retry rounds up partial seconds", func(t *testing.T) {
		w, _, clock := newTestWindow(t)
		w.CheckAndConsume(ctx, "k", 1, 10*time.Second)
		clock.Advance(2500 * time.Millisecond)

		d, _ := w.CheckAndConsume(ctx, "k", 1, 10*time.Second)
		if d.Allowed || d.RetryAfterSeconds != 8 {
			t.Errorf("expected deny with retry 8 (7.5s rounded up), got %+v", d)
		}
	})

	t.Run("zero max always denies", func(t *testing.T) {
		w, _, _ := newTestWindow(t)
		d, err := w.CheckAndConsume(ctx, "k", 0, window)
		if err != nil || d.Allowed {
			t.Errorf("expected deny, got %+v (err %v)", d, err)
		}
	})

	t.Run("key ttl is the window rounded up to seconds", func(t *testing.T) {
		w, mem, clock := newTestWindow(t)
		w.CheckAndConsume(ctx, "k", 5, 1500*time.Millisecond)

		at, ok := mem.ExpiresAt("k")
		if !ok {
			t.Fatal("expected window key to have an expiry")
		}
		if want := clock.Now().Add(2 * time.Second); !at.Equal(want) {
			t.Errorf("expiry: expected %v, got %v", want, at)
		}
	})

	t.Run("same millisecond hits are distinct entries", func(t *testing.T) {
		w, mem, _ := newTestWindow(t)
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				w.Record(ctx, "k", window)
			}()
		}
		wg.Wait()

		n, _ := mem.ZCard(ctx, "k")
		if n != 50 {
			t.Errorf("expected 50 entries, got %d", n)
		}
		entries, _ := mem.ZRangeWithScores(ctx, "k", 0, 0)
		if len(entries) != 1 || !strings.HasPrefix(entries[0].Member, "1700000000000-") {
			t.Errorf("member format: got %+v", entries)
		}
	})
}

// --- Reset / Oldest ---

func TestWindowReset(t *testing.T) {
	ctx := context.Background()
	w, _, _ := newTestWindow(t)

	w.Record(ctx, "k", time.Minute)
	if ms, ok, err := w.Oldest(ctx, "k"); err != nil || !ok || ms != epoch.UnixMilli() {
		t.Errorf("Oldest: got %d %v %v", ms, ok, err)
	}
	if err := w.Reset(ctx, "k"); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if n, _ := w.Count(ctx, "k", time.Minute); n != 0 {
		t.Errorf("after Reset: expected 0, got %d", n)
	}
	if _, ok, _ := w.Oldest(ctx, "k"); ok {
		t.Error("after Reset: expected empty window")
	}
}

// --- Redis backend ---

func TestWindowOnRedis(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb, err := store.NewRedisClient(ctx, "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisClient failed: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })

	clock := testutil.NewClock(epoch)
	w := NewWindow(store.NewRedisStore(rdb), clock.Now)

	for i := 0; i < 3; i++ {
		if d, err := w.CheckAndConsume(ctx, "ratelimit:roast:u1", 3, time.Minute); err != nil || !d.Allowed {
			t.Fatalf("request %d: got %+v (err %v)", i+1, d, err)
		}
	}
	d, err := w.CheckAndConsume(ctx, "ratelimit:roast:u1", 3, time.Minute)
	if err != nil || d.Allowed || d.RetryAfterSeconds != 60 {
		t.Errorf("request 4: expected deny with retry 60, got %+v (err %v)", d, err)
	}
	if ttl := mr.TTL("ratelimit:roast:u1"); ttl != time.Minute {
		t.Errorf("TTL: expected 1m, got %v", ttl)
	}
}
