package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

var errBroken = errors.New("connection refused")

// brokenBackend fails every call, like a Redis that went away after startup.
type brokenBackend struct{}

func (brokenBackend) Name() string               { return "broken" }
func (brokenBackend) Ping(context.Context) error { return errBroken }
func (brokenBackend) Close() error               { return nil }
func (brokenBackend) ZAdd(context.Context, string, int64, string) error {
	return errBroken
}
func (brokenBackend) ZRemRangeByScore(context.Context, string, int64, int64) error {
	return errBroken
}
func (brokenBackend) ZCard(context.Context, string) (int64, error) { return 0, errBroken }
func (brokenBackend) ZRangeWithScores(context.Context, string, int64, int64) ([]ScoredMember, error) {
	return nil, errBroken
}
func (brokenBackend) Get(context.Context, string) (string, error) { return "", errBroken }
func (brokenBackend) Set(context.Context, string, string, time.Duration) error {
	return errBroken
}
func (brokenBackend) Del(context.Context, ...string) error         { return errBroken }
func (brokenBackend) Incr(context.Context, string) (int64, error)  { return 0, errBroken }
func (brokenBackend) Expire(context.Context, string, time.Duration) error {
	return errBroken
}
func (brokenBackend) SAdd(context.Context, string, ...string) error { return errBroken }
func (brokenBackend) SCard(context.Context, string) (int64, error)  { return 0, errBroken }

// --- FallbackStore ---

func TestFallbackStore(t *testing.T) {
	ctx := context.Background()

	t.Run("failing primary degrades to secondary", func(t *testing.T) {
		local := NewMemoryStore(0)
		defer local.Close()
		s := NewFallbackStore(brokenBackend{}, local)

		if err := s.ZAdd(ctx, "z", 1, "a"); err != nil {
			t.Fatalf("ZAdd: expected fallback success, got %v", err)
		}
		n, err := s.ZCard(ctx, "z")
		if err != nil || n != 1 {
			t.Errorf("ZCard: expected 1, got %d (err %v)", n, err)
		}
		if got, _ := local.ZCard(ctx, "z"); got != 1 {
			t.Errorf("expected entry in local store, got %d", got)
		}
	})

	t.Run("miss on primary is not retried", func(t *testing.T) {
		primary := NewMemoryStore(0)
		secondary := NewMemoryStore(0)
		defer primary.Close()
		defer secondary.Close()
		secondary.Set(ctx, "k", "stale", 0)

		s := NewFallbackStore(primary, secondary)
		if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("expected ErrKeyNotFound from primary, got %v", err)
		}
	})

	t.Run("Ping reports primary health", func(t *testing.T) {
		local := NewMemoryStore(0)
		defer local.Close()
		s := NewFallbackStore(brokenBackend{}, local)
		if err := s.Ping(ctx); !errors.Is(err, errBroken) {
			t.Errorf("expected primary error, got %v", err)
		}
		if s.Name() != "broken+memory" {
			t.Errorf("Name: got %q", s.Name())
		}
	})
}

// --- Open ---

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("no REDIS_URL uses memory", func(t *testing.T) {
		b, err := Open(ctx, Options{ProbeTimeout: time.Second})
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		defer b.Close()
		if b.Name() != "memory" {
			t.Errorf("Name: expected memory, got %q", b.Name())
		}
	})

	t.Run("unreachable redis uses local store", func(t *testing.T) {
		b, err := Open(ctx, Options{
			RedisURL:     "redis://127.0.0.1:1",
			ProbeTimeout: 200 * time.Millisecond,
		})
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		defer b.Close()
		if b.Name() != "memory" {
			t.Errorf("Name: expected memory, got %q", b.Name())
		}
	})

	t.Run("reachable redis is wrapped with fallback", func(t *testing.T) {
		mr := miniredis.RunT(t)
		b, err := Open(ctx, Options{
			RedisURL:     "redis://" + mr.Addr(),
			ProbeTimeout: time.Second,
		})
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		defer b.Close()
		if b.Name() != "redis+memory" {
			t.Errorf("Name: expected redis+memory, got %q", b.Name())
		}
	})

	t.Run("badger fallback", func(t *testing.T) {
		b, err := Open(ctx, Options{Fallback: "badger", ProbeTimeout: time.Second})
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		defer b.Close()
		if b.Name() != "badger" {
			t.Errorf("Name: expected badger, got %q", b.Name())
		}
	})

	t.Run("unknown fallback errors", func(t *testing.T) {
		if _, err := Open(ctx, Options{Fallback: "etcd"}); err == nil {
			t.Error("expected error for unknown fallback")
		}
	})
}
