package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

// --- Redis TTL handling ---

func TestRedisStoreTTL(t *testing.T) {
	ctx := context.Background()

	t.Run("Set with ttl expires", func(t *testing.T) {
		s, mr := newTestRedis(t)
		if err := s.Set(ctx, "block", "x", 2*time.Second); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		mr.FastForward(3 * time.Second)
		if _, err := s.Get(ctx, "block"); !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("expected ErrKeyNotFound after ttl, got %v", err)
		}
	})

	t.Run("second Set replaces the first ttl", func(t *testing.T) {
		s, mr := newTestRedis(t)
		s.Set(ctx, "block", "short", 15*time.Minute)
		s.Set(ctx, "block", "long", time.Hour)
		mr.FastForward(16 * time.Minute)

		got, err := s.Get(ctx, "block")
		if err != nil || got != "long" {
			t.Errorf("expected long to survive, got %q (err %v)", got, err)
		}
	})

	t.Run("Expire applies to sorted sets", func(t *testing.T) {
		s, mr := newTestRedis(t)
		s.ZAdd(ctx, "window", 1, "1-a")
		if err := s.Expire(ctx, "window", 900*time.Second); err != nil {
			t.Fatalf("Expire failed: %v", err)
		}
		if ttl := mr.TTL("window"); ttl != 900*time.Second {
			t.Errorf("TTL: expected 900s, got %v", ttl)
		}
		mr.FastForward(901 * time.Second)
		if n, _ := s.ZCard(ctx, "window"); n != 0 {
			t.Errorf("ZCard after ttl: expected 0, got %d", n)
		}
	})

	t.Run("closed client surfaces errors", func(t *testing.T) {
		s, mr := newTestRedis(t)
		mr.Close()
		if err := s.Ping(ctx); err == nil {
			t.Error("expected Ping error against stopped server")
		}
		if _, err := s.Get(ctx, "k"); err == nil || errors.Is(err, ErrKeyNotFound) {
			t.Errorf("expected infrastructure error, got %v", err)
		}
	})
}
