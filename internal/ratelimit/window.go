// Package ratelimit implements the sliding-window counter, the block store
// and the global policy engine built on them.
//
// window.go -- Sliding-window counter over a sorted set scored by epoch ms.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/bastion/internal/store"
)

// Decision is the outcome of one sliding-window check.
// RetryAfterSeconds is only set when Allowed is false.
type Decision struct {
	Allowed           bool
	RetryAfterSeconds int64
}

// Window counts hits per key within a moving interval ending now.
// Capacity checks are snapshot-then-act: concurrent callers may overshoot
// max slightly, but same-millisecond hits are never merged.
type Window struct {
	backend store.Backend
	now     func() time.Time
}

// NewWindow returns a Window over backend. A nil now uses time.Now.
func NewWindow(backend store.Backend, now func() time.Time) *Window {
	if now == nil {
		now = time.Now
	}
	return &Window{backend: backend, now: now}
}

// ceilSeconds rounds milliseconds up to whole seconds.
func ceilSeconds(ms int64) int64 {
	if ms <= 0 {
		return 0
	}
	return (ms + 999) / 1000
}

// keyTTL is the expiry set on a window key: windowMs rounded up to seconds.
func keyTTL(window time.Duration) time.Duration {
	return time.Duration(ceilSeconds(window.Milliseconds())) * time.Second
}

// CheckAndConsume prunes entries older than now-window, then either denies
// (count >= limit) with the time until the oldest entry leaves the window, or
// records a new entry and refreshes the key's TTL. limit <= 0 always denies.
func (w *Window) CheckAndConsume(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	now := w.now().UnixMilli()
	windowMs := window.Milliseconds()

	count, err := w.prune(ctx, key, now, windowMs)
	if err != nil {
		return Decision{}, err
	}

	if count >= int64(limit) {
		oldest := now
		entries, err := w.backend.ZRangeWithScores(ctx, key, 0, 0)
		if err != nil {
			return Decision{}, fmt.Errorf("reading oldest entry: %w", err)
		}
		if len(entries) > 0 {
			oldest = entries[0].Score
		}
		// The boundary entry is still counted at exactly oldest+window, so a
		// deny always asks for at least one second.
		return Decision{
			Allowed:           false,
			RetryAfterSeconds: max(1, ceilSeconds(oldest+windowMs-now)),
		}, nil
	}

	if err := w.add(ctx, key, now, window); err != nil {
		return Decision{}, err
	}
	return Decision{Allowed: true}, nil
}

// Record adds one entry at now without checking capacity.
func (w *Window) Record(ctx context.Context, key string, window time.Duration) error {
	return w.add(ctx, key, w.now().UnixMilli(), window)
}

// Count prunes expired entries and returns how many remain.
func (w *Window) Count(ctx context.Context, key string, window time.Duration) (int64, error) {
	return w.prune(ctx, key, w.now().UnixMilli(), window.Milliseconds())
}

// Oldest returns the score of the oldest live entry; ok is false when the window is empty.
func (w *Window) Oldest(ctx context.Context, key string) (ms int64, ok bool, err error) {
	entries, err := w.backend.ZRangeWithScores(ctx, key, 0, 0)
	if err != nil {
		return 0, false, fmt.Errorf("reading oldest entry: %w", err)
	}
	if len(entries) == 0 {
		return 0, false, nil
	}
	return entries[0].Score, true, nil
}

// Reset deletes every entry for key.
func (w *Window) Reset(ctx context.Context, key string) error {
	if err := w.backend.Del(ctx, key); err != nil {
		return fmt.Errorf("resetting window: %w", err)
	}
	return nil
}

func (w *Window) prune(ctx context.Context, key string, now, windowMs int64) (int64, error) {
	// Scores strictly below now-window are gone; the boundary entry stays.
	if err := w.backend.ZRemRangeByScore(ctx, key, 0, now-windowMs-1); err != nil {
		return 0, fmt.Errorf("pruning window: %w", err)
	}
	count, err := w.backend.ZCard(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("counting window: %w", err)
	}
	return count, nil
}

func (w *Window) add(ctx context.Context, key string, now int64, window time.Duration) error {
	id, err := uuid.NewV4()
	if err != nil {
		return fmt.Errorf("generating entry id: %w", err)
	}
	member := fmt.Sprintf("%d-%s", now, id)
	if err := w.backend.ZAdd(ctx, key, now, member); err != nil {
		return fmt.Errorf("recording entry: %w", err)
	}
	if err := w.backend.Expire(ctx, key, keyTTL(window)); err != nil {
		return fmt.Errorf("setting window ttl: %w", err)
	}
	return nil
}
