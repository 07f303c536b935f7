// Package store handles all database and cache interactions.
//
// backend.go -- The storage contract shared by every rate-limit component.
// Sorted sets hold sliding-window entries, strings hold block records and
// counters, sets hold abuse relationships.
package store

import (
	"context"
	"time"
)

// Backend is a key-value store with Redis semantics.
// RedisStore is the reference implementation; MemoryStore and BadgerStore mirror it.
// All implementations are safe for concurrent use.
type Backend interface {
	// Name identifies the implementation in logs and health output.
	Name() string
	Ping(ctx context.Context) error
	Close() error

	ZAdd(ctx context.Context, key string, score int64, member string) error
	// ZRemRangeByScore removes members with min <= score <= max.
	ZRemRangeByScore(ctx context.Context, key string, min, max int64) error
	ZCard(ctx context.Context, key string) (int64, error)
	// ZRangeWithScores returns members by rank, lowest score first.
	// start and stop are inclusive and may be negative (-1 is the last member).
	ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ScoredMember, error)

	// Get returns ErrKeyNotFound on a miss.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value; ttl <= 0 stores without expiry and clears any previous one.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	// Incr preserves an existing expiry.
	Incr(ctx context.Context, key string) (int64, error)
	// Expire replaces the key's expiry. No-op on a missing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	SAdd(ctx context.Context, key string, members ...string) error
	SCard(ctx context.Context, key string) (int64, error)
}

// normalizeRange converts Redis-style inclusive (possibly negative) rank
// bounds into [from, to) slice indices for a collection of length n.
// ok is false when the range is empty.
func normalizeRange(start, stop, n int64) (from, to int64, ok bool) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop {
		return 0, 0, false
	}
	return start, stop + 1, true
}
