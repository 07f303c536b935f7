// fallback.go -- Backend that degrades from Redis to a local store per operation.
//
// The Redis-or-local decision is made once at startup (see Open). After that,
// an individual Redis failure is retried on the local store and logged;
// the next call tries Redis again. There is no reconnect loop.
package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MGallo-Code/bastion/internal/keyspace"
)

// FallbackStore tries primary first and falls back to secondary on error.
// ErrKeyNotFound is a normal answer, not a failure, and is never retried.
type FallbackStore struct {
	primary   Backend
	secondary Backend
}

var _ Backend = (*FallbackStore)(nil)

// NewFallbackStore wraps primary (normally Redis) with secondary (memory or badger).
func NewFallbackStore(primary, secondary Backend) *FallbackStore {
	return &FallbackStore{primary: primary, secondary: secondary}
}

func (s *FallbackStore) Name() string {
	return s.primary.Name() + "+" + s.secondary.Name()
}

// Ping reports the primary's health; the fallback exists to hide its failures
// from callers, not from operators.
func (s *FallbackStore) Ping(ctx context.Context) error {
	return s.primary.Ping(ctx)
}

// Close closes both backends and joins their errors.
func (s *FallbackStore) Close() error {
	return errors.Join(s.primary.Close(), s.secondary.Close())
}

func (s *FallbackStore) degrade(op, key string, err error) {
	slog.Warn("backend operation failed, using fallback store",
		"op", op,
		"key", keyspace.MaskKey(key),
		"primary", s.primary.Name(),
		"fallback", s.secondary.Name(),
		"error", err)
}

// try runs fn against primary and, on failure, against secondary.
func try[T any](s *FallbackStore, op, key string, fn func(b Backend) (T, error)) (T, error) {
	v, err := fn(s.primary)
	if err == nil || errors.Is(err, ErrKeyNotFound) {
		return v, err
	}
	s.degrade(op, key, err)
	return fn(s.secondary)
}

func (s *FallbackStore) ZAdd(ctx context.Context, key string, score int64, member string) error {
	_, err := try(s, "zadd", key, func(b Backend) (struct{}, error) {
		return struct{}{}, b.ZAdd(ctx, key, score, member)
	})
	return err
}

func (s *FallbackStore) ZRemRangeByScore(ctx context.Context, key string, min, max int64) error {
	_, err := try(s, "zremrangebyscore", key, func(b Backend) (struct{}, error) {
		return struct{}{}, b.ZRemRangeByScore(ctx, key, min, max)
	})
	return err
}

func (s *FallbackStore) ZCard(ctx context.Context, key string) (int64, error) {
	return try(s, "zcard", key, func(b Backend) (int64, error) {
		return b.ZCard(ctx, key)
	})
}

func (s *FallbackStore) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ScoredMember, error) {
	return try(s, "zrange", key, func(b Backend) ([]ScoredMember, error) {
		return b.ZRangeWithScores(ctx, key, start, stop)
	})
}

func (s *FallbackStore) Get(ctx context.Context, key string) (string, error) {
	return try(s, "get", key, func(b Backend) (string, error) {
		return b.Get(ctx, key)
	})
}

func (s *FallbackStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := try(s, "set", key, func(b Backend) (struct{}, error) {
		return struct{}{}, b.Set(ctx, key, value, ttl)
	})
	return err
}

func (s *FallbackStore) Del(ctx context.Context, keys ...string) error {
	var first string
	if len(keys) > 0 {
		first = keys[0]
	}
	_, err := try(s, "del", first, func(b Backend) (struct{}, error) {
		return struct{}{}, b.Del(ctx, keys...)
	})
	return err
}

func (s *FallbackStore) Incr(ctx context.Context, key string) (int64, error) {
	return try(s, "incr", key, func(b Backend) (int64, error) {
		return b.Incr(ctx, key)
	})
}

func (s *FallbackStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := try(s, "expire", key, func(b Backend) (struct{}, error) {
		return struct{}{}, b.Expire(ctx, key, ttl)
	})
	return err
}

func (s *FallbackStore) SAdd(ctx context.Context, key string, members ...string) error {
	_, err := try(s, "sadd", key, func(b Backend) (struct{}, error) {
		return struct{}{}, b.SAdd(ctx, key, members...)
	})
	return err
}

func (s *FallbackStore) SCard(ctx context.Context, key string) (int64, error) {
	return try(s, "scard", key, func(b Backend) (int64, error) {
		return b.SCard(ctx, key)
	})
}
