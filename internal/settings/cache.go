// cache.go -- TTL cache for typed policy values with shared reloads.
package settings

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// loadTimeout bounds a single reload regardless of the triggering request.
const loadTimeout = 5 * time.Second

// Cached holds one typed value loaded from a Source.
//
// Get never fails: a load error is logged and the fallback value is cached for
// the full ttl instead. Concurrent callers during a miss share one load.
type Cached[T any] struct {
	name     string
	ttl      time.Duration
	load     func(ctx context.Context) (T, error)
	fallback func() T
	now      func() time.Time

	mu       sync.RWMutex
	val      T
	valid    bool
	loadedAt time.Time
	gen      uint64
	sf       singleflight.Group
}

// NewCached builds a cache named name (used in logs and as the single-flight key).
func NewCached[T any](name string, ttl time.Duration, load func(ctx context.Context) (T, error), fallback func() T) *Cached[T] {
	return &Cached[T]{
		name:     name,
		ttl:      ttl,
		load:     load,
		fallback: fallback,
		now:      time.Now,
	}
}

// WithClock replaces time.Now for tests and returns c.
func (c *Cached[T]) WithClock(now func() time.Time) *Cached[T] {
	c.now = now
	return c
}

// Get returns the cached value, reloading when it is older than ttl.
func (c *Cached[T]) Get(ctx context.Context) T {
	c.mu.RLock()
	if c.valid && c.now().Sub(c.loadedAt) < c.ttl {
		v := c.val
		c.mu.RUnlock()
		return v
	}
	gen := c.gen
	c.mu.RUnlock()

	v, _, _ := c.sf.Do(c.name, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()

		val, err := c.load(loadCtx)
		if err != nil {
			slog.Warn("settings load failed, using defaults", "cache", c.name, "error", err)
			val = c.fallback()
		}

		c.mu.Lock()
		// An Invalidate during the load means this value may already be stale.
		if c.gen == gen {
			c.val = val
			c.valid = true
			c.loadedAt = c.now()
		}
		c.mu.Unlock()
		return val, nil
	})
	return v.(T)
}

// Invalidate forces the next Get to reload.
func (c *Cached[T]) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.gen++
	c.mu.Unlock()
	c.sf.Forget(c.name)
}
