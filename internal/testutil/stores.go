// stores.go
//
// Shared test doubles for store.Backend and settings.Source.
// Imported by test files across packages to avoid duplicate mock definitions.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/MGallo-Code/bastion/internal/settings"
	"github.com/MGallo-Code/bastion/internal/store"
)

// Clock is a manually advanced time source. Pass c.Now wherever a
// func() time.Time is accepted.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

// NewClock returns a Clock set to t.
func NewClock(t time.Time) *Clock {
	return &Clock{t: t}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// NewMemoryBackend returns a MemoryStore driven by clock, without a sweeper.
func NewMemoryBackend(clock *Clock) *store.MemoryStore {
	return store.NewMemoryStore(0, store.WithClock(clock.Now))
}

// FailingBackend wraps a working Backend and fails selected operations.
// Use *Err fields to inject errors; zero value means the call goes through.
// AllErr fails every data operation.
type FailingBackend struct {
	store.Backend

	AllErr    error
	ZAddErr   error
	ZRemErr   error
	ZCardErr  error
	ZRangeErr error
	GetErr    error
	SetErr    error
	DelErr    error
	IncrErr   error
	ExpireErr error
	SAddErr   error
	SCardErr  error

	// Panic, when true, panics inside ZCard instead of returning.
	Panic bool

	mu    sync.Mutex
	calls map[string]int
}

// NewFailingBackend wraps inner.
func NewFailingBackend(inner store.Backend) *FailingBackend {
	return &FailingBackend{Backend: inner, calls: make(map[string]int)}
}

// Calls returns how many times op was invoked (failed or not).
func (f *FailingBackend) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *FailingBackend) pick(op string, err error) error {
	f.mu.Lock()
	f.calls[op]++
	f.mu.Unlock()
	if f.AllErr != nil {
		return f.AllErr
	}
	return err
}

func (f *FailingBackend) ZAdd(ctx context.Context, key string, score int64, member string) error {
	if err := f.pick("ZAdd", f.ZAddErr); err != nil {
		return err
	}
	return f.Backend.ZAdd(ctx, key, score, member)
}

func (f *FailingBackend) ZRemRangeByScore(ctx context.Context, key string, min, max int64) error {
	if err := f.pick("ZRemRangeByScore", f.ZRemErr); err != nil {
		return err
	}
	return f.Backend.ZRemRangeByScore(ctx, key, min, max)
}

func (f *FailingBackend) ZCard(ctx context.Context, key string) (int64, error) {
	if f.Panic {
		panic("backend exploded")
	}
	if err := f.pick("ZCard", f.ZCardErr); err != nil {
		return 0, err
	}
	return f.Backend.ZCard(ctx, key)
}

func (f *FailingBackend) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]store.ScoredMember, error) {
	if err := f.pick("ZRangeWithScores", f.ZRangeErr); err != nil {
		return nil, err
	}
	return f.Backend.ZRangeWithScores(ctx, key, start, stop)
}

func (f *FailingBackend) Get(ctx context.Context, key string) (string, error) {
	if err := f.pick("Get", f.GetErr); err != nil {
		return "", err
	}
	return f.Backend.Get(ctx, key)
}

func (f *FailingBackend) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := f.pick("Set", f.SetErr); err != nil {
		return err
	}
	return f.Backend.Set(ctx, key, value, ttl)
}

func (f *FailingBackend) Del(ctx context.Context, keys ...string) error {
	if err := f.pick("Del", f.DelErr); err != nil {
		return err
	}
	return f.Backend.Del(ctx, keys...)
}

func (f *FailingBackend) Incr(ctx context.Context, key string) (int64, error) {
	if err := f.pick("Incr", f.IncrErr); err != nil {
		return 0, err
	}
	return f.Backend.Incr(ctx, key)
}

func (f *FailingBackend) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := f.pick("Expire", f.ExpireErr); err != nil {
		return err
	}
	return f.Backend.Expire(ctx, key, ttl)
}

func (f *FailingBackend) SAdd(ctx context.Context, key string, members ...string) error {
	if err := f.pick("SAdd", f.SAddErr); err != nil {
		return err
	}
	return f.Backend.SAdd(ctx, key, members...)
}

func (f *FailingBackend) SCard(ctx context.Context, key string) (int64, error) {
	if err := f.pick("SCard", f.SCardErr); err != nil {
		return 0, err
	}
	return f.Backend.SCard(ctx, key)
}

// StaticSource is a settings.Source over a fixed tree.
// Set Err to make every GetValue fail. Calls counts GetValue invocations.
type StaticSource struct {
	Err error

	mu          sync.Mutex
	tree        map[string]any
	calls       int
	invalidated int
}

var _ settings.Source = (*StaticSource)(nil)

// NewStaticSource returns a source over tree (nil means empty).
func NewStaticSource(tree map[string]any) *StaticSource {
	if tree == nil {
		tree = map[string]any{}
	}
	return &StaticSource{tree: tree}
}

func (s *StaticSource) GetValue(_ context.Context, path string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.Err != nil {
		return nil, s.Err
	}
	v, ok := settings.Lookup(s.tree, path)
	if !ok {
		return nil, settings.ErrPathNotFound
	}
	return v, nil
}

func (s *StaticSource) Invalidate() {
	s.mu.Lock()
	s.invalidated++
	s.mu.Unlock()
}

// Set replaces the tree.
func (s *StaticSource) Set(tree map[string]any) {
	s.mu.Lock()
	s.tree = tree
	s.mu.Unlock()
}

// Calls returns how many times GetValue was called.
func (s *StaticSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Invalidated returns how many times Invalidate was called.
func (s *StaticSource) Invalidated() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invalidated
}
