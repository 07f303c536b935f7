// memory.go -- In-process Backend used when Redis is not configured or unreachable.
//
// Mirrors the Redis semantics the rate limiter relies on. Expiry is tracked in a
// single registry keyed exactly like the data maps: one deadline per key, replaced
// on every re-write, enforced lazily on access and by one periodic sweep goroutine.
// No per-key timers exist, so nothing can fire late and clear a newer value.
package store

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/tidwall/btree"
)

// zset is a sorted set ordered by (score, member).
type zset struct {
	tree   *btree.BTreeG[ScoredMember]
	scores map[string]int64
}

func newZSet() *zset {
	less := func(a, b ScoredMember) bool {
		if a.Score != b.Score {
			return a.Score < b.Score
		}
		return a.Member < b.Member
	}
	return &zset{
		tree:   btree.NewBTreeGOptions(less, btree.Options{NoLocks: true}),
		scores: make(map[string]int64),
	}
}

// MemoryStore is a process-local Backend. Safe for concurrent use.
type MemoryStore struct {
	mu     sync.Mutex
	strs   map[string]string
	zsets  map[string]*zset
	sets   map[string]map[string]struct{}
	expiry map[string]time.Time // same keys as the data maps
	closed bool

	now  func() time.Time
	stop chan struct{}
	done chan struct{}
}

var _ Backend = (*MemoryStore)(nil)

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now; tests use it to move time without sleeping.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore returns an empty store. If sweepEvery > 0 a background
// goroutine removes expired keys on that interval until Close is called.
func NewMemoryStore(sweepEvery time.Duration, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		strs:   make(map[string]string),
		zsets:  make(map[string]*zset),
		sets:   make(map[string]map[string]struct{}),
		expiry: make(map[string]time.Time),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if sweepEvery > 0 {
		s.stop = make(chan struct{})
		s.done = make(chan struct{})
		go s.sweepLoop(sweepEvery)
	}
	return s
}

func (s *MemoryStore) sweepLoop(every time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				slog.Debug("memory store sweep", "expired", n)
			}
		case <-s.stop:
			return
		}
	}
}

// Sweep removes every expired key and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for key, at := range s.expiry {
		if !now.Before(at) {
			s.deleteLocked(key)
			n++
		}
	}
	return n
}

// ExpiryCount reports how many keys currently have a pending expiry.
func (s *MemoryStore) ExpiryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.expiry)
}

// ExpiresAt returns the pending expiry for key, if any.
func (s *MemoryStore) ExpiresAt(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.expiry[key]
	return at, ok
}

func (s *MemoryStore) Name() string { return "memory" }

func (s *MemoryStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrBackendClosed
	}
	return nil
}

// Close stops the sweeper. Further calls return ErrBackendClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	if s.stop != nil {
		close(s.stop)
		<-s.done
	}
	return nil
}

// lock acquires the mutex and evicts key if its deadline has passed.
// Caller must Unlock.
func (s *MemoryStore) lock(key string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrBackendClosed
	}
	if at, ok := s.expiry[key]; ok && !s.now().Before(at) {
		s.deleteLocked(key)
	}
	return nil
}

func (s *MemoryStore) deleteLocked(key string) {
	delete(s.strs, key)
	delete(s.zsets, key)
	delete(s.sets, key)
	delete(s.expiry, key)
}

func (s *MemoryStore) existsLocked(key string) bool {
	if _, ok := s.strs[key]; ok {
		return true
	}
	if _, ok := s.zsets[key]; ok {
		return true
	}
	_, ok := s.sets[key]
	return ok
}

// --- Sorted sets ---

func (s *MemoryStore) ZAdd(_ context.Context, key string, score int64, member string) error {
	if err := s.lock(key); err != nil {
		return err
	}
	defer s.mu.Unlock()

	z, ok := s.zsets[key]
	if !ok {
		z = newZSet()
		s.zsets[key] = z
	}
	if old, ok := z.scores[member]; ok {
		z.tree.Delete(ScoredMember{Member: member, Score: old})
	}
	z.scores[member] = score
	z.tree.Set(ScoredMember{Member: member, Score: score})
	return nil
}

func (s *MemoryStore) ZRemRangeByScore(_ context.Context, key string, min, max int64) error {
	if err := s.lock(key); err != nil {
		return err
	}
	defer s.mu.Unlock()

	z, ok := s.zsets[key]
	if !ok {
		return nil
	}
	var victims []ScoredMember
	z.tree.Ascend(ScoredMember{Score: min}, func(item ScoredMember) bool {
		if item.Score > max {
			return false
		}
		victims = append(victims, item)
		return true
	})
	for _, v := range victims {
		z.tree.Delete(v)
		delete(z.scores, v.Member)
	}
	// Redis drops empty keys along with their TTL.
	if z.tree.Len() == 0 {
		s.deleteLocked(key)
	}
	return nil
}

func (s *MemoryStore) ZCard(_ context.Context, key string) (int64, error) {
	if err := s.lock(key); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	if z, ok := s.zsets[key]; ok {
		return int64(z.tree.Len()), nil
	}
	return 0, nil
}

func (s *MemoryStore) ZRangeWithScores(_ context.Context, key string, start, stop int64) ([]ScoredMember, error) {
	if err := s.lock(key); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	z, ok := s.zsets[key]
	if !ok {
		return nil, nil
	}
	from, to, ok := normalizeRange(start, stop, int64(z.tree.Len()))
	if !ok {
		return nil, nil
	}
	out := make([]ScoredMember, 0, to-from)
	var i int64
	z.tree.Scan(func(item ScoredMember) bool {
		if i >= to {
			return false
		}
		if i >= from {
			out = append(out, item)
		}
		i++
		return true
	})
	return out, nil
}

// --- Strings ---

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	if err := s.lock(key); err != nil {
		return "", err
	}
	defer s.mu.Unlock()

	v, ok := s.strs[key]
	if !ok {
		return "", ErrKeyNotFound
	}
	return v, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	if err := s.lock(key); err != nil {
		return err
	}
	defer s.mu.Unlock()

	s.deleteLocked(key)
	s.strs[key] = value
	if ttl > 0 {
		s.expiry[key] = s.now().Add(ttl)
	}
	return nil
}

func (s *MemoryStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrBackendClosed
	}
	for _, key := range keys {
		s.deleteLocked(key)
	}
	return nil
}

func (s *MemoryStore) Incr(_ context.Context, key string) (int64, error) {
	if err := s.lock(key); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	var n int64
	if v, ok := s.strs[key]; ok {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, ErrNotInteger
		}
		n = parsed
	}
	n++
	s.strs[key] = strconv.FormatInt(n, 10)
	return n, nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	if err := s.lock(key); err != nil {
		return err
	}
	defer s.mu.Unlock()

	if !s.existsLocked(key) {
		return nil
	}
	if ttl <= 0 {
		s.deleteLocked(key)
		return nil
	}
	// Overwrites the previous deadline; a key never has more than one.
	s.expiry[key] = s.now().Add(ttl)
	return nil
}

// --- Sets ---

func (s *MemoryStore) SAdd(_ context.Context, key string, members ...string) error {
	if err := s.lock(key); err != nil {
		return err
	}
	defer s.mu.Unlock()

	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{}, len(members))
		s.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (s *MemoryStore) SCard(_ context.Context, key string) (int64, error) {
	if err := s.lock(key); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	return int64(len(s.sets[key])), nil
}
