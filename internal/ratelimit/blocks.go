// blocks.go -- Punitive block records with progressive durations.
package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/MGallo-Code/bastion/internal/keyspace"
	"github.com/MGallo-Code/bastion/internal/policy"
	"github.com/MGallo-Code/bastion/internal/store"
)

// DefaultOffenseHorizon is how long offense history outlives the block that
// produced it. A new block inside the horizon escalates from the recorded count.
const DefaultOffenseHorizon = 24 * time.Hour

// BlockRecord is the stored shape of a block. ExpiresAt is nil iff the block
// is permanent; otherwise ExpiresAt > BlockedAt. Times are epoch ms.
type BlockRecord struct {
	BlockedAt    int64  `json:"blockedAt"`
	ExpiresAt    *int64 `json:"expiresAt"`
	OffenseCount int    `json:"offenseCount"`
}

// Permanent reports whether the record never expires.
func (r BlockRecord) Permanent() bool { return r.ExpiresAt == nil }

// BlockStatus is the result of IsBlocked. RemainingMs is nil for permanent
// blocks and for keys that are not blocked.
type BlockStatus struct {
	Blocked      bool   `json:"blocked"`
	Permanent    bool   `json:"permanent"`
	ExpiresAt    *int64 `json:"expiresAt,omitempty"`
	RemainingMs  *int64 `json:"remainingMs,omitempty"`
	OffenseCount int    `json:"offenseCount,omitempty"`
}

// RetryAfterSeconds is the remaining block time rounded up; 0 when permanent
// or not blocked.
func (s BlockStatus) RetryAfterSeconds() int64 {
	if s.RemainingMs == nil {
		return 0
	}
	return ceilSeconds(*s.RemainingMs)
}

// RetryAfterMinutes is the remaining block time rounded up to minutes.
func (s BlockStatus) RetryAfterMinutes() int64 {
	if s.RemainingMs == nil || *s.RemainingMs <= 0 {
		return 0
	}
	return (*s.RemainingMs + 59999) / 60000
}

// BlockStore persists BlockRecords as JSON strings next to an offense history
// counter ({blockKey}:offenses) that survives the block itself.
type BlockStore struct {
	backend store.Backend
	now     func() time.Time
	horizon time.Duration
}

// NewBlockStore returns a BlockStore over backend. A nil now uses time.Now.
func NewBlockStore(backend store.Backend, now func() time.Time) *BlockStore {
	if now == nil {
		now = time.Now
	}
	return &BlockStore{backend: backend, now: now, horizon: DefaultOffenseHorizon}
}

// WithHorizon sets how long offense history is kept after a block expires.
func (b *BlockStore) WithHorizon(d time.Duration) *BlockStore {
	b.horizon = d
	return b
}

func (b *BlockStore) load(ctx context.Context, key string) (*BlockRecord, error) {
	raw, err := b.backend.Get(ctx, key)
	if errors.Is(err, store.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading block record: %w", err)
	}
	var rec BlockRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decoding block record: %w", err)
	}
	return &rec, nil
}

// IsBlocked reports the block state for key. An expired record is deleted
// on read, so backends without reliable eviction still unblock on time.
func (b *BlockStore) IsBlocked(ctx context.Context, key string) (BlockStatus, error) {
	rec, err := b.load(ctx, key)
	if err != nil || rec == nil {
		return BlockStatus{}, err
	}
	if rec.Permanent() {
		return BlockStatus{Blocked: true, Permanent: true, OffenseCount: rec.OffenseCount}, nil
	}

	now := b.now().UnixMilli()
	if now > *rec.ExpiresAt {
		if err := b.backend.Del(ctx, key); err != nil {
			return BlockStatus{}, fmt.Errorf("deleting expired block: %w", err)
		}
		return BlockStatus{}, nil
	}
	remaining := *rec.ExpiresAt - now
	return BlockStatus{
		Blocked:      true,
		ExpiresAt:    rec.ExpiresAt,
		RemainingMs:  &remaining,
		OffenseCount: rec.OffenseCount,
	}, nil
}

// SetBlock writes a block for the given offense (1-based) using the ladder
// rung min(offense-1, len-1). The key's expiry is replaced, not stacked: a
// shorter earlier block can never clear this one.
func (b *BlockStore) SetBlock(ctx context.Context, key string, offense int, ladder policy.Ladder) (BlockRecord, error) {
	if offense < 1 {
		offense = 1
	}
	if len(ladder) == 0 {
		ladder = policy.DefaultLadder()
	}
	d, permanent := ladder.For(offense)

	now := b.now().UnixMilli()
	rec := BlockRecord{BlockedAt: now, OffenseCount: offense}
	var ttl time.Duration
	if !permanent {
		exp := now + d.Milliseconds()
		rec.ExpiresAt = &exp
		ttl = d
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return BlockRecord{}, fmt.Errorf("encoding block record: %w", err)
	}
	if err := b.backend.Set(ctx, key, string(raw), ttl); err != nil {
		return BlockRecord{}, fmt.Errorf("writing block record: %w", err)
	}

	historyTTL := time.Duration(0)
	if !permanent {
		historyTTL = d + b.horizon
	}
	if err := b.backend.Set(ctx, keyspace.OffenseKey(key), strconv.Itoa(offense), historyTTL); err != nil {
		return BlockRecord{}, fmt.Errorf("writing offense history: %w", err)
	}
	return rec, nil
}

// OffenseCount returns the highest offense recorded for key, from the live
// record or the history that outlives it. 0 means never blocked.
func (b *BlockStore) OffenseCount(ctx context.Context, key string) (int, error) {
	count := 0
	rec, err := b.load(ctx, key)
	if err != nil {
		return 0, err
	}
	if rec != nil {
		count = rec.OffenseCount
	}

	raw, err := b.backend.Get(ctx, keyspace.OffenseKey(key))
	switch {
	case errors.Is(err, store.ErrKeyNotFound):
	case err != nil:
		return 0, fmt.Errorf("reading offense history: %w", err)
	default:
		if n, convErr := strconv.Atoi(raw); convErr == nil && n > count {
			count = n
		}
	}
	return count, nil
}

// Clear removes the active block. Offense history is kept.
func (b *BlockStore) Clear(ctx context.Context, key string) error {
	if err := b.backend.Del(ctx, key); err != nil {
		return fmt.Errorf("clearing block: %w", err)
	}
	return nil
}

// ClearHistory removes the active block and its offense history.
func (b *BlockStore) ClearHistory(ctx context.Context, key string) error {
	if err := b.backend.Del(ctx, key, keyspace.OffenseKey(key)); err != nil {
		return fmt.Errorf("clearing offense history: %w", err)
	}
	return nil
}
