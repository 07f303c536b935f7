// open.go -- Backend selection at startup.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Options selects and configures the backend built by Open.
type Options struct {
	// RedisURL is optional; empty means local-only.
	RedisURL string
	// ProbeTimeout bounds the one-time Redis ping.
	ProbeTimeout time.Duration
	// Fallback is "memory" (default) or "badger".
	Fallback string
	// BadgerDir is the badger data dir; empty keeps badger in memory.
	BadgerDir string
	// SweepInterval is how often MemoryStore removes expired keys.
	SweepInterval time.Duration
}

// Open builds the local fallback store, then probes Redis once.
// A reachable Redis yields a FallbackStore (Redis first, local on error);
// an unreachable or unconfigured Redis yields the local store alone for the
// rest of the process lifetime.
func Open(ctx context.Context, opts Options) (Backend, error) {
	local, err := openLocal(opts)
	if err != nil {
		return nil, err
	}

	if opts.RedisURL == "" {
		slog.Warn("REDIS_URL not set, using local rate limit store", "backend", local.Name())
		return local, nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, opts.ProbeTimeout)
	defer cancel()
	rdb, err := NewRedisClient(probeCtx, opts.RedisURL)
	if err != nil {
		slog.Warn("redis unreachable at startup, using local rate limit store",
			"backend", local.Name(),
			"timeout", opts.ProbeTimeout,
			"error", err)
		return local, nil
	}

	slog.Info("redis connected", "fallback", local.Name())
	return NewFallbackStore(NewRedisStore(rdb), local), nil
}

func openLocal(opts Options) (Backend, error) {
	switch opts.Fallback {
	case "", "memory":
		return NewMemoryStore(opts.SweepInterval), nil
	case "badger":
		bs, err := NewBadgerStore(opts.BadgerDir)
		if err != nil {
			return nil, fmt.Errorf("opening badger fallback: %w", err)
		}
		return bs, nil
	default:
		return nil, fmt.Errorf("unknown fallback store %q", opts.Fallback)
	}
}
