// Package abuse scores auth requests for credential-stuffing patterns.
//
// detector.go -- Relationship sets and attempt counters behind the risk score.
// The score is advisory: callers audit and count it, they never deny on it.
package abuse

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MGallo-Code/bastion/internal/keyspace"
	"github.com/MGallo-Code/bastion/internal/policy"
	"github.com/MGallo-Code/bastion/internal/store"
)

// Flag weights. The risk score is their sum, capped at MaxRiskScore.
const (
	WeightMultiIP    = 30
	WeightMultiEmail = 30
	WeightBurst      = 40
	WeightSlowAttack = 20
	MaxRiskScore     = 100
)

// Signal is the risk assessment for one (ip, email, authType) evaluation.
type Signal struct {
	MultiIPAbuse    bool `json:"multiIPAbuse"`
	MultiEmailAbuse bool `json:"multiEmailAbuse"`
	BurstAttack     bool `json:"burstAttack"`
	SlowAttack      bool `json:"slowAttack"`
	RiskScore       int  `json:"riskScore"`
}

// Detector maintains abuse state in a Backend.
type Detector struct {
	backend store.Backend
}

// NewDetector returns a Detector over backend.
func NewDetector(backend store.Backend) *Detector {
	return &Detector{backend: backend}
}

// DetectAbuse records this attempt and scores it:
//   - IPs seen for the email >= MultiIP
//   - hashed emails seen from the IP >= MultiEmail
//   - attempts in the burst window >= Burst
//   - attempts in the slow window >= SlowAttack
//
// Any storage error yields a zero Signal.
func (d *Detector) DetectAbuse(ctx context.Context, ip, email string, authType policy.AuthType, cfg policy.AbuseConfig) Signal {
	emailHash := keyspace.HashEmail(email)
	relTTL := time.Duration(cfg.RelationshipTTLMs) * time.Millisecond

	var ipCount, emailCount, burst, slow int64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		ipCount, err = d.trackSet(gctx, keyspace.AbuseIPsForEmail(emailHash), ip, relTTL)
		return err
	})
	g.Go(func() (err error) {
		emailCount, err = d.trackSet(gctx, keyspace.AbuseEmailsForIP(ip), emailHash, relTTL)
		return err
	})
	g.Go(func() (err error) {
		burst, err = d.count(gctx, keyspace.AbuseBurst(ip, emailHash, string(authType)),
			time.Duration(cfg.BurstWindowMs)*time.Millisecond)
		return err
	})
	g.Go(func() (err error) {
		slow, err = d.count(gctx, keyspace.AbuseSlow(ip, emailHash, string(authType)),
			time.Duration(cfg.SlowWindowMs)*time.Millisecond)
		return err
	})
	if err := g.Wait(); err != nil {
		slog.Warn("abuse detection failed, scoring as clean",
			"ip", ip,
			"email", keyspace.MaskEmail(email),
			"auth_type", authType,
			"error", err,
		)
		return Signal{}
	}

	sig := Signal{
		MultiIPAbuse:    ipCount >= int64(cfg.MultiIP),
		MultiEmailAbuse: emailCount >= int64(cfg.MultiEmail),
		BurstAttack:     burst >= int64(cfg.Burst),
		SlowAttack:      slow >= int64(cfg.SlowAttack),
	}
	if sig.MultiIPAbuse {
		sig.RiskScore += WeightMultiIP
	}
	if sig.MultiEmailAbuse {
		sig.RiskScore += WeightMultiEmail
	}
	if sig.BurstAttack {
		sig.RiskScore += WeightBurst
	}
	if sig.SlowAttack {
		sig.RiskScore += WeightSlowAttack
	}
	sig.RiskScore = min(sig.RiskScore, MaxRiskScore)
	return sig
}

// trackSet adds member to the set at key, refreshes its TTL and returns its size.
func (d *Detector) trackSet(ctx context.Context, key, member string, ttl time.Duration) (int64, error) {
	if err := d.backend.SAdd(ctx, key, member); err != nil {
		return 0, fmt.Errorf("tracking %s: %w", key, err)
	}
	if err := d.backend.Expire(ctx, key, ttl); err != nil {
		return 0, fmt.Errorf("expiring %s: %w", key, err)
	}
	n, err := d.backend.SCard(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("counting %s: %w", key, err)
	}
	return n, nil
}

// count increments a fixed-window counter. The window starts at the first hit.
func (d *Detector) count(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := d.backend.Incr(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("incrementing %s: %w", key, err)
	}
	if n == 1 {
		if err := d.backend.Expire(ctx, key, window); err != nil {
			return 0, fmt.Errorf("expiring %s: %w", key, err)
		}
	}
	return n, nil
}
