// engine.go -- Global policy engine: scoped limits that fail closed.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MGallo-Code/bastion/internal/keyspace"
	"github.com/MGallo-Code/bastion/internal/policy"
	"github.com/MGallo-Code/bastion/internal/settings"
	"github.com/MGallo-Code/bastion/internal/store"
)

// Reason explains a Result. Empty on a plain allow.
type Reason string

const (
	ReasonExceeded     Reason = "rate_limit_exceeded"
	ReasonBlocked      Reason = "blocked"
	ReasonInvalidScope Reason = "invalid_scope"
	ReasonError        Reason = "rate_limit_error"
	ReasonDisabled     Reason = "disabled"
)

// Result is the decision returned by CheckRateLimit.
// RetryAfterSeconds is nil when unknown or when the block is permanent.
type Result struct {
	Allowed           bool           `json:"allowed"`
	Reason            Reason         `json:"reason,omitempty"`
	RetryAfterSeconds *int64         `json:"retry_after_seconds,omitempty"`
	OffenseCount      int            `json:"offense_count,omitempty"`
	Permanent         bool           `json:"permanent,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// Status is the read-only view returned by GetRateLimitStatus.
type Status struct {
	Scope     string      `json:"scope"`
	Current   int64       `json:"current"`
	Max       int         `json:"max"`
	WindowMs  int64       `json:"windowMs"`
	Remaining int64       `json:"remaining"`
	Enabled   bool        `json:"enabled"`
	ResetAt   *time.Time  `json:"resetAt,omitempty"`
	Block     BlockStatus `json:"block"`
}

// ErrInvalidScope is returned by the admin operations for unknown scopes.
var ErrInvalidScope = errors.New("invalid scope")

// DecisionObserver counts engine outcomes. Implemented by *metrics.Metrics.
type DecisionObserver interface {
	ObserveDecision(scope, outcome string)
}

// Engine decides (scope, key) requests against the scope table.
// CheckRateLimit never returns an error: backend failures deny.
type Engine struct {
	window    *Window
	blocks    *BlockStore
	scopes    *settings.Cached[policy.Scopes]
	ladder    *settings.Cached[policy.Ladder]
	decisions DecisionObserver
}

// Option configures an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	now       func() time.Time
	decisions DecisionObserver
}

// WithClock replaces time.Now for the window and block store.
func WithClock(now func() time.Time) Option {
	return func(o *engineOptions) { o.now = now }
}

// WithDecisionObserver reports every decision to obs.
func WithDecisionObserver(obs DecisionObserver) Option {
	return func(o *engineOptions) { o.decisions = obs }
}

// NewEngine builds an Engine over backend. Scope config and the block
// ladder are read from src and cached for cacheTTL; a nil src uses the
// built-in defaults.
func NewEngine(backend store.Backend, src settings.Source, cacheTTL time.Duration, opts ...Option) *Engine {
	o := engineOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	loadScopes := func(ctx context.Context) (policy.Scopes, error) {
		if src == nil {
			return policy.DefaultScopes(), nil
		}
		return settings.LoadScopes(ctx, src)
	}
	loadLadder := func(ctx context.Context) (policy.Ladder, error) {
		if src == nil {
			return policy.DefaultLadder(), nil
		}
		return settings.LoadLadder(ctx, src)
	}

	return &Engine{
		window:    NewWindow(backend, o.now),
		blocks:    NewBlockStore(backend, o.now),
		scopes:    settings.NewCached("rate_limit.scopes", cacheTTL, loadScopes, policy.DefaultScopes).WithClock(o.now),
		ladder:    settings.NewCached("rate_limit.ladder", cacheTTL, loadLadder, policy.DefaultLadder).WithClock(o.now),
		decisions: o.decisions,
	}
}

// Blocks exposes the engine's block store for admin tooling.
func (e *Engine) Blocks() *BlockStore { return e.blocks }

// Config returns the effective config for scope. ok is false when the scope
// is not configured anywhere, defaults included.
func (e *Engine) Config(ctx context.Context, scope string) (policy.ScopeConfig, bool) {
	cfg, ok := e.scopes.Get(ctx)[scope]
	return cfg, ok
}

// Scopes returns the effective scope table.
func (e *Engine) Scopes(ctx context.Context) policy.Scopes {
	return e.scopes.Get(ctx)
}

// Ladder returns the effective progressive block ladder.
func (e *Engine) Ladder(ctx context.Context) policy.Ladder {
	return e.ladder.Get(ctx)
}

// InvalidateConfig drops cached scope config and ladder.
func (e *Engine) InvalidateConfig() {
	e.scopes.Invalidate()
	e.ladder.Invalidate()
}

func (e *Engine) observe(scope string, res Result) {
	if e.decisions == nil {
		return
	}
	outcome := "allowed"
	if !res.Allowed {
		outcome = string(res.Reason)
	}
	e.decisions.ObserveDecision(scope, outcome)
}

func errorResult(scope string, err error) Result {
	return Result{
		Allowed:  false,
		Reason:   ReasonError,
		Metadata: map[string]any{"scope": scope, "error": err.Error()},
	}
}

// CheckRateLimit decides one request for (scope, key) and consumes window
// capacity when allowed. Order: scope lookup, enabled flag, block check,
// window check. A window deny on a scope with blockDurationMs > 0 also
// escalates a progressive block. Any error or panic denies with
// rate_limit_error.
func (e *Engine) CheckRateLimit(ctx context.Context, scope, key string, meta map[string]any) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("rate limit check panicked",
				"scope", scope,
				"key", keyspace.MaskKey(key),
				"panic", r,
			)
			res = errorResult(scope, fmt.Errorf("panic: %v", r))
		}
		e.observe(scope, res)
	}()

	cfg, ok := e.Config(ctx, scope)
	if !ok {
		slog.Error("rate limit check for unknown scope", "scope", scope)
		return Result{Allowed: false, Reason: ReasonInvalidScope, Metadata: map[string]any{"scope": scope}}
	}
	if !cfg.IsEnabled() {
		return Result{Allowed: true, Reason: ReasonDisabled, Metadata: map[string]any{"scope": scope, "rate_limit_disabled": true}}
	}

	blockKey := keyspace.BlockKey(scope, key)
	status, err := e.blocks.IsBlocked(ctx, blockKey)
	if err != nil {
		return e.failClosed(scope, key, meta, err)
	}
	if status.Blocked {
		return blockedResult(scope, status)
	}

	decision, err := e.window.CheckAndConsume(ctx, keyspace.WindowKey(scope, key), cfg.Max, cfg.Window())
	if err != nil {
		return e.failClosed(scope, key, meta, err)
	}
	if decision.Allowed {
		return Result{Allowed: true, Metadata: map[string]any{"scope": scope, "rate_limit_ok": true}}
	}

	logAttrs := []any{"scope", scope, "key", keyspace.MaskKey(key)}
	for k, v := range meta {
		logAttrs = append(logAttrs, k, v)
	}
	slog.Info("rate limit exceeded", logAttrs...)

	retry := decision.RetryAfterSeconds
	res = Result{
		Allowed:           false,
		Reason:            ReasonExceeded,
		RetryAfterSeconds: &retry,
		Metadata: map[string]any{
			"scope":     scope,
			"limit":     cfg.Max,
			"window_ms": cfg.WindowMs,
		},
	}
	if cfg.BlockDurationMs > 0 {
		e.escalate(ctx, scope, key, blockKey, &res)
	}
	return res
}

// escalate sets the next progressive block for blockKey and folds it into res.
// Failures are logged; the request is already denied.
func (e *Engine) escalate(ctx context.Context, scope, key, blockKey string, res *Result) {
	prior, err := e.blocks.OffenseCount(ctx, blockKey)
	if err != nil {
		slog.Warn("reading offense count failed", "scope", scope, "key", keyspace.MaskKey(key), "error", err)
		return
	}
	rec, err := e.blocks.SetBlock(ctx, blockKey, prior+1, e.ladder.Get(ctx))
	if err != nil {
		slog.Warn("setting progressive block failed", "scope", scope, "key", keyspace.MaskKey(key), "error", err)
		return
	}

	res.OffenseCount = rec.OffenseCount
	if rec.Permanent() {
		res.Permanent = true
		res.RetryAfterSeconds = nil
	} else {
		retry := ceilSeconds(*rec.ExpiresAt - rec.BlockedAt)
		if res.RetryAfterSeconds == nil || retry > *res.RetryAfterSeconds {
			res.RetryAfterSeconds = &retry
		}
	}
	slog.Warn("progressive block set",
		"scope", scope,
		"key", keyspace.MaskKey(key),
		"offense_count", rec.OffenseCount,
		"permanent", rec.Permanent(),
	)
}

func blockedResult(scope string, status BlockStatus) Result {
	res := Result{
		Allowed:      false,
		Reason:       ReasonBlocked,
		OffenseCount: status.OffenseCount,
		Permanent:    status.Permanent,
		Metadata:     map[string]any{"scope": scope},
	}
	if !status.Permanent {
		retry := status.RetryAfterSeconds()
		res.RetryAfterSeconds = &retry
	}
	return res
}

func (e *Engine) failClosed(scope, key string, meta map[string]any, err error) Result {
	attrs := []any{"scope", scope, "key", keyspace.MaskKey(key), "error", err}
	for k, v := range meta {
		attrs = append(attrs, k, v)
	}
	slog.Error("rate limit check failed, denying", attrs...)
	return errorResult(scope, err)
}

// IncrementRateLimit records one hit for (scope, key) without a capacity
// check, for flows that count only after seeing the outcome. Failures are
// logged and swallowed.
func (e *Engine) IncrementRateLimit(ctx context.Context, scope, key string, meta map[string]any) {
	cfg, ok := e.Config(ctx, scope)
	if !ok {
		slog.Warn("increment for unknown scope ignored", "scope", scope)
		return
	}
	if err := e.window.Record(ctx, keyspace.WindowKey(scope, key), cfg.Window()); err != nil {
		attrs := []any{"scope", scope, "key", keyspace.MaskKey(key), "error", err}
		for k, v := range meta {
			attrs = append(attrs, k, v)
		}
		slog.Error("incrementing rate limit failed", attrs...)
	}
}

// GetRateLimitStatus returns the current count, remaining capacity and block
// state for (scope, key). Expired entries are pruned as a side effect.
func (e *Engine) GetRateLimitStatus(ctx context.Context, scope, key string) (Status, error) {
	cfg, ok := e.Config(ctx, scope)
	if !ok {
		return Status{}, ErrInvalidScope
	}
	windowKey := keyspace.WindowKey(scope, key)
	count, err := e.window.Count(ctx, windowKey, cfg.Window())
	if err != nil {
		return Status{}, err
	}
	block, err := e.blocks.IsBlocked(ctx, keyspace.BlockKey(scope, key))
	if err != nil {
		return Status{}, err
	}

	st := Status{
		Scope:     scope,
		Current:   count,
		Max:       cfg.Max,
		WindowMs:  cfg.WindowMs,
		Remaining: max(0, int64(cfg.Max)-count),
		Enabled:   cfg.IsEnabled(),
		Block:     block,
	}
	if oldest, ok, err := e.window.Oldest(ctx, windowKey); err == nil && ok {
		reset := time.UnixMilli(oldest + cfg.WindowMs).UTC()
		st.ResetAt = &reset
	}
	return st, nil
}

// ClearRateLimit deletes the window and any active block for (scope, key).
// Offense history is kept unless clearHistory is set.
func (e *Engine) ClearRateLimit(ctx context.Context, scope, key string, clearHistory bool) error {
	if _, ok := e.Config(ctx, scope); !ok {
		return ErrInvalidScope
	}
	if err := e.window.Reset(ctx, keyspace.WindowKey(scope, key)); err != nil {
		return err
	}
	blockKey := keyspace.BlockKey(scope, key)
	del := e.blocks.Clear
	if clearHistory {
		del = e.blocks.ClearHistory
	}
	if err := del(ctx, blockKey); err != nil {
		return err
	}
	slog.Info("rate limit cleared", "scope", scope, "key", keyspace.MaskKey(key), "history", clearHistory)
	return nil
}
