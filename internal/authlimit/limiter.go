// Package authlimit limits authentication attempts per IP and per account.
//
// limiter.go -- HTTP middleware wrapped around the auth endpoints.
// Unlike the policy engine it fails open: a storage error lets the
// attempt through, it never locks users out.
package authlimit

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MGallo-Code/bastion/internal/abuse"
	"github.com/MGallo-Code/bastion/internal/audit"
	"github.com/MGallo-Code/bastion/internal/keyspace"
	"github.com/MGallo-Code/bastion/internal/policy"
	"github.com/MGallo-Code/bastion/internal/ratelimit"
	"github.com/MGallo-Code/bastion/internal/reqlog"
	"github.com/MGallo-Code/bastion/internal/settings"
	"github.com/MGallo-Code/bastion/internal/store"
)

// Counters receives the auth limiter's metrics. Implemented by *metrics.Metrics.
type Counters interface {
	IncRateLimitHits()
	IncBlocksActive()
	DecBlocksActive()
	IncAbuseEvents()
}

type noCounters struct{}

func (noCounters) IncRateLimitHits() {}
func (noCounters) IncBlocksActive() {}
func (noCounters) DecBlocksActive() {}
func (noCounters) IncAbuseEvents() {}

// Config wires a Limiter. Backend is required; everything else has a default.
type Config struct {
	Backend  store.Backend
	Settings settings.Source // nil uses built-in policies
	CacheTTL time.Duration
	Detector *abuse.Detector // nil disables abuse detection
	Audit    *audit.Emitter
	Metrics  Counters
	Now      func() time.Time
}

// Limiter tracks failed auth attempts and applies progressive blocks.
type Limiter struct {
	window   *ratelimit.Window
	blocks   *ratelimit.BlockStore
	detector *abuse.Detector
	audit    *audit.Emitter
	metrics  Counters
	now      func() time.Time

	authCfg  *settings.Cached[policy.AuthConfig]
	ladder   *settings.Cached[policy.Ladder]
	abuseCfg *settings.Cached[policy.AbuseConfig]
}

// New builds a Limiter from cfg.
func New(cfg Config) *Limiter {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.NewEmitter(nil)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noCounters{}
	}
	src := cfg.Settings

	loadAuth := func(ctx context.Context) (policy.AuthConfig, error) {
		if src == nil {
			return policy.DefaultAuthConfig(), nil
		}
		return settings.LoadAuthConfig(ctx, src)
	}
	loadLadder := func(ctx context.Context) (policy.Ladder, error) {
		if src == nil {
			return policy.DefaultLadder(), nil
		}
		return settings.LoadLadder(ctx, src)
	}
	loadAbuse := func(ctx context.Context) (policy.AbuseConfig, error) {
		if src == nil {
			return policy.DefaultAbuseConfig(), nil
		}
		return settings.LoadAbuseConfig(ctx, src)
	}

	return &Limiter{
		window:   ratelimit.NewWindow(cfg.Backend, cfg.Now),
		blocks:   ratelimit.NewBlockStore(cfg.Backend, cfg.Now),
		detector: cfg.Detector,
		audit:    cfg.Audit,
		metrics:  cfg.Metrics,
		now:      cfg.Now,
		authCfg:  settings.NewCached("rate_limit.auth", cfg.CacheTTL, loadAuth, policy.DefaultAuthConfig).WithClock(cfg.Now),
		ladder:   settings.NewCached("rate_limit.auth.block_durations", cfg.CacheTTL, loadLadder, policy.DefaultLadder).WithClock(cfg.Now),
		abuseCfg: settings.NewCached("abuse_detection", cfg.CacheTTL, loadAbuse, policy.DefaultAbuseConfig).WithClock(cfg.Now),
	}
}

// InvalidateConfig drops the cached auth policies, ladder and thresholds.
func (l *Limiter) InvalidateConfig() {
	l.authCfg.Invalidate()
	l.ladder.Invalidate()
	l.abuseCfg.Invalidate()
}

// attempt is everything the limiter knows about one auth request.
type attempt struct {
	ip        string
	email     string
	authType  policy.AuthType
	cfg       policy.AuthTypeConfig
	requestID string

	ipAttempts    string
	emailAttempts string
	ipBlock       string
	emailBlock    string
}

func newAttempt(r *http.Request, email string, authType policy.AuthType, cfg policy.AuthTypeConfig) *attempt {
	ip := clientIP(r)
	hash := keyspace.HashEmail(email)
	t := string(authType)
	return &attempt{
		ip:            ip,
		email:         email,
		authType:      authType,
		cfg:           cfg,
		requestID:     requestID(r),
		ipAttempts:    keyspace.AuthAttemptsIP(t, ip),
		emailAttempts: keyspace.AuthAttemptsEmail(t, hash),
		ipBlock:       keyspace.AuthBlockIP(t, ip),
		emailBlock:    keyspace.AuthBlockEmail(t, hash),
	}
}

func (a *attempt) event(name string, fields map[string]any) audit.Event {
	return audit.Event{
		Name:      name,
		IP:        a.ip,
		Email:     a.email,
		AuthType:  string(a.authType),
		RequestID: a.requestID,
		Fields:    fields,
	}
}

// Middleware limits auth attempts. Requests without an email or username
// in the body pass straight through, as does everything while
// rate_limit.auth.enabled is false.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		authCfg := l.authCfg.Get(ctx)
		if !authCfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		fields, err := readBody(r)
		if err != nil {
			reqlog.Warn(r, "auth limiter: body read failed, failing open", "error", err)
			next.ServeHTTP(w, r)
			return
		}
		email := accountFrom(fields)
		if email == "" {
			next.ServeHTTP(w, r)
			return
		}

		authType := detectAuthType(r.URL.Path, fields)
		a := newAttempt(r, email, authType, authCfg.For(authType))

		// Abuse scoring runs alongside the block lookups.
		var (
			signal             abuse.Signal
			ipStatus, emStatus ratelimit.BlockStatus
		)
		g, gctx := errgroup.WithContext(ctx)
		if abuseCfg, ok := l.abuseConfig(ctx); ok {
			g.Go(func() error {
				signal = l.detector.DetectAbuse(gctx, a.ip, a.email, a.authType, abuseCfg)
				return nil
			})
		}
		g.Go(func() (err error) {
			ipStatus, err = l.blocks.IsBlocked(gctx, a.ipBlock)
			return err
		})
		g.Go(func() (err error) {
			emStatus, err = l.blocks.IsBlocked(gctx, a.emailBlock)
			return err
		})
		if err := g.Wait(); err != nil {
			reqlog.Warn(r, "auth limiter: block check failed, failing open", "error", err)
			next.ServeHTTP(w, r)
			return
		}
		l.reportAbuse(r, a, signal)

		switch {
		case ipStatus.Blocked:
			l.refuse(w, r, a, ipStatus, "ip")
			return
		case emStatus.Blocked:
			l.refuse(w, r, a, emStatus, "email")
			return
		}

		ipCount, emCount, err := l.counts(ctx, a)
		if err != nil {
			reqlog.Warn(r, "auth limiter: attempt count failed, failing open", "error", err)
			next.ServeHTTP(w, r)
			return
		}
		if int(max(ipCount, emCount)) >= a.cfg.MaxAttempts {
			if l.deny(w, r, a) {
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		buf := newBufferedResponse()
		next.ServeHTTP(buf, r)

		switch {
		case isFailure(buf.status, buf.body.Bytes()):
			if l.afterFailure(w, r, a) {
				return
			}
		case isSuccess(buf.status):
			l.afterSuccess(r, a)
		}
		buf.flush(w)
	})
}

// refuse answers a request that hit an existing block.
func (l *Limiter) refuse(w http.ResponseWriter, r *http.Request, a *attempt, st ratelimit.BlockStatus, source string) {
	reqlog.Info(r, "auth attempt refused: blocked",
		"source", source, "auth_type", a.authType, "offense", st.OffenseCount, "permanent", st.Permanent)
	l.audit.Emit(r.Context(), a.event(audit.EventRateLimitBlocked, map[string]any{
		"reason":       source + "_blocked",
		"offenseCount": st.OffenseCount,
		"permanent":    st.Permanent,
	}))
	BlockedResponse(w, st, source)
}

// deny handles a request that arrives with the attempt budget already spent.
// Returns false when the limiter failed and the request should go through.
func (l *Limiter) deny(w http.ResponseWriter, r *http.Request, a *attempt) bool {
	if a.cfg.BlockDurationMs <= 0 {
		// Blocking disabled for this type: refuse until the window drains.
		retry, err := l.windowRetry(r.Context(), a)
		if err != nil {
			reqlog.Warn(r, "auth limiter: retry lookup failed, failing open", "error", err)
			return false
		}
		l.metrics.IncRateLimitHits()
		l.audit.Emit(r.Context(), a.event(audit.EventRateLimitHit, map[string]any{"maxAttempts": a.cfg.MaxAttempts}))
		minutes := (retry + 59) / 60
		writeLimit(w, limitBody{Error: msgTooManyAttempts, Message: msgWait, RetryAfter: &minutes}, retry)
		return true
	}

	rec, err := l.escalate(r, a)
	if err != nil {
		reqlog.Warn(r, "auth limiter: escalation failed, failing open", "error", err)
		return false
	}
	EscalatedResponse(w, rec)
	return true
}

// afterFailure counts a failed attempt and blocks once the budget is spent.
// Returns true when it wrote a 429 in place of the downstream response.
func (l *Limiter) afterFailure(w http.ResponseWriter, r *http.Request, a *attempt) bool {
	ctx := r.Context()
	window := a.cfg.Window()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return l.window.Record(gctx, a.ipAttempts, window) })
	g.Go(func() error { return l.window.Record(gctx, a.emailAttempts, window) })
	if err := g.Wait(); err != nil {
		reqlog.Warn(r, "auth limiter: failed to record attempt", "error", err)
		return false
	}
	if abuseCfg, ok := l.abuseConfig(ctx); ok {
		l.reportAbuse(r, a, l.detector.DetectAbuse(ctx, a.ip, a.email, a.authType, abuseCfg))
	}

	ipCount, emCount, err := l.counts(ctx, a)
	if err != nil {
		reqlog.Warn(r, "auth limiter: attempt count failed", "error", err)
		return false
	}
	reqlog.Debug(r, "auth attempt failed", "auth_type", a.authType, "ip_attempts", ipCount, "email_attempts", emCount)

	if int(max(ipCount, emCount)) < a.cfg.MaxAttempts || a.cfg.BlockDurationMs <= 0 {
		return false
	}
	rec, err := l.escalate(r, a)
	if err != nil {
		reqlog.Warn(r, "auth limiter: escalation failed", "error", err)
		return false
	}
	EscalatedResponse(w, rec)
	return true
}

// afterSuccess resets the attempt counters. A block set by a concurrent
// attempt is lifted too; the offense history stays so the next block
// still escalates.
func (l *Limiter) afterSuccess(r *http.Request, a *attempt) {
	ctx := r.Context()

	wasBlocked := false
	for _, key := range []string{a.ipBlock, a.emailBlock} {
		st, err := l.blocks.IsBlocked(ctx, key)
		if err != nil {
			reqlog.Warn(r, "auth limiter: block check after success failed", "error", err)
			return
		}
		wasBlocked = wasBlocked || st.Blocked
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return l.window.Reset(gctx, a.ipAttempts) })
	g.Go(func() error { return l.window.Reset(gctx, a.emailAttempts) })
	g.Go(func() error { return l.blocks.Clear(gctx, a.ipBlock) })
	g.Go(func() error { return l.blocks.Clear(gctx, a.emailBlock) })
	if err := g.Wait(); err != nil {
		reqlog.Warn(r, "auth limiter: reset after success failed", "error", err)
		return
	}

	if wasBlocked {
		l.metrics.DecBlocksActive()
		l.audit.Emit(ctx, a.event(audit.EventRateLimitUnblocked, map[string]any{"reason": "successful_auth"}))
		reqlog.Info(r, "auth block lifted after successful login", "auth_type", a.authType)
	}
}

// escalate blocks both the IP and the account at their next ladder rung
// and returns the longer of the two blocks.
func (l *Limiter) escalate(r *http.Request, a *attempt) (ratelimit.BlockRecord, error) {
	ctx := r.Context()
	ladder := l.ladder.Get(ctx)

	var ipOffense, emOffense int
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		ipOffense, err = l.blocks.OffenseCount(gctx, a.ipBlock)
		return err
	})
	g.Go(func() (err error) {
		emOffense, err = l.blocks.OffenseCount(gctx, a.emailBlock)
		return err
	})
	if err := g.Wait(); err != nil {
		return ratelimit.BlockRecord{}, err
	}

	var ipRec, emRec ratelimit.BlockRecord
	g, gctx = errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		ipRec, err = l.blocks.SetBlock(gctx, a.ipBlock, ipOffense+1, ladder)
		return err
	})
	g.Go(func() (err error) {
		emRec, err = l.blocks.SetBlock(gctx, a.emailBlock, emOffense+1, ladder)
		return err
	})
	if err := g.Wait(); err != nil {
		return ratelimit.BlockRecord{}, err
	}

	rec := ipRec
	if emRec.OffenseCount > ipRec.OffenseCount {
		rec = emRec
	}

	l.metrics.IncRateLimitHits()
	l.metrics.IncBlocksActive()
	l.audit.Emit(ctx, a.event(audit.EventRateLimitHit, map[string]any{
		"maxAttempts": a.cfg.MaxAttempts,
		"windowMs":    a.cfg.WindowMs,
	}))
	l.audit.Emit(ctx, a.event(audit.EventRateLimitBlocked, map[string]any{
		"reason":       "max_attempts_exceeded",
		"offenseCount": rec.OffenseCount,
		"permanent":    rec.Permanent(),
		"expiresAt":    rec.ExpiresAt,
	}))
	reqlog.Warn(r, "auth attempts exceeded, blocking",
		"auth_type", a.authType, "offense", rec.OffenseCount, "permanent", rec.Permanent())
	return rec, nil
}

// abuseConfig returns the detector thresholds, or false when abuse scoring
// is off (no detector, or abuse_detection.enabled is false).
func (l *Limiter) abuseConfig(ctx context.Context) (policy.AbuseConfig, bool) {
	if l.detector == nil {
		return policy.AbuseConfig{}, false
	}
	cfg := l.abuseCfg.Get(ctx)
	return cfg, cfg.Enabled
}

// reportAbuse audits a signal at or above the risk threshold. Advisory only.
func (l *Limiter) reportAbuse(r *http.Request, a *attempt, sig abuse.Signal) {
	threshold := l.abuseCfg.Get(r.Context()).RiskThreshold
	if sig.RiskScore == 0 || sig.RiskScore < threshold {
		return
	}
	l.metrics.IncAbuseEvents()
	l.audit.Emit(r.Context(), a.event(audit.EventAbuseDetected, map[string]any{
		"riskScore":       sig.RiskScore,
		"multiIPAbuse":    sig.MultiIPAbuse,
		"multiEmailAbuse": sig.MultiEmailAbuse,
		"burstAttack":     sig.BurstAttack,
		"slowAttack":      sig.SlowAttack,
	}))
	reqlog.Warn(r, "auth abuse detected", "auth_type", a.authType, "risk_score", sig.RiskScore)
}

func (l *Limiter) counts(ctx context.Context, a *attempt) (ipCount, emCount int64, err error) {
	window := a.cfg.Window()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		ipCount, err = l.window.Count(gctx, a.ipAttempts, window)
		return err
	})
	g.Go(func() (err error) {
		emCount, err = l.window.Count(gctx, a.emailAttempts, window)
		return err
	})
	err = g.Wait()
	return ipCount, emCount, err
}

// windowRetry is the seconds until the oldest counted attempt leaves the window.
func (l *Limiter) windowRetry(ctx context.Context, a *attempt) (int64, error) {
	oldest := l.now().UnixMilli()
	for _, key := range []string{a.ipAttempts, a.emailAttempts} {
		ms, ok, err := l.window.Oldest(ctx, key)
		if err != nil {
			return 0, err
		}
		if ok && ms < oldest {
			oldest = ms
		}
	}
	remaining := max(0, oldest+a.cfg.WindowMs-l.now().UnixMilli())
	return max(1, (remaining+999)/1000), nil
}

// --- Admin ---

// AttemptStatus is the admin view of one (ip, email, authType) tuple.
type AttemptStatus struct {
	AuthType      policy.AuthType       `json:"authType"`
	IPAttempts    int64                 `json:"ipAttempts"`
	EmailAttempts int64                 `json:"emailAttempts"`
	MaxAttempts   int                   `json:"maxAttempts"`
	IPBlock       ratelimit.BlockStatus `json:"ipBlock"`
	EmailBlock    ratelimit.BlockStatus `json:"emailBlock"`
}

// Status reports attempts and blocks for ip and email. An empty authType
// reports every auth type.
func (l *Limiter) Status(ctx context.Context, ip, email string, authType policy.AuthType) ([]AttemptStatus, error) {
	var out []AttemptStatus
	cfg := l.authCfg.Get(ctx)
	for _, t := range typesFor(authType) {
		a := &attempt{ip: ip, email: email, authType: t, cfg: cfg.For(t)}
		hash := keyspace.HashEmail(email)
		a.ipAttempts = keyspace.AuthAttemptsIP(string(t), ip)
		a.emailAttempts = keyspace.AuthAttemptsEmail(string(t), hash)
		a.ipBlock = keyspace.AuthBlockIP(string(t), ip)
		a.emailBlock = keyspace.AuthBlockEmail(string(t), hash)

		ipCount, emCount, err := l.counts(ctx, a)
		if err != nil {
			return nil, err
		}
		ipStatus, err := l.blocks.IsBlocked(ctx, a.ipBlock)
		if err != nil {
			return nil, err
		}
		emStatus, err := l.blocks.IsBlocked(ctx, a.emailBlock)
		if err != nil {
			return nil, err
		}
		out = append(out, AttemptStatus{
			AuthType:      t,
			IPAttempts:    ipCount,
			EmailAttempts: emCount,
			MaxAttempts:   a.cfg.MaxAttempts,
			IPBlock:       ipStatus,
			EmailBlock:    emStatus,
		})
	}
	return out, nil
}

// Unblock clears attempts, blocks and offense history for ip and email.
// Either may be empty. An empty authType clears every auth type.
// Returns the number of active blocks that were lifted.
func (l *Limiter) Unblock(ctx context.Context, ip, email string, authType policy.AuthType) (int, error) {
	lifted := 0
	for _, t := range typesFor(authType) {
		var keys [][2]string // {attempts, block}
		if ip != "" {
			keys = append(keys, [2]string{keyspace.AuthAttemptsIP(string(t), ip), keyspace.AuthBlockIP(string(t), ip)})
		}
		if email != "" {
			hash := keyspace.HashEmail(email)
			keys = append(keys, [2]string{keyspace.AuthAttemptsEmail(string(t), hash), keyspace.AuthBlockEmail(string(t), hash)})
		}

		// Escalation counts one active block per auth type, so lift it once.
		typeBlocked := false
		for _, k := range keys {
			st, err := l.blocks.IsBlocked(ctx, k[1])
			if err != nil {
				return lifted, err
			}
			if err := l.window.Reset(ctx, k[0]); err != nil {
				return lifted, err
			}
			if err := l.blocks.ClearHistory(ctx, k[1]); err != nil {
				return lifted, err
			}
			if st.Blocked {
				lifted++
				typeBlocked = true
			}
		}
		if typeBlocked {
			l.metrics.DecBlocksActive()
		}
	}

	l.audit.Emit(ctx, audit.Event{
		Name:     audit.EventAdminUnblock,
		IP:       ip,
		Email:    email,
		AuthType: string(authType),
		Fields:   map[string]any{"lifted": lifted},
	})
	return lifted, nil
}

func typesFor(t policy.AuthType) []policy.AuthType {
	if t == "" {
		return policy.AuthTypes
	}
	return []policy.AuthType{t}
}
