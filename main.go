package main

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MGallo-Code/bastion/internal/abuse"
	"github.com/MGallo-Code/bastion/internal/api"
	"github.com/MGallo-Code/bastion/internal/audit"
	"github.com/MGallo-Code/bastion/internal/authlimit"
	"github.com/MGallo-Code/bastion/internal/config"
	"github.com/MGallo-Code/bastion/internal/metrics"
	"github.com/MGallo-Code/bastion/internal/ratelimit"
	"github.com/MGallo-Code/bastion/internal/settings"
	"github.com/MGallo-Code/bastion/internal/store"
)

// Embeds the migration files INTO the go bin

//go:embed migrations/*.sql
var migrationsDir embed.FS

func main() {
	// .env is optional; real env vars win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load .env", "error", err)
	}

	// Load config first so we can set log level
	cfg, err := config.LoadConfig()
	if err != nil {
		// Fallback logger before config is available
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}

	// Include source location in log entries at debug level only.
	addSrc := cfg.LogLevel == slog.LevelDebug

	// Set up slog to output as json with configured level
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     cfg.LogLevel,
		AddSource: addSrc,
	})))

	// Cancel ctx on SIGINT/SIGTERM; run() shuts down when ctx is done.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, nil); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

// run holds all server logic and returns error instead of calling os.Exit,
// so deferred resource cleanup always runs.
// Shuts down when ctx is cancelled (signal handling is the caller's concern).
// If ready is non-nil, the server's base URL is sent on it once the listener is bound.
func run(ctx context.Context, cfg *config.Config, ready chan<- string) error {
	// Rate limit backend: Redis if reachable at startup, local store otherwise.
	backend, err := store.Open(ctx, store.Options{
		RedisURL:      cfg.RedisURL,
		ProbeTimeout:  cfg.RedisProbeTimeout,
		Fallback:      cfg.StoreFallback,
		BadgerDir:     cfg.BadgerDir,
		SweepInterval: cfg.MemorySweepInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to open rate limit store: %w", err)
	}
	defer backend.Close()

	// Postgres is optional: it holds setting overrides and the audit log.
	var ps *store.PostgresStore
	if cfg.DatabaseURL != "" {
		ps, err = store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to set up postgres store: %w", err)
		}
		defer ps.Close()

		migrationsFS, err := fs.Sub(migrationsDir, "migrations")
		if err != nil {
			return fmt.Errorf("failed to access embedded migrations: %w", err)
		}
		if err := ps.Migrate(ctx, migrationsFS); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	} else {
		slog.Warn("DATABASE_URL not set, setting overrides and audit table disabled")
	}

	// Settings: YAML file, overlaid by Postgres overrides when available.
	file, err := settings.NewFileLayer(cfg.SettingsFile)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	var overrides settings.OverrideStore
	if ps != nil {
		overrides = ps
	}
	src := settings.NewLayered(file, overrides, cfg.SettingsCacheTTL)
	if err := file.Watch(ctx, src.Invalidate); err != nil {
		slog.Warn("settings hot reload disabled", "error", err)
	}

	// Metrics on a private registry so tests can build many servers.
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Audit sinks. Declared before the emitter so pending writes drain first.
	sinks := audit.Multi{audit.LogSink{}}
	if ps != nil {
		sinks = append(sinks, audit.PostgresSink{DB: ps})
	}
	if len(cfg.KafkaBrokers) > 0 {
		ks := audit.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaAuditTopic)
		defer ks.Close()
		sinks = append(sinks, ks)
		slog.Info("kafka audit sink enabled", "topic", cfg.KafkaAuditTopic)
	}
	emitter := audit.NewEmitter(sinks)
	defer emitter.Wait()

	engine := ratelimit.NewEngine(backend, src, cfg.SettingsCacheTTL, ratelimit.WithDecisionObserver(m))
	limiter := authlimit.New(authlimit.Config{
		Backend:  backend,
		Settings: src,
		CacheTTL: cfg.SettingsCacheTTL,
		Detector: abuse.NewDetector(backend),
		Audit:    emitter,
		Metrics:  m,
	})
	gate := api.NewGate(engine, src, cfg.SettingsCacheTTL)

	// Any settings change (file edit, admin override) drops every typed cache.
	src.OnInvalidate(engine.InvalidateConfig)
	src.OnInvalidate(limiter.InvalidateConfig)
	src.OnInvalidate(gate.InvalidateConfig)

	for _, w := range engine.Ladder(ctx).Warnings() {
		slog.Warn("block ladder", "warning", w)
	}

	h := &api.Handler{
		Engine:     engine,
		Auth:       limiter,
		Backend:    backend,
		Settings:   src,
		Metrics:    m,
		Audit:      emitter,
		AdminToken: cfg.AdminToken,
	}
	if ps != nil {
		h.DB = ps
	}
	if cfg.AdminToken == "" {
		slog.Warn("ADMIN_TOKEN not set, admin API disabled")
	}

	// Bind listener; ":0" picks a free port (useful in tests).
	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	server := &http.Server{
		Handler:           buildRouter(h, limiter, gate, reg, cfg.UpstreamURL),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Audit retention goroutine; prunes old audit rows once a day.
	// Cancelled via cleanupCtx when run() returns.
	cleanupCtx, cancelCleanup := context.WithCancel(ctx)
	defer cancelCleanup()
	if ps != nil {
		go pruneAuditLogs(cleanupCtx, ps, cfg.AuditRetention)
	}

	// Start server in a goroutine; run() continues past this.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("bastion listening",
			"addr", ln.Addr().String(),
			"store", backend.Name(),
			"upstream", cfg.UpstreamURL != nil,
		)
		// Send error only if server stops for a reason other than explicit shutdown.
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Signal readiness to caller (used by tests; nil in production).
	if ready != nil {
		ready <- "http://" + ln.Addr().String()
	}

	// Wait for server error or shutdown signal from ctx.
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	// Stops accepting, waits for in-flight requests, errors after 30s.
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

// pruneAuditLogs deletes audit rows older than retention every 24h.
func pruneAuditLogs(ctx context.Context, ps *store.PostgresStore, retention time.Duration) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := ps.PruneAuditLogs(ctx, retention)
			if err != nil {
				slog.Warn("audit log prune failed", "error", err)
			} else {
				slog.Info("audit log prune complete", "deleted", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// buildRouter wires all routes and middleware.
// A nil upstream serves only Bastion's own endpoints.
func buildRouter(h *api.Handler, limiter *authlimit.Limiter, gate *api.Gate, reg *prometheus.Registry, upstream *url.URL) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		h.Routes(r)
	})

	if upstream == nil {
		return r
	}

	proxy := newProxy(upstream)
	r.Group(func(r chi.Router) {
		r.Use(gate.Middleware)
		// Auth endpoints additionally count failed attempts.
		r.With(limiter.Middleware).Handle("/auth/*", proxy)
		r.With(limiter.Middleware).Handle("/login", proxy)
		r.With(limiter.Middleware).Handle("/login/*", proxy)
		r.Handle("/*", proxy)
	})
	return r
}

// newProxy forwards requests to upstream. Upstream failures become a 502
// without leaking the dial error.
func newProxy(upstream *url.URL) *httputil.ReverseProxy {
	proxy := httputil.NewSingleHostReverseProxy(upstream)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		slog.Error("upstream request failed",
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"message":"upstream unavailable"}`))
	}
	return proxy
}
