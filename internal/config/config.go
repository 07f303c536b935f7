// config.go

// Environment variable loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all env configuration vars for Bastion.
type Config struct {
	Port     string
	LogLevel slog.Level

	// RedisURL is optional; empty runs on the local store only.
	RedisURL string
	// RedisProbeTimeout bounds the one-time startup ping. Default 5s.
	RedisProbeTimeout time.Duration

	// StoreFallback is "memory" (default) or "badger".
	StoreFallback string
	// BadgerDir is the badger data dir; empty keeps badger in memory.
	BadgerDir string
	// MemorySweepInterval is how often the memory store drops expired keys. Default 5s.
	MemorySweepInterval time.Duration

	// DatabaseURL is optional; empty disables setting overrides and the audit table.
	DatabaseURL string
	// AuditRetention is how long audit_logs rows are kept. Default 90 days.
	AuditRetention time.Duration

	// SettingsFile is the YAML settings tree. Default settings.yaml.
	SettingsFile string
	// SettingsCacheTTL bounds how stale cached policy config may get. Default 60s.
	SettingsCacheTTL time.Duration

	// UpstreamURL, when set, is the application Bastion proxies to.
	UpstreamURL *url.URL

	// AdminToken guards /admin/*. Empty disables the admin API.
	AdminToken string

	// KafkaBrokers enables the Kafka audit sink when non-empty.
	KafkaBrokers    []string
	KafkaAuditTopic string
}

// LoadConfig reads environment variables and returns a validated Config.
// Every variable is optional; invalid values either fall back to a default
// with a warning or, where a wrong guess would be dangerous, return an error.
func LoadConfig() (*Config, error) {
	cfg := &Config{}

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		cfg.Port = "7866"
	}

	// Parse log level, default to info
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		cfg.LogLevel = slog.LevelDebug
	case "warn":
		cfg.LogLevel = slog.LevelWarn
	case "error":
		cfg.LogLevel = slog.LevelError
	default:
		cfg.LogLevel = slog.LevelInfo
	}

	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.RedisProbeTimeout = envDuration("REDIS_PROBE_TIMEOUT", 5*time.Second)

	cfg.StoreFallback = strings.ToLower(os.Getenv("STORE_FALLBACK"))
	switch cfg.StoreFallback {
	case "":
		cfg.StoreFallback = "memory"
	case "memory", "badger":
	default:
		return nil, fmt.Errorf("STORE_FALLBACK must be memory or badger, got %q", cfg.StoreFallback)
	}
	cfg.BadgerDir = os.Getenv("BADGER_DIR")
	cfg.MemorySweepInterval = envDuration("MEMORY_SWEEP_INTERVAL", 5*time.Second)

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.AuditRetention = time.Duration(envInt("AUDIT_RETENTION_DAYS", 90)) * 24 * time.Hour

	cfg.SettingsFile = os.Getenv("SETTINGS_FILE")
	if cfg.SettingsFile == "" {
		cfg.SettingsFile = "settings.yaml"
	}
	cfg.SettingsCacheTTL = envDuration("SETTINGS_CACHE_TTL", 60*time.Second)

	// A malformed upstream would silently proxy nowhere, so refuse to start.
	if raw := os.Getenv("UPSTREAM_URL"); raw != "" {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("UPSTREAM_URL must be an absolute http(s) URL, got %q", raw)
		}
		cfg.UpstreamURL = u
	}

	cfg.AdminToken = os.Getenv("ADMIN_TOKEN")
	if cfg.AdminToken != "" && len(cfg.AdminToken) < 16 {
		return nil, fmt.Errorf("ADMIN_TOKEN must be at least 16 characters")
	}

	for _, b := range strings.Split(os.Getenv("KAFKA_BROKERS"), ",") {
		if b = strings.TrimSpace(b); b != "" {
			cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
		}
	}
	cfg.KafkaAuditTopic = os.Getenv("KAFKA_AUDIT_TOPIC")
	if cfg.KafkaAuditTopic == "" {
		cfg.KafkaAuditTopic = "auth-audit"
	}

	return cfg, nil
}

// envInt reads an env var as int, returning def if missing or unparseable.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

// envDuration reads an env var as time.Duration, returning def if missing or unparseable.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}
