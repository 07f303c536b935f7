package policy

import "time"

// AuthType is the kind of authentication attempt being limited.
type AuthType string

const (
	AuthPassword      AuthType = "password"
	AuthMagicLink     AuthType = "magic_link"
	AuthOAuth         AuthType = "oauth"
	AuthPasswordReset AuthType = "password_reset"
)

// AuthTypes lists every supported auth type.
var AuthTypes = []AuthType{AuthPassword, AuthMagicLink, AuthOAuth, AuthPasswordReset}

// Valid reports whether t is one of AuthTypes.
func (t AuthType) Valid() bool {
	for _, known := range AuthTypes {
		if t == known {
			return true
		}
	}
	return false
}

// AuthTypeConfig is the attempt policy for one auth type.
type AuthTypeConfig struct {
	MaxAttempts     int   `json:"maxAttempts" mapstructure:"maxAttempts" validate:"min=1"`
	WindowMs        int64 `json:"windowMs" mapstructure:"windowMs" validate:"min=1"`
	BlockDurationMs int64 `json:"blockDurationMs" mapstructure:"blockDurationMs" validate:"min=0"`
}

// Window is WindowMs as a duration.
func (c AuthTypeConfig) Window() time.Duration {
	return time.Duration(c.WindowMs) * time.Millisecond
}

// AuthConfig holds the auth limiter switch and the attempt policy per auth type.
type AuthConfig struct {
	// Enabled false turns the auth limiter into a pass-through.
	Enabled bool                        `json:"enabled" mapstructure:"enabled"`
	Types   map[AuthType]AuthTypeConfig `json:"types" mapstructure:"-"`
}

// DefaultAuthConfig returns the built-in attempt policies, limiter enabled.
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		Enabled: true,
		Types: map[AuthType]AuthTypeConfig{
			AuthPassword:      {MaxAttempts: 5, WindowMs: 15 * minute, BlockDurationMs: 15 * minute},
			AuthMagicLink:     {MaxAttempts: 3, WindowMs: hour, BlockDurationMs: hour},
			AuthOAuth:         {MaxAttempts: 10, WindowMs: 15 * minute, BlockDurationMs: 15 * minute},
			AuthPasswordReset: {MaxAttempts: 3, WindowMs: hour, BlockDurationMs: hour},
		},
	}
}

// For returns the policy for t, falling back to the password policy.
func (c AuthConfig) For(t AuthType) AuthTypeConfig {
	if cfg, ok := c.Types[t]; ok {
		return cfg
	}
	if cfg, ok := c.Types[AuthPassword]; ok {
		return cfg
	}
	return DefaultAuthConfig().Types[AuthPassword]
}

// AbuseConfig holds the abuse detector thresholds and windows.
type AbuseConfig struct {
	// Enabled false skips abuse scoring entirely.
	Enabled bool `json:"enabled" mapstructure:"enabled"`

	MultiIP    int `json:"multi_ip" mapstructure:"multi_ip" validate:"min=1"`
	MultiEmail int `json:"multi_email" mapstructure:"multi_email" validate:"min=1"`
	Burst      int `json:"burst" mapstructure:"burst" validate:"min=1"`
	SlowAttack int `json:"slow_attack" mapstructure:"slow_attack" validate:"min=1"`

	// RiskThreshold is the score at which an abuse event is audited.
	RiskThreshold int `json:"risk_threshold" mapstructure:"risk_threshold" validate:"min=1,max=100"`

	BurstWindowMs     int64 `json:"burst_window_ms" mapstructure:"burst_window_ms" validate:"min=1000"`
	SlowWindowMs      int64 `json:"slow_window_ms" mapstructure:"slow_window_ms" validate:"min=1000"`
	RelationshipTTLMs int64 `json:"relationship_ttl_ms" mapstructure:"relationship_ttl_ms" validate:"min=1000"`
}

// DefaultAbuseConfig returns the built-in thresholds.
func DefaultAbuseConfig() AbuseConfig {
	return AbuseConfig{
		Enabled:           true,
		MultiIP:           3,
		MultiEmail:        5,
		Burst:             10,
		SlowAttack:        20,
		RiskThreshold:     50,
		BurstWindowMs:     minute,
		SlowWindowMs:      hour,
		RelationshipTTLMs: day,
	}
}

// GateRoute maps a path prefix to a scope for the policy gate.
// Key is "ip" or "user" (X-User-ID header, IP when absent).
type GateRoute struct {
	Prefix string `json:"prefix" mapstructure:"prefix" validate:"required,startswith=/"`
	Scope  string `json:"scope" mapstructure:"scope" validate:"required"`
	Key    string `json:"key" mapstructure:"key" validate:"omitempty,oneof=ip user"`
}
