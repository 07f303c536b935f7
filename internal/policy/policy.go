// Package policy holds the typed rate-limit configuration model and its
// built-in defaults. Values here are what the engine falls back to when the
// settings source is silent or unavailable.
package policy

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the `validate` struct tags of v.
func Validate(v any) error {
	return validate.Struct(v)
}

// ScopeConfig is the declarative limit for one scope.
type ScopeConfig struct {
	Max             int   `json:"max" mapstructure:"max" validate:"min=1"`
	WindowMs        int64 `json:"windowMs" mapstructure:"windowMs" validate:"min=1"`
	BlockDurationMs int64 `json:"blockDurationMs,omitempty" mapstructure:"blockDurationMs" validate:"min=0"`
	// Enabled is a pointer so an absent key means enabled.
	Enabled *bool `json:"enabled,omitempty" mapstructure:"enabled"`
}

// Window is WindowMs as a duration.
func (c ScopeConfig) Window() time.Duration {
	return time.Duration(c.WindowMs) * time.Millisecond
}

// IsEnabled reports false only for an explicit enabled: false.
func (c ScopeConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Scopes maps a full scope name ("auth.password", "roast") to its config.
type Scopes map[string]ScopeConfig

const (
	second = int64(1000)
	minute = 60 * second
	hour   = 60 * minute
	day    = 24 * hour
)

// DefaultScopes returns the built-in scope table.
func DefaultScopes() Scopes {
	return Scopes{
		"global":               {Max: 10000, WindowMs: hour},
		"auth.password":        {Max: 5, WindowMs: 15 * minute, BlockDurationMs: 15 * minute},
		"auth.magic_link":      {Max: 3, WindowMs: hour, BlockDurationMs: hour},
		"auth.oauth":           {Max: 10, WindowMs: 15 * minute, BlockDurationMs: 15 * minute},
		"auth.password_reset":  {Max: 3, WindowMs: hour, BlockDurationMs: hour},
		"ingestion.global":     {Max: 1000, WindowMs: hour},
		"ingestion.perUser":    {Max: 100, WindowMs: hour},
		"ingestion.perAccount": {Max: 50, WindowMs: hour},
		"roast":                {Max: 10, WindowMs: minute},
		"persona":              {Max: 3, WindowMs: hour},
		"notifications":        {Max: 10, WindowMs: minute},
		"gdpr":                 {Max: 5, WindowMs: hour},
		"admin":                {Max: 100, WindowMs: minute},
	}
}

// --- Progressive block ladder ---

// Permanent marks a ladder rung whose block never expires.
const Permanent time.Duration = -1

// Ladder is the ordered list of block durations indexed by offense count.
type Ladder []time.Duration

// DefaultLadder is 15 minutes, 1 hour, 24 hours, then permanent.
func DefaultLadder() Ladder {
	return Ladder{15 * time.Minute, time.Hour, 24 * time.Hour, Permanent}
}

// For returns the block duration for the given offense count (1-based).
// Offenses past the end of the ladder reuse the last rung.
func (l Ladder) For(offense int) (d time.Duration, permanent bool) {
	if len(l) == 0 {
		return 0, false
	}
	i := min(max(offense-1, 0), len(l)-1)
	if l[i] == Permanent {
		return 0, true
	}
	return l[i], false
}

// Warnings lists soft problems with the ladder: durations that shrink from
// one rung to the next, or a permanent rung that is not last. Such ladders
// are still used as configured.
func (l Ladder) Warnings() []string {
	var out []string
	if len(l) == 0 {
		out = append(out, "ladder is empty")
	}
	for i := 1; i < len(l); i++ {
		prev, cur := l[i-1], l[i]
		switch {
		case prev == Permanent:
			out = append(out, fmt.Sprintf("rung %d follows a permanent rung", i))
		case cur != Permanent && cur < prev:
			out = append(out, fmt.Sprintf("rung %d (%s) is shorter than rung %d (%s)", i, cur, i-1, prev))
		}
	}
	return out
}

// Millis renders the ladder as milliseconds with nil for permanent rungs,
// the shape stored in settings.
func (l Ladder) Millis() []*int64 {
	out := make([]*int64, len(l))
	for i, d := range l {
		if d == Permanent {
			continue
		}
		ms := d.Milliseconds()
		out[i] = &ms
	}
	return out
}
