// models.go -- Shared types and sentinel errors for the store package.
// Used by every Backend implementation and by the Postgres store.
package store

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrKeyNotFound is returned by Get when the key does not exist (or has expired).
// Callers use errors.Is to distinguish a true miss from a backend failure.
var ErrKeyNotFound = errors.New("key not found")

// ErrNotInteger is returned by Incr when the key holds a non-numeric value.
var ErrNotInteger = errors.New("value is not an integer")

// ErrBackendClosed is returned by MemoryStore and BadgerStore after Close.
var ErrBackendClosed = errors.New("backend closed")

// ScoredMember is one sorted-set entry. Scores are epoch milliseconds.
type ScoredMember struct {
	Member string
	Score  int64
}

// AuditEntry represents a row in the audit_logs table.
// IPAddress is nil for admin-triggered events.
// Metadata holds the event fields as a JSON object.
type AuditEntry struct {
	Action    string
	IPAddress *string
	RequestID *string
	Metadata  json.RawMessage
	CreatedAt time.Time
}

// SettingOverride represents a row in the admin_settings table.
// Path is a dot path into the settings tree (e.g. "rate_limit.roast.max").
type SettingOverride struct {
	Path      string
	Value     json.RawMessage
	UpdatedAt time.Time
}
