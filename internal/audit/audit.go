// Package audit emits security events for the auth limiter.
//
// audit.go -- Event shape, sinks and the fire-and-forget emitter.
// Failure to record an event never fails the request that produced it.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MGallo-Code/bastion/internal/keyspace"
	"github.com/MGallo-Code/bastion/internal/store"
)

// Event names.
const (
	EventRateLimitHit       = "auth.rate_limit.hit"
	EventRateLimitBlocked   = "auth.rate_limit.blocked"
	EventRateLimitUnblocked = "auth.rate_limit.unblocked"
	EventAbuseDetected      = "auth.abuse.detected"
	EventAdminUnblock       = "admin.rate_limit.unblock"
	EventAdminClear         = "admin.rate_limit.clear"
	EventSettingsChanged    = "admin.settings.changed"
)

// Event is one audit record. Email is always masked by the time a sink sees it.
type Event struct {
	Name      string         `json:"event"`
	At        time.Time      `json:"at"`
	IP        string         `json:"ip,omitempty"`
	Email     string         `json:"email,omitempty"`
	AuthType  string         `json:"authType,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Sink persists events somewhere.
type Sink interface {
	Write(ctx context.Context, ev Event) error
}

// --- Log sink ---

// LogSink writes events to the default slog logger.
type LogSink struct{}

func (LogSink) Write(_ context.Context, ev Event) error {
	attrs := []any{
		"event", ev.Name,
		"ip", ev.IP,
		"email", ev.Email,
		"auth_type", ev.AuthType,
		"request_id", ev.RequestID,
	}
	for k, v := range ev.Fields {
		attrs = append(attrs, k, v)
	}
	slog.Info("audit", attrs...)
	return nil
}

// --- Postgres sink ---

// AuditWriter inserts audit rows. Implemented by *store.PostgresStore.
type AuditWriter interface {
	InsertAuditLog(ctx context.Context, entry store.AuditEntry) error
}

// PostgresSink writes events to the audit_logs table.
type PostgresSink struct {
	DB AuditWriter
}

func (s PostgresSink) Write(ctx context.Context, ev Event) error {
	meta := map[string]any{}
	for k, v := range ev.Fields {
		meta[k] = v
	}
	if ev.Email != "" {
		meta["email"] = ev.Email
	}
	if ev.AuthType != "" {
		meta["authType"] = ev.AuthType
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding audit metadata: %w", err)
	}

	entry := store.AuditEntry{Action: ev.Name, Metadata: raw, CreatedAt: ev.At}
	if ev.IP != "" {
		entry.IPAddress = &ev.IP
	}
	if ev.RequestID != "" {
		entry.RequestID = &ev.RequestID
	}
	return s.DB.InsertAuditLog(ctx, entry)
}

// --- Fan-out ---

// Multi writes to every sink and joins their errors.
type Multi []Sink

func (m Multi) Write(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// --- Emitter ---

// emitTimeout bounds one background write.
const emitTimeout = 5 * time.Second

// Emitter writes events in the background. Emit never blocks on the sink
// and never returns an error.
type Emitter struct {
	sink Sink
	now  func() time.Time
	wg   sync.WaitGroup
}

// NewEmitter returns an Emitter over sink. A nil sink logs only.
func NewEmitter(sink Sink) *Emitter {
	if sink == nil {
		sink = LogSink{}
	}
	return &Emitter{sink: sink, now: time.Now}
}

// Emit masks the event's email, stamps it and writes it on a goroutine.
// The write uses a context detached from ctx so a finished request doesn't
// cancel its own audit trail.
func (e *Emitter) Emit(ctx context.Context, ev Event) {
	if ev.Email != "" {
		ev.Email = keyspace.MaskEmail(ev.Email)
	}
	if ev.At.IsZero() {
		ev.At = e.now().UTC()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), emitTimeout)
		defer cancel()
		if err := e.sink.Write(writeCtx, ev); err != nil {
			slog.Warn("audit write failed", "event", ev.Name, "error", err)
		}
	}()
}

// Wait blocks until every pending write has finished. Called on shutdown.
func (e *Emitter) Wait() {
	e.wg.Wait()
}
