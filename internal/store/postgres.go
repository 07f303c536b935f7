// postgres.go -- pgxpool connection setup and queries.
//
// Postgres is optional. When configured it holds the admin settings overrides
// (the dynamic layer of the settings source) and the durable audit log.
// All queries use parameterized statements (no string concatenation).
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the store used to talk to Postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a connection pool, pings it, and returns a ready-to-use store.
// Call once at startup from main.go; the returned store is safe for concurrent use.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	// Ping db to make sure connection works
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	return &PostgresStore{pool}, nil
}

// Close shuts down the connection pool and releases all resources.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// CheckHealth pings the pool; used by GET /health.
func (s *PostgresStore) CheckHealth(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Settings overrides ---

// ListSettingOverrides returns every admin override, oldest first so later
// writes to overlapping paths win when applied in order.
func (s *PostgresStore) ListSettingOverrides(ctx context.Context) ([]SettingOverride, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT path, value, updated_at FROM admin_settings ORDER BY updated_at, path")
	if err != nil {
		return nil, fmt.Errorf("querying admin settings: %w", err)
	}
	overrides, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (SettingOverride, error) {
		var o SettingOverride
		err := row.Scan(&o.Path, &o.Value, &o.UpdatedAt)
		return o, err
	})
	if err != nil {
		return nil, fmt.Errorf("reading admin settings: %w", err)
	}
	return overrides, nil
}

// UpsertSettingOverride stores value (a JSON document) at path.
func (s *PostgresStore) UpsertSettingOverride(ctx context.Context, path string, value json.RawMessage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO admin_settings (path, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (path) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`, path, value)
	if err != nil {
		return fmt.Errorf("upserting admin setting %s: %w", path, err)
	}
	return nil
}

// DeleteSettingOverride removes the override at path.
// Returns false when nothing was stored there.
func (s *PostgresStore) DeleteSettingOverride(ctx context.Context, path string) (bool, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM admin_settings WHERE path = $1", path)
	if err != nil {
		return false, fmt.Errorf("deleting admin setting %s: %w", path, err)
	}
	return tag.RowsAffected() > 0, nil
}

// --- Audit log ---

// InsertAuditLog writes one audit event row.
func (s *PostgresStore) InsertAuditLog(ctx context.Context, entry AuditEntry) error {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	metadata := entry.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (action, ip_address, request_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.Action, entry.IPAddress, entry.RequestID, metadata, createdAt)
	if err != nil {
		return fmt.Errorf("inserting audit log: %w", err)
	}
	return nil
}

// PruneAuditLogs deletes audit rows older than retention and returns how many were removed.
func (s *PostgresStore) PruneAuditLogs(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM audit_logs WHERE created_at < $1",
		time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("pruning audit logs: %w", err)
	}
	return tag.RowsAffected(), nil
}
