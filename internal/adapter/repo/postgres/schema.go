package postgres

import (
	"context"
	"fmt"
)

// Bootstrap creates the key pool and request log tables when missing.
// Called explicitly from main; no import-time side effects.
func Bootstrap(ctx context.Context, pool PgxPool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS upstream_keys (
			id TEXT PRIMARY KEY,
			secret TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL CHECK (status IN ('active','inactive','revoked')),
			created_at TIMESTAMPTZ NOT NULL,
			last_used_at TIMESTAMPTZ,
			name TEXT,
			total_requests BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS request_logs (
			id TEXT PRIMARY KEY,
			key_id TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			model TEXT,
			outcome TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS request_logs_timestamp_idx ON request_logs (timestamp)`,
		`CREATE INDEX IF NOT EXISTS request_logs_key_id_idx ON request_logs (key_id)`,
	}
	for _, q := range stmts {
		if _, err := pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("op=keys.bootstrap: %w", err)
		}
	}
	return nil
}
