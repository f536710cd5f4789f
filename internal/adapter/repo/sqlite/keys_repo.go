// Package sqlite provides the embedded KeyRepository used when the proxy
// runs without a PostgreSQL server, backed by a single database file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel"

	"github.com/keyfleet/keyfleet/internal/domain"
)

// KeyRepo persists the upstream key pool and request log in SQLite.
type KeyRepo struct{ DB *sql.DB }

// Open opens (or creates) the database file and returns a repo over it.
// SQLite serializes writers; a single connection avoids SQLITE_BUSY churn.
func Open(path string) (*KeyRepo, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("op=sqlite.open: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &KeyRepo{DB: db}, nil
}

// Close closes the underlying database handle.
func (r *KeyRepo) Close() error { return r.DB.Close() }

// Bootstrap creates the tables and indexes when missing.
func (r *KeyRepo) Bootstrap(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS upstream_keys (
			id TEXT PRIMARY KEY,
			secret TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL CHECK (status IN ('active','inactive','revoked')),
			created_at TIMESTAMP NOT NULL,
			last_used_at TIMESTAMP,
			name TEXT,
			total_requests INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS request_logs (
			id TEXT PRIMARY KEY,
			key_id TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			model TEXT,
			outcome TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS request_logs_timestamp_idx ON request_logs (timestamp)`,
		`CREATE INDEX IF NOT EXISTS request_logs_key_id_idx ON request_logs (key_id)`,
	}
	for _, q := range stmts {
		if _, err := r.DB.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("op=sqlite.bootstrap: %w", err)
		}
	}
	return nil
}

const keyColumns = `id, secret, status, COALESCE(name,''), created_at, last_used_at, total_requests`

type rowScanner interface{ Scan(dest ...any) error }

func scanKey(row rowScanner) (domain.UpstreamKey, error) {
	var k domain.UpstreamKey
	err := row.Scan(&k.ID, &k.Secret, &k.Status, &k.Name, &k.CreatedAt, &k.LastUsedAt, &k.TotalRequests)
	return k, err
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}

// Add inserts a new key with status active and returns its id.
func (r *KeyRepo) Add(ctx domain.Context, secret, name string) (string, error) {
	tracer := otel.Tracer("repo.keys")
	ctx, span := tracer.Start(ctx, "keys.Add")
	defer span.End()
	id := uuid.New().String()
	q := `INSERT INTO upstream_keys (id, secret, status, created_at, name, total_requests) VALUES (?,?,?,?,NULLIF(?,''),0)`
	_, err := r.DB.ExecContext(ctx, q, id, secret, domain.KeyActive, time.Now().UTC(), name)
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("op=keys.add: %w", domain.ErrDuplicateSecret)
		}
		return "", fmt.Errorf("op=keys.add: %w", err)
	}
	return id, nil
}

// GetByID loads a key by id.
func (r *KeyRepo) GetByID(ctx domain.Context, id string) (domain.UpstreamKey, error) {
	tracer := otel.Tracer("repo.keys")
	ctx, span := tracer.Start(ctx, "keys.GetByID")
	defer span.End()
	q := `SELECT ` + keyColumns + ` FROM upstream_keys WHERE id=?`
	k, err := scanKey(r.DB.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.UpstreamKey{}, fmt.Errorf("op=keys.get_by_id: %w", domain.ErrNotFound)
		}
		return domain.UpstreamKey{}, fmt.Errorf("op=keys.get_by_id: %w", err)
	}
	return k, nil
}

// GetBySecret loads a key by its secret value.
func (r *KeyRepo) GetBySecret(ctx domain.Context, secret string) (domain.UpstreamKey, error) {
	tracer := otel.Tracer("repo.keys")
	ctx, span := tracer.Start(ctx, "keys.GetBySecret")
	defer span.End()
	q := `SELECT ` + keyColumns + ` FROM upstream_keys WHERE secret=?`
	k, err := scanKey(r.DB.QueryRowContext(ctx, q, secret))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.UpstreamKey{}, fmt.Errorf("op=keys.get_by_secret: %w", domain.ErrNotFound)
		}
		return domain.UpstreamKey{}, fmt.Errorf("op=keys.get_by_secret: %w", err)
	}
	return k, nil
}

func (r *KeyRepo) collect(ctx context.Context, op, q string, args ...any) ([]domain.UpstreamKey, error) {
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=%s: %w", op, err)
	}
	defer rows.Close()
	var out []domain.UpstreamKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("op=%s_scan: %w", op, err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=%s_rows: %w", op, err)
	}
	return out, nil
}

// ListAll returns every key, newest first.
func (r *KeyRepo) ListAll(ctx domain.Context) ([]domain.UpstreamKey, error) {
	tracer := otel.Tracer("repo.keys")
	ctx, span := tracer.Start(ctx, "keys.ListAll")
	defer span.End()
	return r.collect(ctx, "keys.list_all", `SELECT `+keyColumns+` FROM upstream_keys ORDER BY created_at DESC`)
}

// ListPaginated returns one page of keys ordered by last_used_at descending
// (never-used keys last) plus the total count for the filter.
func (r *KeyRepo) ListPaginated(ctx domain.Context, page, pageSize int, status domain.KeyStatus) ([]domain.UpstreamKey, int64, error) {
	tracer := otel.Tracer("repo.keys")
	ctx, span := tracer.Start(ctx, "keys.ListPaginated")
	defer span.End()
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	var total int64
	countQ := `SELECT COUNT(*) FROM upstream_keys WHERE (? = '' OR status = ?)`
	if err := r.DB.QueryRowContext(ctx, countQ, string(status), string(status)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("op=keys.list_paginated_count: %w", err)
	}
	q := `SELECT ` + keyColumns + ` FROM upstream_keys WHERE (? = '' OR status = ?)
		ORDER BY last_used_at DESC NULLS LAST LIMIT ? OFFSET ?`
	keys, err := r.collect(ctx, "keys.list_paginated", q, string(status), string(status), pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, err
	}
	return keys, total, nil
}

// ListActive returns active keys coldest first (never-used keys lead).
func (r *KeyRepo) ListActive(ctx domain.Context, limit int) ([]domain.UpstreamKey, error) {
	tracer := otel.Tracer("repo.keys")
	ctx, span := tracer.Start(ctx, "keys.ListActive")
	defer span.End()
	q := `SELECT ` + keyColumns + ` FROM upstream_keys WHERE status=?
		ORDER BY last_used_at ASC NULLS FIRST LIMIT ?`
	return r.collect(ctx, "keys.list_active", q, string(domain.KeyActive), limit)
}

func (r *KeyRepo) execAffected(ctx context.Context, op, q string, args ...any) (bool, error) {
	res, err := r.DB.ExecContext(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("op=%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("op=%s: %w", op, err)
	}
	return n > 0, nil
}

// SetStatus updates a key's status; reports whether a row changed.
func (r *KeyRepo) SetStatus(ctx domain.Context, id string, status domain.KeyStatus) (bool, error) {
	tracer := otel.Tracer("repo.keys")
	ctx, span := tracer.Start(ctx, "keys.SetStatus")
	defer span.End()
	if !domain.ValidStatus(status) {
		return false, fmt.Errorf("op=keys.set_status: %w: %q", domain.ErrInvalidArgument, status)
	}
	return r.execAffected(ctx, "keys.set_status", `UPDATE upstream_keys SET status=? WHERE id=?`, string(status), id)
}

// SetName updates a key's display name; reports whether a row changed.
func (r *KeyRepo) SetName(ctx domain.Context, id, name string) (bool, error) {
	tracer := otel.Tracer("repo.keys")
	ctx, span := tracer.Start(ctx, "keys.SetName")
	defer span.End()
	return r.execAffected(ctx, "keys.set_name", `UPDATE upstream_keys SET name=NULLIF(?,'') WHERE id=?`, name, id)
}

// TouchLastUsed stamps last_used_at with the current instant.
func (r *KeyRepo) TouchLastUsed(ctx domain.Context, id string) (bool, error) {
	tracer := otel.Tracer("repo.keys")
	ctx, span := tracer.Start(ctx, "keys.TouchLastUsed")
	defer span.End()
	return r.execAffected(ctx, "keys.touch_last_used", `UPDATE upstream_keys SET last_used_at=? WHERE id=?`, time.Now().UTC(), id)
}

// IncrementTotalRequests adds one to the key's success counter.
func (r *KeyRepo) IncrementTotalRequests(ctx domain.Context, id string) (bool, error) {
	tracer := otel.Tracer("repo.keys")
	ctx, span := tracer.Start(ctx, "keys.IncrementTotalRequests")
	defer span.End()
	return r.execAffected(ctx, "keys.increment_total", `UPDATE upstream_keys SET total_requests = total_requests + 1 WHERE id=?`, id)
}

// Delete removes a key; reports whether a row was deleted.
func (r *KeyRepo) Delete(ctx domain.Context, id string) (bool, error) {
	tracer := otel.Tracer("repo.keys")
	ctx, span := tracer.Start(ctx, "keys.Delete")
	defer span.End()
	return r.execAffected(ctx, "keys.delete", `DELETE FROM upstream_keys WHERE id=?`, id)
}

// AppendLog records one request-log row for a key.
func (r *KeyRepo) AppendLog(ctx domain.Context, keyID, model, outcome string) error {
	tracer := otel.Tracer("repo.keys")
	ctx, span := tracer.Start(ctx, "keys.AppendLog")
	defer span.End()
	q := `INSERT INTO request_logs (id, key_id, timestamp, model, outcome) VALUES (?,?,?,NULLIF(?,''),NULLIF(?,''))`
	if _, err := r.DB.ExecContext(ctx, q, uuid.New().String(), keyID, time.Now().UTC(), model, outcome); err != nil {
		return fmt.Errorf("op=keys.append_log: %w", err)
	}
	return nil
}

// StatsSnapshot aggregates all-time totals, recent-window usage from the
// request log, and key counts per status.
func (r *KeyRepo) StatsSnapshot(ctx domain.Context, now time.Time) (domain.GlobalStats, error) {
	tracer := otel.Tracer("repo.keys")
	ctx, span := tracer.Start(ctx, "keys.StatsSnapshot")
	defer span.End()
	var st domain.GlobalStats
	scalar := func(op, q string, dst *int64, args ...any) error {
		if err := r.DB.QueryRowContext(ctx, q, args...).Scan(dst); err != nil {
			return fmt.Errorf("op=%s: %w", op, err)
		}
		return nil
	}
	if err := scalar("keys.stats_total", `SELECT COALESCE(SUM(total_requests),0) FROM upstream_keys`, &st.TotalAllTime); err != nil {
		return domain.GlobalStats{}, err
	}
	logCount := `SELECT COUNT(*) FROM request_logs WHERE timestamp >= ?`
	if err := scalar("keys.stats_1m", logCount, &st.Last1m, now.Add(-time.Minute)); err != nil {
		return domain.GlobalStats{}, err
	}
	if err := scalar("keys.stats_1h", logCount, &st.Last1h, now.Add(-time.Hour)); err != nil {
		return domain.GlobalStats{}, err
	}
	if err := scalar("keys.stats_24h", logCount, &st.Last24h, now.Add(-24*time.Hour)); err != nil {
		return domain.GlobalStats{}, err
	}
	statusCount := `SELECT COUNT(*) FROM upstream_keys WHERE status = ?`
	if err := scalar("keys.stats_active", statusCount, &st.ActiveKeys, string(domain.KeyActive)); err != nil {
		return domain.GlobalStats{}, err
	}
	if err := scalar("keys.stats_inactive", statusCount, &st.InactiveKeys, string(domain.KeyInactive)); err != nil {
		return domain.GlobalStats{}, err
	}
	if err := scalar("keys.stats_revoked", statusCount, &st.RevokedKeys, string(domain.KeyRevoked)); err != nil {
		return domain.GlobalStats{}, err
	}
	if err := scalar("keys.stats_total_keys", `SELECT COUNT(*) FROM upstream_keys`, &st.TotalKeys); err != nil {
		return domain.GlobalStats{}, err
	}
	return st, nil
}

// PruneLogs deletes request-log rows older than the cutoff.
func (r *KeyRepo) PruneLogs(ctx domain.Context, olderThan time.Time) (int64, error) {
	tracer := otel.Tracer("repo.keys")
	ctx, span := tracer.Start(ctx, "keys.PruneLogs")
	defer span.End()
	res, err := r.DB.ExecContext(ctx, `DELETE FROM request_logs WHERE timestamp < ?`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("op=keys.prune_logs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("op=keys.prune_logs: %w", err)
	}
	return n, nil
}
