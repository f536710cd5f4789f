package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/keyfleet/keyfleet/internal/domain"
)

// KeyRepo persists the upstream key pool and request log in PostgreSQL
// using a minimal pgx pool.
type KeyRepo struct{ Pool PgxPool }

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// NewKeyRepo constructs a KeyRepo with the given pool.
func NewKeyRepo(p PgxPool) *KeyRepo { return &KeyRepo{Pool: p} }

const keyColumns = `id, secret, status, COALESCE(name,''), created_at, last_used_at, total_requests`

func scanKey(row pgx.Row) (domain.UpstreamKey, error) {
	var k domain.UpstreamKey
	err := row.Scan(&k.ID, &k.Secret, &k.Status, &k.Name, &k.CreatedAt, &k.LastUsedAt, &k.TotalRequests)
	return k, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Add inserts a new key with status active and returns its id.
func (r *KeyRepo) Add(ctx domain.Context, secret, name string) (string, error) {
	tracer := otel.Tracer("repo.keys")
	ctx, span := tracer.Start(ctx, "keys.Add")
	defer span.End()
	id := uuid.New().String()
	q := `INSERT INTO upstream_keys (id, secret, status, created_at, name, total_requests) VALUES ($1,$2,$3,$4,NULLIF($5,''),0)`
	_, err := r.Pool.Exec(ctx, q, id, secret, domain.KeyActive, time.Now().UTC(), name)
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
	q := `SELECT ` + keyColumns + ` FROM upstream_keys WHERE id=$1`
	k, err := scanKey(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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
	q := `SELECT ` + keyColumns + ` FROM upstream_keys WHERE secret=$1`
	k, err := scanKey(r.Pool.QueryRow(ctx, q, secret))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.UpstreamKey{}, fmt.Errorf("op=keys.get_by_secret: %w", domain.ErrNotFound)
		}
		return domain.UpstreamKey{}, fmt.Errorf("op=keys.get_by_secret: %w", err)
	}
	return k, nil
}

// ListAll returns every key, newest first.
func (r *KeyRepo) ListAll(ctx domain.Context) ([]domain.UpstreamKey, error) {
	tracer := otel.Tracer("repo.keys")
	ctx, span := tracer.Start(ctx, "keys.ListAll")
	defer span.End()
	q := `SELECT ` + keyColumns + ` FROM upstream_keys ORDER BY created_at DESC`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=keys.list_all: %w", err)
	}
	defer rows.Close()
	var out []domain.UpstreamKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("op=keys.list_all_scan: %w", err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=keys.list_all_rows: %w", err)
	}
	return out, nil
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
	countQ := `SELECT COUNT(*) FROM upstream_keys WHERE ($1 = '' OR status = $1)`
	if err := r.Pool.QueryRow(ctx, countQ, string(status)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("op=keys.list_paginated_count: %w", err)
	}
	q := `SELECT ` + keyColumns + ` FROM upstream_keys WHERE ($1 = '' OR status = $1)
		ORDER BY last_used_at DESC NULLS LAST LIMIT $2 OFFSET $3`
	rows, err := r.Pool.Query(ctx, q, string(status), pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("op=keys.list_paginated: %w", err)
	}
	defer rows.Close()
	var out []domain.UpstreamKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("op=keys.list_paginated_scan: %w", err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("op=keys.list_paginated_rows: %w", err)
	}
	return out, total, nil
}

// ListActive returns active keys coldest first (never-used keys lead) so a
// rebuild of the rotation ring starts with the least recently used keys.
func (r *KeyRepo) ListActive(ctx domain.Context, limit int) ([]domain.UpstreamKey, error) {
	tracer := otel.Tracer("repo.keys")
	ctx, span := tracer.Start(ctx, "keys.ListActive")
	defer span.End()
	q := `SELECT ` + keyColumns + ` FROM upstream_keys WHERE status=$1
		ORDER BY last_used_at ASC NULLS FIRST LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, domain.KeyActive, limit)
	if err != nil {
		return nil, fmt.Errorf("op=keys.list_active: %w", err)
	}
	defer rows.Close()
	var out []domain.UpstreamKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("op=keys.list_active_scan: %w", err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=keys.list_active_rows: %w", err)
	}
	return out, nil
}

// SetStatus updates a key's status; reports whether a row changed.
func (r *KeyRepo) SetStatus(ctx domain.Context, id string, status domain.KeyStatus) (bool, error) {
	tracer := otel.Tracer("repo.keys")
	ctx, span := tracer.Start(ctx, "keys.SetStatus")
	defer span.End()
	if !domain.ValidStatus(status) {
		return false, fmt.Errorf("op=keys.set_status: %w: %q", domain.ErrInvalidArgument, status)
	}
	tag, err := r.Pool.Exec(ctx, `UPDATE upstream_keys SET status=$2 WHERE id=$1`, id, status)
	if err != nil {
		return false, fmt.Errorf("op=keys.set_status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetName updates a key's display name; reports whether a row changed.
func (r *KeyRepo) SetName(ctx domain.Context, id, name string) (bool, error) {
	tracer := otel.Tracer("repo.keys")
	ctx, span := tracer.Start(ctx, "keys.SetName")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `UPDATE upstream_keys SET name=NULLIF($2,'') WHERE id=$1`, id, name)
	if err != nil {
		return false, fmt.Errorf("op=keys.set_name: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// TouchLastUsed stamps last_used_at with the current instant.
func (r *KeyRepo) TouchLastUsed(ctx domain.Context, id string) (bool, error) {
	tracer := otel.Tracer("repo.keys")
	ctx, span := tracer.Start(ctx, "keys.TouchLastUsed")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `UPDATE upstream_keys SET last_used_at=$2 WHERE id=$1`, id, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("op=keys.touch_last_used: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// IncrementTotalRequests adds one to the key's success counter.
func (r *KeyRepo) IncrementTotalRequests(ctx domain.Context, id string) (bool, error) {
	tracer := otel.Tracer("repo.keys")
	ctx, span := tracer.Start(ctx, "keys.IncrementTotalRequests")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `UPDATE upstream_keys SET total_requests = total_requests + 1 WHERE id=$1`, id)
	if err != nil {
		return false, fmt.Errorf("op=keys.increment_total: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Delete removes a key; reports whether a row was deleted.
func (r *KeyRepo) Delete(ctx domain.Context, id string) (bool, error) {
	tracer := otel.Tracer("repo.keys")
	ctx, span := tracer.Start(ctx, "keys.Delete")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM upstream_keys WHERE id=$1`, id)
	if err != nil {
		return false, fmt.Errorf("op=keys.delete: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// AppendLog records one request-log row for a key.
func (r *KeyRepo) AppendLog(ctx domain.Context, keyID, model, outcome string) error {
	tracer := otel.Tracer("repo.keys")
	ctx, span := tracer.Start(ctx, "keys.AppendLog")
	defer span.End()
	q := `INSERT INTO request_logs (id, key_id, timestamp, model, outcome) VALUES ($1,$2,$3,NULLIF($4,''),NULLIF($5,''))`
	_, err := r.Pool.Exec(ctx, q, uuid.New().String(), keyID, time.Now().UTC(), model, outcome)
	if err != nil {
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
		if err := r.Pool.QueryRow(ctx, q, args...).Scan(dst); err != nil {
			return fmt.Errorf("op=%s: %w", op, err)
		}
		return nil
	}
	if err := scalar("keys.stats_total", `SELECT COALESCE(SUM(total_requests),0) FROM upstream_keys`, &st.TotalAllTime); err != nil {
		return domain.GlobalStats{}, err
	}
	logCount := `SELECT COUNT(*) FROM request_logs WHERE timestamp >= $1`
	if err := scalar("keys.stats_1m", logCount, &st.Last1m, now.Add(-time.Minute)); err != nil {
		return domain.GlobalStats{}, err
	}
	if err := scalar("keys.stats_1h", logCount, &st.Last1h, now.Add(-time.Hour)); err != nil {
		return domain.GlobalStats{}, err
	}
	if err := scalar("keys.stats_24h", logCount, &st.Last24h, now.Add(-24*time.Hour)); err != nil {
		return domain.GlobalStats{}, err
	}
	statusCount := `SELECT COUNT(*) FROM upstream_keys WHERE status = $1`
	if err := scalar("keys.stats_active", statusCount, &st.ActiveKeys, domain.KeyActive); err != nil {
		return domain.GlobalStats{}, err
	}
	if err := scalar("keys.stats_inactive", statusCount, &st.InactiveKeys, domain.KeyInactive); err != nil {
		return domain.GlobalStats{}, err
	}
	if err := scalar("keys.stats_revoked", statusCount, &st.RevokedKeys, domain.KeyRevoked); err != nil {
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
	tag, err := r.Pool.Exec(ctx, `DELETE FROM request_logs WHERE timestamp < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("op=keys.prune_logs: %w", err)
	}
	return tag.RowsAffected(), nil
}
