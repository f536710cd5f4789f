package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfleet/keyfleet/internal/adapter/repo/postgres"
	"github.com/keyfleet/keyfleet/internal/domain"
)

func scanKeyInto(id, secret string, status domain.KeyStatus) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = id
		*(dest[1].(*string)) = secret
		*(dest[2].(*domain.KeyStatus)) = status
		*(dest[3].(*string)) = "name"
		*(dest[4].(*time.Time)) = time.Now().UTC()
		*(dest[5].(**time.Time)) = nil
		*(dest[6].(*int64)) = 3
		return nil
	}
}

func TestKeyRepo_Add(t *testing.T) {
	pool := &poolStub{execTag: pgconn.NewCommandTag("INSERT 0 1")}
	repo := postgres.NewKeyRepo(pool)

	id, err := repo.Add(context.Background(), "sk-secret", "main")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.Len(t, pool.execSQL, 1)
	assert.Contains(t, pool.execSQL[0], "INSERT INTO upstream_keys")
}

func TestKeyRepo_Add_DuplicateSecret(t *testing.T) {
	pool := &poolStub{execErr: &pgconn.PgError{Code: "23505"}}
	repo := postgres.NewKeyRepo(pool)

	_, err := repo.Add(context.Background(), "sk-secret", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDuplicateSecret)
}

func TestKeyRepo_Add_StorageError(t *testing.T) {
	pool := &poolStub{execErr: assert.AnError}
	repo := postgres.NewKeyRepo(pool)

	_, err := repo.Add(context.Background(), "sk-secret", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=keys.add")
	assert.NotErrorIs(t, err, domain.ErrDuplicateSecret)
}

func TestKeyRepo_GetByID(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: scanKeyInto("k1", "sk-abc", domain.KeyActive)}}
	repo := postgres.NewKeyRepo(pool)

	k, err := repo.GetByID(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, "k1", k.ID)
	assert.Equal(t, domain.KeyActive, k.Status)
	assert.Equal(t, int64(3), k.TotalRequests)
	assert.Nil(t, k.LastUsedAt)
}

func TestKeyRepo_GetBySecret_NotFound(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}}
	repo := postgres.NewKeyRepo(pool)

	_, err := repo.GetBySecret(context.Background(), "sk-missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestKeyRepo_ListActive(t *testing.T) {
	pool := &poolStub{rows: &rowsStub{scans: []func(dest ...any) error{
		scanKeyInto("k1", "sk-a", domain.KeyActive),
		scanKeyInto("k2", "sk-b", domain.KeyActive),
	}}}
	repo := postgres.NewKeyRepo(pool)

	keys, err := repo.ListActive(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "k1", keys[0].ID)
	assert.Contains(t, pool.rowSQL[0], "ORDER BY last_used_at ASC NULLS FIRST")
}

func TestKeyRepo_ListPaginated(t *testing.T) {
	pool := &poolStub{
		row:  rowStub{scan: func(dest ...any) error { *(dest[0].(*int64)) = 7; return nil }},
		rows: &rowsStub{scans: []func(dest ...any) error{scanKeyInto("k1", "sk-a", domain.KeyInactive)}},
	}
	repo := postgres.NewKeyRepo(pool)

	keys, total, err := repo.ListPaginated(context.Background(), 1, 10, domain.KeyInactive)
	require.NoError(t, err)
	assert.Equal(t, int64(7), total)
	require.Len(t, keys, 1)
	assert.Contains(t, pool.rowSQL[1], "ORDER BY last_used_at DESC NULLS LAST")
}

func TestKeyRepo_SetStatus(t *testing.T) {
	pool := &poolStub{execTag: pgconn.NewCommandTag("UPDATE 1")}
	repo := postgres.NewKeyRepo(pool)

	ok, err := repo.SetStatus(context.Background(), "k1", domain.KeyInactive)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestKeyRepo_SetStatus_InvalidStatus(t *testing.T) {
	repo := postgres.NewKeyRepo(&poolStub{})
	_, err := repo.SetStatus(context.Background(), "k1", domain.KeyStatus("frozen"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestKeyRepo_SetStatus_NoRow(t *testing.T) {
	pool := &poolStub{execTag: pgconn.NewCommandTag("UPDATE 0")}
	repo := postgres.NewKeyRepo(pool)

	ok, err := repo.SetStatus(context.Background(), "missing", domain.KeyActive)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKeyRepo_IncrementTotalRequests(t *testing.T) {
	pool := &poolStub{execTag: pgconn.NewCommandTag("UPDATE 1")}
	repo := postgres.NewKeyRepo(pool)

	ok, err := repo.IncrementTotalRequests(context.Background(), "k1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, pool.execSQL[0], "total_requests + 1")
}

func TestKeyRepo_Delete(t *testing.T) {
	pool := &poolStub{execTag: pgconn.NewCommandTag("DELETE 1")}
	repo := postgres.NewKeyRepo(pool)

	ok, err := repo.Delete(context.Background(), "k1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestKeyRepo_AppendLog(t *testing.T) {
	pool := &poolStub{execTag: pgconn.NewCommandTag("INSERT 0 1")}
	repo := postgres.NewKeyRepo(pool)

	err := repo.AppendLog(context.Background(), "k1", "gpt-4o-mini", domain.OutcomeSuccess)
	require.NoError(t, err)
	assert.Contains(t, pool.execSQL[0], "INSERT INTO request_logs")
}

func TestKeyRepo_PruneLogs(t *testing.T) {
	pool := &poolStub{execTag: pgconn.NewCommandTag("DELETE 42")}
	repo := postgres.NewKeyRepo(pool)

	n, err := repo.PruneLogs(context.Background(), time.Now().Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
}

func TestKeyRepo_StatsSnapshot(t *testing.T) {
	// Every scalar query returns 2; snapshot should fill all fields.
	pool := &poolStub{row: rowStub{scan: func(dest ...any) error { *(dest[0].(*int64)) = 2; return nil }}}
	repo := postgres.NewKeyRepo(pool)

	st, err := repo.StatsSnapshot(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.TotalAllTime)
	assert.Equal(t, int64(2), st.Last1m)
	assert.Equal(t, int64(2), st.Last24h)
	assert.Equal(t, int64(2), st.TotalKeys)
	// 1 sum + 3 log windows + 3 status counts + 1 total
	assert.Len(t, pool.rowSQL, 8)
}

func TestBootstrap(t *testing.T) {
	pool := &poolStub{execTag: pgconn.NewCommandTag("CREATE TABLE")}
	require.NoError(t, postgres.Bootstrap(context.Background(), pool))
	assert.GreaterOrEqual(t, len(pool.execSQL), 2)
}

func TestBootstrap_Error(t *testing.T) {
	pool := &poolStub{execErr: assert.AnError}
	err := postgres.Bootstrap(context.Background(), pool)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=keys.bootstrap")
}
