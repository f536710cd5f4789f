package postgres_test

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// rowStub implements pgx.Row
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

// rowsStub implements pgx.Rows over a scripted list of scan funcs.
type rowsStub struct {
	scans []func(dest ...any) error
	idx   int
	err   error
}

func (r *rowsStub) Next() bool                              { return r.idx < len(r.scans) }
func (r *rowsStub) Scan(dest ...any) error                  { s := r.scans[r.idx]; r.idx++; return s(dest...) }
func (r *rowsStub) Close()                                  {}
func (r *rowsStub) Err() error                              { return r.err }
func (r *rowsStub) CommandTag() pgconn.CommandTag           { return pgconn.CommandTag{} }
func (r *rowsStub) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *rowsStub) Values() ([]any, error)                  { return nil, nil }
func (r *rowsStub) RawValues() [][]byte                     { return nil }
func (r *rowsStub) Conn() *pgx.Conn                         { return nil }

// poolStub implements postgres.PgxPool for tests.
// Exec/QueryRow/Query behavior is scripted per test; executed SQL is recorded.
type poolStub struct {
	execTag  pgconn.CommandTag
	execErr  error
	row      pgx.Row
	rows     pgx.Rows
	queryErr error

	execSQL []string
	rowSQL  []string
}

func (p *poolStub) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	p.execSQL = append(p.execSQL, sql)
	return p.execTag, p.execErr
}

func (p *poolStub) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	p.rowSQL = append(p.rowSQL, sql)
	if p.row == nil {
		return rowStub{scan: func(_ ...any) error { return errors.New("no row configured") }}
	}
	return p.row
}

func (p *poolStub) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	p.rowSQL = append(p.rowSQL, sql)
	if p.queryErr != nil {
		return nil, p.queryErr
	}
	return p.rows, nil
}
