// Package store is the thin abstraction over the relational store that
// internal/build, internal/children, and internal/logstream are written
// against. It exists so those packages share one SQL template across
// SQLite and Postgres instead of hand-rolling dialect branches, the way
// the teacher's apps/daemon/internal/db/db.go talks directly to
// database/sql but never needed to support two engines at once.
package store

import (
	"context"
	"database/sql"

	"github.com/schererja/forgebuild/internal/forgeerr"
)

// Store acquires Conns from a pool and owns the underlying engine handle.
type Store interface {
	// Connection acquires a Conn for the duration of one logical
	// operation. Callers must Close it when done.
	Connection(ctx context.Context) (Conn, error)
	Close() error
}

// Conn is a single logical connection (or connection-equivalent, for
// engines like SQLite where database/sql already pools internally)
// against which statements are run.
type Conn interface {
	Exec(ctx context.Context, query string, args ...any) (rowsAffected int64, err error)
	QueryRow(ctx context.Context, query string, args ...any) *sql.Row
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)

	// Placeholder renders the i'th (1-based) bound parameter in this
	// engine's dialect: "?" for SQLite, "$1"/"$2"/... for Postgres.
	Placeholder(i int) string

	// SerializeBuildWrites takes whatever lock this engine needs to make
	// the per-build max(position)+1 insert pattern race-free, then runs
	// fn against a Conn scoped to that lock. SQLite needs no extra lock
	// (single-writer) and passes itself through; Postgres takes a
	// SELECT ... FOR UPDATE on the build row inside a transaction and
	// passes fn a Conn bound to that transaction.
	SerializeBuildWrites(ctx context.Context, buildID string, fn func(ctx context.Context, c Conn) error) error

	Close() error
}

// QueryOneValue runs query, scans the single returned row into a T via
// scan, and wraps sql.ErrNoRows as forgeerr.KindNotFound.
func QueryOneValue[T any](ctx context.Context, conn Conn, query string, args []any, scan func(*sql.Row) (T, error)) (T, error) {
	var zero T
	row := conn.QueryRow(ctx, query, args...)
	v, err := scan(row)
	if err == sql.ErrNoRows {
		return zero, forgeerr.New(forgeerr.KindNotFound, "no matching row")
	}
	if err != nil {
		return zero, forgeerr.Wrap(forgeerr.KindUnavailable, "query one value", err)
	}
	return v, nil
}

// QueryAllValues runs query and scans every row into a T via scan.
func QueryAllValues[T any](ctx context.Context, conn Conn, query string, args []any, scan func(*sql.Rows) (T, error)) ([]T, error) {
	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, forgeerr.Wrap(forgeerr.KindUnavailable, "query all values", err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, forgeerr.Wrap(forgeerr.KindInternal, "scan row", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, forgeerr.Wrap(forgeerr.KindUnavailable, "iterate rows", err)
	}
	return out, nil
}
