package store

import (
	"context"
	"database/sql"
	_ "embed"

	_ "github.com/mattn/go-sqlite3"

	"github.com/schererja/forgebuild/internal/forgeerr"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// SQLite is a Store backed by database/sql + mattn/go-sqlite3.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if necessary) the SQLite database at path,
// enables WAL and foreign keys the way the teacher's db.Open does, and
// runs the embedded schema as an idempotent migration.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, forgeerr.Wrap(forgeerr.KindUnavailable, "open sqlite database", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, forgeerr.Wrap(forgeerr.KindUnavailable, "enable foreign keys", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		db.Close()
		return nil, forgeerr.Wrap(forgeerr.KindUnavailable, "enable wal", err)
	}
	// SQLite's single writer means a pool bigger than one connection
	// only adds lock-contention churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, forgeerr.Wrap(forgeerr.KindUnavailable, "migrate sqlite schema", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Connection(ctx context.Context) (Conn, error) {
	if err := s.db.PingContext(ctx); err != nil {
		return nil, forgeerr.Wrap(forgeerr.KindUnavailable, "acquire sqlite connection", err)
	}
	return &sqliteConn{db: s.db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

type sqliteConn struct {
	db *sql.DB
}

func (c *sqliteConn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c *sqliteConn) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.db.QueryRowContext(ctx, query, args...)
}

func (c *sqliteConn) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.db.QueryContext(ctx, query, args...)
}

func (c *sqliteConn) Placeholder(int) string { return "?" }

// SerializeBuildWrites relies on SQLite's single-writer semantics (the
// pool is capped to one open connection above): no extra lock is needed.
func (c *sqliteConn) SerializeBuildWrites(ctx context.Context, _ string, fn func(ctx context.Context, c Conn) error) error {
	return fn(ctx, c)
}

func (c *sqliteConn) Close() error { return nil }
