package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/jackc/pgx/v4/stdlib"

	"github.com/schererja/forgebuild/internal/forgeerr"
)

//go:embed schema_postgres.sql
var postgresSchema string

// Postgres is a Store backed by database/sql + jackc/pgx/v4's stdlib
// driver.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres opens dsn and runs the embedded schema as an idempotent
// migration.
func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, forgeerr.Wrap(forgeerr.KindUnavailable, "open postgres database", err)
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, forgeerr.Wrap(forgeerr.KindUnavailable, "migrate postgres schema", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Connection(ctx context.Context) (Conn, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, forgeerr.Wrap(forgeerr.KindUnavailable, "acquire postgres connection", err)
	}
	return &postgresConn{conn: conn}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

type postgresConn struct {
	conn *sql.Conn
}

func (c *postgresConn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := c.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c *postgresConn) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.conn.QueryRowContext(ctx, query, args...)
}

func (c *postgresConn) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.conn.QueryContext(ctx, query, args...)
}

func (c *postgresConn) Placeholder(i int) string { return fmt.Sprintf("$%d", i) }

// SerializeBuildWrites takes a row lock on the build's own record before
// running fn, standing in for SQLite's single-writer guarantee. fn runs
// against a Conn bound to the locking transaction so its statements see
// the lock.
func (c *postgresConn) SerializeBuildWrites(ctx context.Context, buildID string, fn func(ctx context.Context, c Conn) error) error {
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return forgeerr.Wrap(forgeerr.KindUnavailable, "begin serialization transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT id FROM builds WHERE id = $1 FOR UPDATE`, buildID); err != nil {
		return forgeerr.Wrap(forgeerr.KindUnavailable, "lock build row", err)
	}
	if err := fn(ctx, &postgresTxConn{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return forgeerr.Wrap(forgeerr.KindUnavailable, "commit serialization transaction", err)
	}
	return nil
}

func (c *postgresConn) Close() error { return c.conn.Close() }

// postgresTxConn is the Conn handed to SerializeBuildWrites callbacks: it
// runs every statement inside the already-open locking transaction.
type postgresTxConn struct {
	tx *sql.Tx
}

func (c *postgresTxConn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := c.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c *postgresTxConn) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.tx.QueryRowContext(ctx, query, args...)
}

func (c *postgresTxConn) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.tx.QueryContext(ctx, query, args...)
}

func (c *postgresTxConn) Placeholder(i int) string { return fmt.Sprintf("$%d", i) }

func (c *postgresTxConn) SerializeBuildWrites(ctx context.Context, _ string, fn func(ctx context.Context, conn Conn) error) error {
	return fn(ctx, c)
}

func (c *postgresTxConn) Close() error { return nil }
