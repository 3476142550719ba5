package gomigrator

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite" // DB driver
)

// countingConn counts every statement and transaction that reaches the database.
type countingConn struct {
	*sql.DB
	calls       atomic.Int64
	beforeBegin func()
}

func (c *countingConn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	c.calls.Add(1)
	return c.DB.ExecContext(ctx, query, args...)
}

func (c *countingConn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	c.calls.Add(1)
	return c.DB.QueryContext(ctx, query, args...)
}

func (c *countingConn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	c.calls.Add(1)
	return c.DB.QueryRowContext(ctx, query, args...)
}

func (c *countingConn) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	c.calls.Add(1)
	if c.beforeBegin != nil {
		hook := c.beforeBegin
		c.beforeBegin = nil
		hook()
	}
	return c.DB.BeginTx(ctx, opts)
}

func newTestSQLite(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "lock.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	return db
}

func newTestDatabase(t *testing.T) (*Database, *countingConn) {
	t.Helper()

	conn := &countingConn{DB: newTestSQLite(t)}
	return NewDatabase(conn, SQLite{}), conn
}

func quietLogger() *Logger {
	return NewLoggerWithWriter(io.Discard, slog.LevelDebug)
}

func newTestHandler(db *Database, identity string, opts ...HandlerOption) *LockHandler {
	base := []HandlerOption{
		WithIdentity(identity),
		WithLogger(quietLogger()),
		WithWaitTimeout(time.Second),
		WithPollInterval(10 * time.Millisecond),
	}
	return NewLockHandler(db, append(base, opts...)...)
}

func provisionLockTable(t *testing.T, db *Database) {
	t.Helper()
	require.NoError(t, NewLockTableManager(db).EnsureLockTableExists(context.Background()))
}

type lockRow struct {
	locked   bool
	lockedBy sql.NullString
}

func readLockRow(t *testing.T, db *sql.DB) lockRow {
	t.Helper()

	var row lockRow
	err := db.QueryRow(`SELECT locked, locked_by FROM "migration_lock" WHERE id = 1`).Scan(&row.locked, &row.lockedBy)
	require.NoError(t, err)
	return row
}
