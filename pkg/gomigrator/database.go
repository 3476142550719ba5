package gomigrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const (
	DefaultLockTable      = "migration_lock"
	DefaultChangeLogTable = "migration_schema"
)

var ErrUnsupportedDriver = errors.New("unsupported database driver")

// Conn is the minimal connection needed by the lock manager.
// Implemented by *sql.DB and *sql.Conn.
type Conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Database binds a connection to a dialect and the names of the tables the
// lock manager works with.
type Database struct {
	conn           Conn
	dialect        Dialect
	id             string
	schema         string
	lockTable      string
	changeLogTable string
}

type DatabaseOption func(*Database)

// WithID sets the identity the Registry caches handlers under.
func WithID(id string) DatabaseOption {
	return func(d *Database) {
		d.id = id
	}
}

func WithSchema(schema string) DatabaseOption {
	return func(d *Database) {
		d.schema = schema
	}
}

func WithLockTable(name string) DatabaseOption {
	return func(d *Database) {
		if name != "" {
			d.lockTable = name
		}
	}
}

func WithChangeLogTable(name string) DatabaseOption {
	return func(d *Database) {
		if name != "" {
			d.changeLogTable = name
		}
	}
}

func NewDatabase(conn Conn, dialect Dialect, opts ...DatabaseOption) *Database {
	d := &Database{
		conn:           conn,
		dialect:        dialect,
		lockTable:      DefaultLockTable,
		changeLogTable: DefaultChangeLogTable,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.id == "" {
		d.id = fmt.Sprintf("%s:%p", dialect.Name(), conn)
	}
	return d
}

func (d *Database) ID() string { return d.id }

func (d *Database) Dialect() Dialect { return d.dialect }

func (d *Database) SchemaName() string { return d.schema }

func (d *Database) LockTableName() string { return d.lockTable }

func (d *Database) ChangeLogTableName() string { return d.changeLogTable }

func (d *Database) EscapeTableName(schemaName, tableName string) string {
	return d.dialect.QuoteTableName(schemaName, tableName)
}

func (d *Database) DoesLockTableExist(ctx context.Context) (bool, error) {
	return d.tableExists(ctx, d.lockTable)
}

func (d *Database) DoesChangeLogTableExist(ctx context.Context) (bool, error) {
	return d.tableExists(ctx, d.changeLogTable)
}

func (d *Database) tableExists(ctx context.Context, table string) (bool, error) {
	query, args := d.dialect.TableExistsQuery(d.schema, table)

	var count int
	err := d.conn.QueryRowContext(ctx, query, args...).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check table %s exists: %w", table, err)
	}

	return count > 0, nil
}

// ExecCommit runs a single statement in its own transaction and commits it so
// the change is visible to other connections before returning.
func (d *Database) ExecCommit(ctx context.Context, query string, args ...any) (int64, error) {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		if errRollback := tx.Rollback(); errRollback != nil {
			return 0, errors.Join(err, errRollback)
		}
		return 0, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}

	if err = tx.Commit(); err != nil {
		return 0, err
	}

	return affected, nil
}
