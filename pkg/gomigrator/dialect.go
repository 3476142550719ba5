package gomigrator

import (
	"fmt"
	"strconv"

	"github.com/lib/pq"
)

// Dialect produces the database specific parts of the statements used by the
// lock and changelog tables. Generic statements are built on top of it.
type Dialect interface {
	Name() string
	// Placeholder returns the bind parameter for the n-th argument, starting at 1.
	Placeholder(n int) string
	QuoteTableName(schemaName, tableName string) string
	// TableExistsQuery returns a query yielding a single count column that is
	// non-zero when the table exists.
	TableExistsQuery(schemaName, tableName string) (string, []any)
	CreateLockTableSQL(quotedTable string) string
	CreateChangeLogTableSQL(quotedTable string) string
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DialectByDriver returns the dialect for a database/sql driver name.
func DialectByDriver(driver string) (Dialect, error) {
	switch driver {
	case DriverPostgres:
		return Postgres{}, nil
	case DriverSQLite:
		return SQLite{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}
}

type Postgres struct{}

func (Postgres) Name() string { return DriverPostgres }

func (Postgres) Placeholder(n int) string { return "$" + strconv.Itoa(n) }

func (Postgres) QuoteTableName(schemaName, tableName string) string {
	if schemaName == "" {
		return pq.QuoteIdentifier(tableName)
	}
	return pq.QuoteIdentifier(schemaName) + "." + pq.QuoteIdentifier(tableName)
}

func (Postgres) TableExistsQuery(schemaName, tableName string) (string, []any) {
	return `
		SELECT COUNT(*)
		FROM information_schema.tables
		WHERE table_schema = COALESCE(NULLIF($1, ''), current_schema()) AND table_name = $2`,
		[]any{schemaName, tableName}
}

func (Postgres) CreateLockTableSQL(quotedTable string) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY,
			locked BOOLEAN NOT NULL,
			lock_granted TIMESTAMPTZ,
			locked_by VARCHAR(255)
		)`, quotedTable)
}

func (Postgres) CreateChangeLogTableSQL(quotedTable string) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			name VARCHAR PRIMARY KEY,
			is_success BOOLEAN,
			applied_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`, quotedTable)
}

// SQLite has no schemas in the postgres sense; a schema name is treated as an
// attached database name.
type SQLite struct{}

func (SQLite) Name() string { return DriverSQLite }

func (SQLite) Placeholder(int) string { return "?" }

func (SQLite) QuoteTableName(schemaName, tableName string) string {
	if schemaName == "" {
		return pq.QuoteIdentifier(tableName)
	}
	return pq.QuoteIdentifier(schemaName) + "." + pq.QuoteIdentifier(tableName)
}

func (SQLite) TableExistsQuery(schemaName, tableName string) (string, []any) {
	master := "sqlite_master"
	if schemaName != "" {
		master = pq.QuoteIdentifier(schemaName) + ".sqlite_master"
	}
	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE type = 'table' AND name = ?", master), []any{tableName}
}

func (SQLite) CreateLockTableSQL(quotedTable string) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY,
			locked BOOLEAN NOT NULL,
			lock_granted DATETIME,
			locked_by TEXT
		)`, quotedTable)
}

func (SQLite) CreateChangeLogTableSQL(quotedTable string) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			name TEXT PRIMARY KEY,
			is_success BOOLEAN,
			applied_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`, quotedTable)
}

// lockStatements are the statements the handler runs against one lock table.
type lockStatements struct {
	selectLocked string
	acquire      string
	release      string
	selectAll    string
	insertRow    string
}

func newLockStatements(d Dialect, quotedTable string) lockStatements {
	p := d.Placeholder
	return lockStatements{
		selectLocked: fmt.Sprintf("SELECT locked FROM %s WHERE id = %s", quotedTable, p(1)),
		acquire: fmt.Sprintf(
			"UPDATE %s SET locked = %s, lock_granted = %s, locked_by = %s WHERE id = %s AND locked = %s",
			quotedTable, p(1), p(2), p(3), p(4), p(5),
		),
		release: fmt.Sprintf(
			"UPDATE %s SET locked = %s, lock_granted = NULL, locked_by = NULL WHERE id = %s",
			quotedTable, p(1), p(2),
		),
		selectAll: fmt.Sprintf("SELECT id, locked, lock_granted, locked_by FROM %s ORDER BY id", quotedTable),
		insertRow: fmt.Sprintf("INSERT INTO %s (id, locked) VALUES (%s, %s)", quotedTable, p(1), p(2)),
	}
}
