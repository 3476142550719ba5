package gomigrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// LockTableManager provisions the lock table. It keeps no state of its own.
type LockTableManager struct {
	db *Database
}

func NewLockTableManager(db *Database) *LockTableManager {
	return &LockTableManager{
		db: db,
	}
}

func (m *LockTableManager) DoesLockTableExist(ctx context.Context) (bool, error) {
	return m.db.DoesLockTableExist(ctx)
}

// EnsureLockTableExists creates the lock table and its unlocked row when they
// are missing. The table is never dropped.
func (m *LockTableManager) EnsureLockTableExists(ctx context.Context) error {
	exists, err := m.db.DoesLockTableExist(ctx)
	if err != nil {
		return err
	}

	quoted := m.db.EscapeTableName(m.db.SchemaName(), m.db.LockTableName())
	if !exists {
		_, err = m.db.ExecCommit(ctx, m.db.Dialect().CreateLockTableSQL(quoted))
		if err != nil {
			return fmt.Errorf("create lock table %s: %w", quoted, err)
		}
	}

	return m.ensureLockRow(ctx, quoted)
}

func (m *LockTableManager) ensureLockRow(ctx context.Context, quoted string) error {
	statements := newLockStatements(m.db.Dialect(), quoted)

	var locked bool
	err := m.db.conn.QueryRowContext(ctx, statements.selectLocked, lockRowID).Scan(&locked)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read lock row: %w", err)
	}

	_, err = m.db.ExecCommit(ctx, statements.insertRow, lockRowID, false)
	if err != nil {
		// A concurrent bootstrap may have inserted the row first.
		errRead := m.db.conn.QueryRowContext(ctx, statements.selectLocked, lockRowID).Scan(&locked)
		if errRead == nil {
			return nil
		}
		return fmt.Errorf("insert lock row: %w", err)
	}

	return nil
}

// ChangeLogTableManager provisions the migration history table that must exist
// before migrations are run under the lock.
type ChangeLogTableManager struct {
	db *Database
}

func NewChangeLogTableManager(db *Database) *ChangeLogTableManager {
	return &ChangeLogTableManager{
		db: db,
	}
}

func (m *ChangeLogTableManager) EnsureChangeLogTableExists(ctx context.Context) error {
	exists, err := m.db.DoesChangeLogTableExist(ctx)
	if err != nil || exists {
		return err
	}

	quoted := m.db.EscapeTableName(m.db.SchemaName(), m.db.ChangeLogTableName())
	_, err = m.db.ExecCommit(ctx, m.db.Dialect().CreateChangeLogTableSQL(quoted))
	if err != nil {
		return fmt.Errorf("create changelog table %s: %w", quoted, err)
	}

	return nil
}

// Bootstrap provisions the changelog table and then the lock table.
func Bootstrap(ctx context.Context, db *Database) error {
	err := NewChangeLogTableManager(db).EnsureChangeLogTableExists(ctx)
	if err != nil {
		return err
	}

	return NewLockTableManager(db).EnsureLockTableExists(ctx)
}
