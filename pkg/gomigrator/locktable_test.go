package gomigrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureLockTableExists(t *testing.T) {
	ctx := context.Background()
	db, conn := newTestDatabase(t)
	manager := NewLockTableManager(db)

	exists, err := manager.DoesLockTableExist(ctx)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, manager.EnsureLockTableExists(ctx))

	exists, err = manager.DoesLockTableExist(ctx)
	require.NoError(t, err)
	assert.True(t, exists)

	row := readLockRow(t, conn.DB)
	assert.False(t, row.locked)
	assert.False(t, row.lockedBy.Valid)
}

func TestEnsureLockTableExistsIdempotent(t *testing.T) {
	ctx := context.Background()
	db, conn := newTestDatabase(t)
	manager := NewLockTableManager(db)
	require.NoError(t, manager.EnsureLockTableExists(ctx))

	_, err := conn.DB.Exec(`UPDATE "migration_lock" SET locked = 1, locked_by = 'A' WHERE id = 1`)
	require.NoError(t, err)

	require.NoError(t, manager.EnsureLockTableExists(ctx))

	var count int
	require.NoError(t, conn.DB.QueryRow(`SELECT COUNT(*) FROM "migration_lock"`).Scan(&count))
	assert.Equal(t, 1, count)
	assert.Equal(t, "A", readLockRow(t, conn.DB).lockedBy.String)
}

func TestEnsureLockTableExistsRestoresRow(t *testing.T) {
	ctx := context.Background()
	db, conn := newTestDatabase(t)
	manager := NewLockTableManager(db)
	require.NoError(t, manager.EnsureLockTableExists(ctx))

	_, err := conn.DB.Exec(`DELETE FROM "migration_lock"`)
	require.NoError(t, err)

	require.NoError(t, manager.EnsureLockTableExists(ctx))
	assert.False(t, readLockRow(t, conn.DB).locked)
}

func TestBootstrap(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDatabase(t)

	require.NoError(t, Bootstrap(ctx, db))
	require.NoError(t, Bootstrap(ctx, db))

	exists, err := db.DoesChangeLogTableExist(ctx)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = db.DoesLockTableExist(ctx)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestCustomTableNames(t *testing.T) {
	ctx := context.Background()
	conn := &countingConn{DB: newTestSQLite(t)}
	db := NewDatabase(conn, SQLite{}, WithLockTable("app_lock"), WithChangeLogTable("app_history"))

	h := newTestHandler(db, "A")
	require.NoError(t, h.WaitForLock(ctx))

	var lockedBy string
	require.NoError(t, conn.DB.QueryRow(`SELECT locked_by FROM "app_lock" WHERE id = 1`).Scan(&lockedBy))
	assert.Equal(t, "A", lockedBy)

	exists, err := db.DoesChangeLogTableExist(ctx)
	require.NoError(t, err)
	assert.True(t, exists)
}
