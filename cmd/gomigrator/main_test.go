package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uVazzi/gomigrator/internal/app/provider"
	"github.com/uVazzi/gomigrator/internal/config"
	"github.com/uVazzi/gomigrator/pkg/gomigrator"
)

func newTestContainer(t *testing.T, dsn, identity string) (*provider.AppContainer, func()) {
	t.Helper()
	return provider.NewContainer(config.Flags{
		DSN:          dsn,
		Driver:       "sqlite",
		Identity:     identity,
		WaitTimeout:  time.Second,
		PollInterval: 10 * time.Millisecond,
		LogLevel:     "error",
	})
}

// execute runs args against a fresh command tree, the way main does.
func execute(appProvider *provider.AppContainer, args ...string) (string, error) {
	var out bytes.Buffer
	root := &cobra.Command{Use: "gomigrator", SilenceUsage: true, SilenceErrors: true}
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)

	addLockCommands(root, appProvider)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func listLocks(t *testing.T, dsn string) []gomigrator.LockRecord {
	t.Helper()
	appProvider, closeCallback := newTestContainer(t, dsn, "observer")
	defer closeCallback()

	locks, err := appProvider.GetLockHandler().ListLocks(context.Background())
	require.NoError(t, err)
	return locks
}

func TestAcquireCommand(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "lock.db")

	appProvider, closeCallback := newTestContainer(t, dsn, "cli-a")
	_, err := execute(appProvider, "init")
	require.NoError(t, err)
	_, err = execute(appProvider, "acquire")
	require.NoError(t, err)
	closeCallback()

	locks := listLocks(t, dsn)
	require.Len(t, locks, 1)
	assert.Equal(t, "cli-a", locks[0].LockedBy)

	other, closeOther := newTestContainer(t, dsn, "cli-b")
	_, err = execute(other, "acquire")
	assert.ErrorIs(t, err, ErrLockNotAcquired)
	closeOther()

	locks = listLocks(t, dsn)
	require.Len(t, locks, 1)
	assert.Equal(t, "cli-a", locks[0].LockedBy)
}

func TestAcquireCommandWithoutTable(t *testing.T) {
	appProvider, closeCallback := newTestContainer(t, filepath.Join(t.TempDir(), "lock.db"), "cli-a")
	defer closeCallback()

	_, err := execute(appProvider, "acquire")
	assert.ErrorIs(t, err, gomigrator.ErrLockTableNotExist)
}

func TestReleaseCommand(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "lock.db")

	appProvider, closeCallback := newTestContainer(t, dsn, "cli-a")
	_, err := execute(appProvider, "init")
	require.NoError(t, err)
	_, err = execute(appProvider, "acquire")
	require.NoError(t, err)
	closeCallback()

	releaser, closeReleaser := newTestContainer(t, dsn, "cli-b")
	_, err = execute(releaser, "release")
	require.NoError(t, err)

	out, err := execute(releaser, "list-locks")
	require.NoError(t, err)
	assert.Equal(t, "No locks held in migration_lock\n", out)
	closeReleaser()

	assert.Empty(t, listLocks(t, dsn))
}

func TestReleaseLocksCommand(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "lock.db")

	appProvider, closeCallback := newTestContainer(t, dsn, "cli-a")
	_, err := execute(appProvider, "init")
	require.NoError(t, err)
	_, err = execute(appProvider, "acquire")
	require.NoError(t, err)
	closeCallback()

	operator, closeOperator := newTestContainer(t, dsn, "operator")
	out, err := execute(operator, "list-locks")
	require.NoError(t, err)
	assert.Contains(t, out, "cli-a")

	_, err = execute(operator, "release-locks")
	require.NoError(t, err)
	closeOperator()

	assert.Empty(t, listLocks(t, dsn))
}

func TestRunCommand(t *testing.T) {
	t.Run("missing command", func(t *testing.T) {
		appProvider, closeCallback := newTestContainer(t, filepath.Join(t.TempDir(), "lock.db"), "cli-a")
		defer closeCallback()

		_, err := execute(appProvider, "run")
		assert.ErrorIs(t, err, ErrMissingCommand)
	})

	t.Run("releases after the command", func(t *testing.T) {
		dsn := filepath.Join(t.TempDir(), "lock.db")
		appProvider, closeCallback := newTestContainer(t, dsn, "cli-a")

		// the test binary with no tests selected exits 0
		_, err := execute(appProvider, "run", "--", os.Args[0], "-test.run=^$")
		require.NoError(t, err)
		assert.False(t, appProvider.GetLockHandler().Holding())
		closeCallback()

		assert.Empty(t, listLocks(t, dsn))
	})

	t.Run("releases after a failed command", func(t *testing.T) {
		dsn := filepath.Join(t.TempDir(), "lock.db")
		appProvider, closeCallback := newTestContainer(t, dsn, "cli-a")

		_, err := execute(appProvider, "run", "--", os.Args[0], "-test.no-such-flag")
		require.Error(t, err)
		closeCallback()

		assert.Empty(t, listLocks(t, dsn))
	})

	t.Run("waits for another holder", func(t *testing.T) {
		dsn := filepath.Join(t.TempDir(), "lock.db")
		holder, closeHolder := newTestContainer(t, dsn, "cli-a")
		_, err := execute(holder, "init")
		require.NoError(t, err)
		_, err = execute(holder, "acquire")
		require.NoError(t, err)
		closeHolder()

		appProvider, closeCallback := newTestContainer(t, dsn, "cli-b")
		defer closeCallback()

		_, err = execute(appProvider, "run", "--", os.Args[0], "-test.run=^$")
		assert.ErrorIs(t, err, gomigrator.ErrWaitTimeout)
	})
}

func TestPrintLocks(t *testing.T) {
	t.Run("no locks", func(t *testing.T) {
		var out bytes.Buffer
		cmd := &cobra.Command{}
		cmd.SetOut(&out)

		printLocks(cmd, "migration_lock", nil)
		assert.Equal(t, "No locks held in migration_lock\n", out.String())
	})

	t.Run("held lock", func(t *testing.T) {
		var out bytes.Buffer
		cmd := &cobra.Command{}
		cmd.SetOut(&out)

		granted := time.Date(2025, 5, 15, 10, 11, 57, 0, time.UTC)
		printLocks(cmd, "migration_lock", []gomigrator.LockRecord{
			{ID: 1, Locked: true, GrantedAt: &granted, LockedBy: "host (id)"},
		})

		output := out.String()
		assert.Contains(t, output, "Locked by")
		assert.Contains(t, output, "host (id)")
		assert.Contains(t, output, "2025-05-15T10:11:57Z")
	})
}
