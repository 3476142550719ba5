package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/uVazzi/gomigrator/internal/app/provider"
	"github.com/uVazzi/gomigrator/internal/config"
	"github.com/uVazzi/gomigrator/pkg/gomigrator"
)

var commands = &cobra.Command{
	Use:           "gomigrator",
	Long:          `Database lock manager for schema migrations`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	ErrMissingCommand  = errors.New("missing command to run")
	ErrLockNotAcquired = errors.New("lock is held by another process")
)

func main() {
	flags := getParams()
	appProvider, closeCallback := provider.NewContainer(flags)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	addLockCommands(commands, appProvider)
	err := commands.ExecuteContext(ctx)
	stop()
	closeCallback()
	if err != nil {
		log.Fatalln(err) //nolint:gocritic
	}
}

func getParams() config.Flags {
	var flags config.Flags
	pf := commands.PersistentFlags()
	pf.StringVar(&flags.DSN, "dsn", "", "Database DSN")
	pf.StringVar(&flags.Driver, "driver", "", "Database driver: postgres or sqlite")
	pf.StringVar(&flags.Schema, "schema", "", "Schema holding the lock table")
	pf.StringVar(&flags.LockTable, "lock-table", "", "Lock table name")
	pf.StringVar(&flags.ChangeLogTable, "changelog-table", "", "Migration history table name")
	pf.StringVar(&flags.Identity, "identity", "", "Value recorded as the lock holder")
	pf.DurationVar(&flags.WaitTimeout, "wait-timeout", 0, "How long to wait for the lock")
	pf.DurationVar(&flags.PollInterval, "poll-interval", 0, "Delay between lock attempts")
	pf.StringVar(&flags.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&flags.ConfigFilePath, "config", "", "Path to configuration file")

	// Позже cobra сама сделает ParseFlags при Execute, но нам нужны данные до Execute
	_ = commands.ParseFlags(os.Args[1:])

	return flags
}

func addLockCommands(root *cobra.Command, appProvider *provider.AppContainer) {
	handler := appProvider.GetLockHandler()
	database := appProvider.GetDatabase()

	commandInit := &cobra.Command{
		Use:   "init",
		Short: "Create the changelog and lock tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return gomigrator.Bootstrap(cmd.Context(), database)
		},
	}

	commandListLocks := &cobra.Command{
		Use:   "list-locks",
		Short: "Print the current lock holders",
		RunE: func(cmd *cobra.Command, _ []string) error {
			locks, err := handler.ListLocks(cmd.Context())
			if err != nil {
				return err
			}
			printLocks(cmd, database.LockTableName(), locks)
			return nil
		},
	}

	commandReleaseLocks := &cobra.Command{
		Use:   "release-locks",
		Short: "Force release the lock whoever holds it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return handler.ForceReleaseLock(cmd.Context())
		},
	}

	commandAcquire := &cobra.Command{
		Use:   "acquire",
		Short: "Try once to take the lock and keep it after exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			acquired, err := handler.AcquireLock(cmd.Context())
			if err != nil {
				return err
			}
			if !acquired {
				return ErrLockNotAcquired
			}
			// keep the lock after the process exits
			appProvider.Detach()
			return nil
		},
	}

	commandRelease := &cobra.Command{
		Use:   "release",
		Short: "Release the lock",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return handler.ReleaseLock(cmd.Context())
		},
	}

	commandRun := &cobra.Command{
		Use:   "run -- command [args...]",
		Short: "Wait for the lock, run a command and release the lock",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return ErrMissingCommand
			}

			return gomigrator.WithLock(cmd.Context(), handler, func(ctx context.Context) error {
				child := exec.CommandContext(ctx, args[0], args[1:]...)
				child.Stdin = os.Stdin
				child.Stdout = cmd.OutOrStdout()
				child.Stderr = cmd.ErrOrStderr()
				return child.Run()
			})
		},
	}

	root.AddCommand(
		commandInit,
		commandListLocks,
		commandReleaseLocks,
		commandAcquire,
		commandRelease,
		commandRun,
	)
}

func printLocks(cmd *cobra.Command, table string, locks []gomigrator.LockRecord) {
	out := cmd.OutOrStdout()
	if len(locks) == 0 {
		fmt.Fprintf(out, "No locks held in %s\n", table)
		return
	}

	formatForPrint := "%-5s %-60s %-25s \n"
	fmt.Fprintf(out, formatForPrint, "ID", "Locked by", "Granted at")
	for _, lock := range locks {
		grantedAt := "-"
		if lock.GrantedAt != nil {
			grantedAt = lock.GrantedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(out, formatForPrint, fmt.Sprint(lock.ID), lock.LockedBy, grantedAt)
	}
}
