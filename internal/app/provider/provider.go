package provider

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"os"
	"strings"

	_ "github.com/lib/pq"  // DB driver
	_ "modernc.org/sqlite" // DB driver

	"github.com/prometheus/client_golang/prometheus"
	"github.com/uVazzi/gomigrator/internal/config"
	"github.com/uVazzi/gomigrator/pkg/gomigrator"
)

type AppContainer struct {
	conf     *config.Config
	db       *sql.DB
	database *gomigrator.Database
	registry *gomigrator.Registry
	logg     *gomigrator.Logger
}

func NewContainer(flags config.Flags) (*AppContainer, func()) {
	conf, err := config.NewConfig(flags)
	if err != nil {
		log.Fatalln("Fatal error on create config: " + err.Error())
	}

	container, err := newContainer(conf, prometheus.DefaultRegisterer)
	if err != nil {
		log.Fatalln("Fatal error on init db: " + err.Error())
	}

	closeCallback := func() {
		if err := container.Close(context.Background()); err != nil {
			log.Fatalln("Fatal error on close: " + err.Error())
		}
	}

	return container, closeCallback
}

func newContainer(conf *config.Config, reg prometheus.Registerer) (*AppContainer, error) {
	dialect, err := gomigrator.DialectByDriver(conf.Driver)
	if err != nil {
		return nil, err
	}

	db, err := newDB(conf.Driver, conf.DSN)
	if err != nil {
		return nil, err
	}

	logg := gomigrator.NewLoggerWithWriter(os.Stderr, gomigrator.ParseLevel(conf.LogLevel))

	database := gomigrator.NewDatabase(
		db,
		dialect,
		gomigrator.WithID(conf.Driver+"|"+conf.DSN+"|"+conf.Schema+"|"+conf.LockTable),
		gomigrator.WithSchema(conf.Schema),
		gomigrator.WithLockTable(conf.LockTable),
		gomigrator.WithChangeLogTable(conf.ChangeLogTable),
	)

	registry := gomigrator.NewRegistry(
		gomigrator.WithIdentity(conf.Identity),
		gomigrator.WithWaitTimeout(conf.WaitTimeout),
		gomigrator.WithPollInterval(conf.PollInterval),
		gomigrator.WithLogger(logg),
		gomigrator.WithMetrics(reg),
	)

	return &AppContainer{
		conf:     conf,
		db:       db,
		database: database,
		registry: registry,
		logg:     logg,
	}, nil
}

// sqliteBusyTimeout makes a writer wait for a competing write transaction
// instead of failing with SQLITE_BUSY.
const sqliteBusyTimeout = "busy_timeout(5000)"

func newDB(driver, dsn string) (*sql.DB, error) {
	if driver == gomigrator.DriverSQLite {
		dsn = sqliteDSN(dsn)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	err = db.Ping()
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// sqliteDSN adds the busy timeout pragma unless the DSN already sets one.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "busy_timeout") {
		return dsn
	}

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=" + sqliteBusyTimeout
}

func (container *AppContainer) GetLockHandler() *gomigrator.LockHandler {
	return container.registry.Get(container.database)
}

func (container *AppContainer) GetDatabase() *gomigrator.Database {
	return container.database
}

func (container *AppContainer) GetLogger() *gomigrator.Logger {
	return container.logg
}

// Detach drops the handler from the registry so Close leaves its lock held.
func (container *AppContainer) Detach() {
	container.registry.Remove(container.database)
}

// Close releases a lock still held by this process and closes the database.
func (container *AppContainer) Close(ctx context.Context) error {
	errRelease := container.registry.Close(ctx)
	if errRelease != nil {
		container.logg.Error("Failed release locks on close", "error", errRelease)
	}

	return errors.Join(errRelease, container.db.Close())
}
