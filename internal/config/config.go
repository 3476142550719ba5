package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DSN            string        `yaml:"dsn"`
	Driver         string        `yaml:"driver"`
	Schema         string        `yaml:"schema"`
	LockTable      string        `yaml:"lockTable"`
	ChangeLogTable string        `yaml:"changeLogTable"`
	Identity       string        `yaml:"identity"`
	WaitTimeout    time.Duration `yaml:"waitTimeout"`
	PollInterval   time.Duration `yaml:"pollInterval"`
	LogLevel       string        `yaml:"logLevel"`
}

// Flags holds values given on the command line; empty values are unset.
type Flags struct {
	DSN            string
	Driver         string
	Schema         string
	LockTable      string
	ChangeLogTable string
	Identity       string
	WaitTimeout    time.Duration
	PollInterval   time.Duration
	LogLevel       string
	ConfigFilePath string
}

const (
	defaultDriver         = "postgres"
	defaultLockTable      = "migration_lock"
	defaultChangeLogTable = "migration_schema"
	defaultWaitTimeout    = 5 * time.Minute
	defaultPollInterval   = 10 * time.Second
	defaultLogLevel       = "info"
)

var (
	ErrMissingConfigRequired = errors.New("missing config required: dsn")
	ErrInvalidConfig         = errors.New("invalid config")
)

// NewConfig resolves every field from flags, then the config file, then the
// environment, then defaults.
func NewConfig(flags Flags) (*Config, error) {
	conf := &Config{
		DSN:            flags.DSN,
		Driver:         flags.Driver,
		Schema:         flags.Schema,
		LockTable:      flags.LockTable,
		ChangeLogTable: flags.ChangeLogTable,
		Identity:       flags.Identity,
		WaitTimeout:    flags.WaitTimeout,
		PollInterval:   flags.PollInterval,
		LogLevel:       flags.LogLevel,
	}

	if flags.ConfigFilePath != "" {
		data, err := os.ReadFile(flags.ConfigFilePath)
		if err != nil {
			return nil, err
		}

		fileConfig := &Config{}

		err = yaml.Unmarshal(data, fileConfig)
		if err != nil {
			return nil, err
		}

		conf.merge(fileConfig)
	}

	envConfig, err := fromEnv()
	if err != nil {
		return nil, err
	}
	conf.merge(envConfig)

	conf.merge(&Config{
		Driver:         defaultDriver,
		LockTable:      defaultLockTable,
		ChangeLogTable: defaultChangeLogTable,
		WaitTimeout:    defaultWaitTimeout,
		PollInterval:   defaultPollInterval,
		LogLevel:       defaultLogLevel,
	})

	if conf.DSN == "" {
		return nil, ErrMissingConfigRequired
	}

	return conf, conf.validate()
}

// merge fills fields of conf that are still unset from other.
func (conf *Config) merge(other *Config) {
	setString(&conf.DSN, other.DSN)
	setString(&conf.Driver, other.Driver)
	setString(&conf.Schema, other.Schema)
	setString(&conf.LockTable, other.LockTable)
	setString(&conf.ChangeLogTable, other.ChangeLogTable)
	setString(&conf.Identity, other.Identity)
	setString(&conf.LogLevel, other.LogLevel)
	if conf.WaitTimeout == 0 {
		conf.WaitTimeout = other.WaitTimeout
	}
	if conf.PollInterval == 0 {
		conf.PollInterval = other.PollInterval
	}
}

func (conf *Config) validate() error {
	if conf.Driver != "postgres" && conf.Driver != "sqlite" {
		return fmt.Errorf("%w: driver %q, expected postgres or sqlite", ErrInvalidConfig, conf.Driver)
	}
	switch strings.ToLower(conf.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: log level %q, expected debug, info, warn or error", ErrInvalidConfig, conf.LogLevel)
	}
	if conf.WaitTimeout < 0 || conf.PollInterval < 0 {
		return fmt.Errorf("%w: durations must be positive", ErrInvalidConfig)
	}
	if conf.PollInterval > conf.WaitTimeout {
		return fmt.Errorf(
			"%w: poll interval %s exceeds wait timeout %s",
			ErrInvalidConfig,
			conf.PollInterval,
			conf.WaitTimeout,
		)
	}
	return nil
}

func fromEnv() (*Config, error) {
	conf := &Config{
		DSN:            os.Getenv("DB_DSN"),
		Driver:         os.Getenv("DB_DRIVER"),
		Schema:         os.Getenv("DB_SCHEMA"),
		LockTable:      os.Getenv("LOCK_TABLE"),
		ChangeLogTable: os.Getenv("CHANGELOG_TABLE"),
		Identity:       os.Getenv("LOCK_IDENTITY"),
		LogLevel:       os.Getenv("LOG_LEVEL"),
	}

	var err error
	conf.WaitTimeout, err = durationFromEnv("LOCK_WAIT_TIMEOUT")
	if err != nil {
		return nil, err
	}
	conf.PollInterval, err = durationFromEnv("LOCK_POLL_INTERVAL")
	if err != nil {
		return nil, err
	}

	return conf, nil
}

func durationFromEnv(key string) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, key, err)
	}
	return d, nil
}

func setString(dst *string, value string) {
	if *dst == "" {
		*dst = value
	}
}
