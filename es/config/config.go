// Package config loads pupstore configuration from a file and the
// environment and turns it into engine, subscription and migration options.
//
// Every key can be overridden with a PUPSTORE_ environment variable, with
// dots replaced by underscores (PUPSTORE_DATABASE_DSN for database.dsn).
package config

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/adapters/mysql"
	"github.com/getpup/pupstore/es/adapters/postgres"
	"github.com/getpup/pupstore/es/adapters/sqlite"
	"github.com/getpup/pupstore/es/engine"
	"github.com/getpup/pupstore/es/logging"
	"github.com/getpup/pupstore/es/migrations"
	"github.com/getpup/pupstore/es/store"
	"github.com/getpup/pupstore/es/subscription"
)

// EnvPrefix prefixes environment overrides.
const EnvPrefix = "pupstore"

type Config struct {
	Database      DatabaseConfig     `mapstructure:"database"`
	Tables        TablesConfig       `mapstructure:"tables"`
	Engine        EngineConfig       `mapstructure:"engine"`
	Subscriptions SubscriptionConfig `mapstructure:"subscriptions"`
	Log           LogConfig          `mapstructure:"log"`
	Migrations    MigrationsConfig   `mapstructure:"migrations"`
}

type DatabaseConfig struct {
	// Adapter is postgres, mysql or sqlite.
	Adapter string `mapstructure:"adapter"`
	DSN     string `mapstructure:"dsn"`

	// LockWait bounds each MySQL GET_LOCK attempt.
	LockWait time.Duration `mapstructure:"lock_wait"`
}

type TablesConfig struct {
	Streams       string `mapstructure:"streams"`
	StreamACL     string `mapstructure:"stream_acl"`
	Events        string `mapstructure:"events"`
	Subscriptions string `mapstructure:"subscriptions"`
	ParkedEvents  string `mapstructure:"parked_events"`
}

type EngineConfig struct {
	SettingsCacheTTL time.Duration `mapstructure:"settings_cache_ttl"`
}

type SubscriptionConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MigrationsConfig struct {
	OutputFolder   string `mapstructure:"output_folder"`
	OutputFilename string `mapstructure:"output_filename"`
}

// Load reads the configuration file at path, applying defaults and
// environment overrides. An empty path uses defaults and the environment only.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	tables := store.DefaultTables()
	migration := migrations.DefaultConfig()

	v.SetDefault("database.adapter", migrations.AdapterPostgres)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.lock_wait", mysql.DefaultDialectConfig().LockWait)
	v.SetDefault("tables.streams", tables.Streams)
	v.SetDefault("tables.stream_acl", tables.StreamACL)
	v.SetDefault("tables.events", tables.Events)
	v.SetDefault("tables.subscriptions", tables.Subscriptions)
	v.SetDefault("tables.parked_events", tables.ParkedEvents)
	v.SetDefault("engine.settings_cache_ttl", engine.DefaultConfig().SettingsCacheTTL)
	v.SetDefault("subscriptions.poll_interval", subscription.DefaultConfig().PollInterval)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("migrations.output_folder", migration.OutputFolder)
	v.SetDefault("migrations.output_filename", "")
}

func (c Config) Validate() error {
	switch c.Database.Adapter {
	case migrations.AdapterPostgres, migrations.AdapterMySQL, migrations.AdapterSQLite:
	default:
		return fmt.Errorf("database.adapter %q is not one of postgres, mysql, sqlite", c.Database.Adapter)
	}
	t := c.Tables
	if t.Streams == "" || t.StreamACL == "" || t.Events == "" || t.Subscriptions == "" || t.ParkedEvents == "" {
		return fmt.Errorf("tables.* names cannot be empty")
	}
	if c.Engine.SettingsCacheTTL < 0 {
		return fmt.Errorf("engine.settings_cache_ttl cannot be negative")
	}
	if c.Subscriptions.PollInterval <= 0 {
		return fmt.Errorf("subscriptions.poll_interval must be positive")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q is not one of text, json", c.Log.Format)
	}
	return nil
}

// StoreTables returns the configured table names.
func (c Config) StoreTables() store.Tables {
	return store.Tables{
		Streams:       c.Tables.Streams,
		StreamACL:     c.Tables.StreamACL,
		Events:        c.Tables.Events,
		Subscriptions: c.Tables.Subscriptions,
		ParkedEvents:  c.Tables.ParkedEvents,
	}
}

// DriverName returns the database/sql driver name for the adapter.
func (c Config) DriverName() string {
	return c.Database.Adapter
}

// Dialect returns the storage dialect for the adapter.
func (c Config) Dialect() store.Dialect {
	switch c.Database.Adapter {
	case migrations.AdapterMySQL:
		return mysql.NewDialect(mysql.WithLockWait(c.Database.LockWait))
	case migrations.AdapterSQLite:
		return sqlite.NewDialect()
	default:
		return postgres.NewDialect()
	}
}

// Logger builds the configured logger writing to w.
func (c Config) Logger(w io.Writer) (*logging.SlogLogger, error) {
	level, err := logging.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	return logging.NewHandlerLogger(w, c.Log.Format, level)
}

// EngineOptions returns the engine options for this configuration.
func (c Config) EngineOptions(logger es.Logger) []engine.Option {
	opts := []engine.Option{
		engine.WithTables(c.StoreTables()),
		engine.WithSettingsCacheTTL(c.Engine.SettingsCacheTTL),
	}
	if logger != nil {
		opts = append(opts, engine.WithLogger(logger))
	}
	return opts
}

// SubscriptionOptions returns the subscription manager options for this
// configuration.
func (c Config) SubscriptionOptions(logger es.Logger) []subscription.Option {
	opts := []subscription.Option{
		subscription.WithPollInterval(c.Subscriptions.PollInterval),
	}
	if logger != nil {
		opts = append(opts, subscription.WithLogger(logger))
	}
	return opts
}

// MigrationConfig returns the migration generator configuration.
func (c Config) MigrationConfig() migrations.Config {
	cfg := migrations.DefaultConfig()
	cfg.Tables = c.StoreTables()
	if c.Migrations.OutputFolder != "" {
		cfg.OutputFolder = c.Migrations.OutputFolder
	}
	if c.Migrations.OutputFilename != "" {
		cfg.OutputFilename = c.Migrations.OutputFilename
	}
	return cfg
}
