package migrations

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/getpup/pupstore/es/store"
)

// Supported adapters.
const (
	AdapterPostgres = "postgres"
	AdapterMySQL    = "mysql"
	AdapterSQLite   = "sqlite"
)

// Config configures migration generation.
type Config struct {
	// OutputFolder is the directory where the migration file will be written
	OutputFolder string

	// OutputFilename is the name of the migration file
	OutputFilename string

	// Tables names the generated tables
	Tables store.Tables
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	timestamp := time.Now().Format("20060102150405")
	return Config{
		OutputFolder:   "migrations",
		OutputFilename: fmt.Sprintf("%s_init_event_store.sql", timestamp),
		Tables:         store.DefaultTables(),
	}
}

// Statements returns the DDL statements for the adapter, in execution order.
func Statements(adapter string, config *Config) ([]string, error) {
	t := config.Tables
	switch adapter {
	case AdapterPostgres:
		return postgresStatements(&t), nil
	case AdapterMySQL:
		return mysqlStatements(&t), nil
	case AdapterSQLite:
		return sqliteStatements(&t), nil
	default:
		return nil, fmt.Errorf("unsupported adapter: %s", adapter)
	}
}

// SQL returns the full migration script for the adapter.
func SQL(adapter string, config *Config) (string, error) {
	stmts, err := Statements(adapter, config)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "-- Event Store Migration for %s\n", adapter)
	fmt.Fprintf(&b, "-- Generated: %s\n\n", time.Now().Format(time.RFC3339))
	for _, stmt := range stmts {
		b.WriteString(stmt)
		b.WriteString(";\n\n")
	}
	return b.String(), nil
}

// Generate writes the migration file for the adapter.
func Generate(adapter string, config *Config) error {
	sql, err := SQL(adapter, config)
	if err != nil {
		return err
	}

	// Ensure output folder exists
	if err := os.MkdirAll(config.OutputFolder, 0o755); err != nil {
		return fmt.Errorf("failed to create output folder: %w", err)
	}

	outputPath := filepath.Join(config.OutputFolder, config.OutputFilename)
	if err := os.WriteFile(outputPath, []byte(sql), 0o600); err != nil {
		return fmt.Errorf("failed to write migration file: %w", err)
	}

	return nil
}

// GeneratePostgres generates a PostgreSQL migration file.
func GeneratePostgres(config *Config) error {
	return Generate(AdapterPostgres, config)
}

// GenerateMySQL generates a MySQL/MariaDB migration file.
func GenerateMySQL(config *Config) error {
	return Generate(AdapterMySQL, config)
}

// GenerateSQLite generates a SQLite migration file.
func GenerateSQLite(config *Config) error {
	return Generate(AdapterSQLite, config)
}

func postgresStatements(t *store.Tables) []string {
	return []string{
		fmt.Sprintf(`-- One row per stream name; deleted is terminal
CREATE TABLE IF NOT EXISTS %[1]s (
    stream_id BIGSERIAL PRIMARY KEY,
    stream_name TEXT NOT NULL UNIQUE,
    mark_deleted BOOLEAN NOT NULL DEFAULT FALSE,
    deleted BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, t.Streams),

		fmt.Sprintf(`-- Per-stream ACL overrides, one row per (operation, role)
CREATE TABLE IF NOT EXISTS %[1]s (
    stream_id BIGINT NOT NULL REFERENCES %[2]s (stream_id),
    operation SMALLINT NOT NULL,
    role TEXT NOT NULL,
    PRIMARY KEY (stream_id, operation, role)
)`, t.StreamACL, t.Streams),

		fmt.Sprintf(`-- Events table stores all events in append-only fashion
-- BYTEA for data and metadata: payloads are opaque
CREATE TABLE IF NOT EXISTS %[1]s (
    global_position BIGSERIAL PRIMARY KEY,
    stream_id BIGINT NOT NULL REFERENCES %[2]s (stream_id),
    event_number BIGINT NOT NULL,
    event_id UUID NOT NULL UNIQUE,
    event_type TEXT NOT NULL,
    is_json BOOLEAN NOT NULL DEFAULT FALSE,
    data BYTEA NOT NULL,
    metadata BYTEA,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    -- Ensure gap-free, unique numbering per stream
    UNIQUE (stream_id, event_number)
)`, t.Events, t.Streams),

		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_event_type
    ON %[1]s (event_type, global_position)`, t.Events),

		fmt.Sprintf(`-- Persistent subscription groups
CREATE TABLE IF NOT EXISTS %[1]s (
    stream_name TEXT NOT NULL,
    group_name TEXT NOT NULL,
    settings_json TEXT NOT NULL,
    checkpoint BIGINT NOT NULL DEFAULT -1,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (stream_name, group_name)
)`, t.Subscriptions),

		fmt.Sprintf(`-- Parked subscription events awaiting replay
CREATE TABLE IF NOT EXISTS %[1]s (
    stream_name TEXT NOT NULL,
    group_name TEXT NOT NULL,
    event_id UUID NOT NULL,
    event_number BIGINT NOT NULL,
    parked_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (stream_name, group_name, event_id)
)`, t.ParkedEvents),

		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_group
    ON %[1]s (stream_name, group_name, event_number)`, t.ParkedEvents),
	}
}

func mysqlStatements(t *store.Tables) []string {
	const engine = "ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_bin"
	return []string{
		fmt.Sprintf(`-- One row per stream name; deleted is terminal
CREATE TABLE IF NOT EXISTS %[1]s (
    stream_id BIGINT AUTO_INCREMENT PRIMARY KEY,
    stream_name VARCHAR(255) NOT NULL,
    mark_deleted BOOLEAN NOT NULL DEFAULT FALSE,
    deleted BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
    UNIQUE KEY unique_stream_name (stream_name)
) %[2]s`, t.Streams, engine),

		fmt.Sprintf(`-- Per-stream ACL overrides, one row per (operation, role)
CREATE TABLE IF NOT EXISTS %[1]s (
    stream_id BIGINT NOT NULL,
    operation SMALLINT NOT NULL,
    role VARCHAR(255) NOT NULL,
    PRIMARY KEY (stream_id, operation, role),
    FOREIGN KEY (stream_id) REFERENCES %[2]s (stream_id)
) %[3]s`, t.StreamACL, t.Streams, engine),

		fmt.Sprintf(`-- Events table stores all events in append-only fashion
CREATE TABLE IF NOT EXISTS %[1]s (
    global_position BIGINT AUTO_INCREMENT PRIMARY KEY,
    stream_id BIGINT NOT NULL,
    event_number BIGINT NOT NULL,
    event_id CHAR(36) NOT NULL,
    event_type VARCHAR(255) NOT NULL,
    is_json BOOLEAN NOT NULL DEFAULT FALSE,
    data LONGBLOB NOT NULL,
    metadata LONGBLOB,
    created_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
    UNIQUE KEY unique_event_id (event_id),

    -- Ensure gap-free, unique numbering per stream
    UNIQUE KEY unique_stream_event_number (stream_id, event_number),
    FOREIGN KEY (stream_id) REFERENCES %[2]s (stream_id)
) %[3]s`, t.Events, t.Streams, engine),

		fmt.Sprintf(`CREATE INDEX idx_%[1]s_event_type
    ON %[1]s (event_type, global_position)`, t.Events),

		fmt.Sprintf(`-- Persistent subscription groups
CREATE TABLE IF NOT EXISTS %[1]s (
    stream_name VARCHAR(255) NOT NULL,
    group_name VARCHAR(255) NOT NULL,
    settings_json TEXT NOT NULL,
    checkpoint BIGINT NOT NULL DEFAULT -1,
    created_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
    updated_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
    PRIMARY KEY (stream_name, group_name)
) %[2]s`, t.Subscriptions, engine),

		fmt.Sprintf(`-- Parked subscription events awaiting replay
CREATE TABLE IF NOT EXISTS %[1]s (
    stream_name VARCHAR(255) NOT NULL,
    group_name VARCHAR(255) NOT NULL,
    event_id CHAR(36) NOT NULL,
    event_number BIGINT NOT NULL,
    parked_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
    PRIMARY KEY (stream_name, group_name, event_id)
) %[2]s`, t.ParkedEvents, engine),

		fmt.Sprintf(`CREATE INDEX idx_%[1]s_group
    ON %[1]s (stream_name, group_name, event_number)`, t.ParkedEvents),
	}
}

func sqliteStatements(t *store.Tables) []string {
	return []string{
		fmt.Sprintf(`-- One row per stream name; deleted is terminal
CREATE TABLE IF NOT EXISTS %[1]s (
    stream_id INTEGER PRIMARY KEY AUTOINCREMENT,
    stream_name TEXT NOT NULL UNIQUE,
    mark_deleted INTEGER NOT NULL DEFAULT 0,
    deleted INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
)`, t.Streams),

		fmt.Sprintf(`-- Per-stream ACL overrides, one row per (operation, role)
CREATE TABLE IF NOT EXISTS %[1]s (
    stream_id INTEGER NOT NULL REFERENCES %[2]s (stream_id),
    operation INTEGER NOT NULL,
    role TEXT NOT NULL,
    PRIMARY KEY (stream_id, operation, role)
)`, t.StreamACL, t.Streams),

		fmt.Sprintf(`-- Events table stores all events in append-only fashion
CREATE TABLE IF NOT EXISTS %[1]s (
    global_position INTEGER PRIMARY KEY AUTOINCREMENT,
    stream_id INTEGER NOT NULL REFERENCES %[2]s (stream_id),
    event_number INTEGER NOT NULL,
    event_id TEXT NOT NULL UNIQUE,
    event_type TEXT NOT NULL,
    is_json INTEGER NOT NULL DEFAULT 0,
    data BLOB NOT NULL,
    metadata BLOB,
    created_at TEXT NOT NULL DEFAULT (datetime('now')),

    -- Ensure gap-free, unique numbering per stream
    UNIQUE (stream_id, event_number)
)`, t.Events, t.Streams),

		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_event_type
    ON %[1]s (event_type, global_position)`, t.Events),

		fmt.Sprintf(`-- Persistent subscription groups
CREATE TABLE IF NOT EXISTS %[1]s (
    stream_name TEXT NOT NULL,
    group_name TEXT NOT NULL,
    settings_json TEXT NOT NULL,
    checkpoint INTEGER NOT NULL DEFAULT -1,
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at TEXT NOT NULL DEFAULT (datetime('now')),
    PRIMARY KEY (stream_name, group_name)
)`, t.Subscriptions),

		fmt.Sprintf(`-- Parked subscription events awaiting replay
CREATE TABLE IF NOT EXISTS %[1]s (
    stream_name TEXT NOT NULL,
    group_name TEXT NOT NULL,
    event_id TEXT NOT NULL,
    event_number INTEGER NOT NULL,
    parked_at TEXT NOT NULL DEFAULT (datetime('now')),
    PRIMARY KEY (stream_name, group_name, event_id)
)`, t.ParkedEvents),

		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_group
    ON %[1]s (stream_name, group_name, event_number)`, t.ParkedEvents),
	}
}
