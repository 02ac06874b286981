// Package migrations provides SQL migration generation for the recorder tables.
package migrations

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/getpup/pupstore/es/adapters"
)

// Engine names accepted by Statements and Generate. They match adapters.Dialect.Name.
const (
	Postgres = "postgres"
	MySQL    = "mysql"
	SQLite   = "sqlite"
)

// Tables names the recorder tables. An empty name skips that table.
type Tables struct {
	// EventsTable stores event records and, through its id column, the notification log
	EventsTable string

	// SnapshotsTable stores snapshot records
	SnapshotsTable string

	// TrackingTable records processed upstream notifications
	TrackingTable string
}

// DefaultTables returns the default table names.
func DefaultTables() Tables {
	return Tables{
		EventsTable:    "stored_events",
		SnapshotsTable: "snapshots",
		TrackingTable:  "notification_tracking",
	}
}

// Validate checks every configured name with adapters.ValidateTableName.
func (t Tables) Validate() error {
	for _, name := range []string{t.EventsTable, t.SnapshotsTable, t.TrackingTable} {
		if name == "" {
			continue
		}
		if err := adapters.ValidateTableName(name); err != nil {
			return err
		}
	}
	return nil
}

// Config configures migration generation.
type Config struct {
	Tables

	// OutputFolder is the directory where the migration file will be written
	OutputFolder string

	// OutputFilename is the name of the migration file
	OutputFilename string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	timestamp := time.Now().Format("20060102150405")
	return Config{
		Tables:         DefaultTables(),
		OutputFolder:   "migrations",
		OutputFilename: fmt.Sprintf("%s_init_event_store.sql", timestamp),
	}
}

// Statements returns the DDL creating the tables, one statement per element,
// in execution order. Every statement is idempotent.
func Statements(engine string, tables Tables) ([]string, error) {
	if err := tables.Validate(); err != nil {
		return nil, err
	}

	var stmts []string
	switch engine {
	case Postgres:
		stmts = append(stmts, postgresSchemas(tables)...)
		if tables.EventsTable != "" {
			stmts = append(stmts, postgresEvents(tables.EventsTable)...)
		}
		if tables.SnapshotsTable != "" {
			stmts = append(stmts, postgresSnapshots(tables.SnapshotsTable))
		}
		if tables.TrackingTable != "" {
			stmts = append(stmts, postgresTracking(tables.TrackingTable))
		}
	case MySQL:
		if tables.EventsTable != "" {
			stmts = append(stmts, mysqlEvents(tables.EventsTable)...)
		}
		if tables.SnapshotsTable != "" {
			stmts = append(stmts, mysqlSnapshots(tables.SnapshotsTable))
		}
		if tables.TrackingTable != "" {
			stmts = append(stmts, mysqlTracking(tables.TrackingTable))
		}
	case SQLite:
		if tables.EventsTable != "" {
			stmts = append(stmts, sqliteEvents(tables.EventsTable)...)
		}
		if tables.SnapshotsTable != "" {
			stmts = append(stmts, sqliteSnapshots(tables.SnapshotsTable))
		}
		if tables.TrackingTable != "" {
			stmts = append(stmts, sqliteTracking(tables.TrackingTable))
		}
	default:
		return nil, fmt.Errorf("unsupported database engine %q", engine)
	}
	return stmts, nil
}

// Generate writes a migration file for the engine.
func Generate(engine string, config *Config) error {
	stmts, err := Statements(engine, config.Tables)
	if err != nil {
		return err
	}

	// Ensure output folder exists
	if err := os.MkdirAll(config.OutputFolder, 0o755); err != nil {
		return fmt.Errorf("failed to create output folder: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "-- Event Store Migration for %s\n", engine)
	fmt.Fprintf(&b, "-- Generated: %s\n", time.Now().Format(time.RFC3339))
	for _, stmt := range stmts {
		b.WriteString("\n")
		b.WriteString(stmt)
		b.WriteString(";\n")
	}

	outputPath := filepath.Join(config.OutputFolder, config.OutputFilename)
	if err := os.WriteFile(outputPath, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("failed to write migration file: %w", err)
	}

	return nil
}

// GeneratePostgres generates a PostgreSQL migration file.
func GeneratePostgres(config *Config) error {
	return Generate(Postgres, config)
}

// GenerateMySQL generates a MySQL/MariaDB migration file.
func GenerateMySQL(config *Config) error {
	return Generate(MySQL, config)
}

// GenerateSQLite generates a SQLite migration file.
func GenerateSQLite(config *Config) error {
	return Generate(SQLite, config)
}

func postgresSchemas(tables Tables) []string {
	var stmts []string
	seen := make(map[string]bool)
	for _, name := range []string{tables.EventsTable, tables.SnapshotsTable, tables.TrackingTable} {
		i := strings.LastIndex(name, ".")
		if i < 0 || seen[name[:i]] {
			continue
		}
		seen[name[:i]] = true
		stmts = append(stmts, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", name[:i]))
	}
	return stmts
}

func postgresEvents(table string) []string {
	base := adapters.BaseTableName(table)
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id BIGSERIAL PRIMARY KEY,
    originator_id UUID NOT NULL,
    originator_version BIGINT NOT NULL,
    topic TEXT NOT NULL,
    state BYTEA,
    CONSTRAINT %s_aggregate_idx UNIQUE (originator_id, originator_version)
)`, table, base),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_topic_idx
    ON %s (topic, id)`, base, table),
	}
}

func postgresSnapshots(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    originator_id UUID NOT NULL,
    originator_version BIGINT NOT NULL,
    topic TEXT NOT NULL,
    state BYTEA,
    PRIMARY KEY (originator_id, originator_version)
)`, table)
}

func postgresTracking(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    application_name VARCHAR(32) NOT NULL,
    notification_id BIGINT NOT NULL,
    PRIMARY KEY (application_name, notification_id)
)`, table)
}

func mysqlEvents(table string) []string {
	base := adapters.BaseTableName(table)
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id BIGINT NOT NULL AUTO_INCREMENT,
    originator_id BINARY(16) NOT NULL,
    originator_version BIGINT NOT NULL,
    topic VARCHAR(255) NOT NULL,
    state LONGBLOB,
    PRIMARY KEY (id),
    UNIQUE KEY %s_aggregate_idx (originator_id, originator_version),
    KEY %s_topic_idx (topic, id)
) ENGINE=InnoDB`, table, base, base),
		// single-row table locked FOR UPDATE to serialize notification ids
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s_lock (
    id INT NOT NULL PRIMARY KEY
) ENGINE=InnoDB`, table),
		fmt.Sprintf(`INSERT IGNORE INTO %s_lock (id) VALUES (1)`, table),
	}
}

func mysqlSnapshots(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    originator_id BINARY(16) NOT NULL,
    originator_version BIGINT NOT NULL,
    topic VARCHAR(255) NOT NULL,
    state LONGBLOB,
    PRIMARY KEY (originator_id, originator_version)
) ENGINE=InnoDB`, table)
}

func mysqlTracking(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    application_name VARCHAR(32) NOT NULL,
    notification_id BIGINT NOT NULL,
    PRIMARY KEY (application_name, notification_id)
) ENGINE=InnoDB`, table)
}

func sqliteEvents(table string) []string {
	base := adapters.BaseTableName(table)
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    originator_id TEXT NOT NULL,
    originator_version INTEGER NOT NULL,
    topic TEXT NOT NULL,
    state BLOB,
    CONSTRAINT %s_aggregate_idx UNIQUE (originator_id, originator_version)
)`, table, base),
		// SQLite qualifies the index, not the indexed table
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_topic_idx
    ON %s (topic, id)`, strings.TrimSuffix(table, base)+base, base),
	}
}

func sqliteSnapshots(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    originator_id TEXT NOT NULL,
    originator_version INTEGER NOT NULL,
    topic TEXT NOT NULL,
    state BLOB,
    PRIMARY KEY (originator_id, originator_version)
)`, table)
}

func sqliteTracking(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    application_name TEXT NOT NULL,
    notification_id INTEGER NOT NULL,
    PRIMARY KEY (application_name, notification_id)
)`, table)
}
