// Package sqlite provides the SQLite dialect over modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/adapters"
	"github.com/getpup/pupstore/es/store"
)

// Config contains configuration for the SQLite dialect.
type Config struct {
	// InMemory confines the pool to a single connection, which owns the database
	InMemory bool

	// WAL switches file databases to write-ahead logging so readers do not
	// block the writer
	WAL bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		WAL: true,
	}
}

// Option configures the dialect.
type Option func(*Config)

// WithInMemory marks the database as in-memory.
func WithInMemory(inMemory bool) Option {
	return func(c *Config) {
		c.InMemory = inMemory
	}
}

// WithWAL enables or disables write-ahead logging for file databases.
func WithWAL(enabled bool) Option {
	return func(c *Config) {
		c.WAL = enabled
	}
}

// Dialect implements adapters.Dialect for SQLite.
type Dialect struct {
	config Config
}

var _ adapters.Dialect = (*Dialect)(nil)

// NewDialect creates a SQLite dialect.
func NewDialect(opts ...Option) *Dialect {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return &Dialect{config: config}
}

// IsInMemory reports whether a SQLite DSN names an in-memory database.
func IsInMemory(dsn string) bool {
	return dsn == "" ||
		strings.Contains(dsn, ":memory:") ||
		strings.Contains(dsn, "mode=memory")
}

// Name implements adapters.Dialect.
func (d *Dialect) Name() string { return "sqlite" }

// DriverName implements adapters.Dialect.
func (d *Dialect) DriverName() string { return "sqlite" }

// Rebind implements adapters.Dialect.
func (d *Dialect) Rebind(query string) string { return query }

// EncodeUUID implements adapters.Dialect. Originator ids are stored as text.
func (d *Dialect) EncodeUUID(id uuid.UUID) interface{} {
	return id.String()
}

// InsertID implements adapters.Dialect.
func (d *Dialect) InsertID(ctx context.Context, tx es.DBTX, query string, args ...interface{}) (int64, error) {
	return adapters.LastInsertID(ctx, tx, query, args...)
}

// LockNotifications implements adapters.Dialect.
// SQLite admits one writer per database; the datastore serializes writing
// transactions of file databases in-process (see SerializeWrites).
func (d *Dialect) LockNotifications(_ context.Context, _ es.DBTX, _ string) error {
	return nil
}

// Setup implements adapters.Dialect.
func (d *Dialect) Setup(ctx context.Context, db *sql.DB) error {
	if d.config.InMemory {
		// every new connection would open a new, empty database
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
		return nil
	}
	if !d.config.WAL {
		return nil
	}
	var mode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&mode); err != nil {
		return fmt.Errorf("failed to enable WAL: %w", d.Classify(err))
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("%w: journal mode is %q, not wal", store.ErrOperational, mode)
	}
	return nil
}

// SerializeWrites implements adapters.Dialect. In-memory databases are
// already serialized by their single connection.
func (d *Dialect) SerializeWrites() bool { return !d.config.InMemory }

// Classify implements adapters.Dialect.
func (d *Dialect) Classify(err error) error {
	if err == nil || adapters.Classified(err) {
		return err
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		kind, unique := classifyCode(sqliteErr.Code())
		return store.NewDatabaseError(kind, unique, err)
	}
	if adapters.IsConnectionError(err) {
		return store.NewDatabaseError(store.ErrConnectionFailure, false, err)
	}
	return store.NewDatabaseError(store.ErrDatabase, false, err)
}

func classifyCode(code int) (kind error, unique bool) {
	switch code {
	case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
		return store.ErrIntegrityViolation, true
	}
	// extended result codes keep the primary code in the low byte
	switch code & 0xff {
	case sqlite3lib.SQLITE_CONSTRAINT:
		return store.ErrIntegrityViolation, false
	case sqlite3lib.SQLITE_BUSY, sqlite3lib.SQLITE_LOCKED, sqlite3lib.SQLITE_FULL, sqlite3lib.SQLITE_IOERR:
		return store.ErrOperational, false
	case sqlite3lib.SQLITE_ERROR, sqlite3lib.SQLITE_RANGE, sqlite3lib.SQLITE_MISUSE, sqlite3lib.SQLITE_READONLY:
		return store.ErrProgramming, false
	case sqlite3lib.SQLITE_CANTOPEN, sqlite3lib.SQLITE_NOTADB, sqlite3lib.SQLITE_CORRUPT:
		return store.ErrConnectionFailure, false
	}
	return store.ErrDatabase, false
}
