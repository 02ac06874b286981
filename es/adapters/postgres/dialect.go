// Package postgres provides the PostgreSQL dialect.
//
// Both github.com/lib/pq ("postgres") and the pgx stdlib driver ("pgx") are
// registered; errors of either driver are classified by SQLSTATE.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx"
	_ "github.com/jackc/pgx/stdlib" // registers the "pgx" driver
	"github.com/lib/pq"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/adapters"
	"github.com/getpup/pupstore/es/store"
)

const (
	// DriverPQ is the lib/pq driver name.
	DriverPQ = "postgres"

	// DriverPGX is the pgx stdlib driver name.
	DriverPGX = "pgx"
)

// Config contains configuration for the PostgreSQL dialect.
type Config struct {
	// Driver is the database/sql driver name, DriverPQ or DriverPGX
	Driver string

	// LockTimeout bounds the wait for the notification lock.
	// Zero waits as long as the server's lock_timeout allows.
	LockTimeout time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Driver: DriverPQ,
	}
}

// Option configures the dialect.
type Option func(*Config)

// WithDriver selects the database/sql driver.
func WithDriver(name string) Option {
	return func(c *Config) {
		c.Driver = name
	}
}

// WithLockTimeout bounds the wait for the notification lock.
func WithLockTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.LockTimeout = d
	}
}

// Dialect implements adapters.Dialect for PostgreSQL.
type Dialect struct {
	config Config
}

var _ adapters.Dialect = (*Dialect)(nil)

// NewDialect creates a PostgreSQL dialect.
func NewDialect(opts ...Option) *Dialect {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return &Dialect{config: config}
}

// Name implements adapters.Dialect.
func (d *Dialect) Name() string { return "postgres" }

// DriverName implements adapters.Dialect.
func (d *Dialect) DriverName() string { return d.config.Driver }

// Rebind implements adapters.Dialect by numbering placeholders ($1, $2, ...).
func (d *Dialect) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] != '?' {
			b.WriteByte(query[i])
			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}

// EncodeUUID implements adapters.Dialect. Originator ids are native UUID columns.
func (d *Dialect) EncodeUUID(id uuid.UUID) interface{} {
	return id
}

// InsertID implements adapters.Dialect with a RETURNING clause.
func (d *Dialect) InsertID(ctx context.Context, tx es.DBTX, query string, args ...interface{}) (int64, error) {
	var id int64
	if err := tx.QueryRowContext(ctx, query+" RETURNING id", args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// LockNotifications implements adapters.Dialect.
// EXCLUSIVE mode still admits readers but queues every other inserter until
// commit, so ids become visible in the order they were assigned.
func (d *Dialect) LockNotifications(ctx context.Context, tx es.DBTX, table string) error {
	if d.config.LockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", d.config.LockTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to set lock timeout: %w", d.Classify(err))
		}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("LOCK TABLE %s IN EXCLUSIVE MODE", table)); err != nil {
		return fmt.Errorf("failed to lock %s: %w", table, d.Classify(err))
	}
	return nil
}

// Setup implements adapters.Dialect. PostgreSQL pools need no tuning.
func (d *Dialect) Setup(_ context.Context, _ *sql.DB) error {
	return nil
}

// SerializeWrites implements adapters.Dialect.
func (d *Dialect) SerializeWrites() bool { return false }

// Classify implements adapters.Dialect.
func (d *Dialect) Classify(err error) error {
	if err == nil || adapters.Classified(err) {
		return err
	}
	if code, ok := sqlState(err); ok {
		kind, unique := classifyCode(code)
		return store.NewDatabaseError(kind, unique, err)
	}
	if adapters.IsConnectionError(err) {
		return store.NewDatabaseError(store.ErrConnectionFailure, false, err)
	}
	return store.NewDatabaseError(store.ErrDatabase, false, err)
}

func sqlState(err error) (string, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code), true
	}
	var pgErr pgx.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, true
	}
	var pgErrPtr *pgx.PgError
	if errors.As(err, &pgErrPtr) {
		return pgErrPtr.Code, true
	}
	return "", false
}

func classifyCode(code string) (kind error, unique bool) {
	switch code {
	case "23505":
		return store.ErrIntegrityViolation, true
	case "40001", "40P01", "55P03", "57014":
		// serialization failure, deadlock, lock timeout, statement timeout
		return store.ErrOperational, false
	case "57P01", "57P02", "57P03":
		return store.ErrConnectionFailure, false
	}
	if len(code) < 2 {
		return store.ErrDatabase, false
	}
	switch code[:2] {
	case "23":
		return store.ErrIntegrityViolation, false
	case "08":
		return store.ErrConnectionFailure, false
	case "40", "53", "55":
		return store.ErrOperational, false
	case "42", "22", "0A", "26", "34", "3D", "3F":
		return store.ErrProgramming, false
	}
	return store.ErrDatabase, false
}
