// Package datastore owns the connection pool and the transactional units of
// work the recorders run in.
//
// # Transactions
//
// Datastore.Transaction runs a function inside a transaction and guarantees
// its release on every exit path: commit on success (when asked to commit),
// rollback on error or panic. Transactions nest through the context: a
// recorder called with the context handed to the function joins the
// surrounding transaction instead of opening a new one. A nested scope that
// fails is rolled back to a savepoint taken before its first write, and the
// surrounding transaction decides whether to carry on.
//
//	err := ds.Transaction(ctx, true, func(ctx context.Context, tx *datastore.Transaction) error {
//	    if _, err := tx.ExecContext(ctx, "UPDATE accounts SET ..."); err != nil {
//	        return err
//	    }
//	    _, err := recorder.InsertEvents(ctx, records)
//	    return err
//	})
//
// # External sessions
//
// WithSession attaches a caller-owned *sql.Tx (or any es.DBTX) to a context.
// Recorders called with that context read and write through it but never
// commit, roll back or close it, so event appends share the caller's commit.
// A SessionProvider does the same for sessions managed by a framework, for
// example one transaction per HTTP request (see RequestSessions).
package datastore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/adapters"
	"github.com/getpup/pupstore/es/store"
)

// Config contains configuration for a Datastore.
type Config struct {
	// DSN is the data source name handed to the dialect's driver.
	// Ignored when Connector is set.
	DSN string

	// Connector creates connections itself, for environments that need
	// custom connection establishment (cloud sockets, IAM tokens)
	Connector driver.Connector

	// Autoflush writes staged records before every query run through a
	// transaction, so reads inside a transaction see its own writes
	Autoflush bool

	// Sessions supplies externally scoped sessions; nil disables them
	Sessions SessionProvider

	// Logger is an optional logger for observability
	Logger es.Logger

	// MaxOpenConns, MaxIdleConns and ConnMaxLifetime tune the pool; zero keeps
	// the database/sql default. The dialect may override them.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Autoflush: true,
	}
}

// Option configures a Datastore.
type Option func(*Config)

// WithDSN sets the data source name.
func WithDSN(dsn string) Option {
	return func(c *Config) {
		c.DSN = dsn
	}
}

// WithConnector opens the pool through a custom connector.
func WithConnector(connector driver.Connector) Option {
	return func(c *Config) {
		c.Connector = connector
	}
}

// WithAutoflush turns flushing staged records before queries on or off.
func WithAutoflush(enabled bool) Option {
	return func(c *Config) {
		c.Autoflush = enabled
	}
}

// WithSessions sets the provider of externally scoped sessions.
func WithSessions(provider SessionProvider) Option {
	return func(c *Config) {
		c.Sessions = provider
	}
}

// WithLogger sets a logger.
func WithLogger(logger es.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithPool tunes the connection pool.
func WithPool(maxOpen, maxIdle int, maxLifetime time.Duration) Option {
	return func(c *Config) {
		c.MaxOpenConns = maxOpen
		c.MaxIdleConns = maxIdle
		c.ConnMaxLifetime = maxLifetime
	}
}

// NewConfig creates a configuration with the given options applied to the defaults.
func NewConfig(opts ...Option) Config {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return config
}

// Datastore owns a connection pool and hands out transactions on it.
// It is safe for concurrent use.
type Datastore struct {
	db      *sql.DB
	owned   bool
	dialect adapters.Dialect
	config  Config

	// writeLock serializes writing transactions for engines that cannot queue
	// writers themselves
	writeLock *semaphore.Weighted
}

// Open opens a connection pool for the dialect and verifies it with a ping.
// A database that cannot be reached is reported as store.ErrConnectionFailure.
func Open(ctx context.Context, dialect adapters.Dialect, opts ...Option) (*Datastore, error) {
	config := NewConfig(opts...)

	var db *sql.DB
	if config.Connector != nil {
		db = sql.OpenDB(config.Connector)
	} else {
		var err error
		db, err = sql.Open(dialect.DriverName(), config.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s database: %w", dialect.Name(),
				store.NewDatabaseError(store.ErrProgramming, false, err))
		}
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", dialect.Name(), connectionFailure(dialect, err))
	}
	if err := dialect.Setup(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set up %s database: %w", dialect.Name(), err)
	}

	d := newDatastore(db, dialect, config)
	d.owned = true

	if config.Logger != nil {
		config.Logger.Info(ctx, "datastore opened",
			"dialect", dialect.Name(),
			"driver", dialect.DriverName(),
			"autoflush", config.Autoflush)
	}

	return d, nil
}

// New wraps a pool owned by the caller. Close leaves it open.
func New(db *sql.DB, dialect adapters.Dialect, opts ...Option) *Datastore {
	return newDatastore(db, dialect, NewConfig(opts...))
}

func newDatastore(db *sql.DB, dialect adapters.Dialect, config Config) *Datastore {
	d := &Datastore{
		db:      db,
		dialect: dialect,
		config:  config,
	}
	if dialect.SerializeWrites() {
		d.writeLock = semaphore.NewWeighted(1)
	}
	return d
}

// DB returns the underlying pool.
func (d *Datastore) DB() *sql.DB {
	return d.db
}

// Dialect returns the dialect the datastore was opened with.
func (d *Datastore) Dialect() adapters.Dialect {
	return d.dialect
}

// Logger returns the configured logger, which may be nil.
func (d *Datastore) Logger() es.Logger {
	return d.config.Logger
}

// Autoflush reports whether staged writes are flushed before queries.
func (d *Datastore) Autoflush() bool {
	return d.config.Autoflush
}

// Close closes the pool if the datastore opened it.
func (d *Datastore) Close() error {
	if !d.owned {
		return nil
	}
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("failed to close datastore: %w", err)
	}
	return nil
}

func connectionFailure(dialect adapters.Dialect, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	classified := dialect.Classify(err)
	if errors.Is(classified, store.ErrOperational) {
		return classified
	}
	return &store.DatabaseError{Kind: store.ErrConnectionFailure, Err: err}
}
