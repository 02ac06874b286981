// Package factory constructs a datastore and recorders from environment variables.
//
// The factory name scopes the configuration and the table names: a factory
// named "Orders" reads ORDERS_PUPSTORE_URL before PUPSTORE_URL and records
// into orders_events, orders_snapshots and orders_tracking.
package factory

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/adapters"
	mysqldialect "github.com/getpup/pupstore/es/adapters/mysql"
	"github.com/getpup/pupstore/es/adapters/postgres"
	"github.com/getpup/pupstore/es/adapters/sqlite"
	"github.com/getpup/pupstore/es/datastore"
	"github.com/getpup/pupstore/es/recorder"
	"github.com/getpup/pupstore/es/store"
)

// ErrMissingURL indicates no database URL was found in the environment.
var ErrMissingURL = errors.New("database url not found")

// ConnectionCreator builds a connector for a DSN, for pools that need custom
// dialing or credentials.
type ConnectionCreator func(dsn string) (driver.Connector, error)

// Option configures a factory.
type Option func(*options)

type options struct {
	logger   es.Logger
	creators map[string]ConnectionCreator
	environ  map[string]string
}

// WithLogger sets the logger of the datastore and the recorders.
func WithLogger(logger es.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithConnectionCreator registers a connection creator under a name that
// PUPSTORE_CONNECTION_CREATOR can select.
func WithConnectionCreator(name string, creator ConnectionCreator) Option {
	return func(o *options) {
		o.creators[name] = creator
	}
}

// WithEnviron replaces the process environment as the configuration source.
func WithEnviron(environ map[string]string) Option {
	return func(o *options) {
		o.environ = environ
	}
}

// Factory owns a datastore and constructs recorders on it.
type Factory struct {
	name   string
	config Config
	logger es.Logger
	ds     *datastore.Datastore
}

// New loads the configuration of the named factory and opens its datastore.
func New(ctx context.Context, name string, opts ...Option) (*Factory, error) {
	o := options{creators: make(map[string]ConnectionCreator)}
	for _, opt := range opts {
		opt(&o)
	}

	config, err := LoadConfig(name, o.environ)
	if err != nil {
		return nil, err
	}
	if config.URL == "" {
		return nil, fmt.Errorf("%w in environment with keys: %s",
			ErrMissingURL, strings.Join(lookupKeys(name, KeyURL), ", "))
	}

	dialect, dsn, err := Resolve(config)
	if err != nil {
		return nil, err
	}

	dsOpts := []datastore.Option{
		datastore.WithAutoflush(bool(config.Autoflush)),
		datastore.WithLogger(o.logger),
		datastore.WithPool(config.MaxOpenConns, config.MaxIdleConns, config.ConnMaxLifetime),
	}
	if config.ConnectionCreator != "" {
		creator, ok := o.creators[config.ConnectionCreator]
		if !ok {
			return nil, fmt.Errorf("%w: unknown connection creator %q", store.ErrProgramming, config.ConnectionCreator)
		}
		connector, err := creator(dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to create connector %q: %w", config.ConnectionCreator, err)
		}
		dsOpts = append(dsOpts, datastore.WithConnector(connector))
	} else {
		dsOpts = append(dsOpts, datastore.WithDSN(dsn))
	}

	ds, err := datastore.Open(ctx, dialect, dsOpts...)
	if err != nil {
		return nil, err
	}

	return &Factory{name: name, config: config, logger: o.logger, ds: ds}, nil
}

// Resolve selects the dialect for the configured URL and returns the DSN its driver expects.
func Resolve(config Config) (adapters.Dialect, string, error) {
	url := config.URL
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return postgres.NewDialect(postgres.WithLockTimeout(config.LockTimeout)), url, nil

	case strings.HasPrefix(url, "pgx://"):
		dsn := "postgres://" + strings.TrimPrefix(url, "pgx://")
		return postgres.NewDialect(
			postgres.WithDriver(postgres.DriverPGX),
			postgres.WithLockTimeout(config.LockTimeout)), dsn, nil

	case strings.HasPrefix(url, "mysql://"):
		cfg, err := mysql.ParseDSN(strings.TrimPrefix(url, "mysql://"))
		if err != nil {
			return nil, "", fmt.Errorf("%w: invalid mysql url: %v", store.ErrProgramming, err)
		}
		cfg.ParseTime = true
		return mysqldialect.NewDialect(), cfg.FormatDSN(), nil

	case strings.HasPrefix(url, "sqlite://"), strings.HasPrefix(url, "file:"), strings.HasPrefix(url, ":memory:"):
		dsn := strings.TrimPrefix(url, "sqlite://")
		inMemory := sqlite.IsInMemory(dsn)
		if !inMemory && !strings.Contains(dsn, "busy_timeout") {
			sep := "?"
			if strings.Contains(dsn, "?") {
				sep = "&"
			}
			dsn += sep + "_pragma=busy_timeout(5000)"
		}
		return sqlite.NewDialect(
			sqlite.WithInMemory(inMemory),
			sqlite.WithWAL(bool(config.SQLiteWAL))), dsn, nil
	}
	return nil, "", fmt.Errorf("%w: unsupported database url scheme in %q", store.ErrProgramming, redact(url))
}

// redact drops credentials from a URL for error messages.
func redact(url string) string {
	scheme, rest, ok := strings.Cut(url, "://")
	if !ok {
		return url
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		rest = "***" + rest[at:]
	}
	return scheme + "://" + rest
}

// Datastore returns the factory's datastore.
func (f *Factory) Datastore() *datastore.Datastore {
	return f.ds
}

// Config returns the loaded configuration.
func (f *Factory) Config() Config {
	return f.config
}

// Close closes the datastore.
func (f *Factory) Close() error {
	return f.ds.Close()
}

// EventsTable returns the events table name: "<name>_events", or "stored_events".
func (f *Factory) EventsTable() string {
	return f.prefix("stored") + "_events"
}

// SnapshotsTable returns the snapshots table name: "<name>_snapshots", or "stored_snapshots".
func (f *Factory) SnapshotsTable() string {
	return f.prefix("stored") + "_snapshots"
}

// TrackingTable returns the tracking table name: "<name>_tracking", or "notification_tracking".
func (f *Factory) TrackingTable() string {
	return f.prefix("notification") + "_tracking"
}

func (f *Factory) prefix(fallback string) string {
	if f.name == "" {
		return fallback
	}
	return strings.ToLower(f.name)
}

// AggregateRecorder constructs an aggregate recorder with snapshots.
func (f *Factory) AggregateRecorder(ctx context.Context) (*recorder.AggregateRecorder, error) {
	r, err := recorder.NewAggregateRecorder(f.ds, f.recorderOptions()...)
	if err != nil {
		return nil, err
	}
	if err := f.createTables(ctx, r.CreateTables); err != nil {
		return nil, err
	}
	return r, nil
}

// ApplicationRecorder constructs an application recorder with snapshots.
func (f *Factory) ApplicationRecorder(ctx context.Context) (*recorder.ApplicationRecorder, error) {
	r, err := recorder.NewApplicationRecorder(f.ds, f.recorderOptions()...)
	if err != nil {
		return nil, err
	}
	if err := f.createTables(ctx, r.CreateTables); err != nil {
		return nil, err
	}
	return r, nil
}

// ProcessRecorder constructs a process recorder with snapshots and tracking.
func (f *Factory) ProcessRecorder(ctx context.Context) (*recorder.ProcessRecorder, error) {
	r, err := recorder.NewProcessRecorder(f.ds, f.recorderOptions()...)
	if err != nil {
		return nil, err
	}
	if err := f.createTables(ctx, r.CreateTables); err != nil {
		return nil, err
	}
	return r, nil
}

func (f *Factory) recorderOptions() []recorder.Option {
	return []recorder.Option{
		recorder.WithEventsTable(f.EventsTable()),
		recorder.WithSnapshotsTable(f.SnapshotsTable()),
		recorder.WithTrackingTable(f.TrackingTable()),
		recorder.WithLogger(f.logger),
	}
}

func (f *Factory) createTables(ctx context.Context, create func(context.Context) error) error {
	if !f.config.CreateTable {
		return nil
	}
	if err := create(ctx); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}
