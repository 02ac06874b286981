package recorder

import (
	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/migrations"
)

// Config contains configuration for the recorders.
// Configuration is immutable after construction.
type Config struct {
	// EventsTable is the name of the events table
	EventsTable string

	// SnapshotsTable is the name of the snapshots table.
	// Empty disables snapshots.
	SnapshotsTable string

	// TrackingTable is the name of the tracking table (process recorders only)
	TrackingTable string

	// Logger is an optional logger; nil falls back to the datastore's logger
	Logger es.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	tables := migrations.DefaultTables()
	return Config{
		EventsTable:    tables.EventsTable,
		SnapshotsTable: tables.SnapshotsTable,
		TrackingTable:  tables.TrackingTable,
	}
}

// Option configures a recorder.
type Option func(*Config)

// WithEventsTable sets the events table name.
func WithEventsTable(name string) Option {
	return func(c *Config) {
		c.EventsTable = name
	}
}

// WithSnapshotsTable sets the snapshots table name; empty disables snapshots.
func WithSnapshotsTable(name string) Option {
	return func(c *Config) {
		c.SnapshotsTable = name
	}
}

// WithTrackingTable sets the tracking table name.
func WithTrackingTable(name string) Option {
	return func(c *Config) {
		c.TrackingTable = name
	}
}

// WithLogger sets a logger.
func WithLogger(logger es.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// NewConfig creates a configuration with the given options applied to the defaults.
//
// Example:
//
//	config := recorder.NewConfig(
//	    recorder.WithEventsTable("orders_events"),
//	    recorder.WithSnapshotsTable(""),
//	)
func NewConfig(opts ...Option) Config {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return config
}

func (c Config) tables(tracking bool) migrations.Tables {
	tables := migrations.Tables{
		EventsTable:    c.EventsTable,
		SnapshotsTable: c.SnapshotsTable,
	}
	if tracking {
		tables.TrackingTable = c.TrackingTable
	}
	return tables
}
