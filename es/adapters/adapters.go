// Package adapters defines the per-engine capabilities the datastore and the
// recorders need from a relational database.
//
// Each engine lives in its own subpackage (postgres, mysql, sqlite) and also
// registers its database/sql driver, so importing the dialect is enough to open
// a pool for it.
package adapters

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/store"
)

// Dialect hides the differences between database engines.
type Dialect interface {
	// Name identifies the engine: "postgres", "mysql" or "sqlite".
	// The migrations package keys its DDL on it.
	Name() string

	// DriverName is the database/sql driver the dialect expects.
	DriverName() string

	// Rebind rewrites a query written with ? placeholders into the engine's syntax.
	Rebind(query string) string

	// EncodeUUID returns the value bound for an originator_id column.
	EncodeUUID(id uuid.UUID) interface{}

	// InsertID runs an INSERT into an events table (written without a
	// returning clause) and returns the generated notification id.
	InsertID(ctx context.Context, tx es.DBTX, query string, args ...interface{}) (int64, error)

	// LockNotifications serializes notification id assignment for the table
	// until the surrounding transaction ends.
	LockNotifications(ctx context.Context, tx es.DBTX, table string) error

	// Classify maps a driver error onto the store error taxonomy.
	// It returns nil for nil and leaves already classified errors untouched.
	Classify(err error) error

	// Setup tunes a freshly opened pool for the engine.
	Setup(ctx context.Context, db *sql.DB) error

	// SerializeWrites reports whether writing transactions must be
	// serialized in-process because the engine cannot queue them itself.
	SerializeWrites() bool
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// ValidateTableName reports a programming error when name is not a plain SQL
// identifier, optionally qualified by a schema ("schema.table").
// Table names are interpolated into statements, so nothing else is accepted.
func ValidateTableName(name string) error {
	parts := strings.Split(name, ".")
	if len(parts) > 2 {
		return fmt.Errorf("%w: invalid table name %q", store.ErrProgramming, name)
	}
	for _, part := range parts {
		if !identifierPattern.MatchString(part) {
			return fmt.Errorf("%w: invalid table name %q", store.ErrProgramming, name)
		}
	}
	return nil
}

// BaseTableName strips the schema qualifier from a table name.
// Index and lock table names are derived from it.
func BaseTableName(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i+1:]
	}
	return name
}

// LastInsertID runs query with Exec and returns the driver's last insert id.
// Engines without a returning clause use it for InsertID.
func LastInsertID(ctx context.Context, tx es.DBTX, query string, args ...interface{}) (int64, error) {
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read inserted id: %w", err)
	}
	return id, nil
}

// Classified reports whether err needs no further classification: context
// errors and errors that already carry a store error kind.
func Classified(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	for _, kind := range []error{
		store.ErrConcurrencyConflict,
		store.ErrConnectionFailure,
		store.ErrIntegrityViolation,
		store.ErrOperational,
		store.ErrProgramming,
		store.ErrDatabase,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

// IsConnectionError reports errors database/sql and the network layer use for
// lost or unreachable connections.
func IsConnectionError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
