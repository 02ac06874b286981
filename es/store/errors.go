package store

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrConcurrencyConflict indicates an (originator id, version) pair that
	// already exists. It is recoverable by re-reading the stream and retrying.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrConnectionFailure indicates the database could not be reached or the
	// connection was lost. It is fatal to the current operation.
	ErrConnectionFailure = errors.New("connection failure")

	// ErrIntegrityViolation indicates a constraint violation other than a
	// concurrency conflict.
	ErrIntegrityViolation = errors.New("integrity violation")

	// ErrOperational indicates a transient engine condition such as a
	// deadlock, a lock timeout or a busy database.
	ErrOperational = errors.New("operational error")

	// ErrProgramming indicates misuse: invalid SQL or identifiers, an
	// invalid batch, or a transaction nesting violation.
	ErrProgramming = errors.New("programming error")

	// ErrDatabase is the kind of database errors no adapter could classify.
	ErrDatabase = errors.New("database error")
)

// DatabaseError is a driver error classified by a dialect.
// errors.Is matches both Kind and the driver error; errors.As reaches the
// driver's own error type.
type DatabaseError struct {
	// Kind is one of the sentinel errors of this package
	Kind error

	// Unique reports a unique constraint or primary key violation
	Unique bool

	// Err is the driver error
	Err error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

// Unwrap exposes both the kind and the driver error.
func (e *DatabaseError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// NewDatabaseError classifies err as kind. Already classified errors are returned as is.
func NewDatabaseError(kind error, unique bool, err error) error {
	if err == nil {
		return nil
	}
	var dbErr *DatabaseError
	if errors.As(err, &dbErr) {
		return err
	}
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return err
	}
	return &DatabaseError{Kind: kind, Unique: unique, Err: err}
}

// IsUniqueViolation reports whether err was classified as a unique violation.
func IsUniqueViolation(err error) bool {
	var dbErr *DatabaseError
	return errors.As(err, &dbErr) && dbErr.Unique
}

// ConflictError is returned when an inserted record collides with a stored one.
type ConflictError struct {
	// Table is the table the insert targeted
	Table string

	// OriginatorID and OriginatorVersion identify the colliding record
	OriginatorID      uuid.UUID
	OriginatorVersion int64

	// Err is the underlying (classified) database error
	Err error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%v: %s already has version %d in %s",
		ErrConcurrencyConflict, e.OriginatorID, e.OriginatorVersion, e.Table)
}

// Unwrap makes errors.Is(err, ErrConcurrencyConflict) hold.
func (e *ConflictError) Unwrap() []error {
	return []error{ErrConcurrencyConflict, e.Err}
}
