// Package store defines the recorder contracts shared by every database adapter.
package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/getpup/pupstore/es"
)

// AggregateRecorder appends and reads records of individual aggregate streams.
type AggregateRecorder interface {
	// InsertEvents atomically inserts the records, plus an optional snapshot
	// (WithSnapshot), in one transaction. Records must be in strictly
	// increasing version order per originator. An empty batch is a no-op.
	//
	// If any (originator id, version) pair already exists the whole call
	// fails with an error matching ErrConcurrencyConflict and nothing is
	// written. The recorder never retries: deriving the next version again
	// is the caller's job.
	//
	// Aggregate recorders return nil ids; application recorders return the
	// notification ids assigned to the records, in input order.
	InsertEvents(ctx context.Context, records []es.Record, opts ...InsertOption) ([]int64, error)

	// SelectEvents reads one stream along its version axis.
	SelectEvents(ctx context.Context, originatorID uuid.UUID, query EventQuery) ([]es.Record, error)

	// SelectSnapshot returns the latest snapshot at or before lte (any version when nil).
	// The boolean is false when there is none.
	SelectSnapshot(ctx context.Context, originatorID uuid.UUID, lte *int64) (es.Record, bool, error)
}

// ApplicationRecorder is an AggregateRecorder whose inserts are also
// numbered in a single, database-wide notification log.
type ApplicationRecorder interface {
	AggregateRecorder

	// SelectNotifications reads the notification log in ascending id order.
	// It never skips a committed notification inside the requested range.
	SelectNotifications(ctx context.Context, query NotificationQuery) ([]es.Notification, error)

	// MaxNotificationID returns the highest visible notification id, or 0
	// when the log is empty.
	MaxNotificationID(ctx context.Context) (int64, error)
}

// ProcessRecorder is an ApplicationRecorder that also records which upstream
// notifications have been processed (WithTracking).
type ProcessRecorder interface {
	ApplicationRecorder

	// MaxTrackingID returns the highest tracked notification id for the
	// upstream application, or 0 when nothing has been tracked yet.
	MaxTrackingID(ctx context.Context, applicationName string) (int64, error)

	// HasTrackingID reports whether the notification has been tracked.
	HasTrackingID(ctx context.Context, applicationName string, notificationID int64) (bool, error)
}

// EventQuery selects a range of one stream's versions.
type EventQuery struct {
	// Gt, when set, excludes versions <= *Gt
	Gt *int64

	// Lte, when set, excludes versions > *Lte
	Lte *int64

	// Desc returns the newest versions first ("latest N" reads together with Limit)
	Desc bool

	// Limit caps the number of records; 0 means no limit
	Limit int
}

// NotificationQuery selects a slice of the notification log.
type NotificationQuery struct {
	// Start is the first notification id of the slice (see ExclusiveStart)
	Start int64

	// ExclusiveStart makes the slice start after Start instead of at it
	ExclusiveStart bool

	// Stop, when set, is the last notification id included
	Stop *int64

	// Limit caps the number of notifications; 0 means no limit
	Limit int

	// Topics, when non-empty, restricts the slice to these topics
	Topics []string
}

// Version returns a pointer to v, for the optional bounds of the query types.
func Version(v int64) *int64 {
	return &v
}

// InsertOption adds work to an InsertEvents call that must commit together
// with the records.
type InsertOption func(*InsertOptions)

// InsertOptions is the resolved form of a list of InsertOption.
type InsertOptions struct {
	// Snapshot is written to the snapshots table in the same transaction
	Snapshot *es.Record

	// Tracking is written to the tracking table in the same transaction
	Tracking *es.Tracking
}

// WithSnapshot stores the snapshot together with the records.
// Only one snapshot can accompany a call; a later WithSnapshot replaces an earlier one.
func WithSnapshot(snapshot es.Record) InsertOption {
	return func(o *InsertOptions) {
		o.Snapshot = &snapshot
	}
}

// WithTracking marks an upstream notification as processed in the same
// transaction as the records. Only process recorders accept it.
func WithTracking(tracking es.Tracking) InsertOption {
	return func(o *InsertOptions) {
		o.Tracking = &tracking
	}
}

// ResolveInsertOptions applies opts in order.
func ResolveInsertOptions(opts ...InsertOption) InsertOptions {
	var o InsertOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
