// Package recorder implements the aggregate, application and process
// recorders on top of a datastore.
//
// All three share one protocol: records are inserted one row at a time in
// a single transaction, and the unique constraint on
// (originator_id, originator_version) rejects any version that already exists.
// Such a rejection aborts the whole batch and is reported as a
// *store.ConflictError. Application recorders additionally take the dialect's
// notification lock before inserting, so notification ids become visible in
// the order they were assigned.
package recorder

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/adapters"
	"github.com/getpup/pupstore/es/datastore"
	"github.com/getpup/pupstore/es/migrations"
	"github.com/getpup/pupstore/es/store"
)

// recorder is the machinery shared by the three recorder kinds.
type recorder struct {
	ds      *datastore.Datastore
	dialect adapters.Dialect
	config  Config
	logger  es.Logger

	// notify assigns notification ids under the notification lock
	notify bool

	// track accepts store.WithTracking
	track bool

	insertEvent    string
	insertSnapshot string
	insertTracking string
}

func newRecorder(ds *datastore.Datastore, notify, track bool, opts []Option) (*recorder, error) {
	config := NewConfig(opts...)
	if config.EventsTable == "" {
		return nil, fmt.Errorf("%w: events table name is required", store.ErrProgramming)
	}
	if track && config.TrackingTable == "" {
		return nil, fmt.Errorf("%w: tracking table name is required", store.ErrProgramming)
	}
	if err := config.tables(track).Validate(); err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = ds.Logger()
	}

	r := &recorder{
		ds:      ds,
		dialect: ds.Dialect(),
		config:  config,
		logger:  logger,
		notify:  notify,
		track:   track,
	}
	r.insertEvent = r.dialect.Rebind(fmt.Sprintf(
		"INSERT INTO %s (originator_id, originator_version, topic, state) VALUES (?, ?, ?, ?)",
		config.EventsTable))
	if config.SnapshotsTable != "" {
		r.insertSnapshot = r.dialect.Rebind(fmt.Sprintf(
			"INSERT INTO %s (originator_id, originator_version, topic, state) VALUES (?, ?, ?, ?)",
			config.SnapshotsTable))
	}
	if track {
		r.insertTracking = r.dialect.Rebind(fmt.Sprintf(
			"INSERT INTO %s (application_name, notification_id) VALUES (?, ?)",
			config.TrackingTable))
	}
	return r, nil
}

// CreateTables creates the recorder's tables if they do not exist.
func (r *recorder) CreateTables(ctx context.Context) error {
	stmts, err := migrations.Statements(r.dialect.Name(), r.config.tables(r.track))
	if err != nil {
		return err
	}

	err = r.ds.Transaction(ctx, true, func(ctx context.Context, tx *datastore.Transaction) error {
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to create tables: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if r.logger != nil {
		r.logger.Info(ctx, "recorder tables created",
			"events_table", r.config.EventsTable,
			"snapshots_table", r.config.SnapshotsTable,
			"statements", len(stmts))
	}
	return nil
}

// InsertEvents implements store.AggregateRecorder.
//
// Aggregate recorders stage the records on the surrounding transaction: the
// conflict check happens when they are flushed, which is before this call
// returns unless a caller's transaction is open. Application and process
// recorders flush immediately because they return notification ids.
func (r *recorder) InsertEvents(ctx context.Context, records []es.Record, opts ...store.InsertOption) ([]int64, error) {
	o := store.ResolveInsertOptions(opts...)
	if err := r.check(records, o); err != nil {
		return nil, err
	}
	if len(records) == 0 && o.Snapshot == nil && o.Tracking == nil {
		return nil, nil
	}

	// the write may run after this call returns, so it must not share the caller's buffers
	records = cloneRecords(records)
	if o.Snapshot != nil {
		snapshot := cloneRecord(*o.Snapshot)
		o.Snapshot = &snapshot
	}
	if o.Tracking != nil {
		tracking := *o.Tracking
		o.Tracking = &tracking
	}

	var ids []int64
	err := r.ds.Transaction(ctx, true, func(ctx context.Context, tx *datastore.Transaction) error {
		tx.Stage(func(ctx context.Context, db es.DBTX) error {
			var err error
			ids, err = r.write(ctx, db, records, o)
			return err
		})
		if !r.notify {
			return nil
		}
		return tx.Flush(ctx)
	})
	if err != nil {
		if r.logger != nil {
			r.logger.Error(ctx, "failed to insert events",
				"events_table", r.config.EventsTable,
				"count", len(records),
				"error", err)
		}
		return nil, err
	}

	if r.logger != nil && len(records) > 0 {
		keyvals := []interface{}{
			"events_table", r.config.EventsTable,
			"count", len(records),
		}
		if len(ids) > 0 {
			keyvals = append(keyvals, "first_id", ids[0], "last_id", ids[len(ids)-1])
		}
		r.logger.Debug(ctx, "events inserted", keyvals...)
	}
	return ids, nil
}

func cloneRecords(records []es.Record) []es.Record {
	out := make([]es.Record, len(records))
	for i := range records {
		out[i] = cloneRecord(records[i])
	}
	return out
}

func cloneRecord(r es.Record) es.Record {
	r.State = bytes.Clone(r.State)
	return r
}

// check validates a batch before it touches the database.
func (r *recorder) check(records []es.Record, o store.InsertOptions) error {
	if o.Snapshot != nil && r.insertSnapshot == "" {
		return fmt.Errorf("%w: recorder has no snapshots table", store.ErrProgramming)
	}
	if o.Tracking != nil && !r.track {
		return fmt.Errorf("%w: only process recorders record tracking", store.ErrProgramming)
	}
	if o.Tracking != nil && o.Tracking.ApplicationName == "" {
		return fmt.Errorf("%w: tracking needs an application name", store.ErrProgramming)
	}

	last := make(map[uuid.UUID]int64, len(records))
	for i := range records {
		rec := &records[i]
		if rec.OriginatorVersion < 0 {
			return fmt.Errorf("%w: record %d (%s) has a negative version", store.ErrProgramming, i, rec)
		}
		if prev, ok := last[rec.OriginatorID]; ok && rec.OriginatorVersion <= prev {
			return fmt.Errorf("%w: record %d (%s) does not follow version %d of its stream",
				store.ErrProgramming, i, rec, prev)
		}
		last[rec.OriginatorID] = rec.OriginatorVersion
	}
	return nil
}

// write inserts the batch and the options that go with it.
func (r *recorder) write(ctx context.Context, db es.DBTX, records []es.Record, o store.InsertOptions) ([]int64, error) {
	var ids []int64
	if len(records) > 0 {
		if r.notify {
			if err := r.dialect.LockNotifications(ctx, db, r.config.EventsTable); err != nil {
				return nil, err
			}
			ids = make([]int64, 0, len(records))
		}

		for i := range records {
			rec := &records[i]
			args := []interface{}{r.dialect.EncodeUUID(rec.OriginatorID), rec.OriginatorVersion, rec.Topic, rec.State}
			if r.notify {
				id, err := r.dialect.InsertID(ctx, db, r.insertEvent, args...)
				if err != nil {
					return nil, r.conflict(r.config.EventsTable, rec, err)
				}
				ids = append(ids, id)
				continue
			}
			if _, err := db.ExecContext(ctx, r.insertEvent, args...); err != nil {
				return nil, r.conflict(r.config.EventsTable, rec, err)
			}
		}
	}

	if o.Snapshot != nil {
		snap := o.Snapshot
		_, err := db.ExecContext(ctx, r.insertSnapshot,
			r.dialect.EncodeUUID(snap.OriginatorID), snap.OriginatorVersion, snap.Topic, snap.State)
		if err != nil {
			return nil, r.conflict(r.config.SnapshotsTable, snap, err)
		}
	}

	if o.Tracking != nil {
		tr := o.Tracking
		if _, err := db.ExecContext(ctx, r.insertTracking, tr.ApplicationName, tr.NotificationID); err != nil {
			err = r.dialect.Classify(err)
			if store.IsUniqueViolation(err) {
				return nil, fmt.Errorf("notification %d of %s already tracked: %w", tr.NotificationID, tr.ApplicationName, err)
			}
			return nil, fmt.Errorf("failed to insert tracking: %w", err)
		}
	}
	return ids, nil
}

// conflict classifies an insert error, upgrading unique violations to a
// *store.ConflictError for the record.
func (r *recorder) conflict(table string, rec *es.Record, err error) error {
	err = r.dialect.Classify(err)
	if store.IsUniqueViolation(err) {
		return &store.ConflictError{
			Table:             table,
			OriginatorID:      rec.OriginatorID,
			OriginatorVersion: rec.OriginatorVersion,
			Err:               err,
		}
	}
	return fmt.Errorf("failed to insert %s into %s: %w", rec, table, err)
}

// SelectEvents implements store.AggregateRecorder.
func (r *recorder) SelectEvents(ctx context.Context, originatorID uuid.UUID, query store.EventQuery) ([]es.Record, error) {
	if query.Limit < 0 {
		return nil, fmt.Errorf("%w: negative limit %d", store.ErrProgramming, query.Limit)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT originator_id, originator_version, topic, state FROM %s WHERE originator_id = ?",
		r.config.EventsTable)
	args := []interface{}{r.dialect.EncodeUUID(originatorID)}
	if query.Gt != nil {
		b.WriteString(" AND originator_version > ?")
		args = append(args, *query.Gt)
	}
	if query.Lte != nil {
		b.WriteString(" AND originator_version <= ?")
		args = append(args, *query.Lte)
	}
	b.WriteString(" ORDER BY originator_version")
	if query.Desc {
		b.WriteString(" DESC")
	}
	if query.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, query.Limit)
	}

	var records []es.Record
	err := r.ds.Transaction(ctx, false, func(ctx context.Context, tx *datastore.Transaction) error {
		rows, err := tx.QueryContext(ctx, r.dialect.Rebind(b.String()), args...)
		if err != nil {
			return fmt.Errorf("failed to query events: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var rec es.Record
			if err := rows.Scan(&rec.OriginatorID, &rec.OriginatorVersion, &rec.Topic, &rec.State); err != nil {
				return fmt.Errorf("failed to scan event: %w", err)
			}
			records = append(records, rec)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating events: %w", r.dialect.Classify(err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if r.logger != nil {
		r.logger.Debug(ctx, "events selected",
			"originator_id", originatorID,
			"count", len(records))
	}
	return records, nil
}

// SelectSnapshot implements store.AggregateRecorder.
func (r *recorder) SelectSnapshot(ctx context.Context, originatorID uuid.UUID, lte *int64) (es.Record, bool, error) {
	if r.insertSnapshot == "" {
		return es.Record{}, false, fmt.Errorf("%w: recorder has no snapshots table", store.ErrProgramming)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT originator_id, originator_version, topic, state FROM %s WHERE originator_id = ?",
		r.config.SnapshotsTable)
	args := []interface{}{r.dialect.EncodeUUID(originatorID)}
	if lte != nil {
		b.WriteString(" AND originator_version <= ?")
		args = append(args, *lte)
	}
	b.WriteString(" ORDER BY originator_version DESC LIMIT 1")

	var snap es.Record
	found := false
	err := r.ds.Transaction(ctx, false, func(ctx context.Context, tx *datastore.Transaction) error {
		if err := tx.Autoflush(ctx); err != nil {
			return err
		}
		err := tx.QueryRowContext(ctx, r.dialect.Rebind(b.String()), args...).
			Scan(&snap.OriginatorID, &snap.OriginatorVersion, &snap.Topic, &snap.State)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to query snapshot: %w", r.dialect.Classify(err))
		}
		found = true
		return nil
	})
	if err != nil {
		return es.Record{}, false, err
	}
	return snap, found, nil
}

// AggregateRecorder records the events of individual aggregates.
type AggregateRecorder struct {
	*recorder
}

var _ store.AggregateRecorder = (*AggregateRecorder)(nil)

// NewAggregateRecorder creates an aggregate recorder on the datastore.
func NewAggregateRecorder(ds *datastore.Datastore, opts ...Option) (*AggregateRecorder, error) {
	r, err := newRecorder(ds, false, false, opts)
	if err != nil {
		return nil, err
	}
	return &AggregateRecorder{recorder: r}, nil
}
