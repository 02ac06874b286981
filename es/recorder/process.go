package recorder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/getpup/pupstore/es/datastore"
	"github.com/getpup/pupstore/es/store"
)

// ProcessRecorder is an application recorder that also tracks which upstream
// notifications it has processed. Passing store.WithTracking to InsertEvents
// records the upstream position atomically with the resulting events, so a
// notification is never processed twice.
type ProcessRecorder struct {
	*ApplicationRecorder
}

var _ store.ProcessRecorder = (*ProcessRecorder)(nil)

// NewProcessRecorder creates a process recorder on the datastore.
func NewProcessRecorder(ds *datastore.Datastore, opts ...Option) (*ProcessRecorder, error) {
	r, err := newRecorder(ds, true, true, opts)
	if err != nil {
		return nil, err
	}
	return &ProcessRecorder{ApplicationRecorder: &ApplicationRecorder{recorder: r}}, nil
}

// MaxTrackingID implements store.ProcessRecorder.
func (r *ProcessRecorder) MaxTrackingID(ctx context.Context, applicationName string) (int64, error) {
	var id sql.NullInt64
	err := r.ds.Transaction(ctx, false, func(ctx context.Context, tx *datastore.Transaction) error {
		if err := tx.Autoflush(ctx); err != nil {
			return err
		}
		query := r.dialect.Rebind(fmt.Sprintf(
			"SELECT MAX(notification_id) FROM %s WHERE application_name = ?", r.config.TrackingTable))
		if err := tx.QueryRowContext(ctx, query, applicationName).Scan(&id); err != nil {
			return fmt.Errorf("failed to query max tracking id: %w", r.dialect.Classify(err))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// HasTrackingID implements store.ProcessRecorder.
func (r *ProcessRecorder) HasTrackingID(ctx context.Context, applicationName string, notificationID int64) (bool, error) {
	found := false
	err := r.ds.Transaction(ctx, false, func(ctx context.Context, tx *datastore.Transaction) error {
		if err := tx.Autoflush(ctx); err != nil {
			return err
		}
		query := r.dialect.Rebind(fmt.Sprintf(
			"SELECT notification_id FROM %s WHERE application_name = ? AND notification_id = ?", r.config.TrackingTable))
		var id int64
		err := tx.QueryRowContext(ctx, query, applicationName, notificationID).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to query tracking: %w", r.dialect.Classify(err))
		}
		found = true
		return nil
	})
	return found, err
}
