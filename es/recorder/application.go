package recorder

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/datastore"
	"github.com/getpup/pupstore/es/store"
)

// ApplicationRecorder records events and numbers them in the notification log.
type ApplicationRecorder struct {
	*recorder
}

var _ store.ApplicationRecorder = (*ApplicationRecorder)(nil)

// NewApplicationRecorder creates an application recorder on the datastore.
func NewApplicationRecorder(ds *datastore.Datastore, opts ...Option) (*ApplicationRecorder, error) {
	r, err := newRecorder(ds, true, false, opts)
	if err != nil {
		return nil, err
	}
	return &ApplicationRecorder{recorder: r}, nil
}

// SelectNotifications implements store.ApplicationRecorder.
func (r *ApplicationRecorder) SelectNotifications(ctx context.Context, query store.NotificationQuery) ([]es.Notification, error) {
	return selectNotifications(ctx, r.recorder, query)
}

// MaxNotificationID implements store.ApplicationRecorder.
func (r *ApplicationRecorder) MaxNotificationID(ctx context.Context) (int64, error) {
	return maxNotificationID(ctx, r.recorder)
}

func selectNotifications(ctx context.Context, r *recorder, query store.NotificationQuery) ([]es.Notification, error) {
	if query.Limit < 0 {
		return nil, fmt.Errorf("%w: negative limit %d", store.ErrProgramming, query.Limit)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT id, originator_id, originator_version, topic, state FROM %s WHERE id ", r.config.EventsTable)
	if query.ExclusiveStart {
		b.WriteString("> ?")
	} else {
		b.WriteString(">= ?")
	}
	args := []interface{}{query.Start}
	if query.Stop != nil {
		b.WriteString(" AND id <= ?")
		args = append(args, *query.Stop)
	}
	if len(query.Topics) > 0 {
		b.WriteString(" AND topic IN (")
		for i, topic := range query.Topics {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("?")
			args = append(args, topic)
		}
		b.WriteString(")")
	}
	b.WriteString(" ORDER BY id")
	if query.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, query.Limit)
	}

	var notifications []es.Notification
	err := r.ds.Transaction(ctx, false, func(ctx context.Context, tx *datastore.Transaction) error {
		rows, err := tx.QueryContext(ctx, r.dialect.Rebind(b.String()), args...)
		if err != nil {
			return fmt.Errorf("failed to query notifications: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var n es.Notification
			if err := rows.Scan(&n.ID, &n.OriginatorID, &n.OriginatorVersion, &n.Topic, &n.State); err != nil {
				return fmt.Errorf("failed to scan notification: %w", err)
			}
			notifications = append(notifications, n)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating notifications: %w", r.dialect.Classify(err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if r.logger != nil {
		r.logger.Debug(ctx, "notifications selected",
			"start", query.Start,
			"limit", query.Limit,
			"count", len(notifications))
	}
	return notifications, nil
}

func maxNotificationID(ctx context.Context, r *recorder) (int64, error) {
	var id sql.NullInt64
	err := r.ds.Transaction(ctx, false, func(ctx context.Context, tx *datastore.Transaction) error {
		if err := tx.Autoflush(ctx); err != nil {
			return err
		}
		query := fmt.Sprintf("SELECT MAX(id) FROM %s", r.config.EventsTable)
		if err := tx.QueryRowContext(ctx, query).Scan(&id); err != nil {
			return fmt.Errorf("failed to query max notification id: %w", r.dialect.Classify(err))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id.Int64, nil
}
