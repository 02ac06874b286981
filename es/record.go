package es

import (
	"fmt"

	"github.com/google/uuid"
)

// Record is a stored event or snapshot.
// Records are immutable once committed: the recorders never update or delete them.
type Record struct {
	// OriginatorID identifies the aggregate stream the record belongs to
	OriginatorID uuid.UUID

	// OriginatorVersion is the position of the record within its stream.
	// The pair (OriginatorID, OriginatorVersion) is unique per table.
	OriginatorVersion int64

	// Topic identifies the type of the serialized state
	Topic string

	// State is the serialized (possibly compressed or encrypted) payload.
	// The recorders treat it as opaque bytes.
	State []byte
}

// String returns a short description of the record for logs and errors.
func (r Record) String() string {
	return fmt.Sprintf("%s@%d(%s)", r.OriginatorID, r.OriginatorVersion, r.Topic)
}

// Notification is a record read back from the notification log.
type Notification struct {
	Record

	// ID is the notification position assigned by the database at insert.
	// IDs are strictly increasing in commit order; ids of aborted
	// transactions are skipped forever.
	ID int64
}

// Tracking marks an upstream notification as processed by a downstream application.
type Tracking struct {
	// ApplicationName is the upstream application the notification came from
	ApplicationName string

	// NotificationID is the id of the processed upstream notification
	NotificationID int64
}
