// Package projection processes an application's notification log downstream.
//
// A Processor follows the notification log of an upstream
// store.ApplicationRecorder and hands each notification to a Projection.
// The records the projection returns are inserted into a downstream
// store.ProcessRecorder together with a tracking row for the notification,
// in one transaction, so each notification is processed exactly once even
// across restarts.
package projection

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/datastore"
	"github.com/getpup/pupstore/es/store"
)

var (
	// ErrProjectionStopped indicates the projection was stopped due to an error.
	ErrProjectionStopped = errors.New("projection stopped")
)

// Projection defines the interface for notification handlers.
type Projection interface {
	// Name returns the unique name of this projection.
	// It is the application name of the projection's tracking rows.
	Name() string

	// Handle processes a single notification inside the downstream transaction.
	// tx can be used for read model writes that must commit with the tracking row.
	// The returned records are inserted into the downstream recorder.
	// Return an error to stop projection processing.
	Handle(ctx context.Context, tx es.DBTX, notification es.Notification) ([]es.Record, error)
}

// ScopedProjection is a projection that only receives notifications with the given topics.
// An empty topic list receives everything.
type ScopedProjection interface {
	Projection

	// Topics returns the topics this projection handles.
	Topics() []string
}

// ProcessorRunner runs a projection until the context is cancelled.
type ProcessorRunner interface {
	Run(ctx context.Context, projection Projection) error
}

// PartitionStrategy defines how notifications are partitioned across projection instances.
type PartitionStrategy interface {
	// ShouldProcess returns true if this projection instance should process
	// notifications of the given originator.
	// partitionKey identifies this projection instance (e.g., 0 for first of 4 workers).
	// totalPartitions is the total number of projection instances.
	ShouldProcess(originatorID uuid.UUID, partitionKey int, totalPartitions int) bool
}

// HashPartitionStrategy implements deterministic hash-based partitioning.
// Notifications are distributed across partitions based on a hash of the
// originator id, so all records of one stream go to the same partition and
// keep their order.
type HashPartitionStrategy struct{}

// ShouldProcess implements PartitionStrategy using FNV-1a hashing.
func (HashPartitionStrategy) ShouldProcess(originatorID uuid.UUID, partitionKey int, totalPartitions int) bool {
	if totalPartitions <= 1 {
		return true
	}

	h := fnv.New32a()
	h.Write(originatorID[:])
	partition := int(h.Sum32() % uint32(totalPartitions))
	return partition == partitionKey
}

// ProcessorConfig configures a projection processor.
type ProcessorConfig struct {
	// BatchSize is the number of notifications to read per batch
	BatchSize int

	// PollInterval is how long Run waits when the log has nothing new
	PollInterval time.Duration

	// PartitionKey identifies this processor instance (0-indexed)
	PartitionKey int

	// TotalPartitions is the total number of processor instances
	TotalPartitions int

	// PartitionStrategy determines which notifications this processor handles
	PartitionStrategy PartitionStrategy

	// Logger is an optional logger. Nil disables logging.
	Logger es.Logger
}

// DefaultProcessorConfig returns the default configuration.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		BatchSize:         100,
		PollInterval:      time.Second,
		PartitionKey:      0,
		TotalPartitions:   1,
		PartitionStrategy: HashPartitionStrategy{},
	}
}

// Validate checks the partition settings.
func (c *ProcessorConfig) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: batch size must be positive, got %d", store.ErrProgramming, c.BatchSize)
	}
	if c.TotalPartitions < 1 {
		return fmt.Errorf("%w: total partitions must be at least 1, got %d", store.ErrProgramming, c.TotalPartitions)
	}
	if c.PartitionKey < 0 || c.PartitionKey >= c.TotalPartitions {
		return fmt.Errorf("%w: partition key %d out of range [0, %d)", store.ErrProgramming, c.PartitionKey, c.TotalPartitions)
	}
	return nil
}

// Processor processes notifications for projections.
type Processor struct {
	config     ProcessorConfig
	ds         *datastore.Datastore
	upstream   store.ApplicationRecorder
	downstream store.ProcessRecorder
}

var _ ProcessorRunner = (*Processor)(nil)

// NewProcessor creates a new projection processor.
// ds is the datastore the downstream recorder writes to; each batch runs in
// one of its transactions.
func NewProcessor(ds *datastore.Datastore, upstream store.ApplicationRecorder, downstream store.ProcessRecorder, config ProcessorConfig) *Processor {
	if config.PartitionStrategy == nil {
		config.PartitionStrategy = HashPartitionStrategy{}
	}
	return &Processor{
		config:     config,
		ds:         ds,
		upstream:   upstream,
		downstream: downstream,
	}
}

// TrackingName returns the application name the processor tracks the projection under.
// Partitioned processors track each partition separately.
func (p *Processor) TrackingName(projection Projection) string {
	if p.config.TotalPartitions > 1 {
		return fmt.Sprintf("%s#%d", projection.Name(), p.config.PartitionKey)
	}
	return projection.Name()
}

// Run processes notifications for the given projection until the context is cancelled.
// Returns ErrProjectionStopped if the projection handler or the downstream recorder fails.
func (p *Processor) Run(ctx context.Context, projection Projection) error {
	if err := p.config.Validate(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := p.ProcessBatch(ctx, projection)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %v", ErrProjectionStopped, err)
		}
		if n > 0 {
			continue
		}

		// No notifications available, wait before polling again
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.config.PollInterval):
		}
	}
}

// ProcessBatch reads the next batch of notifications after the tracked
// position and processes it in one downstream transaction.
// It returns the number of notifications read.
func (p *Processor) ProcessBatch(ctx context.Context, projection Projection) (int, error) {
	name := p.TrackingName(projection)

	position, err := p.downstream.MaxTrackingID(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("failed to get position: %w", err)
	}

	query := store.NotificationQuery{
		Start:          position,
		ExclusiveStart: true,
		Limit:          p.config.BatchSize,
	}
	if scoped, ok := projection.(ScopedProjection); ok {
		query.Topics = scoped.Topics()
	}

	notifications, err := p.upstream.SelectNotifications(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to read notifications: %w", err)
	}
	if len(notifications) == 0 {
		return 0, nil
	}

	handled := 0
	err = p.ds.Transaction(ctx, true, func(ctx context.Context, tx *datastore.Transaction) error {
		var tracked int64
		for i := range notifications {
			n := notifications[i]
			if !p.config.PartitionStrategy.ShouldProcess(n.OriginatorID, p.config.PartitionKey, p.config.TotalPartitions) {
				continue
			}

			records, err := projection.Handle(ctx, tx, n)
			if err != nil {
				return fmt.Errorf("projection handler error at notification %d: %w", n.ID, err)
			}

			tracking := es.Tracking{ApplicationName: name, NotificationID: n.ID}
			if _, err := p.downstream.InsertEvents(ctx, records, store.WithTracking(tracking)); err != nil {
				return fmt.Errorf("failed to record notification %d: %w", n.ID, err)
			}
			tracked = n.ID
			handled++
		}

		// Advance past notifications of other partitions
		last := notifications[len(notifications)-1].ID
		if tracked < last {
			tracking := es.Tracking{ApplicationName: name, NotificationID: last}
			if _, err := p.downstream.InsertEvents(ctx, nil, store.WithTracking(tracking)); err != nil {
				return fmt.Errorf("failed to record position %d: %w", last, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if p.config.Logger != nil {
		p.config.Logger.Debug(ctx, "notifications processed",
			"projection", name,
			"read", len(notifications),
			"handled", handled,
			"position", notifications[len(notifications)-1].ID)
	}
	return len(notifications), nil
}
