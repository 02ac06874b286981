package recorder

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/datastore"
	"github.com/getpup/pupstore/es/store"
)

func notificationIDs(notifications []es.Notification) []int64 {
	out := make([]int64, len(notifications))
	for i := range notifications {
		out[i] = notifications[i].ID
	}
	return out
}

func TestApplicationRecorder_ReturnsIDs(t *testing.T) {
	ctx := context.Background()
	r := newApplicationRecorder(t, openMemoryDatastore(t))
	x := uuid.New()

	ids, err := r.InsertEvents(ctx, []es.Record{record(x, 0, "Created"), record(x, 1, "Renamed")})
	if err != nil {
		t.Fatalf("InsertEvents failed: %v", err)
	}
	if !equalVersions(ids, []int64{1, 2}) {
		t.Errorf("ids = %v, want [1 2]", ids)
	}

	ids, err = r.InsertEvents(ctx, []es.Record{record(x, 2, "Closed")})
	if err != nil {
		t.Fatalf("InsertEvents failed: %v", err)
	}
	if !equalVersions(ids, []int64{3}) {
		t.Errorf("ids = %v, want [3]", ids)
	}
}

func TestApplicationRecorder_NotificationRange(t *testing.T) {
	ctx := context.Background()
	r := newApplicationRecorder(t, openMemoryDatastore(t))

	max, err := r.MaxNotificationID(ctx)
	if err != nil {
		t.Fatalf("MaxNotificationID failed: %v", err)
	}
	if max != 0 {
		t.Errorf("empty log max = %d, want 0", max)
	}

	// 5 events across 2 streams, committed in this order
	a, b := uuid.New(), uuid.New()
	batches := [][]es.Record{
		{record(a, 0, "Created"), record(a, 1, "Renamed")},
		{record(b, 0, "Created")},
		{record(a, 2, "Closed")},
		{record(b, 1, "Renamed")},
	}
	for _, batch := range batches {
		if _, err := r.InsertEvents(ctx, batch); err != nil {
			t.Fatalf("InsertEvents failed: %v", err)
		}
	}

	max, err = r.MaxNotificationID(ctx)
	if err != nil {
		t.Fatalf("MaxNotificationID failed: %v", err)
	}
	if max != 5 {
		t.Errorf("max notification id = %d, want 5", max)
	}

	got, err := r.SelectNotifications(ctx, store.NotificationQuery{Start: 3, Limit: 2})
	if err != nil {
		t.Fatalf("SelectNotifications failed: %v", err)
	}
	if !equalVersions(notificationIDs(got), []int64{3, 4}) {
		t.Fatalf("ids = %v, want [3 4]", notificationIDs(got))
	}
	if got[0].OriginatorID != b || got[0].OriginatorVersion != 0 {
		t.Errorf("3rd notification = %s, want %s@0", got[0].Record, b)
	}
	if got[1].OriginatorID != a || got[1].OriginatorVersion != 2 {
		t.Errorf("4th notification = %s, want %s@2", got[1].Record, a)
	}

	tests := []struct {
		name  string
		query store.NotificationQuery
		want  []int64
	}{
		{"all", store.NotificationQuery{}, []int64{1, 2, 3, 4, 5}},
		{"exclusive start", store.NotificationQuery{Start: 3, ExclusiveStart: true}, []int64{4, 5}},
		{"stop", store.NotificationQuery{Start: 2, Stop: store.Version(3)}, []int64{2, 3}},
		{"topics", store.NotificationQuery{Topics: []string{"Renamed", "Closed"}}, []int64{2, 4, 5}},
		{"topics and limit", store.NotificationQuery{Topics: []string{"Created"}, Limit: 1}, []int64{1}},
		{"past the end", store.NotificationQuery{Start: 6}, []int64{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.SelectNotifications(ctx, tt.query)
			if err != nil {
				t.Fatalf("SelectNotifications failed: %v", err)
			}
			if !equalVersions(notificationIDs(got), tt.want) {
				t.Errorf("ids = %v, want %v", notificationIDs(got), tt.want)
			}
		})
	}
}

func TestApplicationRecorder_FailedBatchesLeaveNothing(t *testing.T) {
	ctx := context.Background()
	r := newApplicationRecorder(t, openMemoryDatastore(t))
	x := uuid.New()

	if _, err := r.InsertEvents(ctx, []es.Record{record(x, 0, "Created")}); err != nil {
		t.Fatalf("InsertEvents failed: %v", err)
	}
	if _, err := r.InsertEvents(ctx, []es.Record{record(x, 1, "A"), record(x, 0, "B")}); !errors.Is(err, store.ErrProgramming) {
		t.Fatalf("expected ErrProgramming, got %v", err)
	}
	if _, err := r.InsertEvents(ctx, []es.Record{record(x, 1, "A"), record(x, 2, "B")}); err != nil {
		t.Fatalf("InsertEvents failed: %v", err)
	}
	if _, err := r.InsertEvents(ctx, []es.Record{record(x, 2, "Dup"), record(x, 3, "C")}); !errors.Is(err, store.ErrConcurrencyConflict) {
		t.Fatalf("expected ErrConcurrencyConflict, got %v", err)
	}
	if _, err := r.InsertEvents(ctx, []es.Record{record(x, 3, "C")}); err != nil {
		t.Fatalf("InsertEvents failed: %v", err)
	}

	got, err := r.SelectNotifications(ctx, store.NotificationQuery{})
	if err != nil {
		t.Fatalf("SelectNotifications failed: %v", err)
	}
	ids := notificationIDs(got)
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("ids not strictly increasing: %v", ids)
		}
	}
	if len(ids) != 4 {
		t.Errorf("expected 4 committed notifications, got %v", ids)
	}
	if got[3].Topic != "C" {
		t.Errorf("last notification = %s, want the retried event", got[3].Record)
	}
}

func TestApplicationRecorder_ConcurrentInsertsAreMonotonic(t *testing.T) {
	ctx := context.Background()
	ds := openFileDatastore(t)
	r := newApplicationRecorder(t, ds)

	const writers = 8
	const perWriter = 3

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := uuid.New()
			var batch []es.Record
			for v := int64(0); v < perWriter; v++ {
				batch = append(batch, record(id, v, "Changed"))
			}
			_, err := r.InsertEvents(ctx, batch)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("InsertEvents failed: %v", err)
		}
	}

	got, err := r.SelectNotifications(ctx, store.NotificationQuery{})
	if err != nil {
		t.Fatalf("SelectNotifications failed: %v", err)
	}
	if len(got) != writers*perWriter {
		t.Fatalf("expected %d notifications, got %d", writers*perWriter, len(got))
	}
	for i, n := range got {
		if n.ID != int64(i+1) {
			t.Fatalf("notification %d has id %d; ids must be contiguous and increasing", i, n.ID)
		}
	}

	// each stream's records appear in version order within the log
	last := make(map[uuid.UUID]int64)
	for _, n := range got {
		if prev, ok := last[n.OriginatorID]; ok && n.OriginatorVersion != prev+1 {
			t.Errorf("stream %s: version %d follows %d", n.OriginatorID, n.OriginatorVersion, prev)
		}
		last[n.OriginatorID] = n.OriginatorVersion
	}
}

func TestApplicationRecorder_ExternalSessionRollback(t *testing.T) {
	ctx := context.Background()
	ds := openMemoryDatastore(t)
	r := newApplicationRecorder(t, ds)
	x := uuid.New()

	session, err := ds.DB().BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("Failed to begin session: %v", err)
	}

	ids, err := r.InsertEvents(datastore.WithSession(ctx, session), []es.Record{record(x, 0, "Created")})
	if err != nil {
		t.Fatalf("InsertEvents failed: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected one notification id, got %v", ids)
	}

	// visible inside the session before the owner decides
	inside, err := r.SelectEvents(datastore.WithSession(ctx, session), x, store.EventQuery{})
	if err != nil {
		t.Fatalf("SelectEvents failed: %v", err)
	}
	if len(inside) != 1 {
		t.Errorf("expected the event inside the session, got %d", len(inside))
	}

	if err := session.Rollback(); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	got, err := r.SelectEvents(ctx, x, store.EventQuery{})
	if err != nil {
		t.Fatalf("SelectEvents failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("external rollback should leave the event absent, got %d", len(got))
	}
	max, err := r.MaxNotificationID(ctx)
	if err != nil {
		t.Fatalf("MaxNotificationID failed: %v", err)
	}
	if max != 0 {
		t.Errorf("max notification id = %d, want 0", max)
	}
}

func TestApplicationRecorder_ExternalSessionCommitSharesUnitOfWork(t *testing.T) {
	ctx := context.Background()
	ds := openMemoryDatastore(t)
	r := newApplicationRecorder(t, ds)
	x := uuid.New()

	if _, err := ds.DB().ExecContext(ctx, `CREATE TABLE accounts (id TEXT PRIMARY KEY)`); err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}

	session, err := ds.DB().BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("Failed to begin session: %v", err)
	}
	if _, err := session.ExecContext(ctx, `INSERT INTO accounts (id) VALUES (?)`, x.String()); err != nil {
		t.Fatalf("Failed to insert account: %v", err)
	}
	if _, err := r.InsertEvents(datastore.WithSession(ctx, session), []es.Record{record(x, 0, "Opened")}); err != nil {
		t.Fatalf("InsertEvents failed: %v", err)
	}

	// a conflicting batch fails without spoiling the session
	_, err = r.InsertEvents(datastore.WithSession(ctx, session), []es.Record{record(x, 1, "Renamed"), record(x, 0, "Again")})
	if !errors.Is(err, store.ErrProgramming) {
		t.Fatalf("expected ErrProgramming, got %v", err)
	}
	_, err = r.InsertEvents(datastore.WithSession(ctx, session), []es.Record{record(x, 0, "Again"), record(x, 1, "Renamed")})
	if !errors.Is(err, store.ErrConcurrencyConflict) {
		t.Fatalf("expected ErrConcurrencyConflict, got %v", err)
	}

	if err := session.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	got, err := r.SelectEvents(ctx, x, store.EventQuery{})
	if err != nil {
		t.Fatalf("SelectEvents failed: %v", err)
	}
	if len(got) != 1 || got[0].Topic != "Opened" {
		t.Errorf("expected only the first event, got %v", versions(got))
	}
}
