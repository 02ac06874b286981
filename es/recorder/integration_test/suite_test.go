// Package integration_test runs the recorder scenarios against PostgreSQL and MySQL.
// These tests require running database servers.
//
// Run with: go test -tags=integration ./es/recorder/integration_test/...
//
//go:build integration

package integration_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/datastore"
	"github.com/getpup/pupstore/es/recorder"
	"github.com/getpup/pupstore/es/store"
)

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// newRecorder creates a process recorder on fresh, uniquely named tables and
// drops them when the test ends.
func newRecorder(t *testing.T, ds *datastore.Datastore) *recorder.ProcessRecorder {
	t.Helper()

	prefix := fmt.Sprintf("it_%d", time.Now().UnixNano())
	events := prefix + "_events"
	tables := []string{events, prefix + "_snapshots", prefix + "_tracking"}
	if ds.Dialect().Name() == "mysql" {
		tables = append(tables, events+"_lock")
	}

	r, err := recorder.NewProcessRecorder(ds,
		recorder.WithEventsTable(events),
		recorder.WithSnapshotsTable(prefix+"_snapshots"),
		recorder.WithTrackingTable(prefix+"_tracking"))
	if err != nil {
		t.Fatalf("Failed to create recorder: %v", err)
	}
	if err := r.CreateTables(context.Background()); err != nil {
		t.Fatalf("Failed to create tables: %v", err)
	}

	t.Cleanup(func() {
		for _, table := range tables {
			if _, err := ds.DB().Exec("DROP TABLE IF EXISTS " + table); err != nil {
				t.Logf("Failed to drop %s: %v", table, err)
			}
		}
	})
	return r
}

func rec(id uuid.UUID, version int64, topic string) es.Record {
	return es.Record{OriginatorID: id, OriginatorVersion: version, Topic: topic, State: []byte(topic)}
}

func runSuite(t *testing.T, ds *datastore.Datastore) {
	t.Run("basic append and read", func(t *testing.T) {
		ctx := context.Background()
		r := newRecorder(t, ds)
		x := uuid.New()

		if _, err := r.InsertEvents(ctx, []es.Record{rec(x, 0, "Created"), rec(x, 1, "Renamed")}); err != nil {
			t.Fatalf("InsertEvents failed: %v", err)
		}
		got, err := r.SelectEvents(ctx, x, store.EventQuery{Gt: store.Version(-1), Lte: store.Version(1)})
		if err != nil {
			t.Fatalf("SelectEvents failed: %v", err)
		}
		if len(got) != 2 || got[0].Topic != "Created" || got[1].Topic != "Renamed" {
			t.Fatalf("unexpected events: %v", got)
		}
		if got[0].OriginatorID != x || string(got[1].State) != "Renamed" {
			t.Errorf("unexpected record contents: %+v", got[1])
		}
	})

	t.Run("atomic batch", func(t *testing.T) {
		ctx := context.Background()
		r := newRecorder(t, ds)
		a := uuid.New()

		if _, err := r.InsertEvents(ctx, []es.Record{rec(a, 1, "Existing")}); err != nil {
			t.Fatalf("InsertEvents failed: %v", err)
		}
		_, err := r.InsertEvents(ctx, []es.Record{rec(a, 0, "New"), rec(a, 1, "Collides"), rec(a, 2, "New")})
		var conflict *store.ConflictError
		if !errors.As(err, &conflict) || conflict.OriginatorVersion != 1 {
			t.Fatalf("expected a conflict on version 1, got %v", err)
		}

		got, err := r.SelectEvents(ctx, a, store.EventQuery{})
		if err != nil {
			t.Fatalf("SelectEvents failed: %v", err)
		}
		if len(got) != 1 {
			t.Errorf("expected nothing new, got %d events", len(got))
		}
	})

	t.Run("concurrent conflict", func(t *testing.T) {
		ctx := context.Background()
		r := newRecorder(t, ds)
		y := uuid.New()

		const writers = 8
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := r.InsertEvents(ctx, []es.Record{rec(y, 1, "Renamed")})
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)

		succeeded := 0
		for err := range errs {
			if err == nil {
				succeeded++
			} else if !errors.Is(err, store.ErrConcurrencyConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}
		if succeeded != 1 {
			t.Errorf("expected exactly one writer to succeed, got %d", succeeded)
		}
	})

	t.Run("notification monotonicity", func(t *testing.T) {
		ctx := context.Background()
		r := newRecorder(t, ds)

		const writers = 10
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				id := uuid.New()
				_, err := r.InsertEvents(ctx, []es.Record{rec(id, 0, "A"), rec(id, 1, "B")})
				errs <- err
			}()
		}

		// readers polling during the writes must never see a later id before an earlier one
		done := make(chan struct{})
		readerErr := make(chan error, 1)
		go func() {
			var seen int64
			for {
				select {
				case <-done:
					readerErr <- nil
					return
				default:
				}
				got, err := r.SelectNotifications(ctx, store.NotificationQuery{Start: seen, ExclusiveStart: true})
				if err != nil {
					readerErr <- err
					return
				}
				for _, n := range got {
					if n.ID <= seen {
						readerErr <- fmt.Errorf("id %d after %d", n.ID, seen)
						return
					}
					seen = n.ID
				}
			}
		}()

		wg.Wait()
		close(done)
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("InsertEvents failed: %v", err)
			}
		}
		if err := <-readerErr; err != nil {
			t.Fatalf("reader failed: %v", err)
		}

		got, err := r.SelectNotifications(ctx, store.NotificationQuery{})
		if err != nil {
			t.Fatalf("SelectNotifications failed: %v", err)
		}
		if len(got) != 2*writers {
			t.Fatalf("expected %d notifications, got %d", 2*writers, len(got))
		}
		for i := 1; i < len(got); i++ {
			if got[i].ID <= got[i-1].ID {
				t.Fatalf("ids not increasing at %d: %d then %d", i, got[i-1].ID, got[i].ID)
			}
		}
	})

	t.Run("notification range", func(t *testing.T) {
		ctx := context.Background()
		r := newRecorder(t, ds)
		a, b := uuid.New(), uuid.New()

		for _, batch := range [][]es.Record{
			{rec(a, 0, "Created"), rec(a, 1, "Renamed")},
			{rec(b, 0, "Created")},
			{rec(a, 2, "Closed")},
			{rec(b, 1, "Renamed")},
		} {
			if _, err := r.InsertEvents(ctx, batch); err != nil {
				t.Fatalf("InsertEvents failed: %v", err)
			}
		}

		max, err := r.MaxNotificationID(ctx)
		if err != nil {
			t.Fatalf("MaxNotificationID failed: %v", err)
		}
		all, err := r.SelectNotifications(ctx, store.NotificationQuery{})
		if err != nil || len(all) != 5 {
			t.Fatalf("SelectNotifications = %d, %v", len(all), err)
		}
		if max != all[4].ID {
			t.Errorf("max notification id = %d, want %d", max, all[4].ID)
		}

		got, err := r.SelectNotifications(ctx, store.NotificationQuery{Start: all[2].ID, Limit: 2})
		if err != nil {
			t.Fatalf("SelectNotifications failed: %v", err)
		}
		if len(got) != 2 || got[0].OriginatorID != b || got[1].OriginatorID != a {
			t.Errorf("expected the 3rd and 4th notifications, got %v", got)
		}
	})

	t.Run("external session rollback", func(t *testing.T) {
		ctx := context.Background()
		r := newRecorder(t, ds)
		x := uuid.New()

		session, err := ds.DB().BeginTx(ctx, nil)
		if err != nil {
			t.Fatalf("Failed to begin session: %v", err)
		}
		if _, err := r.InsertEvents(datastore.WithSession(ctx, session), []es.Record{rec(x, 0, "Created")}); err != nil {
			session.Rollback()
			t.Fatalf("InsertEvents failed: %v", err)
		}
		if err := session.Rollback(); err != nil {
			t.Fatalf("Rollback failed: %v", err)
		}

		got, err := r.SelectEvents(ctx, x, store.EventQuery{})
		if err != nil {
			t.Fatalf("SelectEvents failed: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("expected no events after external rollback, got %d", len(got))
		}
	})

	t.Run("tracking", func(t *testing.T) {
		ctx := context.Background()
		r := newRecorder(t, ds)
		tracking := es.Tracking{ApplicationName: "upstream", NotificationID: 3}

		if _, err := r.InsertEvents(ctx, []es.Record{rec(uuid.New(), 0, "A")}, store.WithTracking(tracking)); err != nil {
			t.Fatalf("InsertEvents failed: %v", err)
		}
		_, err := r.InsertEvents(ctx, []es.Record{rec(uuid.New(), 0, "B")}, store.WithTracking(tracking))
		if !errors.Is(err, store.ErrIntegrityViolation) || errors.Is(err, store.ErrConcurrencyConflict) {
			t.Errorf("expected an integrity violation, got %v", err)
		}
		if max, err := r.MaxTrackingID(ctx, "upstream"); err != nil || max != 3 {
			t.Errorf("MaxTrackingID = %d, %v", max, err)
		}
	})

	t.Run("snapshots", func(t *testing.T) {
		ctx := context.Background()
		r := newRecorder(t, ds)
		x := uuid.New()

		if _, err := r.InsertEvents(ctx, []es.Record{rec(x, 0, "Created")}, store.WithSnapshot(rec(x, 0, "Snapshot"))); err != nil {
			t.Fatalf("InsertEvents failed: %v", err)
		}
		snap, found, err := r.SelectSnapshot(ctx, x, nil)
		if err != nil || !found || snap.Topic != "Snapshot" {
			t.Errorf("SelectSnapshot = %v, %v, %v", snap, found, err)
		}
	})
}
