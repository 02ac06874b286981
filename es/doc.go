// Package es provides the core types of the pupstore event recorders.
//
// # Overview
//
// pupstore persists the records of event-sourced applications in a relational
// database and reads them back. It defines:
//   - Record: an immutable stored event or snapshot (originator, version, topic, state)
//   - Notification: a record with its position in the application's notification log
//   - Tracking: the position of an upstream notification processed downstream
//   - DBTX: the query surface shared by *sql.DB, *sql.Tx and datastore transactions
//   - Logger: an optional logging hook
//
// # Design Philosophy
//
// Optimistic concurrency: the database enforces one record per
// (originator id, version). A writer that loses the race gets
// store.ErrConcurrencyConflict and no partial batch is ever committed.
//
// Transaction control: every recorder call runs in a datastore transaction.
// Calls made inside an existing Datastore.Transaction, or with a session
// attached by datastore.WithSession, join that unit of work instead of
// committing on their own.
//
// Opaque state: recorders never look inside State. Serialization, compression
// and encryption belong to the caller.
//
// # Quick Start
//
// 1. Generate the schema, or let the recorder create it:
//
//	go run github.com/getpup/pupstore/cmd/pupstore schema --engine postgres --output migrations
//
// 2. Open a datastore and create a recorder:
//
//	ds, err := datastore.Open(ctx, postgres.NewDialect(), datastore.WithDSN(dsn))
//	if err != nil {
//	    return err
//	}
//	defer ds.Close()
//
//	recorder, err := recorder.NewApplicationRecorder(ds)
//	if err != nil {
//	    return err
//	}
//
// 3. Append records:
//
//	ids, err := recorder.InsertEvents(ctx, []es.Record{
//	    {OriginatorID: orderID, OriginatorVersion: 0, Topic: "OrderCreated", State: state},
//	})
//	if errors.Is(err, store.ErrConcurrencyConflict) {
//	    // reload the aggregate and retry
//	}
//
// 4. Read a stream or the notification log:
//
//	records, err := recorder.SelectEvents(ctx, orderID, store.EventQuery{})
//	notifications, err := recorder.SelectNotifications(ctx, store.NotificationQuery{Start: 1, Limit: 100})
//
// 5. Process the log downstream with exactly-once tracking:
//
//	processor := projection.NewProcessor(upstream, downstream, projection.DefaultProcessorConfig())
//	processor.Run(ctx, &MyProjection{})
//
// # Engines
//
// PostgreSQL (lib/pq or pgx), MySQL and SQLite are supported through the
// dialects in es/adapters. The factory package builds a datastore and
// recorders from environment variables.
package es
