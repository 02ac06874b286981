// Package pupstore provides relational event recorders for event-sourced Go applications.
//
// This package serves as the main entry point for the pupstore library.
// The functionality lives in the es package and its subpackages:
//
//	es                - Record types, DBTX and Logger
//	es/store          - Recorder interfaces and the error taxonomy
//	es/datastore      - Connection pool and transactions
//	es/recorder       - Aggregate, application and process recorders
//	es/adapters/...   - PostgreSQL, MySQL and SQLite dialects
//	es/migrations     - Schema generation
//	es/projection     - Notification log processing with tracking
//	es/factory        - Construction from environment variables
//
// Quick Start:
//
//  1. Open a datastore and create the tables:
//     ds, _ := datastore.Open(ctx, sqlite.NewDialect(), datastore.WithDSN("events.db"))
//     r, _ := recorder.NewApplicationRecorder(ds)
//     r.CreateTables(ctx)
//
//  2. Append records:
//     ids, err := r.InsertEvents(ctx, records)
//
//  3. Process the notification log:
//     processor := projection.NewProcessor(ds, r, downstream, projection.DefaultProcessorConfig())
//     processor.Run(ctx, myProjection)
//
// See the examples directory for complete working examples.
package pupstore

// Version returns the current version of the library.
func Version() string {
	return "0.1.0-dev"
}
