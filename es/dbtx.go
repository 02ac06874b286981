package es

import (
	"context"
	"database/sql"
)

// DBTX is the set of statement methods shared by *sql.DB, *sql.Tx and
// *sql.Conn. Recorders only ever talk to the database through it, which is
// what lets a caller hand in its own session and share one commit with
// non-event-sourced writes.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

var (
	_ DBTX = (*sql.DB)(nil)
	_ DBTX = (*sql.Tx)(nil)
	_ DBTX = (*sql.Conn)(nil)
)
