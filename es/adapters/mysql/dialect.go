// Package mysql provides the MySQL/MariaDB dialect.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/adapters"
	"github.com/getpup/pupstore/es/store"
)

// MySQL server error numbers the dialect classifies.
const (
	errDupEntry           = 1062
	errBadNull            = 1048
	errRowIsReferenced    = 1451
	errNoReferencedRow    = 1452
	errLockWaitTimeout    = 1205
	errLockDeadlock       = 1213
	errParse              = 1064
	errNoSuchTable        = 1146
	errBadField           = 1054
	errTableAccessDenied  = 1142
	errServerShutdown     = 1053
	errDataTooLong        = 1406
	errTruncatedWrongData = 1292
)

// Dialect implements adapters.Dialect for MySQL and MariaDB.
type Dialect struct{}

var _ adapters.Dialect = (*Dialect)(nil)

// NewDialect creates a MySQL dialect.
func NewDialect() *Dialect {
	return &Dialect{}
}

// Name implements adapters.Dialect.
func (d *Dialect) Name() string { return "mysql" }

// DriverName implements adapters.Dialect.
func (d *Dialect) DriverName() string { return "mysql" }

// Rebind implements adapters.Dialect. MySQL uses ? placeholders natively.
func (d *Dialect) Rebind(query string) string { return query }

// EncodeUUID implements adapters.Dialect. Originator ids are BINARY(16) columns.
func (d *Dialect) EncodeUUID(id uuid.UUID) interface{} {
	return id[:]
}

// InsertID implements adapters.Dialect with LAST_INSERT_ID().
func (d *Dialect) InsertID(ctx context.Context, tx es.DBTX, query string, args ...interface{}) (int64, error) {
	return adapters.LastInsertID(ctx, tx, query, args...)
}

// LockNotifications implements adapters.Dialect by locking the single row of
// the table's companion lock table.
func (d *Dialect) LockNotifications(ctx context.Context, tx es.DBTX, table string) error {
	query := fmt.Sprintf("SELECT id FROM %s WHERE id = 1 FOR UPDATE", LockTable(table))
	var id int64
	if err := tx.QueryRowContext(ctx, query).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: lock table %s has no row", store.ErrProgramming, LockTable(table))
		}
		return fmt.Errorf("failed to lock %s: %w", table, d.Classify(err))
	}
	return nil
}

// LockTable returns the name of the lock table that serializes inserts into table.
func LockTable(table string) string {
	return table + "_lock"
}

// Setup implements adapters.Dialect.
func (d *Dialect) Setup(_ context.Context, _ *sql.DB) error {
	return nil
}

// SerializeWrites implements adapters.Dialect.
func (d *Dialect) SerializeWrites() bool { return false }

// Classify implements adapters.Dialect.
func (d *Dialect) Classify(err error) error {
	if err == nil || adapters.Classified(err) {
		return err
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		kind, unique := classifyNumber(mysqlErr.Number)
		return store.NewDatabaseError(kind, unique, err)
	}
	if errors.Is(err, mysql.ErrInvalidConn) || adapters.IsConnectionError(err) {
		return store.NewDatabaseError(store.ErrConnectionFailure, false, err)
	}
	return store.NewDatabaseError(store.ErrDatabase, false, err)
}

func classifyNumber(number uint16) (kind error, unique bool) {
	switch number {
	case errDupEntry:
		return store.ErrIntegrityViolation, true
	case errBadNull, errRowIsReferenced, errNoReferencedRow:
		return store.ErrIntegrityViolation, false
	case errLockWaitTimeout, errLockDeadlock:
		return store.ErrOperational, false
	case errParse, errNoSuchTable, errBadField, errTableAccessDenied, errDataTooLong, errTruncatedWrongData:
		return store.ErrProgramming, false
	case errServerShutdown:
		return store.ErrConnectionFailure, false
	}
	return store.ErrDatabase, false
}
