package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx"
	"github.com/lib/pq"

	"github.com/getpup/pupstore/es/store"
)

func TestRebind(t *testing.T) {
	d := NewDialect()
	got := d.Rebind("SELECT * FROM t WHERE a = ? AND b > ? LIMIT ?")
	want := "SELECT * FROM t WHERE a = $1 AND b > $2 LIMIT $3"
	if got != want {
		t.Errorf("Rebind() = %q, want %q", got, want)
	}
	if got := d.Rebind("SELECT 1"); got != "SELECT 1" {
		t.Errorf("Rebind() without placeholders = %q", got)
	}
}

func TestNewDialect_Options(t *testing.T) {
	d := NewDialect(WithDriver(DriverPGX))
	if d.DriverName() != "pgx" {
		t.Errorf("DriverName() = %q, want pgx", d.DriverName())
	}
	if d.Name() != "postgres" {
		t.Errorf("Name() = %q, want postgres", d.Name())
	}
	if NewDialect().DriverName() != "postgres" {
		t.Errorf("default driver should be lib/pq")
	}
}

func TestClassify(t *testing.T) {
	d := NewDialect()

	tests := []struct {
		name   string
		err    error
		kind   error
		unique bool
	}{
		{"pq unique", &pq.Error{Code: "23505"}, store.ErrIntegrityViolation, true},
		{"pq foreign key", &pq.Error{Code: "23503"}, store.ErrIntegrityViolation, false},
		{"pq deadlock", &pq.Error{Code: "40P01"}, store.ErrOperational, false},
		{"pq lock timeout", &pq.Error{Code: "55P03"}, store.ErrOperational, false},
		{"pq undefined table", &pq.Error{Code: "42P01"}, store.ErrProgramming, false},
		{"pq connection", &pq.Error{Code: "08006"}, store.ErrConnectionFailure, false},
		{"pq admin shutdown", &pq.Error{Code: "57P01"}, store.ErrConnectionFailure, false},
		{"pq other", &pq.Error{Code: "XX000"}, store.ErrDatabase, false},
		{"pgx unique", pgx.PgError{Code: "23505"}, store.ErrIntegrityViolation, true},
		{"pgx serialization", pgx.PgError{Code: "40001"}, store.ErrOperational, false},
		{"wrapped pq", fmt.Errorf("insert: %w", &pq.Error{Code: "23505"}), store.ErrIntegrityViolation, true},
		{"unknown", errors.New("boom"), store.ErrDatabase, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := d.Classify(tt.err)
			if !errors.Is(err, tt.kind) {
				t.Fatalf("Classify() = %v, want kind %v", err, tt.kind)
			}
			if store.IsUniqueViolation(err) != tt.unique {
				t.Errorf("IsUniqueViolation() = %v, want %v", store.IsUniqueViolation(err), tt.unique)
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("classified error should still match the driver error")
			}
		})
	}
}

func TestClassify_Passthrough(t *testing.T) {
	d := NewDialect()

	if d.Classify(nil) != nil {
		t.Error("Classify(nil) should be nil")
	}
	if err := d.Classify(context.Canceled); err != context.Canceled {
		t.Errorf("Classify(context.Canceled) = %v", err)
	}
	programming := fmt.Errorf("%w: bad batch", store.ErrProgramming)
	if err := d.Classify(programming); err != programming {
		t.Errorf("already classified error was rewrapped: %v", err)
	}
}

func TestClassify_UniqueViolation(t *testing.T) {
	d := NewDialect()

	if !store.IsUniqueViolation(d.Classify(&pq.Error{Code: "23505"})) {
		t.Error("expected pq 23505 to be a unique violation")
	}
	if !store.IsUniqueViolation(d.Classify(pgx.PgError{Code: "23505"})) {
		t.Error("expected pgx 23505 to be a unique violation")
	}
	if !store.IsUniqueViolation(d.Classify(&pgx.PgError{Code: "23505"})) {
		t.Error("expected *pgx.PgError 23505 to be a unique violation")
	}
	if store.IsUniqueViolation(d.Classify(&pq.Error{Code: "23503"})) {
		t.Error("23503 is not a unique violation")
	}
	if store.IsUniqueViolation(d.Classify(nil)) {
		t.Error("nil is not a unique violation")
	}
}
