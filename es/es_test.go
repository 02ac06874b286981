package es_test

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/getpup/pupstore/es"
)

// TestNoOpLogger verifies the NoOpLogger doesn't panic.
func TestNoOpLogger(t *testing.T) {
	ctx := context.Background()
	logger := es.NoOpLogger{}

	// These should not panic
	logger.Debug(ctx, "debug message", "key", "value")
	logger.Info(ctx, "info message", "key", "value")
	logger.Error(ctx, "error message", "key", "value")
}

func TestLoggerInterface(t *testing.T) {
	var _ es.Logger = es.NoOpLogger{}
}

func TestRecordString(t *testing.T) {
	id := uuid.MustParse("7d444840-9dc0-11d1-b245-5ffdce74fad2")
	r := es.Record{OriginatorID: id, OriginatorVersion: 3, Topic: "OrderShipped"}

	want := "7d444840-9dc0-11d1-b245-5ffdce74fad2@3(OrderShipped)"
	if got := r.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}

	n := es.Notification{Record: r, ID: 9}
	if got := n.String(); got != want {
		t.Errorf("Notification String() = %q, want %q", got, want)
	}
}
