package adapters

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/getpup/pupstore/es/store"
)

func TestValidateTableName(t *testing.T) {
	valid := []string{"stored_events", "events", "public.stored_events", "_t1", "Tracking"}
	for _, name := range valid {
		if err := ValidateTableName(name); err != nil {
			t.Errorf("ValidateTableName(%q) = %v, want nil", name, err)
		}
	}

	invalid := []string{"", "1events", "events; DROP TABLE x", "a.b.c", "events-x", "public.", `"events"`}
	for _, name := range invalid {
		err := ValidateTableName(name)
		if !errors.Is(err, store.ErrProgramming) {
			t.Errorf("ValidateTableName(%q) = %v, want ErrProgramming", name, err)
		}
	}
}

func TestBaseTableName(t *testing.T) {
	if got := BaseTableName("public.stored_events"); got != "stored_events" {
		t.Errorf("BaseTableName() = %q", got)
	}
	if got := BaseTableName("stored_events"); got != "stored_events" {
		t.Errorf("BaseTableName() = %q", got)
	}
}

func TestClassified(t *testing.T) {
	if !Classified(context.Canceled) {
		t.Error("context errors need no classification")
	}
	if !Classified(fmt.Errorf("wrapped: %w", store.ErrOperational)) {
		t.Error("wrapped store errors need no classification")
	}
	if Classified(errors.New("driver error")) {
		t.Error("plain errors need classification")
	}
}

func TestIsConnectionError(t *testing.T) {
	if !IsConnectionError(fmt.Errorf("exec: %w", driver.ErrBadConn)) {
		t.Error("driver.ErrBadConn is a connection error")
	}
	if IsConnectionError(errors.New("syntax error")) {
		t.Error("plain errors are not connection errors")
	}
}
