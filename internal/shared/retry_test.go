package shared

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryRetriesConflicts(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond}
	calls := 0
	err := p.Do(context.Background(), "update session", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("database is locked (5) (SQLITE_BUSY)")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetryStopsOnOtherErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("constraint failed")
	calls := 0
	err := DefaultRetryPolicy().Do(context.Background(), "insert", func(context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRetryGivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond}
	calls := 0
	err := p.Do(context.Background(), "touch", func(context.Context) error {
		calls++
		return errors.New("SQLITE_BUSY")
	})
	if !IsSQLiteBusyError(err) {
		t.Fatalf("expected busy error, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestRetryHonoursContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := RetryPolicy{MaxRetries: 5, BaseDelay: time.Hour}
	err := p.Do(ctx, "touch", func(context.Context) error {
		return errors.New("database is locked")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestConflictClassification(t *testing.T) {
	t.Parallel()

	if IsSQLiteConflictError(nil) {
		t.Fatal("nil is not a conflict")
	}
	if !IsSQLiteConflictError(errors.New("database is locked")) {
		t.Fatal("locked should be a conflict")
	}
	if IsSQLiteConflictError(errors.New("no such table")) {
		t.Fatal("schema error is not a conflict")
	}
}
