package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBusy = errors.New("database is locked")

func isBusy(err error) bool { return errors.Is(err, errBusy) }

func TestDoStopsOnFirstSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 5, BaseDelay: time.Microsecond}, isBusy, func() error {
		calls++
		if calls < 3 {
			return errBusy
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoDoesNotRetryPermanentErrors(t *testing.T) {
	permanent := errors.New("constraint failed")
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 5, BaseDelay: time.Microsecond}, isBusy, func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("permanent errors must not be retried, got %d calls", calls)
	}
}

func TestDoExhaustsAndReturnsLastError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 4, BaseDelay: time.Microsecond}, isBusy, func() error {
		calls++
		return errBusy
	})
	if !errors.Is(err, errBusy) {
		t.Fatalf("expected busy error after exhaustion, got %v", err)
	}
	if calls != 4 {
		t.Fatalf("expected 4 attempts, got %d", calls)
	}
}

func TestPolicyClampsAttempts(t *testing.T) {
	cases := []struct {
		configured int
		effective  int
	}{
		{0, 5},
		{1, 3},
		{3, 3},
		{6, 6},
		{20, 8},
	}
	for _, tc := range cases {
		calls := 0
		_ = Do(context.Background(), Policy{Attempts: tc.configured, BaseDelay: time.Microsecond}, isBusy, func() error {
			calls++
			return errBusy
		})
		if calls != tc.effective {
			t.Errorf("attempts=%d: expected %d calls, got %d", tc.configured, tc.effective, calls)
		}
	}
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{Attempts: 8, BaseDelay: 10 * time.Millisecond}, isBusy, func() error {
		calls++
		cancel()
		return errBusy
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call before cancellation, got %d", calls)
	}
}
