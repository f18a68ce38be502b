package ledger

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"concurrent", fmt.Errorf("lock hold:1: %w", ErrConcurrentModification), true},
		{"transient", ErrTransient, true},
		{"bad conn", driver.ErrBadConn, true},
		{"deadline", context.DeadlineExceeded, true},
		{"not found", ErrHoldNotFound, false},
		{"business rule", ErrAmountExceedsHold, false},
		{"commit bad conn", fmt.Errorf("%w: %w", ErrCommitUnknown, driver.ErrBadConn), false},
		{"commit deadline", fmt.Errorf("%w: %w", ErrCommitUnknown, context.DeadlineExceeded), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestMapPgError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"lock timeout", &pq.Error{Code: "55P03"}, ErrConcurrentModification},
		{"deadlock", &pq.Error{Code: "40P01"}, ErrConcurrentModification},
		{"duplicate booking", &pq.Error{Code: "23505", Constraint: "escrow_holds_booking_id_key"}, ErrDuplicateHold},
		{"duplicate dispute", &pq.Error{Code: "23505", Constraint: "disputes_one_active_per_hold"}, ErrDuplicateDispute},
		{"connection", &pq.Error{Code: "08006"}, ErrTransient},
		{"ledger error passes", ErrHoldNotFound, ErrHoldNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mapPgError(tt.err); !errors.Is(got, tt.want) {
				t.Errorf("mapPgError() = %v, want %v", got, tt.want)
			}
		})
	}

	if mapPgError(nil) != nil {
		t.Error("mapPgError(nil) should be nil")
	}
}

func TestCommitError(t *testing.T) {
	if commitError(nil) != nil {
		t.Error("commitError(nil) should be nil")
	}

	serialization := commitError(&pq.Error{Code: "40001"})
	if !errors.Is(serialization, ErrConcurrentModification) || !IsRetryable(serialization) {
		t.Errorf("serialization failure at commit = %v, want retryable ErrConcurrentModification", serialization)
	}

	for _, cause := range []error{driver.ErrBadConn, context.DeadlineExceeded, &pq.Error{Code: "08006"}} {
		err := commitError(cause)
		if !errors.Is(err, ErrCommitUnknown) {
			t.Errorf("commitError(%v) = %v, want ErrCommitUnknown", cause, err)
		}
		if IsRetryable(err) {
			t.Errorf("commitError(%v) must not be retryable", cause)
		}
	}
}

func TestNewEvent_RejectsUnmarshalablePayload(t *testing.T) {
	if _, err := NewEvent(EventHoldCreated, "esc_1", make(chan int), testNow); err == nil {
		t.Error("expected marshal error")
	}
	e, err := NewEvent(EventHoldCreated, "esc_1", map[string]string{"k": "v"}, testNow)
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	if string(e.Payload) != `{"k":"v"}` {
		t.Errorf("payload = %s", e.Payload)
	}
}

func TestDisputeStatusIsActive(t *testing.T) {
	for _, s := range ActiveDisputeStatuses {
		if !s.IsActive() {
			t.Errorf("%s should be active", s)
		}
	}
	for _, s := range []DisputeStatus{DisputeResolved, DisputeClosed, DisputeAppealed} {
		if s.IsActive() {
			t.Errorf("%s should not be active", s)
		}
	}
}
