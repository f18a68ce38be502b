package ledger

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
)

var (
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInvalidTransition      = errors.New("invalid state transition")
	ErrAmountExceedsHold      = errors.New("amount exceeds remaining hold balance")
	ErrDisputeBlocking        = errors.New("an active dispute blocks this operation")
	ErrDuplicateDispute       = errors.New("hold already has an active dispute")
	ErrHoldNotHeld            = errors.New("hold is not held")
	ErrNotAuthorized          = errors.New("not authorized for this operation")
	ErrConcurrentModification = errors.New("concurrent modification, retry")
	ErrExternalTransferFailed = errors.New("external transfer failed, queued for reconciliation")

	ErrHoldNotFound        = errors.New("escrow hold not found")
	ErrRefundNotFound      = errors.New("refund not found")
	ErrDisputeNotFound     = errors.New("dispute not found")
	ErrTransactionNotFound = errors.New("wallet transaction not found")
	ErrBookingNotFound     = errors.New("booking status not found")
	ErrDuplicateHold       = errors.New("booking already has an escrow hold")
	ErrInvalidInput        = errors.New("invalid input")

	// ErrAppealWindowClosed is an InvalidTransition: the dispute can no
	// longer be appealed.
	ErrAppealWindowClosed = fmt.Errorf("%w: appeal window closed", ErrInvalidTransition)
	ErrTransient          = errors.New("transient ledger failure")

	// ErrCommitUnknown means COMMIT failed in a way that does not say
	// whether the transaction was applied. It is never retried.
	ErrCommitUnknown = errors.New("commit outcome unknown")
)

// IsNotFound reports whether err is any of the not-found errors.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrHoldNotFound) ||
		errors.Is(err, ErrRefundNotFound) ||
		errors.Is(err, ErrDisputeNotFound) ||
		errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrBookingNotFound)
}

// IsRetryable reports whether the whole operation may be retried. Only
// failures that are known to have rolled back qualify.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrCommitUnknown) {
		return false
	}
	if errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrTransient) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
