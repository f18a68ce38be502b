// Package admin provides admin-only endpoints for driving background work
// by hand and resolving stuck transfers.
package admin

import (
	"context"
	"time"

	"github.com/mbd888/escrowd/internal/expiry"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/reconciliation"
)

// ExpiryRunner runs one auto-release pass.
type ExpiryRunner interface {
	RunOnce(ctx context.Context) (expiry.Result, error)
}

// TransferRetrier retries processor transfers.
type TransferRetrier interface {
	RetryDue(ctx context.Context) (reconciliation.Result, error)
	RetryTransfer(ctx context.Context, walletTxID string) (*ledger.WalletTransaction, error)
}

// TransferLister lists transfers waiting for a retry.
type TransferLister interface {
	ListTransfersDue(ctx context.Context, now time.Time, limit int) ([]*ledger.WalletTransaction, error)
}

// OutboxFlusher publishes one batch of pending events.
type OutboxFlusher interface {
	RunOnce(ctx context.Context) (int, error)
}
