// Package processor moves real money for committed wallet transactions.
package processor

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/money"
)

// ErrMissingDestination is returned when a transfer has nowhere to go.
var ErrMissingDestination = errors.New("processor: missing destination")

// TransferRequest pays a provider out of the platform balance.
type TransferRequest struct {
	// IdempotencyKey makes retries of the same wallet transaction safe.
	IdempotencyKey string
	Destination    string
	Amount         money.Amount
	Metadata       map[string]string
}

// RefundRequest returns money to the customer's original payment.
type RefundRequest struct {
	IdempotencyKey string
	PaymentRef     string
	Amount         money.Amount
	Metadata       map[string]string
}

// Processor is the external payment processor.
type Processor interface {
	Transfer(ctx context.Context, req TransferRequest) (ref string, err error)
	Refund(ctx context.Context, req RefundRequest) (ref string, err error)
}

// Noop accepts every call without moving money. Used in development.
type Noop struct {
	logger *slog.Logger
}

// NewNoop creates a processor that only logs.
func NewNoop(logger *slog.Logger) *Noop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Noop{logger: logger}
}

func (n *Noop) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	if req.Destination == "" {
		return "", ErrMissingDestination
	}
	n.logger.Info("noop transfer", "key", req.IdempotencyKey, "destination", req.Destination, "amount", req.Amount)
	return idgen.New("noop_tr_"), nil
}

func (n *Noop) Refund(ctx context.Context, req RefundRequest) (string, error) {
	if req.PaymentRef == "" {
		return "", ErrMissingDestination
	}
	n.logger.Info("noop refund", "key", req.IdempotencyKey, "payment", req.PaymentRef, "amount", req.Amount)
	return idgen.New("noop_re_"), nil
}
