package processor

import (
	"context"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// Stripe sends payouts as Connect transfers and refunds against the
// original PaymentIntent or Charge.
type Stripe struct {
	api      *client.API
	currency string
}

// NewStripe creates a Stripe processor. backends may be nil to use the
// live API endpoints.
func NewStripe(secretKey, currency string, backends *stripe.Backends) *Stripe {
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}
	return &Stripe{
		api:      client.New(secretKey, backends),
		currency: strings.ToLower(currency),
	}
}

func (s *Stripe) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	if req.Destination == "" {
		return "", ErrMissingDestination
	}
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(int64(req.Amount)),
		Currency:    stripe.String(s.currency),
		Destination: stripe.String(req.Destination),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	tr, err := s.api.Transfers.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe transfer: %w", err)
	}
	return tr.ID, nil
}

func (s *Stripe) Refund(ctx context.Context, req RefundRequest) (string, error) {
	params, err := refundParams(req)
	if err != nil {
		return "", err
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	re, err := s.api.Refunds.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe refund: %w", err)
	}
	return re.ID, nil
}

func refundParams(req RefundRequest) (*stripe.RefundParams, error) {
	params := &stripe.RefundParams{Amount: stripe.Int64(int64(req.Amount))}
	switch {
	case strings.HasPrefix(req.PaymentRef, "pi_"):
		params.PaymentIntent = stripe.String(req.PaymentRef)
	case strings.HasPrefix(req.PaymentRef, "ch_"), strings.HasPrefix(req.PaymentRef, "py_"):
		params.Charge = stripe.String(req.PaymentRef)
	case req.PaymentRef == "":
		return nil, ErrMissingDestination
	default:
		return nil, fmt.Errorf("stripe refund: unsupported payment reference %q", req.PaymentRef)
	}
	return params, nil
}

var _ Processor = (*Stripe)(nil)
