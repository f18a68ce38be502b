// Package reconciliation settles committed wallet transactions with the
// payment processor and retries the ones that failed.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/mbd888/escrowd/internal/circuitbreaker"
	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/processor"
	"github.com/mbd888/escrowd/internal/retry"
	"github.com/mbd888/escrowd/internal/traces"
)

// ErrNotTransferable is returned for wallet transactions with no processor leg.
var ErrNotTransferable = fmt.Errorf("%w: wallet transaction has no processor transfer", ledger.ErrInvalidInput)

// Config bounds the retry schedule.
type Config struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// MaxAttempts after which a transfer is left failed for manual review.
	MaxAttempts int
	BatchSize   int
}

// DefaultConfig returns the retry schedule used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		BaseDelay:   time.Minute,
		MaxDelay:    6 * time.Hour,
		MaxAttempts: 20,
		BatchSize:   100,
	}
}

// Service is the post-commit settler and the failed-transfer retrier.
type Service struct {
	store   ledger.Store
	proc    processor.Processor
	breaker *circuitbreaker.Breaker
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger
}

// NewService creates a reconciliation service.
func NewService(store ledger.Store, proc processor.Processor, cfg Config, logger *slog.Logger) *Service {
	def := DefaultConfig()
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		proc:    proc,
		breaker: circuitbreaker.New(5, 30*time.Second),
		cfg:     cfg,
		now:     time.Now,
		logger:  logger,
	}
}

// WithClock overrides the time source (tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	s.breaker.WithClock(now)
	return s
}

// WithBreaker replaces the processor circuit breaker.
func (s *Service) WithBreaker(b *circuitbreaker.Breaker) *Service {
	s.breaker = b
	return s
}

// Settle calls the processor for wt and marks it sent. Failures are left
// to the caller, which reports them through OnExternalTransferFailed.
func (s *Service) Settle(ctx context.Context, hold *ledger.EscrowHold, wt *ledger.WalletTransaction) (err error) {
	ctx, span := traces.StartSpan(ctx, "reconciliation.Settle", traces.HoldID(hold.ID), traces.Amount(wt.Amount))
	defer func() { traces.End(span, err) }()

	var ref string
	err = s.breaker.Do(string(wt.Type), func() error {
		var callErr error
		ref, callErr = s.call(ctx, hold, wt)
		return callErr
	})
	if err != nil {
		metrics.TransfersTotal.WithLabelValues(string(wt.Type), "failed").Inc()
		return err
	}
	metrics.TransfersTotal.WithLabelValues(string(wt.Type), "sent").Inc()

	if err := s.store.RecordTransfer(ctx, wt.ID, ledger.TransferUpdate{
		Status: ledger.TransferSent,
		Ref:    ref,
	}); err != nil {
		// The processor call is idempotent on the wallet tx id, so a retry
		// returns the same reference.
		return fmt.Errorf("record sent transfer %s: %w", wt.ID, err)
	}
	return nil
}

func (s *Service) call(ctx context.Context, hold *ledger.EscrowHold, wt *ledger.WalletTransaction) (string, error) {
	meta := map[string]string{
		"hold_id":    hold.ID,
		"booking_id": hold.BookingID,
		"wallet_tx":  wt.ID,
	}
	switch wt.Type {
	case ledger.TxPayout:
		return s.proc.Transfer(ctx, processor.TransferRequest{
			IdempotencyKey: wt.ID,
			Destination:    hold.PayoutAccount,
			Amount:         wt.Amount,
			Metadata:       meta,
		})
	case ledger.TxRefund:
		return s.proc.Refund(ctx, processor.RefundRequest{
			IdempotencyKey: wt.ID,
			PaymentRef:     hold.PaymentRef,
			Amount:         wt.Amount,
			Metadata:       meta,
		})
	default:
		return "", fmt.Errorf("%w: %s", ErrNotTransferable, wt.Type)
	}
}

// OnExternalTransferFailed marks the wallet transaction failed and
// schedules the next attempt with exponential backoff.
func (s *Service) OnExternalTransferFailed(ctx context.Context, walletTxID string, cause error) {
	wt, err := s.store.GetWalletTransaction(ctx, walletTxID)
	if err != nil {
		s.logger.Error("failed transfer lookup", "walletTxId", walletTxID, "error", err)
		return
	}

	attempt := wt.TransferAttempts + 1
	update := ledger.TransferUpdate{Status: ledger.TransferFailed, Error: truncate(cause.Error(), 500)}
	if attempt < s.cfg.MaxAttempts {
		next := s.now().Add(retry.Backoff(attempt, s.cfg.BaseDelay, s.cfg.MaxDelay))
		update.NextAttemptAt = &next
	} else {
		s.logger.Error("transfer abandoned after max attempts",
			"walletTxId", walletTxID, "attempts", attempt, "error", cause)
		abandonedTransfers.Inc()
	}
	if err := s.store.RecordTransfer(ctx, walletTxID, update); err != nil {
		s.logger.Error("record failed transfer", "walletTxId", walletTxID, "error", err)
	}
}

// Result summarizes one retry pass.
type Result struct {
	Due    int `json:"due"`
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// RetryDue re-attempts every failed or stranded pending transfer whose next
// attempt time has passed.
func (s *Service) RetryDue(ctx context.Context) (Result, error) {
	start := time.Now()
	defer func() { runDuration.Observe(time.Since(start).Seconds()) }()

	due, err := s.store.ListTransfersDue(ctx, s.now(), s.cfg.BatchSize)
	if err != nil {
		runErrors.Inc()
		return Result{}, fmt.Errorf("list due transfers: %w", err)
	}
	transfersDue.Set(float64(len(due)))

	res := Result{Due: len(due)}
	for _, wt := range due {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		hold, err := s.store.GetHold(ctx, wt.HoldID)
		if err != nil {
			runErrors.Inc()
			s.logger.Error("transfer hold lookup", "walletTxId", wt.ID, "holdId", wt.HoldID, "error", err)
			continue
		}
		if err := s.Settle(ctx, hold, wt); err != nil {
			res.Failed++
			s.OnExternalTransferFailed(ctx, wt.ID, err)
			continue
		}
		res.Sent++
	}
	return res, nil
}

// RetryTransfer re-attempts one transfer now, regardless of its schedule.
// Operators use it for transfers abandoned after MaxAttempts. A transfer
// already sent is returned unchanged.
func (s *Service) RetryTransfer(ctx context.Context, walletTxID string) (*ledger.WalletTransaction, error) {
	wt, err := s.store.GetWalletTransaction(ctx, walletTxID)
	if err != nil {
		return nil, err
	}
	switch wt.TransferStatus {
	case ledger.TransferSent:
		return wt, nil
	case ledger.TransferNotRequired:
		return nil, fmt.Errorf("%w: %s", ErrNotTransferable, wt.ID)
	}

	hold, err := s.store.GetHold(ctx, wt.HoldID)
	if err != nil {
		return nil, err
	}
	if err := s.Settle(ctx, hold, wt); err != nil {
		s.OnExternalTransferFailed(ctx, wt.ID, err)
		return nil, fmt.Errorf("%w: %v", ledger.ErrExternalTransferFailed, err)
	}
	s.logger.Info("transfer retried manually", "walletTxId", wt.ID, "type", wt.Type)
	return s.store.GetWalletTransaction(ctx, wt.ID)
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

var _ escrow.Settler = (*Service)(nil)
