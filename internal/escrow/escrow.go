// Package escrow is the state machine over escrow holds and the refund
// workflow.
//
// Flow:
//  1. Payment capture creates a hold (held); the fee split is fixed here.
//  2. The customer releases it, or the scheduler auto-releases it once
//     expired, paying the provider and the platform (released).
//  3. Refunds return money to the customer; when they add up to the hold
//     amount the hold is refunded.
//  4. A dispute freezes the hold (disputed) until the dispute engine
//     resolves it through ReleaseInTx and RefundInTx.
//
// Every operation runs in one ledger transaction under the hold row lock.
// Processor calls for the resulting wallet transactions happen after commit.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/money"
	"github.com/mbd888/escrowd/internal/retry"
	"github.com/mbd888/escrowd/internal/traces"
)

// Defaults used when Config leaves a field zero.
const (
	DefaultHoldPeriod = 30 * 24 * time.Hour
	// TransferGrace delays the reconciliation pickup of a pending transfer
	// so the post-commit call normally settles it first.
	TransferGrace = 5 * time.Minute
)

// DefaultAutoApproveBelow is the customer refund auto-approval threshold.
var DefaultAutoApproveBelow = money.MustParse("100.00")

// AutoApprover approves customer refunds under the threshold.
var AutoApprover = ledger.Actor{ID: "system:auto-approve", Role: ledger.RoleSystem}

// Audit actions written by the engine.
const (
	ActionHoldCreate      = "hold.create"
	ActionHoldRelease     = "hold.release"
	ActionHoldAutoRelease = "hold.auto_release"
	ActionHoldRefunded    = "hold.refunded"
	ActionRefundRequest   = "refund.request"
	ActionRefundComplete  = "refund.complete"
	ActionRefundReject    = "refund.reject"
	ActionRefundVoid      = "refund.void"
)

// Config holds the engine's business settings.
type Config struct {
	HoldPeriod time.Duration
	Rates      money.RateTable
	// AutoApproveBelow: customer refunds strictly below this amount commit
	// without review. Zero disables auto-approval.
	AutoApproveBelow money.Amount
	// PlatformAccount receives fee wallet transactions.
	PlatformAccount string
}

// Settler moves real money for committed wallet transactions.
type Settler interface {
	// Settle performs the processor call for wt and records the outcome.
	Settle(ctx context.Context, hold *ledger.EscrowHold, wt *ledger.WalletTransaction) error
	// OnExternalTransferFailed is invoked after Settle fails so the
	// transfer is retried later.
	OnExternalTransferFailed(ctx context.Context, walletTxID string, cause error)
}

// Transfers collects the wallet transactions written by one ledger
// transaction; the pending ones need a processor call after it commits.
type Transfers struct {
	items []pendingTransfer
}

type pendingTransfer struct {
	hold *ledger.EscrowHold
	wt   *ledger.WalletTransaction
}

func (t *Transfers) add(h *ledger.EscrowHold, wt *ledger.WalletTransaction) {
	if t == nil {
		return
	}
	hc := *h
	t.items = append(t.items, pendingTransfer{hold: &hc, wt: wt})
}

// Len returns the number of collected wallet transactions.
func (t *Transfers) Len() int {
	if t == nil {
		return 0
	}
	return len(t.items)
}

// Service implements the escrow engine.
type Service struct {
	store   ledger.Store
	settler Settler
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a new escrow service.
func NewService(store ledger.Store, cfg Config, logger *slog.Logger) *Service {
	if cfg.HoldPeriod <= 0 {
		cfg.HoldPeriod = DefaultHoldPeriod
	}
	if cfg.PlatformAccount == "" {
		cfg.PlatformAccount = "platform"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithSettler wires the post-commit processor hook.
func (s *Service) WithSettler(settler Settler) *Service {
	s.settler = settler
	return s
}

// WithClock overrides the clock, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Now returns the engine clock.
func (s *Service) Now() time.Time { return s.now() }

// InTx runs fn in a ledger transaction, retrying the whole transaction when
// it loses a lock race.
func (s *Service) InTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	attempt := 0
	return retry.DoIf(ctx, retry.DefaultPolicy, ledger.IsRetryable, func() error {
		if attempt > 0 {
			metrics.LedgerRetriesTotal.Inc()
		}
		attempt++
		return s.store.InTx(ctx, fn)
	})
}

// CreateRequest contains the parameters for creating a hold.
type CreateRequest struct {
	BookingID     string           `json:"bookingId"`
	CustomerID    string           `json:"customerId"`
	ProviderID    string           `json:"providerId"`
	Amount        money.Amount     `json:"amount"`
	FeeRate       *decimal.Decimal `json:"feeRate,omitempty"`
	Category      string           `json:"category,omitempty"`
	PaymentRef    string           `json:"paymentRef,omitempty"`
	PayoutAccount string           `json:"payoutAccount,omitempty"`
}

// CreateHold records a captured payment as a held escrow.
func (s *Service) CreateHold(ctx context.Context, req CreateRequest, actor ledger.Actor) (_ *ledger.EscrowHold, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CreateHold", traces.BookingID(req.BookingID), traces.Amount(req.Amount))
	defer func() { traces.End(span, err) }()

	if !actor.IsAdmin() && !actor.IsSystem() {
		return nil, ledger.ErrNotAuthorized
	}
	if req.BookingID == "" || req.CustomerID == "" || req.ProviderID == "" {
		return nil, fmt.Errorf("%w: bookingId, customerId and providerId are required", ledger.ErrInvalidInput)
	}
	if req.CustomerID == req.ProviderID {
		return nil, fmt.Errorf("%w: customer and provider must differ", ledger.ErrInvalidInput)
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ledger.ErrInvalidAmount)
	}
	rate := s.cfg.Rates.For(req.Category)
	if req.FeeRate != nil {
		rate = *req.FeeRate
	}
	if err := money.ValidateRate(rate); err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrInvalidAmount, err)
	}

	fee := money.Fee(req.Amount, rate)
	now := s.now()
	hold := &ledger.EscrowHold{
		ID:             idgen.New(idgen.Hold),
		BookingID:      req.BookingID,
		CustomerID:     req.CustomerID,
		ProviderID:     req.ProviderID,
		Amount:         req.Amount,
		PlatformFee:    fee,
		ProviderPayout: req.Amount - fee,
		FeeRate:        rate,
		Status:         ledger.HoldHeld,
		PaymentRef:     req.PaymentRef,
		PayoutAccount:  req.PayoutAccount,
		HeldAt:         now,
		ExpiresAt:      now.Add(s.cfg.HoldPeriod),
		UpdatedAt:      now,
	}

	err = s.InTx(ctx, func(tx ledger.Tx) error {
		if err := tx.InsertHold(ctx, hold); err != nil {
			return err
		}
		return Record(ctx, tx, now, Change{
			Actor:      actor,
			Action:     ActionHoldCreate,
			TargetType: ledger.TargetHold,
			TargetID:   hold.ID,
			After:      string(ledger.HoldHeld),
			Amount:     hold.Amount,
			Event:      ledger.EventHoldCreated,
			Payload:    hold,
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.HoldsTotal.WithLabelValues("created").Inc()
	logging.L(ctx).Info("escrow hold created",
		"holdId", hold.ID, "bookingId", hold.BookingID, "amount", hold.Amount, "fee", hold.PlatformFee)
	return hold, nil
}

// Release pays out a held escrow to the provider at the customer's request.
// Releasing an already released hold is a no-op.
func (s *Service) Release(ctx context.Context, holdID string, actor ledger.Actor) (_ *ledger.EscrowHold, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.HoldID(holdID), traces.ActorID(actor.ID))
	defer func() { traces.End(span, err) }()

	var (
		result    *ledger.EscrowHold
		transfers *Transfers
		changed   bool
	)
	err = s.InTx(ctx, func(tx ledger.Tx) error {
		transfers, changed = &Transfers{}, false

		h, err := tx.LockHold(ctx, holdID)
		if err != nil {
			return err
		}
		if !actor.IsAdmin() && actor.ID != h.CustomerID {
			return ledger.ErrNotAuthorized
		}
		if h.Status == ledger.HoldReleased {
			result = h
			return nil
		}
		if err := requireHeld(h); err != nil {
			return err
		}
		if err := requireNoActiveDispute(ctx, tx, h); err != nil {
			return err
		}
		result, err = s.ReleaseInTx(ctx, tx, h, actor, ActionHoldRelease, transfers)
		changed = err == nil
		return err
	})
	if err != nil {
		return nil, err
	}
	if changed {
		ObserveTerminal(result, "released")
		logging.L(ctx).Info("escrow hold released", "holdId", result.ID, "bookingId", result.BookingID)
	}
	return result, s.Dispatch(ctx, transfers)
}

// AutoRelease releases an expired hold on behalf of the scheduler. It
// reports false without error when the hold is not eligible (not held, not
// yet expired or under an active dispute).
func (s *Service) AutoRelease(ctx context.Context, holdID string, actor ledger.Actor) (_ *ledger.EscrowHold, released bool, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.AutoRelease", traces.HoldID(holdID))
	defer func() { traces.End(span, err) }()

	if !actor.IsSystem() {
		return nil, false, ledger.ErrNotAuthorized
	}

	var (
		result    *ledger.EscrowHold
		transfers *Transfers
	)
	err = s.InTx(ctx, func(tx ledger.Tx) error {
		transfers, released = &Transfers{}, false

		h, err := tx.LockHold(ctx, holdID)
		if err != nil {
			return err
		}
		result = h
		if h.Status != ledger.HoldHeld || s.now().Before(h.ExpiresAt) {
			return nil
		}
		active, err := tx.ActiveDispute(ctx, h.ID)
		if err != nil {
			return err
		}
		if active != nil {
			return nil
		}
		result, err = s.ReleaseInTx(ctx, tx, h, actor, ActionHoldAutoRelease, transfers)
		released = err == nil
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if released {
		metrics.HoldsTotal.WithLabelValues("auto_released").Inc()
		ObserveTerminal(result, "")
	}
	return result, released, s.Dispatch(ctx, transfers)
}

// ReleaseInTx releases the remaining balance of a locked hold that is held
// or disputed: the provider's share after refunds, then the platform fee.
// The caller owns authorization and dispute checks.
func (s *Service) ReleaseInTx(ctx context.Context, tx ledger.Tx, h *ledger.EscrowHold, actor ledger.Actor, action string, transfers *Transfers) (*ledger.EscrowHold, error) {
	if h.Status != ledger.HoldHeld && h.Status != ledger.HoldDisputed {
		return nil, fmt.Errorf("%w: cannot release a %s hold", ledger.ErrInvalidTransition, h.Status)
	}
	refunded, err := tx.CompletedRefundTotal(ctx, h.ID)
	if err != nil {
		return nil, err
	}
	payout, fee := Split(h, refunded)
	now := s.now()

	if payout > 0 {
		// Without a payout account there is no processor leg.
		status := ledger.TransferNotRequired
		if h.PayoutAccount != "" {
			status = ledger.TransferPending
		}
		wt := s.newWalletTx(h, h.ProviderID, ledger.TxPayout, payout, status, "", now)
		if err := tx.InsertWalletTransaction(ctx, wt); err != nil {
			return nil, err
		}
		transfers.add(h, wt)
	}
	if fee > 0 {
		wt := s.newWalletTx(h, s.cfg.PlatformAccount, ledger.TxFee, fee, ledger.TransferNotRequired, "", now)
		if err := tx.InsertWalletTransaction(ctx, wt); err != nil {
			return nil, err
		}
		transfers.add(h, wt)
	}

	before := h.Status
	h.Status = ledger.HoldReleased
	h.ReleasedAt = &now
	h.ClaimedBy, h.ClaimedUntil = "", nil
	h.UpdatedAt = now
	if err := tx.UpdateHold(ctx, h); err != nil {
		return nil, err
	}
	if err := tx.SetBookingStatus(ctx, h.BookingID, ledger.BookingCompleted, now); err != nil {
		return nil, err
	}
	if err := s.voidPendingRefunds(ctx, tx, h, actor, "hold released", now); err != nil {
		return nil, err
	}
	err = Record(ctx, tx, now, Change{
		Actor:      actor,
		Action:     action,
		TargetType: ledger.TargetHold,
		TargetID:   h.ID,
		Before:     string(before),
		After:      string(ledger.HoldReleased),
		Amount:     payout,
		Detail:     fmt.Sprintf("payout=%s fee=%s refunded=%s", payout, fee, refunded),
		Event:      ledger.EventHoldReleased,
		Payload:    h,
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Split returns what a release pays the provider and keeps as fee once
// refunded has been returned to the customer. Refunds come out of the
// provider's share first, so refunded + payout + fee == h.Amount.
func Split(h *ledger.EscrowHold, refunded money.Amount) (payout, fee money.Amount) {
	payout = money.Max(0, h.ProviderPayout-refunded)
	fee = h.PlatformFee - money.Max(0, refunded-h.ProviderPayout)
	return payout, fee
}

// Remaining returns the hold balance not yet refunded.
func Remaining(ctx context.Context, tx ledger.Tx, h *ledger.EscrowHold) (money.Amount, error) {
	refunded, err := tx.CompletedRefundTotal(ctx, h.ID)
	if err != nil {
		return 0, err
	}
	return h.Amount - refunded, nil
}

// OnBookingCompleted is called by the booking system when a booking is
// marked done. It moves no money; the hold is returned so the caller can
// prompt the customer to release it.
func (s *Service) OnBookingCompleted(ctx context.Context, bookingID string, actor ledger.Actor) (*ledger.EscrowHold, error) {
	h, err := s.store.GetHoldByBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !canView(h, actor) {
		return nil, ledger.ErrNotAuthorized
	}
	return h, nil
}

// Get returns a hold visible to actor.
func (s *Service) Get(ctx context.Context, holdID string, actor ledger.Actor) (*ledger.EscrowHold, error) {
	h, err := s.store.GetHold(ctx, holdID)
	if err != nil {
		return nil, err
	}
	if !canView(h, actor) {
		return nil, ledger.ErrNotAuthorized
	}
	return h, nil
}

// GetByBooking returns the hold of a booking.
func (s *Service) GetByBooking(ctx context.Context, bookingID string, actor ledger.Actor) (*ledger.EscrowHold, error) {
	h, err := s.store.GetHoldByBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !canView(h, actor) {
		return nil, ledger.ErrNotAuthorized
	}
	return h, nil
}

// ListWalletTransactions returns a hold's money movements in insert order.
func (s *Service) ListWalletTransactions(ctx context.Context, holdID string, actor ledger.Actor) ([]*ledger.WalletTransaction, error) {
	if _, err := s.Get(ctx, holdID, actor); err != nil {
		return nil, err
	}
	return s.store.ListWalletTransactions(ctx, holdID)
}

// BookingStatus returns the ledger's view of a booking outcome.
func (s *Service) BookingStatus(ctx context.Context, bookingID string) (*ledger.BookingStatus, error) {
	return s.store.GetBookingStatus(ctx, bookingID)
}

// AuditLog returns admin action log entries, newest first.
func (s *Service) AuditLog(ctx context.Context, q ledger.AuditQuery, actor ledger.Actor) ([]*ledger.AuditEntry, error) {
	if !actor.IsAdmin() {
		return nil, ledger.ErrNotAuthorized
	}
	return s.store.QueryAudit(ctx, q)
}

// Dispatch settles the collected transfers after commit. Failed transfers
// are handed to the settler's failure hook; the returned error wraps
// ledger.ErrExternalTransferFailed and the committed result stands.
func (s *Service) Dispatch(ctx context.Context, transfers *Transfers) error {
	if transfers.Len() == 0 {
		return nil
	}
	var errs []error
	for _, item := range transfers.items {
		metrics.MoneyMovedMinorUnits.WithLabelValues(string(item.wt.Type)).Add(float64(item.wt.Amount))
		if s.settler == nil || item.wt.TransferStatus != ledger.TransferPending {
			continue
		}
		if err := s.settler.Settle(ctx, item.hold, item.wt); err != nil {
			s.logger.Error("external transfer failed",
				"walletTxId", item.wt.ID, "holdId", item.hold.ID, "type", item.wt.Type, "error", err)
			s.settler.OnExternalTransferFailed(ctx, item.wt.ID, err)
			errs = append(errs, fmt.Errorf("%w: wallet transaction %s: %v", ledger.ErrExternalTransferFailed, item.wt.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) newWalletTx(h *ledger.EscrowHold, userID string, txType ledger.TxType, amount money.Amount, status ledger.TransferStatus, refundID string, now time.Time) *ledger.WalletTransaction {
	wt := &ledger.WalletTransaction{
		ID:             idgen.New(idgen.Transaction),
		UserID:         userID,
		HoldID:         h.ID,
		RefundID:       refundID,
		Type:           txType,
		Amount:         amount,
		TransferStatus: status,
		CreatedAt:      now,
	}
	if status == ledger.TransferPending {
		next := now.Add(TransferGrace)
		wt.NextAttemptAt = &next
	}
	return wt
}

func requireHeld(h *ledger.EscrowHold) error {
	switch h.Status {
	case ledger.HoldHeld:
		return nil
	case ledger.HoldDisputed:
		return fmt.Errorf("%w: %w", ledger.ErrInvalidTransition, ledger.ErrDisputeBlocking)
	default:
		return fmt.Errorf("%w: hold is %s", ledger.ErrInvalidTransition, h.Status)
	}
}

func requireNoActiveDispute(ctx context.Context, tx ledger.Tx, h *ledger.EscrowHold) error {
	active, err := tx.ActiveDispute(ctx, h.ID)
	if err != nil {
		return err
	}
	if active != nil {
		return fmt.Errorf("%w: dispute %s", ledger.ErrDisputeBlocking, active.ID)
	}
	return nil
}

func canView(h *ledger.EscrowHold, actor ledger.Actor) bool {
	return actor.IsAdmin() || actor.IsSystem() || actor.ID == h.CustomerID || actor.ID == h.ProviderID
}

// ObserveTerminal records hold metrics after commit. outcome may be empty
// when the caller counts it separately.
func ObserveTerminal(h *ledger.EscrowHold, outcome string) {
	if outcome != "" {
		metrics.HoldsTotal.WithLabelValues(outcome).Inc()
	}
	if h != nil && h.Status.IsTerminal() {
		metrics.HoldDuration.Observe(h.UpdatedAt.Sub(h.HeldAt).Seconds())
	}
}
