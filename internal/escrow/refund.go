package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/money"
	"github.com/mbd888/escrowd/internal/traces"
)

// RefundRequest contains the parameters for a refund.
type RefundRequest struct {
	HoldID string       `json:"-"`
	Amount money.Amount `json:"amount"`
	Reason string       `json:"reason"`
	Notes  string       `json:"notes,omitempty"`
}

// Refund returns money from a held escrow to the customer. Admin refunds
// commit immediately. Customer refunds below the auto-approve threshold
// commit as approved by AutoApprover; larger ones wait as pending for admin
// review.
func (s *Service) Refund(ctx context.Context, req RefundRequest, actor ledger.Actor) (_ *ledger.Refund, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Refund", traces.HoldID(req.HoldID), traces.Amount(req.Amount))
	defer func() { traces.End(span, err) }()

	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: refund amount must be positive", ledger.ErrInvalidAmount)
	}

	var (
		result    *ledger.Refund
		hold      *ledger.EscrowHold
		transfers *Transfers
	)
	err = s.InTx(ctx, func(tx ledger.Tx) error {
		transfers = &Transfers{}

		h, err := tx.LockHold(ctx, req.HoldID)
		if err != nil {
			return err
		}
		if !actor.IsAdmin() && actor.ID != h.CustomerID {
			return ledger.ErrNotAuthorized
		}
		if err := requireHeld(h); err != nil {
			return err
		}
		if err := requireNoActiveDispute(ctx, tx, h); err != nil {
			return err
		}

		now := s.now()
		r := &ledger.Refund{
			ID:          idgen.New(idgen.Refund),
			BookingID:   h.BookingID,
			HoldID:      h.ID,
			Amount:      req.Amount,
			Reason:      req.Reason,
			Status:      ledger.RefundPending,
			RequestedBy: actor.ID,
			Notes:       req.Notes,
			CreatedAt:   now,
			UpdatedAt:   now,
		}

		approver, approved := s.approverFor(actor, req.Amount)
		if !approved {
			remaining, err := Remaining(ctx, tx, h)
			if err != nil {
				return err
			}
			if req.Amount > remaining {
				return fmt.Errorf("%w: requested %s, remaining %s", ledger.ErrAmountExceedsHold, req.Amount, remaining)
			}
			if err := tx.InsertRefund(ctx, r); err != nil {
				return err
			}
			result, hold = r, h
			return Record(ctx, tx, now, Change{
				Actor:      actor,
				Action:     ActionRefundRequest,
				TargetType: ledger.TargetRefund,
				TargetID:   r.ID,
				After:      string(ledger.RefundPending),
				Amount:     r.Amount,
				Event:      ledger.EventRefundRequested,
				Payload:    r,
			})
		}

		if err := s.commitRefund(ctx, tx, h, r, approver, true, transfers); err != nil {
			return err
		}
		result, hold = r, h
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.observeRefund(ctx, result, hold)
	if result.Status == ledger.RefundCompleted && result.ApprovedBy == AutoApprover.ID {
		metrics.RefundsTotal.WithLabelValues("auto_approved").Inc()
	}
	return result, s.Dispatch(ctx, transfers)
}

// ApproveRefund commits a pending refund after admin review. Every
// precondition is re-checked under the hold lock.
func (s *Service) ApproveRefund(ctx context.Context, refundID, notes string, actor ledger.Actor) (_ *ledger.Refund, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ApproveRefund", traces.RefundID(refundID), traces.ActorID(actor.ID))
	defer func() { traces.End(span, err) }()

	if !actor.IsAdmin() {
		return nil, ledger.ErrNotAuthorized
	}
	// The hold is locked before the refund, so look up which hold first.
	pending, err := s.store.GetRefund(ctx, refundID)
	if err != nil {
		return nil, err
	}

	var (
		result    *ledger.Refund
		hold      *ledger.EscrowHold
		transfers *Transfers
	)
	err = s.InTx(ctx, func(tx ledger.Tx) error {
		transfers = &Transfers{}

		h, err := tx.LockHold(ctx, pending.HoldID)
		if err != nil {
			return err
		}
		r, err := tx.LockRefund(ctx, refundID)
		if err != nil {
			return err
		}
		if r.Status != ledger.RefundPending {
			return fmt.Errorf("%w: refund is %s", ledger.ErrInvalidTransition, r.Status)
		}
		if err := requireHeld(h); err != nil {
			return err
		}
		if err := requireNoActiveDispute(ctx, tx, h); err != nil {
			return err
		}
		if notes != "" {
			r.Notes = notes
		}
		if err := s.commitRefund(ctx, tx, h, r, actor, false, transfers); err != nil {
			return err
		}
		result, hold = r, h
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.observeRefund(ctx, result, hold)
	return result, s.Dispatch(ctx, transfers)
}

// RejectRefund voids a pending refund. No money moves.
func (s *Service) RejectRefund(ctx context.Context, refundID, notes string, actor ledger.Actor) (_ *ledger.Refund, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.RejectRefund", traces.RefundID(refundID), traces.ActorID(actor.ID))
	defer func() { traces.End(span, err) }()

	if !actor.IsAdmin() {
		return nil, ledger.ErrNotAuthorized
	}
	pending, err := s.store.GetRefund(ctx, refundID)
	if err != nil {
		return nil, err
	}

	var result *ledger.Refund
	err = s.InTx(ctx, func(tx ledger.Tx) error {
		if _, err := tx.LockHold(ctx, pending.HoldID); err != nil {
			return err
		}
		r, err := tx.LockRefund(ctx, refundID)
		if err != nil {
			return err
		}
		if r.Status != ledger.RefundPending {
			return fmt.Errorf("%w: refund is %s", ledger.ErrInvalidTransition, r.Status)
		}

		now := s.now()
		r.Status = ledger.RefundRejected
		r.ApprovedBy = actor.ID
		if notes != "" {
			r.Notes = notes
		}
		r.UpdatedAt = now
		if err := tx.UpdateRefund(ctx, r); err != nil {
			return err
		}
		result = r
		return Record(ctx, tx, now, Change{
			Actor:      actor,
			Action:     ActionRefundReject,
			TargetType: ledger.TargetRefund,
			TargetID:   r.ID,
			Before:     string(ledger.RefundPending),
			After:      string(ledger.RefundRejected),
			Amount:     r.Amount,
			Detail:     notes,
			Event:      ledger.EventRefundRejected,
			Payload:    r,
		})
	})
	if err != nil {
		return nil, err
	}
	metrics.RefundsTotal.WithLabelValues("rejected").Inc()
	return result, nil
}

// RefundInTx commits a refund pre-approved by approver on a locked hold
// that is held or disputed. Dispute resolution uses it to settle the
// dispute it is closing, so it skips the active-dispute check.
func (s *Service) RefundInTx(ctx context.Context, tx ledger.Tx, h *ledger.EscrowHold, amount money.Amount, reason, disputeID string, approver ledger.Actor, transfers *Transfers) (*ledger.Refund, error) {
	if h.Status != ledger.HoldHeld && h.Status != ledger.HoldDisputed {
		return nil, fmt.Errorf("%w: cannot refund a %s hold", ledger.ErrInvalidTransition, h.Status)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: refund amount must be positive", ledger.ErrInvalidAmount)
	}
	now := s.now()
	r := &ledger.Refund{
		ID:          idgen.New(idgen.Refund),
		BookingID:   h.BookingID,
		HoldID:      h.ID,
		DisputeID:   disputeID,
		Amount:      amount,
		Reason:      reason,
		Status:      ledger.RefundPending,
		RequestedBy: approver.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.commitRefund(ctx, tx, h, r, approver, true, transfers); err != nil {
		return nil, err
	}
	return r, nil
}

// commitRefund is the single place a refund becomes completed. It checks
// that completed refunds never exceed the hold amount, writes the refund
// wallet transaction and moves the hold to refunded once it is emptied.
// h must be locked by tx; h is updated in place.
func (s *Service) commitRefund(ctx context.Context, tx ledger.Tx, h *ledger.EscrowHold, r *ledger.Refund, approver ledger.Actor, insert bool, transfers *Transfers) error {
	remaining, err := Remaining(ctx, tx, h)
	if err != nil {
		return err
	}
	if r.Amount > remaining {
		return fmt.Errorf("%w: requested %s, remaining %s", ledger.ErrAmountExceedsHold, r.Amount, remaining)
	}

	now := s.now()
	before := ""
	if !insert {
		before = string(r.Status)
	}
	r.Status = ledger.RefundCompleted
	r.ApprovedBy = approver.ID
	r.CompletedAt = &now
	r.UpdatedAt = now
	if insert {
		err = tx.InsertRefund(ctx, r)
	} else {
		err = tx.UpdateRefund(ctx, r)
	}
	if err != nil {
		return err
	}

	status := ledger.TransferNotRequired
	if h.PaymentRef != "" {
		status = ledger.TransferPending
	}
	wt := s.newWalletTx(h, h.CustomerID, ledger.TxRefund, r.Amount, status, r.ID, now)
	if err := tx.InsertWalletTransaction(ctx, wt); err != nil {
		return err
	}
	transfers.add(h, wt)

	err = Record(ctx, tx, now, Change{
		Actor:      approver,
		Action:     ActionRefundComplete,
		TargetType: ledger.TargetRefund,
		TargetID:   r.ID,
		Before:     before,
		After:      string(ledger.RefundCompleted),
		Amount:     r.Amount,
		Detail:     "requested by " + r.RequestedBy,
		Event:      ledger.EventRefundCompleted,
		Payload:    r,
	})
	if err != nil {
		return err
	}

	if r.Amount < remaining {
		return nil
	}
	return s.markRefunded(ctx, tx, h, approver, now)
}

func (s *Service) markRefunded(ctx context.Context, tx ledger.Tx, h *ledger.EscrowHold, actor ledger.Actor, now time.Time) error {
	before := h.Status
	h.Status = ledger.HoldRefunded
	h.ClaimedBy, h.ClaimedUntil = "", nil
	h.UpdatedAt = now
	if err := tx.UpdateHold(ctx, h); err != nil {
		return err
	}
	if err := tx.SetBookingStatus(ctx, h.BookingID, ledger.BookingCancelled, now); err != nil {
		return err
	}
	if err := s.voidPendingRefunds(ctx, tx, h, actor, "hold fully refunded", now); err != nil {
		return err
	}
	return Record(ctx, tx, now, Change{
		Actor:      actor,
		Action:     ActionHoldRefunded,
		TargetType: ledger.TargetHold,
		TargetID:   h.ID,
		Before:     string(before),
		After:      string(ledger.HoldRefunded),
		Amount:     h.Amount,
		Event:      ledger.EventHoldRefunded,
		Payload:    h,
	})
}

// voidPendingRefunds rejects the refunds still waiting for review on a hold
// that has just become terminal. No money moves.
func (s *Service) voidPendingRefunds(ctx context.Context, tx ledger.Tx, h *ledger.EscrowHold, actor ledger.Actor, cause string, now time.Time) error {
	pending, err := tx.LockPendingRefunds(ctx, h.ID)
	if err != nil {
		return err
	}
	for _, r := range pending {
		note := "voided: " + cause
		r.Status = ledger.RefundRejected
		r.ApprovedBy = actor.ID
		if r.Notes != "" {
			r.Notes += "; " + note
		} else {
			r.Notes = note
		}
		r.UpdatedAt = now
		if err := tx.UpdateRefund(ctx, r); err != nil {
			return err
		}
		err := Record(ctx, tx, now, Change{
			Actor:      actor,
			Action:     ActionRefundVoid,
			TargetType: ledger.TargetRefund,
			TargetID:   r.ID,
			Before:     string(ledger.RefundPending),
			After:      string(ledger.RefundRejected),
			Amount:     r.Amount,
			Detail:     note,
			Event:      ledger.EventRefundRejected,
			Payload:    r,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// approverFor decides who approves a refund requested by actor.
func (s *Service) approverFor(actor ledger.Actor, amount money.Amount) (ledger.Actor, bool) {
	if actor.IsAdmin() {
		return actor, true
	}
	if s.cfg.AutoApproveBelow > 0 && amount < s.cfg.AutoApproveBelow {
		return AutoApprover, true
	}
	return ledger.Actor{}, false
}

func (s *Service) observeRefund(ctx context.Context, r *ledger.Refund, h *ledger.EscrowHold) {
	switch r.Status {
	case ledger.RefundPending:
		metrics.RefundsTotal.WithLabelValues("requested").Inc()
		logging.L(ctx).Info("refund queued for review", "refundId", r.ID, "holdId", r.HoldID, "amount", r.Amount)
	case ledger.RefundCompleted:
		metrics.RefundsTotal.WithLabelValues("completed").Inc()
		logging.L(ctx).Info("refund completed",
			"refundId", r.ID, "holdId", r.HoldID, "amount", r.Amount, "approvedBy", r.ApprovedBy)
		if h != nil && h.Status == ledger.HoldRefunded {
			ObserveTerminal(h, "refunded")
		}
	}
}

// PendingRefunds returns the admin review queue, oldest first.
func (s *Service) PendingRefunds(ctx context.Context, limit int, actor ledger.Actor) ([]*ledger.Refund, error) {
	if !actor.IsAdmin() {
		return nil, ledger.ErrNotAuthorized
	}
	return s.store.ListPendingRefunds(ctx, limit)
}

// ListRefunds returns every refund of a hold.
func (s *Service) ListRefunds(ctx context.Context, holdID string, actor ledger.Actor) ([]*ledger.Refund, error) {
	if _, err := s.Get(ctx, holdID, actor); err != nil {
		return nil, err
	}
	return s.store.ListRefunds(ctx, holdID)
}

// GetRefund returns a refund visible to actor.
func (s *Service) GetRefund(ctx context.Context, refundID string, actor ledger.Actor) (*ledger.Refund, error) {
	r, err := s.store.GetRefund(ctx, refundID)
	if err != nil {
		return nil, err
	}
	if _, err := s.Get(ctx, r.HoldID, actor); err != nil {
		return nil, err
	}
	return r, nil
}
