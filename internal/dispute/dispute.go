// Package dispute arbitrates complaints against held escrows.
//
// A dispute freezes its hold (disputed) and walks open → under_review →
// investigation_required → pending_resolution under admin control. Resolve
// settles the hold through the escrow engine in the same transaction that
// marks the dispute resolved. A party may appeal a resolution within the
// appeal window; an admin closes resolved or appealed disputes.
package dispute

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/money"
	"github.com/mbd888/escrowd/internal/traces"
)

// DefaultAppealWindow is how long after resolution a party may appeal.
const DefaultAppealWindow = 7 * 24 * time.Hour

// HighPriorityAmount is the hold amount at which new disputes default to
// high priority.
var HighPriorityAmount = money.MustParse("500.00")

// Audit actions written by the dispute engine.
const (
	ActionDisputeFile    = "dispute.file"
	ActionDisputeAdvance = "dispute.advance"
	ActionDisputeResolve = "dispute.resolve"
	ActionDisputeAppeal  = "dispute.appeal"
	ActionDisputeClose   = "dispute.close"
	ActionHoldDispute    = "hold.dispute"
)

// review is the only legal path through the active statuses.
var review = map[ledger.DisputeStatus]ledger.DisputeStatus{
	ledger.DisputeOpen:                  ledger.DisputeUnderReview,
	ledger.DisputeUnderReview:           ledger.DisputeInvestigationRequired,
	ledger.DisputeInvestigationRequired: ledger.DisputePendingResolution,
}

// Config holds dispute settings.
type Config struct {
	AppealWindow time.Duration
}

// Service implements the dispute engine on top of the escrow engine.
type Service struct {
	escrow *escrow.Service
	store  ledger.Store
	cfg    Config
	logger *slog.Logger
}

// NewService creates a dispute service.
func NewService(esc *escrow.Service, store ledger.Store, cfg Config, logger *slog.Logger) *Service {
	if cfg.AppealWindow <= 0 {
		cfg.AppealWindow = DefaultAppealWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{escrow: esc, store: store, cfg: cfg, logger: logger}
}

// FileRequest contains the parameters for filing a dispute.
type FileRequest struct {
	BookingID   string             `json:"bookingId"`
	Type        ledger.DisputeType `json:"disputeType"`
	Description string             `json:"description"`
	Priority    ledger.Priority    `json:"priority,omitempty"`
}

// FileDispute opens a dispute against the booking's hold and freezes it.
func (s *Service) FileDispute(ctx context.Context, req FileRequest, actor ledger.Actor) (_ *ledger.Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.File", traces.BookingID(req.BookingID), traces.ActorID(actor.ID))
	defer func() { traces.End(span, err) }()

	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown dispute type %q", ledger.ErrInvalidInput, req.Type)
	}
	if req.Priority != "" && !req.Priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", ledger.ErrInvalidInput, req.Priority)
	}

	var result *ledger.Dispute
	err = s.escrow.InTx(ctx, func(tx ledger.Tx) error {
		h, err := tx.LockHoldByBooking(ctx, req.BookingID)
		if err != nil {
			return err
		}
		var against string
		switch actor.ID {
		case h.CustomerID:
			against = h.ProviderID
		case h.ProviderID:
			against = h.CustomerID
		default:
			return ledger.ErrNotAuthorized
		}
		active, err := tx.ActiveDispute(ctx, h.ID)
		if err != nil {
			return err
		}
		if active != nil {
			return fmt.Errorf("%w: %s", ledger.ErrDuplicateDispute, active.ID)
		}
		if h.Status != ledger.HoldHeld {
			return fmt.Errorf("%w: hold is %s", ledger.ErrHoldNotHeld, h.Status)
		}

		now := s.escrow.Now()
		d := &ledger.Dispute{
			ID:           idgen.New(idgen.Dispute),
			BookingID:    h.BookingID,
			HoldID:       h.ID,
			FiledBy:      actor.ID,
			FiledAgainst: against,
			Type:         req.Type,
			Description:  req.Description,
			Priority:     req.Priority,
			Status:       ledger.DisputeOpen,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if d.Priority == "" {
			d.Priority = DefaultPriority(req.Type, h.Amount)
		}
		if err := tx.InsertDispute(ctx, d); err != nil {
			return err
		}

		h.Status = ledger.HoldDisputed
		h.ClaimedBy, h.ClaimedUntil = "", nil
		h.UpdatedAt = now
		if err := tx.UpdateHold(ctx, h); err != nil {
			return err
		}

		err = escrow.Record(ctx, tx, now, escrow.Change{
			Actor:      actor,
			Action:     ActionDisputeFile,
			TargetType: ledger.TargetDispute,
			TargetID:   d.ID,
			After:      string(ledger.DisputeOpen),
			Amount:     h.Amount,
			Detail:     string(d.Type),
			Event:      ledger.EventDisputeFiled,
			Payload:    d,
		})
		if err != nil {
			return err
		}
		result = d
		return escrow.Record(ctx, tx, now, escrow.Change{
			Actor:      actor,
			Action:     ActionHoldDispute,
			TargetType: ledger.TargetHold,
			TargetID:   h.ID,
			Before:     string(ledger.HoldHeld),
			After:      string(ledger.HoldDisputed),
			Amount:     h.Amount,
			Detail:     "dispute " + d.ID,
			Event:      ledger.EventHoldDisputed,
			Payload:    h,
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues("filed").Inc()
	logging.L(ctx).Info("dispute filed",
		"disputeId", result.ID, "holdId", result.HoldID, "type", result.Type, "priority", result.Priority)
	return result, nil
}

// DefaultPriority ranks a new dispute when the filer does not.
func DefaultPriority(t ledger.DisputeType, amount money.Amount) ledger.Priority {
	if t == ledger.DisputePayment || amount >= HighPriorityAmount {
		return ledger.PriorityHigh
	}
	return ledger.PriorityMedium
}

// AdvanceStatus moves a dispute one step along the review path.
func (s *Service) AdvanceStatus(ctx context.Context, disputeID string, next ledger.DisputeStatus, actor ledger.Actor) (_ *ledger.Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Advance", traces.DisputeID(disputeID), traces.ActorID(actor.ID))
	defer func() { traces.End(span, err) }()

	if !actor.IsAdmin() {
		return nil, ledger.ErrNotAuthorized
	}

	var result *ledger.Dispute
	err = s.escrow.InTx(ctx, func(tx ledger.Tx) error {
		d, err := tx.LockDispute(ctx, disputeID)
		if err != nil {
			return err
		}
		if want, ok := review[d.Status]; !ok || want != next {
			return fmt.Errorf("%w: %s -> %s", ledger.ErrInvalidTransition, d.Status, next)
		}
		before := d.Status
		now := s.escrow.Now()
		d.Status = next
		d.UpdatedAt = now
		if err := tx.UpdateDispute(ctx, d); err != nil {
			return err
		}
		result = d
		return escrow.Record(ctx, tx, now, escrow.Change{
			Actor:      actor,
			Action:     ActionDisputeAdvance,
			TargetType: ledger.TargetDispute,
			TargetID:   d.ID,
			Before:     string(before),
			After:      string(next),
			Event:      ledger.EventDisputeStatusChanged,
			Payload:    d,
		})
	})
	if err != nil {
		return nil, err
	}
	metrics.DisputesTotal.WithLabelValues("advanced").Inc()
	return result, nil
}

// ResolveRequest contains the arbitration outcome.
type ResolveRequest struct {
	DisputeID      string                `json:"-"`
	ResolutionType ledger.ResolutionType `json:"resolutionType,omitempty"`
	RefundAmount   money.Amount          `json:"refundAmount"`
	Resolution     string                `json:"resolution"`
	AdminNotes     string                `json:"adminNotes,omitempty"`
}

// Resolve settles a dispute and its hold in one transaction: a refund
// pre-approved by the resolver (then a release of any remainder), or a plain
// release. Any failure leaves both the dispute and the hold untouched.
func (s *Service) Resolve(ctx context.Context, req ResolveRequest, actor ledger.Actor) (_ *ledger.Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Resolve",
		traces.DisputeID(req.DisputeID), traces.Amount(req.RefundAmount), traces.ActorID(actor.ID))
	defer func() { traces.End(span, err) }()

	if !actor.IsAdmin() {
		return nil, ledger.ErrNotAuthorized
	}
	if req.RefundAmount < 0 {
		return nil, fmt.Errorf("%w: refund amount cannot be negative", ledger.ErrInvalidAmount)
	}
	if req.ResolutionType != "" && !req.ResolutionType.Valid() {
		return nil, fmt.Errorf("%w: unknown resolution type %q", ledger.ErrInvalidInput, req.ResolutionType)
	}

	var (
		result    *ledger.Dispute
		hold      *ledger.EscrowHold
		transfers *escrow.Transfers
	)
	err = s.escrow.InTx(ctx, func(tx ledger.Tx) error {
		transfers = &escrow.Transfers{}

		d, err := tx.LockDispute(ctx, req.DisputeID)
		if err != nil {
			return err
		}
		if !d.Status.IsActive() {
			return fmt.Errorf("%w: dispute is %s", ledger.ErrInvalidTransition, d.Status)
		}
		h, err := tx.LockHold(ctx, d.HoldID)
		if err != nil {
			return err
		}
		remaining, err := escrow.Remaining(ctx, tx, h)
		if err != nil {
			return err
		}
		if req.RefundAmount > remaining {
			return fmt.Errorf("%w: refund %s, remaining %s", ledger.ErrAmountExceedsHold, req.RefundAmount, remaining)
		}
		resolution, err := ResolutionFor(req.ResolutionType, req.RefundAmount, remaining)
		if err != nil {
			return err
		}

		switch resolution {
		case ledger.ResolutionFullRefund:
			_, err = s.escrow.RefundInTx(ctx, tx, h, req.RefundAmount, req.Resolution, d.ID, actor, transfers)
		case ledger.ResolutionPartialRefund:
			if _, err = s.escrow.RefundInTx(ctx, tx, h, req.RefundAmount, req.Resolution, d.ID, actor, transfers); err == nil {
				_, err = s.escrow.ReleaseInTx(ctx, tx, h, actor, escrow.ActionHoldRelease, transfers)
			}
		default:
			_, err = s.escrow.ReleaseInTx(ctx, tx, h, actor, escrow.ActionHoldRelease, transfers)
		}
		if err != nil {
			return err
		}

		before := d.Status
		now := s.escrow.Now()
		d.Status = ledger.DisputeResolved
		d.ResolutionType = resolution
		d.RefundAmount = req.RefundAmount
		d.Resolution = req.Resolution
		d.AdminNotes = req.AdminNotes
		d.ResolvedBy = actor.ID
		d.ResolvedAt = &now
		d.UpdatedAt = now
		if err := tx.UpdateDispute(ctx, d); err != nil {
			return err
		}
		result, hold = d, h
		return escrow.Record(ctx, tx, now, escrow.Change{
			Actor:      actor,
			Action:     ActionDisputeResolve,
			TargetType: ledger.TargetDispute,
			TargetID:   d.ID,
			Before:     string(before),
			After:      string(ledger.DisputeResolved),
			Amount:     req.RefundAmount,
			Detail:     string(resolution),
			Event:      ledger.EventDisputeResolved,
			Payload:    d,
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues("resolved").Inc()
	metrics.DisputeResolutionsTotal.WithLabelValues(string(result.ResolutionType)).Inc()
	escrow.ObserveTerminal(hold, string(hold.Status))
	logging.L(ctx).Info("dispute resolved",
		"disputeId", result.ID, "holdId", result.HoldID,
		"resolutionType", result.ResolutionType, "refundAmount", result.RefundAmount)
	return result, s.escrow.Dispatch(ctx, transfers)
}

// ResolutionFor derives the resolution type from the refund amount. A
// positive amount decides between full and partial refund on its own; a
// zero amount takes the caller's no_refund or service_redo (default
// no_refund). Asking for a refund type with a zero amount, or for no refund
// with a positive amount, is rejected.
func ResolutionFor(requested ledger.ResolutionType, amount, remaining money.Amount) (ledger.ResolutionType, error) {
	if amount == 0 {
		switch requested {
		case "", ledger.ResolutionNoRefund:
			return ledger.ResolutionNoRefund, nil
		case ledger.ResolutionServiceRedo:
			return ledger.ResolutionServiceRedo, nil
		default:
			return "", fmt.Errorf("%w: %s needs a refund amount", ledger.ErrInvalidInput, requested)
		}
	}
	if requested == ledger.ResolutionNoRefund || requested == ledger.ResolutionServiceRedo {
		return "", fmt.Errorf("%w: %s cannot carry a refund amount", ledger.ErrInvalidInput, requested)
	}
	if amount == remaining {
		return ledger.ResolutionFullRefund, nil
	}
	return ledger.ResolutionPartialRefund, nil
}

// Appeal flags a resolved dispute for another manual arbitration pass. It
// never moves money.
func (s *Service) Appeal(ctx context.Context, disputeID string, actor ledger.Actor) (_ *ledger.Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Appeal", traces.DisputeID(disputeID), traces.ActorID(actor.ID))
	defer func() { traces.End(span, err) }()

	var result *ledger.Dispute
	err = s.escrow.InTx(ctx, func(tx ledger.Tx) error {
		d, err := tx.LockDispute(ctx, disputeID)
		if err != nil {
			return err
		}
		if actor.ID != d.FiledBy && actor.ID != d.FiledAgainst {
			return ledger.ErrNotAuthorized
		}
		if d.Status != ledger.DisputeResolved {
			return fmt.Errorf("%w: dispute is %s", ledger.ErrInvalidTransition, d.Status)
		}
		now := s.escrow.Now()
		if d.ResolvedAt == nil || now.After(d.ResolvedAt.Add(s.cfg.AppealWindow)) {
			return ledger.ErrAppealWindowClosed
		}

		d.Status = ledger.DisputeAppealed
		d.AppealedBy = actor.ID
		d.AppealedAt = &now
		d.UpdatedAt = now
		if err := tx.UpdateDispute(ctx, d); err != nil {
			return err
		}
		result = d
		return escrow.Record(ctx, tx, now, escrow.Change{
			Actor:      actor,
			Action:     ActionDisputeAppeal,
			TargetType: ledger.TargetDispute,
			TargetID:   d.ID,
			Before:     string(ledger.DisputeResolved),
			After:      string(ledger.DisputeAppealed),
			Event:      ledger.EventDisputeAppealed,
			Payload:    d,
		})
	})
	if err != nil {
		return nil, err
	}
	metrics.DisputesTotal.WithLabelValues("appealed").Inc()
	logging.L(ctx).Info("dispute appealed", "disputeId", result.ID, "by", actor.ID)
	return result, nil
}

// Close archives a resolved or appealed dispute after manual arbitration.
func (s *Service) Close(ctx context.Context, disputeID, notes string, actor ledger.Actor) (_ *ledger.Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Close", traces.DisputeID(disputeID), traces.ActorID(actor.ID))
	defer func() { traces.End(span, err) }()

	if !actor.IsAdmin() {
		return nil, ledger.ErrNotAuthorized
	}

	var result *ledger.Dispute
	err = s.escrow.InTx(ctx, func(tx ledger.Tx) error {
		d, err := tx.LockDispute(ctx, disputeID)
		if err != nil {
			return err
		}
		if d.Status != ledger.DisputeResolved && d.Status != ledger.DisputeAppealed {
			return fmt.Errorf("%w: dispute is %s", ledger.ErrInvalidTransition, d.Status)
		}
		before := d.Status
		now := s.escrow.Now()
		d.Status = ledger.DisputeClosed
		if notes != "" {
			if d.AdminNotes != "" {
				d.AdminNotes += "\n"
			}
			d.AdminNotes += notes
		}
		d.UpdatedAt = now
		if err := tx.UpdateDispute(ctx, d); err != nil {
			return err
		}
		result = d
		return escrow.Record(ctx, tx, now, escrow.Change{
			Actor:      actor,
			Action:     ActionDisputeClose,
			TargetType: ledger.TargetDispute,
			TargetID:   d.ID,
			Before:     string(before),
			After:      string(ledger.DisputeClosed),
			Detail:     notes,
			Event:      ledger.EventDisputeClosed,
			Payload:    d,
		})
	})
	if err != nil {
		return nil, err
	}
	metrics.DisputesTotal.WithLabelValues("closed").Inc()
	return result, nil
}

// Get returns a dispute visible to actor: admins and the two parties.
func (s *Service) Get(ctx context.Context, disputeID string, actor ledger.Actor) (*ledger.Dispute, error) {
	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && actor.ID != d.FiledBy && actor.ID != d.FiledAgainst {
		return nil, ledger.ErrNotAuthorized
	}
	return d, nil
}

// List returns disputes newest first. Admins may list everything; other
// actors must filter by a hold they can see.
func (s *Service) List(ctx context.Context, f ledger.DisputeFilter, actor ledger.Actor) ([]*ledger.Dispute, error) {
	if !actor.IsAdmin() {
		if f.HoldID == "" {
			return nil, ledger.ErrNotAuthorized
		}
		if _, err := s.escrow.Get(ctx, f.HoldID, actor); err != nil {
			return nil, err
		}
	}
	return s.store.ListDisputes(ctx, f)
}

// HasActiveDispute reports whether the hold is frozen by a dispute.
func (s *Service) HasActiveDispute(ctx context.Context, holdID string) (bool, error) {
	d, err := s.store.ActiveDispute(ctx, holdID)
	if err != nil {
		return false, err
	}
	return d != nil, nil
}
