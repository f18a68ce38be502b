// Package ledger is the durable record of escrow holds, refunds, disputes,
// wallet transactions, booking outcomes, audit entries and outbox events.
//
// Engines never write rows directly: every state change runs through
// Store.InTx so that the hold row lock, the dependent inserts, the audit
// entry and the outbox event commit or roll back together.
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/escrowd/internal/money"
)

// HoldStatus is the state of an escrow hold.
type HoldStatus string

const (
	HoldHeld     HoldStatus = "held"
	HoldReleased HoldStatus = "released"
	HoldRefunded HoldStatus = "refunded"
	HoldDisputed HoldStatus = "disputed"
)

// IsTerminal returns true once the hold can no longer move money.
func (s HoldStatus) IsTerminal() bool {
	return s == HoldReleased || s == HoldRefunded
}

// EscrowHold is the custody record for one booking's captured payment.
// PlatformFee + ProviderPayout always equals Amount; the split is computed
// once at creation and never rewritten.
type EscrowHold struct {
	ID             string          `json:"id"`
	BookingID      string          `json:"bookingId"`
	CustomerID     string          `json:"customerId"`
	ProviderID     string          `json:"providerId"`
	Amount         money.Amount    `json:"amount"`
	PlatformFee    money.Amount    `json:"platformFee"`
	ProviderPayout money.Amount    `json:"providerPayout"`
	FeeRate        decimal.Decimal `json:"feeRate"`
	Status         HoldStatus      `json:"status"`
	PaymentRef     string          `json:"paymentRef,omitempty"`
	PayoutAccount  string          `json:"payoutAccount,omitempty"`
	HeldAt         time.Time       `json:"heldAt"`
	ExpiresAt      time.Time       `json:"expiresAt"`
	ReleasedAt     *time.Time      `json:"releasedAt,omitempty"`
	Version        int64           `json:"version"`
	ClaimedBy      string          `json:"-"`
	ClaimedUntil   *time.Time      `json:"-"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// RefundStatus is the state of a refund.
type RefundStatus string

const (
	RefundPending   RefundStatus = "pending"
	RefundCompleted RefundStatus = "completed"
	RefundRejected  RefundStatus = "rejected"
)

// Refund returns part or all of a hold to the customer. Only completed
// refunds count against the hold amount.
type Refund struct {
	ID          string       `json:"id"`
	BookingID   string       `json:"bookingId"`
	HoldID      string       `json:"escrowHoldId"`
	DisputeID   string       `json:"disputeId,omitempty"`
	Amount      money.Amount `json:"amount"`
	Reason      string       `json:"reason"`
	Status      RefundStatus `json:"status"`
	RequestedBy string       `json:"requestedBy"`
	ApprovedBy  string       `json:"approvedBy,omitempty"`
	Notes       string       `json:"notes,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
}

// DisputeType classifies the customer's or provider's complaint.
type DisputeType string

const (
	DisputeQuality      DisputeType = "quality"
	DisputeNoShow       DisputeType = "no_show"
	DisputeCancellation DisputeType = "cancellation"
	DisputePayment      DisputeType = "payment"
	DisputeOther        DisputeType = "other"
)

// Valid reports whether t is a known dispute type.
func (t DisputeType) Valid() bool {
	switch t {
	case DisputeQuality, DisputeNoShow, DisputeCancellation, DisputePayment, DisputeOther:
		return true
	}
	return false
}

// DisputeStatus is the arbitration state of a dispute.
type DisputeStatus string

const (
	DisputeOpen                  DisputeStatus = "open"
	DisputeUnderReview           DisputeStatus = "under_review"
	DisputeInvestigationRequired DisputeStatus = "investigation_required"
	DisputePendingResolution     DisputeStatus = "pending_resolution"
	DisputeResolved              DisputeStatus = "resolved"
	DisputeClosed                DisputeStatus = "closed"
	DisputeAppealed              DisputeStatus = "appealed"
)

// ActiveDisputeStatuses are the statuses that block release and refunds.
var ActiveDisputeStatuses = []DisputeStatus{
	DisputeOpen, DisputeUnderReview, DisputeInvestigationRequired, DisputePendingResolution,
}

// IsActive reports whether the dispute still blocks its hold.
func (s DisputeStatus) IsActive() bool {
	for _, a := range ActiveDisputeStatuses {
		if s == a {
			return true
		}
	}
	return false
}

// Priority orders the admin dispute queue.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// ResolutionType records how a dispute was settled.
type ResolutionType string

const (
	ResolutionNoRefund      ResolutionType = "no_refund"
	ResolutionPartialRefund ResolutionType = "partial_refund"
	ResolutionFullRefund    ResolutionType = "full_refund"
	ResolutionServiceRedo   ResolutionType = "service_redo"
)

// Valid reports whether r is a known resolution type.
func (r ResolutionType) Valid() bool {
	switch r {
	case ResolutionNoRefund, ResolutionPartialRefund, ResolutionFullRefund, ResolutionServiceRedo:
		return true
	}
	return false
}

// Dispute is a complaint against a held booking, arbitrated by an admin.
type Dispute struct {
	ID             string         `json:"id"`
	BookingID      string         `json:"bookingId"`
	HoldID         string         `json:"escrowHoldId"`
	FiledBy        string         `json:"filedBy"`
	FiledAgainst   string         `json:"filedAgainst"`
	Type           DisputeType    `json:"disputeType"`
	Description    string         `json:"description"`
	Priority       Priority       `json:"priority"`
	Status         DisputeStatus  `json:"status"`
	ResolutionType ResolutionType `json:"resolutionType,omitempty"`
	RefundAmount   money.Amount   `json:"refundAmount"`
	Resolution     string         `json:"resolution,omitempty"`
	AdminNotes     string         `json:"adminNotes,omitempty"`
	ResolvedBy     string         `json:"resolvedBy,omitempty"`
	ResolvedAt     *time.Time     `json:"resolvedAt,omitempty"`
	AppealedBy     string         `json:"appealedBy,omitempty"`
	AppealedAt     *time.Time     `json:"appealedAt,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	Version        int64          `json:"version"`
}

// TxType is the kind of wallet movement.
type TxType string

const (
	TxPayout  TxType = "payout"
	TxRefund  TxType = "refund"
	TxFee     TxType = "fee"
	TxEarning TxType = "earning"
)

// TransferStatus tracks the processor call behind a wallet transaction.
type TransferStatus string

const (
	TransferNotRequired TransferStatus = "not_required"
	TransferPending     TransferStatus = "pending"
	TransferSent        TransferStatus = "sent"
	TransferFailed      TransferStatus = "failed"
)

// WalletTransaction is an append-only money movement. Only the transfer
// bookkeeping columns change after insert.
type WalletTransaction struct {
	ID               string         `json:"id"`
	UserID           string         `json:"userId"`
	HoldID           string         `json:"escrowHoldId"`
	RefundID         string         `json:"refundId,omitempty"`
	Type             TxType         `json:"type"`
	Amount           money.Amount   `json:"amount"`
	TransferStatus   TransferStatus `json:"transferStatus"`
	TransferRef      string         `json:"transferRef,omitempty"`
	TransferAttempts int            `json:"transferAttempts"`
	NextAttemptAt    *time.Time     `json:"nextAttemptAt,omitempty"`
	LastError        string         `json:"lastError,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
}

// BookingState is the booking outcome the ledger publishes.
type BookingState string

const (
	BookingCompleted BookingState = "completed"
	BookingCancelled BookingState = "cancelled"
)

// BookingStatus is the ledger-side view of a booking's outcome.
type BookingStatus struct {
	BookingID string       `json:"bookingId"`
	Status    BookingState `json:"status"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// DisputeFilter narrows ListDisputes.
type DisputeFilter struct {
	Status   DisputeStatus
	Priority Priority
	HoldID   string
	Cursor   string
	Limit    int
}

// Store is the transactional ledger. Implementations: MemoryStore and
// PostgresStore.
type Store interface {
	// InTx runs fn in one transaction. A non-nil error from fn rolls back.
	InTx(ctx context.Context, fn func(Tx) error) error

	GetHold(ctx context.Context, id string) (*EscrowHold, error)
	GetHoldByBooking(ctx context.Context, bookingID string) (*EscrowHold, error)
	GetRefund(ctx context.Context, id string) (*Refund, error)
	ListRefunds(ctx context.Context, holdID string) ([]*Refund, error)
	ListPendingRefunds(ctx context.Context, limit int) ([]*Refund, error)
	GetWalletTransaction(ctx context.Context, id string) (*WalletTransaction, error)
	ListWalletTransactions(ctx context.Context, holdID string) ([]*WalletTransaction, error)
	GetDispute(ctx context.Context, id string) (*Dispute, error)
	ListDisputes(ctx context.Context, f DisputeFilter) ([]*Dispute, error)
	ActiveDispute(ctx context.Context, holdID string) (*Dispute, error)
	GetBookingStatus(ctx context.Context, bookingID string) (*BookingStatus, error)
	QueryAudit(ctx context.Context, q AuditQuery) ([]*AuditEntry, error)

	// ClaimExpired marks up to limit expired, undisputed held holds as
	// claimed by owner until claimUntil and returns their IDs. Holds
	// claimed by another owner whose claim has not lapsed are skipped.
	ClaimExpired(ctx context.Context, now, claimUntil time.Time, owner string, limit int) ([]string, error)

	// RecordTransfer updates the processor bookkeeping of a wallet transaction.
	RecordTransfer(ctx context.Context, id string, u TransferUpdate) error
	// ListTransfersDue returns failed transfers whose next attempt is due.
	ListTransfersDue(ctx context.Context, now time.Time, limit int) ([]*WalletTransaction, error)

	PendingEvents(ctx context.Context, limit int) ([]*Event, error)
	MarkEventsPublished(ctx context.Context, ids []string, at time.Time) error

	Ping(ctx context.Context) error
}

// TransferUpdate is the outcome of one processor call.
type TransferUpdate struct {
	Status        TransferStatus
	Ref           string
	Error         string
	NextAttemptAt *time.Time
}

// Tx is the write side of the ledger, valid only inside Store.InTx.
// Lock* methods take the row lock and return a fresh copy; callers must
// re-check preconditions on what they return.
type Tx interface {
	LockHold(ctx context.Context, id string) (*EscrowHold, error)
	LockHoldByBooking(ctx context.Context, bookingID string) (*EscrowHold, error)
	InsertHold(ctx context.Context, h *EscrowHold) error
	// UpdateHold persists h if its version is unchanged since it was read,
	// then increments h.Version.
	UpdateHold(ctx context.Context, h *EscrowHold) error

	CompletedRefundTotal(ctx context.Context, holdID string) (money.Amount, error)
	InsertRefund(ctx context.Context, r *Refund) error
	LockRefund(ctx context.Context, id string) (*Refund, error)
	// LockPendingRefunds locks and returns the pending refunds of a hold,
	// oldest first.
	LockPendingRefunds(ctx context.Context, holdID string) ([]*Refund, error)
	UpdateRefund(ctx context.Context, r *Refund) error

	InsertWalletTransaction(ctx context.Context, wt *WalletTransaction) error

	ActiveDispute(ctx context.Context, holdID string) (*Dispute, error)
	LockDispute(ctx context.Context, id string) (*Dispute, error)
	InsertDispute(ctx context.Context, d *Dispute) error
	UpdateDispute(ctx context.Context, d *Dispute) error

	SetBookingStatus(ctx context.Context, bookingID string, status BookingState, at time.Time) error
	AppendAudit(ctx context.Context, e *AuditEntry) error
	Enqueue(ctx context.Context, e *Event) error
}
