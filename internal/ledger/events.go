package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Outbox event types. The notify relay publishes them with the type as
// routing key.
const (
	EventHoldCreated           = "hold.created"
	EventHoldReleased          = "hold.released"
	EventHoldRefunded          = "hold.refunded"
	EventHoldDisputed          = "hold.disputed"
	EventRefundRequested       = "refund.requested"
	EventRefundCompleted       = "refund.completed"
	EventRefundRejected        = "refund.rejected"
	EventDisputeFiled          = "dispute.filed"
	EventDisputeStatusChanged  = "dispute.status_changed"
	EventDisputeResolved       = "dispute.resolved"
	EventDisputeAppealed       = "dispute.appealed"
	EventDisputeClosed         = "dispute.closed"
	EventBookingStatusRecorded = "booking.status_changed"
)

// Event is a transactional outbox row.
type Event struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	AggregateID string          `json:"aggregateId"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"createdAt"`
	PublishedAt *time.Time      `json:"publishedAt,omitempty"`
}

// NewEvent builds an outbox event with a JSON payload.
func NewEvent(eventType, aggregateID string, payload any, at time.Time) (*Event, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return &Event{
		ID:          uuid.NewString(),
		Type:        eventType,
		AggregateID: aggregateID,
		Payload:     b,
		CreatedAt:   at,
	}, nil
}
