package escrow

import (
	"context"
	"time"

	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/money"
)

// Change describes one state transition: its audit entry and, when Event is
// set, the outbox event published for it.
type Change struct {
	Actor      ledger.Actor
	Action     string
	TargetType string
	TargetID   string
	Before     string
	After      string
	Amount     money.Amount
	Detail     string

	Event   string
	Payload any
}

// Record appends the audit entry and outbox event for c inside tx, so they
// commit or roll back with the change itself.
func Record(ctx context.Context, tx ledger.Tx, at time.Time, c Change) error {
	err := tx.AppendAudit(ctx, &ledger.AuditEntry{
		ActorID:      c.Actor.ID,
		ActorRole:    c.Actor.Role,
		Action:       c.Action,
		TargetType:   c.TargetType,
		TargetID:     c.TargetID,
		BeforeStatus: c.Before,
		AfterStatus:  c.After,
		Amount:       c.Amount,
		Detail:       c.Detail,
		RequestID:    logging.RequestID(ctx),
		CreatedAt:    at,
	})
	if err != nil {
		return err
	}
	if c.Event == "" {
		return nil
	}
	e, err := ledger.NewEvent(c.Event, c.TargetID, c.Payload, at)
	if err != nil {
		return err
	}
	return tx.Enqueue(ctx, e)
}
