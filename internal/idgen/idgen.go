// Package idgen generates prefixed, time-ordered identifiers.
package idgen

import "github.com/google/uuid"

// Prefixes used for ledger rows.
const (
	Hold        = "esc_"
	Refund      = "ref_"
	Dispute     = "dsp_"
	Transaction = "wtx_"
)

// New returns prefix followed by a UUIDv7, so IDs sort roughly by creation
// time. It falls back to a random UUIDv4 if the clock source fails.
func New(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return prefix + id.String()
}
