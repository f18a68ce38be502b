package ledger

import (
	"time"

	"github.com/mbd888/escrowd/internal/money"
)

// Role is the server-verified role of the caller.
type Role string

const (
	RoleUser   Role = "user"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin || r == RoleSystem
}

// Actor identifies who is performing an operation. It is built from a
// verified token, never from request bodies.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

func (a Actor) IsAdmin() bool  { return a.Role == RoleAdmin }
func (a Actor) IsSystem() bool { return a.Role == RoleSystem }

// Scheduler is the actor used by the expiry scheduler.
var Scheduler = Actor{ID: "system:scheduler", Role: RoleSystem}

// Audit target types.
const (
	TargetHold    = "hold"
	TargetRefund  = "refund"
	TargetDispute = "dispute"
)

// AuditEntry is one row of the admin action log. Entries are appended in
// the same transaction as the change they describe.
type AuditEntry struct {
	ID           string       `json:"id"`
	ActorID      string       `json:"actorId"`
	ActorRole    Role         `json:"actorRole"`
	Action       string       `json:"action"`
	TargetType   string       `json:"targetType"`
	TargetID     string       `json:"targetId"`
	BeforeStatus string       `json:"beforeStatus,omitempty"`
	AfterStatus  string       `json:"afterStatus,omitempty"`
	Amount       money.Amount `json:"amount"`
	Detail       string       `json:"detail,omitempty"`
	RequestID    string       `json:"requestId,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
}

// AuditQuery filters QueryAudit. Results are newest first.
type AuditQuery struct {
	TargetType string
	TargetID   string
	ActorID    string
	Cursor     string
	Limit      int
}
