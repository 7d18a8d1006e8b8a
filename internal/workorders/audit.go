package workorders

import "time"

// AuditAction names the operation an audit entry records.
type AuditAction string

const (
	ActionCreated       AuditAction = "CREATED"
	ActionPhaseChanged  AuditAction = "PHASE_CHANGED"
	ActionFinalized     AuditAction = "FINALIZED"
	ActionCancelled     AuditAction = "CANCELLED"
	ActionPaymentMarked AuditAction = "PAYMENT_MARKED"
	ActionUpdated       AuditAction = "UPDATED"
)

// AuthorKind distinguishes staff actions from client actions.
type AuthorKind string

const (
	AuthorStaff  AuthorKind = "S"
	AuthorClient AuthorKind = "C"
)

// AuditEntry is an append-only record of a state-affecting action on an order.
type AuditEntry struct {
	ID          int64       `json:"id"`
	OrderID     int64       `json:"order_id"`
	ActorID     *int64      `json:"actor_id,omitempty"`
	AuthorKind  AuthorKind  `json:"author_kind"`
	Action      AuditAction `json:"action"`
	Description string      `json:"description"`
	OccurredAt  time.Time   `json:"occurred_at"`
}
