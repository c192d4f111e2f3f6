package models

import (
	"encoding/json"
	"time"
)

// ActionKind classifies a pending mutation.
type ActionKind string

const (
	ActionCreate ActionKind = "create"
	ActionUpdate ActionKind = "update"
	ActionDelete ActionKind = "delete"
	ActionCustom ActionKind = "custom"
)

// Priority orders pending actions in the queue.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank returns the numeric rank stored in the queue table. Higher ranks
// drain first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// PriorityFromRank is the inverse of Rank.
func PriorityFromRank(rank int) Priority {
	switch rank {
	case 2:
		return PriorityHigh
	case 1:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// ActionStatus tracks a pending action through the drain state machine.
type ActionStatus string

const (
	ActionPending  ActionStatus = "pending"
	ActionInFlight ActionStatus = "in_flight"
	ActionConflict ActionStatus = "conflict"
)

// PendingAction is a durable record of an intended server-side mutation
// awaiting acknowledgment. ActionID doubles as the idempotency key echoed to
// the server.
type PendingAction struct {
	ActionID    string          `db:"action_id" json:"actionId"`
	Kind        ActionKind      `db:"kind" json:"kind"`
	TargetKind  EntityKind      `db:"target_kind" json:"targetKind"`
	TargetID    string          `db:"target_id" json:"targetId"`
	Payload     json.RawMessage `db:"payload" json:"payload,omitempty"`
	Priority    Priority        `db:"priority" json:"priority"`
	Attempts    int             `db:"attempts" json:"attempts"`
	ScheduledAt int64           `db:"scheduled_at" json:"-"`
	CreatedAt   int64           `db:"created_at" json:"createdAt"`
	Status      ActionStatus    `db:"status" json:"-"`
}

// TableName returns the table name for PendingAction.
func (PendingAction) TableName() string {
	return "sync_queue"
}

// CreatedAtTime returns CreatedAt as time.Time.
func (a *PendingAction) CreatedAtTime() time.Time {
	return time.UnixMilli(a.CreatedAt)
}

// ScheduledAtTime returns ScheduledAt as time.Time.
func (a *PendingAction) ScheduledAtTime() time.Time {
	return time.UnixMilli(a.ScheduledAt)
}

// ActionOutcome is the server's verdict on one submitted action.
type ActionOutcome string

const (
	OutcomeSuccess   ActionOutcome = "success"
	OutcomeTransient ActionOutcome = "transient"
	OutcomePermanent ActionOutcome = "permanent"
	OutcomeConflict  ActionOutcome = "conflict"
)

// ActionResult is one element of the batch response from POST /sync/actions.
type ActionResult struct {
	ActionID string        `json:"actionId"`
	Outcome  ActionOutcome `json:"outcome"`
	Entity   *Entity       `json:"entity,omitempty"`
	Message  string        `json:"message,omitempty"`
}
