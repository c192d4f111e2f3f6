package models

import (
	"encoding/json"
	"time"
)

// Resolution names how a conflict was (or is yet to be) settled.
type Resolution string

const (
	ResolutionPending Resolution = "pending"
	ResolutionLocal   Resolution = "local"
	ResolutionServer  Resolution = "server"
	ResolutionMerge   Resolution = "merge"
)

// Valid reports whether r is a recognized resolution.
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionPending, ResolutionLocal, ResolutionServer, ResolutionMerge:
		return true
	}
	return false
}

// Conflict records a divergence between local dirty state and the server
// copy of the same (kind, id). It stays pending until an operator resolves
// it.
type Conflict struct {
	ConflictID    string          `db:"conflict_id" json:"conflictId"`
	TargetKind    EntityKind      `db:"target_kind" json:"targetKind"`
	TargetID      string          `db:"target_id" json:"targetId"`
	LocalPayload  json.RawMessage `db:"local_payload" json:"localPayload,omitempty"`
	ServerPayload json.RawMessage `db:"server_payload" json:"serverPayload,omitempty"`
	DetectedAt    int64           `db:"detected_at" json:"detectedAt"`
	Resolution    Resolution      `db:"resolution" json:"resolution"`
}

// TableName returns the table name for Conflict.
func (Conflict) TableName() string {
	return "conflicts"
}

// DetectedAtTime returns DetectedAt as time.Time.
func (c *Conflict) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}

// SyncCursor is the per-kind watermark for incremental pulls. SinceMs only
// ever moves forward.
type SyncCursor struct {
	Kind    EntityKind `db:"kind" json:"kind"`
	SinceMs int64      `db:"since_ms" json:"since"`
}

// TableName returns the table name for SyncCursor.
func (SyncCursor) TableName() string {
	return "sync_cursors"
}
