// Package models provides the data model definitions for the offline data
// plane core.
package models

import (
	"encoding/json"
	"time"
)

// EntityKind identifies a domain entity table.
type EntityKind string

const (
	KindUser         EntityKind = "user"
	KindClan         EntityKind = "clan"
	KindContent      EntityKind = "content"
	KindVote         EntityKind = "vote"
	KindNotification EntityKind = "notification"
	KindProposal     EntityKind = "proposal"
	KindTransaction  EntityKind = "transaction"
)

// Kinds lists every entity kind in stable order. Table creation, full sync
// and cursor refresh iterate this list.
var Kinds = []EntityKind{
	KindUser,
	KindClan,
	KindContent,
	KindVote,
	KindNotification,
	KindProposal,
	KindTransaction,
}

// Valid reports whether k names a known entity kind.
func (k EntityKind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// TableName returns the entity table for this kind.
func (k EntityKind) TableName() string {
	return "entity_" + string(k)
}

// SyncStatus tracks how a local row relates to the server copy.
type SyncStatus string

const (
	SyncClean    SyncStatus = "clean"
	SyncDirty    SyncStatus = "dirty"
	SyncInFlight SyncStatus = "in_flight"
	SyncConflict SyncStatus = "conflict"
)

// Entity is a domain record cached locally. Payload holds the kind-specific
// fields as opaque JSON; the stable columns are what the sync machinery
// operates on.
type Entity struct {
	ID         string          `db:"id" json:"id"`
	Kind       EntityKind      `db:"-" json:"kind"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	UpdatedAt  int64           `db:"updated_at" json:"updatedAt"`
	SyncStatus SyncStatus      `db:"sync_status" json:"syncStatus"`
	// Deleted marks a server snapshot as a tombstone. An upsert with an
	// empty payload is still an upsert; only this flag removes rows.
	Deleted bool `db:"-" json:"deleted,omitempty"`
}

// UpdatedAtTime returns UpdatedAt as time.Time.
func (e *Entity) UpdatedAtTime() time.Time {
	return time.UnixMilli(e.UpdatedAt)
}

// ChangeOrigin identifies which path committed an entity write.
type ChangeOrigin string

const (
	OriginLocal    ChangeOrigin = "local"
	OriginServer   ChangeOrigin = "server"
	OriginRealtime ChangeOrigin = "realtime"
)

// ChangeEvent is broadcast to subscribers after an entity write commits.
type ChangeEvent struct {
	Kind    EntityKind   `json:"kind"`
	ID      string       `json:"id"`
	Origin  ChangeOrigin `json:"origin"`
	Deleted bool         `json:"deleted,omitempty"`
}
