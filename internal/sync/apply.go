package sync

import (
	stdsync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/clanhub/appcore/internal/logging"
	"github.com/clanhub/appcore/internal/models"
)

// keyedMutex serializes work per entity key so concurrent applies for
// different entities proceed in parallel while writes to the same entity
// stay ordered.
type keyedMutex struct {
	mu    stdsync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   stdsync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*entry)
	}
	e, ok := k.locks[key]
	if !ok {
		e = &entry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// Apply reconciles one server-side entity snapshot with the local row. It is
// the only downstream write path: incremental pull, realtime frames, drain
// acknowledgments and conflict resolutions all come through here.
//
// Rules, in order:
//   - snapshot is a deletion: remove a clean local row, conflict otherwise;
//   - no local row: insert clean;
//   - local row clean: last-writer-wins on updatedAt, stale snapshots drop;
//   - local row dirty or in flight and snapshot newer: record a conflict and
//     leave the local row untouched.
func (e *Engine) Apply(entity *models.Entity, origin models.ChangeOrigin) error {
	unlock := e.keys.lock(string(entity.Kind) + "/" + entity.ID)
	defer unlock()

	local, err := e.db.GetEntity(entity.Kind, entity.ID)
	if err != nil {
		return err
	}

	if entity.Deleted {
		return e.applyDeletion(entity, local, origin)
	}

	switch {
	case local == nil:
		entity.SyncStatus = models.SyncClean
		if err := e.db.UpsertEntity(entity); err != nil {
			return err
		}
		e.notify(models.ChangeEvent{Kind: entity.Kind, ID: entity.ID, Origin: origin})
		return nil

	case local.SyncStatus == models.SyncClean:
		if entity.UpdatedAt <= local.UpdatedAt {
			// Stale or duplicate snapshot; the monotonic rule drops it.
			return nil
		}
		entity.SyncStatus = models.SyncClean
		if err := e.db.UpsertEntity(entity); err != nil {
			return err
		}
		e.notify(models.ChangeEvent{Kind: entity.Kind, ID: entity.ID, Origin: origin})
		return nil

	default:
		if entity.UpdatedAt <= local.UpdatedAt {
			return nil
		}
		return e.recordConflict(local, entity)
	}
}

// applyForce installs a server snapshot unconditionally. Used when the
// snapshot is the canonical outcome of the local change itself: a drain
// acknowledgment or a resolved conflict.
func (e *Engine) applyForce(entity *models.Entity, origin models.ChangeOrigin) error {
	unlock := e.keys.lock(string(entity.Kind) + "/" + entity.ID)
	defer unlock()

	if entity.Deleted {
		if err := e.db.DeleteEntity(entity.Kind, entity.ID); err != nil {
			return err
		}
		e.notify(models.ChangeEvent{Kind: entity.Kind, ID: entity.ID, Origin: origin, Deleted: true})
		return nil
	}

	entity.SyncStatus = models.SyncClean
	if err := e.db.UpsertEntity(entity); err != nil {
		return err
	}
	e.notify(models.ChangeEvent{Kind: entity.Kind, ID: entity.ID, Origin: origin})
	return nil
}

func (e *Engine) applyDeletion(entity *models.Entity, local *models.Entity, origin models.ChangeOrigin) error {
	if local == nil {
		return nil
	}
	if local.SyncStatus == models.SyncClean {
		if err := e.db.DeleteEntity(entity.Kind, entity.ID); err != nil {
			return err
		}
		e.notify(models.ChangeEvent{Kind: entity.Kind, ID: entity.ID, Origin: origin, Deleted: true})
		return nil
	}
	return e.recordConflict(local, entity)
}

// recordConflict stores both versions for operator resolution and flags the
// local row. At most one pending conflict exists per entity; a newer server
// snapshot replaces the server side of an existing one.
func (e *Engine) recordConflict(local, server *models.Entity) error {
	existing, err := e.db.PendingConflictFor(local.Kind, local.ID)
	if err != nil {
		return err
	}

	conflict := &models.Conflict{
		ConflictID:    uuid.NewString(),
		TargetKind:    local.Kind,
		TargetID:      local.ID,
		LocalPayload:  local.Payload,
		ServerPayload: server.Payload,
		DetectedAt:    time.Now().UnixMilli(),
		Resolution:    models.ResolutionPending,
	}
	if existing != nil {
		conflict.ConflictID = existing.ConflictID
		conflict.DetectedAt = existing.DetectedAt
	}
	if err := e.db.PutConflict(conflict); err != nil {
		return err
	}
	if err := e.db.SetSyncStatus(local.Kind, local.ID, models.SyncConflict); err != nil {
		return err
	}

	logging.Info("sync conflict recorded", logging.Fields{
		"conflict_id": conflict.ConflictID,
		"target":      string(local.Kind) + "/" + local.ID,
	})
	return nil
}

// recordServerConflicts persists conflict rows the server reports alongside
// a batch or pull response. A pending conflict already held for the entity
// keeps its id so operator references stay stable.
func (e *Engine) recordServerConflicts(conflicts []*models.Conflict) error {
	for _, conflict := range conflicts {
		if !conflict.TargetKind.Valid() || conflict.TargetID == "" {
			logging.Warn("dropping malformed server conflict", logging.Fields{
				"conflict_id": conflict.ConflictID,
			})
			continue
		}
		if err := e.recordOneServerConflict(conflict); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) recordOneServerConflict(conflict *models.Conflict) error {
	unlock := e.keys.lock(string(conflict.TargetKind) + "/" + conflict.TargetID)
	defer unlock()

	existing, err := e.db.PendingConflictFor(conflict.TargetKind, conflict.TargetID)
	if err != nil {
		return err
	}
	if existing != nil {
		conflict.ConflictID = existing.ConflictID
		if conflict.DetectedAt == 0 {
			conflict.DetectedAt = existing.DetectedAt
		}
	}
	if conflict.ConflictID == "" {
		conflict.ConflictID = uuid.NewString()
	}
	if conflict.DetectedAt == 0 {
		conflict.DetectedAt = time.Now().UnixMilli()
	}
	conflict.Resolution = models.ResolutionPending

	local, err := e.db.GetEntity(conflict.TargetKind, conflict.TargetID)
	if err != nil {
		return err
	}
	if len(conflict.LocalPayload) == 0 && local != nil {
		conflict.LocalPayload = local.Payload
	}

	if err := e.db.PutConflict(conflict); err != nil {
		return err
	}
	if local != nil {
		if err := e.db.SetSyncStatus(conflict.TargetKind, conflict.TargetID, models.SyncConflict); err != nil {
			return err
		}
	}

	logging.Info("server conflict recorded", logging.Fields{
		"conflict_id": conflict.ConflictID,
		"target":      string(conflict.TargetKind) + "/" + conflict.TargetID,
	})
	return nil
}
