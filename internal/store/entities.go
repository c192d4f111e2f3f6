package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/clanhub/appcore/internal/apperrors"
	"github.com/clanhub/appcore/internal/models"
)

// ListFilter narrows a List call. Zero values match everything.
type ListFilter struct {
	SyncStatus   models.SyncStatus
	UpdatedSince int64
}

func entityTable(kind models.EntityKind) (string, error) {
	if !kind.Valid() {
		return "", apperrors.Newf(apperrors.CodeInternal, "unknown entity kind %q", kind)
	}
	return kind.TableName(), nil
}

// GetEntity returns the entity for (kind, id), or nil when no row exists.
func (s *DB) GetEntity(kind models.EntityKind, id string) (*models.Entity, error) {
	table, err := entityTable(kind)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(
		`SELECT id, payload, updated_at, sync_status FROM %s WHERE id = ?`, table)

	var e models.Entity
	var payload []byte
	err = s.db.QueryRow(query, id).Scan(&e.ID, &payload, &e.UpdatedAt, &e.SyncStatus)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(fmt.Sprintf("get %s/%s", kind, id), err)
	}
	e.Kind = kind
	e.Payload = payload
	return &e, nil
}

// ListEntities returns entities of one kind ordered by updated_at descending.
func (s *DB) ListEntities(kind models.EntityKind, filter ListFilter, limit, offset int) ([]*models.Entity, error) {
	table, err := entityTable(kind)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(
		`SELECT id, payload, updated_at, sync_status FROM %s WHERE updated_at >= ?`, table)
	args := []any{filter.UpdatedSince}

	if filter.SyncStatus != "" {
		query += " AND sync_status = ?"
		args = append(args, filter.SyncStatus)
	}
	query += " ORDER BY updated_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, unavailable(fmt.Sprintf("list %s", kind), err)
	}
	defer rows.Close()

	var entities []*models.Entity
	for rows.Next() {
		var e models.Entity
		var payload []byte
		if err := rows.Scan(&e.ID, &payload, &e.UpdatedAt, &e.SyncStatus); err != nil {
			return nil, err
		}
		e.Kind = kind
		e.Payload = payload
		entities = append(entities, &e)
	}
	return entities, rows.Err()
}

// UpsertEntity inserts or replaces the row for (kind, id). Idempotent: the
// same entity written twice leaves one row.
func (s *DB) UpsertEntity(e *models.Entity) error {
	table, err := entityTable(e.Kind)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, payload, updated_at, sync_status)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at,
			sync_status = excluded.sync_status`, table)

	_, err = s.db.Exec(query, e.ID, []byte(e.Payload), e.UpdatedAt, e.SyncStatus)
	if err != nil {
		return unavailable(fmt.Sprintf("upsert %s/%s", e.Kind, e.ID), err)
	}
	return nil
}

// UpdatePartial merges patch into the entity payload in one transaction and
// marks the row dirty. The resulting updated_at never moves backwards. The
// row must exist.
func (s *DB) UpdatePartial(kind models.EntityKind, id string, patch map[string]json.RawMessage) (*models.Entity, error) {
	table, err := entityTable(kind)
	if err != nil {
		return nil, err
	}

	var result *models.Entity
	err = s.withTx(func(tx *sql.Tx) error {
		var payload []byte
		var updatedAt int64
		query := fmt.Sprintf(`SELECT payload, updated_at FROM %s WHERE id = ?`, table)
		if err := tx.QueryRow(query, id).Scan(&payload, &updatedAt); err != nil {
			if err == sql.ErrNoRows {
				return apperrors.Newf(apperrors.CodeNotFound, "%s/%s not found", kind, id)
			}
			return err
		}

		merged, err := mergePayload(payload, patch)
		if err != nil {
			return err
		}

		now := time.Now().UnixMilli()
		if now < updatedAt {
			now = updatedAt
		}

		update := fmt.Sprintf(
			`UPDATE %s SET payload = ?, updated_at = ?, sync_status = ? WHERE id = ?`, table)
		if _, err := tx.Exec(update, merged, now, models.SyncDirty, id); err != nil {
			return err
		}

		result = &models.Entity{
			ID:         id,
			Kind:       kind,
			Payload:    merged,
			UpdatedAt:  now,
			SyncStatus: models.SyncDirty,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// mergePayload overlays patch keys onto the existing JSON object. A nil
// patch value removes the key.
func mergePayload(existing []byte, patch map[string]json.RawMessage) (json.RawMessage, error) {
	base := make(map[string]json.RawMessage)
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &base); err != nil {
			return nil, unavailable("decode existing payload", err)
		}
	}
	for k, v := range patch {
		if v == nil {
			delete(base, k)
			continue
		}
		base[k] = v
	}
	return json.Marshal(base)
}

// DeleteEntity removes the row for (kind, id). Deleting a missing row is not
// an error.
func (s *DB) DeleteEntity(kind models.EntityKind, id string) error {
	table, err := entityTable(kind)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table), id)
	if err != nil {
		return unavailable(fmt.Sprintf("delete %s/%s", kind, id), err)
	}
	return nil
}

// SetSyncStatus updates only the sync_status column for (kind, id).
func (s *DB) SetSyncStatus(kind models.EntityKind, id string, status models.SyncStatus) error {
	table, err := entityTable(kind)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		fmt.Sprintf(`UPDATE %s SET sync_status = ? WHERE id = ?`, table), status, id)
	if err != nil {
		return unavailable(fmt.Sprintf("set sync status %s/%s", kind, id), err)
	}
	return nil
}
