package store

import (
	"database/sql"
	"fmt"

	"github.com/clanhub/appcore/internal/models"
)

const conflictColumns = `conflict_id, target_kind, target_id, local_payload,
	server_payload, detected_at, resolution`

func scanConflict(row interface{ Scan(...any) error }) (*models.Conflict, error) {
	var c models.Conflict
	var local, server []byte
	err := row.Scan(&c.ConflictID, &c.TargetKind, &c.TargetID, &local, &server,
		&c.DetectedAt, &c.Resolution)
	if err != nil {
		return nil, err
	}
	c.LocalPayload = local
	c.ServerPayload = server
	return &c, nil
}

// PutConflict inserts or replaces a conflict row.
func (s *DB) PutConflict(c *models.Conflict) error {
	_, err := s.db.Exec(
		`INSERT INTO conflicts (`+conflictColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(conflict_id) DO UPDATE SET
			local_payload = excluded.local_payload,
			server_payload = excluded.server_payload,
			detected_at = excluded.detected_at,
			resolution = excluded.resolution`,
		c.ConflictID, c.TargetKind, c.TargetID, []byte(c.LocalPayload),
		[]byte(c.ServerPayload), c.DetectedAt, c.Resolution,
	)
	if err != nil {
		return unavailable(fmt.Sprintf("put conflict %s", c.ConflictID), err)
	}
	return nil
}

// GetConflict returns a conflict row, or nil when absent.
func (s *DB) GetConflict(conflictID string) (*models.Conflict, error) {
	c, err := scanConflict(s.db.QueryRow(
		`SELECT `+conflictColumns+` FROM conflicts WHERE conflict_id = ?`, conflictID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(fmt.Sprintf("get conflict %s", conflictID), err)
	}
	return c, nil
}

// PendingConflictFor returns the unresolved conflict for (kind, id), or nil.
// At most one pending conflict exists per target.
func (s *DB) PendingConflictFor(kind models.EntityKind, id string) (*models.Conflict, error) {
	c, err := scanConflict(s.db.QueryRow(
		`SELECT `+conflictColumns+` FROM conflicts
		 WHERE target_kind = ? AND target_id = ? AND resolution = ?`,
		kind, id, models.ResolutionPending))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(fmt.Sprintf("pending conflict %s/%s", kind, id), err)
	}
	return c, nil
}

// ListPendingConflicts returns all unresolved conflicts, oldest first.
func (s *DB) ListPendingConflicts() ([]*models.Conflict, error) {
	rows, err := s.db.Query(
		`SELECT `+conflictColumns+` FROM conflicts
		 WHERE resolution = ? ORDER BY detected_at ASC`, models.ResolutionPending)
	if err != nil {
		return nil, unavailable("list pending conflicts", err)
	}
	defer rows.Close()

	var conflicts []*models.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

// SetConflictResolution records how a conflict was settled.
func (s *DB) SetConflictResolution(conflictID string, resolution models.Resolution) error {
	_, err := s.db.Exec(
		`UPDATE conflicts SET resolution = ? WHERE conflict_id = ?`, resolution, conflictID)
	if err != nil {
		return unavailable(fmt.Sprintf("resolve conflict %s", conflictID), err)
	}
	return nil
}
