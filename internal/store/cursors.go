package store

import (
	"database/sql"
	"fmt"

	"github.com/clanhub/appcore/internal/models"
)

// Cursor returns the incremental-pull watermark for kind. Kinds never
// pulled report zero.
func (s *DB) Cursor(kind models.EntityKind) (int64, error) {
	var since int64
	err := s.db.QueryRow(
		`SELECT since_ms FROM sync_cursors WHERE kind = ?`, kind).Scan(&since)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable(fmt.Sprintf("cursor %s", kind), err)
	}
	return since, nil
}

// SetCursor advances the watermark for kind. Cursors are monotonic: a value
// at or below the current watermark is ignored.
func (s *DB) SetCursor(kind models.EntityKind, sinceMs int64) error {
	_, err := s.db.Exec(
		`INSERT INTO sync_cursors (kind, since_ms) VALUES (?, ?)
		 ON CONFLICT(kind) DO UPDATE SET since_ms = excluded.since_ms
		 WHERE excluded.since_ms > sync_cursors.since_ms`,
		kind, sinceMs,
	)
	if err != nil {
		return unavailable(fmt.Sprintf("set cursor %s", kind), err)
	}
	return nil
}
