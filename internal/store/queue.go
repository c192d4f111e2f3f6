package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/clanhub/appcore/internal/models"
)

const queueColumns = `action_id, kind, target_kind, target_id, payload,
	priority, attempts, scheduled_at, created_at, status`

func scanAction(row interface{ Scan(...any) error }) (*models.PendingAction, error) {
	var a models.PendingAction
	var payload []byte
	var rank int
	err := row.Scan(&a.ActionID, &a.Kind, &a.TargetKind, &a.TargetID, &payload,
		&rank, &a.Attempts, &a.ScheduledAt, &a.CreatedAt, &a.Status)
	if err != nil {
		return nil, err
	}
	a.Payload = payload
	a.Priority = models.PriorityFromRank(rank)
	return &a, nil
}

// Enqueue persists a pending action. The action must carry a unique
// ActionID.
func (s *DB) Enqueue(a *models.PendingAction) error {
	_, err := s.db.Exec(
		`INSERT INTO sync_queue (`+queueColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ActionID, a.Kind, a.TargetKind, a.TargetID, []byte(a.Payload),
		a.Priority.Rank(), a.Attempts, a.ScheduledAt, a.CreatedAt, a.Status,
	)
	if err != nil {
		return unavailable(fmt.Sprintf("enqueue action %s", a.ActionID), err)
	}
	return nil
}

// Peek returns up to limit actions ready to drain: pending status, due by
// schedule, ordered by priority (high first), then creation time, then
// attempts. Actions held on a conflict never appear.
func (s *DB) Peek(limit int) ([]*models.PendingAction, error) {
	rows, err := s.db.Query(
		`SELECT `+queueColumns+` FROM sync_queue
		 WHERE status = ? AND scheduled_at <= ?
		 ORDER BY priority DESC, created_at ASC, attempts ASC
		 LIMIT ?`,
		models.ActionPending, time.Now().UnixMilli(), limit,
	)
	if err != nil {
		return nil, unavailable("peek queue", err)
	}
	defer rows.Close()

	var actions []*models.PendingAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// GetAction returns a single queue row, or nil when absent.
func (s *DB) GetAction(actionID string) (*models.PendingAction, error) {
	a, err := scanAction(s.db.QueryRow(
		`SELECT `+queueColumns+` FROM sync_queue WHERE action_id = ?`, actionID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(fmt.Sprintf("get action %s", actionID), err)
	}
	return a, nil
}

// MarkInFlight transitions the given actions to in_flight for the duration
// of a drain batch.
func (s *DB) MarkInFlight(actionIDs []string) error {
	return s.setStatus(actionIDs, models.ActionInFlight)
}

// RequeueInFlight returns any in_flight actions to pending. Called on
// startup and after a batch-level transport failure so a crash mid-drain
// cannot strand actions.
func (s *DB) RequeueInFlight() error {
	_, err := s.db.Exec(
		`UPDATE sync_queue SET status = ? WHERE status = ?`,
		models.ActionPending, models.ActionInFlight,
	)
	if err != nil {
		return unavailable("requeue in-flight actions", err)
	}
	return nil
}

func (s *DB) setStatus(actionIDs []string, status models.ActionStatus) error {
	if len(actionIDs) == 0 {
		return nil
	}
	return s.withTx(func(tx *sql.Tx) error {
		for _, id := range actionIDs {
			if _, err := tx.Exec(
				`UPDATE sync_queue SET status = ? WHERE action_id = ?`, status, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// Ack removes an acknowledged action from the queue.
func (s *DB) Ack(actionID string) error {
	_, err := s.db.Exec(`DELETE FROM sync_queue WHERE action_id = ?`, actionID)
	if err != nil {
		return unavailable(fmt.Sprintf("ack action %s", actionID), err)
	}
	return nil
}

// BumpAttempts increments the attempt counter and reschedules the action
// with exponential backoff (2^attempts seconds after the bump), returning
// the new attempt count.
func (s *DB) BumpAttempts(actionID string) (int, error) {
	var attempts int
	err := s.withTx(func(tx *sql.Tx) error {
		err := tx.QueryRow(
			`SELECT attempts FROM sync_queue WHERE action_id = ?`, actionID).Scan(&attempts)
		if err != nil {
			return err
		}
		attempts++
		backoff := time.Duration(1<<uint(attempts)) * time.Second
		_, err = tx.Exec(
			`UPDATE sync_queue SET attempts = ?, scheduled_at = ?, status = ? WHERE action_id = ?`,
			attempts, time.Now().Add(backoff).UnixMilli(), models.ActionPending, actionID,
		)
		return err
	})
	if err != nil {
		return 0, unavailable(fmt.Sprintf("bump attempts %s", actionID), err)
	}
	return attempts, nil
}

// HoldOnConflict parks the action until its conflict is resolved, excluding
// it from Peek.
func (s *DB) HoldOnConflict(actionID string) error {
	return s.setStatus([]string{actionID}, models.ActionConflict)
}

// ReleaseConflictHolds returns conflict-held actions for (kind, id) to
// pending. Called when the associated conflict is resolved.
func (s *DB) ReleaseConflictHolds(kind models.EntityKind, id string) error {
	_, err := s.db.Exec(
		`UPDATE sync_queue SET status = ?, scheduled_at = ?
		 WHERE status = ? AND target_kind = ? AND target_id = ?`,
		models.ActionPending, time.Now().UnixMilli(), models.ActionConflict, kind, id,
	)
	if err != nil {
		return unavailable(fmt.Sprintf("release conflict holds %s/%s", kind, id), err)
	}
	return nil
}

// DropPermanentlyFailed removes actions that have reached maxAttempts and
// returns them so the engine can emit one terminal failure event each.
func (s *DB) DropPermanentlyFailed(maxAttempts int) ([]*models.PendingAction, error) {
	var dropped []*models.PendingAction
	err := s.withTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(
			`SELECT `+queueColumns+` FROM sync_queue WHERE attempts >= ?`, maxAttempts)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			a, err := scanAction(rows)
			if err != nil {
				return err
			}
			dropped = append(dropped, a)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, a := range dropped {
			if _, err := tx.Exec(
				`DELETE FROM sync_queue WHERE action_id = ?`, a.ActionID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("drop permanently failed", err)
	}
	return dropped, nil
}

// RemoveAction deletes an action outright (permanent server rejection).
func (s *DB) RemoveAction(actionID string) error {
	return s.Ack(actionID)
}

// QueueSize returns the number of rows in the queue, any status.
func (s *DB) QueueSize() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sync_queue`).Scan(&n); err != nil {
		return 0, unavailable("queue size", err)
	}
	return n, nil
}

// PendingCount returns the number of pending (drainable now or later) rows.
func (s *DB) PendingCount() (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM sync_queue WHERE status = ?`, models.ActionPending).Scan(&n)
	if err != nil {
		return 0, unavailable("pending count", err)
	}
	return n, nil
}
