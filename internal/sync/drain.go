package sync

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/clanhub/appcore/internal/apperrors"
	"github.com/clanhub/appcore/internal/gateway"
	"github.com/clanhub/appcore/internal/logging"
	"github.com/clanhub/appcore/internal/models"
)

// drainRequest is the body of POST /sync/actions.
type drainRequest struct {
	Actions []*models.PendingAction `json:"actions"`
}

type drainResponse struct {
	Results   []*models.ActionResult `json:"results"`
	Conflicts []*models.Conflict     `json:"conflicts"`
}

// Drain submits due pending actions in batches until the queue has nothing
// ready. At most one drain runs at a time; a call that loses the race
// returns immediately with no error.
func (e *Engine) Drain(ctx context.Context) error {
	if !e.drainMu.TryLock() {
		return nil
	}
	defer e.drainMu.Unlock()

	e.mu.Lock()
	e.drainActive = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.drainActive = false
		e.mu.Unlock()
	}()

	// Sweep rows that crossed the attempt budget without getting dropped,
	// e.g. when a crash landed between the bump and the drop.
	stranded, err := e.db.DropPermanentlyFailed(e.cfg.MaxAttempts)
	if err != nil {
		return err
	}
	for _, action := range stranded {
		if action.Kind != models.ActionDelete && action.Kind != models.ActionCustom {
			_ = e.db.SetSyncStatus(action.TargetKind, action.TargetID, models.SyncDirty)
		}
		e.notifyFailure(FailureNotice{Action: action, Message: "attempt budget exhausted"})
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !e.monitor.State().Online {
			return nil
		}

		batch, err := e.db.Peek(e.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			e.markLastSync()
			return nil
		}

		if err := e.submitBatch(ctx, batch); err != nil {
			return err
		}
	}
}

func (e *Engine) submitBatch(ctx context.Context, batch []*models.PendingAction) error {
	ids := make([]string, len(batch))
	for i, a := range batch {
		ids[i] = a.ActionID
	}
	if err := e.db.MarkInFlight(ids); err != nil {
		return err
	}
	for _, a := range batch {
		if a.Kind == models.ActionCustom {
			continue
		}
		// Best effort; delete targets have no local row anymore.
		_ = e.db.SetSyncStatus(a.TargetKind, a.TargetID, models.SyncInFlight)
	}

	payload, err := e.gw.Request(ctx, http.MethodPost, "/sync/actions",
		drainRequest{Actions: batch}, &gateway.Options{RequireAuth: true})
	if err != nil {
		// The whole batch failed before the server ruled on anything.
		// Requeue so the next drain retries it.
		if rqErr := e.db.RequeueInFlight(); rqErr != nil {
			logging.Error("requeue after failed batch submit", rqErr, nil)
		}
		e.restoreDirty(batch)
		return err
	}

	var resp drainResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		if rqErr := e.db.RequeueInFlight(); rqErr != nil {
			logging.Error("requeue after malformed batch response", rqErr, nil)
		}
		e.restoreDirty(batch)
		return apperrors.Wrap(apperrors.CodeInternal, "decode batch response", err)
	}

	byID := make(map[string]*models.PendingAction, len(batch))
	for _, a := range batch {
		byID[a.ActionID] = a
	}
	seen := make(map[string]bool, len(resp.Results))
	for _, result := range resp.Results {
		action, ok := byID[result.ActionID]
		if !ok {
			logging.Warn("batch result for unknown action", logging.Fields{"action_id": result.ActionID})
			continue
		}
		seen[result.ActionID] = true
		if err := e.handleResult(action, result); err != nil {
			return err
		}
	}

	// Actions the server did not rule on go back to pending.
	for _, a := range batch {
		if !seen[a.ActionID] {
			if err := e.db.RequeueInFlight(); err != nil {
				return err
			}
			e.restoreDirty([]*models.PendingAction{a})
			break
		}
	}

	return e.recordServerConflicts(resp.Conflicts)
}

func (e *Engine) handleResult(action *models.PendingAction, result *models.ActionResult) error {
	switch result.Outcome {
	case models.OutcomeSuccess:
		if err := e.db.Ack(action.ActionID); err != nil {
			return err
		}
		if result.Entity != nil {
			return e.applyForce(result.Entity, models.OriginServer)
		}
		if action.Kind != models.ActionDelete && action.Kind != models.ActionCustom {
			// No canonical snapshot returned; the optimistic row is now in
			// agreement with the server.
			_ = e.db.SetSyncStatus(action.TargetKind, action.TargetID, models.SyncClean)
			e.notify(models.ChangeEvent{Kind: action.TargetKind, ID: action.TargetID, Origin: models.OriginServer})
		}
		return nil

	case models.OutcomeTransient:
		attempts, err := e.db.BumpAttempts(action.ActionID)
		if err != nil {
			return err
		}
		if attempts >= e.cfg.MaxAttempts {
			return e.dropAction(action, result.Message)
		}
		e.restoreDirty([]*models.PendingAction{action})
		return nil

	case models.OutcomeConflict:
		if err := e.db.HoldOnConflict(action.ActionID); err != nil {
			return err
		}
		if result.Entity != nil {
			local, err := e.db.GetEntity(action.TargetKind, action.TargetID)
			if err != nil {
				return err
			}
			if local == nil {
				// Local delete vs server change: keep a tombstone-less
				// local side so the operator sees the divergence.
				local = &models.Entity{ID: action.TargetID, Kind: action.TargetKind}
			}
			if err := e.recordConflict(local, result.Entity); err != nil {
				return err
			}
		}
		return nil

	default: // OutcomePermanent and anything unrecognized
		return e.dropAction(action, result.Message)
	}
}

// dropAction removes an action that will never succeed. The optimistic local
// row stays, flagged dirty, so the user's data is not silently discarded.
func (e *Engine) dropAction(action *models.PendingAction, message string) error {
	if err := e.db.RemoveAction(action.ActionID); err != nil {
		return err
	}
	if action.Kind != models.ActionDelete && action.Kind != models.ActionCustom {
		_ = e.db.SetSyncStatus(action.TargetKind, action.TargetID, models.SyncDirty)
	}
	if message == "" {
		message = "rejected by server"
	}
	e.notifyFailure(FailureNotice{Action: action, Message: message})
	return nil
}

// restoreDirty moves targets of not-yet-acknowledged actions back from
// in_flight to dirty.
func (e *Engine) restoreDirty(batch []*models.PendingAction) {
	for _, a := range batch {
		if a.Kind == models.ActionCustom {
			continue
		}
		_ = e.db.SetSyncStatus(a.TargetKind, a.TargetID, models.SyncDirty)
	}
}
