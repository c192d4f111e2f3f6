package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/clanhub/appcore/internal/apperrors"
	"github.com/clanhub/appcore/internal/gateway"
	"github.com/clanhub/appcore/internal/logging"
	"github.com/clanhub/appcore/internal/models"
)

// pullResponse is the body of GET /sync/incremental.
type pullResponse struct {
	Updates   []*models.Entity   `json:"updates"`
	Conflicts []*models.Conflict `json:"conflicts"`
	NextSince int64              `json:"nextSince"`
}

// Result summarizes one sync pass.
type Result struct {
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Applied   int
}

func (r *Result) finish() *Result {
	r.EndTime = time.Now()
	r.Duration = r.EndTime.Sub(r.StartTime)
	return r
}

// IncrementalSync pulls server changes for one kind since the stored cursor
// and applies them. The cursor advances only after the whole batch applied;
// a failure mid-batch leaves it untouched so the next pull re-fetches.
// Conflicting entities are recorded, not applied, and do not block the
// cursor.
func (e *Engine) IncrementalSync(ctx context.Context, kind models.EntityKind) (*Result, error) {
	result := &Result{StartTime: time.Now()}
	if !kind.Valid() {
		return nil, apperrors.Newf(apperrors.CodeClientError, "unknown entity kind %q", kind)
	}

	since, err := e.db.Cursor(kind)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("/sync/incremental?kind=%s&since=%d", url.QueryEscape(string(kind)), since)
	payload, err := e.gw.Request(ctx, http.MethodGet, endpoint, nil, &gateway.Options{RequireAuth: true})
	if err != nil {
		return nil, err
	}

	var resp pullResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "decode incremental response", err)
	}

	watermark := resp.NextSince
	for _, entity := range resp.Updates {
		entity.Kind = kind
		if err := e.Apply(entity, models.OriginServer); err != nil {
			return nil, err
		}
		result.Applied++
		if watermark < entity.UpdatedAt {
			watermark = entity.UpdatedAt
		}
	}
	if err := e.recordServerConflicts(resp.Conflicts); err != nil {
		return nil, err
	}

	if watermark > since {
		if err := e.db.SetCursor(kind, watermark); err != nil {
			return nil, err
		}
	}

	logging.Debug("incremental sync applied", logging.Fields{
		"kind":      string(kind),
		"updates":   len(resp.Updates),
		"conflicts": len(resp.Conflicts),
		"since":     since,
		"cursor":    watermark,
	})
	return result.finish(), nil
}

// FullSync drains the outbound queue, then pulls every kind incrementally.
// Pull errors for one kind do not stop the others; the first error is
// returned after all kinds were attempted.
func (e *Engine) FullSync(ctx context.Context) (*Result, error) {
	result := &Result{StartTime: time.Now()}
	if err := e.Drain(ctx); err != nil {
		return nil, err
	}

	var firstErr error
	for _, kind := range models.Kinds {
		kindResult, err := e.IncrementalSync(ctx, kind)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			logging.Warn("incremental sync failed", logging.Fields{
				"kind":  string(kind),
				"error": err.Error(),
			})
			continue
		}
		result.Applied += kindResult.Applied
	}
	if firstErr != nil {
		return nil, firstErr
	}
	e.markLastSync()
	return result.finish(), nil
}

// resolveRequest is the body of POST /sync/conflicts/{id}/resolve.
type resolveRequest struct {
	Resolution   models.Resolution `json:"resolution"`
	SelectedData json.RawMessage   `json:"selectedData,omitempty"`
}

type resolveResponse struct {
	ResolvedData *models.Entity `json:"resolvedData"`
}

// ResolveConflict settles a pending conflict with the server. The merged
// payload is required for ResolutionMerge and ignored otherwise. The
// canonical entity the server returns is installed locally, the conflict is
// closed, and actions held on it are released back into the queue.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, resolution models.Resolution, merged json.RawMessage) error {
	if !resolution.Valid() || resolution == models.ResolutionPending {
		return apperrors.Newf(apperrors.CodeClientError, "invalid resolution %q", resolution)
	}
	if resolution == models.ResolutionMerge && len(merged) == 0 {
		return apperrors.New(apperrors.CodeClientError, "merge resolution requires a payload")
	}

	conflict, err := e.db.GetConflict(conflictID)
	if err != nil {
		return err
	}
	if conflict == nil {
		return apperrors.Newf(apperrors.CodeNotFound, "conflict %s not found", conflictID)
	}
	if conflict.Resolution != models.ResolutionPending {
		return apperrors.Newf(apperrors.CodeConflict, "conflict %s already resolved", conflictID)
	}

	endpoint := fmt.Sprintf("/sync/conflicts/%s/resolve", url.PathEscape(conflictID))
	payload, err := e.gw.Request(ctx, http.MethodPost, endpoint,
		resolveRequest{Resolution: resolution, SelectedData: merged}, &gateway.Options{RequireAuth: true})
	if err != nil {
		return err
	}

	var resp resolveResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "decode resolve response", err)
	}
	if resp.ResolvedData != nil {
		resp.ResolvedData.Kind = conflict.TargetKind
		if err := e.applyForce(resp.ResolvedData, models.OriginServer); err != nil {
			return err
		}
	}

	if err := e.db.SetConflictResolution(conflictID, resolution); err != nil {
		return err
	}
	if err := e.db.ReleaseConflictHolds(conflict.TargetKind, conflict.TargetID); err != nil {
		return err
	}

	if e.monitor.State().Online {
		go func() {
			if err := e.Drain(context.WithoutCancel(ctx)); err != nil {
				logging.Debug("post-resolution drain failed", logging.Fields{"error": err.Error()})
			}
		}()
	}
	return nil
}

// PendingConflicts lists conflicts awaiting resolution.
func (e *Engine) PendingConflicts() ([]*models.Conflict, error) {
	return e.db.ListPendingConflicts()
}
