// Package sync reconciles the local store with the server: it drains the
// durable action queue upstream and applies server state downstream through a
// single write path.
package sync

import (
	"context"
	"encoding/json"
	"strings"
	stdsync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/clanhub/appcore/internal/apperrors"
	"github.com/clanhub/appcore/internal/config"
	"github.com/clanhub/appcore/internal/connectivity"
	"github.com/clanhub/appcore/internal/gateway"
	"github.com/clanhub/appcore/internal/logging"
	"github.com/clanhub/appcore/internal/models"
	"github.com/clanhub/appcore/internal/store"
)

// FailureNotice describes an action dropped after exhausting its attempts or
// rejected outright by the server.
type FailureNotice struct {
	Action  *models.PendingAction
	Message string
}

// Engine owns the sync queue drain, the incremental pull, and the apply
// pipeline. All local writes triggered by sync flow through Apply so change
// events and conflict detection happen in exactly one place.
type Engine struct {
	db      *store.DB
	gw      *gateway.Client
	monitor connectivity.Monitor
	cfg     config.SyncConfig

	keys    keyedMutex
	drainMu stdsync.Mutex

	mu           stdsync.Mutex
	listeners    map[int]func(models.ChangeEvent)
	failureSubs  map[int]func(FailureNotice)
	nextListener int
	lastSyncMs   int64
	drainActive  bool
}

// New creates an Engine. The engine registers itself as the gateway's
// offline queuer so mutations issued while offline land in the durable queue.
func New(db *store.DB, gw *gateway.Client, monitor connectivity.Monitor, cfg config.SyncConfig) *Engine {
	e := &Engine{
		db:          db,
		gw:          gw,
		monitor:     monitor,
		cfg:         cfg,
		listeners:   make(map[int]func(models.ChangeEvent)),
		failureSubs: make(map[int]func(FailureNotice)),
	}
	gw.SetOfflineQueuer(e)
	return e
}

// Subscribe registers a change listener and returns its cancel func.
// Listeners run after the triggering transaction commits.
func (e *Engine) Subscribe(fn func(models.ChangeEvent)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextListener
	e.nextListener++
	e.listeners[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners, id)
	}
}

// SubscribeFailures registers a listener for permanently failed actions.
func (e *Engine) SubscribeFailures(fn func(FailureNotice)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextListener
	e.nextListener++
	e.failureSubs[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.failureSubs, id)
	}
}

func (e *Engine) notify(ev models.ChangeEvent) {
	e.mu.Lock()
	fns := make([]func(models.ChangeEvent), 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (e *Engine) notifyFailure(notice FailureNotice) {
	e.mu.Lock()
	fns := make([]func(FailureNotice), 0, len(e.failureSubs))
	for _, fn := range e.failureSubs {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(notice)
	}
	logging.Warn("pending action failed permanently", logging.Fields{
		"action_id":   notice.Action.ActionID,
		"action_kind": string(notice.Action.Kind),
		"target":      string(notice.Action.TargetKind) + "/" + notice.Action.TargetID,
		"message":     notice.Message,
	})
}

// Status is a point-in-time snapshot of the engine.
type Status struct {
	QueueSize  int   `json:"queueSize"`
	Pending    int   `json:"pending"`
	Draining   bool  `json:"draining"`
	LastSyncMs int64 `json:"lastSyncMs"`
}

// Status reports queue depth and drain progress for surfacing in UI.
func (e *Engine) Status() (Status, error) {
	size, err := e.db.QueueSize()
	if err != nil {
		return Status{}, err
	}
	pending, err := e.db.PendingCount()
	if err != nil {
		return Status{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		QueueSize:  size,
		Pending:    pending,
		Draining:   e.drainActive,
		LastSyncMs: e.lastSyncMs,
	}, nil
}

// Mutation is the caller-facing description of a local change to sync.
type Mutation struct {
	Kind     models.ActionKind
	Target   models.EntityKind
	TargetID string
	Payload  json.RawMessage
	Priority models.Priority
}

// EnqueueMutation applies the change optimistically to the local store,
// persists a PendingAction, and kicks an asynchronous drain when online.
// The optimistic write is visible immediately with origin "local".
func (e *Engine) EnqueueMutation(ctx context.Context, m Mutation) (*models.PendingAction, error) {
	if !m.Target.Valid() {
		return nil, apperrors.Newf(apperrors.CodeClientError, "unknown entity kind %q", m.Target)
	}
	if m.TargetID == "" {
		m.TargetID = uuid.NewString()
	}
	if m.Priority == "" {
		m.Priority = models.PriorityMedium
	}

	unlock := e.keys.lock(string(m.Target) + "/" + m.TargetID)
	if err := e.applyOptimistic(m); err != nil {
		unlock()
		return nil, err
	}
	unlock()

	now := time.Now()
	action := &models.PendingAction{
		ActionID:    uuid.NewString(),
		Kind:        m.Kind,
		TargetKind:  m.Target,
		TargetID:    m.TargetID,
		Payload:     m.Payload,
		Priority:    m.Priority,
		ScheduledAt: now.UnixMilli(),
		CreatedAt:   now.UnixMilli(),
		Status:      models.ActionPending,
	}
	if err := e.db.Enqueue(action); err != nil {
		return nil, err
	}

	if e.monitor.State().Online {
		go func() {
			if err := e.Drain(context.WithoutCancel(ctx)); err != nil {
				logging.Debug("opportunistic drain failed", logging.Fields{"error": err.Error()})
			}
		}()
	}
	return action, nil
}

// applyOptimistic performs the local-first write for a mutation. Deletes
// remove the row right away; the queued action carries the tombstone to the
// server.
func (e *Engine) applyOptimistic(m Mutation) error {
	switch m.Kind {
	case models.ActionDelete:
		if err := e.db.DeleteEntity(m.Target, m.TargetID); err != nil {
			return err
		}
		e.notify(models.ChangeEvent{Kind: m.Target, ID: m.TargetID, Origin: models.OriginLocal, Deleted: true})
		return nil
	case models.ActionCreate:
		entity := &models.Entity{
			ID:         m.TargetID,
			Kind:       m.Target,
			Payload:    m.Payload,
			UpdatedAt:  time.Now().UnixMilli(),
			SyncStatus: models.SyncDirty,
		}
		if err := e.db.UpsertEntity(entity); err != nil {
			return err
		}
		e.notify(models.ChangeEvent{Kind: m.Target, ID: m.TargetID, Origin: models.OriginLocal})
		return nil
	case models.ActionUpdate:
		var patch map[string]json.RawMessage
		if err := json.Unmarshal(m.Payload, &patch); err != nil {
			return apperrors.Wrap(apperrors.CodeClientError, "update payload is not a JSON object", err)
		}
		if _, err := e.db.UpdatePartial(m.Target, m.TargetID, patch); err != nil {
			return err
		}
		e.notify(models.ChangeEvent{Kind: m.Target, ID: m.TargetID, Origin: models.OriginLocal})
		return nil
	default:
		// Custom actions have no local projection; the server response will
		// bring any resulting entity state back through Apply.
		return nil
	}
}

// requestPayload wraps a raw gateway request queued while offline.
type requestPayload struct {
	Endpoint string          `json:"endpoint"`
	Method   string          `json:"method"`
	Body     json.RawMessage `json:"body,omitempty"`
}

// EnqueueRequest implements gateway.OfflineQueuer: a mutating request issued
// while offline becomes a custom pending action replayed on the next drain.
func (e *Engine) EnqueueRequest(endpoint, method string, body json.RawMessage) (*models.PendingAction, error) {
	payload, err := json.Marshal(requestPayload{Endpoint: endpoint, Method: method, Body: body})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "encode queued request", err)
	}

	now := time.Now()
	action := &models.PendingAction{
		ActionID:    uuid.NewString(),
		Kind:        models.ActionCustom,
		TargetKind:  kindFromEndpoint(endpoint),
		TargetID:    lastPathSegment(endpoint),
		Payload:     payload,
		Priority:    models.PriorityMedium,
		ScheduledAt: now.UnixMilli(),
		CreatedAt:   now.UnixMilli(),
		Status:      models.ActionPending,
	}
	if err := e.db.Enqueue(action); err != nil {
		return nil, err
	}
	return action, nil
}

// kindFromEndpoint maps a collection path to the entity kind it serves, e.g.
// /clans/c1 to clan. Unknown paths keep an empty kind; the server routes
// those by endpoint.
func kindFromEndpoint(endpoint string) models.EntityKind {
	seg := strings.SplitN(strings.TrimPrefix(endpoint, "/"), "/", 2)[0]
	seg = strings.TrimSuffix(seg, "s")
	if kind := models.EntityKind(seg); kind.Valid() {
		return kind
	}
	return ""
}

func lastPathSegment(endpoint string) string {
	trimmed := strings.Trim(endpoint, "/")
	if i := strings.LastIndexByte(trimmed, '/'); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}

// markLastSync records the completion instant of a successful sync pass.
func (e *Engine) markLastSync() {
	e.mu.Lock()
	e.lastSyncMs = time.Now().UnixMilli()
	e.mu.Unlock()
}
