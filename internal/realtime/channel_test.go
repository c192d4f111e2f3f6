package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clanhub/appcore/internal/config"
	"github.com/clanhub/appcore/internal/connectivity"
	"github.com/clanhub/appcore/internal/models"
	syncpkg "github.com/clanhub/appcore/internal/sync"
)

type recordingApplier struct {
	applyDelay time.Duration

	mu       sync.Mutex
	applied  []*models.Entity
	origins  []models.ChangeOrigin
	caughtUp map[models.EntityKind]int
	byID     map[string]*models.Entity
}

func newRecordingApplier() *recordingApplier {
	return &recordingApplier{
		caughtUp: make(map[models.EntityKind]int),
		byID:     make(map[string]*models.Entity),
	}
}

func (r *recordingApplier) Apply(entity *models.Entity, origin models.ChangeOrigin) error {
	if r.applyDelay > 0 {
		time.Sleep(r.applyDelay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	// Mirror the store's monotonic rule so reorder tests reflect real
	// behavior: stale snapshots drop.
	if prev, ok := r.byID[entity.ID]; ok && entity.UpdatedAt <= prev.UpdatedAt {
		return nil
	}
	r.byID[entity.ID] = entity
	r.applied = append(r.applied, entity)
	r.origins = append(r.origins, origin)
	return nil
}

func (r *recordingApplier) IncrementalSync(ctx context.Context, kind models.EntityKind) (*syncpkg.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caughtUp[kind]++
	return &syncpkg.Result{}, nil
}

func (r *recordingApplier) appliedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.applied)
}

func (r *recordingApplier) current(id string) *models.Entity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id]
}

func (r *recordingApplier) catchUps(kind models.EntityKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.caughtUp[kind]
}

type staticSession struct {
	mu      sync.Mutex
	session *models.AuthSession
}

func (s *staticSession) Session() *models.AuthSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

func (s *staticSession) set(session *models.AuthSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = session
}

var upgrader = websocket.Upgrader{}

// wsServer runs handler for every websocket connection and returns the ws URL.
func wsServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startChannel(t *testing.T, url string, bufferCap int, applier Applier) (*Channel, *connectivity.ManualMonitor) {
	t.Helper()
	monitor := connectivity.NewManualMonitor(true)
	session := &staticSession{session: &models.AuthSession{AccessToken: "tok-1"}}
	ch := New(config.RealtimeConfig{URL: url, BufferCap: bufferCap}, applier, session, monitor)
	ch.Start(context.Background())
	t.Cleanup(ch.Stop)
	return ch, monitor
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestFramesReachApplyPipeline(t *testing.T) {
	applier := newRecordingApplier()
	url := wsServer(t, func(conn *websocket.Conn, r *http.Request) {
		assert.Equal(t, "tok-1", r.URL.Query().Get("token"))

		conn.WriteJSON(Frame{
			Type: FrameUpsert, TargetKind: models.KindContent, TargetID: "c1",
			Payload: json.RawMessage(`{"title":"pushed"}`), ServerInstant: 1000,
		})
		conn.WriteJSON(Frame{
			Type: FrameDelete, TargetKind: models.KindVote, TargetID: "v1",
			ServerInstant: 1001,
		})
		time.Sleep(time.Second)
	})

	startChannel(t, url, 16, applier)
	waitFor(t, func() bool { return applier.appliedCount() >= 2 })

	upserted := applier.current("c1")
	require.NotNil(t, upserted)
	assert.JSONEq(t, `{"title":"pushed"}`, string(upserted.Payload))
	assert.False(t, upserted.Deleted)

	deleted := applier.current("v1")
	require.NotNil(t, deleted)
	assert.True(t, deleted.Deleted)

	applier.mu.Lock()
	defer applier.mu.Unlock()
	for _, origin := range applier.origins {
		assert.Equal(t, models.OriginRealtime, origin)
	}
}

// An upsert whose payload is omitted is still an upsert; only delete frames
// tombstone entities.
func TestUpsertWithoutPayloadIsNotADeletion(t *testing.T) {
	applier := newRecordingApplier()
	url := wsServer(t, func(conn *websocket.Conn, r *http.Request) {
		conn.WriteJSON(Frame{
			Type: FrameUpsert, TargetKind: models.KindNotification, TargetID: "n1",
			ServerInstant: 1000,
		})
		time.Sleep(time.Second)
	})

	startChannel(t, url, 16, applier)
	waitFor(t, func() bool { return applier.appliedCount() >= 1 })

	got := applier.current("n1")
	require.NotNil(t, got)
	assert.False(t, got.Deleted)
}

func TestUnknownAndMalformedFramesDropped(t *testing.T) {
	applier := newRecordingApplier()
	url := wsServer(t, func(conn *websocket.Conn, r *http.Request) {
		conn.WriteJSON(Frame{Type: "presence.update", TargetKind: models.KindUser, TargetID: "u1", ServerInstant: 1})
		conn.WriteJSON(Frame{Type: FrameUpsert, TargetKind: "widget", TargetID: "w1", ServerInstant: 2})
		conn.WriteJSON(Frame{Type: FrameUpsert, TargetKind: models.KindUser, TargetID: "", ServerInstant: 3})
		conn.WriteJSON(Frame{Type: FrameUpsert, TargetKind: models.KindUser, TargetID: "u2",
			Payload: json.RawMessage(`{"ok":true}`), ServerInstant: 4})
		time.Sleep(time.Second)
	})

	startChannel(t, url, 16, applier)
	waitFor(t, func() bool { return applier.appliedCount() == 1 })
	assert.NotNil(t, applier.current("u2"))
}

// Frames delivered out of order converge to the newest state because stale
// serverInstants drop at apply time.
func TestOutOfOrderFramesConverge(t *testing.T) {
	applier := newRecordingApplier()
	url := wsServer(t, func(conn *websocket.Conn, r *http.Request) {
		conn.WriteJSON(Frame{Type: FrameUpsert, TargetKind: models.KindContent, TargetID: "c1",
			Payload: json.RawMessage(`{"v":3}`), ServerInstant: 3000})
		conn.WriteJSON(Frame{Type: FrameUpsert, TargetKind: models.KindContent, TargetID: "c1",
			Payload: json.RawMessage(`{"v":1}`), ServerInstant: 1000})
		conn.WriteJSON(Frame{Type: FrameUpsert, TargetKind: models.KindContent, TargetID: "c1",
			Payload: json.RawMessage(`{"v":2}`), ServerInstant: 2000})
		time.Sleep(time.Second)
	})

	startChannel(t, url, 16, applier)
	waitFor(t, func() bool { return applier.appliedCount() >= 1 })
	time.Sleep(100 * time.Millisecond)

	final := applier.current("c1")
	require.NotNil(t, final)
	assert.JSONEq(t, `{"v":3}`, string(final.Payload))
	assert.EqualValues(t, 3000, final.UpdatedAt)
}

// A burst beyond the buffer capacity drops the connection and falls back to
// incremental sync instead of losing changes silently.
func TestOverflowTriggersCatchUp(t *testing.T) {
	applier := newRecordingApplier()
	applier.applyDelay = 20 * time.Millisecond // consumer slower than the burst
	var dials int
	var mu sync.Mutex
	url := wsServer(t, func(conn *websocket.Conn, r *http.Request) {
		mu.Lock()
		dials++
		first := dials == 1
		mu.Unlock()
		if !first {
			time.Sleep(time.Second)
			return
		}
		for i := 0; i < 200; i++ {
			if err := conn.WriteJSON(Frame{
				Type: FrameUpsert, TargetKind: models.KindNotification, TargetID: "n1",
				Payload: json.RawMessage(`{"seq":1}`), ServerInstant: int64(i + 1),
			}); err != nil {
				return
			}
		}
		time.Sleep(time.Second)
	})

	// Tiny buffer and no consumer head start: the burst overflows.
	startChannel(t, url, 2, applier)

	waitFor(t, func() bool {
		return applier.catchUps(models.KindNotification) >= 1
	})
	// Every kind is caught up, not just the one that overflowed.
	for _, kind := range models.Kinds {
		assert.GreaterOrEqual(t, applier.catchUps(kind), 1, string(kind))
	}
}

func TestReconnectsAfterServerDrop(t *testing.T) {
	applier := newRecordingApplier()
	var dials int
	var mu sync.Mutex
	url := wsServer(t, func(conn *websocket.Conn, r *http.Request) {
		mu.Lock()
		dials++
		mu.Unlock()
		// Close immediately; the channel should come back.
	})

	startChannel(t, url, 16, applier)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dials >= 2
	})
}

func TestNoDialWhileOfflineOrLoggedOut(t *testing.T) {
	var dials int
	var mu sync.Mutex
	url := wsServer(t, func(conn *websocket.Conn, r *http.Request) {
		mu.Lock()
		dials++
		mu.Unlock()
		time.Sleep(time.Second)
	})

	applier := newRecordingApplier()
	monitor := connectivity.NewManualMonitor(false)
	session := &staticSession{} // logged out
	ch := New(config.RealtimeConfig{URL: url, BufferCap: 16}, applier, session, monitor)
	ch.Start(context.Background())
	defer ch.Stop()

	time.Sleep(400 * time.Millisecond)
	mu.Lock()
	assert.Zero(t, dials)
	mu.Unlock()

	// Going online is not enough without credentials.
	monitor.SetOnline(true)
	time.Sleep(400 * time.Millisecond)
	mu.Lock()
	assert.Zero(t, dials)
	mu.Unlock()

	// Credentials arrive: the channel dials.
	session.set(&models.AuthSession{AccessToken: "tok-2"})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dials >= 1
	})
}

func TestStopClosesConnection(t *testing.T) {
	connClosed := make(chan struct{})
	url := wsServer(t, func(conn *websocket.Conn, r *http.Request) {
		defer close(connClosed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	applier := newRecordingApplier()
	ch, _ := startChannel(t, url, 16, applier)
	waitFor(t, ch.Connected)

	ch.Stop()
	select {
	case <-connClosed:
	case <-time.After(2 * time.Second):
		t.Fatal("server never observed the close")
	}
	assert.False(t, ch.Connected())
}
