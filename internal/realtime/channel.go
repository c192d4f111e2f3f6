// Package realtime maintains the duplex socket that pushes server-side
// entity changes into the local store while the app is foregrounded.
package realtime

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/url"
	stdsync "sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clanhub/appcore/internal/config"
	"github.com/clanhub/appcore/internal/connectivity"
	"github.com/clanhub/appcore/internal/logging"
	"github.com/clanhub/appcore/internal/models"
	"github.com/clanhub/appcore/internal/sync"
)

// Frame is one server push message.
type Frame struct {
	Type          string          `json:"type"`
	TargetKind    models.EntityKind `json:"targetKind"`
	TargetID      string          `json:"targetId"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	ServerInstant int64           `json:"serverInstant"`
}

// Frame types the channel understands. Anything else is dropped with a log
// line so protocol additions don't break old clients.
const (
	FrameUpsert = "entity.upsert"
	FrameDelete = "entity.delete"
)

// Applier is the part of the sync engine the channel feeds.
type Applier interface {
	Apply(entity *models.Entity, origin models.ChangeOrigin) error
	IncrementalSync(ctx context.Context, kind models.EntityKind) (*sync.Result, error)
}

// Sessioner exposes whether credentials are currently available and the
// token to present on dial.
type Sessioner interface {
	Session() *models.AuthSession
}

const (
	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second
	readWait      = 60 * time.Second
	pingInterval  = 25 * time.Second
)

// Channel owns the single realtime connection: dialing, the bounded inbound
// buffer, reconnect backoff, and handing frames to the apply pipeline.
type Channel struct {
	cfg     config.RealtimeConfig
	applier Applier
	session Sessioner
	monitor connectivity.Monitor
	dialer  *websocket.Dialer

	stopCh chan struct{}
	wg     stdsync.WaitGroup

	mu        stdsync.Mutex
	running   bool
	connected bool
}

// New creates a Channel. Start must be called to open the connection.
func New(cfg config.RealtimeConfig, applier Applier, session Sessioner, monitor connectivity.Monitor) *Channel {
	return &Channel{
		cfg:     cfg,
		applier: applier,
		session: session,
		monitor: monitor,
		dialer:  websocket.DefaultDialer,
		stopCh:  make(chan struct{}),
	}
}

// Connected reports whether a socket is currently established.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Start launches the connection loop. Calling Start twice is a no-op.
func (c *Channel) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(ctx)
}

// Stop closes the connection and waits for the loop to exit.
func (c *Channel) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	close(c.stopCh)
	c.wg.Wait()
}

// run is the connection loop: connect, pump frames, back off, repeat.
// Backoff doubles from 1s to 30s with ±20% jitter and resets after a
// connection that actually established.
func (c *Channel) run(ctx context.Context) {
	defer c.wg.Done()

	backoff := reconnectBase
	for {
		if !c.waitReady(ctx) {
			return
		}

		connected, err := c.connectAndPump(ctx)
		if c.stopped(ctx) {
			return
		}
		if connected {
			backoff = reconnectBase
		}
		if err != nil {
			logging.Debug("realtime connection ended", logging.Fields{"error": err.Error()})
		}

		if !c.sleep(ctx, jitter(backoff)) {
			return
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// waitReady blocks until the channel may dial: online with a session.
// Returns false when stopped first.
func (c *Channel) waitReady(ctx context.Context) bool {
	for {
		if c.stopped(ctx) {
			return false
		}
		if c.monitor.State().Online && c.session.Session() != nil {
			return true
		}
		if !c.sleep(ctx, 250*time.Millisecond) {
			return false
		}
	}
}

func (c *Channel) stopped(ctx context.Context) bool {
	select {
	case <-c.stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (c *Channel) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

// connectAndPump dials, then reads frames into the bounded buffer while a
// dispatcher drains it into the apply pipeline. Returns whether the dial
// succeeded so the caller knows to reset the backoff.
func (c *Channel) connectAndPump(ctx context.Context) (bool, error) {
	session := c.session.Session()
	if session == nil {
		return false, nil
	}

	endpoint := c.cfg.URL + "?token=" + url.QueryEscape(session.AccessToken)
	conn, _, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
	}()
	logging.Info("realtime channel connected", nil)

	inbound := make(chan Frame, c.cfg.BufferCap)
	overflow := make(chan struct{}, 1)
	readerDone := make(chan error, 1)

	// Reader: socket to buffer. A full buffer means the consumer cannot
	// keep up; drop the connection and let incremental sync catch up.
	go func() {
		defer close(inbound)
		conn.SetReadDeadline(time.Now().Add(readWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readWait))
		})
		for {
			var frame Frame
			if err := conn.ReadJSON(&frame); err != nil {
				readerDone <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(readWait))
			select {
			case inbound <- frame:
			default:
				overflow <- struct{}{}
				readerDone <- nil
				return
			}
		}
	}()

	// Pinger keeps intermediaries from reaping the idle socket.
	pingStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			case <-pingStop:
				return
			}
		}
	}()
	defer close(pingStop)

	// Dispatcher: buffer to apply pipeline, on this goroutine.
	for {
		select {
		case <-c.stopCh:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return true, nil
		case <-ctx.Done():
			return true, ctx.Err()
		case <-overflow:
			conn.Close()
			c.drainRemaining(inbound)
			logging.Warn("realtime buffer overflow, falling back to incremental sync", logging.Fields{
				"capacity": c.cfg.BufferCap,
			})
			c.catchUp(ctx)
			return true, <-readerDone
		case frame, ok := <-inbound:
			if !ok {
				return true, <-readerDone
			}
			c.handleFrame(frame)
		}
	}
}

func (c *Channel) drainRemaining(inbound chan Frame) {
	for {
		select {
		case frame, ok := <-inbound:
			if !ok {
				return
			}
			c.handleFrame(frame)
		default:
			return
		}
	}
}

// handleFrame converts a push frame into an entity snapshot and applies it
// with origin realtime. Out-of-order frames are dropped by the monotonic
// rule inside Apply.
func (c *Channel) handleFrame(frame Frame) {
	switch frame.Type {
	case FrameUpsert, FrameDelete:
	default:
		logging.Debug("dropping unknown realtime frame", logging.Fields{"type": frame.Type})
		return
	}
	if !frame.TargetKind.Valid() || frame.TargetID == "" {
		logging.Warn("malformed realtime frame", logging.Fields{"type": frame.Type})
		return
	}

	entity := &models.Entity{
		ID:        frame.TargetID,
		Kind:      frame.TargetKind,
		UpdatedAt: frame.ServerInstant,
		Deleted:   frame.Type == FrameDelete,
	}
	if frame.Type == FrameUpsert {
		entity.Payload = frame.Payload
	}

	if err := c.applier.Apply(entity, models.OriginRealtime); err != nil {
		logging.Error("apply realtime frame", err, logging.Fields{
			"target": string(frame.TargetKind) + "/" + frame.TargetID,
		})
	}
}

// catchUp pulls every kind incrementally after the push stream lost data.
func (c *Channel) catchUp(ctx context.Context) {
	for _, kind := range models.Kinds {
		if _, err := c.applier.IncrementalSync(ctx, kind); err != nil {
			logging.Warn("catch-up sync failed", logging.Fields{
				"kind":  string(kind),
				"error": err.Error(),
			})
		}
	}
}

// jitter spreads d by ±20% so reconnecting fleets don't stampede.
func jitter(d time.Duration) time.Duration {
	delta := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * delta)
}
