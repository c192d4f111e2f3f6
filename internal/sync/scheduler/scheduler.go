// Package scheduler runs the sync engine in the background: periodic drains
// while online and an immediate drain when connectivity returns.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/clanhub/appcore/internal/connectivity"
	"github.com/clanhub/appcore/internal/logging"
	syncpkg "github.com/clanhub/appcore/internal/sync"
)

// Syncer is the part of the sync engine the scheduler drives.
type Syncer interface {
	Drain(ctx context.Context) error
	FullSync(ctx context.Context) (*syncpkg.Result, error)
}

// Scheduler triggers sync passes on a timer and on offline-to-online
// transitions. It never overlaps passes itself; the engine's single-flight
// drain absorbs any races with caller-triggered syncs.
type Scheduler struct {
	engine   Syncer
	monitor  connectivity.Monitor
	interval time.Duration

	stopCh      chan struct{}
	kickCh      chan struct{}
	unsubscribe func()
	wg          sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// New creates a Scheduler that fires every interval while online.
func New(engine Syncer, monitor connectivity.Monitor, interval time.Duration) *Scheduler {
	return &Scheduler{
		engine:   engine,
		monitor:  monitor,
		interval: interval,
		stopCh:   make(chan struct{}),
		kickCh:   make(chan struct{}, 1),
	}
}

// Start launches the background loop. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	wasOnline := s.monitor.State().Online
	s.unsubscribe = s.monitor.Subscribe(func(state connectivity.State) {
		if state.Online && !wasOnline {
			s.Kick()
		}
		wasOnline = state.Online
	})

	s.wg.Add(1)
	go s.loop(ctx)

	logging.Info("sync scheduler started", logging.Fields{"interval": s.interval.String()})
}

// Kick requests an immediate sync pass. Safe from any goroutine; coalesces
// with a pass already requested.
func (s *Scheduler) Kick() {
	select {
	case s.kickCh <- struct{}{}:
	default:
	}
}

// Stop shuts the loop down and waits for an in-progress pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	close(s.stopCh)
	s.wg.Wait()

	logging.Info("sync scheduler stopped", nil)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pass(ctx, false)
		case <-s.kickCh:
			s.pass(ctx, true)
		}
	}
}

// NotifyVisible signals that the app regained foreground visibility. The
// cursors may be arbitrarily stale after a long background stretch, so a
// full sync runs.
func (s *Scheduler) NotifyVisible() {
	s.Kick()
}

// pass runs one sync round. Timer passes drain the queue; kicked passes
// (connectivity or visibility regained) do a full sync to also catch up on
// server state.
func (s *Scheduler) pass(ctx context.Context, full bool) {
	if !s.monitor.State().Online {
		return
	}

	var err error
	if full {
		_, err = s.engine.FullSync(ctx)
	} else {
		err = s.engine.Drain(ctx)
	}
	if err != nil && ctx.Err() == nil {
		logging.Warn("scheduled sync pass failed", logging.Fields{
			"full":  full,
			"error": err.Error(),
		})
	}
}
