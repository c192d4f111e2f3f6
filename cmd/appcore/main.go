// Command appcore runs the offline-first data core as a standalone process:
// local store, request gateway, sync engine and realtime channel wired
// together. Mobile shells embed the same packages; this binary is the
// desktop/dev harness.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/clanhub/appcore/internal/config"
	"github.com/clanhub/appcore/internal/connectivity"
	"github.com/clanhub/appcore/internal/gateway"
	"github.com/clanhub/appcore/internal/keystore"
	"github.com/clanhub/appcore/internal/logging"
	"github.com/clanhub/appcore/internal/realtime"
	"github.com/clanhub/appcore/internal/store"
	syncengine "github.com/clanhub/appcore/internal/sync"
	"github.com/clanhub/appcore/internal/sync/scheduler"
)

// Version is set at build time.
var Version = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "appcore: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logging.Init(os.Stderr, cfg.Log.Level)
	logging.Info("appcore starting", logging.Fields{
		"version":  Version,
		"base_url": cfg.Server.BaseURL,
		"data_dir": cfg.Store.DataDir,
	})

	db, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	// Actions stranded in flight by a previous crash go back to pending.
	if err := db.RequeueInFlight(); err != nil {
		return err
	}
	if removed, err := db.CacheSweep(); err != nil {
		logging.Warn("cache sweep failed", logging.Fields{"error": err.Error()})
	} else if removed > 0 {
		logging.Debug("cache sweep removed expired entries", logging.Fields{"removed": removed})
	}

	ks, err := keystore.OpenFile(filepath.Join(cfg.Store.DataDir, "keys"), []byte(cfg.Store.KeystoreSecret))
	if err != nil {
		return err
	}
	monitor := connectivity.NewManualMonitor(true)
	gw := gateway.New(cfg.Server, ks, monitor, db)

	if session, err := gw.RestoreSession(); err != nil {
		logging.Warn("session restore failed", logging.Fields{"error": err.Error()})
	} else if session != nil {
		logging.Info("session restored", logging.Fields{"subject": session.SubjectID})
	}

	engine := syncengine.New(db, gw, monitor, cfg.Sync)
	engine.SubscribeFailures(func(n syncengine.FailureNotice) {
		logging.Warn("mutation permanently failed", logging.Fields{
			"action_id": n.Action.ActionID,
			"target":    string(n.Action.TargetKind) + "/" + n.Action.TargetID,
			"message":   n.Message,
		})
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := scheduler.New(engine, monitor, cfg.Sync.PeriodicSync)
	sched.Start(ctx)

	channel := realtime.New(cfg.Realtime, engine, gw, monitor)
	channel.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logging.Info("shutting down", logging.Fields{"signal": sig.String()})

	channel.Stop()
	sched.Stop()

	// One last best-effort drain so queued work survives in the smallest
	// possible backlog.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer drainCancel()
	if err := engine.Drain(drainCtx); err != nil {
		logging.Warn("final drain incomplete", logging.Fields{"error": err.Error()})
	}

	cancel()
	return nil
}
