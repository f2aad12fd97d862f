package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/atlasbridge/atlasbridge/internal/audit"
	"github.com/atlasbridge/atlasbridge/internal/autopilot"
	"github.com/atlasbridge/atlasbridge/internal/config"
	"github.com/atlasbridge/atlasbridge/internal/daemon"
	"github.com/atlasbridge/atlasbridge/internal/db"
	"github.com/atlasbridge/atlasbridge/internal/logging"
	"github.com/atlasbridge/atlasbridge/internal/model"
	"github.com/atlasbridge/atlasbridge/internal/policy"
	"github.com/atlasbridge/atlasbridge/internal/router"
	"github.com/atlasbridge/atlasbridge/internal/session"
)

func main() {
	var (
		flagConfig   string
		flagStateDir string
		flagSocket   string
		flagLogLevel string
	)
	flag.StringVar(&flagConfig, "config", "", "path to config.toml")
	flag.StringVar(&flagStateDir, "state-dir", "", "state directory override")
	flag.StringVar(&flagSocket, "socket", "", "UDS path for the control API")
	flag.StringVar(&flagLogLevel, "log-level", "", "log level override")
	flag.Parse()

	if flagStateDir != "" {
		os.Setenv(config.EnvPrefix+"STATE_DIR", flagStateDir) //nolint:errcheck
	}
	cfg, err := config.Load(flagConfig)
	if err != nil {
		fatal(2, err)
	}
	if flagSocket != "" {
		cfg.SocketPath = flagSocket
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	if err := cfg.Validate(); err != nil {
		fatal(2, err)
	}

	logger, err := logging.New(cfg.LogLevel, true)
	if err != nil {
		fatal(2, err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.StateDir, config.DirMode); err != nil {
		fatal(1, err)
	}

	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		fatal(1, err)
	}
	defer store.Close() //nolint:errcheck
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		fatal(1, err)
	}

	auditLog, err := audit.Open(cfg.AuditPath)
	if err != nil {
		fatal(1, err)
	}
	defer auditLog.Close() //nolint:errcheck

	trace, err := autopilot.OpenTrace(cfg.TracePath)
	if err != nil {
		fatal(1, err)
	}
	defer trace.Close() //nolint:errcheck

	ch, err := daemon.BuildChannel(cfg, logger)
	if err != nil {
		fatal(2, err)
	}
	defer ch.Close() //nolint:errcheck
	if err := ch.Start(ctx); err != nil {
		fatal(1, err)
	}

	watcher, err := policy.NewWatcher(cfg.PolicyPath, logger)
	if err != nil {
		fatal(2, err)
	}
	go func() {
		if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("policy watcher stopped", zap.Error(err))
		}
	}()

	sessions := session.NewManager()
	engine, err := autopilot.New(ctx, store, ch, sessions, watcher, trace, auditLog, logger, autopilot.Config{
		OverrideWindow: cfg.OverrideWindow,
		StoreTimeout:   cfg.StoreTimeout,
		Allowlist:      cfg.Allowlist,
	})
	if err != nil {
		fatal(1, err)
	}
	defer engine.Close() //nolint:errcheck

	rt := router.New(store, ch, auditLog, sessions, engine, logger, router.Config{
		Allowlist:      cfg.Allowlist,
		DeliverTimeout: cfg.DeliverTimeout,
		StoreTimeout:   cfg.StoreTimeout,
	})
	go rt.Run(ctx)
	if err := rt.Recover(ctx); err != nil {
		logger.Warn("recovery of in-flight prompts failed", zap.Error(err))
	}

	sweeper := daemon.NewSweeper(store, rt, logger, cfg.SweepInterval)
	go sweeper.Run(ctx)

	if err := markOrphanedSessions(ctx, store); err != nil {
		logger.Warn("orphaned session sweep failed", zap.Error(err))
	}

	srv := daemon.NewServer(cfg, store, sessions, engine, watcher, logger)
	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	go func() {
		select {
		case <-srv.StopRequested():
			logger.Info("stop requested over the control api")
			stopRun()
		case <-runCtx.Done():
		}
	}()

	if err := srv.Start(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		fatal(1, err)
	}
}

// markOrphanedSessions closes sessions left active by a crashed supervisor
// so status output does not report ghosts.
func markOrphanedSessions(ctx context.Context, store *db.Store) error {
	sessions, err := store.ListSessions(ctx, true)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, sess := range sessions {
		if sess.PID != nil && *sess.PID > 0 && processAlive(int(*sess.PID)) {
			continue
		}
		if err := store.EndSession(ctx, sess.SessionID, model.SessionFailed, now); err != nil {
			return err
		}
	}
	return nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func fatal(code int, err error) {
	_, _ = fmt.Fprintf(os.Stderr, "atlasbridged: %v\n", err)
	os.Exit(code)
}
