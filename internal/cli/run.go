package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atlasbridge/atlasbridge/internal/adapter"
	"github.com/atlasbridge/atlasbridge/internal/audit"
	"github.com/atlasbridge/atlasbridge/internal/autopilot"
	"github.com/atlasbridge/atlasbridge/internal/config"
	"github.com/atlasbridge/atlasbridge/internal/daemon"
	"github.com/atlasbridge/atlasbridge/internal/db"
	"github.com/atlasbridge/atlasbridge/internal/detect"
	"github.com/atlasbridge/atlasbridge/internal/logging"
	"github.com/atlasbridge/atlasbridge/internal/model"
	"github.com/atlasbridge/atlasbridge/internal/policy"
	"github.com/atlasbridge/atlasbridge/internal/router"
	"github.com/atlasbridge/atlasbridge/internal/session"
	"github.com/atlasbridge/atlasbridge/internal/supervisor"
)

func init() {
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run <tool> [args...]",
	Short: "Supervise one tool run, relaying its prompts to the configured channels",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, false)
	if err != nil {
		return configErr(err, "log level is invalid")
	}
	defer logger.Sync() //nolint:errcheck

	if err := os.MkdirAll(cfg.StateDir, config.DirMode); err != nil {
		return exitErr(codePermission, err, "cannot create the state directory",
			"Check ownership of "+cfg.StateDir+" or pass --state-dir.")
	}

	reg := adapter.DefaultRegistry()
	ad, ok := reg.Resolve(args[0])
	if !ok {
		return exitErr(codeEnvironment, nil,
			fmt.Sprintf("no adapter for tool %q", args[0]),
			"Supported tools: "+strings.Join(reg.Tools(), ", ")+".")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		return exitErr(codeCorrupt, err, "prompt store cannot be opened",
			"Run 'atlasbridge doctor' to inspect the state directory.")
	}
	defer store.Close() //nolint:errcheck
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		return exitErr(codeCorrupt, err, "prompt store schema migration failed",
			"Run 'atlasbridge doctor' to inspect the state directory.")
	}

	auditLog, err := audit.Open(cfg.AuditPath)
	if err != nil {
		return exitErr(codeCorrupt, err, "audit log cannot be opened",
			"Run 'atlasbridge doctor' to inspect the state directory.")
	}
	defer auditLog.Close() //nolint:errcheck

	trace, err := autopilot.OpenTrace(cfg.TracePath)
	if err != nil {
		return exitErr(codeEnvironment, err, "decision trace cannot be opened",
			"Check ownership of "+cfg.StateDir+".")
	}
	defer trace.Close() //nolint:errcheck

	ch, err := daemon.BuildChannel(cfg, logger)
	if err != nil {
		return configErr(err, "channel configuration is invalid")
	}
	defer ch.Close() //nolint:errcheck
	if err := ch.Start(ctx); err != nil {
		return exitErr(codeNetwork, err, "channel transport failed to start",
			"Check the channel credentials in config.toml.")
	}

	watcher, err := policy.NewWatcher(cfg.PolicyPath, logger)
	if err != nil {
		return configErr(err, "policy file is invalid")
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
		return err
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

	prompts := make(chan model.PromptEvent, 16)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-prompts:
				if err := rt.HandlePrompt(ctx, ev); err != nil {
					logger.Error("prompt routing failed",
						zap.String("prompt_id", ev.PromptID), zap.Error(err))
				}
			}
		}
	}()

	det := detect.New(ad, logger, detect.WithSilence(cfg.Silence))
	sup := supervisor.New(store, auditLog, ad, det, logger, prompts, supervisor.Config{
		TTL:           cfg.TTL,
		InjectTimeout: cfg.InjectTimeout,
		Grace:         cfg.Grace,
		StoreTimeout:  cfg.StoreTimeout,
		Label:         cfg.Label,
		Stdin:         os.Stdin,
		Stdout:        os.Stdout,
	})

	if err := sup.Start(ctx, args); err != nil {
		return exitErr(codeEnvironment, err,
			fmt.Sprintf("cannot start %q", args[0]),
			"Check that the tool is installed and on PATH.")
	}
	sessions.Register(sup)
	defer sessions.Deregister(sup.SessionID())

	err = sup.Run(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return exitErr(codeInterrupted, nil, "interrupted",
			"The child was stopped and the session closed cleanly.")
	default:
		var exitErrC *exec.ExitError
		if errors.As(err, &exitErrC) {
			return exitErr(codeGeneral, nil,
				fmt.Sprintf("%s exited with status %d", args[0], exitErrC.ExitCode()),
				"Inspect the session transcript with 'atlasbridge logs'.")
		}
		return err
	}
}
