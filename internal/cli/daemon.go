package cli

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/atlasbridge/atlasbridge/internal/api"
)

func init() {
	rootCmd.AddCommand(startCmd, stopCmd)
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the relay daemon in the background",
	Args:  cobra.NoArgs,
	RunE:  runStart,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Ask the running daemon to shut down",
	Args:  cobra.NoArgs,
	RunE:  runStop,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	c := newClient(cfg.SocketPath)
	if err := c.get(ctx, "/v1/health", nil); err == nil {
		cmd.Println("daemon already running")
		return nil
	}

	bin, err := daemonBinary()
	if err != nil {
		return exitErr(codeEnvironment, err, "cannot locate the atlasbridged binary",
			"Install atlasbridged next to atlasbridge or add it to PATH.")
	}

	daemonCmd := exec.Command(bin)
	daemonCmd.Env = os.Environ()
	if flagConfig != "" {
		daemonCmd.Args = append(daemonCmd.Args, "--config", flagConfig)
	}
	if flagStateDir != "" {
		daemonCmd.Args = append(daemonCmd.Args, "--state-dir", flagStateDir)
	}
	daemonCmd.Stdout = nil
	daemonCmd.Stderr = nil
	daemonCmd.SysProcAttr = detachedProcAttr()
	if err := daemonCmd.Start(); err != nil {
		return exitErr(codePermission, err, "cannot spawn the daemon",
			"Check execute permission on "+bin+".")
	}
	// The child outlives us; release it so it is never left as a zombie
	// waiting on this process.
	if err := daemonCmd.Process.Release(); err != nil {
		return err
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		var health api.HealthResponse
		if err := c.get(ctx, "/v1/health", &health); err == nil {
			cmd.Printf("daemon running (version %s, socket %s)\n", health.Version, cfg.SocketPath)
			return nil
		}
		if time.Now().After(deadline) {
			return exitErr(codeGeneral, nil, "daemon did not become healthy within 5s",
				"Inspect its log output or run 'atlasbridge doctor'.")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	c := newClient(cfg.SocketPath)
	if err := c.post(cmd.Context(), "/v1/stop", struct{}{}, nil); err != nil {
		var ce *codedError
		if errors.As(err, &ce) && ce.code == codeNetwork {
			cmd.Println("daemon not running")
			return nil
		}
		return err
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := c.get(cmd.Context(), "/v1/health", nil); err != nil {
			cmd.Println("daemon stopped")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	cmd.Println("stop requested, daemon still draining sessions")
	return nil
}

// daemonBinary prefers an atlasbridged sitting next to the current
// executable and falls back to PATH.
func daemonBinary() (string, error) {
	if self, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(self), "atlasbridged")
		if info, err := os.Stat(sibling); err == nil && !info.IsDir() {
			return sibling, nil
		}
	}
	return exec.LookPath("atlasbridged")
}
