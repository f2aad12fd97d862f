// Package cli implements the atlasbridge command surface. Commands either
// run a supervised session in-process or talk to the daemon over its unix
// control socket; every failure exits with a stable code and a single
// cause plus remedy sentence on stderr.
package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/atlasbridge/atlasbridge/internal/config"
)

var (
	flagConfig   string
	flagStateDir string
	flagSocket   string
	flagLogLevel string
	flagLabel    string
	flagAllow    []string
)

var rootCmd = &cobra.Command{
	Use:           "atlasbridge",
	Short:         "Relay interactive CLI prompts to a messaging channel and inject the replies",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "path to config.toml")
	pf.StringVar(&flagStateDir, "state-dir", "", "state directory override")
	pf.StringVar(&flagSocket, "socket", "", "daemon control socket override")
	pf.StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&flagLabel, "label", "", "human tag for the session")
	pf.StringArrayVar(&flagAllow, "allow", nil, "channel identity allowed to reply (repeatable)")
}

// loadConfig resolves the settings snapshot and applies flag overrides,
// which sit above every other source.
func loadConfig() (config.Config, error) {
	if flagStateDir != "" {
		if err := os.Setenv(config.EnvPrefix+"STATE_DIR", flagStateDir); err != nil {
			return config.Config{}, err
		}
	}
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return config.Config{}, configErr(err, "configuration is invalid")
	}
	if flagSocket != "" {
		cfg.SocketPath = flagSocket
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	if flagLabel != "" {
		cfg.Label = flagLabel
	}
	if len(flagAllow) > 0 {
		cfg.Allowlist = flagAllow
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, configErr(err, "configuration is invalid")
	}
	return cfg, nil
}

// Execute runs the command line and returns the process exit code.
func Execute(ctx context.Context, args []string) int {
	rootCmd.SetArgs(args)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		return report(os.Stderr, err)
	}
	return codeOK
}
