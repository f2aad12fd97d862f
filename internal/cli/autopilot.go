package cli

import (
	"github.com/spf13/cobra"

	"github.com/atlasbridge/atlasbridge/internal/api"
)

func init() {
	autopilotCmd.AddCommand(autopilotModeCmd, autopilotPauseCmd, autopilotResumeCmd)
	rootCmd.AddCommand(autopilotCmd)
}

var autopilotCmd = &cobra.Command{
	Use:   "autopilot",
	Short: "Control how much authority the policy engine has",
}

var autopilotModeCmd = &cobra.Command{
	Use:       "mode {off|assist|full}",
	Short:     "Set the autopilot mode",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"off", "assist", "full"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return postAutopilot(cmd, api.AutopilotRequest{Mode: args[0]})
	},
}

var autopilotPauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause autopilot without losing the configured mode",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		paused := true
		return postAutopilot(cmd, api.AutopilotRequest{Paused: &paused})
	},
}

var autopilotResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a paused autopilot",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		paused := false
		return postAutopilot(cmd, api.AutopilotRequest{Paused: &paused})
	},
}

func postAutopilot(cmd *cobra.Command, req api.AutopilotRequest) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	var resp api.AutopilotResponse
	if err := newClient(cfg.SocketPath).post(cmd.Context(), "/v1/autopilot", req, &resp); err != nil {
		return err
	}
	state := "running"
	if resp.Paused {
		state = "paused"
	}
	cmd.Printf("autopilot %s, %s\n", resp.Mode, state)
	return nil
}
