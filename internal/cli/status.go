package cli

import (
	"encoding/json"
	"errors"
	"io/fs"
	"time"

	"github.com/spf13/cobra"

	"github.com/atlasbridge/atlasbridge/internal/api"
	"github.com/atlasbridge/atlasbridge/internal/audit"
	"github.com/atlasbridge/atlasbridge/internal/autopilot"
)

var (
	flagStatusJSON  bool
	flagStatusWatch bool

	flagLogsTail      int
	flagLogsSession   string
	flagLogsDecisions bool
)

func init() {
	statusCmd.Flags().BoolVar(&flagStatusJSON, "json", false, "print the raw status envelope")
	statusCmd.Flags().BoolVar(&flagStatusWatch, "watch", false, "refresh every two seconds until interrupted")
	logsCmd.Flags().IntVar(&flagLogsTail, "tail", 0, "only show the last N entries")
	logsCmd.Flags().StringVar(&flagLogsSession, "session", "", "only show entries for this session")
	logsCmd.Flags().BoolVar(&flagLogsDecisions, "decisions", false, "show the autopilot decision trace instead of the audit log")
	rootCmd.AddCommand(statusCmd, sessionsCmd, logsCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report daemon health, sessions, and autopilot state",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List supervised sessions",
	Args:  cobra.NoArgs,
	RunE:  runSessions,
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show the audit log or the autopilot decision trace",
	Args:  cobra.NoArgs,
	RunE:  runLogs,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c := newClient(cfg.SocketPath)

	for {
		var status api.StatusResponse
		if err := c.get(cmd.Context(), "/v1/status", &status); err != nil {
			return err
		}
		if flagStatusJSON {
			data, err := json.MarshalIndent(status, "", "  ")
			if err != nil {
				return err
			}
			cmd.Println(string(data))
		} else {
			cmd.Printf("daemon:    pid %d, up %s\n", status.PID, (time.Duration(status.UptimeSeconds) * time.Second).String())
			cmd.Printf("sessions:  %d active\n", status.ActiveSessions)
			cmd.Printf("prompts:   %d pending\n", status.PendingPrompts)
			paused := ""
			if status.AutopilotPaused {
				paused = " (paused)"
			}
			cmd.Printf("autopilot: %s%s\n", status.AutopilotMode, paused)
			if status.PolicyHash != "" {
				cmd.Printf("policy:    %s\n", status.PolicyHash)
			}
		}
		if !flagStatusWatch {
			return nil
		}
		select {
		case <-cmd.Context().Done():
			return nil
		case <-time.After(2 * time.Second):
			cmd.Println()
		}
	}
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c := newClient(cfg.SocketPath)

	var envelope api.SessionsEnvelope
	if err := c.get(cmd.Context(), "/v1/sessions", &envelope); err != nil {
		return err
	}
	if len(envelope.Sessions) == 0 {
		cmd.Println("no sessions")
		return nil
	}
	for _, s := range envelope.Sessions {
		label := s.Label
		if label == "" {
			label = "-"
		}
		cmd.Printf("%-36s  %-8s  %-8s  %-10s  %s\n",
			s.SessionID, s.Tool, s.Status, label, s.Cmdline)
	}
	return nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if flagLogsDecisions {
		return printDecisions(cmd, cfg.TracePath)
	}
	return printAudit(cmd, cfg.AuditPath)
}

func printAudit(cmd *cobra.Command, path string) error {
	entries, err := audit.Verify(path, 0, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cmd.Println("no audit log yet")
			return nil
		}
		return exitErr(codeCorrupt, err, "audit chain does not verify",
			"Run 'atlasbridge doctor' before trusting this log.")
	}
	if flagLogsSession != "" {
		entries = filterBySession(entries, flagLogsSession)
	}
	if flagLogsTail > 0 && len(entries) > flagLogsTail {
		entries = entries[len(entries)-flagLogsTail:]
	}
	for _, e := range entries {
		data := string(e.Data)
		if data == "" {
			data = "{}"
		}
		cmd.Printf("%6d  %s  %-24s  %s\n", e.Seq, e.TS, e.Kind, data)
	}
	return nil
}

func printDecisions(cmd *cobra.Command, path string) error {
	entries, err := autopilot.VerifyTrace(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cmd.Println("no decisions recorded yet")
			return nil
		}
		return exitErr(codeCorrupt, err, "decision trace does not verify",
			"Run 'atlasbridge doctor' before trusting this trace.")
	}
	if flagLogsSession != "" {
		kept := entries[:0]
		for _, e := range entries {
			if e.SessionID == flagLogsSession {
				kept = append(kept, e)
			}
		}
		entries = kept
	}
	if flagLogsTail > 0 && len(entries) > flagLogsTail {
		entries = entries[len(entries)-flagLogsTail:]
	}
	for _, e := range entries {
		rule := e.RuleID
		if rule == "" {
			rule = "-"
		}
		cmd.Printf("%6d  %s  %-12s  rule=%-16s  mode=%-6s  prompt=%s\n",
			e.Seq, e.TS, e.Action, rule, e.Mode, e.PromptID)
	}
	return nil
}

// filterBySession keeps audit entries whose data mentions the session.
// Audit payloads are flat string maps, so a direct field check suffices.
func filterBySession(entries []audit.Entry, sessionID string) []audit.Entry {
	kept := entries[:0]
	for _, e := range entries {
		var data struct {
			SessionID string `json:"session_id"`
		}
		if json.Unmarshal(e.Data, &data) == nil && data.SessionID == sessionID {
			kept = append(kept, e)
		}
	}
	return kept
}
