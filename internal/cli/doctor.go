package cli

import (
	"github.com/spf13/cobra"

	"github.com/atlasbridge/atlasbridge/internal/doctor"
)

var flagDoctorFix bool

func init() {
	doctorCmd.Flags().BoolVar(&flagDoctorFix, "fix", false, "repair directories and file modes in place")
	rootCmd.AddCommand(doctorCmd)
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the state directory, file modes, store, audit chain, and policy",
	Args:  cobra.NoArgs,
	RunE:  runDoctor,
}

func runDoctor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	results, code := doctor.Run(cmd.Context(), cfg, flagDoctorFix)
	for _, r := range results {
		mark := "✓"
		if !r.OK {
			mark = "✗"
		}
		line := mark + " " + pad(r.Label+":", 20) + " " + r.Detail
		if !r.OK && r.Fix != "" {
			line += "  ->  " + r.Fix
		}
		cmd.Println(line)
	}
	if code != 0 {
		cmd.Println()
		return exitErr(code, nil, "some checks failed",
			"Apply the suggested fixes or rerun with --fix.")
	}
	cmd.Println()
	cmd.Println("All checks passed.")
	return nil
}

func pad(s string, width int) string {
	for len(s) < width {
		s += " "
	}
	return s
}
