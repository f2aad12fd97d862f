package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/atlasbridge/atlasbridge/internal/lab"
)

var flagLabAll bool

func init() {
	labRunCmd.Flags().BoolVar(&flagLabAll, "all", false, "run every scenario")
	labCmd.AddCommand(labRunCmd)
	rootCmd.AddCommand(labCmd)
}

var labCmd = &cobra.Command{
	Use:   "lab",
	Short: "Deterministic regression scenarios for the detection pipeline",
}

var labRunCmd = &cobra.Command{
	Use:   "run [scenario]",
	Short: "Run one scenario by ID, or all of them with --all",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLab,
}

func runLab(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	var outcomes []lab.Outcome
	switch {
	case flagLabAll:
		outcomes = lab.RunAll(ctx)
	case len(args) == 1:
		out, err := lab.Run(ctx, args[0])
		var unknown lab.ErrUnknownScenario
		if errors.As(err, &unknown) {
			return configErr(err, "no such scenario")
		}
		if err != nil {
			return err
		}
		outcomes = append(outcomes, out)
	default:
		return configErr(nil, "a scenario ID or --all is required")
	}

	failed := 0
	for _, out := range outcomes {
		verdict := "PASS"
		if !out.Passed {
			verdict = "FAIL"
			failed++
		}
		line := fmt.Sprintf("%s  %s  %s", verdict, out.ID, out.Description)
		if out.Detail != "" {
			line += "\n      " + out.Detail
		}
		cmd.Println(line)
	}
	if failed > 0 {
		return exitErr(codeGeneral, nil,
			fmt.Sprintf("%d of %d scenarios failed", failed, len(outcomes)),
			"Inspect the failure detail above.")
	}
	return nil
}
