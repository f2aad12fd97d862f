package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/atlasbridge/atlasbridge/internal/config"
	"github.com/atlasbridge/atlasbridge/internal/model"
	"github.com/atlasbridge/atlasbridge/internal/policy"
)

var (
	flagPolicyTool       string
	flagPolicyType       string
	flagPolicyText       string
	flagPolicyConfidence string
	flagPolicyLabel      string
	flagMigrateOut       string
)

func init() {
	policyTestCmd.Flags().StringVar(&flagPolicyTool, "tool", "claude", "tool name of the sample prompt")
	policyTestCmd.Flags().StringVar(&flagPolicyType, "type", "yes_no", "prompt type of the sample prompt")
	policyTestCmd.Flags().StringVar(&flagPolicyText, "text", "", "question text of the sample prompt")
	policyTestCmd.Flags().StringVar(&flagPolicyConfidence, "confidence", "high", "detection confidence of the sample prompt")
	policyTestCmd.Flags().StringVar(&flagPolicyLabel, "session-label", "", "session label of the sample prompt")
	policyExplainCmd.Flags().StringVar(&flagPolicyTool, "tool", "claude", "tool name of the sample prompt")
	policyExplainCmd.Flags().StringVar(&flagPolicyType, "type", "yes_no", "prompt type of the sample prompt")
	policyExplainCmd.Flags().StringVar(&flagPolicyText, "text", "", "question text of the sample prompt")
	policyExplainCmd.Flags().StringVar(&flagPolicyConfidence, "confidence", "high", "detection confidence of the sample prompt")
	policyExplainCmd.Flags().StringVar(&flagPolicyLabel, "session-label", "", "session label of the sample prompt")
	policyMigrateCmd.Flags().StringVarP(&flagMigrateOut, "out", "o", "", "write the migrated policy here instead of stdout")

	policyCmd.AddCommand(policyValidateCmd, policyTestCmd, policyExplainCmd, policyMigrateCmd)
	rootCmd.AddCommand(policyCmd)
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Validate, exercise, and migrate policy files",
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Parse and validate a policy file",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyValidate,
}

var policyTestCmd = &cobra.Command{
	Use:   "test [file]",
	Short: "Evaluate the policy against a sample prompt and explain the outcome",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPolicyTest,
}

var policyExplainCmd = &cobra.Command{
	Use:   "explain [file]",
	Short: "Walk the rules against a sample prompt, showing why each one missed",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPolicyExplain,
}

var policyMigrateCmd = &cobra.Command{
	Use:   "migrate <file>",
	Short: "Rewrite a legacy v0 policy file in the current schema",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyMigrate,
}

func runPolicyValidate(cmd *cobra.Command, args []string) error {
	p, err := policy.Load(args[0])
	if err != nil {
		return configErr(err, "policy file is invalid")
	}
	cmd.Printf("%s: %d rules, no-match action %s, hash %s\n", args[0], len(p.Rules), p.Defaults.NoMatch, p.Hash)
	return nil
}

func runPolicyTest(cmd *cobra.Command, args []string) error {
	p, err := loadPolicyArg(cmd, args)
	if err != nil {
		return err
	}
	d := p.Evaluate(sampleInput())

	cmd.Printf("action:  %s\n", d.Action)
	if d.Matched {
		cmd.Printf("rule:    %s\n", d.RuleID)
	} else {
		cmd.Println("rule:    (default action, no rule matched)")
	}
	if d.Reply != "" {
		cmd.Printf("reply:   %q\n", d.Reply)
	}
	if d.Reason != "" {
		cmd.Printf("reason:  %s\n", d.Reason)
	}
	cmd.Printf("policy:  %s\n", d.PolicyHash)
	return nil
}

func runPolicyExplain(cmd *cobra.Command, args []string) error {
	p, err := loadPolicyArg(cmd, args)
	if err != nil {
		return err
	}
	d, traces := p.Explain(sampleInput())
	for _, tr := range traces {
		if tr.Matched {
			cmd.Printf("rule %-24s MATCH\n", tr.RuleID)
			continue
		}
		cmd.Printf("rule %-24s miss on %s\n", tr.RuleID, tr.Failed)
	}
	if d.Matched {
		cmd.Printf("-> %s (rule %s)\n", d.Action, d.RuleID)
	} else {
		cmd.Printf("-> %s (default, no rule matched)\n", d.Action)
	}
	return nil
}

func loadPolicyArg(cmd *cobra.Command, args []string) (*policy.Policy, error) {
	path := ""
	if len(args) == 1 {
		path = args[0]
	} else {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		path = cfg.PolicyPath
	}
	p, err := policy.Load(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cmd.Println("no policy file, using defaults")
			return policy.Default(), nil
		}
		return nil, configErr(err, "policy file is invalid")
	}
	return p, nil
}

func sampleInput() policy.Input {
	return policy.Input{
		Tool:         flagPolicyTool,
		SessionLabel: flagPolicyLabel,
		Type:         model.PromptType(flagPolicyType),
		Confidence:   model.Confidence(flagPolicyConfidence),
		Text:         flagPolicyText,
	}
}

func runPolicyMigrate(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return configErr(err, "cannot read the policy file")
	}
	out, notes, err := policy.Migrate(data)
	if err != nil {
		return configErr(err, "policy file cannot be migrated")
	}
	for _, note := range notes {
		fmt.Fprintf(cmd.ErrOrStderr(), "note: %s\n", note)
	}
	if flagMigrateOut == "" {
		cmd.Print(string(out))
		return nil
	}
	if err := os.WriteFile(flagMigrateOut, out, config.FileMode); err != nil {
		return exitErr(codePermission, err, "cannot write the migrated policy",
			"Check write permission on "+flagMigrateOut+".")
	}
	cmd.Printf("migrated policy written to %s\n", flagMigrateOut)
	return nil
}
