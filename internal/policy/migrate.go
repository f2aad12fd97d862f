package policy

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// v0 schema, as written by early releases. The match block used tool_id,
// a single contains field with a contains_is_regex toggle, and a repo
// predicate that v1 no longer supports.
type v0Match struct {
	ToolID        string   `yaml:"tool_id,omitempty"`
	Repo          string   `yaml:"repo,omitempty"`
	SessionLabel  string   `yaml:"session_label,omitempty"`
	PromptType    string   `yaml:"prompt_type,omitempty"`
	MinConfidence string   `yaml:"min_confidence,omitempty"`
	Contains      string   `yaml:"contains,omitempty"`
	ContainsRegex bool     `yaml:"contains_is_regex,omitempty"`
	AnyOf         []string `yaml:"any_of,omitempty"`
	NoneOf        []string `yaml:"none_of,omitempty"`
}

type v0Rule struct {
	ID     string  `yaml:"id"`
	Match  v0Match `yaml:"match"`
	Action string  `yaml:"action"`
	Reply  string  `yaml:"reply,omitempty"`
	Reason string  `yaml:"reason,omitempty"`
}

type v0Policy struct {
	Version  int `yaml:"version"`
	Defaults struct {
		NoMatch       string `yaml:"no_match"`
		LowConfidence string `yaml:"low_confidence"`
	} `yaml:"defaults"`
	Rules []v0Rule `yaml:"rules"`
}

// Migrate converts v0 policy bytes to the current schema. It returns the
// migrated YAML, human-readable warnings for anything that could not be
// carried over, and an error when the input is not a valid v0 file.
// Decisions under the migrated policy match the v0 evaluator for every
// prompt: field renames are mechanical and the low_confidence default maps
// onto per-rule allow_low_confidence.
func Migrate(data []byte) ([]byte, []string, error) {
	var old v0Policy
	if err := yaml.Unmarshal(data, &old); err != nil {
		return nil, nil, fmt.Errorf("policy: migrate: parse v0: %w", err)
	}
	if old.Version >= CurrentVersion {
		return nil, nil, fmt.Errorf("policy: migrate: file is already version %d", old.Version)
	}

	allowLow := old.Defaults.LowConfidence == "allow"

	var warnings []string
	out := &Policy{Version: CurrentVersion}
	out.Defaults.NoMatch = old.Defaults.NoMatch
	if out.Defaults.NoMatch == "" {
		out.Defaults.NoMatch = "require_human"
	}
	for i, r := range old.Rules {
		nr := Rule{
			ID:     r.ID,
			Action: r.Action,
			Reply:  r.Reply,
			Reason: r.Reason,
			Match: Match{
				Tool:          r.Match.ToolID,
				SessionLabel:  r.Match.SessionLabel,
				PromptType:    r.Match.PromptType,
				MinConfidence: r.Match.MinConfidence,
				AnyOf:         r.Match.AnyOf,
				NoneOf:        r.Match.NoneOf,
			},
		}
		if r.Match.Contains != "" {
			if r.Match.ContainsRegex {
				nr.Match.TextRegex = r.Match.Contains
			} else {
				nr.Match.TextContains = r.Match.Contains
			}
		}
		if r.Match.Repo != "" {
			warnings = append(warnings, fmt.Sprintf(
				"rule %s: the repo predicate was removed in v1; match on session_label instead", ruleRef(r.ID, i)))
		}
		if allowLow && r.Action == "auto_reply" {
			nr.AllowLow = true
		}
		out.Rules = append(out.Rules, nr)
	}
	if allowLow {
		warnings = append(warnings,
			"defaults.low_confidence: allow became per-rule allow_low_confidence on every auto_reply rule")
	}

	migrated, err := yaml.Marshal(out)
	if err != nil {
		return nil, nil, fmt.Errorf("policy: migrate: encode v1: %w", err)
	}
	if _, err := Parse(migrated); err != nil {
		return nil, warnings, fmt.Errorf("policy: migrate: result does not validate: %w", err)
	}
	return migrated, warnings, nil
}

func ruleRef(id string, idx int) string {
	if id != "" {
		return fmt.Sprintf("%q", id)
	}
	return fmt.Sprintf("%d", idx+1)
}
