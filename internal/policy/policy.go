// Package policy implements the user-supplied rule list that drives the
// autopilot engine. Rules are evaluated in order; the first match wins.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/atlasbridge/atlasbridge/internal/model"
)

// CurrentVersion is the policy schema version this build writes and expects.
const CurrentVersion = 1

// Match is the predicate of one rule. Empty fields match anything.
type Match struct {
	Tool          string   `yaml:"tool,omitempty"`
	SessionLabel  string   `yaml:"session_label,omitempty"`
	PromptType    string   `yaml:"prompt_type,omitempty"`
	MinConfidence string   `yaml:"min_confidence,omitempty"`
	MaxConfidence string   `yaml:"max_confidence,omitempty"`
	TextContains  string   `yaml:"text_contains,omitempty"`
	TextRegex     string   `yaml:"text_regex,omitempty"`
	AnyOf         []string `yaml:"any_of,omitempty"`
	NoneOf        []string `yaml:"none_of,omitempty"`
}

// Rule is one ordered policy rule.
type Rule struct {
	ID     string `yaml:"id"`
	Match  Match  `yaml:"match"`
	Action string `yaml:"action"`
	Reply  string `yaml:"reply,omitempty"`
	// AllowLow lets an auto_reply rule fire on low-confidence prompts,
	// which otherwise always go to the human.
	AllowLow bool   `yaml:"allow_low_confidence,omitempty"`
	Reason   string `yaml:"reason,omitempty"`
}

// Defaults configures behaviour when no rule matches.
type Defaults struct {
	NoMatch string `yaml:"no_match"`
}

// Policy is the parsed, validated policy file.
type Policy struct {
	Version  int      `yaml:"version"`
	Defaults Defaults `yaml:"defaults"`
	Rules    []Rule   `yaml:"rules"`

	// Hash is the SHA-256 of the raw file bytes, recorded in every
	// decision trace entry.
	Hash string `yaml:"-"`

	compiled []*regexp.Regexp
}

// Default returns the built-in policy: no rules, everything to the human.
func Default() *Policy {
	h := sha256.Sum256(nil)
	return &Policy{
		Version:  CurrentVersion,
		Defaults: Defaults{NoMatch: string(model.ActionRequireHuman)},
		Hash:     "sha256:" + hex.EncodeToString(h[:]),
	}
}

// Load reads, parses, and validates a policy file. A missing file yields the
// default policy.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses and validates policy bytes.
func Parse(data []byte) (*Policy, error) {
	p := &Policy{
		Version:  CurrentVersion,
		Defaults: Defaults{NoMatch: string(model.ActionRequireHuman)},
	}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("policy: parse: %w", err)
	}
	sum := sha256.Sum256(data)
	p.Hash = "sha256:" + hex.EncodeToString(sum[:])
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks schema version, rule shape, and safety constraints, and
// compiles every text_regex.
func (p *Policy) Validate() error {
	if p.Version != CurrentVersion {
		return fmt.Errorf("policy: unsupported version %d (current is %d; run policy migrate)", p.Version, CurrentVersion)
	}
	switch model.PolicyAction(p.Defaults.NoMatch) {
	case model.ActionRequireHuman, model.ActionNotifyOnly:
	case "":
		p.Defaults.NoMatch = string(model.ActionRequireHuman)
	default:
		return fmt.Errorf("policy: defaults.no_match %q must keep a human in the loop", p.Defaults.NoMatch)
	}

	seen := map[string]bool{}
	p.compiled = make([]*regexp.Regexp, len(p.Rules))
	for i, rule := range p.Rules {
		where := fmt.Sprintf("rule %d", i+1)
		if rule.ID != "" {
			where = fmt.Sprintf("rule %q", rule.ID)
			if seen[rule.ID] {
				return fmt.Errorf("policy: duplicate rule id %q", rule.ID)
			}
			seen[rule.ID] = true
		}

		switch model.PolicyAction(rule.Action) {
		case model.ActionAutoReply:
			if rule.Reply == "" {
				return fmt.Errorf("policy: %s: auto_reply needs a reply value", where)
			}
		case model.ActionDeny, model.ActionRequireHuman, model.ActionNotifyOnly:
		default:
			return fmt.Errorf("policy: %s: unknown action %q", where, rule.Action)
		}

		if rule.Match.PromptType != "" && !validPromptType(rule.Match.PromptType) {
			return fmt.Errorf("policy: %s: unknown prompt_type %q", where, rule.Match.PromptType)
		}
		for _, c := range []string{rule.Match.MinConfidence, rule.Match.MaxConfidence} {
			if c != "" && confRank(model.Confidence(c)) < 0 {
				return fmt.Errorf("policy: %s: unknown confidence %q", where, c)
			}
		}
		if rule.Match.TextRegex != "" {
			re, err := regexp.Compile(rule.Match.TextRegex)
			if err != nil {
				return fmt.Errorf("policy: %s: text_regex: %w", where, err)
			}
			p.compiled[i] = re
		}
	}
	return nil
}

func validPromptType(s string) bool {
	switch model.PromptType(s) {
	case model.PromptYesNo, model.PromptMultipleChoice, model.PromptConfirmEnter, model.PromptFreeText, model.PromptUnknown:
		return true
	}
	return false
}

// confRank orders confidences low < medium < high. Unknown values rank -1.
func confRank(c model.Confidence) int {
	switch c {
	case model.ConfidenceLow:
		return 0
	case model.ConfidenceMedium:
		return 1
	case model.ConfidenceHigh:
		return 2
	}
	return -1
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
