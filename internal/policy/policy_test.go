package policy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/atlasbridge/atlasbridge/internal/model"
)

const samplePolicy = `
version: 1
defaults:
  no_match: require_human
rules:
  - id: deny-force-push
    match:
      text_regex: "(?i)force.push"
    action: deny
    reply: "n"
    reason: never force push unattended
  - id: approve-tests
    match:
      tool: claude
      prompt_type: yes_no
      min_confidence: high
      text_contains: "run tests"
    action: auto_reply
    reply: "y"
  - id: quiet-notices
    match:
      prompt_type: confirm_enter
    action: notify_only
`

func TestLoadMissingFileYieldsDefault(t *testing.T) {
	p, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(p.Rules) != 0 || p.Defaults.NoMatch != string(model.ActionRequireHuman) {
		t.Fatalf("unexpected default policy %+v", p)
	}
	if !strings.HasPrefix(p.Hash, "sha256:") {
		t.Fatalf("default policy must carry a hash, got %q", p.Hash)
	}
}

func TestParseValidatesAndHashes(t *testing.T) {
	p, err := Parse([]byte(samplePolicy))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(p.Rules) != 3 {
		t.Fatalf("expected 3 rules, got %d", len(p.Rules))
	}
	if !strings.HasPrefix(p.Hash, "sha256:") || len(p.Hash) != len("sha256:")+64 {
		t.Fatalf("unexpected hash %q", p.Hash)
	}
	again, err := Parse([]byte(samplePolicy))
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if again.Hash != p.Hash {
		t.Fatalf("hash must be stable over identical bytes")
	}
}

func TestValidateRejectsBadPolicies(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"bad version", "version: 7\nrules: []", "unsupported version"},
		{"unsafe default", "version: 1\ndefaults:\n  no_match: auto_reply", "keep a human in the loop"},
		{"unknown action", "version: 1\nrules:\n  - id: r1\n    action: explode", "unknown action"},
		{"auto_reply without reply", "version: 1\nrules:\n  - id: r1\n    action: auto_reply", "needs a reply"},
		{"duplicate ids", "version: 1\nrules:\n  - id: r1\n    action: deny\n  - id: r1\n    action: deny", "duplicate rule id"},
		{"bad regex", "version: 1\nrules:\n  - id: r1\n    match:\n      text_regex: \"(\"\n    action: deny", "text_regex"},
		{"bad confidence", "version: 1\nrules:\n  - id: r1\n    match:\n      min_confidence: enormous\n    action: deny", "unknown confidence"},
		{"bad prompt type", "version: 1\nrules:\n  - id: r1\n    match:\n      prompt_type: riddle\n    action: deny", "unknown prompt_type"},
	}
	for _, tc := range cases {
		_, err := Parse([]byte(tc.yaml))
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected error containing %q, got %v", tc.name, tc.want, err)
		}
	}
}

func TestEvaluateFirstMatchWins(t *testing.T) {
	p, err := Parse([]byte(samplePolicy))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	d := p.Evaluate(Input{
		Tool:       "claude",
		Type:       model.PromptYesNo,
		Confidence: model.ConfidenceHigh,
		Text:       "Force push to main? [y/N]",
	})
	if d.RuleID != "deny-force-push" || d.Action != model.ActionDeny {
		t.Fatalf("expected deny rule to win, got %+v", d)
	}
	if d.PolicyHash != p.Hash {
		t.Fatalf("decision must carry the policy hash")
	}

	d = p.Evaluate(Input{
		Tool:       "claude",
		Type:       model.PromptYesNo,
		Confidence: model.ConfidenceHigh,
		Text:       "Shall I run tests now? [y/n]",
	})
	if d.RuleID != "approve-tests" || d.Action != model.ActionAutoReply || d.Reply != "y" {
		t.Fatalf("expected auto_reply rule, got %+v", d)
	}
}

func TestEvaluateConfidenceRange(t *testing.T) {
	p, err := Parse([]byte(samplePolicy))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	d := p.Evaluate(Input{
		Tool:       "claude",
		Type:       model.PromptYesNo,
		Confidence: model.ConfidenceMedium,
		Text:       "run tests?",
	})
	if d.Matched {
		t.Fatalf("medium confidence must not satisfy min_confidence high, got %+v", d)
	}
	if d.Action != model.ActionRequireHuman {
		t.Fatalf("no match must fall back to defaults, got %s", d.Action)
	}
}

func TestEvaluateAnyOfNoneOf(t *testing.T) {
	p, err := Parse([]byte(`
version: 1
rules:
  - id: safe-ops
    match:
      any_of: ["git status", "git diff"]
      none_of: ["--hard"]
    action: auto_reply
    reply: "y"
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d := p.Evaluate(Input{Text: "Run GIT STATUS now?"}); d.RuleID != "safe-ops" {
		t.Fatalf("any_of must match case-insensitively, got %+v", d)
	}
	if d := p.Evaluate(Input{Text: "git diff then reset --hard?"}); d.Matched {
		t.Fatalf("none_of must veto the match, got %+v", d)
	}
	if d := p.Evaluate(Input{Text: "rm -rf /"}); d.Matched {
		t.Fatalf("no any_of term present must not match, got %+v", d)
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	p, err := Parse([]byte(samplePolicy))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	in := Input{Tool: "claude", Type: model.PromptYesNo, Confidence: model.ConfidenceHigh, Text: "force push?"}
	first := p.Evaluate(in)
	for i := 0; i < 50; i++ {
		if got := p.Evaluate(in); got != first {
			t.Fatalf("evaluation diverged at round %d: %+v vs %+v", i, got, first)
		}
	}
}

const v0Sample = `
version: 0
defaults:
  no_match: require_human
  low_confidence: allow
rules:
  - id: deny-force-push
    match:
      tool_id: claude
      contains: "force.push"
      contains_is_regex: true
    action: deny
    reply: "n"
  - id: approve-tests
    match:
      tool_id: claude
      prompt_type: yes_no
      min_confidence: high
      contains: "run tests"
    action: auto_reply
    reply: "y"
`

func TestMigratePreservesDecisions(t *testing.T) {
	migrated, warnings, err := Migrate([]byte(v0Sample))
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	p, err := Parse(migrated)
	if err != nil {
		t.Fatalf("parse migrated: %v", err)
	}
	if p.Version != CurrentVersion {
		t.Fatalf("expected version %d, got %d", CurrentVersion, p.Version)
	}

	d := p.Evaluate(Input{Tool: "claude", Type: model.PromptYesNo, Confidence: model.ConfidenceHigh, Text: "Force push? [y/N]"})
	if d.RuleID != "deny-force-push" || d.Action != model.ActionDeny {
		t.Fatalf("regex contains must survive migration, got %+v", d)
	}
	d = p.Evaluate(Input{Tool: "claude", Type: model.PromptYesNo, Confidence: model.ConfidenceHigh, Text: "run tests?"})
	if d.RuleID != "approve-tests" || !d.AllowLow {
		t.Fatalf("low_confidence allow must become allow_low_confidence, got %+v", d)
	}
	found := false
	for _, w := range warnings {
		if strings.Contains(w, "allow_low_confidence") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a low_confidence warning, got %v", warnings)
	}
}

func TestMigrateDropsRepoWithWarning(t *testing.T) {
	_, warnings, err := Migrate([]byte(`
version: 0
rules:
  - id: r1
    match:
      repo: infra
    action: deny
`))
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "repo") {
		t.Fatalf("expected repo warning, got %v", warnings)
	}
}

func TestMigrateRejectsCurrentVersion(t *testing.T) {
	if _, _, err := Migrate([]byte("version: 1\nrules: []")); err == nil {
		t.Fatalf("expected already-migrated error")
	}
}

func TestWatcherKeepsOldPolicyOnBadReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte(samplePolicy), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	w, err := NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	t.Cleanup(func() { _ = w.watcher.Close() })
	orig := w.Current()
	if len(orig.Rules) != 3 {
		t.Fatalf("expected initial policy loaded")
	}

	var reloadErr error
	w.OnError = func(err error) { reloadErr = err }
	if err := os.WriteFile(path, []byte("version: 1\nrules:\n  - action: explode"), 0o600); err != nil {
		t.Fatalf("write bad policy: %v", err)
	}
	w.reload()
	if reloadErr == nil {
		t.Fatalf("expected reload error to be surfaced")
	}
	if w.Current().Hash != orig.Hash {
		t.Fatalf("bad reload must keep the previous policy")
	}

	var swapped *Policy
	w.OnReload = func(p *Policy) { swapped = p }
	good := strings.Replace(samplePolicy, "quiet-notices", "quiet-notes", 1)
	if err := os.WriteFile(path, []byte(good), 0o600); err != nil {
		t.Fatalf("write good policy: %v", err)
	}
	w.reload()
	if swapped == nil || w.Current().Hash == orig.Hash {
		t.Fatalf("good reload must swap the policy")
	}
}

func TestExplainTracesEveryConsideredRule(t *testing.T) {
	p, err := Parse([]byte(samplePolicy))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	d, traces := p.Explain(Input{
		Tool:       "claude",
		Type:       model.PromptYesNo,
		Confidence: model.ConfidenceHigh,
		Text:       "Shall I run tests now? [y/n]",
	})
	if d.RuleID != "approve-tests" {
		t.Fatalf("decision = %+v", d)
	}
	if len(traces) != 2 {
		t.Fatalf("traces = %+v, want walk to stop at the match", traces)
	}
	if traces[0].RuleID != "deny-force-push" || traces[0].Matched || traces[0].Failed != "text_regex" {
		t.Fatalf("first trace = %+v", traces[0])
	}
	if traces[1].RuleID != "approve-tests" || !traces[1].Matched || traces[1].Failed != "" {
		t.Fatalf("second trace = %+v", traces[1])
	}
}

func TestExplainNoMatchWalksAllRules(t *testing.T) {
	p, err := Parse([]byte(samplePolicy))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	d, traces := p.Explain(Input{
		Tool:       "codex",
		Type:       model.PromptFreeText,
		Confidence: model.ConfidenceMedium,
		Text:       "Enter commit message:",
	})
	if d.Matched {
		t.Fatalf("decision = %+v, want default", d)
	}
	if d.Action != model.ActionRequireHuman {
		t.Fatalf("action = %s", d.Action)
	}
	if len(traces) != len(p.Rules) {
		t.Fatalf("traces = %d, want %d", len(traces), len(p.Rules))
	}
	for _, tr := range traces {
		if tr.Matched || tr.Failed == "" {
			t.Fatalf("trace %+v should name a failed criterion", tr)
		}
	}
}

func TestExplainAgreesWithEvaluate(t *testing.T) {
	p, err := Parse([]byte(samplePolicy))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	in := Input{
		Tool:       "claude",
		Type:       model.PromptConfirmEnter,
		Confidence: model.ConfidenceLow,
		Text:       "Press enter to continue...",
	}
	want := p.Evaluate(in)
	got, _ := p.Explain(in)
	if got != want {
		t.Fatalf("Explain decision %+v != Evaluate decision %+v", got, want)
	}
}
