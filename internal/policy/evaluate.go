package policy

import (
	"github.com/atlasbridge/atlasbridge/internal/model"
)

// Input is the prompt context a policy decision is made against.
type Input struct {
	Tool         string
	SessionLabel string
	Type         model.PromptType
	Confidence   model.Confidence
	Text         string
}

// Decision is the outcome of evaluating a policy against one prompt.
type Decision struct {
	Action     model.PolicyAction
	RuleID     string
	Reply      string
	AllowLow   bool
	Reason     string
	PolicyHash string
	// Matched is false when the default action applied.
	Matched bool
}

// RuleTrace records why one rule did or did not match during Explain.
type RuleTrace struct {
	RuleID  string
	Matched bool
	// Failed names the first criterion that rejected the input; empty
	// when the rule matched.
	Failed string
}

// Evaluate walks the rule list in order and returns the first match.
// Evaluation is deterministic: same policy and input always yield the
// same decision.
func (p *Policy) Evaluate(in Input) Decision {
	d, _ := p.walk(in, false)
	return d
}

// Explain evaluates like Evaluate but also reports, rule by rule, which
// criterion rejected the input. The walk stops at the first match, so the
// trace covers exactly the rules Evaluate would have considered.
func (p *Policy) Explain(in Input) (Decision, []RuleTrace) {
	return p.walk(in, true)
}

func (p *Policy) walk(in Input, traced bool) (Decision, []RuleTrace) {
	var traces []RuleTrace
	for i, rule := range p.Rules {
		failed := p.ruleMatches(i, rule.Match, in)
		if traced {
			traces = append(traces, RuleTrace{
				RuleID:  rule.ID,
				Matched: failed == "",
				Failed:  failed,
			})
		}
		if failed != "" {
			continue
		}
		return Decision{
			Action:     model.PolicyAction(rule.Action),
			RuleID:     rule.ID,
			Reply:      rule.Reply,
			AllowLow:   rule.AllowLow,
			Reason:     rule.Reason,
			PolicyHash: p.Hash,
			Matched:    true,
		}, traces
	}
	return Decision{
		Action:     model.PolicyAction(p.Defaults.NoMatch),
		PolicyHash: p.Hash,
	}, traces
}

// ruleMatches returns the name of the first criterion that rejects the
// input, or "" when the rule matches.
func (p *Policy) ruleMatches(idx int, m Match, in Input) string {
	if m.Tool != "" && m.Tool != in.Tool {
		return "tool"
	}
	if m.SessionLabel != "" && m.SessionLabel != in.SessionLabel {
		return "session_label"
	}
	if m.PromptType != "" && model.PromptType(m.PromptType) != in.Type {
		return "prompt_type"
	}
	rank := confRank(in.Confidence)
	if m.MinConfidence != "" && rank < confRank(model.Confidence(m.MinConfidence)) {
		return "min_confidence"
	}
	if m.MaxConfidence != "" && rank > confRank(model.Confidence(m.MaxConfidence)) {
		return "max_confidence"
	}
	if m.TextContains != "" && !containsFold(in.Text, m.TextContains) {
		return "text_contains"
	}
	if re := p.compiled[idx]; re != nil && !re.MatchString(in.Text) {
		return "text_regex"
	}
	if len(m.AnyOf) > 0 {
		hit := false
		for _, s := range m.AnyOf {
			if containsFold(in.Text, s) {
				hit = true
				break
			}
		}
		if !hit {
			return "any_of"
		}
	}
	for _, s := range m.NoneOf {
		if containsFold(in.Text, s) {
			return "none_of"
		}
	}
	return ""
}
