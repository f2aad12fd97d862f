package adapter

import (
	"regexp"

	"github.com/atlasbridge/atlasbridge/internal/model"
)

type claudeAdapter struct{}

// NewClaudeAdapter returns the adapter for the claude CLI. Claude's
// interactive prompts use the common shapes, so it adds only the
// permission dialog on top of the shared pattern set.
func NewClaudeAdapter() Adapter {
	return claudeAdapter{}
}

var claudePatterns = []Pattern{
	{Type: model.PromptYesNo, Re: regexp.MustCompile(`(?i)do you want to proceed\?`)},
	{Type: model.PromptMultipleChoice, Re: regexp.MustCompile(`(?m)^\s*❯?\s*1\.\s+\S[\s\S]*^\s*2\.\s+\S`)},
}

func (claudeAdapter) Name() string { return "claude" }

func (claudeAdapter) PromptPatterns() []Pattern {
	return prependPatterns(claudePatterns, basePatterns)
}

func (claudeAdapter) MatchWindow() int { return defaultMatchWindow }

func (claudeAdapter) Encode(promptType model.PromptType, value string) ([]byte, error) {
	return encodeReply(promptType, value)
}
