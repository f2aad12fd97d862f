package adapter

import (
	"regexp"

	"github.com/atlasbridge/atlasbridge/internal/model"
)

type codexAdapter struct{}

// NewCodexAdapter returns the adapter for the codex CLI.
func NewCodexAdapter() Adapter {
	return codexAdapter{}
}

var codexPatterns = []Pattern{
	{Type: model.PromptYesNo, Re: regexp.MustCompile(`(?i)apply changes\?\s*\[y/n\]\s*$`)},
	{Type: model.PromptMultipleChoice, Re: regexp.MustCompile(`(?i)select action:\s*\n(?:\s*\d+\.\s+[^\n]+\n?)+`)},
	{Type: model.PromptFreeText, Re: regexp.MustCompile(`(?i)enter a description:\s*$`)},
}

func (codexAdapter) Name() string { return "codex" }

func (codexAdapter) PromptPatterns() []Pattern {
	return prependPatterns(codexPatterns, basePatterns)
}

func (codexAdapter) MatchWindow() int { return defaultMatchWindow }

func (codexAdapter) Encode(promptType model.PromptType, value string) ([]byte, error) {
	return encodeReply(promptType, value)
}
