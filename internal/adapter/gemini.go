package adapter

import (
	"regexp"

	"github.com/atlasbridge/atlasbridge/internal/model"
)

type geminiAdapter struct{}

// NewGeminiAdapter returns the adapter for the gemini CLI. Gemini renders
// a bare "Gemini> " shell prompt when it wants free-form input, which the
// shared patterns do not cover.
func NewGeminiAdapter() Adapter {
	return geminiAdapter{}
}

var geminiPatterns = []Pattern{
	{Type: model.PromptYesNo, Re: regexp.MustCompile(`(?i)\[Yes/No\]\s*$`)},
	{Type: model.PromptFreeText, Re: regexp.MustCompile(`(?m)^Gemini>\s*$`)},
}

func (geminiAdapter) Name() string { return "gemini" }

func (geminiAdapter) PromptPatterns() []Pattern {
	return prependPatterns(geminiPatterns, basePatterns)
}

func (geminiAdapter) MatchWindow() int { return defaultMatchWindow }

func (geminiAdapter) Encode(promptType model.PromptType, value string) ([]byte, error) {
	return encodeReply(promptType, value)
}
