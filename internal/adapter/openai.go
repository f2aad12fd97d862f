package adapter

import "github.com/atlasbridge/atlasbridge/internal/model"

type openaiAdapter struct{}

// NewOpenAIAdapter returns the adapter for the openai CLI. Its prompt
// shapes are all covered by the shared pattern set.
func NewOpenAIAdapter() Adapter {
	return openaiAdapter{}
}

func (openaiAdapter) Name() string { return "openai" }

func (openaiAdapter) PromptPatterns() []Pattern {
	return prependPatterns(nil, basePatterns)
}

func (openaiAdapter) MatchWindow() int { return defaultMatchWindow }

func (openaiAdapter) Encode(promptType model.PromptType, value string) ([]byte, error) {
	return encodeReply(promptType, value)
}
