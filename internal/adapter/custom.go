package adapter

import (
	"fmt"
	"regexp"

	"github.com/atlasbridge/atlasbridge/internal/model"
)

// CustomPattern is one user-supplied detection rule, as it appears in
// configuration before compilation.
type CustomPattern struct {
	Type  model.PromptType
	Regex string
}

type customAdapter struct {
	name     string
	patterns []Pattern
	window   int
}

// NewCustomAdapter compiles user-supplied patterns into an adapter for an
// arbitrary tool. Custom patterns run before the shared set so users can
// override the generic shapes.
func NewCustomAdapter(name string, window int, patterns []CustomPattern) (Adapter, error) {
	if name == "" {
		return nil, fmt.Errorf("adapter: custom adapter needs a name")
	}
	if window <= 0 {
		window = defaultMatchWindow
	}
	compiled := make([]Pattern, 0, len(patterns))
	for _, p := range patterns {
		switch p.Type {
		case model.PromptYesNo, model.PromptMultipleChoice, model.PromptConfirmEnter, model.PromptFreeText:
		default:
			return nil, fmt.Errorf("adapter: custom pattern for %s: %w", p.Type, ErrUnsupportedType)
		}
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return nil, fmt.Errorf("adapter: compile custom pattern %q: %w", p.Regex, err)
		}
		compiled = append(compiled, Pattern{Type: p.Type, Re: re})
	}
	return &customAdapter{name: name, patterns: compiled, window: window}, nil
}

func (a *customAdapter) Name() string { return a.name }

func (a *customAdapter) PromptPatterns() []Pattern {
	return prependPatterns(a.patterns, basePatterns)
}

func (a *customAdapter) MatchWindow() int { return a.window }

func (a *customAdapter) Encode(promptType model.PromptType, value string) ([]byte, error) {
	return encodeReply(promptType, value)
}
