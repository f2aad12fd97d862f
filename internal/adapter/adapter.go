// Package adapter maps tool-specific terminal output to prompt types and
// encodes reply values back into the byte sequences each tool expects.
package adapter

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/atlasbridge/atlasbridge/internal/model"
)

// defaultMatchWindow is how many trailing bytes of normalized output an
// adapter inspects when no tool-specific window is declared.
const defaultMatchWindow = 512

var (
	ErrUnsupportedType = errors.New("adapter: unsupported prompt type")
	ErrUnsafeReply     = errors.New("adapter: reply value rejected")
)

// Pattern pairs a prompt type with the regular expression that detects it.
// Patterns are matched in order against the tail of the output buffer and
// the first match wins.
type Pattern struct {
	Type model.PromptType
	Re   *regexp.Regexp
}

// Adapter describes one supervised tool: which output shapes count as
// prompts and how a reply value becomes bytes on the tool's stdin.
type Adapter interface {
	Name() string
	PromptPatterns() []Pattern
	MatchWindow() int
	Encode(promptType model.PromptType, value string) ([]byte, error)
}

// basePatterns covers interactive prompt shapes shared by most CLI tools.
// Tool adapters prepend their own patterns so specific shapes win over
// generic ones.
var basePatterns = []Pattern{
	{Type: model.PromptYesNo, Re: regexp.MustCompile(`(?i)\[y/n\]\s*$`)},
	{Type: model.PromptYesNo, Re: regexp.MustCompile(`(?i)\[y/N\]\s*$`)},
	{Type: model.PromptYesNo, Re: regexp.MustCompile(`(?i)\(y/n\)\s*:?\s*$`)},
	{Type: model.PromptYesNo, Re: regexp.MustCompile(`(?i)\(yes/no\)\s*:?\s*$`)},
	{Type: model.PromptYesNo, Re: regexp.MustCompile(`(?i)\[yes/no\]\s*$`)},
	{Type: model.PromptMultipleChoice, Re: regexp.MustCompile(`(?m)^\s*(?:1[.)]|\[1\])\s+\S[\s\S]*^\s*(?:2[.)]|\[2\])\s+\S`)},
	{Type: model.PromptConfirmEnter, Re: regexp.MustCompile(`(?i)press enter to continue`)},
	{Type: model.PromptFreeText, Re: regexp.MustCompile(`(?i)^\s*(?:enter|provide|type)\b[^\n]*:\s*$`)},
}

// encodeReply implements the shared reply encoding. Every tool in the
// registry today accepts the same carriage-return terminated forms.
func encodeReply(promptType model.PromptType, value string) ([]byte, error) {
	switch promptType {
	case model.PromptYesNo:
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "y", "yes":
			return []byte("y\r"), nil
		case "n", "no":
			return []byte("n\r"), nil
		}
		return nil, fmt.Errorf("%w: yes_no reply %q", ErrUnsafeReply, value)
	case model.PromptMultipleChoice:
		trimmed := strings.TrimSpace(value)
		n, err := strconv.Atoi(trimmed)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("%w: choice %q is not a positive option number", ErrUnsafeReply, value)
		}
		return []byte(trimmed + "\r"), nil
	case model.PromptConfirmEnter:
		if v := strings.TrimSpace(value); v != "" && !strings.EqualFold(v, "enter") {
			return nil, fmt.Errorf("%w: confirm_enter takes no value, got %q", ErrUnsafeReply, value)
		}
		return []byte("\r"), nil
	case model.PromptFreeText:
		if strings.ContainsAny(value, "\r\n\x1b") {
			return nil, fmt.Errorf("%w: free_text reply contains control bytes", ErrUnsafeReply)
		}
		return []byte(value + "\r"), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, promptType)
	}
}

func prependPatterns(own, shared []Pattern) []Pattern {
	out := make([]Pattern, 0, len(own)+len(shared))
	out = append(out, own...)
	out = append(out, shared...)
	return out
}
