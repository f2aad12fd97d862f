package adapter

import (
	"testing"

	"github.com/atlasbridge/atlasbridge/internal/model"
)

func TestDefaultRegistryResolvesBuiltins(t *testing.T) {
	r := DefaultRegistry()
	for _, tool := range []string{"claude", "codex", "gemini", "openai"} {
		a, ok := r.Resolve(tool)
		if !ok {
			t.Fatalf("expected adapter for %s", tool)
		}
		if a.Name() != tool {
			t.Fatalf("expected name %s, got %s", tool, a.Name())
		}
		if len(a.PromptPatterns()) == 0 {
			t.Fatalf("adapter %s has no patterns", tool)
		}
		if a.MatchWindow() <= 0 {
			t.Fatalf("adapter %s has non-positive match window", tool)
		}
	}
	if _, ok := r.Resolve("unknown-tool"); ok {
		t.Fatalf("expected resolve miss for unknown tool")
	}
}

func TestResolveNormalizesToolName(t *testing.T) {
	r := DefaultRegistry()
	if _, ok := r.Resolve("  Claude  "); !ok {
		t.Fatalf("expected normalized lookup to succeed")
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry(NewClaudeAdapter())
	if err := r.Register(NewClaudeAdapter()); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
	if err := r.Register(nil); err == nil {
		t.Fatalf("expected nil adapter registration to fail")
	}
}

func TestCustomAdapterRegistersAndOverrides(t *testing.T) {
	custom, err := NewCustomAdapter("mytool", 0, []CustomPattern{
		{Type: model.PromptYesNo, Regex: `(?i)really\?\s*$`},
	})
	if err != nil {
		t.Fatalf("new custom adapter: %v", err)
	}
	r := DefaultRegistry()
	if err := r.Register(custom); err != nil {
		t.Fatalf("register custom: %v", err)
	}

	a, ok := r.Resolve("mytool")
	if !ok {
		t.Fatalf("expected custom adapter resolvable")
	}
	pats := a.PromptPatterns()
	if pats[0].Type != model.PromptYesNo || !pats[0].Re.MatchString("Really?") {
		t.Fatalf("expected custom pattern first, got %v", pats[0])
	}
	if a.MatchWindow() != defaultMatchWindow {
		t.Fatalf("expected default window fallback, got %d", a.MatchWindow())
	}
}

func TestCustomAdapterRejectsBadInput(t *testing.T) {
	if _, err := NewCustomAdapter("", 0, nil); err == nil {
		t.Fatalf("expected empty name to fail")
	}
	if _, err := NewCustomAdapter("t", 0, []CustomPattern{{Type: model.PromptYesNo, Regex: `([`}}); err == nil {
		t.Fatalf("expected invalid regex to fail")
	}
	if _, err := NewCustomAdapter("t", 0, []CustomPattern{{Type: model.PromptUnknown, Regex: `x`}}); err == nil {
		t.Fatalf("expected unknown prompt type to fail")
	}
}
