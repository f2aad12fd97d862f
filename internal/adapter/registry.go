package adapter

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry resolves adapters by tool name.
type Registry struct {
	mu     sync.RWMutex
	byTool map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{
		byTool: map[string]Adapter{},
	}
	for _, a := range adapters {
		_ = r.Register(a)
	}
	return r
}

// DefaultRegistry carries the built-in tool adapters. Custom adapters are
// registered on top from configuration.
func DefaultRegistry() *Registry {
	return NewRegistry(
		NewClaudeAdapter(),
		NewCodexAdapter(),
		NewGeminiAdapter(),
		NewOpenAIAdapter(),
	)
}

func (r *Registry) Register(a Adapter) error {
	if a == nil {
		return fmt.Errorf("adapter is nil")
	}
	name := normalizeTool(a.Name())
	if name == "" {
		return fmt.Errorf("adapter name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byTool[name]; exists {
		return fmt.Errorf("adapter already registered for tool=%s", name)
	}
	r.byTool[name] = a
	return nil
}

func (r *Registry) Resolve(tool string) (Adapter, bool) {
	if r == nil {
		return nil, false
	}
	normalized := normalizeTool(tool)
	if normalized == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byTool[normalized]
	return a, ok
}

// Tools lists the registered tool names in sorted order.
func (r *Registry) Tools() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.byTool))
	for name := range r.byTool {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalizeTool(tool string) string {
	return strings.ToLower(strings.TrimSpace(tool))
}
