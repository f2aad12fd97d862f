// Package channel defines the messaging transport contract: deliver a
// prompt to a human somewhere, stream their replies back. Transports own
// their retries and rate limits; the router only sees tokens, replies,
// and permanent failures.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/atlasbridge/atlasbridge/internal/model"
)

var (
	// ErrDeliveryFailed reports a permanent delivery failure after the
	// transport exhausted its own retries.
	ErrDeliveryFailed = errors.New("channel: delivery failed")

	ErrClosed = errors.New("channel: closed")
)

// Delivery is the outgoing payload for one prompt.
type Delivery struct {
	PromptID  string
	SessionID string
	Nonce     string
	Type      model.PromptType
	Question  string
	Options   []string
	Excerpt   string
}

// InboundReply is one human reply as received from a transport. Identity is
// the channel-side sender identifier; the router checks it against the
// allowlist and audits every denial.
type InboundReply struct {
	PromptID string
	Nonce    string
	Identity string
	Value    string
	Channel  string
}

// Channel is one messaging transport.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Close() error

	// Deliver sends the prompt and returns a transport-specific message
	// token usable to edit or reference the message later.
	Deliver(ctx context.Context, d Delivery, allowlist []string) (string, error)

	// Notify sends a plain informational message not tied to a reply.
	Notify(ctx context.Context, sessionID, message string) error

	// Replies streams inbound replies until the channel closes.
	Replies() <-chan InboundReply
}

// Factory builds a channel from its configuration section.
type Factory func(cfg map[string]string) (Channel, error)

// Registry maps channel names to factories so configured transports can be
// constructed at daemon startup.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

func (r *Registry) Register(name string, f Factory) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return fmt.Errorf("channel name is required")
	}
	if f == nil {
		return fmt.Errorf("channel factory is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("channel already registered: %s", name)
	}
	r.factories[name] = f
	return nil
}

func (r *Registry) Build(name string, cfg map[string]string) (Channel, error) {
	r.mu.RLock()
	f, ok := r.factories[strings.ToLower(strings.TrimSpace(name))]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown channel: %s", name)
	}
	return f(cfg)
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
