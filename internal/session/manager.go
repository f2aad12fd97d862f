// Package session tracks the supervisors running inside this process and
// fans decided replies out to the right one.
package session

import (
	"errors"
	"sort"
	"sync"

	"github.com/atlasbridge/atlasbridge/internal/router"
)

var ErrUnknownSession = errors.New("session: unknown session")

// Sink is the per-session injection endpoint a supervisor exposes.
type Sink interface {
	SessionID() string
	Enqueue(inj router.Injection) error
}

// Manager is a registry of live sessions. It implements router.InjectSink
// by routing each injection to the supervisor that owns the session.
type Manager struct {
	mu    sync.RWMutex
	sinks map[string]Sink
}

func NewManager() *Manager {
	return &Manager{sinks: map[string]Sink{}}
}

// Register adds a running session. Replacing a live registration is a
// caller bug, so the previous entry is overwritten without ceremony only
// when it carries the same id.
func (m *Manager) Register(s Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks[s.SessionID()] = s
}

// Deregister drops a session after its supervisor exits.
func (m *Manager) Deregister(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sinks, sessionID)
}

// Enqueue routes one decided reply to the owning supervisor.
func (m *Manager) Enqueue(inj router.Injection) error {
	m.mu.RLock()
	s, ok := m.sinks[inj.SessionID]
	m.mu.RUnlock()
	if !ok {
		return ErrUnknownSession
	}
	return s.Enqueue(inj)
}

// IDs returns the live session ids in stable order.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sinks))
	for id := range m.sinks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
