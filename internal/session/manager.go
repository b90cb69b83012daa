package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/zapfleet/zapfleet/internal/logging"
)

// Manager is the registry of live sessions in this process. Creation,
// lookup and removal can race with reconnect callbacks and the fleet
// poller, so every registry mutation is serialized behind the mutex.
type Manager struct {
	deps Deps
	cfg  Config

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates an empty registry. The registry is an owned object
// injected into whoever needs it - there is deliberately no package-level
// instance.
func NewManager(deps Deps, cfg Config) *Manager {
	return &Manager{
		deps:     deps,
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// Create registers and initializes a session. A failed initialization
// leaves no trace in the registry. Duplicate ids fail with
// ErrSessionExists.
func (m *Manager) Create(ctx context.Context, id string, sink EventSink) (*Session, error) {
	m.mu.Lock()
	if _, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	s := New(id, m.deps, m.cfg, sink)
	// Register before the (slow) initialization so a concurrent Create for
	// the same id fails fast instead of double-initializing.
	m.sessions[id] = s
	m.mu.Unlock()

	if err := s.Initialize(ctx); err != nil {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		return nil, err
	}

	return s, nil
}

// Get returns a live session, if registered.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Kill tears a session down and removes it from the registry. Unknown ids
// are a no-op: the session may already have terminated itself.
func (m *Manager) Kill(ctx context.Context, id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if ok {
		s.Kill(ctx)
	}
}

// Remove drops a session from the registry without touching it. Used when
// a session has already terminated itself and only the registry entry is
// stale.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// List returns the ids of all registered sessions.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// KillAll tears down every session. Used on process shutdown.
func (m *Manager) KillAll(ctx context.Context) {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range all {
		s.Kill(ctx)
	}
	if len(all) > 0 {
		logging.L_info("session: all sessions killed", "count", len(all))
	}
}
