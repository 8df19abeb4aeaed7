package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rendis/intake/internal/logging"
	"github.com/rendis/intake/pkg/schema"
)

// Manager owns the live sessions of one Engine, keyed by session ID.
type Manager struct {
	engine *Engine

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates an empty Manager.
func NewManager(engine *Engine) *Manager {
	return &Manager{engine: engine, sessions: make(map[string]*Session)}
}

// Engine returns the engine sessions are driven by.
func (m *Manager) Engine() *Engine { return m.engine }

// Open creates and registers an idle session.
func (m *Manager) Open(ctx context.Context) *Session {
	s := m.engine.NewSession()
	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	m.engine.logger.DebugContext(logging.WithSessionID(ctx, s.id), "session opened")
	return s
}

// Get returns a registered session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "session %q not found", id)
	}
	return s, nil
}

// Close forgets a session. It reports whether the session existed.
func (m *Manager) Close(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	return ok
}

// Sweep closes sessions idle for longer than ttl and returns how many were closed.
// Sessions with a submission in flight are never swept.
func (m *Manager) Sweep(ctx context.Context, ttl time.Duration) int {
	now := m.engine.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if s.idleSince(now) > ttl {
			delete(m.sessions, id)
			n++
		}
	}
	if n > 0 {
		m.engine.logger.InfoContext(ctx, "swept idle sessions", "count", n, "remaining", len(m.sessions))
	}
	return n
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Snapshots returns a copy of every live session's state, oldest first.
func (m *Manager) Snapshots() []SessionSnapshot {
	m.mu.RLock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.RUnlock()

	out := make([]SessionSnapshot, 0, len(list))
	for _, s := range list {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
