package mcp

import "sync"

// SessionRegistry maps intake session IDs to the MCP client session that
// opened them. Populated when a client calls intake.start.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // intake session ID → MCP session ID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates an intake session with an MCP client session.
// A later registration wins (client reconnect).
func (r *SessionRegistry) Register(intakeID, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[intakeID] = clientID
}

// ClientFor returns the MCP session that owns the intake session, if known.
func (r *SessionRegistry) ClientFor(intakeID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cid, ok := r.sessions[intakeID]
	return cid, ok
}

// Forget drops the mapping of one intake session.
func (r *SessionRegistry) Forget(intakeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, intakeID)
}

// Remove deletes every intake mapping owned by the given MCP session and
// returns the intake session IDs it held.
func (r *SessionRegistry) Remove(clientID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for iid, cid := range r.sessions {
		if cid == clientID {
			delete(r.sessions, iid)
			removed = append(removed, iid)
		}
	}
	return removed
}
