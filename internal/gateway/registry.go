package gateway

import "sync"

// Registry tracks the live session per runner. A runner has at most one
// session; a new connection kicks the old one.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers a session and returns the previous one for the same runner,
// if any. The caller closes the displaced session.
func (r *Registry) Add(s *Session) (displaced *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.sessions[s.RunnerID()]
	r.sessions[s.RunnerID()] = s
	return old
}

// Remove drops the session, but only if it is still the registered one. A
// kicked session racing its own cleanup must not remove its replacement.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.RunnerID()] != s {
		return false
	}
	delete(r.sessions, s.RunnerID())
	return true
}

// Get returns the live session for a runner, or nil.
func (r *Registry) Get(runnerID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[runnerID]
}

// All returns a snapshot of the live sessions.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of connected runners.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
