package session

import "sync"

// Registry is the set of active sessions keyed by remote endpoint.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	// OnRemove is invoked (outside the lock) whenever a session is removed,
	// so the topic manager can reap subscriptions for that endpoint.
	OnRemove func(endpoint string)
}

// NewRegistry constructs an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers s under its endpoint, wiring its OnClose to Remove.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.sessions[s.Endpoint] = s
	r.mu.Unlock()
	s.OnClose = r.Remove
}

// Remove deletes the session for endpoint, if present, and notifies OnRemove.
func (r *Registry) Remove(endpoint string) {
	r.mu.Lock()
	_, existed := r.sessions[endpoint]
	delete(r.sessions, endpoint)
	r.mu.Unlock()
	if existed && r.OnRemove != nil {
		r.OnRemove(endpoint)
	}
}

// Get returns the session for endpoint, if any.
func (r *Registry) Get(endpoint string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[endpoint]
	return s, ok
}

// Sessions returns a snapshot of all currently connected sessions. The
// snapshot is taken under the read lock and safe to iterate afterward.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.Connected() {
			out = append(out, s)
		}
	}
	return out
}

// Len reports the number of registered sessions, including any not yet
// observed as disconnected. Used for /healthz and metrics.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
