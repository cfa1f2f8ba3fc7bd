package tunnel

import (
	"sort"
	"sync"
)

// Registry maps agent ids to their live sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Get returns the session for agentID. Sessions that are being torn down
// are reported as absent so nothing new is dispatched to them.
func (r *Registry) Get(agentID string) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[agentID]
	r.mu.RUnlock()

	if !ok || s.isClosing() {
		return nil, false
	}
	return s, true
}

// claim registers s unless another session holds its agent id, in which
// case that session is returned.
func (r *Registry) claim(s *Session) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.sessions[s.agentID]; ok && prev != s {
		return prev, false
	}
	r.sessions[s.agentID] = s
	return nil, true
}

// Remove deletes s if it is still the registered session for its agent id.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[s.agentID]; ok && cur == s {
		delete(r.sessions, s.agentID)
		return true
	}
	return false
}

// List returns live sessions ordered by agent id.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if !s.isClosing() {
			out = append(out, s)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].agentID < out[j].agentID })
	return out
}

// Len returns the number of registered sessions, including closing ones.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
