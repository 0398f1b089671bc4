package session

import (
	"sync"

	"github.com/citycab/dispatch/core/model"
)

type key struct {
	subject string
	role    model.Role
}

// Registry maps verified subjects to their current live session. A reconnect
// replaces the previous entry (last-writer-wins); the superseded session is
// left to be cleaned up by its own close event rather than force-closed.
type Registry struct {
	mu   sync.RWMutex
	byID map[key]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[key]*Session)}
}

// Register binds the subject/role pair to the session, replacing any prior
// entry for the same pair.
func (r *Registry) Register(subject string, role model.Role, s *Session) {
	s.Bind(subject, role)
	r.mu.Lock()
	r.byID[key{subject, role}] = s
	r.mu.Unlock()
}

// Lookup returns the live session for the subject/role pair.
func (r *Registry) Lookup(subject string, role model.Role) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[key{subject, role}]
	return s, ok
}

// Unregister removes the session's entry. Idempotent, and safe for sessions
// that disconnected before authenticating. A superseded session does not
// evict its replacement: removal only happens when the registry still points
// at this exact session.
func (r *Registry) Unregister(s *Session) {
	subject, role := s.Subject(), s.Role()
	if subject == "" {
		return
	}
	k := key{subject, role}
	r.mu.Lock()
	if cur, ok := r.byID[k]; ok && cur == s {
		delete(r.byID, k)
	}
	r.mu.Unlock()
}

// ForEachByRole invokes fn for every registered session with the given role.
// The snapshot is taken under the read lock so fn may send without holding it.
func (r *Registry) ForEachByRole(role model.Role, fn func(subject string, s *Session)) {
	type entry struct {
		subject string
		s       *Session
	}
	r.mu.RLock()
	snapshot := make([]entry, 0, len(r.byID))
	for k, s := range r.byID {
		if k.role == role {
			snapshot = append(snapshot, entry{k.subject, s})
		}
	}
	r.mu.RUnlock()
	for _, e := range snapshot {
		fn(e.subject, e.s)
	}
}

// CountByRole returns the number of registered sessions with the given role.
func (r *Registry) CountByRole(role model.Role) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for k := range r.byID {
		if k.role == role {
			n++
		}
	}
	return n
}
