package authz

import "sync"

// SessionRegistry tracks which profile each session is bound to. Bindings are
// immutable: the first explicit bind wins and later conflicting binds are
// rejected. Sessions that never bind act as VIEWER.
type SessionRegistry struct {
	mu    sync.RWMutex
	bound map[string]Profile
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{bound: make(map[string]Profile)}
}

// Resolve returns the session's bound profile, or VIEWER for an unseen
// session.
func (r *SessionRegistry) Resolve(sessionID string) Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.bound[sessionID]; ok {
		return p
	}
	return ProfileViewer
}

// Bind binds the session to a profile. Rebinding to the same profile is a
// no-op; rebinding to a different one fails. The bool reports whether a new
// binding was created.
func (r *SessionRegistry) Bind(sessionID string, profile Profile) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.bound[sessionID]
	if !ok {
		r.bound[sessionID] = profile
		return true, nil
	}
	if existing != profile {
		return false, &Error{
			Code: CodeInvalidProfile,
			Message: "session is already bound to profile " + string(existing) +
				"; rebinding to " + string(profile) + " is not allowed",
		}
	}
	return false, nil
}

// Snapshot returns a copy of all explicit session bindings.
func (r *SessionRegistry) Snapshot() map[string]Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Profile, len(r.bound))
	for id, p := range r.bound {
		out[id] = p
	}
	return out
}

// Bound returns the number of sessions with an explicit binding.
func (r *SessionRegistry) Bound() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bound)
}
