// Package presence tracks which authenticated users currently have active
// connections. The registry is process-local, in-memory state with a
// single-writer-per-key discipline: each user's entries are only mutated by
// that user's own connect/disconnect sequence, processed in arrival order.
package presence

import "sync"

// Handle is an addressable client connection. The concrete type lives in the
// transport layer; presence and room bookkeeping only need identity and a
// way to deliver bytes.
type Handle interface {
	SessionID() string
	UserID() string
	Send(data []byte) error
}

// Registry maps user identities to their active connection handles. A user
// may hold several handles at once (one per device); the user counts as
// online while at least one handle remains.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]map[string]Handle // userID -> sessionID -> handle
}

// NewRegistry creates an empty Registry. The instance is injected into the
// hub at composition time; there is no package-level singleton.
func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]map[string]Handle),
	}
}

// Connect records a handle for its user. It returns true when this is the
// user's first active handle (the transition from offline to online).
// Registering the same session twice overwrites the prior entry.
func (r *Registry) Connect(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	handles, ok := r.byUser[h.UserID()]
	if !ok {
		handles = make(map[string]Handle)
		r.byUser[h.UserID()] = handles
	}
	first := len(handles) == 0
	handles[h.SessionID()] = h
	return first
}

// Disconnect removes one of the user's handles. It returns true when the
// removal left the user with no handles (the transition to offline). A
// disconnect for an unknown session is a no-op returning false.
func (r *Registry) Disconnect(userID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	handles, ok := r.byUser[userID]
	if !ok {
		return false
	}
	if _, ok := handles[sessionID]; !ok {
		return false
	}
	delete(handles, sessionID)
	if len(handles) == 0 {
		delete(r.byUser, userID)
		return true
	}
	return false
}

// Handles returns a snapshot of the user's active handles, or nil when the
// user is offline.
func (r *Registry) Handles(userID string) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handles, ok := r.byUser[userID]
	if !ok {
		return nil
	}
	out := make([]Handle, 0, len(handles))
	for _, h := range handles {
		out = append(out, h)
	}
	return out
}

// IsOnline reports whether the user has at least one active handle.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// OnlineCount returns the number of distinct online users.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}
