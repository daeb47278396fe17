// Package rooms tracks which connections are subscribed to which
// conversation's event stream and performs the two delivery paths: room
// broadcast and direct send. Membership is process-local, additive, and
// idempotent — a stale entry for a dead handle is harmless until cleanup.
package rooms

import (
	"sync"

	"github.com/buzztalk/chat-server/internal/presence"
)

// Manager is a thread-safe registry of conversation room memberships.
type Manager struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]presence.Handle // conversationID -> sessionID -> handle
	byConn map[string]map[string]bool            // sessionID -> conversationID set
}

// NewManager creates an empty Manager. Like the presence registry it is an
// injected instance, not a package-level singleton.
func NewManager() *Manager {
	return &Manager{
		rooms:  make(map[string]map[string]presence.Handle),
		byConn: make(map[string]map[string]bool),
	}
}

// Join subscribes a handle to a conversation's room. Joining a room the
// handle already belongs to is a no-op, so callers may join redundantly on
// every send.
func (m *Manager) Join(conversationID string, h presence.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[conversationID]
	if !ok {
		room = make(map[string]presence.Handle)
		m.rooms[conversationID] = room
	}
	room[h.SessionID()] = h

	convs, ok := m.byConn[h.SessionID()]
	if !ok {
		convs = make(map[string]bool)
		m.byConn[h.SessionID()] = convs
	}
	convs[conversationID] = true
}

// Leave removes a handle from one room.
func (m *Manager) Leave(conversationID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remove(conversationID, sessionID)
}

// LeaveAll removes a handle from every room it joined. Called on disconnect.
func (m *Manager) LeaveAll(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for conversationID := range m.byConn[sessionID] {
		m.remove(conversationID, sessionID)
	}
}

// remove deletes one membership entry. Caller holds the lock.
func (m *Manager) remove(conversationID, sessionID string) {
	if room, ok := m.rooms[conversationID]; ok {
		delete(room, sessionID)
		if len(room) == 0 {
			delete(m.rooms, conversationID)
		}
	}
	if convs, ok := m.byConn[sessionID]; ok {
		delete(convs, conversationID)
		if len(convs) == 0 {
			delete(m.byConn, sessionID)
		}
	}
}

// Drop removes an entire room, unsubscribing every member. Called when the
// conversation itself is deleted.
func (m *Manager) Drop(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for sessionID := range m.rooms[conversationID] {
		if convs, ok := m.byConn[sessionID]; ok {
			delete(convs, conversationID)
			if len(convs) == 0 {
				delete(m.byConn, sessionID)
			}
		}
	}
	delete(m.rooms, conversationID)
}

// Count returns the number of rooms with at least one member.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// IsMember reports whether the session is subscribed to the conversation.
func (m *Manager) IsMember(conversationID, sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rooms[conversationID][sessionID] != nil
}

// Broadcast delivers data to every handle in the room and returns the set of
// session IDs it delivered to. Membership is snapshotted once, so a session
// joining mid-broadcast is absent from both the delivery and the returned
// set; callers fanning out over a second path exclude exactly the returned
// sessions to keep the two target sets disjoint. Send errors on individual
// handles are ignored — dead connections are evicted by the transport's
// heartbeat, not here.
func (m *Manager) Broadcast(conversationID string, data []byte) map[string]bool {
	members := m.snapshot(conversationID)
	delivered := make(map[string]bool, len(members))
	for _, h := range members {
		_ = h.Send(data)
		delivered[h.SessionID()] = true
	}
	return delivered
}

// BroadcastExcept delivers data to every room member except the named
// session. Typing indicators use this so the typist does not see their own
// indicator.
func (m *Manager) BroadcastExcept(conversationID, exceptSessionID string, data []byte) {
	for _, h := range m.snapshot(conversationID) {
		if h.SessionID() == exceptSessionID {
			continue
		}
		_ = h.Send(data)
	}
}

// snapshot copies the room's handles so delivery happens outside the lock.
func (m *Manager) snapshot(conversationID string) []presence.Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]presence.Handle, 0, len(m.rooms[conversationID]))
	for _, h := range m.rooms[conversationID] {
		out = append(out, h)
	}
	return out
}
