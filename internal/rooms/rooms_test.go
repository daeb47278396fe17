package rooms

import (
	"sync"
	"testing"
)

// recordingHandle captures delivered payloads for assertions.
type recordingHandle struct {
	mu      sync.Mutex
	session string
	user    string
	sent    [][]byte
}

func (h *recordingHandle) SessionID() string { return h.session }
func (h *recordingHandle) UserID() string    { return h.user }
func (h *recordingHandle) Send(data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, data)
	return nil
}

func (h *recordingHandle) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sent)
}

func TestJoin_Idempotent(t *testing.T) {
	m := NewManager()
	h := &recordingHandle{session: "s1", user: "alice"}

	m.Join("conv", h)
	m.Join("conv", h)
	m.Join("conv", h)

	if !m.IsMember("conv", "s1") {
		t.Fatal("expected membership after join")
	}
	m.Broadcast("conv", []byte("x"))
	if h.count() != 1 {
		t.Errorf("redundant joins must not duplicate delivery: got %d sends", h.count())
	}
}

func TestBroadcast_AllMembers(t *testing.T) {
	m := NewManager()
	h1 := &recordingHandle{session: "s1", user: "alice"}
	h2 := &recordingHandle{session: "s2", user: "bob"}
	h3 := &recordingHandle{session: "s3", user: "carol"}

	m.Join("conv", h1)
	m.Join("conv", h2)
	m.Join("other", h3)

	m.Broadcast("conv", []byte("hello"))

	if h1.count() != 1 || h2.count() != 1 {
		t.Errorf("expected one delivery per member, got %d and %d", h1.count(), h2.count())
	}
	if h3.count() != 0 {
		t.Errorf("non-member received %d deliveries", h3.count())
	}
}

func TestBroadcastExcept_SkipsSender(t *testing.T) {
	m := NewManager()
	h1 := &recordingHandle{session: "s1", user: "alice"}
	h2 := &recordingHandle{session: "s2", user: "bob"}

	m.Join("conv", h1)
	m.Join("conv", h2)

	m.BroadcastExcept("conv", "s1", []byte("typing"))

	if h1.count() != 0 {
		t.Errorf("excluded session received %d deliveries", h1.count())
	}
	if h2.count() != 1 {
		t.Errorf("expected 1 delivery to the other member, got %d", h2.count())
	}
}

func TestLeaveAll_RemovesEveryMembership(t *testing.T) {
	m := NewManager()
	h := &recordingHandle{session: "s1", user: "alice"}

	m.Join("conv-a", h)
	m.Join("conv-b", h)
	m.LeaveAll("s1")

	if m.IsMember("conv-a", "s1") || m.IsMember("conv-b", "s1") {
		t.Error("expected all memberships removed")
	}
	m.Broadcast("conv-a", []byte("x"))
	m.Broadcast("conv-b", []byte("x"))
	if h.count() != 0 {
		t.Errorf("expected no deliveries after LeaveAll, got %d", h.count())
	}
}

func TestBroadcast_ReturnsDeliveredSessions(t *testing.T) {
	m := NewManager()
	h1 := &recordingHandle{session: "s1", user: "alice"}
	h2 := &recordingHandle{session: "s2", user: "bob"}

	m.Join("conv", h1)
	m.Join("conv", h2)

	delivered := m.Broadcast("conv", []byte("hello"))
	if len(delivered) != 2 || !delivered["s1"] || !delivered["s2"] {
		t.Errorf("unexpected delivered set: %v", delivered)
	}

	// Mutating the returned set must not affect the room.
	delete(delivered, "s1")
	if !m.IsMember("conv", "s1") {
		t.Error("returned set mutation leaked into the room")
	}
}

// joiningHandle adds another handle to the room from inside Send, standing in
// for a subscription that lands while a broadcast is in flight.
type joiningHandle struct {
	recordingHandle
	mgr   *Manager
	conv  string
	other *recordingHandle
}

func (h *joiningHandle) Send(data []byte) error {
	h.mgr.Join(h.conv, h.other)
	return h.recordingHandle.Send(data)
}

func TestBroadcast_MidBroadcastJoinExcludedFromDeliveredSet(t *testing.T) {
	m := NewManager()
	late := &recordingHandle{session: "s2", user: "bob"}
	joiner := &joiningHandle{
		recordingHandle: recordingHandle{session: "s1", user: "alice"},
		mgr:             m,
		conv:            "conv",
		other:           late,
	}

	m.Join("conv", joiner)

	delivered := m.Broadcast("conv", []byte("hello"))

	// The late joiner was not part of the snapshot: it received nothing and
	// is absent from the delivered set, so a second delivery path keyed off
	// that set reaches it exactly once.
	if late.count() != 0 {
		t.Errorf("late joiner received %d broadcast deliveries", late.count())
	}
	if delivered["s2"] {
		t.Error("late joiner reported as delivered")
	}
	if len(delivered) != 1 || !delivered["s1"] {
		t.Errorf("unexpected delivered set: %v", delivered)
	}
}

func TestDrop_RemovesRoomAndMemberships(t *testing.T) {
	m := NewManager()
	h1 := &recordingHandle{session: "s1", user: "alice"}
	h2 := &recordingHandle{session: "s2", user: "bob"}

	m.Join("conv", h1)
	m.Join("conv", h2)
	m.Join("other", h1)

	m.Drop("conv")

	if m.IsMember("conv", "s1") || m.IsMember("conv", "s2") {
		t.Error("expected all memberships removed with the room")
	}
	if !m.IsMember("other", "s1") {
		t.Error("unrelated room should be untouched")
	}
	m.Broadcast("conv", []byte("x"))
	if h1.count() != 0 || h2.count() != 0 {
		t.Error("expected no deliveries to a dropped room")
	}
}

func TestCount(t *testing.T) {
	m := NewManager()
	h := &recordingHandle{session: "s1", user: "alice"}

	if m.Count() != 0 {
		t.Fatalf("expected 0 rooms, got %d", m.Count())
	}
	m.Join("conv-a", h)
	m.Join("conv-b", h)
	if m.Count() != 2 {
		t.Errorf("expected 2 rooms, got %d", m.Count())
	}
	m.LeaveAll("s1")
	if m.Count() != 0 {
		t.Errorf("expected 0 rooms after LeaveAll, got %d", m.Count())
	}
}
