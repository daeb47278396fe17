package presence

import (
	"sync"
	"testing"
)

// fakeHandle is a minimal Handle for registry tests.
type fakeHandle struct {
	session string
	user    string
}

func (f *fakeHandle) SessionID() string      { return f.session }
func (f *fakeHandle) UserID() string         { return f.user }
func (f *fakeHandle) Send(data []byte) error { return nil }

func TestConnect_FirstHandleTransition(t *testing.T) {
	r := NewRegistry()

	if !r.Connect(&fakeHandle{session: "s1", user: "alice"}) {
		t.Error("first handle should report the offline->online transition")
	}
	if r.Connect(&fakeHandle{session: "s2", user: "alice"}) {
		t.Error("second handle should not report a transition")
	}
	if !r.IsOnline("alice") {
		t.Error("alice should be online")
	}
	if got := len(r.Handles("alice")); got != 2 {
		t.Errorf("expected 2 handles, got %d", got)
	}
}

func TestDisconnect_LastHandleTransition(t *testing.T) {
	r := NewRegistry()
	r.Connect(&fakeHandle{session: "s1", user: "alice"})
	r.Connect(&fakeHandle{session: "s2", user: "alice"})

	if r.Disconnect("alice", "s1") {
		t.Error("removing one of two handles should not report offline")
	}
	if !r.IsOnline("alice") {
		t.Error("alice should still be online")
	}
	if !r.Disconnect("alice", "s2") {
		t.Error("removing the last handle should report offline")
	}
	if r.IsOnline("alice") {
		t.Error("alice should be offline")
	}
	if r.Handles("alice") != nil {
		t.Error("expected nil handles for offline user")
	}
}

func TestDisconnect_UnknownSessionNoop(t *testing.T) {
	r := NewRegistry()
	r.Connect(&fakeHandle{session: "s1", user: "alice"})

	if r.Disconnect("alice", "stale") {
		t.Error("unknown session should be a no-op")
	}
	if r.Disconnect("bob", "s1") {
		t.Error("unknown user should be a no-op")
	}
	if !r.IsOnline("alice") {
		t.Error("alice should remain online")
	}
}

func TestReconnect_LaterEventWins(t *testing.T) {
	r := NewRegistry()
	r.Connect(&fakeHandle{session: "s1", user: "alice"})

	// Disconnect immediately followed by reconnect: the later event wins.
	r.Disconnect("alice", "s1")
	r.Connect(&fakeHandle{session: "s2", user: "alice"})

	if !r.IsOnline("alice") {
		t.Error("alice should be online after reconnect")
	}
	handles := r.Handles("alice")
	if len(handles) != 1 || handles[0].SessionID() != "s2" {
		t.Errorf("expected only the reconnect handle, got %d handles", len(handles))
	}
}

func TestRegistry_ConcurrentDistinctUsers(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := string(rune('a' + i%16))
			session := user + "-" + string(rune('0'+i/16))
			r.Connect(&fakeHandle{session: session, user: user})
			r.Handles(user)
			r.Disconnect(user, session)
		}(i)
	}
	wg.Wait()

	if n := r.OnlineCount(); n != 0 {
		t.Errorf("expected 0 online users after all disconnects, got %d", n)
	}
}
