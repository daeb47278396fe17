package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/buzztalk/chat-server/internal/chat"
	"github.com/buzztalk/chat-server/internal/presence"
	"github.com/buzztalk/chat-server/internal/protocol"
	"github.com/buzztalk/chat-server/internal/ratelimit"
	"github.com/buzztalk/chat-server/internal/rooms"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeHandle struct {
	sessionID string
	userID    string
	mu        sync.Mutex
	sent      [][]byte
}

func (f *fakeHandle) SessionID() string { return f.sessionID }
func (f *fakeHandle) UserID() string    { return f.userID }
func (f *fakeHandle) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.sent = append(f.sent, cp)
	return nil
}

// received returns the decoded "type" field of every message the handle got.
func (f *fakeHandle) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var types []string
	for _, data := range f.sent {
		var m struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(data, &m)
		types = append(types, m.Type)
	}
	return types
}

// countOf returns how many messages of the given type the handle received.
func (f *fakeHandle) countOf(msgType string) int {
	n := 0
	for _, t := range f.received() {
		if t == msgType {
			n++
		}
	}
	return n
}

type fakeStore struct {
	mu            sync.Mutex
	conversations map[string][]string // conversationID -> participant IDs
	messages      map[string]string   // messageID -> conversationID
	reactions     map[string][]chat.Reaction
	appended      int
	nextMsgID     int
	appendErr     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		conversations: make(map[string][]string),
		messages:      make(map[string]string),
		reactions:     make(map[string][]chat.Reaction),
	}
}

func (f *fakeStore) ConversationIDsFor(_ context.Context, userID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, parts := range f.conversations {
		for _, p := range parts {
			if p == userID {
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

func (f *fakeStore) IsParticipant(_ context.Context, conversationID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.conversations[conversationID] {
		if p == userID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) ParticipantIDs(_ context.Context, conversationID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.conversations[conversationID]...), nil
}

func (f *fakeStore) AppendMessage(_ context.Context, conversationID, senderID, content string) (*chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return nil, f.appendErr
	}
	f.appended++
	f.nextMsgID++
	id := fmt.Sprintf("msg-%d", f.nextMsgID)
	f.messages[id] = conversationID
	return &chat.Message{
		ID:             id,
		ConversationID: conversationID,
		Sender:         chat.Sender{ID: senderID},
		Content:        content,
		CreatedAt:      time.Now(),
	}, nil
}

func (f *fakeStore) MessageConversation(_ context.Context, messageID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.messages[messageID]
	if !ok {
		return "", chat.ErrNotFound
	}
	return id, nil
}

func (f *fakeStore) ToggleReaction(_ context.Context, messageID, userID, emoji string) ([]chat.Reaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions[messageID] = append(f.reactions[messageID], chat.Reaction{
		UserID: userID, Emoji: emoji, At: time.Now(),
	})
	return f.reactions[messageID], nil
}

type fakeUsers struct {
	mu       sync.Mutex
	friends  map[string][]string
	blocked  map[string]bool // "a|b" in both orders
	online   []string
	offline  []string
	lastSeen map[string]time.Time
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{
		friends:  make(map[string][]string),
		blocked:  make(map[string]bool),
		lastSeen: make(map[string]time.Time),
	}
}

func (f *fakeUsers) SetOnline(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online = append(f.online, userID)
	return nil
}

func (f *fakeUsers) SetOffline(_ context.Context, userID string, lastSeen time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = append(f.offline, userID)
	f.lastSeen[userID] = lastSeen
	return nil
}

func (f *fakeUsers) Friends(_ context.Context, userID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.friends[userID]...), nil
}

func (f *fakeUsers) IsBlockedEither(_ context.Context, a, b string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blocked[a+"|"+b] || f.blocked[b+"|"+a], nil
}

func (f *fakeUsers) block(a, b string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocked[a+"|"+b] = true
}

type fakeLimiter struct {
	allow bool
}

func (f *fakeLimiter) Allow(_ context.Context, _ string, _ ratelimit.Rule) (bool, error) {
	return f.allow, nil
}

// ---------------------------------------------------------------------------
// Test harness
// ---------------------------------------------------------------------------

type harness struct {
	hub   *Hub
	store *fakeStore
	users *fakeUsers
	reg   *presence.Registry
	rooms *rooms.Manager
}

func newHarness() *harness {
	store := newFakeStore()
	users := newFakeUsers()
	reg := presence.NewRegistry()
	roomMgr := rooms.NewManager()
	return &harness{
		hub:   New(store, users, reg, roomMgr),
		store: store,
		users: users,
		reg:   reg,
		rooms: roomMgr,
	}
}

// connect registers a handle with the presence registry without the room
// auto-join side effects of OnConnect.
func (h *harness) connect(sessionID, userID string) *fakeHandle {
	hd := &fakeHandle{sessionID: sessionID, userID: userID}
	h.reg.Connect(hd)
	return hd
}

// ---------------------------------------------------------------------------
// Message fan-out
// ---------------------------------------------------------------------------

func TestSendMessage_DisjointDeliveryPaths(t *testing.T) {
	h := newHarness()
	h.store.conversations["c1"] = []string{"alice", "bob"}

	alice := h.connect("s-alice", "alice")
	bobInRoom := h.connect("s-bob-1", "bob")
	bobElsewhere := h.connect("s-bob-2", "bob")

	h.rooms.Join("c1", bobInRoom)

	h.hub.SendMessage(context.Background(), alice, protocol.SendMessageMsg{
		ChatID: "c1", Content: "hello",
	})

	// Each session receives the message exactly once: the sender and the
	// joined session through the room, the stray session through the
	// direct path.
	for _, tc := range []struct {
		name   string
		handle *fakeHandle
	}{
		{"sender", alice},
		{"room member", bobInRoom},
		{"online non-member", bobElsewhere},
	} {
		if got := tc.handle.countOf(protocol.TypeNewMessage); got != 1 {
			t.Errorf("%s: received new_message %d times, want exactly 1", tc.name, got)
		}
	}

	if h.store.appended != 1 {
		t.Errorf("appended %d messages, want 1", h.store.appended)
	}
}

// joinOnSendHandle joins another handle into a room the moment it receives a
// message, standing in for a join_chat that lands while a send is fanning out.
type joinOnSendHandle struct {
	fakeHandle
	rooms *rooms.Manager
	conv  string
	late  *fakeHandle
	once  sync.Once
}

func (j *joinOnSendHandle) Send(data []byte) error {
	j.once.Do(func() { j.rooms.Join(j.conv, j.late) })
	return j.fakeHandle.Send(data)
}

func TestSendMessage_JoinDuringFanoutDeliveredOnce(t *testing.T) {
	h := newHarness()
	h.store.conversations["c1"] = []string{"alice", "bob"}

	late := &fakeHandle{sessionID: "s-bob-late", userID: "bob"}
	h.reg.Connect(late)

	member := &joinOnSendHandle{
		fakeHandle: fakeHandle{sessionID: "s-bob-1", userID: "bob"},
		rooms:      h.rooms,
		conv:       "c1",
		late:       late,
	}
	h.reg.Connect(member)
	h.rooms.Join("c1", member)

	alice := h.connect("s-alice", "alice")

	h.hub.SendMessage(context.Background(), alice, protocol.SendMessageMsg{
		ChatID: "c1", Content: "hi",
	})

	// The broadcast and the direct path work from the same membership
	// snapshot, so a session that joins the room mid-send still gets the
	// message exactly once (through the direct path).
	if got := late.countOf(protocol.TypeNewMessage); got != 1 {
		t.Errorf("mid-send joiner received new_message %d times, want exactly 1", got)
	}
	if got := member.countOf(protocol.TypeNewMessage); got != 1 {
		t.Errorf("room member received new_message %d times, want exactly 1", got)
	}
}

func TestSendMessage_SenderJoinsRoom(t *testing.T) {
	h := newHarness()
	h.store.conversations["c1"] = []string{"alice", "bob"}
	alice := h.connect("s-alice", "alice")

	h.hub.SendMessage(context.Background(), alice, protocol.SendMessageMsg{
		ChatID: "c1", Content: "hi",
	})

	if !h.rooms.IsMember("c1", "s-alice") {
		t.Error("sender should be a room member after sending")
	}
}

func TestSendMessage_NonParticipantDroppedSilently(t *testing.T) {
	h := newHarness()
	h.store.conversations["c1"] = []string{"alice", "bob"}

	mallory := h.connect("s-mallory", "mallory")
	bob := h.connect("s-bob", "bob")
	h.rooms.Join("c1", bob)

	h.hub.SendMessage(context.Background(), mallory, protocol.SendMessageMsg{
		ChatID: "c1", Content: "intrusion",
	})

	if h.store.appended != 0 {
		t.Errorf("appended %d messages, want 0", h.store.appended)
	}
	if got := len(mallory.received()); got != 0 {
		t.Errorf("sender received %d replies, want none (silent drop)", got)
	}
	if got := bob.countOf(protocol.TypeNewMessage); got != 0 {
		t.Errorf("participant received %d messages, want 0", got)
	}
}

func TestSendMessage_BlockedDroppedSilently(t *testing.T) {
	h := newHarness()
	h.store.conversations["c1"] = []string{"alice", "bob"}
	h.users.block("bob", "alice")

	alice := h.connect("s-alice", "alice")

	h.hub.SendMessage(context.Background(), alice, protocol.SendMessageMsg{
		ChatID: "c1", Content: "hello?",
	})

	if h.store.appended != 0 {
		t.Errorf("appended %d messages, want 0", h.store.appended)
	}
	if got := len(alice.received()); got != 0 {
		t.Errorf("sender received %d replies, want none", got)
	}
}

func TestSendMessage_RateLimited(t *testing.T) {
	h := newHarness()
	h.store.conversations["c1"] = []string{"alice", "bob"}
	h.hub.SetLimiter(&fakeLimiter{allow: false})

	alice := h.connect("s-alice", "alice")

	h.hub.SendMessage(context.Background(), alice, protocol.SendMessageMsg{
		ChatID: "c1", Content: "spam",
	})

	if h.store.appended != 0 {
		t.Errorf("appended %d messages, want 0", h.store.appended)
	}
}

func TestSendMessage_StoreErrorDropped(t *testing.T) {
	h := newHarness()
	h.store.conversations["c1"] = []string{"alice", "bob"}
	h.store.appendErr = errors.New("content too long")

	alice := h.connect("s-alice", "alice")

	h.hub.SendMessage(context.Background(), alice, protocol.SendMessageMsg{
		ChatID: "c1", Content: "x",
	})

	if got := len(alice.received()); got != 0 {
		t.Errorf("sender received %d replies, want none", got)
	}
}

// ---------------------------------------------------------------------------
// Room subscription
// ---------------------------------------------------------------------------

func TestJoinChat_Participant(t *testing.T) {
	h := newHarness()
	h.store.conversations["c1"] = []string{"alice", "bob"}
	alice := h.connect("s-alice", "alice")

	h.hub.JoinChat(context.Background(), alice, protocol.JoinChatMsg{ChatID: "c1"})

	if !h.rooms.IsMember("c1", "s-alice") {
		t.Error("participant should have joined the room")
	}
}

func TestJoinChat_NonParticipantDropped(t *testing.T) {
	h := newHarness()
	h.store.conversations["c1"] = []string{"alice", "bob"}
	mallory := h.connect("s-mallory", "mallory")

	h.hub.JoinChat(context.Background(), mallory, protocol.JoinChatMsg{ChatID: "c1"})

	if h.rooms.IsMember("c1", "s-mallory") {
		t.Error("non-participant must not join the room")
	}
	if got := len(mallory.received()); got != 0 {
		t.Errorf("received %d replies, want none (silent drop)", got)
	}
}

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

func TestOnConnect_FirstSessionNotifiesOnlineFriends(t *testing.T) {
	h := newHarness()
	h.users.friends["alice"] = []string{"bob", "carol"}

	bob := h.connect("s-bob", "bob") // online friend
	// carol is offline

	alice := &fakeHandle{sessionID: "s-alice", userID: "alice"}
	h.hub.OnConnect(context.Background(), alice)

	if got := bob.countOf(protocol.TypeFriendOnline); got != 1 {
		t.Errorf("online friend received friend_online %d times, want 1", got)
	}
	if len(h.users.online) != 1 || h.users.online[0] != "alice" {
		t.Errorf("SetOnline calls = %v, want [alice]", h.users.online)
	}
}

func TestOnConnect_SecondSessionIsQuiet(t *testing.T) {
	h := newHarness()
	h.users.friends["alice"] = []string{"bob"}
	bob := h.connect("s-bob", "bob")

	h.hub.OnConnect(context.Background(), &fakeHandle{sessionID: "s-a1", userID: "alice"})
	h.hub.OnConnect(context.Background(), &fakeHandle{sessionID: "s-a2", userID: "alice"})

	if got := bob.countOf(protocol.TypeFriendOnline); got != 1 {
		t.Errorf("friend_online sent %d times across two sessions, want 1", got)
	}
	if len(h.users.online) != 1 {
		t.Errorf("SetOnline called %d times, want 1", len(h.users.online))
	}
}

func TestOnConnect_AutoJoinsConversationRooms(t *testing.T) {
	h := newHarness()
	h.store.conversations["c1"] = []string{"alice", "bob"}
	h.store.conversations["c2"] = []string{"alice", "carol"}

	alice := &fakeHandle{sessionID: "s-alice", userID: "alice"}
	h.hub.OnConnect(context.Background(), alice)

	for _, id := range []string{"c1", "c2"} {
		if !h.rooms.IsMember(id, "s-alice") {
			t.Errorf("session should auto-join room %s on connect", id)
		}
	}
}

func TestOnDisconnect_LastSessionGoesOffline(t *testing.T) {
	h := newHarness()
	h.users.friends["alice"] = []string{"bob"}
	bob := h.connect("s-bob", "bob")

	h.hub.OnConnect(context.Background(), &fakeHandle{sessionID: "s-a1", userID: "alice"})
	h.hub.OnConnect(context.Background(), &fakeHandle{sessionID: "s-a2", userID: "alice"})

	h.hub.OnDisconnect(context.Background(), "alice", "s-a1")
	if len(h.users.offline) != 0 {
		t.Fatal("user went offline while another session remained")
	}
	if got := bob.countOf(protocol.TypeFriendOffline); got != 0 {
		t.Fatalf("friend_offline sent %d times before last disconnect, want 0", got)
	}

	h.hub.OnDisconnect(context.Background(), "alice", "s-a2")
	if len(h.users.offline) != 1 || h.users.offline[0] != "alice" {
		t.Errorf("SetOffline calls = %v, want [alice]", h.users.offline)
	}
	if got := bob.countOf(protocol.TypeFriendOffline); got != 1 {
		t.Errorf("friend_offline sent %d times, want 1", got)
	}
	if h.users.lastSeen["alice"].IsZero() {
		t.Error("last seen timestamp should be recorded on final disconnect")
	}
}

// ---------------------------------------------------------------------------
// Reactions
// ---------------------------------------------------------------------------

func TestReactMessage_BroadcastsToRoom(t *testing.T) {
	h := newHarness()
	h.store.conversations["c1"] = []string{"alice", "bob"}
	h.store.messages["m1"] = "c1"

	alice := h.connect("s-alice", "alice")
	bob := h.connect("s-bob", "bob")
	h.rooms.Join("c1", alice)
	h.rooms.Join("c1", bob)

	h.hub.ReactMessage(context.Background(), alice, protocol.ReactMessageMsg{
		MessageID: "m1", Emoji: "🔥",
	})

	for _, hd := range []*fakeHandle{alice, bob} {
		if got := hd.countOf(protocol.TypeMessageReaction); got != 1 {
			t.Errorf("session %s received message_reaction %d times, want 1", hd.sessionID, got)
		}
	}
}

func TestReactMessage_NonParticipantDropped(t *testing.T) {
	h := newHarness()
	h.store.conversations["c1"] = []string{"alice", "bob"}
	h.store.messages["m1"] = "c1"

	mallory := h.connect("s-mallory", "mallory")
	h.hub.ReactMessage(context.Background(), mallory, protocol.ReactMessageMsg{
		MessageID: "m1", Emoji: "👀",
	})

	if len(h.store.reactions["m1"]) != 0 {
		t.Error("non-participant reaction must not be stored")
	}
}

// ---------------------------------------------------------------------------
// Typing indicators
// ---------------------------------------------------------------------------

func TestTyping_RelayedToOtherMembersOnly(t *testing.T) {
	h := newHarness()
	alice := h.connect("s-alice", "alice")
	bob := h.connect("s-bob", "bob")
	h.rooms.Join("c1", alice)
	h.rooms.Join("c1", bob)

	h.hub.StartTyping(context.Background(), alice, protocol.StartTypingMsg{ChatID: "c1"})

	if got := bob.countOf(protocol.TypeUserTyping); got != 1 {
		t.Errorf("other member received user_typing %d times, want 1", got)
	}
	if got := alice.countOf(protocol.TypeUserTyping); got != 0 {
		t.Errorf("typist received their own indicator %d times, want 0", got)
	}

	h.hub.StopTyping(context.Background(), alice, protocol.StopTypingMsg{ChatID: "c1"})
	if got := bob.countOf(protocol.TypeUserStoppedTyping); got != 1 {
		t.Errorf("other member received user_stopped_typing %d times, want 1", got)
	}
}

func TestTyping_NonMemberDropped(t *testing.T) {
	h := newHarness()
	alice := h.connect("s-alice", "alice")
	bob := h.connect("s-bob", "bob")
	h.rooms.Join("c1", bob)

	h.hub.StartTyping(context.Background(), alice, protocol.StartTypingMsg{ChatID: "c1"})

	if got := bob.countOf(protocol.TypeUserTyping); got != 0 {
		t.Errorf("received user_typing %d times from non-member, want 0", got)
	}
}

func TestTyping_AutoStopsAfterTimeout(t *testing.T) {
	h := newHarness()
	alice := h.connect("s-alice", "alice")
	bob := h.connect("s-bob", "bob")
	h.rooms.Join("c1", alice)
	h.rooms.Join("c1", bob)

	h.hub.StartTyping(context.Background(), alice, protocol.StartTypingMsg{ChatID: "c1"})

	deadline := time.Now().Add(TypingTimeout + time.Second)
	for time.Now().Before(deadline) {
		if bob.countOf(protocol.TypeUserStoppedTyping) == 1 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("user_stopped_typing was not emitted after the typing timeout")
}

func TestTyping_DisconnectStopsIndicator(t *testing.T) {
	h := newHarness()
	alice := h.connect("s-alice", "alice")
	bob := h.connect("s-bob", "bob")
	h.rooms.Join("c1", alice)
	h.rooms.Join("c1", bob)

	h.hub.StartTyping(context.Background(), alice, protocol.StartTypingMsg{ChatID: "c1"})
	h.hub.OnDisconnect(context.Background(), "alice", "s-alice")

	if got := bob.countOf(protocol.TypeUserStoppedTyping); got != 1 {
		t.Errorf("received user_stopped_typing %d times after disconnect, want 1", got)
	}
}

// ---------------------------------------------------------------------------
// Friend request relays
// ---------------------------------------------------------------------------

func TestSendFriendRequest_RelayedToOnlineRecipient(t *testing.T) {
	h := newHarness()
	alice := h.connect("s-alice", "alice")
	bob := h.connect("s-bob", "bob")

	h.hub.SendFriendRequest(context.Background(), alice, protocol.SendFriendRequestMsg{
		RecipientID: "bob",
	})

	if got := bob.countOf(protocol.TypeNewFriendRequest); got != 1 {
		t.Errorf("recipient received new_friend_request %d times, want 1", got)
	}
}

func TestSendFriendRequest_BlockedDropped(t *testing.T) {
	h := newHarness()
	h.users.block("bob", "alice")
	alice := h.connect("s-alice", "alice")
	bob := h.connect("s-bob", "bob")

	h.hub.SendFriendRequest(context.Background(), alice, protocol.SendFriendRequestMsg{
		RecipientID: "bob",
	})

	if got := bob.countOf(protocol.TypeNewFriendRequest); got != 0 {
		t.Errorf("blocked recipient received %d requests, want 0", got)
	}
}

func TestAcceptFriendRequest_RelayedToRequester(t *testing.T) {
	h := newHarness()
	alice := h.connect("s-alice", "alice")
	bob := h.connect("s-bob", "bob")

	h.hub.AcceptFriendRequest(context.Background(), bob, protocol.AcceptFriendRequestMsg{
		RequesterID: "alice",
	})

	if got := alice.countOf(protocol.TypeFriendRequestAccepted); got != 1 {
		t.Errorf("requester received friend_request_accepted %d times, want 1", got)
	}
}

// ---------------------------------------------------------------------------
// HTTP API notifications
// ---------------------------------------------------------------------------

func TestNotifyMessagesRead(t *testing.T) {
	h := newHarness()
	alice := h.connect("s-alice", "alice")
	h.rooms.Join("c1", alice)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.hub.NotifyMessagesRead("c1", "bob", at)

	if got := alice.countOf(protocol.TypeMessagesRead); got != 1 {
		t.Fatalf("received messages_read %d times, want 1", got)
	}

	var msg protocol.MessagesReadMsg
	if err := json.Unmarshal(alice.sent[0], &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.UserID != "bob" || msg.ChatID != "c1" {
		t.Errorf("payload = %+v, want user bob in chat c1", msg)
	}
	if msg.At != "2026-03-01T12:00:00Z" {
		t.Errorf("at = %q, want RFC 3339 timestamp", msg.At)
	}
}

func TestNotifyChatDeleted_DropsRoom(t *testing.T) {
	h := newHarness()
	alice := h.connect("s-alice", "alice")
	h.rooms.Join("c1", alice)

	h.hub.NotifyChatDeleted("c1")

	if got := alice.countOf(protocol.TypeChatDeleted); got != 1 {
		t.Errorf("received chat_deleted %d times, want 1", got)
	}
	if h.rooms.IsMember("c1", "s-alice") {
		t.Error("room should be dropped after deletion")
	}
}

// ---------------------------------------------------------------------------
// Cross-server replay
// ---------------------------------------------------------------------------

func TestReplayConversation_DisjointDelivery(t *testing.T) {
	h := newHarness()
	h.store.conversations["c1"] = []string{"alice", "bob"}

	inRoom := h.connect("s-bob-1", "bob")
	elsewhere := h.connect("s-bob-2", "bob")
	h.rooms.Join("c1", inRoom)

	payload, _ := protocol.NewServerMessage(protocol.TypeNewMessage, map[string]string{"chat_id": "c1"})
	h.hub.ReplayConversation(context.Background(), "c1", payload)

	for _, tc := range []struct {
		name   string
		handle *fakeHandle
	}{
		{"room member", inRoom},
		{"online non-member", elsewhere},
	} {
		if got := tc.handle.countOf(protocol.TypeNewMessage); got != 1 {
			t.Errorf("%s: received %d times, want exactly 1", tc.name, got)
		}
	}
}
