// Package hub implements the real-time event logic: presence transitions,
// room subscriptions, message fan-out over the room and direct delivery
// paths, typing indicators, reactions, and friend notifications. It sits
// between the WebSocket transport and the persistence layer and never
// replies to unauthorized or malformed requests — those are logged and
// dropped.
package hub

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/buzztalk/chat-server/internal/chat"
	"github.com/buzztalk/chat-server/internal/metrics"
	"github.com/buzztalk/chat-server/internal/presence"
	"github.com/buzztalk/chat-server/internal/protocol"
	"github.com/buzztalk/chat-server/internal/ratelimit"
	"github.com/buzztalk/chat-server/internal/rooms"
)

// TypingTimeout is how long a typing indicator stays active without a
// refresh before the server emits the stop event on the typist's behalf.
const TypingTimeout = 2 * time.Second

// ChatStore is the subset of the conversation store the hub depends on.
type ChatStore interface {
	ConversationIDsFor(ctx context.Context, userID string) ([]string, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	ParticipantIDs(ctx context.Context, conversationID string) ([]string, error)
	AppendMessage(ctx context.Context, conversationID, senderID, content string) (*chat.Message, error)
	MessageConversation(ctx context.Context, messageID string) (string, error)
	ToggleReaction(ctx context.Context, messageID, userID, emoji string) ([]chat.Reaction, error)
}

// UserDirectory is the subset of the user directory the hub depends on.
type UserDirectory interface {
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string, lastSeen time.Time) error
	Friends(ctx context.Context, userID string) ([]string, error)
	IsBlockedEither(ctx context.Context, a, b string) (bool, error)
}

// Limiter throttles message sends per user. The Redis-backed
// ratelimit.Limiter satisfies this.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Publisher forwards events to peer server instances. The NATS client
// satisfies this; a nil Publisher means single-instance operation.
type Publisher interface {
	PublishConversation(conversationID string, payload []byte) error
	PublishUser(userID string, payload []byte) error
}

// Hub wires the transport callbacks to the store, presence registry, and
// room manager.
type Hub struct {
	store    ChatStore
	users    UserDirectory
	presence *presence.Registry
	rooms    *rooms.Manager
	limiter  Limiter   // optional
	bridge   Publisher // optional

	typingMu sync.Mutex
	typing   map[string]*time.Timer // sessionID|conversationID -> auto-stop timer
}

// New creates a Hub over the given collaborators.
func New(store ChatStore, users UserDirectory, reg *presence.Registry, roomMgr *rooms.Manager) *Hub {
	return &Hub{
		store:    store,
		users:    users,
		presence: reg,
		rooms:    roomMgr,
		typing:   make(map[string]*time.Timer),
	}
}

// SetLimiter enables per-user rate limiting on message sends.
func (h *Hub) SetLimiter(l Limiter) { h.limiter = l }

// SetBridge enables cross-server event forwarding.
func (h *Hub) SetBridge(p Publisher) { h.bridge = p }

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

// OnConnect registers a new authenticated session. The session is subscribed
// to the rooms of all the user's existing conversations; if this is the
// user's first session, the user is flipped online and their online friends
// are notified.
func (h *Hub) OnConnect(ctx context.Context, hd presence.Handle) {
	first := h.presence.Connect(hd)

	ids, err := h.store.ConversationIDsFor(ctx, hd.UserID())
	if err != nil {
		log.Printf("hub: listing conversations for user=%s: %v", hd.UserID(), err)
	}
	for _, id := range ids {
		h.rooms.Join(id, hd)
	}

	metrics.ConnectionsTotal.Inc()
	metrics.OnlineUsers.Set(float64(h.presence.OnlineCount()))
	metrics.ActiveRooms.Set(float64(h.rooms.Count()))

	if !first {
		return
	}

	if err := h.users.SetOnline(ctx, hd.UserID()); err != nil {
		log.Printf("hub: set online user=%s: %v", hd.UserID(), err)
	}
	h.notifyFriends(ctx, hd.UserID(), protocol.TypeFriendOnline, protocol.FriendOnlineMsg{
		UserID: hd.UserID(),
	})
}

// OnDisconnect tears down a session: active typing indicators are stopped,
// room subscriptions are dropped, and if this was the user's last session
// the user is flipped offline with a fresh last-seen timestamp and their
// online friends are notified.
func (h *Hub) OnDisconnect(ctx context.Context, userID, sessionID string) {
	h.stopAllTyping(sessionID, userID)
	h.rooms.LeaveAll(sessionID)
	last := h.presence.Disconnect(userID, sessionID)

	metrics.ConnectionsTotal.Dec()
	metrics.OnlineUsers.Set(float64(h.presence.OnlineCount()))
	metrics.ActiveRooms.Set(float64(h.rooms.Count()))

	if !last {
		return
	}

	lastSeen := time.Now().UTC()
	if err := h.users.SetOffline(ctx, userID, lastSeen); err != nil {
		log.Printf("hub: set offline user=%s: %v", userID, err)
	}
	h.notifyFriends(ctx, userID, protocol.TypeFriendOffline, protocol.FriendOfflineMsg{
		UserID:   userID,
		LastSeen: lastSeen.Format(time.RFC3339),
	})
}

// notifyFriends delivers an event to every online friend of userID, and
// forwards it to peer servers for friends connected elsewhere.
func (h *Hub) notifyFriends(ctx context.Context, userID, msgType string, payload interface{}) {
	friends, err := h.users.Friends(ctx, userID)
	if err != nil {
		log.Printf("hub: listing friends for user=%s: %v", userID, err)
		return
	}

	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("hub: building %s: %v", msgType, err)
		return
	}

	for _, friendID := range friends {
		h.sendToUser(friendID, data)
		if h.bridge != nil {
			if err := h.bridge.PublishUser(friendID, data); err != nil {
				log.Printf("hub: publish %s to user=%s: %v", msgType, friendID, err)
			}
		}
	}
}

// sendToUser delivers data to every local session of a user.
func (h *Hub) sendToUser(userID string, data []byte) {
	for _, hd := range h.presence.Handles(userID) {
		_ = hd.Send(data)
	}
}

// ---------------------------------------------------------------------------
// Conversation events
// ---------------------------------------------------------------------------

// JoinChat subscribes the session to a conversation's room after verifying
// the user is a participant. Failures are dropped without a reply.
func (h *Hub) JoinChat(ctx context.Context, hd presence.Handle, msg protocol.JoinChatMsg) {
	ok, err := h.store.IsParticipant(ctx, msg.ChatID, hd.UserID())
	if err != nil {
		log.Printf("hub: join_chat lookup chat=%s user=%s: %v", msg.ChatID, hd.UserID(), err)
		return
	}
	if !ok {
		log.Printf("hub: dropping join_chat from non-participant user=%s chat=%s", hd.UserID(), msg.ChatID)
		return
	}
	h.rooms.Join(msg.ChatID, hd)
	metrics.ActiveRooms.Set(float64(h.rooms.Count()))
}

// SendMessage validates, persists, and fans out a message. Delivery uses two
// disjoint paths: a broadcast to every session in the conversation's room,
// and a direct send to each online participant session that is not in the
// room. Every authorization failure is a silent drop.
func (h *Hub) SendMessage(ctx context.Context, hd presence.Handle, msg protocol.SendMessageMsg) {
	sender := hd.UserID()

	if h.limiter != nil {
		allowed, _ := h.limiter.Allow(ctx, sender, ratelimit.RuleMessage)
		if !allowed {
			log.Printf("hub: rate limited send_message user=%s", sender)
			metrics.MessagesTotal.WithLabelValues("dropped").Inc()
			return
		}
	}

	participants, err := h.store.ParticipantIDs(ctx, msg.ChatID)
	if err != nil || len(participants) == 0 {
		log.Printf("hub: dropping send_message to unknown chat=%s user=%s: %v", msg.ChatID, sender, err)
		metrics.MessagesTotal.WithLabelValues("dropped").Inc()
		return
	}

	isParticipant := false
	other := ""
	for _, p := range participants {
		if p == sender {
			isParticipant = true
		} else {
			other = p
		}
	}
	if !isParticipant {
		log.Printf("hub: dropping send_message from non-participant user=%s chat=%s", sender, msg.ChatID)
		metrics.MessagesTotal.WithLabelValues("blocked").Inc()
		return
	}

	if other != "" {
		blocked, err := h.users.IsBlockedEither(ctx, sender, other)
		if err != nil {
			log.Printf("hub: block check user=%s other=%s: %v", sender, other, err)
			metrics.MessagesTotal.WithLabelValues("dropped").Inc()
			return
		}
		if blocked {
			metrics.MessagesTotal.WithLabelValues("blocked").Inc()
			return
		}
	}

	saved, err := h.store.AppendMessage(ctx, msg.ChatID, sender, msg.Content)
	if err != nil {
		log.Printf("hub: dropping send_message user=%s chat=%s: %v", sender, msg.ChatID, err)
		metrics.MessagesTotal.WithLabelValues("dropped").Inc()
		return
	}

	data, err := protocol.NewServerMessage(protocol.TypeNewMessage, saved)
	if err != nil {
		log.Printf("hub: building new_message: %v", err)
		return
	}

	// The sender joins the room before the broadcast so they receive their
	// own message through the same path as everyone else.
	h.rooms.Join(msg.ChatID, hd)
	room := h.rooms.Broadcast(msg.ChatID, data)
	metrics.DeliveriesTotal.WithLabelValues("room").Add(float64(len(room)))

	// Direct path: online participant sessions the broadcast did not reach.
	// Excluding exactly the sessions Broadcast delivered to keeps each
	// session's delivery count at one even if it joins the room mid-send.
	for _, uid := range participants {
		if uid == sender {
			continue
		}
		for _, target := range h.presence.Handles(uid) {
			if room[target.SessionID()] {
				continue
			}
			_ = target.Send(data)
			metrics.DeliveriesTotal.WithLabelValues("direct").Inc()
		}
	}

	metrics.MessagesTotal.WithLabelValues("sent").Inc()

	if h.bridge != nil {
		if err := h.bridge.PublishConversation(msg.ChatID, data); err != nil {
			log.Printf("hub: publish new_message chat=%s: %v", msg.ChatID, err)
		}
	}
}

// ReactMessage toggles an emoji reaction on a message and broadcasts the
// message's full updated reaction set to the conversation's room.
func (h *Hub) ReactMessage(ctx context.Context, hd presence.Handle, msg protocol.ReactMessageMsg) {
	if msg.MessageID == "" || msg.Emoji == "" {
		return
	}

	conversationID, err := h.store.MessageConversation(ctx, msg.MessageID)
	if err != nil {
		log.Printf("hub: dropping react_message for unknown message=%s user=%s: %v",
			msg.MessageID, hd.UserID(), err)
		return
	}

	ok, err := h.store.IsParticipant(ctx, conversationID, hd.UserID())
	if err != nil || !ok {
		log.Printf("hub: dropping react_message from non-participant user=%s chat=%s", hd.UserID(), conversationID)
		return
	}

	reactions, err := h.store.ToggleReaction(ctx, msg.MessageID, hd.UserID(), msg.Emoji)
	if err != nil {
		log.Printf("hub: toggle reaction message=%s user=%s: %v", msg.MessageID, hd.UserID(), err)
		return
	}

	data, err := protocol.NewServerMessage(protocol.TypeMessageReaction, struct {
		MessageID string          `json:"message_id"`
		Reactions []chat.Reaction `json:"reactions"`
	}{msg.MessageID, reactions})
	if err != nil {
		log.Printf("hub: building message_reaction: %v", err)
		return
	}

	h.rooms.Broadcast(conversationID, data)
	if h.bridge != nil {
		if err := h.bridge.PublishConversation(conversationID, data); err != nil {
			log.Printf("hub: publish message_reaction chat=%s: %v", conversationID, err)
		}
	}
}

// ---------------------------------------------------------------------------
// Typing indicators
// ---------------------------------------------------------------------------

// StartTyping relays a typing indicator to the other room members and arms
// the auto-stop timer. A session that goes silent without sending
// stop_typing stops "typing" on its own after TypingTimeout.
func (h *Hub) StartTyping(ctx context.Context, hd presence.Handle, msg protocol.StartTypingMsg) {
	if !h.rooms.IsMember(msg.ChatID, hd.SessionID()) {
		return
	}

	data, err := protocol.NewServerMessage(protocol.TypeUserTyping, protocol.UserTypingMsg{
		ChatID: msg.ChatID,
		UserID: hd.UserID(),
	})
	if err != nil {
		log.Printf("hub: building user_typing: %v", err)
		return
	}
	h.rooms.BroadcastExcept(msg.ChatID, hd.SessionID(), data)

	key := typingKey(hd.SessionID(), msg.ChatID)
	h.typingMu.Lock()
	if timer, ok := h.typing[key]; ok {
		timer.Reset(TypingTimeout)
	} else {
		sessionID, userID, chatID := hd.SessionID(), hd.UserID(), msg.ChatID
		h.typing[key] = time.AfterFunc(TypingTimeout, func() {
			h.typingMu.Lock()
			delete(h.typing, key)
			h.typingMu.Unlock()
			h.broadcastStoppedTyping(chatID, sessionID, userID)
		})
	}
	h.typingMu.Unlock()
}

// StopTyping cancels the auto-stop timer and relays the stop event.
func (h *Hub) StopTyping(ctx context.Context, hd presence.Handle, msg protocol.StopTypingMsg) {
	h.cancelTyping(typingKey(hd.SessionID(), msg.ChatID))
	h.broadcastStoppedTyping(msg.ChatID, hd.SessionID(), hd.UserID())
}

func (h *Hub) broadcastStoppedTyping(chatID, sessionID, userID string) {
	data, err := protocol.NewServerMessage(protocol.TypeUserStoppedTyping, protocol.UserTypingMsg{
		ChatID: chatID,
		UserID: userID,
	})
	if err != nil {
		log.Printf("hub: building user_stopped_typing: %v", err)
		return
	}
	h.rooms.BroadcastExcept(chatID, sessionID, data)
}

// stopAllTyping fires the stop event for every conversation the session was
// still typing in. Called on disconnect.
func (h *Hub) stopAllTyping(sessionID, userID string) {
	prefix := sessionID + "|"

	h.typingMu.Lock()
	var chatIDs []string
	for key, timer := range h.typing {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			timer.Stop()
			delete(h.typing, key)
			chatIDs = append(chatIDs, key[len(prefix):])
		}
	}
	h.typingMu.Unlock()

	for _, chatID := range chatIDs {
		h.broadcastStoppedTyping(chatID, sessionID, userID)
	}
}

func (h *Hub) cancelTyping(key string) {
	h.typingMu.Lock()
	if timer, ok := h.typing[key]; ok {
		timer.Stop()
		delete(h.typing, key)
	}
	h.typingMu.Unlock()
}

func typingKey(sessionID, chatID string) string {
	return fmt.Sprintf("%s|%s", sessionID, chatID)
}

// ---------------------------------------------------------------------------
// Friend request relays
// ---------------------------------------------------------------------------

// SendFriendRequest notifies the recipient's sessions that a friend request
// arrived. The request itself is persisted by the HTTP API; this is a
// presence-aware nudge only.
func (h *Hub) SendFriendRequest(ctx context.Context, hd presence.Handle, msg protocol.SendFriendRequestMsg) {
	if msg.RecipientID == "" || msg.RecipientID == hd.UserID() {
		return
	}

	if h.limiter != nil {
		allowed, _ := h.limiter.Allow(ctx, hd.UserID(), ratelimit.RuleFriendRequest)
		if !allowed {
			log.Printf("hub: rate limited send_friend_request user=%s", hd.UserID())
			return
		}
	}

	blocked, err := h.users.IsBlockedEither(ctx, hd.UserID(), msg.RecipientID)
	if err != nil || blocked {
		return
	}

	h.relayToUser(msg.RecipientID, protocol.TypeNewFriendRequest, protocol.NewFriendRequestMsg{})
}

// AcceptFriendRequest notifies the original requester's sessions that their
// friend request was accepted.
func (h *Hub) AcceptFriendRequest(ctx context.Context, hd presence.Handle, msg protocol.AcceptFriendRequestMsg) {
	if msg.RequesterID == "" || msg.RequesterID == hd.UserID() {
		return
	}
	h.relayToUser(msg.RequesterID, protocol.TypeFriendRequestAccepted, protocol.FriendRequestAcceptedMsg{})
}

func (h *Hub) relayToUser(userID, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("hub: building %s: %v", msgType, err)
		return
	}
	h.sendToUser(userID, data)
	if h.bridge != nil {
		if err := h.bridge.PublishUser(userID, data); err != nil {
			log.Printf("hub: publish %s to user=%s: %v", msgType, userID, err)
		}
	}
}

// ---------------------------------------------------------------------------
// Notifications from the HTTP API and peer servers
// ---------------------------------------------------------------------------

// NotifyMessagesRead broadcasts a read marker update to the conversation's
// room.
func (h *Hub) NotifyMessagesRead(conversationID, userID string, at time.Time) {
	data, err := protocol.NewServerMessage(protocol.TypeMessagesRead, protocol.MessagesReadMsg{
		ChatID: conversationID,
		UserID: userID,
		At:     at.UTC().Format(time.RFC3339),
	})
	if err != nil {
		log.Printf("hub: building messages_read: %v", err)
		return
	}
	h.rooms.Broadcast(conversationID, data)
	if h.bridge != nil {
		if err := h.bridge.PublishConversation(conversationID, data); err != nil {
			log.Printf("hub: publish messages_read chat=%s: %v", conversationID, err)
		}
	}
}

// NotifyChatDeleted broadcasts the deletion to the conversation's room and
// then drops the room so stale sessions stop receiving events for it.
func (h *Hub) NotifyChatDeleted(conversationID string) {
	data, err := protocol.NewServerMessage(protocol.TypeChatDeleted, protocol.ChatDeletedMsg{
		ChatID: conversationID,
	})
	if err != nil {
		log.Printf("hub: building chat_deleted: %v", err)
		return
	}
	h.rooms.Broadcast(conversationID, data)
	if h.bridge != nil {
		if err := h.bridge.PublishConversation(conversationID, data); err != nil {
			log.Printf("hub: publish chat_deleted chat=%s: %v", conversationID, err)
		}
	}
	h.rooms.Drop(conversationID)
	metrics.ActiveRooms.Set(float64(h.rooms.Count()))
}

// ReplayConversation delivers an event published by a peer server to the
// local sessions of the conversation: room members via broadcast, and
// participant sessions outside the room via direct send, using the same
// disjoint target sets as a local send.
func (h *Hub) ReplayConversation(ctx context.Context, conversationID string, data []byte) {
	room := h.rooms.Broadcast(conversationID, data)

	participants, err := h.store.ParticipantIDs(ctx, conversationID)
	if err != nil {
		log.Printf("hub: replay participants chat=%s: %v", conversationID, err)
		return
	}
	for _, uid := range participants {
		for _, target := range h.presence.Handles(uid) {
			if room[target.SessionID()] {
				continue
			}
			_ = target.Send(data)
		}
	}
}

// ReplayUser delivers a user-targeted event published by a peer server to
// the user's local sessions.
func (h *Hub) ReplayUser(userID string, data []byte) {
	h.sendToUser(userID, data)
}
