// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoinChat            = "join_chat"
	TypeSendMessage         = "send_message"
	TypeStartTyping         = "start_typing"
	TypeStopTyping          = "stop_typing"
	TypeReactMessage        = "react_message"
	TypeSendFriendRequest   = "send_friend_request"
	TypeAcceptFriendRequest = "accept_friend_request"
	TypePing                = "ping"
)

// Server -> Client message types.
const (
	TypeConnected             = "connected"
	TypeNewMessage            = "new_message"
	TypeUserTyping            = "user_typing"
	TypeUserStoppedTyping     = "user_stopped_typing"
	TypeMessageReaction       = "message_reaction"
	TypeMessagesRead          = "messages_read"
	TypeChatDeleted           = "chat_deleted"
	TypeFriendOnline          = "friend_online"
	TypeFriendOffline         = "friend_offline"
	TypeNewFriendRequest      = "new_friend_request"
	TypeFriendRequestAccepted = "friend_request_accepted"
	TypePong                  = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinChatMsg is sent by the client to subscribe to a conversation's event
// stream after opening it.
type JoinChatMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

// SendMessageMsg is sent by the client to post a message into a conversation.
// Content is opaque to the server — plain text or an application-level
// attachment descriptor encoded as a string.
type SendMessageMsg struct {
	Type    string `json:"type"`
	ChatID  string `json:"chat_id"`
	Content string `json:"content"`
}

// StartTypingMsg signals that the client has begun typing in a conversation.
type StartTypingMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

// StopTypingMsg signals that the client has stopped typing in a conversation.
type StopTypingMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

// ReactMessageMsg toggles an emoji reaction on a message.
type ReactMessageMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

// SendFriendRequestMsg asks the server to notify the recipient that a friend
// request was created (the request itself is persisted by the HTTP API).
type SendFriendRequestMsg struct {
	Type        string `json:"type"`
	RecipientID string `json:"recipient_id"`
}

// AcceptFriendRequestMsg asks the server to notify the original requester
// that their friend request was accepted.
type AcceptFriendRequestMsg struct {
	Type        string `json:"type"`
	RequesterID string `json:"requester_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConnectedMsg is sent by the server once the connection is authenticated
// and registered.
type ConnectedMsg struct {
	Type      string `json:"type"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

// UserTypingMsg relays a typing indicator to the other room members.
type UserTypingMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
}

// MessagesReadMsg notifies room members that a participant marked the
// conversation read up to the given timestamp (RFC 3339).
type MessagesReadMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
	At     string `json:"at"`
}

// ChatDeletedMsg notifies room members that the conversation was deleted so
// any currently viewing participant is redirected out of it.
type ChatDeletedMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

// FriendOnlineMsg notifies a user that one of their friends connected.
type FriendOnlineMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// FriendOfflineMsg notifies a user that one of their friends disconnected,
// carrying the friend's new last-seen timestamp (RFC 3339).
type FriendOfflineMsg struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	LastSeen string `json:"last_seen"`
}

// NewFriendRequestMsg is a presence-aware notification that a friend request
// arrived. It carries no payload beyond the type.
type NewFriendRequestMsg struct {
	Type string `json:"type"`
}

// FriendRequestAcceptedMsg is a presence-aware notification that a friend
// request was accepted.
type FriendRequestAcceptedMsg struct {
	Type string `json:"type"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoinChat:
		var m JoinChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeStartTyping:
		var m StartTypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeStopTyping:
		var m StopTypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeReactMessage:
		var m ReactMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendFriendRequest:
		var m SendFriendRequestMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeAcceptFriendRequest:
		var m AcceptFriendRequestMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// may be any JSON-marshalable value (a Server*Msg struct or a domain record
// such as a message with resolved sender fields).
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
