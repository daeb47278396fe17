// Package chat provides the durable store for two-party conversations and
// their messages: canonical pair-key identity, message persistence with
// last-message tracking, per-user read markers and unread counts, and
// idempotent reaction toggling. All state lives in PostgreSQL.
package chat

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a conversation or message does not exist.
var ErrNotFound = errors.New("chat: not found")

// Sender carries the display fields of a message author, resolved from the
// user directory so clients can render without a second lookup.
type Sender struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Reaction is a single (user, emoji) entry on a message. A user holds at
// most one entry per emoji; resubmitting the same pair removes it.
type Reaction struct {
	UserID string    `json:"user_id"`
	Emoji  string    `json:"emoji"`
	At     time.Time `json:"at"`
}

// Message is one persisted chat message. Immutable except for Reactions.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"chat_id"`
	Sender         Sender     `json:"sender"`
	Content        string     `json:"content"`
	Reactions      []Reaction `json:"reactions"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Conversation is a durable two-party messaging context. PairKey is empty
// only on legacy records that predate the canonical key; the reconcile pass
// backfills those.
type Conversation struct {
	ID           string    `json:"id"`
	PairKey      string    `json:"pair_key,omitempty"`
	Participants []Sender  `json:"participants,omitempty"`
	LastMessage  *Message  `json:"last_message,omitempty"`
	Unread       int       `json:"unread"`
	CreatedAt    time.Time `json:"created_at"`
}

// Other returns the participant ID that is not userID, or "" when userID is
// not a participant or the record is not two-party.
func (c *Conversation) Other(userID string) string {
	if len(c.Participants) != 2 {
		return ""
	}
	switch userID {
	case c.Participants[0].ID:
		return c.Participants[1].ID
	case c.Participants[1].ID:
		return c.Participants[0].ID
	}
	return ""
}

// IsParticipant reports whether userID is one of the participants.
func (c *Conversation) IsParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}
