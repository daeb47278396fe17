package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppendMessage persists a message and updates the conversation's
// last-message pointer in the same transaction, so a reader that observes
// the message also observes the pointer. The returned record has the
// sender's display fields resolved and an empty reaction set.
func (s *Store) AppendMessage(ctx context.Context, conversationID, senderID, content string) (*Message, error) {
	if err := ValidateContent(content); err != nil {
		return nil, fmt.Errorf("chat: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("chat: begin append: %w", err)
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM conversations WHERE id = $1`, conversationID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chat: append conversation check: %w", err)
	}

	id := uuid.New().String()
	var createdAt time.Time
	err = tx.QueryRowContext(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, content)
		 VALUES ($1, $2, $3, $4)
		 RETURNING created_at`, id, conversationID, senderID, content).Scan(&createdAt)
	if err != nil {
		return nil, fmt.Errorf("chat: insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET last_message_id = $1 WHERE id = $2`,
		id, conversationID); err != nil {
		return nil, fmt.Errorf("chat: update last message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("chat: commit append: %w", err)
	}

	sender, err := s.senderProfile(ctx, senderID)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:             id,
		ConversationID: conversationID,
		Sender:         sender,
		Content:        content,
		Reactions:      []Reaction{},
		CreatedAt:      createdAt,
	}, nil
}

// GetMessage loads one message with sender profile and reactions resolved.
func (s *Store) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	m := &Message{Reactions: []Reaction{}}
	err := s.db.QueryRowContext(ctx,
		`SELECT m.id, m.conversation_id, m.content, m.created_at,
		        u.id, u.username, u.display_name, u.avatar_url
		 FROM messages m
		 JOIN users u ON u.id = m.sender_id
		 WHERE m.id = $1`, messageID).Scan(
		&m.ID, &m.ConversationID, &m.Content, &m.CreatedAt,
		&m.Sender.ID, &m.Sender.Username, &m.Sender.DisplayName, &m.Sender.AvatarURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chat: get message: %w", err)
	}

	if m.Reactions, err = s.reactions(ctx, messageID); err != nil {
		return nil, err
	}
	return m, nil
}

// ListMessages returns every message in a conversation ascending by creation
// time, with sender display fields and reactions resolved.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.conversation_id, m.content, m.created_at,
		        u.id, u.username, u.display_name, u.avatar_url
		 FROM messages m
		 JOIN users u ON u.id = m.sender_id
		 WHERE m.conversation_id = $1
		 ORDER BY m.created_at ASC, m.id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("chat: list messages: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]int)
	var out []Message
	for rows.Next() {
		m := Message{Reactions: []Reaction{}}
		if err := rows.Scan(
			&m.ID, &m.ConversationID, &m.Content, &m.CreatedAt,
			&m.Sender.ID, &m.Sender.Username, &m.Sender.DisplayName, &m.Sender.AvatarURL); err != nil {
			return nil, fmt.Errorf("chat: scan message: %w", err)
		}
		byID[m.ID] = len(out)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// One pass over the conversation's reactions instead of a query per
	// message.
	rrows, err := s.db.QueryContext(ctx,
		`SELECT r.message_id, r.user_id, r.emoji, r.reacted_at
		 FROM message_reactions r
		 JOIN messages m ON m.id = r.message_id
		 WHERE m.conversation_id = $1
		 ORDER BY r.reacted_at ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("chat: list reactions: %w", err)
	}
	defer rrows.Close()

	for rrows.Next() {
		var msgID string
		var r Reaction
		if err := rrows.Scan(&msgID, &r.UserID, &r.Emoji, &r.At); err != nil {
			return nil, fmt.Errorf("chat: scan reaction: %w", err)
		}
		if i, ok := byID[msgID]; ok {
			out[i].Reactions = append(out[i].Reactions, r)
		}
	}
	return out, rrows.Err()
}

// MessageConversation resolves the conversation that owns a message.
func (s *Store) MessageConversation(ctx context.Context, messageID string) (string, error) {
	var conversationID string
	err := s.db.QueryRowContext(ctx,
		`SELECT conversation_id FROM messages WHERE id = $1`, messageID).Scan(&conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("chat: message conversation: %w", err)
	}
	return conversationID, nil
}

// MarkRead upserts the user's read marker for a conversation. The caller
// supplies the timestamp so the confirmed value can be echoed back.
func (s *Store) MarkRead(ctx context.Context, conversationID, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_reads (conversation_id, user_id, read_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (conversation_id, user_id) DO UPDATE SET read_at = EXCLUDED.read_at`,
		conversationID, userID, at)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("chat: mark read: %w", err)
	}
	return nil
}

// UnreadCount counts messages the user has not read: those created after the
// user's read marker (epoch zero when absent) and sent by someone else — a
// user never owes itself an unread count.
func (s *Store) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*)
		 FROM messages m
		 WHERE m.conversation_id = $1
		   AND m.sender_id <> $2
		   AND m.created_at > COALESCE(
		       (SELECT read_at FROM conversation_reads
		        WHERE conversation_id = $1 AND user_id = $2),
		       'epoch'::timestamptz)`, conversationID, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("chat: unread count: %w", err)
	}
	return n, nil
}

// ToggleReaction flips the (userID, emoji) entry on a message: removes it if
// present, adds it with the current timestamp otherwise. Returns the full
// updated reaction set for broadcast.
func (s *Store) ToggleReaction(ctx context.Context, messageID, userID, emoji string) ([]Reaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("chat: begin toggle: %w", err)
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM messages WHERE id = $1`, messageID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chat: toggle message check: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM message_reactions
		 WHERE message_id = $1 AND user_id = $2 AND emoji = $3`,
		messageID, userID, emoji)
	if err != nil {
		return nil, fmt.Errorf("chat: toggle delete: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("chat: toggle delete: %w", err)
	}
	if removed == 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO message_reactions (message_id, user_id, emoji, reacted_at)
			 VALUES ($1, $2, $3, now())`, messageID, userID, emoji); err != nil {
			return nil, fmt.Errorf("chat: toggle insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("chat: commit toggle: %w", err)
	}

	return s.reactions(ctx, messageID)
}

// reactions loads the full reaction set of a message in application order.
func (s *Store) reactions(ctx context.Context, messageID string) ([]Reaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, emoji, reacted_at
		 FROM message_reactions
		 WHERE message_id = $1
		 ORDER BY reacted_at ASC, emoji ASC`, messageID)
	if err != nil {
		return nil, fmt.Errorf("chat: load reactions: %w", err)
	}
	defer rows.Close()

	out := []Reaction{}
	for rows.Next() {
		var r Reaction
		if err := rows.Scan(&r.UserID, &r.Emoji, &r.At); err != nil {
			return nil, fmt.Errorf("chat: scan reaction: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// senderProfile resolves a user's display fields.
func (s *Store) senderProfile(ctx context.Context, userID string) (Sender, error) {
	var p Sender
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, display_name, avatar_url FROM users WHERE id = $1`,
		userID).Scan(&p.ID, &p.Username, &p.DisplayName, &p.AvatarURL)
	if errors.Is(err, sql.ErrNoRows) {
		return Sender{}, ErrNotFound
	}
	if err != nil {
		return Sender{}, fmt.Errorf("chat: sender profile: %w", err)
	}
	return p, nil
}
