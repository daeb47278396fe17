package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Store manages conversations and messages in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a conversation/message store backed by the given database
// handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for composition (the user directory
// shares the same database).
func (s *Store) DB() *sql.DB {
	return s.db
}

// CreateOrGet returns the single canonical conversation for the unordered
// pair (userID, friendID), creating it if absent. Concurrent calls for the
// same pair never produce two records: creation is an atomic
// insert-if-absent on the pair_key uniqueness constraint, and a lost race is
// recovered by re-reading the winner.
//
// Legacy records without a pair_key are backfilled on first access. If the
// backfill collides with an already-keyed record, the keyed record wins.
func (s *Store) CreateOrGet(ctx context.Context, userID, friendID string) (*Conversation, error) {
	key := PairKey(userID, friendID)

	// Legacy-first lookup: an existing two-party record for these
	// participants takes precedence over creating a keyed one.
	conv, err := s.findByParticipants(ctx, userID, friendID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if conv != nil {
		if conv.PairKey == "" {
			_, err := s.db.ExecContext(ctx,
				`UPDATE conversations SET pair_key = $1 WHERE id = $2`, key, conv.ID)
			if err != nil {
				if isUniqueViolation(err) {
					// A keyed duplicate already exists; it supersedes the
					// legacy record. Merging is the reconcile pass's job.
					return s.GetByPairKey(ctx, key)
				}
				return nil, fmt.Errorf("chat: backfill pair key: %w", err)
			}
			conv.PairKey = key
		}
		return conv, nil
	}

	id := uuid.New().String()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("chat: begin create: %w", err)
	}
	defer tx.Rollback()

	var insertedID string
	err = tx.QueryRowContext(ctx,
		`INSERT INTO conversations (id, pair_key) VALUES ($1, $2)
		 ON CONFLICT (pair_key) DO NOTHING
		 RETURNING id`, id, key).Scan(&insertedID)
	switch {
	case err == nil:
		// We won the insert; attach both participants.
		_, err = tx.ExecContext(ctx,
			`INSERT INTO conversation_participants (conversation_id, user_id)
			 VALUES ($1, $2), ($1, $3)`, id, userID, friendID)
		if err != nil {
			return nil, fmt.Errorf("chat: insert participants: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("chat: commit create: %w", err)
		}
	case errors.Is(err, sql.ErrNoRows):
		// Lost the race: a concurrent caller inserted the pair first.
		// Fall through and read the winner's record.
	default:
		return nil, fmt.Errorf("chat: insert conversation: %w", err)
	}

	return s.GetByPairKey(ctx, key)
}

// Get loads a conversation with its participants resolved. Returns
// ErrNotFound when no record exists.
func (s *Store) Get(ctx context.Context, conversationID string) (*Conversation, error) {
	conv := &Conversation{}
	var pairKey sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, pair_key, created_at FROM conversations WHERE id = $1`,
		conversationID).Scan(&conv.ID, &pairKey, &conv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chat: get conversation: %w", err)
	}
	conv.PairKey = pairKey.String

	if conv.Participants, err = s.participants(ctx, conv.ID); err != nil {
		return nil, err
	}
	return conv, nil
}

// GetByPairKey loads the conversation with the given canonical key.
func (s *Store) GetByPairKey(ctx context.Context, key string) (*Conversation, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM conversations WHERE pair_key = $1`, key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chat: get by pair key: %w", err)
	}
	return s.Get(ctx, id)
}

// IsParticipant reports whether userID belongs to the conversation.
func (s *Store) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM conversation_participants
		 WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("chat: participant check: %w", err)
	}
	return true, nil
}

// ParticipantIDs returns the user IDs of the conversation's participants.
func (s *Store) ParticipantIDs(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM conversation_participants
		 WHERE conversation_id = $1 ORDER BY user_id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("chat: participant ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("chat: scan participant: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ConversationIDsFor returns the IDs of every conversation the user
// participates in. Used to join the user's rooms at connect time.
func (s *Store) ConversationIDsFor(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id FROM conversation_participants WHERE user_id = $1`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("chat: conversations for user: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("chat: scan conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListForUser returns the user's conversations with participants, last
// message, and the caller's unread count resolved. Legacy duplicates
// (pre-pair-key records) are collapsed by canonical key, earliest record
// winning, so the list stays clean even before the reconcile pass runs.
func (s *Store) ListForUser(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.pair_key, c.created_at, c.last_message_id
		 FROM conversations c
		 JOIN conversation_participants p ON p.conversation_id = c.id
		 WHERE p.user_id = $1
		 ORDER BY c.created_at ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("chat: list conversations: %w", err)
	}
	defer rows.Close()

	type row struct {
		conv   Conversation
		lastID sql.NullString
	}
	var all []row
	for rows.Next() {
		var r row
		var pairKey sql.NullString
		if err := rows.Scan(&r.conv.ID, &pairKey, &r.conv.CreatedAt, &r.lastID); err != nil {
			return nil, fmt.Errorf("chat: scan conversation: %w", err)
		}
		r.conv.PairKey = pairKey.String
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []Conversation
	for _, r := range all {
		conv := r.conv
		if conv.Participants, err = s.participants(ctx, conv.ID); err != nil {
			return nil, err
		}

		// Dedupe key: pair_key, else sorted participants, else the row ID.
		key := conv.PairKey
		if key == "" && len(conv.Participants) == 2 {
			key = PairKey(conv.Participants[0].ID, conv.Participants[1].ID)
		}
		if key == "" {
			key = "id:" + conv.ID
		}
		if seen[key] {
			continue
		}
		seen[key] = true

		if r.lastID.Valid {
			last, err := s.GetMessage(ctx, r.lastID.String)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return nil, err
			}
			conv.LastMessage = last
		}
		if conv.Unread, err = s.UnreadCount(ctx, conv.ID, userID); err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, nil
}

// Delete removes a conversation; messages, reactions, and read markers
// cascade. Returns ErrNotFound when no record exists.
func (s *Store) Delete(ctx context.Context, conversationID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE id = $1`, conversationID)
	if err != nil {
		return fmt.Errorf("chat: delete conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("chat: delete conversation: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// findByParticipants returns the earliest-created conversation whose
// participant set is exactly {a, b}, or ErrNotFound.
func (s *Store) findByParticipants(ctx context.Context, a, b string) (*Conversation, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT c.id
		 FROM conversations c
		 JOIN conversation_participants pa ON pa.conversation_id = c.id AND pa.user_id = $1
		 JOIN conversation_participants pb ON pb.conversation_id = c.id AND pb.user_id = $2
		 WHERE (SELECT count(*) FROM conversation_participants p
		        WHERE p.conversation_id = c.id) = 2
		 ORDER BY c.created_at ASC
		 LIMIT 1`, a, b).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chat: find by participants: %w", err)
	}
	return s.Get(ctx, id)
}

// participants resolves the display profiles of a conversation's members.
func (s *Store) participants(ctx context.Context, conversationID string) ([]Sender, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT u.id, u.username, u.display_name, u.avatar_url
		 FROM conversation_participants p
		 JOIN users u ON u.id = p.user_id
		 WHERE p.conversation_id = $1
		 ORDER BY u.id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("chat: load participants: %w", err)
	}
	defer rows.Close()

	var out []Sender
	for rows.Next() {
		var p Sender
		if err := rows.Scan(&p.ID, &p.Username, &p.DisplayName, &p.AvatarURL); err != nil {
			return nil, fmt.Errorf("chat: scan participant profile: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// isForeignKeyViolation reports whether err is a PostgreSQL foreign key
// violation (SQLSTATE 23503), e.g. a write against a deleted conversation.
func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}
