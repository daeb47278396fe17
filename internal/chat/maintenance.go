package chat

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"
)

// Reconcile is the idempotent offline maintenance pass for legacy
// conversation records. It groups two-party conversations by canonical pair
// key, keeps the earliest-created record as canonical, reassigns messages,
// merges read markers taking the later timestamp per user, deletes the
// superseded records, backfills missing pair keys, and repairs the
// last-message pointer. Running it on an already-clean data set changes
// nothing.
//
// It returns the number of duplicate records merged away.
func (s *Store) Reconcile(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.pair_key, c.created_at,
		        array_to_string(array(
		            SELECT p.user_id::text FROM conversation_participants p
		            WHERE p.conversation_id = c.id ORDER BY p.user_id), ',')
		 FROM conversations c`)
	if err != nil {
		return 0, fmt.Errorf("chat: reconcile scan: %w", err)
	}
	defer rows.Close()

	type record struct {
		id        string
		pairKey   string
		createdAt time.Time
		key       string
	}

	groups := make(map[string][]record)
	for rows.Next() {
		var r record
		var pairKey sql.NullString
		var participants string
		if err := rows.Scan(&r.id, &pairKey, &r.createdAt, &participants); err != nil {
			return 0, fmt.Errorf("chat: reconcile scan row: %w", err)
		}
		r.pairKey = pairKey.String

		r.key = r.pairKey
		if r.key == "" {
			// Derive the canonical key for two-party legacy records;
			// anything else is skipped.
			if ids := strings.Split(participants, ","); len(ids) == 2 {
				r.key = PairKey(ids[0], ids[1])
			}
		}
		if r.key == "" {
			continue
		}
		groups[r.key] = append(groups[r.key], r)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	merged := 0
	for key, list := range groups {
		sort.Slice(list, func(i, j int) bool {
			return list[i].createdAt.Before(list[j].createdAt)
		})
		canonical := list[0]

		for _, dupe := range list[1:] {
			if err := s.mergeInto(ctx, canonical.id, dupe.id); err != nil {
				return merged, err
			}
			merged++
			log.Printf("chat: merged duplicate conversation %s into %s (pair %s)",
				dupe.id, canonical.id, key)
		}

		if canonical.pairKey == "" {
			// Duplicates are gone at this point, so the key is free.
			if _, err := s.db.ExecContext(ctx,
				`UPDATE conversations SET pair_key = $1 WHERE id = $2`,
				key, canonical.id); err != nil {
				return merged, fmt.Errorf("chat: reconcile backfill: %w", err)
			}
		}

		if len(list) > 1 {
			if err := s.repairLastMessage(ctx, canonical.id); err != nil {
				return merged, err
			}
		}
	}
	return merged, nil
}

// mergeInto folds a duplicate conversation into the canonical one inside a
// single transaction: messages are reassigned, read markers merged keeping
// the later timestamp per user, and the duplicate deleted.
func (s *Store) mergeInto(ctx context.Context, canonicalID, dupeID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("chat: begin merge: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET conversation_id = $1 WHERE conversation_id = $2`,
		canonicalID, dupeID); err != nil {
		return fmt.Errorf("chat: merge messages: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversation_reads (conversation_id, user_id, read_at)
		 SELECT $1, user_id, read_at FROM conversation_reads WHERE conversation_id = $2
		 ON CONFLICT (conversation_id, user_id)
		 DO UPDATE SET read_at = GREATEST(conversation_reads.read_at, EXCLUDED.read_at)`,
		canonicalID, dupeID); err != nil {
		return fmt.Errorf("chat: merge read markers: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM conversations WHERE id = $1`, dupeID); err != nil {
		return fmt.Errorf("chat: delete duplicate: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("chat: commit merge: %w", err)
	}
	return nil
}

// repairLastMessage points the conversation at its latest message (or NULL
// for an empty conversation).
func (s *Store) repairLastMessage(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET last_message_id = (
		     SELECT id FROM messages WHERE conversation_id = $1
		     ORDER BY created_at DESC, id DESC LIMIT 1)
		 WHERE id = $1`, conversationID)
	if err != nil {
		return fmt.Errorf("chat: repair last message: %w", err)
	}
	return nil
}
