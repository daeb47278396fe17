// Package user provides the user directory consumed by the real-time core:
// presence status and last-seen mutation on connect/disconnect, friend and
// block lookups for authorization, and display-profile resolution.
package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a user does not exist.
var ErrNotFound = errors.New("user: not found")

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Profile carries a user's public display fields.
type Profile struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	DisplayName string     `json:"display_name,omitempty"`
	AvatarURL   string     `json:"avatar_url,omitempty"`
	Status      string     `json:"status"`
	LastSeen    *time.Time `json:"last_seen,omitempty"`
}

// Directory reads and mutates user records in PostgreSQL.
type Directory struct {
	db *sql.DB
}

// NewDirectory creates a directory backed by the given database handle.
func NewDirectory(db *sql.DB) *Directory {
	return &Directory{db: db}
}

// Get resolves a user's profile.
func (d *Directory) Get(ctx context.Context, userID string) (*Profile, error) {
	p := &Profile{}
	var lastSeen sql.NullTime
	err := d.db.QueryRowContext(ctx,
		`SELECT id, username, display_name, avatar_url, status, last_seen
		 FROM users WHERE id = $1`, userID).Scan(
		&p.ID, &p.Username, &p.DisplayName, &p.AvatarURL, &p.Status, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("user: get: %w", err)
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		p.LastSeen = &t
	}
	return p, nil
}

// SetOnline marks the user online. Called when the user's first connection
// registers.
func (d *Directory) SetOnline(ctx context.Context, userID string) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE users SET status = $1 WHERE id = $2`, StatusOnline, userID)
	if err != nil {
		return fmt.Errorf("user: set online: %w", err)
	}
	return nil
}

// SetOffline marks the user offline and records the given last-seen
// timestamp. Called when the user's last connection goes away.
func (d *Directory) SetOffline(ctx context.Context, userID string, lastSeen time.Time) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE users SET status = $1, last_seen = $2 WHERE id = $3`,
		StatusOffline, lastSeen, userID)
	if err != nil {
		return fmt.Errorf("user: set offline: %w", err)
	}
	return nil
}

// Friends returns the IDs of the user's accepted friends.
func (d *Directory) Friends(ctx context.Context, userID string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT friend_id FROM friends WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("user: friends: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("user: scan friend: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// IsFriend reports whether a counts b among their friends.
func (d *Directory) IsFriend(ctx context.Context, a, b string) (bool, error) {
	var one int
	err := d.db.QueryRowContext(ctx,
		`SELECT 1 FROM friends WHERE user_id = $1 AND friend_id = $2`, a, b).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("user: friend check: %w", err)
	}
	return true, nil
}

// IsBlockedEither reports whether either user has blocked the other. Message
// sends are refused (silently) in both directions.
func (d *Directory) IsBlockedEither(ctx context.Context, a, b string) (bool, error) {
	var one int
	err := d.db.QueryRowContext(ctx,
		`SELECT 1 FROM blocks
		 WHERE (user_id = $1 AND blocked_id = $2)
		    OR (user_id = $2 AND blocked_id = $1)
		 LIMIT 1`, a, b).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("user: block check: %w", err)
	}
	return true, nil
}
