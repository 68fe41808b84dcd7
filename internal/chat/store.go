package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// messageColumns selects a messages row into Message. Absent optional
// columns come back as empty strings.
const messageColumns = `
	id,
	text,
	COALESCE(author_id, '') AS author_id,
	COALESCE(username, '')  AS username,
	COALESCE(photo_url, '') AS photo_url,
	created_at,
	flagged,
	cleaned_at`

// Store manages messages and offense counters in PostgreSQL.
type Store struct {
	db *sqlx.DB
}

// NewStore creates a Store backed by the given database handle.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// CreateMessage inserts a new message. The id is generated here and
// created_at is assigned by the database clock.
func (s *Store) CreateMessage(ctx context.Context, nm NewMessage) (Message, error) {
	query := `
		INSERT INTO messages (id, text, author_id, username, photo_url, created_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), now())
		RETURNING` + messageColumns

	var m Message
	err := s.db.GetContext(ctx, &m, query,
		uuid.NewString(), nm.Text, nm.AuthorID, nm.Username, nm.PhotoURL)
	if err != nil {
		return Message{}, fmt.Errorf("chat: insert message: %w", err)
	}
	return m, nil
}

// GetMessage returns the message with the given id.
func (s *Store) GetMessage(ctx context.Context, id string) (Message, error) {
	query := `SELECT` + messageColumns + ` FROM messages WHERE id = $1`

	var m Message
	err := s.db.GetContext(ctx, &m, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrMessageNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("chat: get message %s: %w", id, err)
	}
	return m, nil
}

// RecentMessages returns up to limit messages ordered by created_at
// descending. Rows without a created_at sort as the oldest, after every
// resolved row.
func (s *Store) RecentMessages(ctx context.Context, limit int) ([]Message, error) {
	query := `SELECT` + messageColumns + `
		FROM messages
		ORDER BY created_at DESC NULLS LAST, id DESC
		LIMIT $1`

	msgs := []Message{}
	if err := s.db.SelectContext(ctx, &msgs, query, limit); err != nil {
		return nil, fmt.Errorf("chat: recent messages: %w", err)
	}
	return msgs, nil
}

// MessagesBefore returns every message created strictly before cutoff,
// oldest first.
func (s *Store) MessagesBefore(ctx context.Context, cutoff time.Time) ([]Message, error) {
	query := `SELECT` + messageColumns + `
		FROM messages
		WHERE created_at < $1
		ORDER BY created_at ASC`

	msgs := []Message{}
	if err := s.db.SelectContext(ctx, &msgs, query, cutoff); err != nil {
		return nil, fmt.Errorf("chat: messages before %s: %w", cutoff.Format(time.RFC3339Nano), err)
	}
	return msgs, nil
}

// DeleteMessages removes all listed messages in one statement, so either
// every row goes or none does.
func (s *Store) DeleteMessages(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ANY($1::uuid[])`, pq.Array(ids)); err != nil {
		return fmt.Errorf("chat: delete %d messages: %w", len(ids), err)
	}
	return nil
}

// MarkModerated records that moderation ran for a message and left it
// unchanged. Missing or already marked rows are left alone.
func (s *Store) MarkModerated(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET moderated_at = now() WHERE id = $1 AND moderated_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("chat: mark %s moderated: %w", id, err)
	}
	return nil
}

// UnmoderatedMessages returns up to limit messages created before cutoff
// that moderation has not recorded a verdict for, oldest first.
func (s *Store) UnmoderatedMessages(ctx context.Context, cutoff time.Time, limit int) ([]Message, error) {
	query := `SELECT` + messageColumns + `
		FROM messages
		WHERE moderated_at IS NULL AND created_at < $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2`

	msgs := []Message{}
	if err := s.db.SelectContext(ctx, &msgs, query, cutoff, limit); err != nil {
		return nil, fmt.Errorf("chat: unmoderated messages: %w", err)
	}
	return msgs, nil
}

// FlagMessage replaces the text of a profane message with its cleaned form,
// marks it flagged and, when an author is given, increments the author's
// offense counter. Both writes commit together.
//
// It reports false without touching the counter when the message is already
// flagged, which makes a redelivered creation event harmless. A missing
// message yields ErrMessageNotFound.
func (s *Store) FlagMessage(ctx context.Context, u FlagUpdate) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("chat: flag %s: begin: %w", u.MessageID, err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `
		UPDATE messages
		SET text = $2, flagged = TRUE, cleaned_at = now(), moderated_at = now()
		WHERE id = $1 AND flagged = FALSE`,
		u.MessageID, u.CleanedText)
	if err != nil {
		return false, fmt.Errorf("chat: flag %s: update message: %w", u.MessageID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("chat: flag %s: rows affected: %w", u.MessageID, err)
	}
	if n == 0 {
		var exists bool
		if err := tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1)`, u.MessageID); err != nil {
			return false, fmt.Errorf("chat: flag %s: lookup: %w", u.MessageID, err)
		}
		if !exists {
			return false, ErrMessageNotFound
		}
		return false, nil
	}

	if u.AuthorID != "" {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO flags (author_id, last_flagged_message_id, count, updated_at)
			VALUES ($1, $2, 1, now())
			ON CONFLICT (author_id) DO UPDATE
			SET last_flagged_message_id = EXCLUDED.last_flagged_message_id,
			    count = flags.count + 1,
			    updated_at = EXCLUDED.updated_at`,
			u.AuthorID, u.MessageID)
		if err != nil {
			return false, fmt.Errorf("chat: flag %s: upsert counter for %s: %w", u.MessageID, u.AuthorID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("chat: flag %s: commit: %w", u.MessageID, err)
	}
	return true, nil
}

// GetFlagRecord returns the offense counter of an author, or a zero record
// with Count 0 when the author was never flagged.
func (s *Store) GetFlagRecord(ctx context.Context, authorID string) (FlagRecord, error) {
	var rec FlagRecord
	err := s.db.GetContext(ctx, &rec, `
		SELECT author_id, last_flagged_message_id, count, updated_at
		FROM flags WHERE author_id = $1`, authorID)
	if errors.Is(err, sql.ErrNoRows) {
		return FlagRecord{AuthorID: authorID}, nil
	}
	if err != nil {
		return FlagRecord{}, fmt.Errorf("chat: get flags for %s: %w", authorID, err)
	}
	return rec, nil
}
