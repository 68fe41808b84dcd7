// Package chat defines the message and offense-counter records of the shared
// room and their PostgreSQL store.
package chat

import (
	"errors"
	"time"
)

const (
	// RetentionWindow is the number of newest messages kept in the room
	// and shown in the live feed.
	RetentionWindow = 25
)

// ErrMessageNotFound is returned when a message id does not exist.
var ErrMessageNotFound = errors.New("chat: message not found")

// Message is one record of the messages collection. Optional text columns
// are empty when absent.
type Message struct {
	ID        string    `db:"id" json:"id"`
	Text      string    `db:"text" json:"text"`
	AuthorID  string    `db:"author_id" json:"authorId,omitempty"`
	Username  string    `db:"username" json:"username,omitempty"`
	PhotoURL  string    `db:"photo_url" json:"photoURL,omitempty"`
	CreatedAt Timestamp `db:"created_at" json:"createdAt"`
	Flagged   bool      `db:"flagged" json:"flagged,omitempty"`
	CleanedAt Timestamp `db:"cleaned_at" json:"cleanedAt"`
}

// NewMessage is the client-supplied part of a message. The id and
// created_at are assigned on insert.
type NewMessage struct {
	Text     string
	AuthorID string
	Username string
	PhotoURL string
}

// FlagUpdate rewrites a profane message with its cleaned text. When
// AuthorID is set the author's offense counter is incremented in the same
// transaction.
type FlagUpdate struct {
	MessageID   string
	CleanedText string
	AuthorID    string
}

// FlagRecord is the per-author offense counter.
type FlagRecord struct {
	AuthorID             string    `db:"author_id" json:"authorId"`
	LastFlaggedMessageID string    `db:"last_flagged_message_id" json:"lastFlaggedMessageId"`
	Count                int64     `db:"count" json:"count"`
	UpdatedAt            time.Time `db:"updated_at" json:"updatedAt"`
}

// IDs returns the ids of msgs in order.
func IDs(msgs []Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}
