package moderation

import (
	"context"
	"time"

	"github.com/chattroom/chat-app/internal/chat"
)

// Detector decides whether text is profane and produces its cleaned form.
// Implementations must guarantee that IsProfane(Clean(x)) is false.
type Detector interface {
	IsProfane(text string) bool
	Clean(text string) string
}

// Store is the part of the message store the trigger writes to.
type Store interface {
	// FlagMessage rewrites the message and bumps the author's counter. It
	// reports false when the message was already flagged.
	FlagMessage(ctx context.Context, u chat.FlagUpdate) (bool, error)
	RecentMessages(ctx context.Context, limit int) ([]chat.Message, error)
	MessagesBefore(ctx context.Context, cutoff time.Time) ([]chat.Message, error)
	DeleteMessages(ctx context.Context, ids []string) error
	// MarkModerated records a verdict for a message that needed no rewrite.
	MarkModerated(ctx context.Context, id string) error
	UnmoderatedMessages(ctx context.Context, cutoff time.Time, limit int) ([]chat.Message, error)
}

// Notifier announces that the room's newest window changed.
type Notifier interface {
	PublishRoomChanged(data []byte) error
}

// Outcome summarizes one trigger invocation.
type Outcome struct {
	MessageID string
	// Skipped is set when the record carried no string text.
	Skipped bool
	// Flagged is set when this invocation rewrote the message.
	Flagged bool
	// CounterUpdated is set when the author's offense counter was bumped.
	CounterUpdated bool
	Pruned         int
}
