// Package room implements posting to and reading from the single shared
// chat room. Moderation happens later in the moderator; this package only
// rejects messages that must never be stored.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chattroom/chat-app/internal/auth"
	"github.com/chattroom/chat-app/internal/chat"
	"github.com/chattroom/chat-app/internal/feed"
	"github.com/chattroom/chat-app/internal/logging"
	"github.com/chattroom/chat-app/internal/metrics"
	"github.com/chattroom/chat-app/internal/moderation"
	"github.com/chattroom/chat-app/internal/profile"
	"github.com/chattroom/chat-app/internal/ratelimit"
)

var (
	// ErrProfileIncomplete is returned when the poster has no username yet.
	ErrProfileIncomplete = errors.New("room: profile incomplete")

	// ErrSpam is returned when the text matches a spam heuristic.
	ErrSpam = errors.New("room: message looks like spam")

	// ErrRateLimited is wrapped by RateLimitedError.
	ErrRateLimited = errors.New("room: rate limited")
)

// RateLimitedError is returned when the poster exceeded the message rate.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("room: rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// MessageStore persists and lists messages.
type MessageStore interface {
	CreateMessage(ctx context.Context, m chat.NewMessage) (chat.Message, error)
	RecentMessages(ctx context.Context, limit int) ([]chat.Message, error)
}

// Profiles looks up the poster's profile.
type Profiles interface {
	Get(ctx context.Context, uid string) (profile.Profile, error)
}

// Limiter throttles posting per user. It fails open.
type Limiter interface {
	Allowed(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, time.Duration)
}

// SpamChecker screens text before it is stored.
type SpamChecker interface {
	CheckSpam(text string) moderation.FilterResult
}

// Publisher announces new messages to the moderator and feed subscribers.
type Publisher interface {
	PublishMessageCreated(ctx context.Context, messageID string, data []byte) error
	PublishRoomChanged(data []byte) error
}

// Service posts to and reads the room.
type Service struct {
	messages  MessageStore
	profiles  Profiles
	limiter   Limiter
	spam      SpamChecker
	publisher Publisher
	logger    *slog.Logger
}

// NewService creates a Service. limiter and publisher may be nil.
func NewService(messages MessageStore, profiles Profiles, limiter Limiter, spam SpamChecker, publisher Publisher, logger *slog.Logger) *Service {
	return &Service{
		messages:  messages,
		profiles:  profiles,
		limiter:   limiter,
		spam:      spam,
		publisher: publisher,
		logger:    logging.Component(logger, "room"),
	}
}

// Post stores text as a new message by id and announces it. The text is
// trimmed before validation; profanity is left for the moderator.
func (s *Service) Post(ctx context.Context, id auth.Identity, text string) (chat.Message, error) {
	text = strings.TrimSpace(text)
	if err := chat.ValidateMessage(text); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return chat.Message{}, err
	}

	p, err := s.profiles.Get(ctx, id.UID)
	switch {
	case errors.Is(err, profile.ErrNotFound):
		return chat.Message{}, ErrProfileIncomplete
	case err != nil:
		return chat.Message{}, fmt.Errorf("room: load profile: %w", err)
	case p.Username == "":
		return chat.Message{}, ErrProfileIncomplete
	}

	if s.limiter != nil {
		if ok, retry := s.limiter.Allowed(ctx, id.UID, ratelimit.RuleMessage); !ok {
			metrics.MessagesTotal.WithLabelValues("rejected").Inc()
			return chat.Message{}, &RateLimitedError{RetryAfter: retry}
		}
	}

	if res := s.spam.CheckSpam(text); res.Blocked {
		s.logger.Info("spam rejected", "uid", id.UID, "pattern", res.Term)
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return chat.Message{}, ErrSpam
	}

	photo := p.PhotoURL
	if photo == "" {
		photo = id.PhotoURL
	}
	m, err := s.messages.CreateMessage(ctx, chat.NewMessage{
		Text:     text,
		AuthorID: id.UID,
		Username: p.Username,
		PhotoURL: photo,
	})
	if err != nil {
		return chat.Message{}, fmt.Errorf("room: create message: %w", err)
	}
	metrics.MessagesTotal.WithLabelValues("posted").Inc()

	s.announce(ctx, m)
	return m, nil
}

// announce publishes the creation event and a room change. The message is
// already stored, so failures are logged rather than returned.
func (s *Service) announce(ctx context.Context, m chat.Message) {
	if s.publisher == nil {
		return
	}

	ev, err := chat.NewMessageCreated(m)
	if err == nil {
		var data []byte
		if data, err = json.Marshal(ev); err == nil {
			err = s.publisher.PublishMessageCreated(ctx, m.ID, data)
		}
	}
	if err != nil {
		s.logger.Error("publish messages.created failed", "message_id", m.ID, "error", err)
	}

	change, _ := json.Marshal(chat.NewRoomChanged(chat.ChangePosted, m.ID))
	if err := s.publisher.PublishRoomChanged(change); err != nil {
		s.logger.Error("publish room.changed failed", "message_id", m.ID, "error", err)
	}
}

// Feed returns the newest window of messages, oldest first.
func (s *Service) Feed(ctx context.Context) ([]chat.Message, error) {
	recent, err := s.messages.RecentMessages(ctx, chat.RetentionWindow)
	if err != nil {
		return nil, fmt.Errorf("room: feed: %w", err)
	}
	return feed.Compose(recent), nil
}
