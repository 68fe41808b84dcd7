// Package chattest provides an in-memory chat store for tests. It mirrors
// the ordering rules of chat.Store, where unresolved timestamps sort as the
// oldest and come last in RecentMessages, and lets tests seed unresolved
// timestamps and inject failures.
package chattest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chattroom/chat-app/internal/chat"
)

// Store is an in-memory implementation of the chat store operations.
type Store struct {
	mu       sync.Mutex
	messages  map[string]chat.Message
	flags     map[string]chat.FlagRecord
	moderated map[string]bool
	clock     time.Time

	// Injected failures. A nil value means the operation succeeds.
	FlagErr   error
	CreateErr error
	QueryErr  error
	DeleteErr error
	MarkErr   error

	// Deletes records every DeleteMessages call.
	Deletes [][]string
}

// NewStore returns an empty Store whose clock starts at a fixed instant.
func NewStore() *Store {
	return &Store{
		messages:  make(map[string]chat.Message),
		flags:     make(map[string]chat.FlagRecord),
		moderated: make(map[string]bool),
		clock:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// tick advances the store clock by one millisecond and returns it.
func (s *Store) tick() time.Time {
	s.clock = s.clock.Add(time.Millisecond)
	return s.clock
}

// Seed inserts m as-is. An empty id is replaced with a fresh UUID. Flagged
// messages count as moderated. The stored message is returned.
func (s *Store) Seed(m chat.Message) chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	s.messages[m.ID] = m
	s.moderated[m.ID] = m.Flagged
	return m
}

// SeedText inserts a message with the next clock value as created_at.
func (s *Store) SeedText(text, authorID string) chat.Message {
	s.mu.Lock()
	at := s.tick()
	s.mu.Unlock()
	return s.Seed(chat.Message{Text: text, AuthorID: authorID, CreatedAt: chat.At(at)})
}

// CreateMessage inserts a message stamped with the store clock.
func (s *Store) CreateMessage(_ context.Context, nm chat.NewMessage) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateErr != nil {
		return chat.Message{}, s.CreateErr
	}
	m := chat.Message{
		ID:        uuid.NewString(),
		Text:      nm.Text,
		AuthorID:  nm.AuthorID,
		Username:  nm.Username,
		PhotoURL:  nm.PhotoURL,
		CreatedAt: chat.At(s.tick()),
	}
	s.messages[m.ID] = m
	return m, nil
}

// RecentMessages returns up to limit messages, newest first. Unresolved
// timestamps order as 0 and therefore come last.
func (s *Store) RecentMessages(_ context.Context, limit int) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.QueryErr != nil {
		return nil, s.QueryErr
	}
	all := s.sortedLocked()
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// MessagesBefore returns resolved messages created strictly before cutoff,
// oldest first.
func (s *Store) MessagesBefore(_ context.Context, cutoff time.Time) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.QueryErr != nil {
		return nil, s.QueryErr
	}
	var out []chat.Message
	for _, m := range s.sortedLocked() {
		if m.CreatedAt.Valid && m.CreatedAt.Time.Before(cutoff) {
			out = append(out, m)
		}
	}
	return out, nil
}

// DeleteMessages removes every listed id, or nothing when DeleteErr is set.
func (s *Store) DeleteMessages(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DeleteErr != nil {
		return s.DeleteErr
	}
	s.Deletes = append(s.Deletes, append([]string(nil), ids...))
	for _, id := range ids {
		delete(s.messages, id)
		delete(s.moderated, id)
	}
	return nil
}

// MarkModerated follows chat.Store.MarkModerated.
func (s *Store) MarkModerated(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.MarkErr != nil {
		return fmt.Errorf("chattest: mark %s: %w", id, s.MarkErr)
	}
	if _, ok := s.messages[id]; ok {
		s.moderated[id] = true
	}
	return nil
}

// UnmoderatedMessages returns up to limit resolved messages created before
// cutoff that were never moderated, oldest first.
func (s *Store) UnmoderatedMessages(_ context.Context, cutoff time.Time, limit int) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.QueryErr != nil {
		return nil, s.QueryErr
	}
	var out []chat.Message
	for _, m := range s.sortedLocked() {
		if len(out) == limit {
			break
		}
		if !s.moderated[m.ID] && m.CreatedAt.Valid && m.CreatedAt.Time.Before(cutoff) {
			out = append(out, m)
		}
	}
	return out, nil
}

// FlagMessage follows chat.Store.FlagMessage.
func (s *Store) FlagMessage(_ context.Context, u chat.FlagUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FlagErr != nil {
		return false, fmt.Errorf("chattest: flag %s: %w", u.MessageID, s.FlagErr)
	}
	m, ok := s.messages[u.MessageID]
	if !ok {
		return false, chat.ErrMessageNotFound
	}
	if m.Flagged {
		return false, nil
	}
	now := s.tick()
	m.Text = u.CleanedText
	m.Flagged = true
	m.CleanedAt = chat.At(now)
	s.messages[m.ID] = m
	s.moderated[m.ID] = true

	if u.AuthorID != "" {
		rec := s.flags[u.AuthorID]
		rec.AuthorID = u.AuthorID
		rec.LastFlaggedMessageID = u.MessageID
		rec.Count++
		rec.UpdatedAt = now
		s.flags[u.AuthorID] = rec
	}
	return true, nil
}

// GetFlagRecord returns the counter for authorID, zero if never flagged.
func (s *Store) GetFlagRecord(_ context.Context, authorID string) (chat.FlagRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.flags[authorID]
	if !ok {
		return chat.FlagRecord{AuthorID: authorID}, nil
	}
	return rec, nil
}

// Message returns the stored message with id.
func (s *Store) Message(id string) (chat.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	return m, ok
}

// Moderated reports whether moderation has recorded a verdict for id.
func (s *Store) Moderated(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.moderated[id]
}

// Messages returns every stored message, oldest first.
func (s *Store) Messages() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked()
}

// Len returns the number of stored messages.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// FlagCount returns the number of authors with a counter.
func (s *Store) FlagCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.flags)
}

func (s *Store) sortedLocked() []chat.Message {
	out := make([]chat.Message, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		ki, kj := out[i].CreatedAt.OrderKey(), out[j].CreatedAt.OrderKey()
		if ki != kj {
			return ki < kj
		}
		return out[i].ID < out[j].ID
	})
	return out
}
