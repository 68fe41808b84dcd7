package room

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chattroom/chat-app/internal/auth"
	"github.com/chattroom/chat-app/internal/chat"
	"github.com/chattroom/chat-app/internal/chat/chattest"
	"github.com/chattroom/chat-app/internal/logging"
	"github.com/chattroom/chat-app/internal/moderation"
	"github.com/chattroom/chat-app/internal/profile"
	"github.com/chattroom/chat-app/internal/ratelimit"
)

type fakeProfiles map[string]profile.Profile

func (f fakeProfiles) Get(_ context.Context, uid string) (profile.Profile, error) {
	p, ok := f[uid]
	if !ok {
		return profile.Profile{}, profile.ErrNotFound
	}
	return p, nil
}

type fakeLimiter struct {
	allow bool
	rules []ratelimit.Rule
}

func (l *fakeLimiter) Allowed(_ context.Context, _ string, rule ratelimit.Rule) (bool, time.Duration) {
	l.rules = append(l.rules, rule)
	if l.allow {
		return true, 0
	}
	return false, 7 * time.Second
}

type fakePublisher struct {
	mu      sync.Mutex
	created []chat.MessageCreated
	changes []chat.RoomChanged
	err     error
}

func (p *fakePublisher) PublishMessageCreated(_ context.Context, _ string, data []byte) error {
	var ev chat.MessageCreated
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, ev)
	return p.err
}

func (p *fakePublisher) PublishRoomChanged(data []byte) error {
	var c chat.RoomChanged
	if err := json.Unmarshal(data, &c); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, c)
	return p.err
}

type fixture struct {
	store     *chattest.Store
	limiter   *fakeLimiter
	publisher *fakePublisher
	svc       *Service
}

func newFixture() *fixture {
	f := &fixture{
		store:     chattest.NewStore(),
		limiter:   &fakeLimiter{allow: true},
		publisher: &fakePublisher{},
	}
	profiles := fakeProfiles{
		"u1": {UID: "u1", Username: "alice", PhotoURL: "https://img/alice.png"},
		"u3": {UID: "u3", Username: ""},
	}
	f.svc = NewService(f.store, profiles, f.limiter, moderation.NewFilter(), f.publisher, logging.Discard())
	return f
}

var alice = auth.Identity{UID: "u1", DisplayName: "Alice"}

func TestPost_StoresAndAnnounces(t *testing.T) {
	f := newFixture()

	m, err := f.svc.Post(context.Background(), alice, "  hello room  ")
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if m.Text != "hello room" || m.AuthorID != "u1" || m.Username != "alice" || m.PhotoURL != "https://img/alice.png" {
		t.Errorf("stored message = %+v", m)
	}
	if !m.CreatedAt.Valid {
		t.Error("created_at not assigned")
	}

	if len(f.publisher.created) != 1 || f.publisher.created[0].MessageID != m.ID {
		t.Fatalf("created events = %+v", f.publisher.created)
	}
	var record map[string]any
	if err := json.Unmarshal(f.publisher.created[0].Record, &record); err != nil {
		t.Fatalf("record: %v", err)
	}
	if record["text"] != "hello room" || record["authorId"] != "u1" {
		t.Errorf("record = %v", record)
	}

	if len(f.publisher.changes) != 1 || f.publisher.changes[0].Reason != chat.ChangePosted {
		t.Errorf("changes = %+v", f.publisher.changes)
	}
	if len(f.limiter.rules) != 1 || f.limiter.rules[0] != ratelimit.RuleMessage {
		t.Errorf("limiter rules = %+v", f.limiter.rules)
	}
}

func TestPost_ProfanityIsStoredForModerator(t *testing.T) {
	f := newFixture()

	m, err := f.svc.Post(context.Background(), alice, "well shit")
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if m.Text != "well shit" || m.Flagged {
		t.Errorf("Post censored the message itself: %+v", m)
	}
}

func TestPost_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		id    auth.Identity
		text  string
		setup func(*fixture)
		want  error
	}{
		{"empty", alice, "   ", nil, chat.ErrInvalidMessage},
		{"too long", alice, strings.Repeat("a", chat.MaxTextChars+1), nil, chat.ErrInvalidMessage},
		{"no profile", auth.Identity{UID: "u2"}, "hi", nil, ErrProfileIncomplete},
		{"blank username", auth.Identity{UID: "u3"}, "hi", nil, ErrProfileIncomplete},
		{"rate limited", alice, "hi", func(f *fixture) { f.limiter.allow = false }, ErrRateLimited},
		{"spam url", alice, "visit https://spam.example/now", nil, ErrSpam},
		{"spam flood", alice, "buy buy buy", nil, ErrSpam},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			if tt.setup != nil {
				tt.setup(f)
			}
			_, err := f.svc.Post(context.Background(), tt.id, tt.text)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Post = %v, want %v", err, tt.want)
			}
			if f.store.Len() != 0 || len(f.publisher.created) != 0 {
				t.Error("rejected message was stored or published")
			}
		})
	}
}

func TestPost_RateLimitedCarriesRetryAfter(t *testing.T) {
	f := newFixture()
	f.limiter.allow = false

	_, err := f.svc.Post(context.Background(), alice, "hi")
	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("Post = %v, want RateLimitedError", err)
	}
	if rl.RetryAfter != 7*time.Second {
		t.Errorf("RetryAfter = %v", rl.RetryAfter)
	}
}

func TestPost_StoreErrorPropagates(t *testing.T) {
	f := newFixture()
	f.store.CreateErr = errors.New("disk full")

	if _, err := f.svc.Post(context.Background(), alice, "hi"); err == nil {
		t.Fatal("expected error")
	}
	if len(f.publisher.created) != 0 {
		t.Error("published an unstored message")
	}
}

func TestPost_PublishFailureStillSucceeds(t *testing.T) {
	f := newFixture()
	f.publisher.err = errors.New("nats down")

	m, err := f.svc.Post(context.Background(), alice, "hi")
	if err != nil {
		t.Fatalf("Post = %v, want success once stored", err)
	}
	if _, ok := f.store.Message(m.ID); !ok {
		t.Error("message not stored")
	}
}

func TestPost_PublishFailureRecoveredBySweep(t *testing.T) {
	f := newFixture()
	f.publisher.err = errors.New("nats down")

	m, err := f.svc.Post(context.Background(), alice, "this is shit")
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if f.store.Moderated(m.ID) {
		t.Fatal("message moderated without a delivered event")
	}

	tr := moderation.NewTrigger(f.store, moderation.NewFilter(), logging.Discard())
	sw, err := moderation.NewSweeper(tr, nil, moderation.DefaultSweepInterval, logging.Discard())
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	t.Cleanup(func() { _ = sw.Stop() })
	sw.Sweep(context.Background())

	got, _ := f.store.Message(m.ID)
	if !got.Flagged || strings.Contains(got.Text, "shit") {
		t.Errorf("message after sweep = %+v, want flagged and cleaned", got)
	}
	rec, _ := f.store.GetFlagRecord(context.Background(), "u1")
	if rec.Count != 1 || rec.LastFlaggedMessageID != m.ID {
		t.Errorf("flag record = %+v, want count 1 for %s", rec, m.ID)
	}
}

func TestPost_NilLimiterAndPublisher(t *testing.T) {
	store := chattest.NewStore()
	svc := NewService(store, fakeProfiles{"u1": {UID: "u1", Username: "alice"}}, nil, moderation.NewFilter(), nil, logging.Discard())

	if _, err := svc.Post(context.Background(), alice, "hi"); err != nil {
		t.Fatalf("Post: %v", err)
	}
}

func TestFeed_NewestWindowOldestFirst(t *testing.T) {
	f := newFixture()
	var all []chat.Message
	for i := 0; i < 28; i++ {
		all = append(all, f.store.SeedText("m", "u1"))
	}

	got, err := f.svc.Feed(context.Background())
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(got) != chat.RetentionWindow {
		t.Fatalf("Feed returned %d messages", len(got))
	}
	if got[0].ID != all[3].ID || got[len(got)-1].ID != all[27].ID {
		t.Errorf("Feed spans %s..%s", got[0].ID, got[len(got)-1].ID)
	}
}
