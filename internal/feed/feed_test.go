package feed

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chattroom/chat-app/internal/chat"
	"github.com/chattroom/chat-app/internal/chat/chattest"
	"github.com/chattroom/chat-app/internal/logging"
	"github.com/chattroom/chat-app/internal/protocol"
)

func at(ms int64) chat.Timestamp {
	return chat.At(time.UnixMilli(ms))
}

func ids(msgs []chat.Message) []string {
	return chat.IDs(msgs)
}

func TestCompose(t *testing.T) {
	tests := []struct {
		name string
		in   []chat.Message
		want []string
	}{
		{"empty", nil, []string{}},
		{
			"newest first becomes oldest first",
			[]chat.Message{{ID: "c", CreatedAt: at(3)}, {ID: "b", CreatedAt: at(2)}, {ID: "a", CreatedAt: at(1)}},
			[]string{"a", "b", "c"},
		},
		{
			"unresolved sorts as oldest",
			[]chat.Message{{ID: "new", CreatedAt: at(5)}, {ID: "pending"}, {ID: "old", CreatedAt: at(1)}},
			[]string{"pending", "old", "new"},
		},
		{
			"ties keep input order",
			[]chat.Message{{ID: "x", CreatedAt: at(7)}, {ID: "y", CreatedAt: at(7)}, {ID: "p1"}, {ID: "p2"}},
			[]string{"p1", "p2", "x", "y"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ids(Compose(tt.in))
			if len(got) != len(tt.want) {
				t.Fatalf("Compose = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("Compose = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestCompose_DoesNotModifyInput(t *testing.T) {
	in := []chat.Message{{ID: "b", CreatedAt: at(2)}, {ID: "a", CreatedAt: at(1)}}
	Compose(in)
	if in[0].ID != "b" {
		t.Error("Compose reordered its input")
	}
}

type recordingSink struct {
	mu     sync.Mutex
	frames [][]byte
	got    chan struct{}
}

func newSink() *recordingSink {
	return &recordingSink{got: make(chan struct{}, 16)}
}

func (s *recordingSink) Broadcast(data []byte) {
	s.mu.Lock()
	s.frames = append(s.frames, data)
	s.mu.Unlock()
	s.got <- struct{}{}
}

func decodeFeed(t *testing.T, data []byte) protocol.FeedMsg {
	t.Helper()
	var m protocol.FeedMsg
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode feed: %v", err)
	}
	if m.Type != protocol.TypeFeed {
		t.Fatalf("frame type = %q", m.Type)
	}
	return m
}

func TestBroadcaster_RefreshKeepsNewestWindowOldestFirst(t *testing.T) {
	store := chattest.NewStore()
	var all []chat.Message
	for i := 0; i < 30; i++ {
		all = append(all, store.SeedText("hello", "u1"))
	}

	b := NewBroadcaster(store, nil, logging.Discard())
	data, err := b.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	m := decodeFeed(t, data)
	if len(m.Messages) != chat.RetentionWindow {
		t.Fatalf("feed has %d messages, want %d", len(m.Messages), chat.RetentionWindow)
	}
	if m.Messages[0].ID != all[5].ID || m.Messages[24].ID != all[29].ID {
		t.Errorf("feed spans %s..%s, want %s..%s", m.Messages[0].ID, m.Messages[24].ID, all[5].ID, all[29].ID)
	}
}

func TestBroadcaster_Snapshot(t *testing.T) {
	store := chattest.NewStore()
	store.SeedText("first", "u1")
	b := NewBroadcaster(store, nil, logging.Discard())
	ctx := context.Background()

	first, err := b.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	store.SeedText("second", "u1")

	cached, _ := b.Snapshot(ctx)
	if string(cached) != string(first) {
		t.Error("Snapshot refreshed without a notification")
	}

	if _, err := b.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	latest, _ := b.Snapshot(ctx)
	if got := len(decodeFeed(t, latest).Messages); got != 2 {
		t.Errorf("snapshot has %d messages after refresh, want 2", got)
	}
}

func TestBroadcaster_RefreshError(t *testing.T) {
	store := chattest.NewStore()
	store.QueryErr = errors.New("db down")
	b := NewBroadcaster(store, nil, logging.Discard())

	if _, err := b.Snapshot(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestBroadcaster_RunBroadcastsOnNotify(t *testing.T) {
	store := chattest.NewStore()
	store.SeedText("hello", "u1")
	sink := newSink()
	b := NewBroadcaster(store, sink, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	b.Notify()
	select {
	case <-sink.got:
	case <-time.After(2 * time.Second):
		t.Fatal("no broadcast after Notify")
	}

	sink.mu.Lock()
	frame := sink.frames[0]
	sink.mu.Unlock()
	if got := len(decodeFeed(t, frame).Messages); got != 1 {
		t.Errorf("broadcast has %d messages, want 1", got)
	}
}

func TestBroadcaster_NotifyNeverBlocks(t *testing.T) {
	b := NewBroadcaster(chattest.NewStore(), nil, logging.Discard())
	for i := 0; i < 100; i++ {
		b.Notify()
	}
}
