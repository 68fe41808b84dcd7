// Package feed maintains the live feed: the newest window of messages,
// oldest first, pushed to every connected client as a complete snapshot
// whenever the room changes.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/chattroom/chat-app/internal/chat"
	"github.com/chattroom/chat-app/internal/logging"
	"github.com/chattroom/chat-app/internal/metrics"
	"github.com/chattroom/chat-app/internal/protocol"
)

// Compose returns msgs ordered oldest first by created_at order key. The
// sort is stable and unresolved timestamps order as 0, so pending messages
// come first. msgs is not modified.
func Compose(msgs []chat.Message) []chat.Message {
	out := slices.Clone(msgs)
	slices.SortStableFunc(out, func(a, b chat.Message) int {
		ka, kb := a.CreatedAt.OrderKey(), b.CreatedAt.OrderKey()
		switch {
		case ka < kb:
			return -1
		case ka > kb:
			return 1
		}
		return 0
	})
	return out
}

// Source lists the newest messages, newest first.
type Source interface {
	RecentMessages(ctx context.Context, limit int) ([]chat.Message, error)
}

// Sink delivers an encoded frame to every connected client.
type Sink interface {
	Broadcast(data []byte)
}

// Broadcaster rebuilds the feed snapshot on demand and broadcasts it.
// Change notifications arriving while a refresh is pending are coalesced.
type Broadcaster struct {
	source Source
	sink   Sink
	window int
	logger *slog.Logger

	mu       sync.RWMutex
	snapshot []byte

	pending chan struct{}
}

// NewBroadcaster creates a Broadcaster over the chat.RetentionWindow newest
// messages of source. sink may be nil until SetSink is called.
func NewBroadcaster(source Source, sink Sink, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		source:  source,
		sink:    sink,
		window:  chat.RetentionWindow,
		logger:  logging.Component(logger, "feed"),
		pending: make(chan struct{}, 1),
	}
}

// SetSink sets the broadcast target. Call before Run.
func (b *Broadcaster) SetSink(sink Sink) {
	b.sink = sink
}

// Notify schedules a refresh. It never blocks.
func (b *Broadcaster) Notify() {
	select {
	case b.pending <- struct{}{}:
	default:
	}
}

// Run refreshes and broadcasts once per coalesced notification until ctx is
// done.
func (b *Broadcaster) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.pending:
			data, err := b.Refresh(ctx)
			if err != nil {
				b.logger.Error("refresh failed", "error", err)
				continue
			}
			if b.sink != nil {
				b.sink.Broadcast(data)
				metrics.FeedBroadcasts.Inc()
			}
		}
	}
}

// Refresh queries the newest window, stores the encoded feed frame as the
// current snapshot and returns it.
func (b *Broadcaster) Refresh(ctx context.Context) ([]byte, error) {
	recent, err := b.source.RecentMessages(ctx, b.window)
	if err != nil {
		return nil, fmt.Errorf("feed: query newest %d: %w", b.window, err)
	}
	data, err := protocol.Feed(Compose(recent))
	if err != nil {
		return nil, fmt.Errorf("feed: encode: %w", err)
	}

	b.mu.Lock()
	b.snapshot = data
	b.mu.Unlock()
	return data, nil
}

// Snapshot returns the last encoded feed frame, refreshing first if there
// is none yet.
func (b *Broadcaster) Snapshot(ctx context.Context) ([]byte, error) {
	b.mu.RLock()
	data := b.snapshot
	b.mu.RUnlock()
	if data != nil {
		return data, nil
	}
	return b.Refresh(ctx)
}
