package main

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/chattroom/chat-app/internal/auth"
	"github.com/chattroom/chat-app/internal/chat"
	"github.com/chattroom/chat-app/internal/profile"
	"github.com/chattroom/chat-app/internal/protocol"
	"github.com/chattroom/chat-app/internal/room"
	"github.com/chattroom/chat-app/internal/ws"
)

const handlerTimeout = 5 * time.Second

type poster interface {
	Post(ctx context.Context, id auth.Identity, text string) (chat.Message, error)
}

type profileReader interface {
	Get(ctx context.Context, uid string) (profile.Profile, error)
}

type snapshotter interface {
	Snapshot(ctx context.Context) ([]byte, error)
}

// frameWriter is the part of *ws.Connection the handlers write to.
type frameWriter interface {
	WriteMessage(data []byte) error
}

// roomHandlers answers WebSocket frames on behalf of the room service.
type roomHandlers struct {
	room     poster
	profiles profileReader
	feed     snapshotter
	logger   *slog.Logger
}

// register wires the client message types into d.
func (h *roomHandlers) register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeSendMessage, func(c *ws.Connection, msg any) {
		m, ok := msg.(protocol.SendMessageMsg)
		if !ok {
			return
		}
		h.sendMessage(c, c.ID, c.Identity, m)
	})
}

// onConnect greets a new connection with its session and the current feed.
func (h *roomHandlers) onConnect(c *ws.Connection) {
	h.greet(c, c.ID, c.Identity)
}

func (h *roomHandlers) greet(w frameWriter, sessionID string, id auth.Identity) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	ready := protocol.ReadyMsg{SessionID: sessionID, UID: id.UID}
	p, err := h.profiles.Get(ctx, id.UID)
	switch {
	case err == nil:
		ready.Username = p.Username
	case !errors.Is(err, profile.ErrNotFound):
		h.logger.Warn("load profile for ready", "uid", id.UID, "error", err)
	}

	data, err := protocol.NewServerMessage(protocol.TypeReady, ready)
	if err != nil {
		h.logger.Error("encode ready", "error", err)
		return
	}
	h.write(w, sessionID, data)

	snapshot, err := h.feed.Snapshot(ctx)
	if err != nil {
		h.logger.Warn("feed snapshot for new connection", "session", sessionID, "error", err)
		return
	}
	h.write(w, sessionID, snapshot)
}

func (h *roomHandlers) sendMessage(w frameWriter, sessionID string, id auth.Identity, msg protocol.SendMessageMsg) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	m, err := h.room.Post(ctx, id, msg.Text)

	var (
		rl    *room.RateLimitedError
		reply []byte
	)
	switch {
	case err == nil:
		reply, err = protocol.NewServerMessage(protocol.TypeMessageAccepted, protocol.MessageAcceptedMsg{ID: m.ID})
		if err != nil {
			h.logger.Error("encode message_accepted", "error", err)
			return
		}
	case errors.As(err, &rl):
		reply, _ = protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
			RetryAfter: int(math.Ceil(rl.RetryAfter.Seconds())),
		})
	case errors.Is(err, chat.ErrInvalidMessage):
		reply = protocol.Error(protocol.CodeInvalidMessage, err.Error())
	case errors.Is(err, room.ErrProfileIncomplete):
		reply = protocol.Error(protocol.CodeProfileIncomplete, "Choose a username before posting.")
	case errors.Is(err, room.ErrSpam):
		reply = protocol.Error(protocol.CodeSpam, "That message looks like spam.")
	default:
		h.logger.Error("post message", "session", sessionID, "uid", id.UID, "error", err)
		reply = protocol.Error(protocol.CodeInternal, "Something went wrong. Please try again.")
	}
	h.write(w, sessionID, reply)
}

func (h *roomHandlers) write(w frameWriter, sessionID string, data []byte) {
	if err := w.WriteMessage(data); err != nil {
		h.logger.Debug("write frame", "session", sessionID, "error", err)
	}
}
