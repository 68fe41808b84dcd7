package ws

import (
	"errors"
	"log/slog"

	"github.com/chattroom/chat-app/internal/logging"
	"github.com/chattroom/chat-app/internal/protocol"
)

// MessageHandler handles one parsed client frame. msg is the concrete
// struct returned by protocol.ParseClientMessage.
type MessageHandler func(c *Connection, msg any)

// MessageDispatcher routes client frames to handlers by type. It answers
// ping itself and replies with an error frame to anything it cannot route.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	logger   *slog.Logger
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher(logger *slog.Logger) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		logger:   logging.Component(logger, "ws"),
	}
}

// Register sets the handler for msgType, replacing any previous one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the Server's onMessage callback.
func (d *MessageDispatcher) Dispatch(c *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.logger.Debug("unparseable frame", "session", c.ID, "type", msgType, "error", err)
		message := "invalid message format"
		if errors.Is(err, protocol.ErrUnknownType) {
			message = "unsupported message type"
		}
		d.reply(c, protocol.Error(protocol.CodeBadRequest, message))
		return
	}

	if msgType == protocol.TypePing {
		pong, _ := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
		d.reply(c, pong)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.reply(c, protocol.Error(protocol.CodeBadRequest, "unsupported message type"))
		return
	}
	handler(c, msg)
}

func (d *MessageDispatcher) reply(c *Connection, data []byte) {
	if err := c.WriteMessage(data); err != nil {
		d.logger.Debug("reply failed", "session", c.ID, "error", err)
	}
}
