package moderation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/chattroom/chat-app/internal/chat"
	"github.com/chattroom/chat-app/internal/logging"
	"github.com/chattroom/chat-app/internal/messaging"
)

// Worker adapts the Trigger to messages.created deliveries and announces
// room changes after an invocation rewrote or deleted messages.
type Worker struct {
	trigger  *Trigger
	notifier Notifier
	logger   *slog.Logger
}

// NewWorker creates a Worker. notifier may be nil.
func NewWorker(trigger *Trigger, notifier Notifier, logger *slog.Logger) *Worker {
	return &Worker{
		trigger:  trigger,
		notifier: notifier,
		logger:   logging.Component(logger, "moderator"),
	}
}

// HandleDelivery decodes one messages.created payload and runs the trigger
// under InvocationTimeout. A payload that cannot be decoded is reported
// with messaging.ErrDrop so it is not redelivered; any other error asks for
// redelivery.
func (w *Worker) HandleDelivery(ctx context.Context, data []byte) error {
	var ev chat.MessageCreated
	if err := json.Unmarshal(data, &ev); err != nil || ev.MessageID == "" {
		w.logger.Error("undecodable messages.created payload", "error", err, "bytes", len(data))
		return fmt.Errorf("%w: moderation: decode event: %v", messaging.ErrDrop, err)
	}

	ctx, cancel := context.WithTimeout(ctx, InvocationTimeout)
	defer cancel()

	out, err := w.trigger.Handle(ctx, ev)
	if err != nil {
		w.logger.Error("trigger failed, will retry", "message_id", ev.MessageID, "error", err)
		return err
	}

	switch {
	case out.Flagged:
		w.announce(chat.NewRoomChanged(chat.ChangeModerated, ev.MessageID))
	case out.Pruned > 0:
		w.announce(chat.NewRoomChanged(chat.ChangePruned, ev.MessageID))
	}
	return nil
}

func (w *Worker) announce(change chat.RoomChanged) {
	if w.notifier == nil {
		return
	}
	data, err := json.Marshal(change)
	if err != nil {
		w.logger.Error("marshal room change", "error", err)
		return
	}
	if err := w.notifier.PublishRoomChanged(data); err != nil {
		w.logger.Error("publish room change", "reason", change.Reason, "error", err)
	}
}
