package moderation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chattroom/chat-app/internal/chat"
	"github.com/chattroom/chat-app/internal/logging"
	"github.com/chattroom/chat-app/internal/metrics"
)

const (
	// MaxConcurrentInvocations caps how many trigger invocations run at once.
	MaxConcurrentInvocations = 10

	// InvocationTimeout bounds a single invocation, writes included.
	InvocationTimeout = 30 * time.Second

	// RecoveryGrace is how old an unmoderated message must be before the
	// sweep moderates it itself instead of waiting for its creation event.
	RecoveryGrace = time.Minute

	// RecoveryBatch caps the messages one recovery pass looks at.
	RecoveryBatch = 100
)

// Trigger runs moderation and retention for one newly created message. It
// holds no per-message state, so one Trigger serves concurrent invocations.
type Trigger struct {
	store    Store
	detector Detector
	window   int
	logger   *slog.Logger
}

// NewTrigger builds a Trigger keeping chat.RetentionWindow messages.
func NewTrigger(store Store, detector Detector, logger *slog.Logger) *Trigger {
	return &Trigger{
		store:    store,
		detector: detector,
		window:   chat.RetentionWindow,
		logger:   logging.Component(logger, "moderator"),
	}
}

// Handle moderates the created message and then prunes the room.
//
// A record without string text is logged and skipped without pruning. An
// empty or clean text is marked moderated and goes on to pruning. A failed
// moderation write is returned so the event is redelivered; marking and
// pruning failures are only logged.
func (t *Trigger) Handle(ctx context.Context, ev chat.MessageCreated) (Outcome, error) {
	start := time.Now()
	out := Outcome{MessageID: ev.MessageID}

	text, authorID, ok := decodeRecord(ev.Record)
	if !ok {
		t.logger.Warn("message has no string text, skipping", "message_id", ev.MessageID)
		out.Skipped = true
		metrics.TriggerOutcomes.WithLabelValues("skipped").Inc()
		return out, nil
	}

	if err := t.review(ctx, ev.MessageID, text, authorID, &out); err != nil {
		metrics.TriggerOutcomes.WithLabelValues("failed").Inc()
		return out, err
	}

	pruned, err := t.Prune(ctx, ev.MessageID)
	if err != nil {
		metrics.PruneFailures.Inc()
		t.logger.Error("prune failed", "message_id", ev.MessageID, "error", err)
	}
	out.Pruned = pruned

	if out.Flagged {
		metrics.TriggerOutcomes.WithLabelValues("moderated").Inc()
	} else {
		metrics.TriggerOutcomes.WithLabelValues("clean").Inc()
	}
	metrics.TriggerDuration.Observe(time.Since(start).Seconds())

	t.logger.Info("message processed",
		"message_id", ev.MessageID,
		"flagged", out.Flagged,
		"counter_updated", out.CounterUpdated,
		"pruned", out.Pruned,
		"duration", time.Since(start))
	return out, nil
}

// Recover moderates messages created before cutoff whose creation event
// never led to a verdict, for example because publishing it failed. It
// returns how many of them it flagged. Pruning is left to the caller.
func (t *Trigger) Recover(ctx context.Context, cutoff time.Time) (int, error) {
	msgs, err := t.store.UnmoderatedMessages(ctx, cutoff, RecoveryBatch)
	if err != nil {
		return 0, fmt.Errorf("moderation: recover: %w", err)
	}

	flagged := 0
	for _, m := range msgs {
		out := Outcome{MessageID: m.ID}
		if err := t.review(ctx, m.ID, m.Text, m.AuthorID, &out); err != nil {
			return flagged, fmt.Errorf("moderation: recover: %w", err)
		}
		if out.Flagged {
			flagged++
		}
	}

	if len(msgs) > 0 {
		metrics.TriggerOutcomes.WithLabelValues("recovered").Add(float64(len(msgs)))
		t.logger.Info("recovered unmoderated messages", "count", len(msgs), "flagged", flagged)
	}
	return flagged, nil
}

// review records a verdict for one message: profane text is flagged, any
// other text is only marked as moderated.
func (t *Trigger) review(ctx context.Context, messageID, text, authorID string, out *Outcome) error {
	trimmed := strings.TrimSpace(text)
	if trimmed != "" && t.detector.IsProfane(trimmed) {
		return t.moderate(ctx, messageID, trimmed, authorID, out)
	}
	if err := t.store.MarkModerated(ctx, messageID); err != nil {
		t.logger.Warn("mark moderated failed", "message_id", messageID, "error", err)
	}
	return nil
}

func (t *Trigger) moderate(ctx context.Context, messageID, trimmed, authorID string, out *Outcome) error {
	cleaned := t.detector.Clean(trimmed)
	if authorID == "" {
		t.logger.Warn("flagged message has no author, counter not updated", "message_id", messageID)
	}

	applied, err := t.store.FlagMessage(ctx, chat.FlagUpdate{
		MessageID:   messageID,
		CleanedText: cleaned,
		AuthorID:    authorID,
	})
	switch {
	case errors.Is(err, chat.ErrMessageNotFound):
		t.logger.Warn("flagged message no longer exists", "message_id", messageID)
		return nil
	case err != nil:
		return fmt.Errorf("moderation: flag message %s: %w", messageID, err)
	case !applied:
		t.logger.Info("message already flagged", "message_id", messageID)
		return nil
	}

	out.Flagged = true
	out.CounterUpdated = authorID != ""
	metrics.MessagesTotal.WithLabelValues("flagged").Inc()
	return nil
}

// Prune deletes every message older than the newest window. keepID, when
// set, is never deleted. It returns the number of deleted messages.
//
// The cutoff is the created_at of the window's oldest message; ties with
// the cutoff survive. Nothing is deleted while the room holds fewer than a
// full window or when the cutoff is unresolved.
func (t *Trigger) Prune(ctx context.Context, keepID string) (int, error) {
	recent, err := t.store.RecentMessages(ctx, t.window)
	if err != nil {
		return 0, fmt.Errorf("moderation: prune: query newest %d: %w", t.window, err)
	}
	if len(recent) < t.window {
		return 0, nil
	}

	cutoff := recent[t.window-1].CreatedAt
	if !cutoff.Valid {
		t.logger.Debug("prune cutoff unresolved, skipping", "cutoff_message_id", recent[t.window-1].ID)
		return 0, nil
	}

	stale, err := t.store.MessagesBefore(ctx, cutoff.Time)
	if err != nil {
		return 0, fmt.Errorf("moderation: prune: query before cutoff: %w", err)
	}

	ids := make([]string, 0, len(stale))
	for _, m := range stale {
		if m.ID != keepID {
			ids = append(ids, m.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if err := t.store.DeleteMessages(ctx, ids); err != nil {
		return 0, fmt.Errorf("moderation: prune: delete %d messages: %w", len(ids), err)
	}
	metrics.MessagesTotal.WithLabelValues("pruned").Add(float64(len(ids)))
	return len(ids), nil
}

// decodeRecord extracts text and authorId from the created record. ok is
// false when the record is not an object or text is missing or not a JSON
// string.
func decodeRecord(record json.RawMessage) (text, authorID string, ok bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(record, &fields); err != nil {
		return "", "", false
	}

	text, ok = jsonString(fields["text"])
	if !ok {
		return "", "", false
	}
	authorID, _ = jsonString(fields["authorId"])
	return text, authorID, true
}

func jsonString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
