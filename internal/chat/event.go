package chat

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageCreated is published once per inserted message. Record carries the
// field values of the message as written, so consumers see exactly what the
// author sent even if the row changed afterwards.
type MessageCreated struct {
	MessageID string          `json:"messageId"`
	Record    json.RawMessage `json:"record"`
}

// NewMessageCreated builds the creation event for m.
func NewMessageCreated(m Message) (MessageCreated, error) {
	record, err := json.Marshal(m)
	if err != nil {
		return MessageCreated{}, fmt.Errorf("chat: marshal record %s: %w", m.ID, err)
	}
	return MessageCreated{MessageID: m.ID, Record: record}, nil
}

// Reasons carried by RoomChanged.
const (
	ChangePosted    = "posted"
	ChangeModerated = "moderated"
	ChangePruned    = "pruned"
)

// RoomChanged tells every feed subscriber that the newest window may differ
// from what it last broadcast.
type RoomChanged struct {
	Reason    string `json:"reason"`
	MessageID string `json:"messageId,omitempty"`
	Ts        int64  `json:"ts"`
}

// NewRoomChanged returns a RoomChanged stamped with the current time.
func NewRoomChanged(reason, messageID string) RoomChanged {
	return RoomChanged{Reason: reason, MessageID: messageID, Ts: time.Now().UnixMilli()}
}
