// Package protocol defines the JSON frames exchanged with chat clients over
// WebSocket. Every frame is an object with a "type" discriminator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/chattroom/chat-app/internal/chat"
)

// Client -> Server frame types.
const (
	TypeSendMessage = "send_message"
	TypePing        = "ping"
)

// Server -> Client frame types.
const (
	TypeReady           = "ready"
	TypeFeed            = "feed"
	TypeMessageAccepted = "message_accepted"
	TypeRateLimited     = "rate_limited"
	TypeError           = "error"
	TypePong            = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeBadRequest        = "bad_request"
	CodeInvalidMessage    = "invalid_message"
	CodeProfileIncomplete = "profile_incomplete"
	CodeSpam              = "spam"
	CodeInternal          = "internal"
)

// ErrUnknownType is wrapped by ParseClientMessage for frames whose type is
// not a client frame.
var ErrUnknownType = errors.New("protocol: unknown client message type")

// Envelope holds the frame type and the raw JSON for deferred decoding.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps a copy of data and extracts only the "type" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return errors.New(`protocol: missing or empty "type" field`)
	}
	e.Type = partial.Type
	e.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// SendMessageMsg asks the server to post text to the room as the
// connection's user.
type SendMessageMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ReadyMsg is the first frame on a new connection.
type ReadyMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	UID       string `json:"uid"`
	Username  string `json:"username,omitempty"` // empty until the profile is set up
}

// FeedMsg carries the full live feed, oldest message first. It replaces
// whatever the client rendered before.
type FeedMsg struct {
	Type     string         `json:"type"`
	Messages []chat.Message `json:"messages"`
}

// MessageAcceptedMsg acknowledges a send_message with the stored id.
type MessageAcceptedMsg struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// RateLimitedMsg tells the client to wait before sending again.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retryAfter"` // seconds
}

// ErrorMsg reports a rejected frame.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ParseClientMessage decodes a raw frame into SendMessageMsg or PingMsg. The
// frame type is returned even when decoding fails.
func ParseClientMessage(data []byte) (string, any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	switch env.Type {
	case TypeSendMessage:
		return decode[SendMessageMsg](env)
	case TypePing:
		return decode[PingMsg](env)
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func decode[T any](env Envelope) (string, any, error) {
	var m T
	if err := json.Unmarshal(env.Raw, &m); err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, m, nil
}

// NewServerMessage encodes payload with its "type" field forced to msgType.
func NewServerMessage(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: payload is not an object: %w", err)
	}
	m["type"], _ = json.Marshal(msgType)

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// Feed encodes a feed frame for msgs.
func Feed(msgs []chat.Message) ([]byte, error) {
	if msgs == nil {
		msgs = []chat.Message{}
	}
	return NewServerMessage(TypeFeed, FeedMsg{Messages: msgs})
}

// Error encodes an error frame.
func Error(code, message string) []byte {
	data, _ := NewServerMessage(TypeError, ErrorMsg{Code: code, Message: message})
	return data
}
