// Package protocol holds the wire contract shared by the embed client and the
// server: the message envelope, channel names and event types.
package protocol

import (
	"encoding/json"
	"time"
)

// Envelope is the JSON frame exchanged over the realtime transport.
type Envelope struct {
	Type      string          `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	ID        string          `json:"id,omitempty"`
}

// Frame types sent by clients.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
)

// Frame types sent by the server outside of channel traffic.
const (
	TypeConnectionEstablished = "connection_established"
	TypeSubscriptionSucceeded = "subscription_succeeded"
	TypeSubscriptionError     = "subscription_error"
	TypePong                  = "pong"
	TypeError                 = "error"
)

// Channel event types.
const (
	EventMessageCreated = "message.created"
	EventTyping         = "typing"
	EventSessionEnded   = "session.ended"
)

// ChannelRequest is the data of subscribe/unsubscribe frames.
type ChannelRequest struct {
	Channel string `json:"channel"`
}

// SubscriptionResult is the data of subscription_succeeded/subscription_error frames.
type SubscriptionResult struct {
	Channel string `json:"channel"`
	Reason  string `json:"reason,omitempty"`
}

// Typing is the data of a typing event.
type Typing struct {
	SessionID string    `json:"session_id"`
	ActorID   string    `json:"actor_id"`
	IsTyping  bool      `json:"is_typing"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEnvelope marshals data and stamps the envelope with the current UTC time.
func NewEnvelope(typ string, data any) (Envelope, error) {
	env := Envelope{Type: typ, Timestamp: FormatTimestamp(time.Now())}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	env.Data = raw
	return env, nil
}

// FormatTimestamp renders t as ISO8601 in UTC with millisecond precision.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
