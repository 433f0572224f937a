// Package broadcast fans channel events out to every API process that holds
// WebSocket subscribers.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/suPer8Hu/widget-chat/pkg/protocol"
)

// Publisher sends an event to the channel named in env.Channel.
type Publisher interface {
	Publish(ctx context.Context, env protocol.Envelope) error
}

// Sink receives events delivered to this process.
type Sink func(env protocol.Envelope)

// Broadcaster is a Publisher that can also deliver events to a local sink.
type Broadcaster interface {
	Publisher
	// Start delivers every published event to sink until ctx is cancelled.
	Start(ctx context.Context, sink Sink) error
	// Ping reports whether the backing transport is reachable.
	Ping(ctx context.Context) error
	Close() error
}

var ErrNoChannel = errors.New("broadcast: envelope has no channel")

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, protocol.Envelope) error { return nil }

func encode(env protocol.Envelope) ([]byte, error) {
	if env.Channel == "" {
		return nil, ErrNoChannel
	}
	return json.Marshal(env)
}

func decode(data []byte) (protocol.Envelope, error) {
	var env protocol.Envelope
	err := json.Unmarshal(data, &env)
	return env, err
}
