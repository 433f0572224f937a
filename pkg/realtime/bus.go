package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/suPer8Hu/widget-chat/pkg/protocol"
)

// Lifecycle event types published alongside inbound message types.
const (
	EventOpen            = "open"
	EventClose           = "close"
	EventError           = "error"
	EventReconnecting    = "reconnecting"
	EventReconnectFailed = "reconnect_failed"
	// EventRaw carries inbound frames that are not a valid envelope.
	EventRaw = "raw"
	// Wildcard handlers receive every event.
	Wildcard = "*"
)

// Event is what handlers receive. Which fields are set depends on Type.
type Event struct {
	Type     string
	Channel  string
	Data     json.RawMessage
	Envelope protocol.Envelope
	// Raw is the undecoded frame for EventRaw.
	Raw []byte
	Err error
	// Clean is set on EventClose.
	Clean bool
	// Attempt and Delay are set on EventReconnecting.
	Attempt int
	Delay   time.Duration
}

// Decode unmarshals the event data into v.
func (e Event) Decode(v any) error { return json.Unmarshal(e.Data, v) }

type Handler func(Event)

type subscription struct {
	h Handler
}

// Bus maps event types to ordered handler lists.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]*subscription
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]*subscription)}
}

// Subscribe registers h for typ (or Wildcard). The returned function removes
// it; calling it more than once is harmless.
func (b *Bus) Subscribe(typ string, h Handler) (unsubscribe func()) {
	sub := &subscription{h: h}
	b.mu.Lock()
	b.handlers[typ] = append(b.handlers[typ], sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.handlers[typ]
			for i, s := range list {
				if s == sub {
					b.handlers[typ] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			if len(b.handlers[typ]) == 0 {
				delete(b.handlers, typ)
			}
		})
	}
}

// Publish calls the handlers for ev.Type in registration order, then the
// wildcard handlers. Handlers run on the caller's goroutine.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	typed := b.handlers[ev.Type]
	wild := b.handlers[Wildcard]
	subs := make([]*subscription, 0, len(typed)+len(wild))
	subs = append(subs, typed...)
	if ev.Type != Wildcard {
		subs = append(subs, wild...)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		s.h(ev)
	}
}
