// Package realtime is the server side of the WebSocket transport: it
// authenticates connections, authorizes channel subscriptions and fans
// broadcast events out to subscribers.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/suPer8Hu/widget-chat/internal/channel"
	"github.com/suPer8Hu/widget-chat/internal/metrics"
	"github.com/suPer8Hu/widget-chat/pkg/protocol"
	"go.uber.org/zap"
)

// Authenticator resolves tokens and evaluates channel predicates.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*channel.Credential, error)
	AuthorizeChannel(ctx context.Context, name string, cred *channel.Credential) (bool, error)
}

type Hub struct {
	mu       sync.RWMutex
	clients  map[*Client]struct{}
	channels map[string]map[*Client]struct{}

	auth       Authenticator
	logger     *zap.Logger
	metrics    *metrics.Metrics
	pingPeriod time.Duration
	pongWait   time.Duration
	authWait   time.Duration
}

type Option func(*Hub)

// WithHeartbeat sets how often the server pings each socket. A socket that
// stays silent for longer than 2x the interval is dropped.
func WithHeartbeat(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.pingPeriod = d
			h.pongWait = 2 * d
		}
	}
}

func WithLogger(l *zap.Logger) Option { return func(h *Hub) { h.logger = l } }

func NewHub(auth Authenticator, opts ...Option) *Hub {
	h := &Hub{
		clients:    make(map[*Client]struct{}),
		channels:   make(map[string]map[*Client]struct{}),
		auth:       auth,
		logger:     zap.NewNop(),
		metrics:    metrics.Default(),
		pingPeriod: 30 * time.Second,
		pongWait:   60 * time.Second,
		authWait:   5 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.metrics.Connections.Inc()
}

// unregister drops c from every channel and closes its socket with code.
func (h *Hub) unregister(c *Client, code int) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	for name := range c.channels {
		h.removeLocked(name, c)
	}
	h.mu.Unlock()
	c.shutdown(code)
	h.metrics.Connections.Dec()
}

// removeLocked drops c from channel name. Caller holds mu.
func (h *Hub) removeLocked(name string, c *Client) {
	if m := h.channels[name]; m != nil {
		delete(m, c)
		if len(m) == 0 {
			delete(h.channels, name)
		}
	}
	delete(c.channels, name)
}

// Subscribers returns the number of sockets subscribed to name.
func (h *Hub) Subscribers(name string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[name])
}

// Connections returns the number of open sockets.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) handleFrame(c *Client, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypePing:
		c.reply(protocol.TypePong, nil)
	case protocol.TypeSubscribe:
		var req protocol.ChannelRequest
		if err := json.Unmarshal(env.Data, &req); err != nil || req.Channel == "" {
			c.reply(protocol.TypeError, map[string]string{"message": "subscribe requires a channel"})
			return
		}
		h.subscribe(c, req.Channel)
	case protocol.TypeUnsubscribe:
		var req protocol.ChannelRequest
		if err := json.Unmarshal(env.Data, &req); err != nil || req.Channel == "" {
			c.reply(protocol.TypeError, map[string]string{"message": "unsubscribe requires a channel"})
			return
		}
		h.mu.Lock()
		h.removeLocked(req.Channel, c)
		h.mu.Unlock()
	default:
		c.reply(protocol.TypeError, map[string]string{"message": "unsupported frame type"})
	}
}

// subscribe re-resolves the connection token before evaluating the channel
// predicate, so an expired or superseded token cannot pick up new channels.
func (h *Hub) subscribe(c *Client, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), h.authWait)
	defer cancel()

	deny := func(reason string) {
		h.metrics.Subscriptions.WithLabelValues("denied").Inc()
		c.reply(protocol.TypeSubscriptionError, protocol.SubscriptionResult{Channel: name, Reason: reason})
	}

	cred, err := h.auth.Authenticate(ctx, c.token)
	if err != nil {
		if !errors.Is(err, channel.ErrInvalidToken) {
			h.logger.Warn("token lookup failed",
				zap.String("socket_id", c.id),
				zap.String("kind", string(c.cred.Kind)),
				zap.Error(err),
			)
		}
		deny("invalid or expired token")
		return
	}
	ok, err := h.auth.AuthorizeChannel(ctx, name, cred)
	if err != nil {
		h.logger.Warn("channel authorization failed",
			zap.String("socket_id", c.id),
			zap.String("kind", string(c.cred.Kind)),
			zap.String("channel", name),
			zap.Error(err),
		)
		deny("authorization unavailable")
		return
	}
	if !ok {
		h.logger.Debug("subscription denied",
			zap.String("socket_id", c.id),
			zap.String("kind", string(c.cred.Kind)),
			zap.String("channel", name),
		)
		deny("forbidden")
		return
	}

	h.mu.Lock()
	if _, live := h.clients[c]; !live {
		h.mu.Unlock()
		return
	}
	if h.channels[name] == nil {
		h.channels[name] = make(map[*Client]struct{})
	}
	h.channels[name][c] = struct{}{}
	c.channels[name] = struct{}{}
	h.mu.Unlock()

	h.metrics.Subscriptions.WithLabelValues("ok").Inc()
	c.reply(protocol.TypeSubscriptionSucceeded, protocol.SubscriptionResult{Channel: name})
}

// Dispatch delivers env to every local subscriber of env.Channel. Slow
// sockets whose buffers are full miss the event.
func (h *Hub) Dispatch(env protocol.Envelope) {
	if env.Channel == "" {
		return
	}
	frame, err := json.Marshal(env)
	if err != nil {
		h.logger.Warn("encode event failed", zap.String("type", env.Type), zap.Error(err))
		return
	}

	h.mu.RLock()
	subs := make([]*Client, 0, len(h.channels[env.Channel]))
	for c := range h.channels[env.Channel] {
		subs = append(subs, c)
	}
	h.mu.RUnlock()

	for _, c := range subs {
		if c.enqueue(frame) {
			h.metrics.EventsDelivered.WithLabelValues(env.Type).Inc()
		} else {
			h.metrics.EventsDropped.Inc()
		}
	}
}

// Close disconnects every socket with 1012 (service restart) so clients
// treat it as a reconnectable close.
func (h *Hub) Close() {
	h.mu.RLock()
	all := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()
	for _, c := range all {
		h.unregister(c, websocket.CloseServiceRestart)
	}
}
