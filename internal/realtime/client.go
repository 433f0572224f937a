package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/suPer8Hu/widget-chat/internal/channel"
	"github.com/suPer8Hu/widget-chat/pkg/protocol"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 256
)

// Client is one upgraded WebSocket connection.
type Client struct {
	id    string
	token string
	cred  *channel.Credential
	conn  *websocket.Conn
	hub   *Hub

	// send is never closed; shutdown closes done instead.
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closeCode int

	// channels is guarded by hub.mu.
	channels map[string]struct{}
}

func (c *Client) ID() string { return c.id }

// shutdown stops the write pump, which sends a close frame with code.
func (c *Client) shutdown(code int) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		close(c.done)
	})
}

// enqueue hands a frame to the write pump without blocking. It reports false
// when the buffer is full or the client is shutting down.
func (c *Client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) reply(typ string, data any) {
	env, err := protocol.NewEnvelope(typ, data)
	if err != nil {
		c.hub.logger.Warn("encode frame failed", zap.String("type", typ), zap.Error(err))
		return
	}
	b, err := json.Marshal(env)
	if err != nil {
		return
	}
	if !c.enqueue(b) {
		c.hub.metrics.EventsDropped.Inc()
	}
}

// writePump is the only writer on conn. It also keeps the connection alive
// with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, ""))
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump handles client frames until the connection drops.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c, websocket.CloseGoingAway)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.hub.logger.Debug("socket closed",
					zap.String("socket_id", c.id),
					zap.String("kind", string(c.cred.Kind)),
					zap.Error(err),
				)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.pongWait))

		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.reply(protocol.TypeError, map[string]string{"message": "malformed frame"})
			continue
		}
		c.hub.handleFrame(c, env)
	}
}
