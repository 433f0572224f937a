package realtime

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is one open connection.
type Transport interface {
	// ReadMessage blocks for the next frame. Any error means the connection is gone.
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	// Close performs a normal close handshake where possible.
	Close() error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Transport, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string, header http.Header) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context, url string, header http.Header) (Transport, error) {
	return f(ctx, url, header)
}

// WebSocketDialer dials with gorilla/websocket.
type WebSocketDialer struct {
	Dialer *websocket.Dialer
}

func (d WebSocketDialer) Dial(ctx context.Context, url string, header http.Header) (Transport, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, &HandshakeError{StatusCode: resp.StatusCode, Err: err}
		}
		return nil, err
	}
	return &wsTransport{conn: conn}, nil
}

// HandshakeError is a dial that reached the server but was refused, e.g. 401
// for an invalid token.
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string { return "websocket handshake: " + http.StatusText(e.StatusCode) }
func (e *HandshakeError) Unwrap() error { return e.Err }

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteMessage(data []byte) error {
	_ = t.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return t.conn.Close()
}

// isCleanClose reports whether the server ended the connection for good.
// Only 1000 counts: 1001 and 1012 are what a draining or restarting server
// sends, and 1006 means the socket just dropped.
func isCleanClose(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code == websocket.CloseNormalClosure
	}
	return false
}
