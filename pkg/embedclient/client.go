// Package embedclient talks to the public widget API the way an embedded chat
// widget does: fetch config, open a session, obtain a guest token, then keep
// a realtime connection subscribed to the session's channels.
package embedclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// tokens are refreshed this long before they expire
	tokenSkew       = 30 * time.Second
	maxResponseSize = 1 << 20
)

// Client is safe for concurrent use. Token requests are deduplicated per
// Client, so two embeds on one page never share in-flight state.
type Client struct {
	base   *url.URL
	http   *http.Client
	origin string
	log    *zap.Logger
	now    func() time.Time

	flight singleflight.Group
	mu     sync.Mutex
	tokens map[string]GuestToken
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

// WithOrigin sets the Origin header the widget's domain gate checks.
func WithOrigin(origin string) Option { return func(c *Client) { c.origin = origin } }

func WithLogger(l *zap.Logger) Option { return func(c *Client) { c.log = l } }

func WithClock(now func() time.Time) Option { return func(c *Client) { c.now = now } }

func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https, got %q", u.Scheme)
	}
	c := &Client{
		base:   u,
		http:   &http.Client{Timeout: 30 * time.Second},
		log:    zap.NewNop(),
		now:    time.Now,
		tokens: make(map[string]GuestToken),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// WebSocketURL is the realtime endpoint on the same host.
func (c *Client) WebSocketURL(path string) string {
	if path == "" {
		path = "/ws"
	}
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

func (c *Client) WidgetConfig(ctx context.Context, widgetID string) Result[WidgetConfig] {
	return do[WidgetConfig](ctx, c, http.MethodGet, "/public/widgets/"+url.PathEscape(widgetID)+"/config", nil)
}

func (c *Client) CreateSession(ctx context.Context, widgetID, clientID string) Result[Session] {
	body := map[string]string{"client_id": clientID}
	return do[Session](ctx, c, http.MethodPost, "/public/widgets/"+url.PathEscape(widgetID)+"/sessions", body)
}

func (c *Client) SendMessage(ctx context.Context, sessionID, text string) Result[Exchange] {
	body := map[string]string{"message": text}
	return do[Exchange](ctx, c, http.MethodPost, sessionPath(sessionID, "/messages"), body)
}

func (c *Client) Messages(ctx context.Context, sessionID string, afterID uint64) Result[MessagePage] {
	p := sessionPath(sessionID, "/messages")
	if afterID > 0 {
		p += "?after_id=" + strconv.FormatUint(afterID, 10)
	}
	return do[MessagePage](ctx, c, http.MethodGet, p, nil)
}

func (c *Client) Typing(ctx context.Context, sessionID, clientID string, typing bool) Result[struct{}] {
	body := map[string]any{"client_id": clientID, "is_typing": typing}
	return do[struct{}](ctx, c, http.MethodPost, sessionPath(sessionID, "/typing"), body)
}

func (c *Client) EndSession(ctx context.Context, sessionID string) Result[SessionState] {
	return do[SessionState](ctx, c, http.MethodPost, sessionPath(sessionID, "/end"), nil)
}

func (c *Client) RealtimeStatus(ctx context.Context) Result[RealtimeStatus] {
	return do[RealtimeStatus](ctx, c, http.MethodGet, "/websocket-status", nil)
}

func tokenKey(req GuestTokenRequest) string {
	return "guest-token:" + req.ClientID + ":" + req.SessionID + ":" + req.WidgetID
}

// GuestToken returns a cached token while it has more than tokenSkew left,
// otherwise fetches a new one. Concurrent callers for the same request share
// one HTTP call.
func (c *Client) GuestToken(ctx context.Context, req GuestTokenRequest) Result[GuestToken] {
	key := tokenKey(req)
	c.mu.Lock()
	tok, cached := c.tokens[key]
	c.mu.Unlock()
	if cached && c.now().Add(tokenSkew).Before(tok.ExpiresAt) {
		return okResult(tok)
	}

	v, _, _ := c.flight.Do(key, func() (any, error) {
		r := do[GuestToken](ctx, c, http.MethodPost, "/websocket/guest-auth", req)
		if r.OK {
			c.mu.Lock()
			c.tokens[key] = r.Value
			c.mu.Unlock()
		}
		return r, nil
	})
	return v.(Result[GuestToken])
}

// InvalidateToken drops a cached token so the next GuestToken call fetches.
func (c *Client) InvalidateToken(req GuestTokenRequest) {
	c.mu.Lock()
	delete(c.tokens, tokenKey(req))
	c.mu.Unlock()
}

func sessionPath(sessionID, suffix string) string {
	return "/public/chat/sessions/" + url.PathEscape(sessionID) + suffix
}

func do[T any](ctx context.Context, c *Client, method, path string, body any) Result[T] {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return failed[T](fmt.Errorf("encode request: %w", err))
		}
		rd = bytes.NewReader(raw)
	}

	target := *c.base
	p, q, _ := strings.Cut(path, "?")
	target.Path = strings.TrimRight(target.Path, "/") + p
	target.RawQuery = q

	req, err := http.NewRequestWithContext(ctx, method, target.String(), rd)
	if err != nil {
		return failed[T](err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.origin != "" {
		req.Header.Set("Origin", c.origin)
	}

	start := c.now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug("request failed", zap.String("method", method), zap.String("path", p), zap.Error(err))
		return failed[T](err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return failed[T](fmt.Errorf("read response: %w", err))
	}
	c.log.Debug("request",
		zap.String("method", method),
		zap.String("path", p),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", c.now().Sub(start)),
	)
	return decodeResult[T](resp.StatusCode, raw)
}
