package embedclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/suPer8Hu/widget-chat/pkg/protocol"
	"github.com/suPer8Hu/widget-chat/pkg/realtime"
	"go.uber.org/zap"
)

type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseConfig     Phase = "loading_config"
	PhaseSession    Phase = "creating_session"
	PhaseToken      Phase = "authorizing"
	PhaseConnecting Phase = "connecting"
	PhaseReady      Phase = "ready"
	// PhaseHTTPOnly means chat still works over HTTP but no live events arrive.
	PhaseHTTPOnly Phase = "http_only"
	PhaseFailed   Phase = "failed"
	PhaseClosed   Phase = "closed"
)

// StepError reports which init step failed.
type StepError struct {
	Step Phase
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("embed %s: %v", e.Step, e.Err) }
func (e *StepError) Unwrap() error { return e.Err }

var ErrNotStarted = errors.New("embed: not started")

type EmbedOptions struct {
	ClientID string
	// DisableReconnect turns off the manager's automatic reconnect.
	DisableReconnect bool
	// Connection overrides the manager options. Zero fields take the
	// server-advised values from the guest-auth response.
	Connection   realtime.Options
	Dialer       realtime.Dialer
	TypingExpiry time.Duration
	Logger       *zap.Logger

	OnPhase        func(Phase)
	OnMessage      func(Message)
	OnTyping       func(actorID string, typing bool)
	OnSessionEnded func()
}

// Embed drives one widget instance.
type Embed struct {
	client   *Client
	widgetID string
	opts     EmbedOptions
	log      *zap.Logger

	mu       sync.Mutex
	phase    Phase
	err      error
	config   *WidgetConfig
	session  *Session
	channels []string
	seen     map[uint64]struct{}
	mgr      *realtime.Manager
	typing   *realtime.TypingTracker
	unsubs   []func()
}

func NewEmbed(client *Client, widgetID string, opts EmbedOptions) *Embed {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Embed{
		client:   client,
		widgetID: widgetID,
		opts:     opts,
		log:      log.With(zap.String("widget_id", widgetID)),
		phase:    PhaseIdle,
		seen:     make(map[uint64]struct{}),
	}
}

func (e *Embed) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// Err is the error that put the embed into PhaseFailed, if any.
func (e *Embed) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *Embed) Config() *WidgetConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config
}

func (e *Embed) Session() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

func (e *Embed) setPhase(p Phase) {
	e.mu.Lock()
	changed := e.phase != p
	e.phase = p
	e.mu.Unlock()
	if changed && e.opts.OnPhase != nil {
		e.opts.OnPhase(p)
	}
}

func (e *Embed) fail(step Phase, err error) error {
	serr := &StepError{Step: step, Err: err}
	e.mu.Lock()
	e.err = serr
	e.mu.Unlock()
	e.log.Warn("embed init failed", zap.String("step", string(step)), zap.Error(err))
	e.setPhase(PhaseFailed)
	return serr
}

// Start runs config, session, token and connect in order. The first failing
// step stops the sequence; nothing is retried here. A refused connection
// credential is not fatal: the embed stays usable in PhaseHTTPOnly.
func (e *Embed) Start(ctx context.Context) error {
	e.setPhase(PhaseConfig)
	cfg, err := e.client.WidgetConfig(ctx, e.widgetID).Unwrap()
	if err != nil {
		return e.fail(PhaseConfig, err)
	}

	e.setPhase(PhaseSession)
	sess, err := e.client.CreateSession(ctx, e.widgetID, e.opts.ClientID).Unwrap()
	if err != nil {
		return e.fail(PhaseSession, err)
	}
	e.mu.Lock()
	e.config = &cfg
	e.session = &sess
	e.mu.Unlock()
	for _, m := range sess.Messages {
		e.deliver(m)
	}

	e.setPhase(PhaseToken)
	tokReq := e.tokenRequest()
	tok, err := e.client.GuestToken(ctx, tokReq).Unwrap()
	if err != nil {
		return e.fail(PhaseToken, err)
	}
	e.mu.Lock()
	e.channels = subscribable(tok.Channels, sess.SessionID, e.widgetID)
	e.mu.Unlock()

	e.setPhase(PhaseConnecting)
	mgr := realtime.New(e.managerOptions(tok.Connection))
	tracker := realtime.NewTypingTracker(e.opts.TypingExpiry, func(actor string, typing bool) {
		if e.opts.OnTyping != nil {
			e.opts.OnTyping(actor, typing)
		}
	})
	e.mu.Lock()
	e.mgr = mgr
	e.typing = tracker
	e.mu.Unlock()
	e.listen(mgr)

	if err := mgr.Connect(ctx, e.client.WebSocketURL(tok.Connection.Path)); err != nil {
		var herr *realtime.HandshakeError
		if errors.As(err, &herr) && (herr.StatusCode == http.StatusUnauthorized || herr.StatusCode == http.StatusForbidden) {
			e.log.Info("realtime refused, continuing over http", zap.Int("status", herr.StatusCode))
			_ = mgr.Disconnect()
			e.client.InvalidateToken(tokReq)
			e.setPhase(PhaseHTTPOnly)
			return nil
		}
		_ = mgr.Disconnect()
		return e.fail(PhaseConnecting, err)
	}
	return nil
}

func (e *Embed) tokenRequest() GuestTokenRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	req := GuestTokenRequest{ClientID: e.opts.ClientID, WidgetID: e.widgetID}
	if e.session != nil {
		req.SessionID = e.session.SessionID
	}
	return req
}

// subscribable keeps the session and widget channels the token grants.
func subscribable(granted []string, sessionID, widgetID string) []string {
	want := []string{protocol.ChatChannel(sessionID), protocol.WidgetChannel(widgetID)}
	has := make(map[string]bool, len(granted))
	for _, ch := range granted {
		has[ch] = true
	}
	out := make([]string, 0, len(want))
	for _, ch := range want {
		if has[ch] {
			out = append(out, ch)
		}
	}
	return out
}

func (e *Embed) managerOptions(adv ConnectionSettings) realtime.Options {
	o := e.opts.Connection
	def := realtime.DefaultOptions()
	if o.ReconnectInterval == 0 {
		o.ReconnectInterval = seconds(adv.ReconnectInterval, def.ReconnectInterval)
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = seconds(adv.HeartbeatInterval, def.HeartbeatInterval)
	}
	if o.MaxReconnectAttempts == 0 {
		o.MaxReconnectAttempts = def.MaxReconnectAttempts
		if adv.MaxReconnectAttempts > 0 {
			o.MaxReconnectAttempts = adv.MaxReconnectAttempts
		}
	}
	o.AutoReconnect = !e.opts.DisableReconnect
	if o.Dialer == nil {
		o.Dialer = e.opts.Dialer
	}
	if o.Logger == nil {
		o.Logger = e.log
	}
	o.TokenProvider = func(ctx context.Context) (string, error) {
		return e.tokenFor(ctx)
	}
	return o
}

func seconds(n int, def time.Duration) time.Duration {
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

func (e *Embed) tokenFor(ctx context.Context) (string, error) {
	tok, err := e.client.GuestToken(ctx, e.tokenRequest()).Unwrap()
	if err != nil {
		return "", err
	}
	return tok.Token, nil
}

func (e *Embed) listen(mgr *realtime.Manager) {
	subs := []func(){
		mgr.Subscribe(realtime.EventOpen, func(realtime.Event) { e.resubscribe(mgr) }),
		mgr.Subscribe(protocol.TypeSubscriptionError, e.onSubscriptionError),
		mgr.Subscribe(protocol.EventMessageCreated, e.onMessage),
		mgr.Subscribe(protocol.EventTyping, e.onTyping),
		mgr.Subscribe(protocol.EventSessionEnded, func(realtime.Event) {
			if e.opts.OnSessionEnded != nil {
				e.opts.OnSessionEnded()
			}
		}),
		mgr.Subscribe(realtime.EventReconnectFailed, func(realtime.Event) {
			e.setPhase(PhaseHTTPOnly)
		}),
		mgr.Subscribe(realtime.EventReconnecting, func(ev realtime.Event) {
			e.log.Info("reconnecting", zap.Int("attempt", ev.Attempt), zap.Duration("delay", ev.Delay))
			e.setPhase(PhaseConnecting)
		}),
	}
	e.mu.Lock()
	e.unsubs = append(e.unsubs, subs...)
	e.mu.Unlock()
}

// resubscribe runs on every open, so channels survive a reconnect.
func (e *Embed) resubscribe(mgr *realtime.Manager) {
	e.mu.Lock()
	channels := append([]string(nil), e.channels...)
	e.mu.Unlock()
	for _, ch := range channels {
		if err := mgr.Send(protocol.TypeSubscribe, protocol.ChannelRequest{Channel: ch}); err != nil {
			e.log.Warn("subscribe failed", zap.String("channel", ch), zap.Error(err))
		}
	}
	e.setPhase(PhaseReady)
}

func (e *Embed) onSubscriptionError(ev realtime.Event) {
	var res protocol.SubscriptionResult
	_ = ev.Decode(&res)
	e.log.Warn("subscription refused", zap.String("channel", res.Channel), zap.String("reason", res.Reason))

	e.mu.Lock()
	mgr := e.mgr
	e.mu.Unlock()
	e.setPhase(PhaseHTTPOnly)
	if mgr != nil {
		// handlers run on the read goroutine
		go func() { _ = mgr.Disconnect() }()
	}
}

func (e *Embed) onMessage(ev realtime.Event) {
	var m Message
	if err := ev.Decode(&m); err != nil {
		e.log.Debug("bad message.created payload", zap.Error(err))
		return
	}
	e.deliver(m)
}

func (e *Embed) onTyping(ev realtime.Event) {
	var st protocol.Typing
	if err := ev.Decode(&st); err != nil {
		return
	}
	if st.ActorID == e.opts.ClientID {
		return
	}
	e.mu.Lock()
	tracker := e.typing
	e.mu.Unlock()
	if tracker != nil {
		tracker.Observe(st)
	}
}

// deliver hands each message to OnMessage once. Replies reach the embed both
// in the HTTP response and on the session channel.
func (e *Embed) deliver(m Message) {
	e.mu.Lock()
	if m.ID != 0 {
		if _, dup := e.seen[m.ID]; dup {
			e.mu.Unlock()
			return
		}
		e.seen[m.ID] = struct{}{}
	}
	e.mu.Unlock()
	if e.opts.OnMessage != nil {
		e.opts.OnMessage(m)
	}
}

// Send posts a user message and delivers both stored messages.
func (e *Embed) Send(ctx context.Context, text string) (Exchange, error) {
	sess := e.Session()
	if sess == nil {
		return Exchange{}, ErrNotStarted
	}
	ex, err := e.client.SendMessage(ctx, sess.SessionID, text).Unwrap()
	if err != nil {
		return Exchange{}, err
	}
	if ex.UserMessage != nil {
		e.deliver(*ex.UserMessage)
	}
	if ex.AssistantMessage != nil {
		e.deliver(*ex.AssistantMessage)
	}
	return ex, nil
}

func (e *Embed) SetTyping(ctx context.Context, typing bool) error {
	sess := e.Session()
	if sess == nil {
		return ErrNotStarted
	}
	_, err := e.client.Typing(ctx, sess.SessionID, e.opts.ClientID, typing).Unwrap()
	return err
}

// End ends the session on the server and closes the embed.
func (e *Embed) End(ctx context.Context) error {
	sess := e.Session()
	if sess == nil {
		return ErrNotStarted
	}
	if _, err := e.client.EndSession(ctx, sess.SessionID).Unwrap(); err != nil {
		return err
	}
	return e.Close()
}

// Close drops the realtime connection. The embed cannot be restarted.
func (e *Embed) Close() error {
	e.mu.Lock()
	unsubs := e.unsubs
	e.unsubs = nil
	mgr := e.mgr
	tracker := e.typing
	e.mu.Unlock()

	for _, off := range unsubs {
		off()
	}
	if tracker != nil {
		tracker.Stop()
	}
	var err error
	if mgr != nil {
		err = mgr.Disconnect()
	}
	e.setPhase(PhaseClosed)
	return err
}
