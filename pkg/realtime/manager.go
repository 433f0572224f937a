// Package realtime is the client side of the realtime channel: a connection
// manager that keeps one socket open, reconnects on abnormal closes and fans
// inbound frames out to typed handlers.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/suPer8Hu/widget-chat/pkg/protocol"
	"go.uber.org/zap"
)

var (
	// ErrNotConnected is returned by Send when no transport is open. Sends are never queued.
	ErrNotConnected = errors.New("realtime: not connected")
	// ErrAborted is returned by Connect when Disconnect ran while dialing.
	ErrAborted = errors.New("realtime: connect aborted")
)

// TokenProvider returns the bearer token to present on each dial.
type TokenProvider func(ctx context.Context) (string, error)

type Options struct {
	AutoReconnect        bool
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	Backoff              Backoff
	// MaxReconnectInterval caps exponential backoff.
	MaxReconnectInterval time.Duration
	// HeartbeatInterval is how often a ping frame is sent. Zero disables it.
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration

	TokenProvider TokenProvider
	Dialer        Dialer
	Logger        *zap.Logger
}

func DefaultOptions() Options {
	return Options{
		AutoReconnect:        true,
		ReconnectInterval:    3 * time.Second,
		MaxReconnectAttempts: 5,
		Backoff:              BackoffFixed,
		MaxReconnectInterval: 30 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		DialTimeout:          10 * time.Second,
	}
}

// Manager owns at most one transport at a time.
type Manager struct {
	opts Options
	bus  *Bus
	log  *zap.Logger

	mu        sync.Mutex
	state     State
	url       string
	transport Transport
	attempts  int
	timer     *time.Timer
	stopBeat  chan struct{}
	// gen is bumped by Connect and Disconnect; callbacks holding an older
	// value belong to a connection that no longer exists.
	gen uint64

	writeMu sync.Mutex
}

func New(opts Options) *Manager {
	def := DefaultOptions()
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = def.ReconnectInterval
	}
	if opts.MaxReconnectInterval <= 0 {
		opts.MaxReconnectInterval = def.MaxReconnectInterval
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = def.DialTimeout
	}
	if opts.MaxReconnectAttempts < 0 {
		opts.MaxReconnectAttempts = 0
	}
	if opts.Dialer == nil {
		opts.Dialer = WebSocketDialer{}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{opts: opts, bus: NewBus(), log: log}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts is the number of reconnect attempts since the last successful open.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Subscribe registers h for an inbound message type, a lifecycle event or Wildcard.
func (m *Manager) Subscribe(typ string, h Handler) (unsubscribe func()) {
	return m.bus.Subscribe(typ, h)
}

// Connect dials url. It is a no-op while a connection is open or being
// opened. A manual Connect restarts the reconnect budget, so it also revives
// a manager that gave up after its last attempt.
func (m *Manager) Connect(ctx context.Context, url string) error {
	m.mu.Lock()
	if m.state == StateConnecting || m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	m.stopTimerLocked()
	m.gen++
	gen := m.gen
	m.url = url
	m.attempts = 0
	m.state = StateConnecting
	m.mu.Unlock()

	return m.dial(ctx, gen)
}

func (m *Manager) dial(ctx context.Context, gen uint64) error {
	m.mu.Lock()
	url := m.url
	m.mu.Unlock()

	header := http.Header{}
	if m.opts.TokenProvider != nil {
		tok, err := m.opts.TokenProvider(ctx)
		if err != nil {
			return m.dialFailed(gen, err)
		}
		header.Set("Authorization", "Bearer "+tok)
	}

	dctx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
	t, err := m.opts.Dialer.Dial(dctx, url, header)
	cancel()
	if err != nil {
		return m.dialFailed(gen, err)
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		_ = t.Close()
		return ErrAborted
	}
	m.transport = t
	m.state = StateConnected
	m.attempts = 0
	stop := make(chan struct{})
	m.stopBeat = stop
	m.mu.Unlock()

	m.log.Debug("connected", zap.String("url", url))
	m.bus.Publish(Event{Type: EventOpen})

	go m.readLoop(gen, t)
	if m.opts.HeartbeatInterval > 0 {
		go m.heartbeat(stop)
	}
	return nil
}

func (m *Manager) dialFailed(gen uint64, err error) error {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return ErrAborted
	}
	m.state = StateDisconnected
	m.mu.Unlock()

	m.log.Warn("dial failed", zap.Error(err))
	m.bus.Publish(Event{Type: EventError, Err: err})
	m.scheduleReconnect(gen)
	return err
}

func (m *Manager) readLoop(gen uint64, t Transport) {
	for {
		data, err := t.ReadMessage()
		if err != nil {
			m.closed(gen, t, err)
			return
		}
		m.deliver(data)
	}
}

func (m *Manager) deliver(data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		m.bus.Publish(Event{Type: EventRaw, Raw: data})
		return
	}
	m.bus.Publish(Event{
		Type:     env.Type,
		Channel:  env.Channel,
		Data:     env.Data,
		Envelope: env,
		Raw:      data,
	})
}

// closed handles the end of a transport the manager did not close itself.
func (m *Manager) closed(gen uint64, t Transport, err error) {
	m.mu.Lock()
	if gen != m.gen || m.transport != t {
		m.mu.Unlock()
		return
	}
	m.transport = nil
	m.stopHeartbeatLocked()
	m.state = StateDisconnected
	m.mu.Unlock()
	_ = t.Close()

	clean := isCleanClose(err)
	if !clean {
		m.bus.Publish(Event{Type: EventError, Err: err})
	}
	m.log.Info("connection closed", zap.Bool("clean", clean), zap.Error(err))
	m.bus.Publish(Event{Type: EventClose, Clean: clean, Err: err})

	if !clean {
		m.scheduleReconnect(gen)
	}
}

func (m *Manager) scheduleReconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || !m.opts.AutoReconnect || m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	if m.attempts >= m.opts.MaxReconnectAttempts {
		attempts := m.attempts
		m.mu.Unlock()
		m.log.Warn("giving up reconnecting", zap.Int("attempts", attempts))
		m.bus.Publish(Event{Type: EventReconnectFailed, Attempt: attempts})
		return
	}
	m.attempts++
	attempt := m.attempts
	delay := reconnectDelay(m.opts.Backoff, m.opts.ReconnectInterval, m.opts.MaxReconnectInterval, attempt)
	m.state = StateReconnecting
	m.timer = time.AfterFunc(delay, func() { m.reconnect(gen) })
	m.mu.Unlock()

	m.bus.Publish(Event{Type: EventReconnecting, Attempt: attempt, Delay: delay})
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.state = StateConnecting
	m.mu.Unlock()

	_ = m.dial(context.Background(), gen)
}

func (m *Manager) heartbeat(stop <-chan struct{}) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := m.Send(protocol.TypePing, nil); err != nil && !errors.Is(err, ErrNotConnected) {
				m.log.Debug("heartbeat failed", zap.Error(err))
			}
		}
	}
}

// Send writes {type, data, timestamp} if a transport is open and fails
// immediately otherwise.
func (m *Manager) Send(typ string, payload any) error {
	m.mu.Lock()
	t := m.transport
	st := m.state
	m.mu.Unlock()
	if st != StateConnected || t == nil {
		return ErrNotConnected
	}

	env, err := protocol.NewEnvelope(typ, payload)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := t.WriteMessage(raw); err != nil {
		m.bus.Publish(Event{Type: EventError, Err: err})
		return err
	}
	return nil
}

// Disconnect closes the transport and cancels a pending reconnect. It never
// triggers a reconnect.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	m.gen++
	m.stopTimerLocked()
	m.stopHeartbeatLocked()
	t := m.transport
	m.transport = nil
	if t != nil {
		m.state = StateClosing
	} else {
		m.state = StateDisconnected
	}
	m.mu.Unlock()

	if t == nil {
		return nil
	}
	err := t.Close()

	m.mu.Lock()
	if m.state == StateClosing {
		m.state = StateDisconnected
	}
	m.mu.Unlock()

	m.bus.Publish(Event{Type: EventClose, Clean: true})
	return err
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) stopHeartbeatLocked() {
	if m.stopBeat != nil {
		close(m.stopBeat)
		m.stopBeat = nil
	}
}
