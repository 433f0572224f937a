package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/widget-chat/pkg/protocol"
)

var errTransportClosed = errors.New("transport closed")

type fakeTransport struct {
	in   chan []byte
	done chan struct{}
	once sync.Once
	err  error

	mu  sync.Mutex
	out [][]byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan []byte, 16), done: make(chan struct{})}
}

func (f *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case b := <-f.in:
		return b, nil
	case <-f.done:
		return nil, f.err
	}
}

func (f *fakeTransport) WriteMessage(b []byte) error {
	select {
	case <-f.done:
		return errTransportClosed
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, b)
	return nil
}

func (f *fakeTransport) Close() error {
	f.fail(&websocket.CloseError{Code: websocket.CloseNormalClosure})
	return nil
}

// fail ends the connection from the remote side.
func (f *fakeTransport) fail(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

func (f *fakeTransport) written() []protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Envelope, 0, len(f.out))
	for _, b := range f.out {
		var env protocol.Envelope
		_ = json.Unmarshal(b, &env)
		out = append(out, env)
	}
	return out
}

// transports hands out a fresh fakeTransport per dial and remembers them.
type transports struct {
	mu    sync.Mutex
	list  []*fakeTransport
	dials atomic.Int32
	auth  []string
}

func (ts *transports) Dial(_ context.Context, _ string, h http.Header) (Transport, error) {
	ts.dials.Add(1)
	t := newFakeTransport()
	ts.mu.Lock()
	ts.list = append(ts.list, t)
	ts.auth = append(ts.auth, h.Get("Authorization"))
	ts.mu.Unlock()
	return t, nil
}

func (ts *transports) last() *fakeTransport {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.list[len(ts.list)-1]
}

func testOptions(d Dialer) Options {
	opts := DefaultOptions()
	opts.ReconnectInterval = 5 * time.Millisecond
	opts.HeartbeatInterval = 0
	opts.Dialer = d
	return opts
}

func waitFor(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func collect(m *Manager, typ string) <-chan Event {
	ch := make(chan Event, 32)
	m.Subscribe(typ, func(ev Event) { ch <- ev })
	return ch
}

func TestManager_GivesUpAfterMaxAttempts(t *testing.T) {
	var dials atomic.Int32
	opts := testOptions(DialerFunc(func(context.Context, string, http.Header) (Transport, error) {
		dials.Add(1)
		return nil, errors.New("connection refused")
	}))
	opts.MaxReconnectAttempts = 3
	m := New(opts)

	reconnecting := collect(m, EventReconnecting)
	failed := collect(m, EventReconnectFailed)

	err := m.Connect(context.Background(), "ws://example.test/ws")
	require.Error(t, err)

	ev := waitFor(t, failed)
	assert.Equal(t, 3, ev.Attempt)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(4), dials.Load(), "initial dial plus three reconnects")
	assert.Equal(t, StateDisconnected, m.State())
	assert.Len(t, reconnecting, 3)
	for i := 1; i <= 3; i++ {
		assert.Equal(t, i, (<-reconnecting).Attempt)
	}

	// A manual connect starts a fresh budget.
	_ = m.Connect(context.Background(), "ws://example.test/ws")
	waitFor(t, failed)
	assert.Equal(t, int32(8), dials.Load())
}

func TestManager_ReconnectsAfterAbnormalClose(t *testing.T) {
	ts := &transports{}
	opts := testOptions(ts)
	opts.TokenProvider = func(context.Context) (string, error) { return "tok-1", nil }
	m := New(opts)

	opened := collect(m, EventOpen)
	closed := collect(m, EventClose)

	require.NoError(t, m.Connect(context.Background(), "ws://example.test/ws"))
	waitFor(t, opened)
	assert.Equal(t, StateConnected, m.State())

	ts.last().fail(&websocket.CloseError{Code: websocket.CloseAbnormalClosure})
	ev := waitFor(t, closed)
	assert.False(t, ev.Clean)

	waitFor(t, opened)
	assert.Equal(t, int32(2), ts.dials.Load())
	assert.Equal(t, 0, m.Attempts(), "attempts reset once open")
	assert.Equal(t, []string{"Bearer tok-1", "Bearer tok-1"}, ts.auth)
}

func TestManager_CleanCloseDoesNotReconnect(t *testing.T) {
	ts := &transports{}
	m := New(testOptions(ts))
	closed := collect(m, EventClose)

	require.NoError(t, m.Connect(context.Background(), "ws://example.test/ws"))
	ts.last().fail(&websocket.CloseError{Code: websocket.CloseNormalClosure})

	ev := waitFor(t, closed)
	assert.True(t, ev.Clean)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), ts.dials.Load())
	assert.Equal(t, StateDisconnected, m.State())
}

func TestManager_ServerShutdownCodesReconnect(t *testing.T) {
	for _, code := range []int{websocket.CloseGoingAway, websocket.CloseServiceRestart, websocket.CloseTryAgainLater} {
		t.Run(strconv.Itoa(code), func(t *testing.T) {
			ts := &transports{}
			m := New(testOptions(ts))
			opened := collect(m, EventOpen)
			closed := collect(m, EventClose)
			reconnecting := collect(m, EventReconnecting)

			require.NoError(t, m.Connect(context.Background(), "ws://example.test/ws"))
			waitFor(t, opened)
			ts.last().fail(&websocket.CloseError{Code: code})

			ev := waitFor(t, closed)
			assert.False(t, ev.Clean)
			waitFor(t, reconnecting)
			waitFor(t, opened)
			assert.Equal(t, int32(2), ts.dials.Load())
			_ = m.Disconnect()
		})
	}
}

func TestManager_DisconnectCancelsPendingReconnect(t *testing.T) {
	ts := &transports{}
	opts := testOptions(ts)
	opts.ReconnectInterval = 40 * time.Millisecond
	m := New(opts)
	reconnecting := collect(m, EventReconnecting)

	require.NoError(t, m.Connect(context.Background(), "ws://example.test/ws"))
	ts.last().fail(&websocket.CloseError{Code: websocket.CloseAbnormalClosure})
	waitFor(t, reconnecting)
	assert.Equal(t, StateReconnecting, m.State())

	require.NoError(t, m.Disconnect())
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), ts.dials.Load())
	assert.Equal(t, StateDisconnected, m.State())
}

func TestManager_ConnectIsNoopWhenOpen(t *testing.T) {
	ts := &transports{}
	m := New(testOptions(ts))
	require.NoError(t, m.Connect(context.Background(), "ws://example.test/ws"))
	require.NoError(t, m.Connect(context.Background(), "ws://example.test/ws"))
	assert.Equal(t, int32(1), ts.dials.Load())
}

func TestManager_SendRequiresOpenTransport(t *testing.T) {
	ts := &transports{}
	m := New(testOptions(ts))

	assert.ErrorIs(t, m.Send(protocol.TypeSubscribe, protocol.ChannelRequest{Channel: "chat.x"}), ErrNotConnected)

	require.NoError(t, m.Connect(context.Background(), "ws://example.test/ws"))
	require.NoError(t, m.Send(protocol.TypeSubscribe, protocol.ChannelRequest{Channel: "chat.x"}))

	out := ts.last().written()
	require.Len(t, out, 1)
	assert.Equal(t, protocol.TypeSubscribe, out[0].Type)
	assert.JSONEq(t, `{"channel":"chat.x"}`, string(out[0].Data))
	assert.NotEmpty(t, out[0].Timestamp)

	require.NoError(t, m.Disconnect())
	assert.ErrorIs(t, m.Send(protocol.TypePing, nil), ErrNotConnected, "sends are not queued")
}

func TestManager_DispatchesInboundFrames(t *testing.T) {
	ts := &transports{}
	m := New(testOptions(ts))

	var mu sync.Mutex
	var order []string
	record := func(tag string) Handler {
		return func(ev Event) {
			mu.Lock()
			order = append(order, tag+":"+ev.Type)
			mu.Unlock()
		}
	}
	m.Subscribe(protocol.EventMessageCreated, record("a"))
	m.Subscribe(protocol.EventMessageCreated, record("b"))
	raws := collect(m, EventRaw)
	all := collect(m, Wildcard)

	require.NoError(t, m.Connect(context.Background(), "ws://example.test/ws"))
	waitFor(t, all) // open

	tr := ts.last()
	tr.in <- []byte(`{"type":"message.created","channel":"chat.s1","data":{"id":"m1"}}`)
	ev := waitFor(t, all)
	assert.Equal(t, "chat.s1", ev.Channel)
	var msg struct{ ID string }
	require.NoError(t, ev.Decode(&msg))
	assert.Equal(t, "m1", msg.ID)

	tr.in <- []byte(`not json`)
	raw := waitFor(t, raws)
	assert.Equal(t, "not json", string(raw.Raw))

	mu.Lock()
	assert.Equal(t, []string{"a:message.created", "b:message.created"}, order)
	mu.Unlock()
}

func TestManager_HeartbeatSendsPing(t *testing.T) {
	ts := &transports{}
	opts := testOptions(ts)
	opts.HeartbeatInterval = 10 * time.Millisecond
	m := New(opts)
	require.NoError(t, m.Connect(context.Background(), "ws://example.test/ws"))
	defer m.Disconnect()

	assert.Eventually(t, func() bool {
		for _, env := range ts.last().written() {
			if env.Type == protocol.TypePing {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestReconnectDelay(t *testing.T) {
	base := time.Second
	assert.Equal(t, base, reconnectDelay(BackoffFixed, base, 30*time.Second, 4))
	assert.Equal(t, base, reconnectDelay(BackoffExponential, base, 30*time.Second, 1))
	assert.Equal(t, 4*time.Second, reconnectDelay(BackoffExponential, base, 30*time.Second, 3))
	assert.Equal(t, 30*time.Second, reconnectDelay(BackoffExponential, base, 30*time.Second, 10))
}
