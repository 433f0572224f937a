package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/widget-chat/internal/channel"
	"github.com/suPer8Hu/widget-chat/internal/chat"
	"github.com/suPer8Hu/widget-chat/internal/store/memstore"
	"github.com/suPer8Hu/widget-chat/pkg/protocol"
	wsclient "github.com/suPer8Hu/widget-chat/pkg/realtime"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const (
	embeddedSession = "6f1c1a52-4b0b-4c39-9a55-3f7e0c6f2a10"
	otherSession    = "0b5c2a7e-9d84-4f0e-8f45-8a1f7f2d3c44"
)

type sessions map[string]bool

func (s sessions) SessionChannelInfo(_ context.Context, id string) (bool, uint64, error) {
	embedded, ok := s[id]
	if !ok {
		return false, 0, chat.ErrSessionNotFound
	}
	return embedded, 99, nil
}

func setup(t *testing.T) (*Hub, *channel.Service, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	auth := channel.NewService(memstore.New(), "secret", sessions{embeddedSession: true, otherSession: true})
	hub := NewHub(auth, WithHeartbeat(time.Second))

	r := gin.New()
	r.GET("/ws", hub.ServeWS)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, auth, srv
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	env := readFrame(t, conn)
	require.Equal(t, protocol.TypeConnectionEstablished, env.Type)
	return conn
}

// readFrame returns the next non-ping frame.
func readFrame(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	return env
}

func send(t *testing.T, conn *websocket.Conn, typ string, data any) {
	t.Helper()
	env, err := protocol.NewEnvelope(typ, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(env))
}

func TestServeWS_RejectsInvalidToken(t *testing.T) {
	_, _, srv := setup(t)

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=gst_nope"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHub_SubscribeAndDispatch(t *testing.T) {
	hub, auth, srv := setup(t)

	tok, err := auth.IssueGuestToken(context.Background(), channel.GuestRequest{ClientID: "c1", SessionID: embeddedSession})
	require.NoError(t, err)
	conn := dial(t, srv, tok.Token)

	send(t, conn, protocol.TypeSubscribe, protocol.ChannelRequest{Channel: "chat." + embeddedSession})
	env := readFrame(t, conn)
	require.Equal(t, protocol.TypeSubscriptionSucceeded, env.Type)

	// not in the guest token's channel list
	send(t, conn, protocol.TypeSubscribe, protocol.ChannelRequest{Channel: "chat." + otherSession})
	env = readFrame(t, conn)
	require.Equal(t, protocol.TypeSubscriptionError, env.Type)
	var res protocol.SubscriptionResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, "chat."+otherSession, res.Channel)

	require.Eventually(t, func() bool { return hub.Subscribers("chat."+embeddedSession) == 1 }, time.Second, 10*time.Millisecond)

	ev, err := protocol.NewEnvelope(protocol.EventTyping, protocol.Typing{SessionID: embeddedSession, ActorID: "c2", IsTyping: true})
	require.NoError(t, err)
	ev.Channel = "chat." + embeddedSession
	hub.Dispatch(ev)

	// events on channels the socket did not join never arrive
	other := ev
	other.Channel = "chat." + otherSession
	hub.Dispatch(other)

	got := readFrame(t, conn)
	assert.Equal(t, protocol.EventTyping, got.Type)
	assert.Equal(t, "chat."+embeddedSession, got.Channel)

	send(t, conn, protocol.TypePing, nil)
	assert.Equal(t, protocol.TypePong, readFrame(t, conn).Type)
}

func TestHub_UnsubscribeAndDisconnectCleanUp(t *testing.T) {
	hub, auth, srv := setup(t)

	tok, err := auth.IssueGuestToken(context.Background(), channel.GuestRequest{ClientID: "c1", WidgetID: embeddedSession})
	require.NoError(t, err)
	conn := dial(t, srv, tok.Token)

	send(t, conn, protocol.TypeSubscribe, protocol.ChannelRequest{Channel: protocol.PublicChannel})
	require.Equal(t, protocol.TypeSubscriptionSucceeded, readFrame(t, conn).Type)
	require.Eventually(t, func() bool { return hub.Subscribers(protocol.PublicChannel) == 1 }, time.Second, 10*time.Millisecond)

	send(t, conn, protocol.TypeUnsubscribe, protocol.ChannelRequest{Channel: protocol.PublicChannel})
	require.Eventually(t, func() bool { return hub.Subscribers(protocol.PublicChannel) == 0 }, time.Second, 10*time.Millisecond)

	send(t, conn, protocol.TypeSubscribe, protocol.ChannelRequest{Channel: protocol.PublicChannel})
	require.Equal(t, protocol.TypeSubscriptionSucceeded, readFrame(t, conn).Type)
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Subscribers(protocol.PublicChannel) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_UserTokenRevokedBeforeSubscribe(t *testing.T) {
	_, auth, srv := setup(t)
	ctx := context.Background()

	first, err := auth.IssueAuthenticatedToken(ctx, 5)
	require.NoError(t, err)
	conn := dial(t, srv, first.Token)

	_, err = auth.IssueAuthenticatedToken(ctx, 5)
	require.NoError(t, err)

	send(t, conn, protocol.TypeSubscribe, protocol.ChannelRequest{Channel: "user.5"})
	assert.Equal(t, protocol.TypeSubscriptionError, readFrame(t, conn).Type)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=q", nil)
	assert.Equal(t, "q", TokenFromRequest(r))
	r.Header.Set("Authorization", "Bearer h")
	assert.Equal(t, "h", TokenFromRequest(r))
}

func TestHub_CloseSendsServiceRestart(t *testing.T) {
	hub, auth, srv := setup(t)

	tok, err := auth.IssueGuestToken(context.Background(), channel.GuestRequest{ClientID: "c1", SessionID: embeddedSession})
	require.NoError(t, err)
	conn := dial(t, srv, tok.Token)

	hub.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseServiceRestart), "got %v", err)
}

func TestHub_CloseLetsManagerReconnect(t *testing.T) {
	hub, auth, srv := setup(t)

	tok, err := auth.IssueGuestToken(context.Background(), channel.GuestRequest{ClientID: "c1", SessionID: embeddedSession})
	require.NoError(t, err)

	opts := wsclient.DefaultOptions()
	opts.ReconnectInterval = 20 * time.Millisecond
	opts.HeartbeatInterval = 0
	opts.TokenProvider = func(context.Context) (string, error) { return tok.Token, nil }
	m := wsclient.New(opts)
	t.Cleanup(func() { _ = m.Disconnect() })

	events := make(chan wsclient.Event, 32)
	for _, typ := range []string{wsclient.EventOpen, wsclient.EventClose, wsclient.EventReconnecting} {
		m.Subscribe(typ, func(ev wsclient.Event) { events <- ev })
	}
	next := func(typ string) wsclient.Event {
		t.Helper()
		for {
			select {
			case ev := <-events:
				if ev.Type == typ {
					return ev
				}
			case <-time.After(2 * time.Second):
				t.Fatalf("timed out waiting for %s", typ)
				return wsclient.Event{}
			}
		}
	}

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	require.NoError(t, m.Connect(context.Background(), u))
	next(wsclient.EventOpen)
	require.Eventually(t, func() bool { return hub.Connections() == 1 }, time.Second, 10*time.Millisecond)

	hub.Close()
	assert.False(t, next(wsclient.EventClose).Clean)
	next(wsclient.EventReconnecting)
	next(wsclient.EventOpen)
	assert.Equal(t, wsclient.StateConnected, m.State())
}

func TestHub_DispatchWhileClosing(t *testing.T) {
	hub, auth, srv := setup(t)

	for i := 0; i < 8; i++ {
		tok, err := auth.IssueGuestToken(context.Background(), channel.GuestRequest{ClientID: "c" + strconv.Itoa(i), WidgetID: embeddedSession})
		require.NoError(t, err)
		conn := dial(t, srv, tok.Token)
		send(t, conn, protocol.TypeSubscribe, protocol.ChannelRequest{Channel: protocol.PublicChannel})
		require.Equal(t, protocol.TypeSubscriptionSucceeded, readFrame(t, conn).Type)
	}
	require.Eventually(t, func() bool { return hub.Subscribers(protocol.PublicChannel) == 8 }, time.Second, 10*time.Millisecond)

	ev, err := protocol.NewEnvelope("announcement", map[string]string{"text": "hi"})
	require.NoError(t, err)
	ev.Channel = protocol.PublicChannel

	var wg sync.WaitGroup
	start := make(chan struct{})
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for i := 0; i < 500; i++ {
				hub.Dispatch(ev)
			}
		}()
	}
	close(start)
	hub.Close()
	wg.Wait()

	assert.Equal(t, 0, hub.Subscribers(protocol.PublicChannel))
	assert.Equal(t, 0, hub.Connections())
}

func TestClient_EnqueueAfterShutdown(t *testing.T) {
	c := &Client{send: make(chan []byte, 1), done: make(chan struct{})}
	assert.True(t, c.enqueue([]byte("a")))
	assert.False(t, c.enqueue([]byte("b")), "buffer full")

	<-c.send
	c.shutdown(websocket.CloseGoingAway)
	c.shutdown(websocket.CloseServiceRestart)
	assert.False(t, c.enqueue([]byte("c")))
	assert.Equal(t, websocket.CloseGoingAway, c.closeCode, "first code wins")
}

func TestHub_DeniedSubscriptionLogsCredentialKind(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.DebugLevel)
	auth := channel.NewService(memstore.New(), "secret", sessions{embeddedSession: true, otherSession: true})
	hub := NewHub(auth, WithHeartbeat(time.Second), WithLogger(zap.New(core)))
	r := gin.New()
	r.GET("/ws", hub.ServeWS)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})

	tok, err := auth.IssueGuestToken(context.Background(), channel.GuestRequest{ClientID: "c1", SessionID: embeddedSession})
	require.NoError(t, err)
	conn := dial(t, srv, tok.Token)
	send(t, conn, protocol.TypeSubscribe, protocol.ChannelRequest{Channel: "chat." + otherSession})
	require.Equal(t, protocol.TypeSubscriptionError, readFrame(t, conn).Type)

	denied := logs.FilterMessage("subscription denied").All()
	require.Len(t, denied, 1)
	fields := denied[0].ContextMap()
	assert.Equal(t, "guest", fields["kind"])
	assert.Equal(t, "chat."+otherSession, fields["channel"])
}
