package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gormsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/widget-chat/internal/ai"
	"github.com/suPer8Hu/widget-chat/internal/broadcast"
	"github.com/suPer8Hu/widget-chat/internal/channel"
	"github.com/suPer8Hu/widget-chat/internal/chat"
	"github.com/suPer8Hu/widget-chat/internal/config"
	"github.com/suPer8Hu/widget-chat/internal/db"
	"github.com/suPer8Hu/widget-chat/internal/httpapi/handlers"
	"github.com/suPer8Hu/widget-chat/internal/httpapi/middleware"
	"github.com/suPer8Hu/widget-chat/internal/realtime"
	"github.com/suPer8Hu/widget-chat/internal/store/memstore"
	"github.com/suPer8Hu/widget-chat/internal/widget"
	"github.com/suPer8Hu/widget-chat/pkg/protocol"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	openWidgetID     = "11111111-1111-4111-8111-111111111111"
	lockedWidgetID   = "22222222-2222-4222-8222-222222222222"
	inactiveWidgetID = "33333333-3333-4333-8333-333333333333"
)

type echoProvider struct{}

func (echoProvider) Chat(_ context.Context, msgs []ai.Message) (string, error) {
	return "re: " + msgs[len(msgs)-1].Content, nil
}

type countingPinger struct{ n atomic.Int32 }

func (p *countingPinger) Ping(context.Context) error {
	p.n.Add(1)
	return nil
}

type recordingQueue struct {
	mu  sync.Mutex
	ids []string
}

func (q *recordingQueue) PublishJob(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, id)
	return nil
}

type env struct {
	router *gin.Engine
	db     *gorm.DB
	pinger *countingPinger
	queue  *recordingQueue
	events *sync.Map
	cfg    config.Config
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gdb, err := gorm.Open(gormsqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))

	ctx := context.Background()
	widgets := widget.NewRepo(gdb)
	require.NoError(t, widgets.Create(ctx, &widget.Widget{
		ID: openWidgetID, Name: "open", IsActive: true, AIProvider: "echo",
		ContentSettings:  map[string]any{"welcome_message": "Hi there"},
		BehaviorSettings: map[string]any{"system_prompt": "secret prompt", "tone": "friendly"},
	}))
	require.NoError(t, widgets.Create(ctx, &widget.Widget{
		ID: lockedWidgetID, Name: "locked", IsActive: true, AIProvider: "echo",
		AllowedDomains: []string{"shop.example.com", "*.partner.io"},
	}))
	require.NoError(t, widgets.Create(ctx, &widget.Widget{
		ID: inactiveWidgetID, Name: "off", IsActive: false, AIProvider: "echo",
	}))

	reg := ai.NewRegistry()
	reg.Register("echo", func(context.Context, string) (ai.Provider, error) { return echoProvider{}, nil })

	bus := broadcast.NewLocal()
	events := &sync.Map{}
	var seq atomic.Int64
	require.NoError(t, bus.Start(ctx, func(e protocol.Envelope) {
		events.Store(seq.Add(1), e)
	}))

	widgetSvc := widget.NewService(widgets, zap.NewNop())
	chatRepo := chat.NewRepo(gdb)
	chatSvc := chat.NewService(chatRepo, reg, 20, chat.WithPublisher(bus), chat.WithWidgets(widgetSvc))
	cache := memstore.New()
	channels := channel.NewService(cache, "connect-secret", chatRepo)

	cfg := config.Load()
	cfg.JWTSecret = "user-secret"
	cfg.StatusCacheTTL = time.Minute

	pinger := &countingPinger{}
	queue := &recordingQueue{}
	h := handlers.NewHandler(handlers.Deps{
		Cfg:      cfg,
		ChatSvc:  chatSvc,
		Widgets:  widgetSvc,
		Channels: channels,
		Cache:    cache,
		Realtime: pinger,
		Jobs:     queue,
	})
	hub := realtime.NewHub(channels)
	return &env{router: NewRouter(h, hub, zap.NewNop()), db: gdb, pinger: pinger, queue: queue, events: events, cfg: cfg}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e *env) do(t *testing.T, method, path string, body any, headers map[string]string) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var out envelope
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w.Code, out
}

func origin(host string) map[string]string {
	return map[string]string{"Origin": "https://" + host}
}

func TestWidgetConfig_DomainGate(t *testing.T) {
	e := newEnv(t)

	cases := []struct {
		name   string
		id     string
		host   string
		status int
		code   int
	}{
		{"open widget any origin", openWidgetID, "anything.test", 200, 0},
		{"exact match", lockedWidgetID, "shop.example.com", 200, 0},
		{"exact match with port", lockedWidgetID, "shop.example.com:8443", 200, 0},
		{"wildcard subdomain", lockedWidgetID, "a.partner.io", 200, 0},
		{"wildcard apex denied", lockedWidgetID, "partner.io", 403, 40301},
		{"suffix spoof denied", lockedWidgetID, "evilpartner.io", 403, 40301},
		{"other domain denied", lockedWidgetID, "example.com", 403, 40301},
		{"inactive", inactiveWidgetID, "anything.test", 403, 40302},
		{"unknown", "44444444-4444-4444-8444-444444444444", "anything.test", 404, 40401},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := e.do(t, http.MethodGet, "/public/widgets/"+tc.id+"/config", nil, origin(tc.host))
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.code, body.Code)
			if tc.status != 200 {
				assert.Equal(t, "null", string(body.Data), "no partial data on failure")
			}
		})
	}

	// missing origin against a non-empty allow-list
	status, _ := e.do(t, http.MethodGet, "/public/widgets/"+lockedWidgetID+"/config", nil, nil)
	assert.Equal(t, http.StatusForbidden, status)

	// referer fallback
	status, _ = e.do(t, http.MethodGet, "/public/widgets/"+lockedWidgetID+"/config", nil,
		map[string]string{"Referer": "https://shop.example.com/pricing"})
	assert.Equal(t, http.StatusOK, status)
}

func TestWidgetConfig_HidesSystemPrompt(t *testing.T) {
	e := newEnv(t)
	status, body := e.do(t, http.MethodGet, "/public/widgets/"+openWidgetID+"/config", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.NotContains(t, string(body.Data), "secret prompt")
	assert.Contains(t, string(body.Data), "friendly")
}

type sessionData struct {
	SessionID string         `json:"session_id"`
	WidgetID  string         `json:"widget_id"`
	Channels  []string       `json:"channels"`
	Messages  []chat.Message `json:"messages"`
}

func createSession(t *testing.T, e *env) sessionData {
	t.Helper()
	status, body := e.do(t, http.MethodPost, "/public/widgets/"+openWidgetID+"/sessions", map[string]string{"client_id": "c1"}, origin("site.test"))
	require.Equal(t, http.StatusOK, status)
	var s sessionData
	require.NoError(t, json.Unmarshal(body.Data, &s))
	return s
}

func TestCreateWidgetSession(t *testing.T) {
	e := newEnv(t)
	s := createSession(t, e)

	assert.Equal(t, openWidgetID, s.WidgetID)
	assert.Equal(t, []string{"chat." + s.SessionID, "widget." + openWidgetID}, s.Channels)
	require.Len(t, s.Messages, 1)
	assert.Equal(t, chat.RoleSystem, s.Messages[0].Role)
	assert.Equal(t, "Hi there", s.Messages[0].Content)

	// denied origin creates nothing
	status, _ := e.do(t, http.MethodPost, "/public/widgets/"+lockedWidgetID+"/sessions", nil, origin("evil.test"))
	assert.Equal(t, http.StatusForbidden, status)
	var n int64
	require.NoError(t, e.db.Model(&chat.Session{}).Where("widget_id = ?", lockedWidgetID).Count(&n).Error)
	assert.Zero(t, n)
}

func TestPublicMessages_OrderedRoundTrip(t *testing.T) {
	e := newEnv(t)
	s := createSession(t, e)
	base := "/public/chat/sessions/" + s.SessionID

	for _, m := range []string{"A", "B", "C"} {
		status, _ := e.do(t, http.MethodPost, base+"/typing", map[string]any{"client_id": "c1", "is_typing": true}, nil)
		require.Equal(t, http.StatusOK, status)

		status, body := e.do(t, http.MethodPost, base+"/messages", map[string]string{"message": m}, nil)
		require.Equal(t, http.StatusOK, status)
		var ex chat.Exchange
		require.NoError(t, json.Unmarshal(body.Data, &ex))
		assert.Equal(t, m, ex.UserMessage.Content)
		assert.Equal(t, "re: "+m, ex.AssistantMessage.Content)

		status, _ = e.do(t, http.MethodPost, base+"/typing", map[string]any{"client_id": "c1", "is_typing": false}, nil)
		require.Equal(t, http.StatusOK, status)
	}

	status, body := e.do(t, http.MethodGet, base+"/messages", nil, nil)
	require.Equal(t, http.StatusOK, status)
	var page struct {
		Messages []chat.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &page))

	var got []string
	for _, m := range page.Messages {
		got = append(got, m.Content)
	}
	assert.Equal(t, []string{"Hi there", "A", "re: A", "B", "re: B", "C", "re: C"}, got)

	// every stored message and typing change went out on the session channel
	require.Eventually(t, func() bool {
		n := 0
		e.events.Range(func(_, v any) bool {
			if v.(protocol.Envelope).Channel == "chat."+s.SessionID {
				n++
			}
			return true
		})
		return n == 12
	}, time.Second, 10*time.Millisecond)
}

func TestPublicMessages_Validation(t *testing.T) {
	e := newEnv(t)
	s := createSession(t, e)
	base := "/public/chat/sessions/" + s.SessionID

	status, body := e.do(t, http.MethodPost, base+"/messages", map[string]string{"message": "  "}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Contains(t, string(body.Data), "message")

	status, body = e.do(t, http.MethodPost, base+"/typing", map[string]any{}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Contains(t, string(body.Data), "client_id")
	assert.Contains(t, string(body.Data), "is_typing")

	status, _ = e.do(t, http.MethodPost, "/public/chat/sessions/nope/messages", map[string]string{"message": "x"}, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestEndSession_BlocksFurtherSends(t *testing.T) {
	e := newEnv(t)
	s := createSession(t, e)
	base := "/public/chat/sessions/" + s.SessionID

	status, _ := e.do(t, http.MethodPost, base+"/end", nil, nil)
	require.Equal(t, http.StatusOK, status)

	status, body := e.do(t, http.MethodPost, base+"/messages", map[string]string{"message": "hello?"}, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, 40901, body.Code)
}

func TestPublicAsync_IdempotentEnqueue(t *testing.T) {
	e := newEnv(t)
	s := createSession(t, e)
	base := "/public/chat/sessions/" + s.SessionID
	hdr := map[string]string{"Idempotency-Key": "k-1"}

	status, first := e.do(t, http.MethodPost, base+"/messages/async", map[string]string{"message": "later"}, hdr)
	require.Equal(t, http.StatusOK, status)
	status, second := e.do(t, http.MethodPost, base+"/messages/async", map[string]string{"message": "later"}, hdr)
	require.Equal(t, http.StatusOK, status)

	var a, b struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(first.Data, &a))
	require.NoError(t, json.Unmarshal(second.Data, &b))
	assert.Equal(t, a.JobID, b.JobID)
	assert.Equal(t, []string{a.JobID}, e.queue.ids)

	status, _ = e.do(t, http.MethodGet, base+"/jobs/"+a.JobID, nil, nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestGuestAuth(t *testing.T) {
	e := newEnv(t)
	s := createSession(t, e)

	status, body := e.do(t, http.MethodPost, "/websocket/guest-auth", map[string]string{"client_id": "c1"}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, 10002, body.Code)
	assert.Contains(t, string(body.Data), "session_id")

	status, body = e.do(t, http.MethodPost, "/websocket/guest-auth", map[string]string{"client_id": "c1", "session_id": s.SessionID}, nil)
	require.Equal(t, http.StatusOK, status)
	var tok struct {
		Token    string   `json:"token"`
		Channels []string `json:"channels"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &tok))
	assert.Equal(t, []string{"chat." + s.SessionID, "public"}, tok.Channels)
	assert.NotEmpty(t, tok.Token)
}

func TestWebSocketAuth_RequiresLogin(t *testing.T) {
	e := newEnv(t)

	status, _ := e.do(t, http.MethodGet, "/websocket/auth", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	jwt, err := middleware.SignUserToken(e.cfg.JWTSecret, 3, time.Hour)
	require.NoError(t, err)
	status, body := e.do(t, http.MethodGet, "/websocket/auth", nil, map[string]string{"Authorization": "Bearer " + jwt})
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body.Data), "token")
}

func TestWebSocketStatus_IsCached(t *testing.T) {
	e := newEnv(t)
	for i := 0; i < 3; i++ {
		status, body := e.do(t, http.MethodGet, "/websocket-status", nil, nil)
		require.Equal(t, http.StatusOK, status)
		assert.Contains(t, string(body.Data), `"available":true`)
	}
	assert.Equal(t, int32(1), e.pinger.n.Load())
}

func TestDirectChat_OwnerOnly(t *testing.T) {
	e := newEnv(t)
	auth := func(uid uint64) map[string]string {
		tok, err := middleware.SignUserToken(e.cfg.JWTSecret, uid, time.Hour)
		require.NoError(t, err)
		return map[string]string{"Authorization": "Bearer " + tok}
	}

	status, body := e.do(t, http.MethodPost, "/chat/sessions", map[string]string{"provider": "echo"}, auth(1))
	require.Equal(t, http.StatusOK, status)
	var s struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &s))

	status, _ = e.do(t, http.MethodPost, "/chat/messages", map[string]string{"session_id": s.SessionID, "message": "hi"}, auth(1))
	assert.Equal(t, http.StatusOK, status)

	status, _ = e.do(t, http.MethodGet, "/chat/sessions/"+s.SessionID+"/messages", nil, auth(2))
	assert.Equal(t, http.StatusNotFound, status)

	// direct sessions are invisible on the public API
	status, _ = e.do(t, http.MethodGet, "/public/chat/sessions/"+s.SessionID+"/messages", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestUnknownRoute(t *testing.T) {
	e := newEnv(t)
	status, body := e.do(t, http.MethodGet, "/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, 40400, body.Code)
}
