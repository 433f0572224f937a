package realtime

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/suPer8Hu/widget-chat/internal/channel"
	"github.com/suPer8Hu/widget-chat/internal/common"
	"github.com/suPer8Hu/widget-chat/pkg/protocol"
	"go.uber.org/zap"
)

// Embeds run on third-party origins; access is gated by the token instead.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// TokenFromRequest reads the connection token from the Authorization header
// or, for browsers that cannot set headers on a WebSocket, the token query parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// ServeWS authenticates the request, upgrades it and runs the socket until it
// closes.
func (h *Hub) ServeWS(c *gin.Context) {
	token := TokenFromRequest(c.Request)
	if token == "" {
		common.Fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "missing token")
		return
	}
	cred, err := h.auth.Authenticate(c.Request.Context(), token)
	if err != nil {
		if errors.Is(err, channel.ErrInvalidToken) {
			common.Fail(c, http.StatusUnauthorized, common.CodeInvalidToken, "invalid or expired token")
			return
		}
		h.logger.Error("authenticate socket failed", zap.Error(err))
		common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "internal error")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader already wrote the response
		return
	}

	client := &Client{
		id:       common.NewUUID(),
		token:    token,
		cred:     cred,
		conn:     conn,
		hub:      h,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		channels: make(map[string]struct{}),
	}
	h.register(client)
	h.logger.Debug("socket connected", zap.String("socket_id", client.id), zap.String("kind", string(cred.Kind)))

	client.reply(protocol.TypeConnectionEstablished, map[string]any{
		"socket_id":        client.id,
		"activity_timeout": int(h.pingPeriod.Seconds()),
	})
	go client.writePump()
	client.readPump()
}
