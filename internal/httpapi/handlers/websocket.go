package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/widget-chat/internal/channel"
	"github.com/suPer8Hu/widget-chat/internal/common"
	"github.com/suPer8Hu/widget-chat/internal/store"
	"go.uber.org/zap"
)

const statusCacheKey = "ws:status"

// connectionSettings tells the client how to drive its connection manager.
func (h *Handler) connectionSettings() gin.H {
	return gin.H{
		"path":                   "/ws",
		"heartbeat_interval":     int(h.Cfg.WSHeartbeatInterval.Seconds()),
		"reconnect_interval":     int(h.Cfg.WSReconnectInterval.Seconds()),
		"max_reconnect_attempts": h.Cfg.WSMaxReconnectAttempts,
	}
}

// WebSocketAuth issues a connect token for the logged-in user. Any token the
// user held before stops working.
func (h *Handler) WebSocketAuth(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "unauthorized")
		return
	}
	tok, err := h.Channels.IssueAuthenticatedToken(c.Request.Context(), uid)
	if err != nil {
		h.log(c).Error("issue connect token failed", zap.Uint64("user_id", uid), zap.Error(err))
		common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "failed to issue token")
		return
	}
	common.OK(c, gin.H{
		"token":      tok.Token,
		"expires_at": tok.ExpiresAt,
		"connection": h.connectionSettings(),
	})
}

type guestAuthReq struct {
	ClientID  string `json:"client_id"`
	SessionID string `json:"session_id"`
	WidgetID  string `json:"widget_id"`
}

func (h *Handler) GuestAuth(c *gin.Context) {
	var req guestAuthReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, common.CodeInvalidJSON, "invalid json")
		return
	}

	tok, err := h.Channels.IssueGuestToken(c.Request.Context(), channel.GuestRequest{
		ClientID:  req.ClientID,
		SessionID: req.SessionID,
		WidgetID:  req.WidgetID,
		IP:        c.ClientIP(),
	})
	if err != nil {
		var verr *channel.ValidationError
		if errors.As(err, &verr) {
			common.FailFields(c, "validation failed", verr.Fields)
			return
		}
		h.log(c).Error("issue guest token failed", zap.Error(err))
		common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "failed to issue token")
		return
	}

	common.OK(c, gin.H{
		"token":      tok.Token,
		"expires_at": tok.ExpiresAt,
		"channels":   tok.Channels,
		"connection": h.connectionSettings(),
	})
}

type realtimeStatus struct {
	Available bool      `json:"available"`
	CheckedAt time.Time `json:"checked_at"`
}

// WebSocketStatus reports whether the broadcast backend answers. The answer
// is cached so the endpoint cannot be used to hammer the backend.
func (h *Handler) WebSocketStatus(c *gin.Context) {
	ctx := c.Request.Context()

	if raw, err := h.Cache.Get(ctx, statusCacheKey); err == nil {
		var st realtimeStatus
		if json.Unmarshal(raw, &st) == nil {
			common.OK(c, st)
			return
		}
	} else if !errors.Is(err, store.ErrMiss) {
		h.log(c).Warn("status cache read failed", zap.Error(err))
	}

	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	st := realtimeStatus{CheckedAt: time.Now().UTC()}
	if err := h.Realtime.Ping(pctx); err != nil {
		h.log(c).Warn("realtime backend unreachable", zap.Error(err))
	} else {
		st.Available = true
	}

	if raw, err := json.Marshal(st); err == nil {
		if err := h.Cache.Set(ctx, statusCacheKey, raw, h.Cfg.StatusCacheTTL); err != nil {
			h.log(c).Warn("status cache write failed", zap.Error(err))
		}
	}
	common.OK(c, st)
}
