package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/widget-chat/internal/chat"
	"github.com/suPer8Hu/widget-chat/internal/common"
	"github.com/suPer8Hu/widget-chat/pkg/protocol"
)

// GetWidgetConfig serves the embed configuration once the origin passes the
// widget's domain gate.
func (h *Handler) GetWidgetConfig(c *gin.Context) {
	cfg, err := h.Widgets.PublicConfig(c.Request.Context(), c.Param("id"), originHost(c))
	if err != nil {
		h.widgetError(c, "widget config", err)
		return
	}
	common.OK(c, cfg)
}

type createWidgetSessionReq struct {
	ClientID string `json:"client_id"`
}

// CreateWidgetSession starts an embedded session. The response lists the
// channels the embed should subscribe to and the welcome message, if any.
func (h *Handler) CreateWidgetSession(c *gin.Context) {
	var req createWidgetSessionReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			common.Fail(c, http.StatusBadRequest, common.CodeInvalidJSON, "invalid json")
			return
		}
	}
	req.ClientID = strings.TrimSpace(req.ClientID)
	if len(req.ClientID) > 128 {
		common.FailFields(c, "validation failed", map[string]string{"client_id": "client_id must be at most 128 characters"})
		return
	}

	w, err := h.Widgets.Authorize(c.Request.Context(), c.Param("id"), originHost(c))
	if err != nil {
		h.widgetError(c, "authorize widget", err)
		return
	}

	sess, msgs, err := h.ChatSvc.CreateWidgetSession(c.Request.Context(), w, chat.SessionMeta{
		ClientID:  req.ClientID,
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
		Referrer:  c.Request.Referer(),
	})
	if err != nil {
		h.chatError(c, "create widget session", err)
		return
	}

	common.OK(c, gin.H{
		"session_id": sess.ID,
		"widget_id":  w.ID,
		"status":     sess.Status,
		"channels":   []string{protocol.ChatChannel(sess.ID), protocol.WidgetChannel(w.ID)},
		"messages":   msgs,
	})
}

func (h *Handler) ListPublicMessages(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	msgs, err := h.ChatSvc.ListPublicMessages(c.Request.Context(), c.Param("session_id"), limit, parseAfterID(c))
	if err != nil {
		h.chatError(c, "list public messages", err)
		return
	}
	common.OK(c, gin.H{
		"messages":      msgs,
		"next_after_id": nextAfterID(msgs),
	})
}

type publicMessageReq struct {
	Message string `json:"message"`
}

func bindMessage(c *gin.Context) (string, bool) {
	var req publicMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, common.CodeInvalidJSON, "invalid json")
		return "", false
	}
	if strings.TrimSpace(req.Message) == "" {
		common.FailFields(c, "validation failed", map[string]string{"message": "message is required"})
		return "", false
	}
	return req.Message, true
}

// SendPublicMessage stores the user turn and the generated reply and returns
// both. Subscribers of the session channel get the same two messages.
func (h *Handler) SendPublicMessage(c *gin.Context) {
	msg, ok := bindMessage(c)
	if !ok {
		return
	}
	ex, err := h.ChatSvc.SendPublicMessage(c.Request.Context(), c.Param("session_id"), msg)
	if err != nil {
		h.chatError(c, "send public message", err)
		return
	}
	common.OK(c, ex)
}

func (h *Handler) SendPublicMessageAsync(c *gin.Context) {
	msg, ok := bindMessage(c)
	if !ok {
		return
	}
	key, ok := idempotencyKey(c)
	if !ok {
		return
	}
	sess, err := h.ChatSvc.GetPublicSession(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		h.chatError(c, "load public session", err)
		return
	}
	h.enqueue(c, sess, msg, key)
}

func (h *Handler) GetPublicJob(c *gin.Context) {
	j, err := h.ChatSvc.GetJob(c.Request.Context(), c.Param("session_id"), c.Param("job_id"))
	if err != nil {
		h.chatError(c, "get public job", err)
		return
	}
	common.OK(c, gin.H{"job": jobView(j)})
}

type typingReq struct {
	ClientID string `json:"client_id"`
	IsTyping *bool  `json:"is_typing"`
}

// PublicTyping broadcasts a typing change. Nothing is stored.
func (h *Handler) PublicTyping(c *gin.Context) {
	var req typingReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, common.CodeInvalidJSON, "invalid json")
		return
	}
	fields := map[string]string{}
	if strings.TrimSpace(req.ClientID) == "" {
		fields["client_id"] = "client_id is required"
	}
	if req.IsTyping == nil {
		fields["is_typing"] = "is_typing is required"
	}
	if len(fields) > 0 {
		common.FailFields(c, "validation failed", fields)
		return
	}

	if err := h.ChatSvc.SetTyping(c.Request.Context(), c.Param("session_id"), strings.TrimSpace(req.ClientID), *req.IsTyping); err != nil {
		h.chatError(c, "typing", err)
		return
	}
	common.OK(c, gin.H{"is_typing": *req.IsTyping})
}

func (h *Handler) EndPublicSession(c *gin.Context) {
	sid := c.Param("session_id")
	if err := h.ChatSvc.EndSession(c.Request.Context(), sid); err != nil {
		h.chatError(c, "end session", err)
		return
	}
	common.OK(c, gin.H{"session_id": sid, "status": chat.StatusEnded})
}
