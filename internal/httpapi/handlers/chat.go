package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/widget-chat/internal/chat"
	"github.com/suPer8Hu/widget-chat/internal/common"
	"go.uber.org/zap"
)

type createSessionReq struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

func (h *Handler) CreateChatSession(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "unauthorized")
		return
	}

	var req createSessionReq
	_ = c.ShouldBindJSON(&req) // allow empty {}

	sess, err := h.ChatSvc.CreateSession(c.Request.Context(), uid, req.Provider, req.Model)
	if err != nil {
		h.log(c).Error("create session failed", zap.Uint64("user_id", uid), zap.Error(err))
		common.Fail(c, http.StatusInternalServerError, common.CodeServerError, "failed to create session")
		return
	}

	common.OK(c, gin.H{"session_id": sess.ID})
}

type sendMessageReq struct {
	SessionID string `json:"session_id" binding:"required"`
	Message   string `json:"message" binding:"required"`
}

func (h *Handler) SendChatMessage(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "unauthorized")
		return
	}

	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, common.CodeInvalidJSON, "invalid json")
		return
	}

	ex, err := h.ChatSvc.SendMessage(c.Request.Context(), uid, req.SessionID, req.Message)
	if err != nil {
		h.chatError(c, "send message", err)
		return
	}

	common.OK(c, gin.H{
		"session_id":        req.SessionID,
		"reply":             ex.AssistantMessage.Content,
		"message_id":        ex.AssistantMessage.ID,
		"user_message":      ex.UserMessage,
		"assistant_message": ex.AssistantMessage,
	})
}

func parseAfterID(c *gin.Context) uint64 {
	var afterID uint64
	if s := c.Query("after_id"); s != "" {
		if n, err := strconv.ParseUint(s, 10, 64); err == nil {
			afterID = n
		}
	}
	return afterID
}

func nextAfterID(msgs []chat.Message) uint64 {
	if len(msgs) == 0 {
		return 0
	}
	return msgs[len(msgs)-1].ID
}

func (h *Handler) ListChatMessages(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "unauthorized")
		return
	}

	sessionID := c.Param("session_id")
	limit, _ := strconv.Atoi(c.Query("limit"))

	msgs, err := h.ChatSvc.ListMessages(c.Request.Context(), uid, sessionID, limit, parseAfterID(c))
	if err != nil {
		h.chatError(c, "list messages", err)
		return
	}

	common.OK(c, gin.H{
		"messages":      msgs,
		"next_after_id": nextAfterID(msgs),
	})
}

func (h *Handler) SendChatMessageStream(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "unauthorized")
		return
	}

	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, common.CodeInvalidJSON, "invalid json")
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "streaming not supported")
		return
	}

	// SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx

	// avoid gin writing a JSON response later
	c.Status(http.StatusOK)

	ctx := c.Request.Context()
	chunks, done, msgIDCh, errs := h.ChatSvc.SendMessageStream(ctx, uid, req.SessionID, req.Message)

	// heartbeat ticker (keeps connections alive)
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	writeJSON := func(event string, payload any) {
		b, err := json.Marshal(payload)
		if err != nil {
			// last-resort: send a simple error that won't break SSE framing
			fmt.Fprintf(c.Writer, "event: error\ndata: {\"message\":\"json marshal failed\"}\n\n")
			flusher.Flush()
			return
		}
		if event != "" {
			fmt.Fprintf(c.Writer, "event: %s\n", event)
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", string(b))
		flusher.Flush()
	}

	for {
		select {
		case ch, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			writeJSON("chunk", gin.H{
				"type":  "chunk",
				"delta": ch,
			})

		case <-ticker.C:
			writeJSON("ping", gin.H{
				"type": "ping",
				"ts":   time.Now().Unix(),
			})

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err == nil {
				continue
			}
			msg := "generation failed"
			switch {
			case errors.Is(err, chat.ErrSessionNotFound):
				msg = "session not found"
			case errors.Is(err, chat.ErrSessionEnded):
				msg = "session has ended"
			case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, chat.ErrMessageTooLong):
				msg = err.Error()
			default:
				h.log(c).Warn("stream failed", zap.String("session_id", req.SessionID), zap.Error(err))
			}
			writeJSON("error", gin.H{
				"type":    "error",
				"message": msg,
			})
			return

		case <-done:
			// flush buffered chunks; the channel closes right after done
			if chunks != nil {
				for ch := range chunks {
					writeJSON("chunk", gin.H{"type": "chunk", "delta": ch})
				}
			}
			// errors are sent before done closes
			select {
			case err := <-errs:
				if err != nil {
					writeJSON("error", gin.H{"type": "error", "message": "generation failed"})
					return
				}
			default:
			}
			var mid uint64
			select {
			case mid = <-msgIDCh:
			default:
			}
			writeJSON("done", gin.H{
				"type":       "done",
				"message_id": mid,
			})
			return

		case <-ctx.Done():
			return
		}
	}
}

// idempotencyKey reads the Idempotency-Key header. ok is false when the
// response has already been written.
func idempotencyKey(c *gin.Context) (key *string, ok bool) {
	k := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(k) > 128 {
		common.Fail(c, http.StatusBadRequest, common.CodeIdempoTooLong, "idempotency key too long")
		return nil, false
	}
	if k == "" {
		return nil, true
	}
	return &k, true
}

// enqueue queues the reply job for sess and writes the response.
func (h *Handler) enqueue(c *gin.Context, sess *chat.Session, content string, key *string) {
	job, created, err := h.ChatSvc.QueueMessage(c.Request.Context(), sess, content, key)
	if err != nil {
		h.chatError(c, "queue message", err)
		return
	}

	// Enqueue only when a new job was created
	if created {
		if h.Jobs == nil {
			common.Fail(c, http.StatusServiceUnavailable, common.CodeEnqueueFailed, "async messages are disabled")
			return
		}
		if err := h.Jobs.PublishJob(c.Request.Context(), job.ID); err != nil {
			h.log(c).Error("publish job failed",
				zap.String("session_id", sess.ID),
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
			common.Fail(c, http.StatusInternalServerError, common.CodeEnqueueFailed, "enqueue failed")
			return
		}
	}

	common.OK(c, gin.H{"job_id": job.ID, "status": job.Status})
}

func (h *Handler) SendChatMessageAsync(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "unauthorized")
		return
	}
	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, common.CodeInvalidJSON, "invalid json")
		return
	}
	key, ok := idempotencyKey(c)
	if !ok {
		return
	}

	// Validate session belongs to user
	sess, err := h.ChatSvc.ValidateSessionOwner(c.Request.Context(), uid, req.SessionID)
	if err != nil {
		h.chatError(c, "validate session owner", err)
		return
	}
	h.enqueue(c, sess, req.Message, key)
}

func jobView(j *chat.Job) gin.H {
	return gin.H{
		"id":                j.ID,
		"session_id":        j.SessionID,
		"status":            j.Status,
		"result_message_id": j.ResultMessageID,
		"error":             j.Error,
		"created_at":        j.CreatedAt,
		"updated_at":        j.UpdatedAt,
	}
}

func (h *Handler) GetChatJob(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "unauthorized")
		return
	}
	jobID := c.Param("job_id")
	if jobID == "" {
		common.Fail(c, http.StatusBadRequest, common.CodeValidation, "job_id required")
		return
	}

	j, err := h.ChatSvc.GetJobForUser(c.Request.Context(), uid, jobID)
	if err != nil {
		h.chatError(c, "get job", err)
		return
	}

	common.OK(c, gin.H{"job": jobView(j)})
}
