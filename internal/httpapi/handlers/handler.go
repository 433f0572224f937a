package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/widget-chat/internal/chat"
	"github.com/suPer8Hu/widget-chat/internal/channel"
	"github.com/suPer8Hu/widget-chat/internal/common"
	"github.com/suPer8Hu/widget-chat/internal/config"
	"github.com/suPer8Hu/widget-chat/internal/httpapi/middleware"
	"github.com/suPer8Hu/widget-chat/internal/metrics"
	"github.com/suPer8Hu/widget-chat/internal/store"
	"github.com/suPer8Hu/widget-chat/internal/widget"
	"go.uber.org/zap"
)

// JobQueue hands queued chat jobs to the worker.
type JobQueue interface {
	PublishJob(ctx context.Context, jobID string) error
}

// Pinger reports whether the realtime backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Cfg      config.Config
	Logger   *zap.Logger
	ChatSvc  *chat.Service
	Widgets  *widget.Service
	Channels *channel.Service
	Cache    store.Cache
	Realtime Pinger
	Jobs     JobQueue
}

type Handler struct {
	Cfg      config.Config
	Logger   *zap.Logger
	ChatSvc  *chat.Service
	Widgets  *widget.Service
	Channels *channel.Service
	Cache    store.Cache
	Realtime Pinger
	Jobs     JobQueue
	metrics  *metrics.Metrics
}

func NewHandler(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Handler{
		Cfg:      d.Cfg,
		Logger:   d.Logger,
		ChatSvc:  d.ChatSvc,
		Widgets:  d.Widgets,
		Channels: d.Channels,
		Cache:    d.Cache,
		Realtime: d.Realtime,
		Jobs:     d.Jobs,
		metrics:  metrics.Default(),
	}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}

func (h *Handler) log(c *gin.Context) *zap.Logger {
	return h.Logger.With(zap.String("request_id", c.GetString(middleware.RequestIDKey)))
}

// chatError maps chat service errors onto the response envelope.
func (h *Handler) chatError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, chat.ErrSessionNotFound):
		common.Fail(c, http.StatusNotFound, common.CodeSessionMissing, "session not found")
	case errors.Is(err, chat.ErrJobNotFound):
		common.Fail(c, http.StatusNotFound, common.CodeJobNotFound, "job not found")
	case errors.Is(err, chat.ErrSessionEnded):
		common.Fail(c, http.StatusConflict, common.CodeSessionEnded, "session has ended")
	case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, chat.ErrMessageTooLong):
		common.FailFields(c, "validation failed", map[string]string{"message": err.Error()})
	default:
		h.log(c).Error(op+" failed", zap.Error(err))
		common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "internal error")
	}
}

// widgetError maps gatekeeper failures. None of them carry widget data.
func (h *Handler) widgetError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, widget.ErrNotFound):
		common.Fail(c, http.StatusNotFound, common.CodeWidgetNotFound, "widget not found")
	case errors.Is(err, widget.ErrInactive):
		common.Fail(c, http.StatusForbidden, common.CodeWidgetInactive, "widget is not active")
	case errors.Is(err, widget.ErrDomainNotAllowed):
		h.metrics.OriginRejections.Inc()
		common.Fail(c, http.StatusForbidden, common.CodeDomainDenied, "domain not allowed")
	default:
		h.log(c).Error(op+" failed", zap.Error(err))
		common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "internal error")
	}
}

func originHost(c *gin.Context) string {
	return widget.OriginHost(c.GetHeader("Origin"), c.GetHeader("Referer"))
}
