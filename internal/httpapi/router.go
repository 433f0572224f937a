package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/suPer8Hu/widget-chat/internal/common"
	"github.com/suPer8Hu/widget-chat/internal/httpapi/handlers"
	"github.com/suPer8Hu/widget-chat/internal/httpapi/middleware"
	"github.com/suPer8Hu/widget-chat/internal/realtime"
	"go.uber.org/zap"
)

// NewRouter wires every HTTP and WebSocket route.
func NewRouter(h *handlers.Handler, hub *realtime.Hub, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recovery(logger))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, common.CodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, common.CodeMethodNotAllow, "method not allowed")
	})

	r.GET("/ping", h.Ping)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// realtime
	authLimiter := middleware.NewRateLimiter(h.Cfg.AuthRatePerMinute, 10)
	guestLimiter := middleware.NewRateLimiter(h.Cfg.GuestRatePerMinute, 5)
	r.GET("/ws", hub.ServeWS)
	r.GET("/websocket-status", h.WebSocketStatus)
	r.GET("/websocket/auth",
		middleware.AuthRequired(h.Cfg.JWTSecret),
		middleware.RateLimit(authLimiter),
		h.WebSocketAuth,
	)

	// public embed API
	public := r.Group("/")
	public.Use(middleware.CORS())
	public.POST("/websocket/guest-auth", middleware.RateLimit(guestLimiter), h.GuestAuth)
	public.OPTIONS("/websocket/guest-auth")
	public.GET("/public/widgets/:id/config", h.GetWidgetConfig)
	public.POST("/public/widgets/:id/sessions", h.CreateWidgetSession)
	public.GET("/public/chat/sessions/:session_id/messages", h.ListPublicMessages)
	public.POST("/public/chat/sessions/:session_id/messages", h.SendPublicMessage)
	public.POST("/public/chat/sessions/:session_id/messages/async", h.SendPublicMessageAsync)
	public.GET("/public/chat/sessions/:session_id/jobs/:job_id", h.GetPublicJob)
	public.POST("/public/chat/sessions/:session_id/typing", h.PublicTyping)
	public.POST("/public/chat/sessions/:session_id/end", h.EndPublicSession)
	public.OPTIONS("/public/*path")

	// Chat (JWT required)
	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(h.Cfg.JWTSecret))
	authGroup.POST("/chat/sessions", h.CreateChatSession)
	authGroup.POST("/chat/messages", h.SendChatMessage)
	authGroup.GET("/chat/sessions/:session_id/messages", h.ListChatMessages)
	authGroup.POST("/chat/messages/stream", h.SendChatMessageStream)
	authGroup.POST("/chat/messages/async", h.SendChatMessageAsync)
	authGroup.GET("/chat/jobs/:job_id", h.GetChatJob)
	return r
}
