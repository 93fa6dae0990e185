package server

import (
	"net/http"

	"github.com/Khels/WebChat/internal/auth"
	"github.com/Khels/WebChat/internal/config"
	"github.com/Khels/WebChat/internal/metrics"
	"github.com/Khels/WebChat/internal/mw"
	"github.com/Khels/WebChat/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, h *Handler, wsh *ws.Handler, rl *mw.Limiter) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(mw.RequestLogger())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.AllowedOrigins))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 控制单个 IP+路由的速率。
	api := r.Group("/api/v1", mw.RateLimit(rl))

	api.POST("/register", h.Register)
	api.POST("/token", h.Token)
	api.POST("/token/refresh", h.RefreshToken)

	// websocket 的认证在连接建立后的第一帧完成。
	api.GET("/chat/ws", wsh.Serve)

	// 需要 Bearer Token 的业务接口。
	authed := api.Group("")
	authed.Use(auth.RequireUser(h.tokens))

	authed.POST("/token/revoke", h.RevokeToken)
	authed.GET("/users/me", h.Me)
	authed.GET("/users", h.ListUsers)
	authed.GET("/users/:id", h.GetUser)

	authed.POST("/chats", h.CreateChat)
	authed.GET("/chats", h.ListChats)
	authed.DELETE("/chats/:id", h.DeleteChat)
	authed.GET("/chats/:id/messages", h.ListMessages)
	authed.POST("/chats/:id/messages", h.CreateMessage)

	return r
}
