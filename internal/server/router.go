package server

import (
	"net/http"
	"time"

	"ragrelay/internal/auth"
	"ragrelay/internal/config"
	"ragrelay/internal/metrics"
	"ragrelay/internal/mw"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// SetupRouter 统一装配中间件与路由。
func SetupRouter(cfg config.Config, h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env, cfg.OAuthRedirectURL))
	// RAG 上游按 token 计费，入口限速防刷。
	r.Use(mw.RateLimit(rate.Every(time.Second/20), 40))
	r.Use(requestLog())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")

	api.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "Hello from the backend!"})
	})

	api.POST("/auth/login", h.Login)
	api.POST("/auth/signup", h.Signup)
	api.POST("/auth/session", h.Session)
	api.POST("/auth/logout", h.Logout)

	api.POST("/rag/image", h.UploadImage)
	api.POST("/rag/chat", h.RAGChat)
	api.POST("/rag/close_chat", h.RAGCloseChat)
	api.POST("/rag/merge_chats", h.RAGMergeChats)

	// 需要 Bearer Token 的会话读写接口。
	authed := api.Group("")
	authed.Use(auth.Middleware(cfg))
	authed.POST("/chats/sync", h.SyncChats)
	authed.GET("/chats", h.ListChats)
	authed.GET("/chats/:chat_id", h.GetChat)

	return r
}

// requestLog 逐请求记录方法与路径，排查前端联调问题用。
func requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}
