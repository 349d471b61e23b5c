package server

import (
	"log/slog"
	"time"

	"boardsync/internal/auth"
	"boardsync/internal/handler"
	"boardsync/internal/history"
	"boardsync/internal/hub"
	"boardsync/internal/middleware"
	"github.com/gin-gonic/gin"
)

type Deps struct {
	History     *history.Service
	Hub         *hub.Hub
	TokenConfig auth.TokenConfig
	// UndoRateLimit caps undo/redo calls per user per minute. Zero disables
	// the limit.
	UndoRateLimit int
	Logger        *slog.Logger
}

func NewRouter(deps Deps) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Hub == nil {
		deps.Hub = hub.New(hub.NewMemoryBackend(), deps.Logger)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})
	versionHandler := &handler.VersionHandler{}
	r.GET("/v1/version", versionHandler.Check)

	boards := &handler.BoardHandler{History: deps.History, Logger: deps.Logger}

	protected := r.Group("/v1")
	protected.Use(middleware.RequireAuth(deps.TokenConfig))
	protected.GET("/boards/:id", boards.Get)
	protected.POST("/boards/:id/actions", boards.Append)
	protected.POST("/boards/:id/touch", boards.Touch)

	step := protected.Group("/boards/:id")
	if deps.UndoRateLimit > 0 {
		step.Use(middleware.RateLimitMiddleware(middleware.NewRateLimiter(deps.UndoRateLimit, time.Minute)))
	}
	step.POST("/undo", boards.Undo)
	step.POST("/redo", boards.Redo)

	wsHandler := &handler.AwarenessHandler{Hub: deps.Hub, TokenConfig: deps.TokenConfig, Logger: deps.Logger}
	r.GET("/ws", wsHandler.Serve)

	return r
}
