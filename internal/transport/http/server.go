package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/codyshepherd/lunar-rocks/internal/config"
	"github.com/codyshepherd/lunar-rocks/internal/core"
)

// NewServer builds the HTTP server: health check, read-only session
// introspection, and the websocket endpoint the protocol runs over.
func NewServer(dispatcher *core.Dispatcher, reg *core.Registry, cfg config.Config, logger *zerolog.Logger) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), LoggerMiddleware(logger))

	router.GET("/health", func(c *gin.Context) {
		c.String(stdhttp.StatusOK, "ok")
	})

	api := NewAPIHandlers(reg, logger)
	router.GET("/api/sessions", api.ListSessions)
	router.GET("/api/sessions/:id", api.GetSession)

	router.GET("/ws", gin.WrapH(NewWSHandler(dispatcher, logger)))

	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}
