package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"mangasync/internal/auth"
	"mangasync/internal/events"
)

// Check is one readiness probe, e.g. a database ping.
type Check func(ctx context.Context) error

type RouterConfig struct {
	Tokens   auth.TokenService
	Versions auth.VersionStore
	Hub      *events.Hub
	Checks   map[string]Check
}

// NewRouter builds the API engine: public probes plus the token-protected
// operator routes and the event stream.
func NewRouter(h *Handler, cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(h))
	_ = router.SetTrustedProxies([]string{"127.0.0.1"})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		body := gin.H{}
		ready := true
		for name, check := range cfg.Checks {
			if err := check(ctx); err != nil {
				body[name] = err.Error()
				ready = false
				continue
			}
			body[name] = "ok"
		}
		if cfg.Hub != nil {
			body["ws_clients"] = cfg.Hub.Stats().WSClients
		}
		if !ready {
			body["status"] = "not_ready"
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
		body["status"] = "ready"
		c.JSON(http.StatusOK, body)
	})

	protected := router.Group("/", auth.AuthMiddleware(cfg.Tokens, cfg.Versions))
	h.RegisterRoutes(protected)
	if cfg.Hub != nil {
		protected.GET("/ws", auth.RequireRole(auth.RoleViewer), events.WSHandler(cfg.Hub, h.Log))
	}
	return router
}

func requestLogger(h *Handler) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.Log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}
