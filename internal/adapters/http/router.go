package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/soundrooms/internal/adapters/signal"
	"github.com/dkeye/soundrooms/internal/app/peersync"
	"github.com/dkeye/soundrooms/internal/config"
	"github.com/dkeye/soundrooms/internal/metrics"
)

func newEngine(mode string) *gin.Engine {
	switch mode {
	case gin.ReleaseMode, gin.TestMode:
		gin.SetMode(mode)
	}
	r := gin.New()
	if mode == gin.DebugMode {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	return r
}

// SetupRouter serves the websocket endpoint on every path the balancer may
// forward, plus the health check and metrics.
func SetupRouter(ctx context.Context, cfg *config.Config, ctrl *signal.SignalWSController, m *metrics.Metrics) *gin.Engine {
	r := newEngine(cfg.Mode)

	r.GET(peersync.HealthPath, func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/metrics", gin.WrapH(m.Handler()))

	r.NoRoute(func(c *gin.Context) {
		if !websocket.IsWebSocketUpgrade(c.Request) {
			c.AbortWithStatus(http.StatusNotFound)
			return
		}
		ctrl.HandleSignal(ctx, c)
	})

	log.Info().Str("module", "adapters.http").Int("port", cfg.ServerPort).Msg("router setup")
	return r
}
