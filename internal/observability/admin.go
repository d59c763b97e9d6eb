package observability

import (
	"net/http"
	"time"

	"github.com/danmuck/ctxbus/internal/hub"
	"github.com/danmuck/ctxbus/internal/protocol/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HubState is the read-only view of a hub served on the admin router.
type HubState interface {
	Session() string
	Connections() []hub.ConnectionInfo
	Ledger() []ledger.Receipt
}

// AdminRouter serves health, hub snapshots and metrics.
func AdminRouter(state HubState, m *Metrics, corsOrigins []string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	started := time.Now()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(ComponentLogger("admin"), state.Session()))
	r.Use(RequestMetricsMiddleware(m))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(started).String(),
			"session": state.Session(),
		})
	})
	r.GET("/connections", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"connections": state.Connections()})
	})
	r.GET("/ledger", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"receipts": state.Ledger()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{})))
	return r
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
