package system

import (
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	registryroute "github.com/chirino/chat-service/internal/registry/route"
)

var (
	ready    atomic.Bool
	draining atomic.Bool
)

// MarkReady signals that the service has finished initializing and is ready to
// serve traffic. Call this once StartServer has completed successfully.
func MarkReady() {
	draining.Store(false)
	ready.Store(true)
}

// MarkNotReady fails the readiness probe while the server drains connections.
func MarkNotReady() {
	if ready.Swap(false) {
		draining.Store(true)
	}
}

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 0,
		Type:  registryroute.RouteTypeManagement,
		Loader: func(r *gin.Engine) error {
			// Liveness: process is up
			r.GET("/health", func(c *gin.Context) {
				c.JSON(http.StatusOK, gin.H{"status": "ok"})
			})

			// Readiness: service has finished initializing
			r.GET("/ready", func(c *gin.Context) {
				switch {
				case ready.Load():
					c.JSON(http.StatusOK, gin.H{"status": "ready"})
				case draining.Load():
					c.JSON(http.StatusServiceUnavailable, gin.H{"status": "draining"})
				default:
					c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
				}
			})

			// Prometheus metrics
			r.GET("/metrics", gin.WrapH(promhttp.Handler()))

			return nil
		},
	})
}
