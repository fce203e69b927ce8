package handlers

import (
	"net/http"

	"buildappswith/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// healthHandler reports the last dependency probe. A nil monitor means the
// service runs without external stores.
func healthHandler(m *utils.HealthMonitor) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		status := m.Status()
		if !status.Healthy() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "dependencies": status})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "dependencies": status})
	}
}

func metricsHandler(m *utils.Metrics) gin.HandlerFunc {
	if m == nil {
		return gin.WrapH(promhttp.Handler())
	}
	return gin.WrapH(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
}
