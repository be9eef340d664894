package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/mixprop/internal/infrastructure/monitoring/prometheus"
)

// Metrics records request count, latency and response size per route
// pattern. Unmatched routes share the "unmatched" label.
func Metrics(m *prometheus.AppMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		done := prometheus.TrackHTTPActive(m, c.Request.Method, path)
		start := time.Now()
		c.Next()
		done()

		size := c.Writer.Size()
		if size < 0 {
			size = 0
		}
		prometheus.RecordHTTPRequest(m, c.Request.Method, path, c.Writer.Status(), time.Since(start), int64(size))
	}
}
