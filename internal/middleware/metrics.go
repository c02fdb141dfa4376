package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"geoanchor/internal/metrics"
)

// Metrics records request latency labelled by route template, so /uploads/x.png
// and /uploads/y.png land in the same series.
func Metrics(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.ObserveRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}
