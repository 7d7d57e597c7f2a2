package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/PaulBabatuyi/pixelchat-messaging/internal/metrics"
)

// Instrument records request count and latency per route template.
func Instrument() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method
		metrics.HTTPRequests.WithLabelValues(route, method, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.HTTPDuration.WithLabelValues(route, method).Observe(time.Since(start).Seconds())
	}
}
