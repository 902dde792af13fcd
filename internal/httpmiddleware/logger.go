package httpmiddleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var quietPaths = map[string]bool{
	"/healthz": true,
	"/metrics": true,
}

// RequestLogger writes one zap line per request. Probe and scrape paths are
// skipped.
func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	log = log.With(zap.String("component", "http"))
	return func(c *gin.Context) {
		if quietPaths[c.Request.URL.Path] {
			c.Next()
			return
		}
		started := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(started)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		switch status := c.Writer.Status(); {
		case status >= 500:
			log.Error("Request failed", fields...)
		case status >= 400:
			log.Warn("Request rejected", fields...)
		default:
			log.Info("Request served", fields...)
		}
	}
}
