// Package httpmw holds the gin middleware shared by the API server.
package httpmw

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taskflow/taskflow/internal/common/logger"
)

// RequestLogger emits one entry per request after the handler chain has
// run. Steady-state traffic logs at debug so production output stays
// quiet; server errors log at error.
func RequestLogger(log *logger.Logger, serverName string) gin.HandlerFunc {
	scoped := log.WithFields(zap.String("server", serverName))

	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		route := c.FullPath()
		if route == "" {
			// Unmatched requests (404s) have no route template.
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", route),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.Int("bytes", max(c.Writer.Size(), 0)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		if status >= 500 {
			scoped.Error("http request", fields...)
			return
		}
		scoped.Debug("http request", fields...)
	}
}
