package httpmw

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/conveyorhq/conveyor/internal/common/logger"
	"go.uber.org/zap"
)

// RequestLogger logs each request after its handler completes. Server
// errors surface at error level and client errors at warn; everything
// else stays at debug so polling and stream traffic doesn't flood the log.
func RequestLogger(log *logger.Logger, serverName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		size := c.Writer.Size()
		if size < 0 {
			size = 0
		}

		fields := []zap.Field{
			zap.String("server", serverName),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Int64("duration_ms", latency.Milliseconds()),
			zap.Int("bytes", size),
		}
		switch {
		case status >= 500:
			log.Error("http request", fields...)
		case status >= 400:
			log.Warn("http request", fields...)
		default:
			log.Debug("http request", fields...)
		}
	}
}
