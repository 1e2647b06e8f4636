package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Yash-Swaminathan/ChatterBox-sub002/utils"
)

// Logger logs every request with method, path, status and latency
func Logger(logger *utils.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		logger.Info("request",
			"remote", c.ClientIP(),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start).String(),
		)
	}
}
