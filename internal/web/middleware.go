package web

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cjeanneret/docscan/internal/debug"
)

// HandlePanics answers 500 and logs the recovered value.
func HandlePanics() gin.RecoveryFunc {
	return func(c *gin.Context, recovered any) {
		debug.Logger().Error().Str("path", c.Request.URL.Path).Str("panic", fmt.Sprint(recovered)).Msg("handler panic")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

// RequestLogger logs each request through the debug logger.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/status/stream" {
			return
		}
		debug.Logger().Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Int64("elapsed_ms", time.Since(start).Milliseconds()).
			Msg("http")
	}
}
