package httpapi

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"

	logx "pushagent/pkg/logx"
)

// recovery turns a handler panic into a 500 and logs the stack.
func recovery(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("handler panicked",
					logx.String("method", c.Request.Method),
					logx.String("path", c.Request.URL.Path),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
		}()
		c.Next()
	}
}

// requestLog logs one line per request. Server errors are warnings; the
// rest stay at debug so push traffic does not flood the log.
func requestLog(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", status),
			logx.Duration("latency", time.Since(start)),
			logx.String("remote", c.ClientIP()),
		}
		if errs := c.Errors.ByType(gin.ErrorTypeAny); len(errs) > 0 {
			fields = append(fields, logx.String("errors", errs.String()))
		}
		switch {
		case status >= http.StatusInternalServerError:
			log.Warn("request failed", fields...)
		case status == http.StatusUnauthorized:
			log.Info("request rejected", fields...)
		default:
			log.Debug("request", fields...)
		}
	}
}
