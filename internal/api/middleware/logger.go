package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/timmy/sqpsync/internal/logger"
)

// HeaderRequestID carries the request ID in both directions.
const HeaderRequestID = "X-Request-ID"

// Logger returns a Gin middleware that attaches a request-scoped logger to the request
// context. An incoming X-Request-ID is kept so a scheduler can correlate its calls.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := logger.WithFields(c.Request.Context(), logger.Fields{
			logger.FieldRequestID: requestID,
			logger.FieldComponent: "api",
		})
		c.Request = c.Request.WithContext(ctx)
		c.Header(HeaderRequestID, requestID)

		c.Next()

		status := c.Writer.Status()
		entry := logger.With(logger.Fields{
			logger.FieldStatus:     status,
			logger.FieldDurationMs: time.Since(start).Milliseconds(),
			logger.FieldSize:       c.Writer.Size(),
		})
		switch {
		case status >= 500:
			entry.Error(ctx, "%s %s errors=%s", c.Request.Method, c.FullPath(), c.Errors.String())
		case c.FullPath() == "/health" || c.FullPath() == "/metrics":
			entry.Debug(ctx, "%s %s", c.Request.Method, c.FullPath())
		default:
			entry.Info(ctx, "%s %s", c.Request.Method, c.FullPath())
		}
	}
}
