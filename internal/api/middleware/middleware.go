package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apierrors "github.com/dimagi/casecore/internal/api/shared/errors"
	"github.com/dimagi/casecore/internal/logger"
)

// REQUEST_ID_HEADER carries the request id in and out of the API
const REQUEST_ID_HEADER = "X-Request-ID"

// Logger returns a gin middleware for structured logging using zap.
// The request id and route are attached to the request context so handlers log with them.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		requestID := c.GetHeader(REQUEST_ID_HEADER)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(REQUEST_ID_HEADER, requestID)

		ctx := logger.WithFields(c.Request.Context(),
			zap.String("requestID", requestID),
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
		)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		logger.InfoCtx(ctx, "API request",
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("user_agent", c.Request.UserAgent()),
		)
	}
}

// Recovery returns a gin middleware for panic recovery with logging
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.ErrorCtx(c.Request.Context(), fmt.Errorf("panic recovered: %v", err),
					zap.String("path", c.Request.URL.Path),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, apierrors.NewInternalError("Internal server error"))
			}
		}()
		c.Next()
	}
}

// MaxBodySize limits the request body to the given number of bytes
func MaxBodySize(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limit > 0 && c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}
		c.Next()
	}
}
