package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	serviceerrors "github.com/patchsmith/patchsmith/internal/errors"
)

// requestLogger emits one structured line per request after it
// completes.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http_request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("client_ip", c.ClientIP()),
		)
	}
}

// recovery turns a handler panic into a 500 so one bad request cannot
// take the listener down.
func recovery(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("http_panic",
					slog.String("path", c.Request.URL.Path),
					slog.Any("panic", r),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"code":    serviceerrors.ErrCodeInternal,
					"message": "internal error",
				})
			}
		}()
		c.Next()
	}
}

// renderError writes the structured error body with the status its
// kind maps to.
func renderError(c *gin.Context, err error) {
	status := serviceerrors.KindOf(err).HTTPStatus()
	body, marshalErr := serviceerrors.FormatJSON(err)
	if marshalErr != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"code":    serviceerrors.ErrCodeInternal,
			"message": "internal error",
		})
		return
	}
	c.Data(status, "application/json; charset=utf-8", body)
	c.Abort()
}
