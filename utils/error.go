package utils

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorResponse defines the structure of error responses. Code, Recoverable
// and BookingID are set for booking lifecycle failures.
type ErrorResponse struct {
	Message     string `json:"message"`
	Details     string `json:"details,omitempty"`
	Code        string `json:"code,omitempty"`
	Recoverable bool   `json:"recoverable,omitempty"`
	BookingID   string `json:"bookingId,omitempty"`
}

// ErrorHandler is a middleware to catch panics and return structured errors
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				requestLogger(c).Error("Unhandled panic",
					zap.Any("error", err),
					zap.String("path", c.Request.URL.Path))

				c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
					Message: "Internal Server Error",
					Details: "An unexpected error occurred. Please try again later.",
				})
			}
		}()
		c.Next()
	}
}

// JSONError sends a standardized JSON error response
func JSONError(c *gin.Context, status int, message string, details string) {
	WriteError(c, status, ErrorResponse{Message: message, Details: details})
}

// WriteError logs and sends resp. Server errors log at error level.
func WriteError(c *gin.Context, status int, resp ErrorResponse) {
	fields := []zap.Field{
		zap.Int("status", status),
		zap.String("details", resp.Details),
	}
	if resp.Code != "" {
		fields = append(fields, zap.String("code", resp.Code))
	}
	if resp.BookingID != "" {
		fields = append(fields, zap.String("bookingId", resp.BookingID))
	}
	if status >= http.StatusInternalServerError {
		requestLogger(c).Error(resp.Message, fields...)
	} else {
		requestLogger(c).Warn(resp.Message, fields...)
	}
	c.AbortWithStatusJSON(status, resp)
}

func requestLogger(c *gin.Context) *zap.Logger {
	if l, ok := c.Get("logger"); ok {
		if logger, ok := l.(*zap.Logger); ok {
			return logger
		}
	}
	return zap.L()
}
