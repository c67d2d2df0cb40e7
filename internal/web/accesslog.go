package web

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

const requestIDKey = "request_id"

// RequestID returns the id assigned by AccessLog, or "" outside it.
func RequestID(contextGin *gin.Context) string {
	return contextGin.GetString(requestIDKey)
}

// AccessLog assigns a request id (reusing an inbound X-Request-ID) and logs
// one entry per request after the handlers ran.
func AccessLog(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		startedAt := time.Now()
		requestID := contextGin.GetHeader(RequestIDHeader)
		if requestID == "" || len(requestID) > 64 {
			requestID = uuid.NewString()
		}
		contextGin.Set(requestIDKey, requestID)
		contextGin.Header(RequestIDHeader, requestID)

		contextGin.Next()

		status := contextGin.Writer.Status()
		fields := []zap.Field{
			zap.String("code", "http.access"),
			zap.String("request_id", requestID),
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", status),
			zap.String("client_ip", contextGin.ClientIP()),
			zap.Duration("elapsed", time.Since(startedAt)),
		}
		if status >= 500 {
			logger.Error("request served", fields...)
			return
		}
		logger.Info("request served", fields...)
	}
}
