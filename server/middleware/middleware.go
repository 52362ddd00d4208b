package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/JMMolenaar/Fab-CIC-manager/uuid"
)

// enableAccessLog control whether accesslog output
var enableAccessLog atomic.Bool

// IsAccessLogEnabled return whether accesslog output
func IsAccessLogEnabled() bool {
	return enableAccessLog.Load()
}

// EnableAccessLog enable accesslog output
func EnableAccessLog() {
	enableAccessLog.Store(true)
}

// DisableAccessLog disable accesslog output
func DisableAccessLog() {
	enableAccessLog.Store(false)
}

// RequestIDMiddleware set request uuid into context
func RequestIDMiddleware(c *gin.Context) {
	reqID := c.GetHeader("X-Request-ID")
	if reqID == "" {
		reqID = uuid.GenUniqueID()
	}
	c.Set("req_id", reqID)
	c.Header("X-Request-ID", reqID)
}

// AccessLogMiddleware generate accesslog and output
func AccessLogMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		if !IsAccessLogEnabled() {
			return
		}
		statusCode := c.Writer.Status()
		fields := logrus.Fields{
			"path":    path,
			"query":   query,
			"latency": time.Since(start),
			"ip":      c.ClientIP(),
			"method":  c.Request.Method,
			"code":    statusCode,
			"req_id":  c.GetString("req_id"),
		}
		if statusCode >= 500 {
			logger.WithFields(fields).Error()
		} else if statusCode >= 400 && statusCode != 404 {
			logger.WithFields(fields).Warn()
		} else {
			logger.WithFields(fields).Info()
		}
	}
}
