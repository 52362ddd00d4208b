package handlers

import (
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/JMMolenaar/Fab-CIC-manager/app"
)

var setupOnce sync.Once
var _logger *logrus.Logger

func Setup(l *logrus.Logger) {
	setupOnce.Do(func() {
		_logger = l
		setupMetrics()
	})
}

func GetHTTPLogger(c *gin.Context) *logrus.Entry {
	reqID := c.GetString("req_id")
	if reqID == "" {
		return logrus.NewEntry(_logger)
	}
	return _logger.WithField("req_id", reqID)
}

// SetupApp makes the process state available to the handlers.
func SetupApp(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("app", a)
	}
}

func getApp(c *gin.Context) *app.App {
	return c.MustGet("app").(*app.App)
}
