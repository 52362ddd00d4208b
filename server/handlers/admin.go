package handlers

import (
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/JMMolenaar/Fab-CIC-manager/server/middleware"
	"github.com/JMMolenaar/Fab-CIC-manager/version"
)

// GET /metrics
func PrometheusMetrics(c *gin.Context) {
	promhttp.Handler().ServeHTTP(c.Writer, c.Request)
}

// GET /version
func Version(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, gin.H{
		"version":      version.Version,
		"build_commit": version.BuildCommit,
		"build_date":   version.BuildDate,
	})
}

func PProf(c *gin.Context) {
	switch c.Param("profile") {
	case "/profile":
		pprof.Profile(c.Writer, c.Request)
	case "/trace":
		pprof.Trace(c.Writer, c.Request)
	default:
		pprof.Index(c.Writer, c.Request)
	}
}

type queueInfo struct {
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	Delayed int64  `json:"delayed"`
}

// GET /info
// Dump the namespace, the queues and the state of the runtime
func Info(c *gin.Context) {
	logger := GetHTTPLogger(c)
	a := getApp(c)
	ctx := c.Request.Context()

	queues := make([]queueInfo, 0)
	for _, q := range a.Engine.Queues() {
		size, err := a.Engine.Size(ctx, q)
		if err == nil {
			var delayed int64
			delayed, err = a.Engine.DelayedSize(ctx, q)
			queues = append(queues, queueInfo{Name: q, Size: size, Delayed: delayed})
		}
		if err != nil {
			logger.WithFields(logrus.Fields{
				"queue": q,
				"err":   err,
			}).Error("Failed to get the queue size")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue unavailable"})
			return
		}
	}
	deadSize, err := a.Engine.SizeOfDeadLetter(ctx)
	if err != nil {
		logger.WithField("err", err).Error("Failed to get the dead letter size")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue unavailable"})
		return
	}
	c.IndentedJSON(http.StatusOK, gin.H{
		"namespace":  a.Engine.Namespace(),
		"env":        a.Config.EnvKind().String(),
		"queues":     queues,
		"deadletter": deadSize,
		"jobs":       a.Registry.Names(),
		"scheduler": gin.H{
			"state":    a.Scheduler.State().String(),
			"leader":   a.Elector.IsLeader(),
			"disabled": a.Config.Scheduler.Disabled,
		},
		"workers": gin.H{
			"id":          a.Pool.ID(),
			"concurrency": a.Config.Worker.Concurrency,
			"in_flight":   a.Pool.InFlight(),
			"lease_ttr":   a.Pool.LeaseTTR().String(),
			"disabled":    a.Config.Worker.DisableWorkers,
		},
		"started_at": a.StartedAt().Format(time.RFC3339),
	})
}

// GetAccessLogStatus return whether the accesslog was enabled or not
// GET /accesslog
func GetAccessLogStatus(c *gin.Context) {
	if middleware.IsAccessLogEnabled() {
		c.JSON(http.StatusOK, gin.H{"status": "enabled"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "disabled"})
}

// UpdateAccessLogStatus update the accesslog status
// POST /accesslog
func UpdateAccessLogStatus(c *gin.Context) {
	status := c.Query("status")
	if status == "enable" {
		middleware.EnableAccessLog()
		c.JSON(http.StatusOK, gin.H{"status": "enabled"})
		return
	} else if status == "disable" {
		middleware.DisableAccessLog()
		c.JSON(http.StatusOK, gin.H{"status": "disabled"})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
}
