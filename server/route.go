package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/JMMolenaar/Fab-CIC-manager/app"
	"github.com/JMMolenaar/Fab-CIC-manager/server/handlers"
)

func SetupRoutes(e *gin.Engine, a *app.App, logger *logrus.Logger) {
	handlers.Setup(logger)

	e.GET("/info", handlers.SetupApp(a), handlers.Info)
	e.GET("/version", handlers.Version)
	e.GET("/metrics", handlers.PrometheusMetrics)
	e.GET("/accesslog", handlers.GetAccessLogStatus)
	e.POST("/accesslog", handlers.UpdateAccessLogStatus)
	e.Any("/debug/pprof/*profile", handlers.PProf)

	group := e.Group("/")
	group.Use(handlers.SetupApp(a))
	group.GET("/queues/:queue/size", handlers.Size)
	group.PUT("/jobs/:name", handlers.CollectMetrics("enqueue"), handlers.Enqueue)
	group.GET("/jobs/:job_id", handlers.GetJob)

	group.GET("/deadletter", handlers.ListDeadLetter)
	group.PUT("/deadletter/:job_id", handlers.CollectMetrics("respawn"), handlers.RespawnDeadLetter)
	group.DELETE("/deadletter/:job_id", handlers.CollectMetrics("delete"), handlers.DeleteDeadLetter)

	group.GET("/schedules", handlers.ListSchedules)
	group.POST("/schedules/reload", handlers.CollectMetrics("reload"), handlers.ReloadSchedules)

	e.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "api not found"})
	})
}
