package handlers

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/JMMolenaar/Fab-CIC-manager/engine"
)

// GET /queues/:queue/size
func Size(c *gin.Context) {
	logger := GetHTTPLogger(c)
	a := getApp(c)
	queue := c.Param("queue")
	size, err := a.Engine.Size(c.Request.Context(), queue)
	if err != nil {
		if errors.Is(err, engine.ErrUnknownQueue) {
			c.JSON(http.StatusNotFound, gin.H{"error": "queue not found"})
			return
		}
		logger.WithFields(logrus.Fields{
			"queue": queue,
			"err":   err,
		}).Error("Failed to get the queue size")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	delayed, err := a.Engine.DelayedSize(c.Request.Context(), queue)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"queue": queue,
			"err":   err,
		}).Error("Failed to get the delayed size")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"queue": queue, "size": size, "delayed": delayed})
}

// PUT /jobs/:name
// @query:
//  - queue: string, the job's default queue when empty
//  - delay: uint32 seconds
// The body is the JSON encoded job arguments.
func Enqueue(c *gin.Context) {
	logger := GetHTTPLogger(c)
	a := getApp(c)
	name := c.Param("name")
	queue := c.Query("queue")

	delaySecond, err := strconv.ParseUint(c.DefaultQuery("delay", "0"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid delay"})
		return
	}
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	if len(body) > math.MaxUint16 { // Larger than 64 KB
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body too large"})
		return
	}
	if len(body) == 0 {
		body = []byte("null")
	}
	if !json.Valid(body) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "the job arguments must be JSON"})
		return
	}

	job, err := a.Registry.NewJob(name, queue, body)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	var opts []engine.EnqueueOption
	if delaySecond > 0 {
		opts = append(opts, engine.WithDelay(time.Duration(delaySecond)*time.Second))
	}
	jobID, created, err := a.Engine.Enqueue(c.Request.Context(), job, opts...)
	if err != nil {
		if errors.Is(err, engine.ErrUnknownQueue) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		logger.WithFields(logrus.Fields{
			"err":   err,
			"job":   name,
			"queue": job.Queue,
			"delay": delaySecond,
		}).Error("Failed to enqueue")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	logger.WithFields(logrus.Fields{
		"job":     name,
		"job_id":  jobID,
		"queue":   job.Queue,
		"delay":   delaySecond,
		"created": created,
	}).Debug("Job enqueued")
	if !created {
		c.JSON(http.StatusOK, gin.H{"msg": "duplicate", "job_id": jobID})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"msg": "enqueued", "job_id": jobID})
}

// GET /jobs/:job_id
func GetJob(c *gin.Context) {
	logger := GetHTTPLogger(c)
	a := getApp(c)
	jobID := c.Param("job_id")
	job, err := a.Engine.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		logger.WithFields(logrus.Fields{
			"job_id": jobID,
			"err":    err,
		}).Error("Failed to get the job")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, job)
}
