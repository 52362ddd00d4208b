package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/JMMolenaar/Fab-CIC-manager/engine"
)

const maxDeadLetterPage = 100

// GET /deadletter
// @query:
//  - offset: int, newest first
//  - limit:  int, up to 100
func ListDeadLetter(c *gin.Context) {
	logger := GetHTTPLogger(c)
	a := getApp(c)
	offset, err := strconv.ParseInt(c.DefaultQuery("offset", "0"), 10, 64)
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
		return
	}
	limit, err := strconv.ParseInt(c.DefaultQuery("limit", "20"), 10, 64)
	if err != nil || limit <= 0 || limit > maxDeadLetterPage {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	ctx := c.Request.Context()
	size, err := a.Engine.SizeOfDeadLetter(ctx)
	if err == nil {
		var jobs []*engine.DeadJob
		jobs, err = a.Engine.ListDeadLetter(ctx, offset, limit)
		if err == nil {
			if jobs == nil {
				jobs = []*engine.DeadJob{}
			}
			c.JSON(http.StatusOK, gin.H{"size": size, "jobs": jobs})
			return
		}
	}
	logger.WithField("err", err).Error("Failed to list the dead letter")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

// PUT /deadletter/:job_id
func RespawnDeadLetter(c *gin.Context) {
	logger := GetHTTPLogger(c)
	a := getApp(c)
	jobID := c.Param("job_id")
	err := a.Engine.RespawnDeadLetter(c.Request.Context(), jobID)
	switch {
	case err == nil:
		logger.WithField("job_id", jobID).Info("Respawned the dead job")
		c.JSON(http.StatusOK, gin.H{"msg": "respawned", "job_id": jobID})
	case errors.Is(err, engine.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	case errors.Is(err, engine.ErrInvalidJob):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		logger.WithFields(logrus.Fields{
			"job_id": jobID,
			"err":    err,
		}).Error("Failed to respawn the dead job")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// DELETE /deadletter/:job_id
func DeleteDeadLetter(c *gin.Context) {
	logger := GetHTTPLogger(c)
	a := getApp(c)
	jobID := c.Param("job_id")
	err := a.Engine.DeleteDeadLetter(c.Request.Context(), jobID)
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, engine.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	default:
		logger.WithFields(logrus.Fields{
			"job_id": jobID,
			"err":    err,
		}).Error("Failed to delete the dead job")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
