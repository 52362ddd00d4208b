package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/JMMolenaar/Fab-CIC-manager/schedule"
	"github.com/JMMolenaar/Fab-CIC-manager/scheduler"
)

type scheduleEntry struct {
	*schedule.Entry
	LastFireAt *time.Time `json:"last_fire_at,omitempty"`
	NextFireAt *time.Time `json:"next_fire_at,omitempty"`
}

// GET /schedules
// List the active entries with their last and next fire time, and the
// problems of the last failed load if any.
func ListSchedules(c *gin.Context) {
	logger := GetHTTPLogger(c)
	a := getApp(c)
	now := time.Now()

	entries := make([]scheduleEntry, 0)
	for e := range a.Store.Entries() {
		item := scheduleEntry{Entry: e}
		last, ok, err := a.Engine.Checkpoint(c.Request.Context(), scheduler.CheckpointName, e.Name)
		if err != nil {
			logger.WithField("err", err).Error("Failed to read the schedule checkpoint")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if ok {
			item.LastFireAt = &last
		}
		if e.Enabled {
			from := now
			if ok && last.After(now) {
				from = last
			}
			next := e.Next(from)
			item.NextFireAt = &next
		}
		entries = append(entries, item)
	}
	resp := gin.H{
		"source":  a.Store.SourceName(),
		"entries": entries,
	}
	if loadedAt := a.Store.LoadedAt(); !loadedAt.IsZero() {
		resp["loaded_at"] = loadedAt
	}
	if problems := a.Store.Problems(); problems != nil {
		resp["problems"] = problems.Problems
	}
	c.JSON(http.StatusOK, resp)
}

// POST /schedules/reload
func ReloadSchedules(c *gin.Context) {
	a := getApp(c)
	err := a.Reload(c.Request.Context())
	if err != nil {
		var invalid *schedule.InvalidScheduleError
		if errors.As(err, &invalid) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid schedule", "problems": invalid.Problems})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"msg": "reloaded", "entries": a.Store.Snapshot().Len()})
}
