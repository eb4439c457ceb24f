// internal/web/handlers_crons.go
package web

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"bastion/internal/cron"
	"bastion/internal/database"
)

type cronRequest struct {
	Name            string `json:"name"`
	Schedule        string `json:"schedule"`
	Command         string `json:"command"`
	Enabled         *bool  `json:"enabled"`
	NotifyOnFailure bool   `json:"notify_on_failure"`
}

func (r *cronRequest) validate() error {
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	if r.Command == "" {
		return fmt.Errorf("command is required")
	}
	if _, err := cron.ParseSchedule(r.Schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %v", r.Schedule, err)
	}
	return nil
}

func (s *Server) createCron(c *gin.Context) {
	ctx := c.Request.Context()
	serverID := c.Param("id")

	if _, err := s.store.GetServer(ctx, serverID); err != nil {
		respondWithError(c, err, "Failed to create cron job")
		return
	}

	var req cronRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	job := &database.CronJob{
		ID:              uuid.New().String(),
		ServerID:        serverID,
		Name:            req.Name,
		Schedule:        req.Schedule,
		Command:         req.Command,
		Enabled:         enabled,
		NotifyOnFailure: req.NotifyOnFailure,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
	if enabled {
		next, err := cron.NextRun(req.Schedule, time.Now())
		if err != nil {
			respondError(c, http.StatusBadRequest, err.Error())
			return
		}
		job.NextRunAt = &next
	}

	if err := s.store.CreateCronJob(ctx, job); err != nil {
		respondWithError(c, err, "Failed to create cron job")
		return
	}

	s.audit.Success(ctx, actor(c), "cron.create", job.ID, job.Name)
	c.JSON(http.StatusCreated, gin.H{"cron": job})
}

func (s *Server) listServerCrons(c *gin.Context) {
	ctx := c.Request.Context()
	serverID := c.Param("id")

	if _, err := s.store.GetServer(ctx, serverID); err != nil {
		respondWithError(c, err, "Failed to list cron jobs")
		return
	}

	jobs, err := s.store.GetCronJobsForServer(ctx, serverID)
	if err != nil {
		respondWithError(c, err, "Failed to list cron jobs")
		return
	}
	c.JSON(http.StatusOK, gin.H{"crons": jobs, "count": len(jobs)})
}

func (s *Server) getCron(c *gin.Context) {
	job, err := s.store.GetCronJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondWithError(c, err, "Failed to get cron job")
		return
	}
	c.JSON(http.StatusOK, gin.H{"cron": job})
}

func (s *Server) updateCron(c *gin.Context) {
	ctx := c.Request.Context()
	job, err := s.store.GetCronJob(ctx, c.Param("id"))
	if err != nil {
		respondWithError(c, err, "Failed to update cron job")
		return
	}

	var req cronRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	job.Name = req.Name
	job.Schedule = req.Schedule
	job.Command = req.Command
	job.NotifyOnFailure = req.NotifyOnFailure
	if req.Enabled != nil {
		job.Enabled = *req.Enabled
	}
	job.UpdatedAt = time.Now()

	if job.Enabled {
		next, err := cron.NextRun(job.Schedule, time.Now())
		if err != nil {
			respondError(c, http.StatusBadRequest, err.Error())
			return
		}
		job.NextRunAt = &next
	} else {
		job.NextRunAt = nil
	}

	if err := s.store.UpdateCronJob(ctx, job); err != nil {
		respondWithError(c, err, "Failed to update cron job")
		return
	}

	s.audit.Success(ctx, actor(c), "cron.update", job.ID, job.Name)
	c.JSON(http.StatusOK, gin.H{"cron": job})
}

func (s *Server) deleteCron(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	job, err := s.store.GetCronJob(ctx, id)
	if err != nil {
		respondWithError(c, err, "Failed to delete cron job")
		return
	}

	if err := s.store.DeleteCronJob(ctx, id); err != nil {
		respondWithError(c, err, "Failed to delete cron job")
		return
	}

	s.audit.Success(ctx, actor(c), "cron.delete", id, job.Name)
	c.JSON(http.StatusOK, gin.H{"message": "Cron job deleted"})
}

// runCron fires a job immediately, outside its schedule. The no-overlap
// rule still applies: a run already in flight turns this into a 409.
func (s *Server) runCron(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if err := s.cron.RunNow(ctx, id); err != nil {
		respondWithError(c, err, "Failed to run cron job")
		return
	}

	s.audit.Success(ctx, actor(c), "cron.run", id, "manual run")
	c.JSON(http.StatusAccepted, gin.H{"message": "Run started"})
}

func (s *Server) toggleCron(c *gin.Context) {
	ctx := c.Request.Context()
	job, err := s.store.GetCronJob(ctx, c.Param("id"))
	if err != nil {
		respondWithError(c, err, "Failed to toggle cron job")
		return
	}

	job.Enabled = !job.Enabled
	job.UpdatedAt = time.Now()
	if job.Enabled {
		next, err := cron.NextRun(job.Schedule, time.Now())
		if err != nil {
			respondError(c, http.StatusBadRequest, err.Error())
			return
		}
		job.NextRunAt = &next
	} else {
		job.NextRunAt = nil
	}

	if err := s.store.UpdateCronJob(ctx, job); err != nil {
		respondWithError(c, err, "Failed to toggle cron job")
		return
	}

	action := "cron.disable"
	if job.Enabled {
		action = "cron.enable"
	}
	s.audit.Success(ctx, actor(c), action, job.ID, job.Name)
	c.JSON(http.StatusOK, gin.H{"cron": job})
}

// cronLogs returns the job's slice of the server's command history. Cron
// runs execute with a "cron:<name>" actor, which is what we filter on.
func (s *Server) cronLogs(c *gin.Context) {
	ctx := c.Request.Context()
	job, err := s.store.GetCronJob(ctx, c.Param("id"))
	if err != nil {
		respondWithError(c, err, "Failed to get cron logs")
		return
	}

	entries, err := s.store.GetHistory(ctx, database.HistoryFilters{
		ServerID: job.ServerID,
		Limit:    500,
	})
	if err != nil {
		respondWithError(c, err, "Failed to get cron logs")
		return
	}

	limit := queryLimit(c, 50)
	logs := make([]database.CommandHistoryEntry, 0, limit)
	prefix := "cron:" + job.Name
	for _, entry := range entries {
		if strings.HasPrefix(entry.Executor, prefix) && entry.Command == job.Command {
			logs = append(logs, entry)
			if len(logs) >= limit {
				break
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{"logs": logs, "count": len(logs)})
}
