// internal/web/handlers_system.go
package web

import (
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"bastion/internal/database"
	"bastion/internal/monitoring"
)

func (s *Server) health(c *gin.Context) {
	dbStatus := "ok"
	status := "ok"
	if _, err := s.store.GetSetting(c.Request.Context(), "health_probe"); err != nil && !errors.Is(err, database.ErrNotFound) {
		dbStatus = "error"
		status = "degraded"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  status,
		"db":      dbStatus,
		"service": "bastion",
		"version": Version,
		"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
		"time":    time.Now().UTC(),
	})
}

// dashboardOverview assembles the landing-page numbers in one response.
func (s *Server) dashboardOverview(c *gin.Context) {
	ctx := c.Request.Context()

	servers, err := s.store.GetServers(ctx)
	if err != nil {
		respondWithError(c, err, "Failed to build overview")
		return
	}
	online := 0
	for _, server := range servers {
		if server.Status == "online" {
			online++
		}
	}

	monitors, err := s.store.GetMonitors(ctx)
	if err != nil {
		respondWithError(c, err, "Failed to build overview")
		return
	}
	up, down := 0, 0
	for _, m := range monitors {
		switch m.State {
		case monitoring.StateUp:
			up++
		case monitoring.StateDown:
			down++
		}
	}

	crons, err := s.store.GetCronJobs(ctx)
	if err != nil {
		respondWithError(c, err, "Failed to build overview")
		return
	}
	cronsEnabled := 0
	for _, job := range crons {
		if job.Enabled {
			cronsEnabled++
		}
	}

	openAlerts, err := s.store.GetAlerts(ctx, database.AlertFilters{Status: database.AlertFiring, Limit: 100})
	if err != nil {
		respondWithError(c, err, "Failed to build overview")
		return
	}
	recentAlerts, err := s.store.GetAlerts(ctx, database.AlertFilters{Limit: 10})
	if err != nil {
		respondWithError(c, err, "Failed to build overview")
		return
	}
	recentActivity, err := s.store.GetAuditEntries(ctx, database.AuditFilters{Limit: 10})
	if err != nil {
		respondWithError(c, err, "Failed to build overview")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"servers": gin.H{
			"total":  len(servers),
			"online": online,
		},
		"monitors": gin.H{
			"total": len(monitors),
			"up":    up,
			"down":  down,
		},
		"crons": gin.H{
			"total":   len(crons),
			"enabled": cronsEnabled,
		},
		"alerts": gin.H{
			"firing": len(openAlerts),
		},
		"recent_alerts":   recentAlerts,
		"recent_activity": recentActivity,
	})
}

func (s *Server) systemStats(c *gin.Context) {
	stats, err := s.store.Stats(c.Request.Context())
	if err != nil {
		respondWithError(c, err, "Failed to get stats")
		return
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	c.JSON(http.StatusOK, gin.H{
		"store": stats,
		"runtime": gin.H{
			"version":         Version,
			"go_version":      runtime.Version(),
			"goroutines":      runtime.NumGoroutine(),
			"alloc_bytes":     mem.Alloc,
			"uptime":          time.Since(s.startedAt).Round(time.Second).String(),
			"ssh_connections": s.exec.Pool().Size(),
			"ws_clients":      s.hub.ClientCount(),
		},
		"retention": gin.H{
			"cleanup_interval":  s.cfg.Database.CleanupInterval.String(),
			"history_retention": s.cfg.Database.HistoryRetention.String(),
		},
	})
}

func (s *Server) listAudit(c *gin.Context) {
	filters := database.AuditFilters{
		Actor:  c.Query("actor"),
		Action: c.Query("action"),
		Limit:  queryLimit(c, 100),
	}
	if sinceStr := c.Query("since"); sinceStr != "" {
		since, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			respondError(c, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filters.Since = &since
	}

	entries, err := s.store.GetAuditEntries(c.Request.Context(), filters)
	if err != nil {
		respondWithError(c, err, "Failed to list audit entries")
		return
	}
	c.JSON(http.StatusOK, gin.H{"audit": entries, "count": len(entries)})
}
