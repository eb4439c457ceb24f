// internal/web/handlers_monitors.go
package web

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"bastion/internal/database"
	"bastion/internal/monitoring"
)

type monitorRequest struct {
	Name             string `json:"name"`
	Type             string `json:"type"`
	Target           string `json:"target"`
	Method           string `json:"method"`
	IntervalSeconds  int    `json:"interval_seconds"`
	TimeoutMs        int    `json:"timeout_ms"`
	ExpectedStatus   int    `json:"expected_status"`
	FailureThreshold int    `json:"failure_threshold"`
	SSLWarningDays   int    `json:"ssl_warning_days"`
	Enabled          *bool  `json:"enabled"`
}

func (r *monitorRequest) validate() error {
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	if r.Target == "" {
		return fmt.Errorf("target is required")
	}
	switch r.Type {
	case monitoring.TypeHTTP, monitoring.TypeTCP, monitoring.TypeSSL:
	default:
		return fmt.Errorf("type must be http, tcp or ssl")
	}
	if r.IntervalSeconds < 0 || r.TimeoutMs < 0 || r.FailureThreshold < 0 {
		return fmt.Errorf("intervals and thresholds must not be negative")
	}
	return nil
}

func (s *Server) createMonitor(c *gin.Context) {
	var req monitorRequest
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

	monitor := &database.Monitor{
		ID:               uuid.New().String(),
		Name:             req.Name,
		Type:             req.Type,
		Target:           req.Target,
		Method:           strings.ToUpper(req.Method),
		IntervalSeconds:  req.IntervalSeconds,
		TimeoutMs:        req.TimeoutMs,
		ExpectedStatus:   req.ExpectedStatus,
		FailureThreshold: req.FailureThreshold,
		SSLWarningDays:   req.SSLWarningDays,
		Enabled:          enabled,
		State:            monitoring.StateUnknown,
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}
	if monitor.Type == monitoring.TypeHTTP {
		if monitor.Method == "" {
			monitor.Method = http.MethodGet
		}
		if monitor.ExpectedStatus == 0 {
			monitor.ExpectedStatus = http.StatusOK
		}
	}

	ctx := c.Request.Context()
	if err := s.store.CreateMonitor(ctx, monitor); err != nil {
		respondWithError(c, err, "Failed to create monitor")
		return
	}

	s.audit.Success(ctx, actor(c), "monitor.create", monitor.ID, monitor.Name)
	c.JSON(http.StatusCreated, gin.H{"monitor": monitor})
}

func (s *Server) listMonitors(c *gin.Context) {
	monitors, err := s.store.GetMonitors(c.Request.Context())
	if err != nil {
		respondWithError(c, err, "Failed to list monitors")
		return
	}
	c.JSON(http.StatusOK, gin.H{"monitors": monitors, "count": len(monitors)})
}

func (s *Server) getMonitor(c *gin.Context) {
	monitor, err := s.store.GetMonitor(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondWithError(c, err, "Failed to get monitor")
		return
	}
	c.JSON(http.StatusOK, gin.H{"monitor": monitor})
}

func (s *Server) deleteMonitor(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	monitor, err := s.store.GetMonitor(ctx, id)
	if err != nil {
		respondWithError(c, err, "Failed to delete monitor")
		return
	}

	if err := s.store.DeleteMonitor(ctx, id); err != nil {
		respondWithError(c, err, "Failed to delete monitor")
		return
	}

	s.audit.Success(ctx, actor(c), "monitor.delete", id, monitor.Name)
	c.JSON(http.StatusOK, gin.H{"message": "Monitor deleted"})
}

// toggleMonitor flips enablement. Re-enabling starts from a clean slate:
// unknown state, zero consecutive failures.
func (s *Server) toggleMonitor(c *gin.Context) {
	ctx := c.Request.Context()
	monitor, err := s.store.GetMonitor(ctx, c.Param("id"))
	if err != nil {
		respondWithError(c, err, "Failed to toggle monitor")
		return
	}

	monitor.Enabled = !monitor.Enabled
	if monitor.Enabled {
		monitor.State = monitoring.StateUnknown
		monitor.ConsecutiveFails = 0
	}
	monitor.UpdatedAt = time.Now()

	if err := s.store.UpdateMonitor(ctx, monitor); err != nil {
		respondWithError(c, err, "Failed to toggle monitor")
		return
	}

	action := "monitor.disable"
	if monitor.Enabled {
		action = "monitor.enable"
	}
	s.audit.Success(ctx, actor(c), action, monitor.ID, monitor.Name)
	c.JSON(http.StatusOK, gin.H{"monitor": monitor})
}

func (s *Server) monitorPings(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if _, err := s.store.GetMonitor(ctx, id); err != nil {
		respondWithError(c, err, "Failed to get pings")
		return
	}

	pings, err := s.store.GetPings(ctx, database.PingFilters{
		MonitorID: id,
		Limit:     queryLimit(c, 100),
	})
	if err != nil {
		respondWithError(c, err, "Failed to get pings")
		return
	}
	c.JSON(http.StatusOK, gin.H{"pings": pings, "count": len(pings)})
}

func (s *Server) listSSLCerts(c *gin.Context) {
	certs, err := s.store.GetSSLCerts(c.Request.Context())
	if err != nil {
		respondWithError(c, err, "Failed to list certificates")
		return
	}
	c.JSON(http.StatusOK, gin.H{"certs": certs, "count": len(certs)})
}

type sslCertRequest struct {
	Domain string `json:"domain"`
}

func (s *Server) createSSLCert(c *gin.Context) {
	var req sslCertRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Domain == "" {
		respondError(c, http.StatusBadRequest, "domain is required")
		return
	}

	cert := &database.SSLCert{
		ID:        uuid.New().String(),
		Domain:    req.Domain,
		CreatedAt: time.Now(),
	}

	ctx := c.Request.Context()
	if err := s.store.CreateSSLCert(ctx, cert); err != nil {
		respondWithError(c, err, "Failed to register certificate")
		return
	}

	// Best-effort first check so the entry is populated right away; the
	// slow refresh loop owns it from here.
	if err := s.refresher.Refresh(ctx, cert); err == nil {
		if updated, err := s.store.GetSSLCert(ctx, cert.ID); err == nil {
			cert = updated
		}
	}

	s.audit.Success(ctx, actor(c), "ssl.create", cert.ID, cert.Domain)
	c.JSON(http.StatusCreated, gin.H{"cert": cert})
}

func (s *Server) deleteSSLCert(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	cert, err := s.store.GetSSLCert(ctx, id)
	if err != nil {
		respondWithError(c, err, "Failed to delete certificate")
		return
	}

	if err := s.store.DeleteSSLCert(ctx, id); err != nil {
		respondWithError(c, err, "Failed to delete certificate")
		return
	}

	s.audit.Success(ctx, actor(c), "ssl.delete", id, cert.Domain)
	c.JSON(http.StatusOK, gin.H{"message": "Certificate deleted"})
}

// checkSSLCert fetches certificate details for an arbitrary domain without
// registering it.
func (s *Server) checkSSLCert(c *gin.Context) {
	var req sslCertRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Domain == "" {
		respondError(c, http.StatusBadRequest, "domain is required")
		return
	}

	info, err := s.prober.CheckCertificate(c.Request.Context(), req.Domain)
	if err != nil {
		respondError(c, http.StatusBadGateway, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"cert": info})
}
