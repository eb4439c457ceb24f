// internal/web/handlers_alerts.go
package web

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"bastion/internal/alerting"
	"bastion/internal/database"
	"bastion/internal/notifications"
)

type alertRuleRequest struct {
	Name                string  `json:"name"`
	Type                string  `json:"type"`
	TargetID            string  `json:"target_id"`
	Metric              string  `json:"metric"`
	Operator            string  `json:"operator"`
	Threshold           float64 `json:"threshold"`
	DurationSeconds     int     `json:"duration_seconds"`
	NotificationChannel string  `json:"notification_channel"`
	Enabled             *bool   `json:"enabled"`
}

var validMetrics = map[string]bool{
	"cpu_percent":    true,
	"memory_percent": true,
	"disk_percent":   true,
	"load1":          true,
}

func (r *alertRuleRequest) validate() error {
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	switch r.Type {
	case alerting.RuleMetric:
		if !validMetrics[r.Metric] {
			return fmt.Errorf("metric must be one of cpu_percent, memory_percent, disk_percent, load1")
		}
		switch r.Operator {
		case ">", ">=", "<", "<=":
		default:
			return fmt.Errorf("operator must be one of >, >=, <, <=")
		}
	case alerting.RuleMonitor:
	default:
		return fmt.Errorf("type must be metric or monitor")
	}
	if r.DurationSeconds < 0 {
		return fmt.Errorf("duration_seconds must not be negative")
	}
	switch r.NotificationChannel {
	case "", notifications.ChannelDashboard, notifications.ChannelWebhook:
	default:
		return fmt.Errorf("notification_channel must be dashboard or webhook")
	}
	return nil
}

func (s *Server) createAlertRule(c *gin.Context) {
	var req alertRuleRequest
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
	channel := req.NotificationChannel
	if channel == "" {
		channel = notifications.ChannelDashboard
	}

	rule := &database.AlertRule{
		ID:                  uuid.New().String(),
		Name:                req.Name,
		Type:                req.Type,
		TargetID:            req.TargetID,
		Metric:              req.Metric,
		Operator:            req.Operator,
		Threshold:           req.Threshold,
		DurationSeconds:     req.DurationSeconds,
		NotificationChannel: channel,
		Enabled:             enabled,
		CreatedAt:           time.Now(),
		UpdatedAt:           time.Now(),
	}

	ctx := c.Request.Context()
	if err := s.store.CreateAlertRule(ctx, rule); err != nil {
		respondWithError(c, err, "Failed to create alert rule")
		return
	}

	s.audit.Success(ctx, actor(c), "alert_rule.create", rule.ID, rule.Name)
	c.JSON(http.StatusCreated, gin.H{"rule": rule})
}

func (s *Server) listAlertRules(c *gin.Context) {
	rules, err := s.store.GetAlertRules(c.Request.Context())
	if err != nil {
		respondWithError(c, err, "Failed to list alert rules")
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules, "count": len(rules)})
}

func (s *Server) updateAlertRule(c *gin.Context) {
	ctx := c.Request.Context()
	rule, err := s.store.GetAlertRule(ctx, c.Param("id"))
	if err != nil {
		respondWithError(c, err, "Failed to update alert rule")
		return
	}

	var req alertRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	rule.Name = req.Name
	rule.Type = req.Type
	rule.TargetID = req.TargetID
	rule.Metric = req.Metric
	rule.Operator = req.Operator
	rule.Threshold = req.Threshold
	rule.DurationSeconds = req.DurationSeconds
	if req.NotificationChannel != "" {
		rule.NotificationChannel = req.NotificationChannel
	}
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
	rule.UpdatedAt = time.Now()

	if err := s.store.UpdateAlertRule(ctx, rule); err != nil {
		respondWithError(c, err, "Failed to update alert rule")
		return
	}

	// The engine re-reads the rule; disabling force-resolves its open alert.
	s.engine.RuleChanged(rule.ID)

	s.audit.Success(ctx, actor(c), "alert_rule.update", rule.ID, rule.Name)
	c.JSON(http.StatusOK, gin.H{"rule": rule})
}

func (s *Server) deleteAlertRule(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	rule, err := s.store.GetAlertRule(ctx, id)
	if err != nil {
		respondWithError(c, err, "Failed to delete alert rule")
		return
	}

	if err := s.store.DeleteAlertRule(ctx, id); err != nil {
		respondWithError(c, err, "Failed to delete alert rule")
		return
	}

	s.engine.RuleChanged(id)

	s.audit.Success(ctx, actor(c), "alert_rule.delete", id, rule.Name)
	c.JSON(http.StatusOK, gin.H{"message": "Alert rule deleted"})
}

func (s *Server) listAlerts(c *gin.Context) {
	alerts, err := s.store.GetAlerts(c.Request.Context(), database.AlertFilters{
		Status: c.Query("status"),
		RuleID: c.Query("rule_id"),
		Limit:  queryLimit(c, 100),
	})
	if err != nil {
		respondWithError(c, err, "Failed to list alerts")
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}

// acknowledgeAlert marks a firing alert as seen. Acknowledgement mutes
// nothing but the dashboard badge; resolution still happens on its own.
func (s *Server) acknowledgeAlert(c *gin.Context) {
	ctx := c.Request.Context()
	alert, err := s.store.GetAlert(ctx, c.Param("id"))
	if err != nil {
		respondWithError(c, err, "Failed to acknowledge alert")
		return
	}
	if alert.Status != database.AlertFiring {
		respondError(c, http.StatusConflict, "Only firing alerts can be acknowledged")
		return
	}

	now := time.Now()
	alert.Status = database.AlertAcknowledged
	alert.AcknowledgedAt = &now

	if err := s.store.UpdateAlert(ctx, alert); err != nil {
		respondWithError(c, err, "Failed to acknowledge alert")
		return
	}

	s.audit.Success(ctx, actor(c), "alert.acknowledge", alert.ID, alert.RuleName)
	c.JSON(http.StatusOK, gin.H{"alert": alert})
}

// resolveAlert closes an alert by hand. The engine notices the closed
// alert on its next evaluation and starts a fresh episode if the
// condition still holds.
func (s *Server) resolveAlert(c *gin.Context) {
	ctx := c.Request.Context()
	alert, err := s.store.GetAlert(ctx, c.Param("id"))
	if err != nil {
		respondWithError(c, err, "Failed to resolve alert")
		return
	}
	if alert.Status == database.AlertResolved {
		respondError(c, http.StatusConflict, "Alert is already resolved")
		return
	}

	now := time.Now()
	alert.Status = database.AlertResolved
	alert.ResolvedAt = &now

	if err := s.store.UpdateAlert(ctx, alert); err != nil {
		respondWithError(c, err, "Failed to resolve alert")
		return
	}

	s.audit.Success(ctx, actor(c), "alert.resolve", alert.ID, alert.RuleName)
	c.JSON(http.StatusOK, gin.H{"alert": alert})
}
