// internal/database/models.go
package database

import (
	"time"
)

// Server is a managed remote host. Credential material is stored encrypted
// and never leaves the process in plaintext; API responses are produced via
// Sanitized, which drops the encrypted blobs entirely.
type Server struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Host              string     `json:"host"`
	Port              int        `json:"port"`
	Username          string     `json:"username"`
	AuthType          string     `json:"auth_type"` // password or key
	EncryptedPassword string     `json:"encrypted_password,omitempty"`
	EncryptedKey      string     `json:"encrypted_key,omitempty"`
	Fingerprint       string     `json:"fingerprint,omitempty"`
	IsDefault         bool       `json:"is_default"`
	Status            string     `json:"status"` // online, offline, unknown
	LastSeenAt        *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Sanitized returns a copy safe to serialize to API clients.
func (s Server) Sanitized() Server {
	s.EncryptedPassword = ""
	s.EncryptedKey = ""
	return s
}

// CommandHistoryEntry records one command execution. Append-only.
// Exit code conventions: the remote exit status when the command ran,
// -1 when it could not run at all, -2 when it timed out.
type CommandHistoryEntry struct {
	ID         string    `json:"id"`
	ServerID   string    `json:"server_id"`
	Command    string    `json:"command"`
	Output     string    `json:"output"`
	ExitCode   int       `json:"exit_code"`
	Executor   string    `json:"executor"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
	IsFavorite bool      `json:"is_favorite,omitempty"`
}

type CronJob struct {
	ID              string     `json:"id"`
	ServerID        string     `json:"server_id"`
	Name            string     `json:"name"`
	Schedule        string     `json:"schedule"` // 5-field cron expression
	Command         string     `json:"command"`
	Enabled         bool       `json:"enabled"`
	NotifyOnFailure bool       `json:"notify_on_failure"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	LastStatus      string     `json:"last_status,omitempty"` // success, error, timeout, unreachable
	LastOutput      string     `json:"last_output,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	NextRunAt       *time.Time `json:"next_run_at,omitempty"` // nil while disabled
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type Monitor struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Type             string     `json:"type"`   // http, tcp, ssl
	Target           string     `json:"target"` // http(s)://..., tcp://host:port, or a bare domain for ssl
	Method           string     `json:"method,omitempty"`
	IntervalSeconds  int        `json:"interval_seconds"`
	TimeoutMs        int        `json:"timeout_ms"`
	ExpectedStatus   int        `json:"expected_status,omitempty"`
	FailureThreshold int        `json:"failure_threshold"`
	SSLWarningDays   int        `json:"ssl_warning_days,omitempty"`
	Enabled          bool       `json:"enabled"`
	State            string     `json:"state"` // up, down, unknown; owned by the scheduler
	ConsecutiveFails int        `json:"consecutive_fails"`
	LastCheckedAt    *time.Time `json:"last_checked_at,omitempty"`
	UptimePercent    float64    `json:"uptime_percent"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// MonitorPing is one probe result. Append-only time series.
type MonitorPing struct {
	MonitorID  string    `json:"monitor_id"`
	Timestamp  time.Time `json:"timestamp"`
	Success    bool      `json:"success"`
	LatencyMs  int64     `json:"latency_ms"`
	StatusCode int       `json:"status_code,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// SSLCert is a watched certificate in the SSL registry.
type SSLCert struct {
	ID            string     `json:"id"`
	Domain        string     `json:"domain"`
	Issuer        string     `json:"issuer,omitempty"`
	NotAfter      *time.Time `json:"not_after,omitempty"`
	DaysRemaining int        `json:"days_remaining"`
	LastCheckedAt *time.Time `json:"last_checked_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

type AlertRule struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Type                string    `json:"type"`                // metric or monitor
	TargetID            string    `json:"target_id,omitempty"` // server or monitor id; empty matches all
	Metric              string    `json:"metric,omitempty"`    // cpu_percent, memory_percent, disk_percent, load1
	Operator            string    `json:"operator"`            // >, >=, <, <=
	Threshold           float64   `json:"threshold"`
	DurationSeconds     int       `json:"duration_seconds"`
	NotificationChannel string    `json:"notification_channel"` // dashboard or webhook
	Enabled             bool      `json:"enabled"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Alert statuses and severities.
const (
	AlertFiring       = "firing"
	AlertAcknowledged = "acknowledged"
	AlertResolved     = "resolved"

	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert is one firing episode of a rule. At most one non-resolved alert
// exists per rule at any time.
type Alert struct {
	ID              string     `json:"id"`
	RuleID          string     `json:"rule_id"`
	RuleName        string     `json:"rule_name"`
	Severity        string     `json:"severity"` // warning, critical
	Message         string     `json:"message"`
	Status          string     `json:"status"` // firing, acknowledged, resolved
	FirstFiredAt    time.Time  `json:"first_fired_at"`
	LastEvaluatedAt time.Time  `json:"last_evaluated_at"`
	AcknowledgedAt  *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
}

// ServerMetrics is one system metrics sample collected over SSH.
type ServerMetrics struct {
	ServerID      string    `json:"server_id"`
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	MemoryUsedMB  int64     `json:"memory_used_mb"`
	MemoryTotalMB int64     `json:"memory_total_mb"`
	DiskPercent   float64   `json:"disk_percent"`
	Load1         float64   `json:"load1"`
	UptimeSeconds int64     `json:"uptime_seconds"`
}

// AuditEntry records one mutating action. Append-only; the retention
// sweeper never touches the audit bucket.
type AuditEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"` // dotted verb, e.g. server.create
	Target    string    `json:"target,omitempty"`
	Result    string    `json:"result"` // success or failure
	Detail    string    `json:"detail,omitempty"`
}

type HistoryFilters struct {
	ServerID string
	Limit    int
}

type PingFilters struct {
	MonitorID string
	Limit     int
}

type MetricsFilters struct {
	ServerID string
	Since    *time.Time
	Limit    int
}

type AlertFilters struct {
	RuleID string
	Status string
	Limit  int
}

type AuditFilters struct {
	Actor  string
	Action string
	Since  *time.Time
	Limit  int
}

// Stats summarizes store contents for the system stats endpoint.
type Stats struct {
	Servers        int       `json:"servers"`
	CronJobs       int       `json:"cron_jobs"`
	HistoryEntries int       `json:"history_entries"`
	Monitors       int       `json:"monitors"`
	Pings          int       `json:"pings"`
	SSLCerts       int       `json:"ssl_certs"`
	AlertRules     int       `json:"alert_rules"`
	Alerts         int       `json:"alerts"`
	MetricsSamples int       `json:"metrics_samples"`
	AuditEntries   int       `json:"audit_entries"`
	DatabaseBytes  int64     `json:"database_bytes"`
	CollectedAt    time.Time `json:"collected_at"`
}
