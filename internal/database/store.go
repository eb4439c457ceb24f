// internal/database/store.go
package database

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the interface for database operations
type Store interface {
	// Server operations
	GetServers(ctx context.Context) ([]Server, error)
	GetServer(ctx context.Context, id string) (*Server, error)
	FindServerByEndpoint(ctx context.Context, host string, port int, username string) (*Server, error)
	CreateServer(ctx context.Context, server *Server) error
	UpdateServer(ctx context.Context, server *Server) error
	DeleteServer(ctx context.Context, id string) error

	// Cron job operations
	GetCronJobs(ctx context.Context) ([]CronJob, error)
	GetCronJobsForServer(ctx context.Context, serverID string) ([]CronJob, error)
	GetCronJob(ctx context.Context, id string) (*CronJob, error)
	CreateCronJob(ctx context.Context, job *CronJob) error
	UpdateCronJob(ctx context.Context, job *CronJob) error
	DeleteCronJob(ctx context.Context, id string) error

	// Command history (append-only; favorites are pinned past retention)
	AppendHistory(ctx context.Context, entry *CommandHistoryEntry) error
	GetHistory(ctx context.Context, filters HistoryFilters) ([]CommandHistoryEntry, error)
	GetFavoriteHistory(ctx context.Context) ([]CommandHistoryEntry, error)
	ToggleHistoryFavorite(ctx context.Context, id string) (*CommandHistoryEntry, error)
	SetHistoryFavorite(ctx context.Context, id string, favorite bool) (*CommandHistoryEntry, error)

	// Monitor operations
	GetMonitors(ctx context.Context) ([]Monitor, error)
	GetMonitor(ctx context.Context, id string) (*Monitor, error)
	CreateMonitor(ctx context.Context, monitor *Monitor) error
	UpdateMonitor(ctx context.Context, monitor *Monitor) error
	DeleteMonitor(ctx context.Context, id string) error

	// Monitor pings (append-only)
	AppendPing(ctx context.Context, ping *MonitorPing) error
	GetPings(ctx context.Context, filters PingFilters) ([]MonitorPing, error)

	// SSL certificate registry
	GetSSLCerts(ctx context.Context) ([]SSLCert, error)
	GetSSLCert(ctx context.Context, id string) (*SSLCert, error)
	CreateSSLCert(ctx context.Context, cert *SSLCert) error
	UpdateSSLCert(ctx context.Context, cert *SSLCert) error
	DeleteSSLCert(ctx context.Context, id string) error

	// Alert rules
	GetAlertRules(ctx context.Context) ([]AlertRule, error)
	GetAlertRule(ctx context.Context, id string) (*AlertRule, error)
	CreateAlertRule(ctx context.Context, rule *AlertRule) error
	UpdateAlertRule(ctx context.Context, rule *AlertRule) error
	DeleteAlertRule(ctx context.Context, id string) error

	// Alerts
	GetAlerts(ctx context.Context, filters AlertFilters) ([]Alert, error)
	GetAlert(ctx context.Context, id string) (*Alert, error)
	CreateAlert(ctx context.Context, alert *Alert) error
	UpdateAlert(ctx context.Context, alert *Alert) error
	// FindOpenAlert returns the non-resolved alert for a rule, or nil.
	FindOpenAlert(ctx context.Context, ruleID string) (*Alert, error)

	// Server metrics samples (append-only)
	AppendServerMetrics(ctx context.Context, sample *ServerMetrics) error
	GetServerMetrics(ctx context.Context, filters MetricsFilters) ([]ServerMetrics, error)

	// Audit log (append-only, never pruned)
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	GetAuditEntries(ctx context.Context, filters AuditFilters) ([]AuditEntry, error)

	// Settings (single keys)
	GetSetting(ctx context.Context, key string) (string, error)
	PutSetting(ctx context.Context, key, value string) error

	// Retention maintenance. The audit bucket is deliberately exempt.
	DeleteHistoryBefore(ctx context.Context, cutoff time.Time) (int, error)
	DeletePingsBefore(ctx context.Context, cutoff time.Time) (int, error)
	DeleteMetricsBefore(ctx context.Context, cutoff time.Time) (int, error)

	Stats(ctx context.Context) (*Stats, error)

	// Close the database connection
	Close() error
}
