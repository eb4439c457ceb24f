// internal/metrics/prometheus.go
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"bastion/internal/database"
)

// Prometheus metrics
var (
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_http_requests_total",
			Help: "Total HTTP requests served",
		},
		[]string{"method", "path", "status"},
	)

	SSHDials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_ssh_dials_total",
			Help: "SSH connection attempts by result",
		},
		[]string{"result"},
	)

	SSHConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bastion_ssh_connections_active",
			Help: "Number of pooled SSH connections",
		},
	)

	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bastion_command_duration_seconds",
			Help:    "Time spent executing remote commands",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_commands_total",
			Help: "Total remote commands executed",
		},
		[]string{"result"},
	)

	CronRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_cron_runs_total",
			Help: "Total cron job runs by status",
		},
		[]string{"status"},
	)

	MonitorProbes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_monitor_probes_total",
			Help: "Monitor probes by type and result",
		},
		[]string{"type", "result"},
	)

	MonitorState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bastion_monitor_state",
			Help: "Current monitor state (1=up, 0=down, -1=unknown)",
		},
		[]string{"monitor"},
	)

	AlertTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_alert_transitions_total",
			Help: "Alert state transitions",
		},
		[]string{"transition"},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_notifications_total",
			Help: "Notifications dispatched by channel and result",
		},
		[]string{"channel", "result"},
	)

	ActiveServers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bastion_servers_total",
			Help: "Number of registered servers",
		},
	)

	ActiveMonitors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bastion_monitors_enabled_total",
			Help: "Number of enabled monitors",
		},
	)

	ActiveCronJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bastion_cron_jobs_enabled_total",
			Help: "Number of enabled cron jobs",
		},
	)

	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bastion_websocket_connections_active",
			Help: "Number of active WebSocket connections",
		},
	)
)

type Collector struct {
	store database.Store
}

func NewCollector(store database.Store) *Collector {
	return &Collector{store: store}
}

// RecordCommand classifies a finished command run for the counters.
func RecordCommand(exitCode int, duration time.Duration) {
	result := commandResult(exitCode)
	CommandsTotal.WithLabelValues(result).Inc()
	CommandDuration.WithLabelValues(result).Observe(duration.Seconds())
}

func RecordMonitorState(monitorName, state string) {
	value := -1.0
	switch state {
	case "up":
		value = 1
	case "down":
		value = 0
	}
	MonitorState.WithLabelValues(monitorName).Set(value)
}

func RecordWebSocketConnection(delta int) {
	WebSocketConnections.Add(float64(delta))
}

// UpdateSystemMetrics refreshes the entity-count gauges from the store.
func (c *Collector) UpdateSystemMetrics(ctx context.Context) error {
	servers, err := c.store.GetServers(ctx)
	if err != nil {
		return err
	}
	ActiveServers.Set(float64(len(servers)))

	monitors, err := c.store.GetMonitors(ctx)
	if err != nil {
		return err
	}
	enabled := 0
	for _, m := range monitors {
		if m.Enabled {
			enabled++
		}
	}
	ActiveMonitors.Set(float64(enabled))

	jobs, err := c.store.GetCronJobs(ctx)
	if err != nil {
		return err
	}
	enabledJobs := 0
	for _, j := range jobs {
		if j.Enabled {
			enabledJobs++
		}
	}
	ActiveCronJobs.Set(float64(enabledJobs))

	return nil
}

func commandResult(exitCode int) string {
	switch {
	case exitCode == 0:
		return "ok"
	case exitCode == -1:
		return "unreachable"
	case exitCode == -2:
		return "timeout"
	default:
		return "error"
	}
}
