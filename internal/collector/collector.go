// internal/collector/collector.go
package collector

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"bastion/internal/alerting"
	"bastion/internal/database"
	"bastion/internal/executor"
)

// sampleCommand gathers every metric in one round trip. Each line is
// "<field> <values>" so the parser stays order-independent and a field
// missing on exotic systems degrades to zero instead of failing the sample.
const sampleCommand = `echo "cpu $(top -bn1 | grep -i 'cpu(s)' | awk '{print $2+$4}')";` +
	`echo "mem $(free -m | awk 'NR==2{print $2" "$3}')";` +
	`echo "disk $(df -P / | awk 'NR==2{gsub("%",""); print $5}')";` +
	`echo "load $(cat /proc/loadavg | awk '{print $1}')";` +
	`echo "up $(cat /proc/uptime | awk '{print int($1)}')"`

const sampleTimeout = 30 * time.Second

// Runner executes a command on a server without leaving a history entry.
// Satisfied by *executor.Executor.
type Runner interface {
	System(ctx context.Context, serverID, command string, timeout time.Duration) (*executor.Result, error)
}

// SampleSink receives flattened samples for rule evaluation. Satisfied by
// *alerting.Engine.
type SampleSink interface {
	SubmitSample(s alerting.MetricSample)
}

// Broadcaster pushes live samples to dashboard clients.
type Broadcaster interface {
	BroadcastEvent(event string, payload interface{})
}

// Collector gathers system metrics from every server over SSH on a fixed
// interval and maintains the servers' online/offline status. Per-server
// failures are contained; one unreachable host never delays the rest.
type Collector struct {
	store    database.Store
	runner   Runner
	sink     SampleSink
	hub      Broadcaster
	interval time.Duration

	stop chan struct{}
	wg   sync.WaitGroup
	log  *logrus.Entry
}

func New(store database.Store, runner Runner, sink SampleSink, hub Broadcaster, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Collector{
		store:    store,
		runner:   runner,
		sink:     sink,
		hub:      hub,
		interval: interval,
		stop:     make(chan struct{}),
		log:      logrus.WithField("component", "collector"),
	}
}

func (c *Collector) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		c.collectAll()

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				c.collectAll()
			}
		}
	}()
	c.log.WithField("interval", c.interval).Info("metrics collector started")
}

func (c *Collector) Stop() {
	close(c.stop)
	c.wg.Wait()
	c.log.Info("metrics collector stopped")
}

func (c *Collector) collectAll() {
	ctx := context.Background()
	servers, err := c.store.GetServers(ctx)
	if err != nil {
		c.log.WithError(err).Error("failed to list servers")
		return
	}

	var wg sync.WaitGroup
	for i := range servers {
		server := servers[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.CollectOne(ctx, server.ID); err != nil {
				c.log.WithError(err).WithField("server", server.Name).Debug("metrics collection failed")
			}
		}()
	}
	wg.Wait()
}

// CollectOne samples one server, persists the result and updates the
// server's status. Also serves the on-demand live metrics endpoint.
func (c *Collector) CollectOne(ctx context.Context, serverID string) (*database.ServerMetrics, error) {
	result, err := c.runner.System(ctx, serverID, sampleCommand, sampleTimeout)
	if err != nil {
		c.setStatus(ctx, serverID, "offline", false)
		return nil, err
	}

	sample := ParseSample(result.Output)
	sample.ServerID = serverID
	sample.Timestamp = time.Now()

	if err := c.store.AppendServerMetrics(ctx, sample); err != nil {
		c.log.WithError(err).WithField("server_id", serverID).Error("failed to append metrics sample")
	}
	c.setStatus(ctx, serverID, "online", true)

	if c.sink != nil {
		server, err := c.store.GetServer(ctx, serverID)
		name := serverID
		if err == nil {
			name = server.Name
		}
		c.sink.SubmitSample(alerting.MetricSample{
			ServerID:   serverID,
			ServerName: name,
			At:         sample.Timestamp,
			Values: map[string]float64{
				"cpu_percent":    sample.CPUPercent,
				"memory_percent": sample.MemoryPercent,
				"disk_percent":   sample.DiskPercent,
				"load1":          sample.Load1,
			},
		})
	}

	if c.hub != nil {
		c.hub.BroadcastEvent("server_metrics", sample)
	}
	return sample, nil
}

func (c *Collector) setStatus(ctx context.Context, serverID, status string, seen bool) {
	server, err := c.store.GetServer(ctx, serverID)
	if err != nil {
		return
	}
	if server.Status == status && !seen {
		return
	}
	server.Status = status
	if seen {
		now := time.Now()
		server.LastSeenAt = &now
	}
	if err := c.store.UpdateServer(ctx, server); err != nil {
		c.log.WithError(err).WithField("server", server.Name).Error("failed to update server status")
	}
}

// ParseSample decodes the labeled output of sampleCommand. Unparseable
// fields are left at zero.
func ParseSample(output string) *database.ServerMetrics {
	sample := &database.ServerMetrics{}

	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "cpu":
			sample.CPUPercent, _ = strconv.ParseFloat(fields[1], 64)
		case "mem":
			if len(fields) >= 3 {
				sample.MemoryTotalMB, _ = strconv.ParseInt(fields[1], 10, 64)
				sample.MemoryUsedMB, _ = strconv.ParseInt(fields[2], 10, 64)
				if sample.MemoryTotalMB > 0 {
					sample.MemoryPercent = float64(sample.MemoryUsedMB) / float64(sample.MemoryTotalMB) * 100
				}
			}
		case "disk":
			sample.DiskPercent, _ = strconv.ParseFloat(fields[1], 64)
		case "load":
			sample.Load1, _ = strconv.ParseFloat(fields[1], 64)
		case "up":
			sample.UptimeSeconds, _ = strconv.ParseInt(fields[1], 10, 64)
		}
	}
	return sample
}
