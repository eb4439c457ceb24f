// internal/notifications/notifier.go
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"bastion/internal/config"
	"bastion/internal/metrics"
)

// Event types.
const (
	TypeAlertFired    = "alert_fired"
	TypeAlertResolved = "alert_resolved"
	TypeCronFailure   = "cron_failure"
	TypeTest          = "test"
)

// Channel names.
const (
	ChannelDashboard = "dashboard"
	ChannelWebhook   = "webhook"
)

// Event is one notification to deliver.
type Event struct {
	Type     string    `json:"type"`
	Title    string    `json:"title"`
	Message  string    `json:"message"`
	Severity string    `json:"severity,omitempty"`
	RuleID   string    `json:"rule_id,omitempty"`
	AlertID  string    `json:"alert_id,omitempty"`
	Target   string    `json:"target,omitempty"`
	At       time.Time `json:"at"`

	// Channel routes the event: dashboard (default) or webhook. Webhook
	// events are mirrored to the dashboard.
	Channel string `json:"-"`
}

// Broadcaster pushes events to connected dashboard clients. Implemented by
// the websocket hub.
type Broadcaster interface {
	BroadcastEvent(event string, payload interface{})
}

// Throttler caps notification volume inside a sliding window. Keys are
// rule ids (or synthetic keys like "cron:<id>").
type Throttler struct {
	mu       sync.Mutex
	window   time.Duration
	maxPer   int
	maxTotal int
	perKey   map[string][]time.Time
	all      []time.Time
}

func NewThrottler(cfg config.ThrottleConfig) *Throttler {
	window := cfg.Window
	if window <= 0 {
		window = 15 * time.Minute
	}
	maxPer := cfg.MaxPerRule
	if maxPer <= 0 {
		maxPer = 5
	}
	maxTotal := cfg.MaxTotal
	if maxTotal <= 0 {
		maxTotal = 20
	}
	return &Throttler{
		window:   window,
		maxPer:   maxPer,
		maxTotal: maxTotal,
		perKey:   make(map[string][]time.Time),
	}
}

// Allow records one send attempt and reports whether it is inside the caps.
func (t *Throttler) Allow(key string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := now.Add(-t.window)
	t.all = prune(t.all, cutoff)
	t.perKey[key] = prune(t.perKey[key], cutoff)

	if len(t.all) >= t.maxTotal || len(t.perKey[key]) >= t.maxPer {
		return false
	}
	t.all = append(t.all, now)
	t.perKey[key] = append(t.perKey[key], now)
	return true
}

func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for ; i < len(ts); i++ {
		if ts[i].After(cutoff) {
			break
		}
	}
	return ts[i:]
}

// WebhookSender posts events as JSON to a configured endpoint.
type WebhookSender struct {
	url    string
	secret string
	client *http.Client
}

func NewWebhookSender(cfg config.WebhookConfig) *WebhookSender {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSender{
		url:    cfg.URL,
		secret: cfg.Secret,
		client: &http.Client{Timeout: timeout},
	}
}

func (w *WebhookSender) Send(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		req.Header.Set("X-Bastion-Secret", w.secret)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Dispatcher fans events out to the dashboard and, when routed there, the
// webhook. Delivery failures are logged, never propagated.
type Dispatcher struct {
	enabled   bool
	hub       Broadcaster
	webhook   *WebhookSender
	throttler *Throttler
	log       *logrus.Entry
}

func NewDispatcher(cfg config.NotificationConfig, hub Broadcaster) *Dispatcher {
	d := &Dispatcher{
		enabled: cfg.Enabled,
		hub:     hub,
		log:     logrus.WithField("component", "notifications"),
	}
	if cfg.Webhook.Enabled && cfg.Webhook.URL != "" {
		d.webhook = NewWebhookSender(cfg.Webhook)
	}
	if cfg.Throttle.Enabled {
		d.throttler = NewThrottler(cfg.Throttle)
	}
	return d
}

// Dispatch delivers one event. Safe to call from scheduler goroutines; the
// webhook leg runs detached so slow endpoints cannot stall callers.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) {
	if !d.enabled {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	key := ev.RuleID
	if key == "" {
		key = ev.Type + ":" + ev.Target
	}
	if d.throttler != nil && !d.throttler.Allow(key, time.Now()) {
		metrics.NotificationsSent.WithLabelValues(ChannelDashboard, "throttled").Inc()
		d.log.WithFields(logrus.Fields{
			"type": ev.Type,
			"key":  key,
		}).Warn("notification throttled")
		return
	}

	if d.hub != nil {
		d.hub.BroadcastEvent("notification", ev)
		metrics.NotificationsSent.WithLabelValues(ChannelDashboard, "ok").Inc()
	}

	if ev.Channel == ChannelWebhook && d.webhook != nil {
		go func(ev Event) {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := d.webhook.Send(ctx, ev); err != nil {
				metrics.NotificationsSent.WithLabelValues(ChannelWebhook, "error").Inc()
				d.log.WithError(err).WithField("type", ev.Type).Error("webhook delivery failed")
				return
			}
			metrics.NotificationsSent.WithLabelValues(ChannelWebhook, "ok").Inc()
		}(ev)
	}

	d.log.WithFields(logrus.Fields{
		"type":    ev.Type,
		"title":   ev.Title,
		"channel": ev.Channel,
	}).Info("notification dispatched")
}
