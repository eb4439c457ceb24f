// internal/alerting/engine.go
package alerting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"bastion/internal/database"
	"bastion/internal/metrics"
	"bastion/internal/monitoring"
	"bastion/internal/notifications"
)

// Rule types.
const (
	RuleMetric  = "metric"
	RuleMonitor = "monitor"
)

const criticalBreachFactor = 1.25

// MetricSample is one server's metrics flattened for rule evaluation.
type MetricSample struct {
	ServerID   string
	ServerName string
	Values     map[string]float64
	At         time.Time
}

// Notifier delivers alert notifications. Satisfied by
// *notifications.Dispatcher.
type Notifier interface {
	Dispatch(ctx context.Context, ev notifications.Event)
}

type eventKind int

const (
	kindSample eventKind = iota
	kindTransition
	kindRuleChanged
)

type event struct {
	kind       eventKind
	sample     MetricSample
	transition monitoring.Transition
	ruleID     string
}

// ruleState is the engine's in-memory view of one rule. The open alert of
// record always lives in the store; openAlertID is a cache.
type ruleState struct {
	firstTrue   time.Time
	openAlertID string
}

// Engine evaluates alert rules against metric samples and monitor
// transitions. A metric rule fires once its condition has held for the
// rule's sustain window and resolves on the first false sample. Exactly one
// notification is sent per firing and one per resolution.
type Engine struct {
	store    database.Store
	notifier Notifier

	events chan event

	mu      sync.Mutex
	started bool
	states  map[string]*ruleState

	stop chan struct{}
	wg   sync.WaitGroup
	log  *logrus.Entry
}

func NewEngine(store database.Store, notifier Notifier, queueSize int) *Engine {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Engine{
		store:    store,
		notifier: notifier,
		events:   make(chan event, queueSize),
		states:   make(map[string]*ruleState),
		stop:     make(chan struct{}),
		log:      logrus.WithField("component", "alerting"),
	}
}

func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}
	e.started = true

	if err := e.rehydrate(); err != nil {
		e.log.WithError(err).Warn("failed to rehydrate open alerts")
	}

	e.wg.Add(1)
	go e.loop()

	e.log.Info("alert engine started")
	return nil
}

func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	e.mu.Unlock()

	close(e.stop)
	e.wg.Wait()
	e.log.Info("alert engine stopped")
}

// SubmitSample feeds one metrics sample into the engine. Non-blocking; a
// full queue drops the sample with a log line.
func (e *Engine) SubmitSample(s MetricSample) {
	select {
	case e.events <- event{kind: kindSample, sample: s}:
	default:
		e.log.WithField("server", s.ServerName).Warn("alert queue full, dropping sample")
	}
}

// SubmitTransition feeds one monitor state transition into the engine.
func (e *Engine) SubmitTransition(t monitoring.Transition) {
	select {
	case e.events <- event{kind: kindTransition, transition: t}:
	default:
		e.log.WithField("monitor", t.Monitor.Name).Warn("alert queue full, dropping transition")
	}
}

// RuleChanged tells the engine a rule was created, updated, disabled or
// deleted. Sustain tracking restarts; a disabled or deleted rule's open
// alert is force-resolved.
func (e *Engine) RuleChanged(ruleID string) {
	select {
	case e.events <- event{kind: kindRuleChanged, ruleID: ruleID}:
	default:
		e.log.WithField("rule_id", ruleID).Warn("alert queue full, dropping rule change")
	}
}

// rehydrate restores open-alert linkage after a restart so firing episodes
// survive process restarts without duplicate alerts.
func (e *Engine) rehydrate() error {
	ctx := context.Background()
	rules, err := e.store.GetAlertRules(ctx)
	if err != nil {
		return err
	}
	open := 0
	for _, rule := range rules {
		alert, err := e.store.FindOpenAlert(ctx, rule.ID)
		if err != nil || alert == nil {
			continue
		}
		e.states[rule.ID] = &ruleState{openAlertID: alert.ID}
		open++
	}
	if open > 0 {
		e.log.WithField("open_alerts", open).Info("rehydrated open alerts")
	}
	return nil
}

func (e *Engine) loop() {
	defer e.wg.Done()

	for {
		select {
		case <-e.stop:
			return
		case ev := <-e.events:
			switch ev.kind {
			case kindSample:
				e.handleSample(ev.sample)
			case kindTransition:
				e.handleTransition(ev.transition)
			case kindRuleChanged:
				e.handleRuleChanged(ev.ruleID)
			}
		}
	}
}

func (e *Engine) handleSample(s MetricSample) {
	ctx := context.Background()
	rules, err := e.store.GetAlertRules(ctx)
	if err != nil {
		e.log.WithError(err).Error("failed to list alert rules")
		return
	}

	for i := range rules {
		rule := &rules[i]
		if rule.Type != RuleMetric || !rule.Enabled {
			continue
		}
		if rule.TargetID != "" && rule.TargetID != s.ServerID {
			continue
		}
		value, ok := s.Values[rule.Metric]
		if !ok {
			continue
		}
		e.evaluateMetric(ctx, rule, s, value)
	}
}

func (e *Engine) evaluateMetric(ctx context.Context, rule *database.AlertRule, s MetricSample, value float64) {
	st := e.state(rule.ID)

	if !compare(value, rule.Operator, rule.Threshold) {
		// one false sample resets the sustain clock and closes any open
		// episode
		st.firstTrue = time.Time{}
		if st.openAlertID != "" {
			msg := fmt.Sprintf("%s %.1f %s %.1f cleared on %s", rule.Metric, value, rule.Operator, rule.Threshold, s.ServerName)
			e.resolve(ctx, rule, msg, s.At)
		}
		return
	}

	if st.firstTrue.IsZero() {
		st.firstTrue = s.At
	}

	if st.openAlertID != "" {
		if e.touchOpenAlert(ctx, st.openAlertID, s.At) {
			return
		}
		// closed out-of-band (manual resolve): drop the stale cache and
		// restart the sustain clock so the next held breach opens a
		// fresh episode
		st.openAlertID = ""
		st.firstTrue = s.At
	}

	sustain := time.Duration(rule.DurationSeconds) * time.Second
	if s.At.Sub(st.firstTrue) < sustain {
		return
	}

	severity := database.SeverityWarning
	if criticalBreach(value, rule.Operator, rule.Threshold) {
		severity = database.SeverityCritical
	}
	msg := fmt.Sprintf("%s %.1f %s %.1f on %s for %ds", rule.Metric, value, rule.Operator, rule.Threshold, s.ServerName, rule.DurationSeconds)
	e.fire(ctx, rule, severity, msg, s.ServerName, s.At)
}

func (e *Engine) handleTransition(t monitoring.Transition) {
	ctx := context.Background()
	rules, err := e.store.GetAlertRules(ctx)
	if err != nil {
		e.log.WithError(err).Error("failed to list alert rules")
		return
	}

	for i := range rules {
		rule := &rules[i]
		if rule.Type != RuleMonitor || !rule.Enabled {
			continue
		}
		if rule.TargetID != "" && rule.TargetID != t.Monitor.ID {
			continue
		}

		switch t.To {
		case monitoring.StateDown:
			msg := fmt.Sprintf("monitor %s is down", t.Monitor.Name)
			if t.Reason != "" {
				msg += ": " + t.Reason
			}
			e.fire(ctx, rule, database.SeverityCritical, msg, t.Monitor.Name, t.At)
		case monitoring.StateUp:
			st := e.state(rule.ID)
			if st.openAlertID != "" {
				e.resolve(ctx, rule, fmt.Sprintf("monitor %s recovered", t.Monitor.Name), t.At)
			}
		}
	}
}

func (e *Engine) handleRuleChanged(ruleID string) {
	ctx := context.Background()

	rule, err := e.store.GetAlertRule(ctx, ruleID)
	deleted := errors.Is(err, database.ErrNotFound)
	if err != nil && !deleted {
		e.log.WithError(err).WithField("rule_id", ruleID).Error("failed to load changed rule")
		return
	}

	if deleted || !rule.Enabled {
		alert, err := e.store.FindOpenAlert(ctx, ruleID)
		if err == nil && alert != nil {
			reason := "rule disabled"
			if deleted {
				reason = "rule deleted"
				rule = &database.AlertRule{ID: ruleID, Name: alert.RuleName}
			}
			e.states[ruleID] = &ruleState{openAlertID: alert.ID}
			e.resolve(ctx, rule, reason, time.Now())
		}
		delete(e.states, ruleID)
		return
	}

	// edited while enabled: restart sustain tracking, keep the open episode
	alert, err := e.store.FindOpenAlert(ctx, ruleID)
	st := &ruleState{}
	if err == nil && alert != nil {
		st.openAlertID = alert.ID
	}
	e.states[ruleID] = st
}

// fire opens a new alert episode and notifies exactly once. The store is
// consulted first so a rule can never hold two open alerts.
func (e *Engine) fire(ctx context.Context, rule *database.AlertRule, severity, message, target string, at time.Time) {
	st := e.state(rule.ID)
	if st.openAlertID != "" {
		return
	}
	if existing, err := e.store.FindOpenAlert(ctx, rule.ID); err == nil && existing != nil {
		st.openAlertID = existing.ID
		return
	}

	alert := &database.Alert{
		ID:              uuid.New().String(),
		RuleID:          rule.ID,
		RuleName:        rule.Name,
		Severity:        severity,
		Message:         message,
		Status:          database.AlertFiring,
		FirstFiredAt:    at,
		LastEvaluatedAt: at,
	}
	if err := e.store.CreateAlert(ctx, alert); err != nil {
		e.log.WithError(err).WithField("rule", rule.Name).Error("failed to create alert")
		return
	}
	st.openAlertID = alert.ID

	metrics.AlertTransitions.WithLabelValues("fired").Inc()
	e.log.WithFields(logrus.Fields{
		"rule":     rule.Name,
		"severity": severity,
		"message":  message,
	}).Warn("alert firing")

	if e.notifier != nil {
		e.notifier.Dispatch(ctx, notifications.Event{
			Type:     notifications.TypeAlertFired,
			Title:    rule.Name,
			Message:  message,
			Severity: severity,
			RuleID:   rule.ID,
			AlertID:  alert.ID,
			Target:   target,
			At:       at,
			Channel:  rule.NotificationChannel,
		})
	}
}

// resolve closes the open episode and notifies exactly once. Resolved
// alerts are never reopened; the next breach creates a fresh one.
func (e *Engine) resolve(ctx context.Context, rule *database.AlertRule, message string, at time.Time) {
	st := e.state(rule.ID)
	if st.openAlertID == "" {
		return
	}

	alert, err := e.store.GetAlert(ctx, st.openAlertID)
	if err != nil {
		e.log.WithError(err).WithField("rule", rule.Name).Error("failed to load open alert")
		st.openAlertID = ""
		return
	}
	if alert.Status == database.AlertResolved {
		// already closed through the API; no second notification
		st.openAlertID = ""
		return
	}

	resolvedAt := at
	alert.Status = database.AlertResolved
	alert.ResolvedAt = &resolvedAt
	alert.LastEvaluatedAt = at
	if err := e.store.UpdateAlert(ctx, alert); err != nil {
		e.log.WithError(err).WithField("rule", rule.Name).Error("failed to resolve alert")
		return
	}
	st.openAlertID = ""

	metrics.AlertTransitions.WithLabelValues("resolved").Inc()
	e.log.WithFields(logrus.Fields{
		"rule":    rule.Name,
		"message": message,
	}).Info("alert resolved")

	if e.notifier != nil {
		e.notifier.Dispatch(ctx, notifications.Event{
			Type:    notifications.TypeAlertResolved,
			Title:   rule.Name,
			Message: message,
			RuleID:  rule.ID,
			AlertID: alert.ID,
			At:      at,
			Channel: rule.NotificationChannel,
		})
	}
}

// touchOpenAlert stamps the evaluation time on the cached open alert.
// Returns false when the alert no longer exists or was resolved through
// the API, so the caller drops its cache instead of short-circuiting on a
// closed episode forever.
func (e *Engine) touchOpenAlert(ctx context.Context, alertID string, at time.Time) bool {
	alert, err := e.store.GetAlert(ctx, alertID)
	if err != nil {
		return !errors.Is(err, database.ErrNotFound)
	}
	if alert.Status == database.AlertResolved {
		return false
	}
	alert.LastEvaluatedAt = at
	if err := e.store.UpdateAlert(ctx, alert); err != nil {
		e.log.WithError(err).Error("failed to update alert evaluation time")
	}
	return true
}

func (e *Engine) state(ruleID string) *ruleState {
	st, ok := e.states[ruleID]
	if !ok {
		st = &ruleState{}
		e.states[ruleID] = st
	}
	return st
}

func compare(value float64, op string, threshold float64) bool {
	switch op {
	case ">":
		return value > threshold
	case ">=":
		return value >= threshold
	case "<":
		return value < threshold
	case "<=":
		return value <= threshold
	}
	return false
}

func criticalBreach(value float64, op string, threshold float64) bool {
	switch op {
	case "<", "<=":
		return value <= threshold/criticalBreachFactor
	default:
		return value >= threshold*criticalBreachFactor
	}
}
