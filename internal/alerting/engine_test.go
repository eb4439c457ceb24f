// internal/alerting/engine_test.go
package alerting

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bastion/internal/database"
	"bastion/internal/monitoring"
	"bastion/internal/notifications"
)

type fakeNotifier struct {
	mu     sync.Mutex
	events []notifications.Event
}

func (n *fakeNotifier) Dispatch(ctx context.Context, ev notifications.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *fakeNotifier) byType(t string) []notifications.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notifications.Event
	for _, ev := range n.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newTestStore(t *testing.T) database.Store {
	t.Helper()
	store, err := database.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func addMetricRule(t *testing.T, store database.Store, durationSeconds int) *database.AlertRule {
	t.Helper()
	rule := &database.AlertRule{
		ID:                  "rule-cpu",
		Name:                "cpu high",
		Type:                RuleMetric,
		Metric:              "cpu_percent",
		Operator:            ">",
		Threshold:           95,
		DurationSeconds:     durationSeconds,
		NotificationChannel: notifications.ChannelDashboard,
		Enabled:             true,
		CreatedAt:           time.Now(),
		UpdatedAt:           time.Now(),
	}
	require.NoError(t, store.CreateAlertRule(context.Background(), rule))
	return rule
}

func addMonitorRule(t *testing.T, store database.Store, targetID string) *database.AlertRule {
	t.Helper()
	rule := &database.AlertRule{
		ID:                  "rule-mon",
		Name:                "api availability",
		Type:                RuleMonitor,
		TargetID:            targetID,
		NotificationChannel: notifications.ChannelDashboard,
		Enabled:             true,
		CreatedAt:           time.Now(),
		UpdatedAt:           time.Now(),
	}
	require.NoError(t, store.CreateAlertRule(context.Background(), rule))
	return rule
}

func sample(at time.Time, cpu float64) MetricSample {
	return MetricSample{
		ServerID:   "srv-1",
		ServerName: "web-01",
		Values:     map[string]float64{"cpu_percent": cpu},
		At:         at,
	}
}

func openAlert(t *testing.T, store database.Store, ruleID string) *database.Alert {
	t.Helper()
	alert, err := store.FindOpenAlert(context.Background(), ruleID)
	require.NoError(t, err)
	return alert
}

func TestSustainWindowGatesFiring(t *testing.T) {
	store := newTestStore(t)
	notifier := &fakeNotifier{}
	rule := addMetricRule(t, store, 60)
	e := NewEngine(store, notifier, 16)

	base := time.Now()

	// a breach observed for only 10 seconds must not fire
	e.handleSample(sample(base, 96))
	e.handleSample(sample(base.Add(10*time.Second), 96))
	assert.Nil(t, openAlert(t, store, rule.ID))
	assert.Empty(t, notifier.byType(notifications.TypeAlertFired))

	// held continuously past 60s it fires exactly once
	e.handleSample(sample(base.Add(61*time.Second), 97))
	alert := openAlert(t, store, rule.ID)
	require.NotNil(t, alert)
	assert.Equal(t, database.AlertFiring, alert.Status)
	assert.Equal(t, database.SeverityWarning, alert.Severity)

	// steady-state firing stays silent
	e.handleSample(sample(base.Add(120*time.Second), 98))
	e.handleSample(sample(base.Add(180*time.Second), 99))
	assert.Len(t, notifier.byType(notifications.TypeAlertFired), 1)
}

func TestSingleFalseSampleResetsSustain(t *testing.T) {
	store := newTestStore(t)
	notifier := &fakeNotifier{}
	rule := addMetricRule(t, store, 60)
	e := NewEngine(store, notifier, 16)

	base := time.Now()
	e.handleSample(sample(base, 96))
	e.handleSample(sample(base.Add(50*time.Second), 96))
	e.handleSample(sample(base.Add(55*time.Second), 80)) // resets the clock
	e.handleSample(sample(base.Add(70*time.Second), 96))

	assert.Nil(t, openAlert(t, store, rule.ID), "70s of wall time with a dip must not fire a 60s rule")
}

func TestResolveOnClearAndNewEpisode(t *testing.T) {
	store := newTestStore(t)
	notifier := &fakeNotifier{}
	rule := addMetricRule(t, store, 0)
	e := NewEngine(store, notifier, 16)

	base := time.Now()
	e.handleSample(sample(base, 96))
	first := openAlert(t, store, rule.ID)
	require.NotNil(t, first)

	// clears: resolved exactly once, stamped
	e.handleSample(sample(base.Add(time.Minute), 50))
	assert.Nil(t, openAlert(t, store, rule.ID))
	resolved, err := store.GetAlert(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, database.AlertResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)
	assert.Len(t, notifier.byType(notifications.TypeAlertResolved), 1)

	// the next breach opens a brand-new alert
	e.handleSample(sample(base.Add(2*time.Minute), 97))
	second := openAlert(t, store, rule.ID)
	require.NotNil(t, second)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Len(t, notifier.byType(notifications.TypeAlertFired), 2)
}

func TestCriticalSeverityOnDeepBreach(t *testing.T) {
	store := newTestStore(t)
	notifier := &fakeNotifier{}
	rule := addMetricRule(t, store, 0)
	rule.Threshold = 60
	require.NoError(t, store.UpdateAlertRule(context.Background(), rule))
	e := NewEngine(store, notifier, 16)

	e.handleSample(sample(time.Now(), 80)) // 80 >= 60*1.25
	alert := openAlert(t, store, rule.ID)
	require.NotNil(t, alert)
	assert.Equal(t, database.SeverityCritical, alert.Severity)
}

func TestDisabledRuleNeverFires(t *testing.T) {
	store := newTestStore(t)
	notifier := &fakeNotifier{}
	rule := addMetricRule(t, store, 0)
	rule.Enabled = false
	require.NoError(t, store.UpdateAlertRule(context.Background(), rule))
	e := NewEngine(store, notifier, 16)

	e.handleSample(sample(time.Now(), 99))
	assert.Nil(t, openAlert(t, store, rule.ID))
	assert.Empty(t, notifier.events)
}

func TestTargetedRuleIgnoresOtherServers(t *testing.T) {
	store := newTestStore(t)
	notifier := &fakeNotifier{}
	rule := addMetricRule(t, store, 0)
	rule.TargetID = "srv-other"
	require.NoError(t, store.UpdateAlertRule(context.Background(), rule))
	e := NewEngine(store, notifier, 16)

	e.handleSample(sample(time.Now(), 99))
	assert.Nil(t, openAlert(t, store, rule.ID))
}

func TestMonitorRuleFiresOnDownResolvesOnUp(t *testing.T) {
	store := newTestStore(t)
	notifier := &fakeNotifier{}
	rule := addMonitorRule(t, store, "")
	e := NewEngine(store, notifier, 16)

	mon := database.Monitor{ID: "mon-1", Name: "api health"}
	e.handleTransition(monitoring.Transition{
		Monitor: mon, From: monitoring.StateUp, To: monitoring.StateDown,
		At: time.Now(), Reason: "connection refused",
	})

	alert := openAlert(t, store, rule.ID)
	require.NotNil(t, alert)
	assert.Equal(t, database.SeverityCritical, alert.Severity)
	assert.Contains(t, alert.Message, "api health is down")

	// repeated down transitions while open stay deduplicated
	e.handleTransition(monitoring.Transition{
		Monitor: mon, From: monitoring.StateUnknown, To: monitoring.StateDown, At: time.Now(),
	})
	assert.Len(t, notifier.byType(notifications.TypeAlertFired), 1)

	e.handleTransition(monitoring.Transition{
		Monitor: mon, From: monitoring.StateDown, To: monitoring.StateUp, At: time.Now(),
	})
	assert.Nil(t, openAlert(t, store, rule.ID))
	assert.Len(t, notifier.byType(notifications.TypeAlertResolved), 1)
}

func TestMonitorRuleIgnoresUnrelatedMonitor(t *testing.T) {
	store := newTestStore(t)
	notifier := &fakeNotifier{}
	rule := addMonitorRule(t, store, "mon-target")
	e := NewEngine(store, notifier, 16)

	e.handleTransition(monitoring.Transition{
		Monitor: database.Monitor{ID: "mon-other", Name: "other"},
		From:    monitoring.StateUp, To: monitoring.StateDown, At: time.Now(),
	})
	assert.Nil(t, openAlert(t, store, rule.ID))
}

func TestRuleDisableForceResolves(t *testing.T) {
	store := newTestStore(t)
	notifier := &fakeNotifier{}
	rule := addMetricRule(t, store, 0)
	e := NewEngine(store, notifier, 16)

	e.handleSample(sample(time.Now(), 99))
	require.NotNil(t, openAlert(t, store, rule.ID))

	rule.Enabled = false
	require.NoError(t, store.UpdateAlertRule(context.Background(), rule))
	e.handleRuleChanged(rule.ID)

	assert.Nil(t, openAlert(t, store, rule.ID))
	assert.Len(t, notifier.byType(notifications.TypeAlertResolved), 1)
}

func TestRuleDeleteForceResolves(t *testing.T) {
	store := newTestStore(t)
	notifier := &fakeNotifier{}
	rule := addMetricRule(t, store, 0)
	e := NewEngine(store, notifier, 16)

	e.handleSample(sample(time.Now(), 99))
	require.NotNil(t, openAlert(t, store, rule.ID))

	require.NoError(t, store.DeleteAlertRule(context.Background(), rule.ID))
	e.handleRuleChanged(rule.ID)

	assert.Nil(t, openAlert(t, store, rule.ID))
}

func TestRehydrateAdoptsOpenAlert(t *testing.T) {
	store := newTestStore(t)
	notifier := &fakeNotifier{}
	rule := addMetricRule(t, store, 0)

	first := NewEngine(store, notifier, 16)
	first.handleSample(sample(time.Now(), 99))
	alert := openAlert(t, store, rule.ID)
	require.NotNil(t, alert)

	// a fresh engine must adopt, not duplicate, the open episode
	second := NewEngine(store, notifier, 16)
	require.NoError(t, second.rehydrate())
	second.handleSample(sample(time.Now(), 99))

	alerts, err := store.GetAlerts(context.Background(), database.AlertFilters{RuleID: rule.ID})
	require.NoError(t, err)
	assert.Len(t, alerts, 1)

	// and resolve it on clear
	second.handleSample(sample(time.Now().Add(time.Minute), 10))
	assert.Nil(t, openAlert(t, store, rule.ID))
}

func TestEngineLoopProcessesSubmissions(t *testing.T) {
	store := newTestStore(t)
	notifier := &fakeNotifier{}
	rule := addMetricRule(t, store, 0)

	e := NewEngine(store, notifier, 16)
	require.NoError(t, e.Start())
	defer e.Stop()

	e.SubmitSample(sample(time.Now(), 99))
	require.Eventually(t, func() bool {
		return openAlert(t, store, rule.ID) != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManualResolveStartsFreshEpisode(t *testing.T) {
	store := newTestStore(t)
	notifier := &fakeNotifier{}
	rule := addMetricRule(t, store, 0)
	e := NewEngine(store, notifier, 16)

	base := time.Now()
	e.handleSample(sample(base, 97))
	first := openAlert(t, store, rule.ID)
	require.NotNil(t, first)

	// close it through the store the way the resolve endpoint does,
	// while the breach persists
	resolvedAt := time.Now()
	first.Status = database.AlertResolved
	first.ResolvedAt = &resolvedAt
	require.NoError(t, store.UpdateAlert(context.Background(), first))

	// the next breaching sample must open a fresh alert, not keep
	// tracking the closed one
	e.handleSample(sample(base.Add(10*time.Second), 98))
	second := openAlert(t, store, rule.ID)
	require.NotNil(t, second)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, database.AlertFiring, second.Status)

	// clearing the condition resolves only the new episode
	e.handleSample(sample(base.Add(20*time.Second), 50))
	resolved := notifier.byType(notifications.TypeAlertResolved)
	require.Len(t, resolved, 1)
	assert.Equal(t, second.ID, resolved[0].AlertID)
}

func TestClearAfterManualResolveSendsNoDuplicate(t *testing.T) {
	store := newTestStore(t)
	notifier := &fakeNotifier{}
	rule := addMetricRule(t, store, 0)
	e := NewEngine(store, notifier, 16)

	base := time.Now()
	e.handleSample(sample(base, 97))
	alert := openAlert(t, store, rule.ID)
	require.NotNil(t, alert)

	resolvedAt := time.Now()
	alert.Status = database.AlertResolved
	alert.ResolvedAt = &resolvedAt
	require.NoError(t, store.UpdateAlert(context.Background(), alert))

	// condition clears after the manual resolve: nothing left to close,
	// no second resolved notification
	e.handleSample(sample(base.Add(10*time.Second), 50))
	assert.Empty(t, notifier.byType(notifications.TypeAlertResolved))
	assert.Nil(t, openAlert(t, store, rule.ID))
}
