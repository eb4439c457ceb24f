// internal/monitoring/scheduler_test.go
package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bastion/internal/database"
)

func newTestStore(t *testing.T) database.Store {
	t.Helper()
	store, err := database.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func addMonitor(t *testing.T, store database.Store, threshold int) *database.Monitor {
	t.Helper()
	m := &database.Monitor{
		ID:               "mon-1",
		Name:             "api health",
		Type:             TypeHTTP,
		Target:           "http://example.invalid/health",
		IntervalSeconds:  60,
		FailureThreshold: threshold,
		Enabled:          true,
		State:            StateUnknown,
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}
	require.NoError(t, store.CreateMonitor(context.Background(), m))
	return m
}

type transitionRecorder struct {
	mu          sync.Mutex
	transitions []Transition
}

func (r *transitionRecorder) record(tr Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, tr)
}

func (r *transitionRecorder) all() []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Transition, len(r.transitions))
	copy(out, r.transitions)
	return out
}

func apply(s *Scheduler, monitorID string, success bool, errMsg string) {
	s.applyOutcome(probeOutcome{
		monitorID: monitorID,
		result:    ProbeResult{Success: success, Error: errMsg, LatencyMs: 5},
		at:        time.Now(),
	})
}

func TestStateMachineFirstSuccess(t *testing.T) {
	store := newTestStore(t)
	m := addMonitor(t, store, 3)
	rec := &transitionRecorder{}

	s := NewScheduler(store, NewProber(14), time.Second, 1, time.Minute, 1)
	s.OnTransition(rec.record)

	apply(s, m.ID, true, "")

	got, err := store.GetMonitor(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, StateUp, got.State)

	trs := rec.all()
	require.Len(t, trs, 1)
	assert.Equal(t, StateUnknown, trs[0].From)
	assert.Equal(t, StateUp, trs[0].To)
}

func TestStateMachineFailureThreshold(t *testing.T) {
	store := newTestStore(t)
	m := addMonitor(t, store, 3)
	rec := &transitionRecorder{}

	s := NewScheduler(store, NewProber(14), time.Second, 1, time.Minute, 1)
	s.OnTransition(rec.record)

	apply(s, m.ID, true, "") // unknown -> up

	// two failures stay below the threshold
	apply(s, m.ID, false, "timeout")
	apply(s, m.ID, false, "timeout")
	got, err := store.GetMonitor(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, StateUp, got.State)
	assert.Equal(t, 2, got.ConsecutiveFails)
	assert.Len(t, rec.all(), 1, "no transition before the threshold")

	// third consecutive failure confirms the outage
	apply(s, m.ID, false, "timeout")
	got, err = store.GetMonitor(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDown, got.State)

	trs := rec.all()
	require.Len(t, trs, 2)
	assert.Equal(t, StateUp, trs[1].From)
	assert.Equal(t, StateDown, trs[1].To)
	assert.Equal(t, "timeout", trs[1].Reason)
}

func TestStateMachineSingleSuccessRecovery(t *testing.T) {
	store := newTestStore(t)
	m := addMonitor(t, store, 3)
	rec := &transitionRecorder{}

	s := NewScheduler(store, NewProber(14), time.Second, 1, time.Minute, 1)
	s.OnTransition(rec.record)

	for i := 0; i < 3; i++ {
		apply(s, m.ID, false, "refused")
	}
	got, err := store.GetMonitor(context.Background(), m.ID)
	require.NoError(t, err)
	require.Equal(t, StateDown, got.State)

	apply(s, m.ID, true, "")
	got, err = store.GetMonitor(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, StateUp, got.State)
	assert.Equal(t, 0, got.ConsecutiveFails)

	trs := rec.all()
	require.Len(t, trs, 2)
	assert.Equal(t, StateDown, trs[1].From)
	assert.Equal(t, StateUp, trs[1].To)
}

func TestStateMachineFailureResetOnSuccess(t *testing.T) {
	store := newTestStore(t)
	m := addMonitor(t, store, 3)

	s := NewScheduler(store, NewProber(14), time.Second, 1, time.Minute, 1)

	apply(s, m.ID, true, "")
	apply(s, m.ID, false, "blip")
	apply(s, m.ID, false, "blip")
	apply(s, m.ID, true, "")
	apply(s, m.ID, false, "blip")
	apply(s, m.ID, false, "blip")

	got, err := store.GetMonitor(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, StateUp, got.State, "intervening success must reset the failure count")
	assert.Equal(t, 2, got.ConsecutiveFails)
}

func TestPingsRecorded(t *testing.T) {
	store := newTestStore(t)
	m := addMonitor(t, store, 1)

	s := NewScheduler(store, NewProber(14), time.Second, 1, time.Minute, 1)
	apply(s, m.ID, true, "")
	apply(s, m.ID, false, "connection refused")

	pings, err := store.GetPings(context.Background(), database.PingFilters{MonitorID: m.ID, Limit: 10})
	require.NoError(t, err)
	require.Len(t, pings, 2)
	// newest first
	assert.False(t, pings[0].Success)
	assert.Equal(t, "connection refused", pings[0].Error)
	assert.True(t, pings[1].Success)
}

func TestUptimePercent(t *testing.T) {
	store := newTestStore(t)
	m := addMonitor(t, store, 10)

	s := NewScheduler(store, NewProber(14), time.Second, 1, time.Minute, 1)
	apply(s, m.ID, true, "")
	apply(s, m.ID, true, "")
	apply(s, m.ID, true, "")
	apply(s, m.ID, false, "blip")

	got, err := store.GetMonitor(context.Background(), m.ID)
	require.NoError(t, err)
	assert.InDelta(t, 75.0, got.UptimePercent, 0.01)
}

func TestSchedulerProbesDueMonitors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newTestStore(t)
	m := &database.Monitor{
		ID:              "mon-live",
		Name:            "live",
		Type:            TypeHTTP,
		Target:          srv.URL,
		ExpectedStatus:  200,
		IntervalSeconds: 3600,
		Enabled:         true,
		State:           StateUnknown,
	}
	require.NoError(t, store.CreateMonitor(context.Background(), m))

	s := NewScheduler(store, NewProber(14), 10*time.Millisecond, 2, time.Minute, 1)
	require.NoError(t, s.Start())
	defer s.Stop()

	require.Eventually(t, func() bool {
		got, err := store.GetMonitor(context.Background(), m.ID)
		return err == nil && got.State == StateUp
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSchedulerIgnoresDisabledMonitors(t *testing.T) {
	store := newTestStore(t)
	m := addMonitor(t, store, 1)
	m.Enabled = false
	require.NoError(t, store.UpdateMonitor(context.Background(), m))

	s := NewScheduler(store, NewProber(14), 10*time.Millisecond, 1, time.Minute, 1)
	require.NoError(t, s.Start())
	defer s.Stop()

	time.Sleep(100 * time.Millisecond)
	got, err := store.GetMonitor(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LastCheckedAt)
}
