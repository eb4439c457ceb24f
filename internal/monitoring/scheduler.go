// internal/monitoring/scheduler.go
package monitoring

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"bastion/internal/database"
	"bastion/internal/metrics"
)

const uptimeWindow = 100 // pings considered for uptime_percent

// Transition is a confirmed monitor state change. Pings that do not change
// the state never produce one.
type Transition struct {
	Monitor database.Monitor `json:"monitor"`
	From    string           `json:"from"`
	To      string           `json:"to"`
	At      time.Time        `json:"at"`
	Reason  string           `json:"reason,omitempty"`
}

type probeOutcome struct {
	monitorID string
	result    ProbeResult
	at        time.Time
}

// Scheduler probes enabled monitors on their intervals and drives the
// up/down state machine. All state writes happen on a single result
// processor goroutine.
type Scheduler struct {
	store            database.Store
	prober           *Prober
	tick             time.Duration
	workers          int
	defaultInterval  time.Duration
	defaultThreshold int

	jobs    chan *database.Monitor
	results chan probeOutcome

	mu           sync.Mutex
	started      bool
	inFlight     map[string]struct{}
	onTransition func(Transition)

	stop chan struct{}
	wg   sync.WaitGroup
	log  *logrus.Entry
}

func NewScheduler(store database.Store, prober *Prober, tick time.Duration, workers int, defaultInterval time.Duration, defaultThreshold int) *Scheduler {
	if tick <= 0 {
		tick = time.Second
	}
	if workers <= 0 {
		workers = 4
	}
	if defaultInterval <= 0 {
		defaultInterval = time.Minute
	}
	if defaultThreshold <= 0 {
		defaultThreshold = 1
	}
	return &Scheduler{
		store:            store,
		prober:           prober,
		tick:             tick,
		workers:          workers,
		defaultInterval:  defaultInterval,
		defaultThreshold: defaultThreshold,
		jobs:             make(chan *database.Monitor, 256),
		results:          make(chan probeOutcome, 256),
		inFlight:         make(map[string]struct{}),
		stop:             make(chan struct{}),
		log:              logrus.WithField("component", "monitoring"),
	}
}

// OnTransition registers a callback for confirmed state changes. Must be
// set before Start. The callback runs on the result processor goroutine.
func (s *Scheduler) OnTransition(fn func(Transition)) {
	s.onTransition = fn
}

func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}

	s.wg.Add(1)
	go s.processResults()

	s.wg.Add(1)
	go s.loop()

	s.log.WithFields(logrus.Fields{
		"workers": s.workers,
		"tick":    s.tick,
	}).Info("monitor scheduler started")
	return nil
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	close(s.stop)
	s.wg.Wait()
	s.log.Info("monitor scheduler stopped")
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.dispatchDue()
		}
	}
}

func (s *Scheduler) dispatchDue() {
	ctx := context.Background()
	monitors, err := s.store.GetMonitors(ctx)
	if err != nil {
		s.log.WithError(err).Error("failed to list monitors")
		return
	}

	now := time.Now()
	for i := range monitors {
		m := &monitors[i]
		if !m.Enabled || !s.isDue(m, now) {
			continue
		}
		if !s.markInFlight(m.ID) {
			continue
		}

		select {
		case s.jobs <- m:
		default:
			s.clearInFlight(m.ID)
			s.log.WithField("monitor", m.Name).Warn("probe queue full, skipping cycle")
		}
	}
}

func (s *Scheduler) isDue(m *database.Monitor, now time.Time) bool {
	if m.LastCheckedAt == nil {
		return true
	}
	interval := time.Duration(m.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = s.defaultInterval
	}
	// jitter spreads probes that share an interval
	jitter := time.Duration(rand.Int63n(int64(interval)/10 + 1))
	return now.After(m.LastCheckedAt.Add(interval + jitter))
}

func (s *Scheduler) worker() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stop:
			return
		case m := <-s.jobs:
			result := s.prober.Probe(context.Background(), m)
			select {
			case s.results <- probeOutcome{monitorID: m.ID, result: result, at: time.Now()}:
			case <-s.stop:
				return
			}
		}
	}
}

func (s *Scheduler) processResults() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stop:
			return
		case outcome := <-s.results:
			s.applyOutcome(outcome)
		}
	}
}

// applyOutcome records the ping and advances the state machine: unknown
// goes up on the first success, up goes down only after the failure
// threshold is met, down recovers on a single success.
func (s *Scheduler) applyOutcome(o probeOutcome) {
	defer s.clearInFlight(o.monitorID)
	ctx := context.Background()

	m, err := s.store.GetMonitor(ctx, o.monitorID)
	if err != nil {
		// deleted while the probe was in flight
		return
	}
	if !m.Enabled {
		return
	}

	ping := &database.MonitorPing{
		MonitorID:  m.ID,
		Timestamp:  o.at,
		Success:    o.result.Success,
		LatencyMs:  o.result.LatencyMs,
		StatusCode: o.result.StatusCode,
		Error:      o.result.Error,
	}
	if err := s.store.AppendPing(ctx, ping); err != nil {
		s.log.WithError(err).WithField("monitor", m.Name).Error("failed to append ping")
	}

	prev := m.State
	if prev == "" {
		prev = StateUnknown
	}

	threshold := m.FailureThreshold
	if threshold <= 0 {
		threshold = s.defaultThreshold
	}

	next := prev
	if o.result.Success {
		m.ConsecutiveFails = 0
		next = StateUp
	} else {
		m.ConsecutiveFails++
		if prev != StateDown && m.ConsecutiveFails >= threshold {
			next = StateDown
		}
	}

	at := o.at
	m.State = next
	m.LastCheckedAt = &at
	m.UptimePercent = s.uptimePercent(ctx, m.ID)
	m.UpdatedAt = time.Now()

	if err := s.store.UpdateMonitor(ctx, m); err != nil {
		s.log.WithError(err).WithField("monitor", m.Name).Error("failed to update monitor state")
		return
	}

	metrics.RecordMonitorState(m.Name, next)

	if prev == next {
		return
	}

	s.log.WithFields(logrus.Fields{
		"monitor": m.Name,
		"from":    prev,
		"to":      next,
		"reason":  o.result.Error,
	}).Info("monitor state changed")

	if s.onTransition != nil {
		s.onTransition(Transition{
			Monitor: *m,
			From:    prev,
			To:      next,
			At:      o.at,
			Reason:  o.result.Error,
		})
	}
}

func (s *Scheduler) uptimePercent(ctx context.Context, monitorID string) float64 {
	pings, err := s.store.GetPings(ctx, database.PingFilters{MonitorID: monitorID, Limit: uptimeWindow})
	if err != nil || len(pings) == 0 {
		return 0
	}
	up := 0
	for _, p := range pings {
		if p.Success {
			up++
		}
	}
	return float64(up) / float64(len(pings)) * 100
}

func (s *Scheduler) markInFlight(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inFlight[id]; ok {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

func (s *Scheduler) clearInFlight(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
}
