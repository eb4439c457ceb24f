// internal/cron/scheduler.go
package cron

import (
	"context"
	"errors"
	"sync"
	"time"

	cronparser "github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"bastion/internal/database"
	"bastion/internal/executor"
	"bastion/internal/metrics"
	"bastion/internal/sshpool"
)

// ErrAlreadyRunning is returned by RunNow while a run of the same job is in
// flight.
var ErrAlreadyRunning = errors.New("job is already running")

// Run statuses persisted to last_status.
const (
	StatusSuccess     = "success"
	StatusError       = "error"
	StatusTimeout     = "timeout"
	StatusUnreachable = "unreachable"
)

const lastOutputLimit = 4096

// CommandRunner executes a command on a server. Satisfied by
// *executor.Executor.
type CommandRunner interface {
	Exec(ctx context.Context, serverID, command string, timeout time.Duration, actor string) (*executor.Result, error)
}

// RunSummary describes one finished cron run, for notification and
// broadcast consumers.
type RunSummary struct {
	Status     string    `json:"status"`
	ExitCode   int       `json:"exit_code"`
	Output     string    `json:"output"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
}

// ParseSchedule validates a standard 5-field cron expression.
func ParseSchedule(expr string) (cronparser.Schedule, error) {
	return cronparser.ParseStandard(expr)
}

// NextRun computes the first fire time of a schedule strictly after from.
func NextRun(expr string, from time.Time) (time.Time, error) {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}

// Scheduler fires cron jobs at their next_run_at times. One run per job at a
// time: a fire that comes due while the previous run is still executing is
// skipped, not queued.
type Scheduler struct {
	store   database.Store
	runner  CommandRunner
	tick    time.Duration
	workers int

	queue chan *database.CronJob

	mu       sync.Mutex
	running  map[string]struct{}
	started  bool
	onResult func(job database.CronJob, sum RunSummary)

	stop chan struct{}
	wg   sync.WaitGroup
	log  *logrus.Entry
}

func NewScheduler(store database.Store, runner CommandRunner, tick time.Duration, workers int) *Scheduler {
	if tick <= 0 {
		tick = time.Second
	}
	if workers <= 0 {
		workers = 4
	}
	return &Scheduler{
		store:   store,
		runner:  runner,
		tick:    tick,
		workers: workers,
		queue:   make(chan *database.CronJob, 64),
		running: make(map[string]struct{}),
		stop:    make(chan struct{}),
		log:     logrus.WithField("component", "cron"),
	}
}

// OnResult registers a callback invoked after every finished run. Must be
// set before Start.
func (s *Scheduler) OnResult(fn func(job database.CronJob, sum RunSummary)) {
	s.onResult = fn
}

func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true

	if err := s.rescheduleAll(); err != nil {
		s.log.WithError(err).Warn("failed to initialize job schedules")
	}

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.wg.Add(1)
	go s.loop()

	s.log.WithFields(logrus.Fields{
		"tick":    s.tick,
		"workers": s.workers,
	}).Info("cron scheduler started")
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
	s.log.Info("cron scheduler stopped")
}

// IsRunning reports whether a run of the job is currently in flight.
func (s *Scheduler) IsRunning(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[jobID]
	return ok
}

// RunNow triggers an immediate run outside the schedule. Returns
// ErrAlreadyRunning if a run is in flight.
func (s *Scheduler) RunNow(ctx context.Context, jobID string) error {
	job, err := s.store.GetCronJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !s.markRunning(job.ID) {
		return ErrAlreadyRunning
	}

	select {
	case s.queue <- job:
		return nil
	default:
		s.unmarkRunning(job.ID)
		return errors.New("cron queue is full")
	}
}

// rescheduleAll fills in next_run_at for enabled jobs missing one at
// startup. A job already due fires on the first tick; fires missed while
// the service was down coalesce into that single run, since dispatch
// always advances the schedule from the current time.
func (s *Scheduler) rescheduleAll() error {
	ctx := context.Background()
	jobs, err := s.store.GetCronJobs(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	for i := range jobs {
		job := &jobs[i]
		if !job.Enabled || job.NextRunAt != nil {
			continue
		}
		next, err := NextRun(job.Schedule, now)
		if err != nil {
			s.log.WithError(err).WithField("job", job.Name).Error("invalid schedule, job will not fire")
			continue
		}
		job.NextRunAt = &next
		job.UpdatedAt = now
		if err := s.store.UpdateCronJob(ctx, job); err != nil {
			s.log.WithError(err).WithField("job", job.Name).Error("failed to persist next run time")
		}
	}
	return nil
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
	jobs, err := s.store.GetCronJobs(ctx)
	if err != nil {
		s.log.WithError(err).Error("failed to list cron jobs")
		return
	}

	now := time.Now()
	for i := range jobs {
		job := &jobs[i]
		if !job.Enabled || job.NextRunAt == nil || job.NextRunAt.After(now) {
			continue
		}

		// Advance the schedule first so an overlapped or dropped fire is
		// skipped rather than retried every tick. The next time always
		// derives from the schedule expression, so per-run latency never
		// accumulates drift.
		next, err := NextRun(job.Schedule, now)
		if err != nil {
			s.log.WithError(err).WithField("job", job.Name).Error("invalid schedule, job will not fire")
			continue
		}
		job.NextRunAt = &next
		job.UpdatedAt = now
		if err := s.store.UpdateCronJob(ctx, job); err != nil {
			s.log.WithError(err).WithField("job", job.Name).Error("failed to persist next run time")
			continue
		}

		if !s.markRunning(job.ID) {
			s.log.WithField("job", job.Name).Warn("previous run still in progress, skipping fire")
			metrics.CronRuns.WithLabelValues("skipped").Inc()
			continue
		}

		select {
		case s.queue <- job:
		default:
			s.unmarkRunning(job.ID)
			s.log.WithField("job", job.Name).Warn("cron queue full, skipping fire")
			metrics.CronRuns.WithLabelValues("skipped").Inc()
		}
	}
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stop:
			return
		case job := <-s.queue:
			s.runJob(job)
		}
	}
}

func (s *Scheduler) runJob(queued *database.CronJob) {
	defer s.unmarkRunning(queued.ID)

	// Re-read between dispatch and execution: a job deleted or disabled
	// while sitting in the queue must not run.
	job, err := s.store.GetCronJob(context.Background(), queued.ID)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			s.log.WithError(err).WithField("job_id", queued.ID).Error("failed to reload queued job")
		}
		return
	}
	if !job.Enabled {
		s.log.WithField("job", job.Name).Debug("job disabled while queued, skipping run")
		return
	}

	started := time.Now()
	result, err := s.runner.Exec(context.Background(), job.ServerID, job.Command, 0, "cron:"+job.Name)

	sum := RunSummary{StartedAt: started}
	switch {
	case err == nil && result.ExitCode == 0:
		sum.Status = StatusSuccess
		sum.ExitCode = result.ExitCode
		sum.Output = result.Output
		sum.DurationMs = result.DurationMs
	case err == nil && result.ExitCode == sshpool.ExitTimeout:
		sum.Status = StatusTimeout
		sum.ExitCode = result.ExitCode
		sum.Output = result.Output
		sum.DurationMs = result.DurationMs
		sum.Error = "command timed out"
	case err == nil:
		sum.Status = StatusError
		sum.ExitCode = result.ExitCode
		sum.Output = result.Output
		sum.DurationMs = result.DurationMs
	default:
		var connErr *executor.ConnectivityError
		if errors.As(err, &connErr) {
			sum.Status = StatusUnreachable
		} else {
			sum.Status = StatusError
		}
		sum.ExitCode = sshpool.ExitUnreachable
		sum.Error = err.Error()
		sum.DurationMs = time.Since(started).Milliseconds()
	}

	metrics.CronRuns.WithLabelValues(sum.Status).Inc()
	s.persistResult(job.ID, sum)

	s.log.WithFields(logrus.Fields{
		"job":         job.Name,
		"status":      sum.Status,
		"exit_code":   sum.ExitCode,
		"duration_ms": sum.DurationMs,
	}).Info("cron run finished")

	if s.onResult != nil {
		s.onResult(*job, sum)
	}
}

// persistResult re-reads the job so concurrent edits between dispatch and
// completion are not clobbered. A job deleted mid-run stays deleted.
func (s *Scheduler) persistResult(jobID string, sum RunSummary) {
	ctx := context.Background()
	job, err := s.store.GetCronJob(ctx, jobID)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			s.log.WithError(err).WithField("job_id", jobID).Error("failed to reload job after run")
		}
		return
	}

	started := sum.StartedAt
	job.LastRunAt = &started
	job.LastStatus = sum.Status
	job.LastOutput = truncate(sum.Output, lastOutputLimit)
	job.LastError = sum.Error
	job.UpdatedAt = time.Now()

	if err := s.store.UpdateCronJob(ctx, job); err != nil {
		s.log.WithError(err).WithField("job", job.Name).Error("failed to persist run result")
	}
}

func (s *Scheduler) markRunning(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[jobID]; ok {
		return false
	}
	s.running[jobID] = struct{}{}
	return true
}

func (s *Scheduler) unmarkRunning(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, jobID)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n... [output truncated]"
}
