// internal/database/retention.go
package database

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Sweeper prunes old time-series data on a fixed interval. The audit bucket
// is never touched; only history, pings and metrics samples age out.
type Sweeper struct {
	store     Store
	interval  time.Duration
	retention time.Duration

	stop chan struct{}
	wg   sync.WaitGroup
	log  *logrus.Entry
}

func NewSweeper(store Store, interval, retention time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &Sweeper{
		store:     store,
		interval:  interval,
		retention: retention,
		stop:      make(chan struct{}),
		log:       logrus.WithField("component", "retention"),
	}
}

func (s *Sweeper) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.Sweep(context.Background())
			}
		}
	}()
	s.log.WithFields(logrus.Fields{
		"interval":  s.interval,
		"retention": s.retention,
	}).Info("retention sweeper started")
}

func (s *Sweeper) Stop() {
	close(s.stop)
	s.wg.Wait()
	s.log.Info("retention sweeper stopped")
}

// Sweep runs one pruning pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.retention)

	history, err := s.store.DeleteHistoryBefore(ctx, cutoff)
	if err != nil {
		s.log.WithError(err).Error("failed to prune command history")
	}
	pings, err := s.store.DeletePingsBefore(ctx, cutoff)
	if err != nil {
		s.log.WithError(err).Error("failed to prune monitor pings")
	}
	samples, err := s.store.DeleteMetricsBefore(ctx, cutoff)
	if err != nil {
		s.log.WithError(err).Error("failed to prune metrics samples")
	}

	if history+pings+samples > 0 {
		s.log.WithFields(logrus.Fields{
			"history": history,
			"pings":   pings,
			"metrics": samples,
		}).Info("pruned expired records")
	}
}
