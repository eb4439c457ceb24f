// internal/monitoring/ssl.go
package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"bastion/internal/database"
)

// SSLRefresher keeps the certificate registry's expiry data current on a
// slow loop. Failures leave the stored values untouched.
type SSLRefresher struct {
	store    database.Store
	prober   *Prober
	interval time.Duration

	stop chan struct{}
	wg   sync.WaitGroup
	log  *logrus.Entry
}

func NewSSLRefresher(store database.Store, prober *Prober, interval time.Duration) *SSLRefresher {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return &SSLRefresher{
		store:    store,
		prober:   prober,
		interval: interval,
		stop:     make(chan struct{}),
		log:      logrus.WithField("component", "ssl-refresher"),
	}
}

func (r *SSLRefresher) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		r.RefreshAll(context.Background())

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				r.RefreshAll(context.Background())
			}
		}
	}()
}

func (r *SSLRefresher) Stop() {
	close(r.stop)
	r.wg.Wait()
}

// RefreshAll re-checks every registered certificate.
func (r *SSLRefresher) RefreshAll(ctx context.Context) {
	certs, err := r.store.GetSSLCerts(ctx)
	if err != nil {
		r.log.WithError(err).Error("failed to list ssl certs")
		return
	}

	for i := range certs {
		cert := &certs[i]
		if err := r.Refresh(ctx, cert); err != nil {
			r.log.WithError(err).WithField("domain", cert.Domain).Warn("certificate check failed")
		}
	}
}

// Refresh re-checks one certificate and persists the result.
func (r *SSLRefresher) Refresh(ctx context.Context, cert *database.SSLCert) error {
	checkCtx, cancel := context.WithTimeout(ctx, defaultProbeTimeout)
	defer cancel()

	info, err := r.prober.CheckCertificate(checkCtx, cert.Domain)
	now := time.Now()
	cert.LastCheckedAt = &now
	if err == nil {
		cert.Issuer = info.Issuer
		cert.NotAfter = info.NotAfter
		cert.DaysRemaining = info.DaysRemaining
	}

	if updateErr := r.store.UpdateSSLCert(ctx, cert); updateErr != nil {
		r.log.WithError(updateErr).WithField("domain", cert.Domain).Error("failed to persist certificate state")
	}
	return err
}
