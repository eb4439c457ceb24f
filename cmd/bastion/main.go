// cmd/bastion/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"bastion/internal/alerting"
	"bastion/internal/audit"
	"bastion/internal/auth"
	"bastion/internal/collector"
	"bastion/internal/config"
	"bastion/internal/cron"
	"bastion/internal/crypto"
	"bastion/internal/database"
	"bastion/internal/dbproxy"
	"bastion/internal/executor"
	"bastion/internal/metrics"
	"bastion/internal/monitoring"
	"bastion/internal/notifications"
	"bastion/internal/sshpool"
	"bastion/internal/web"
)

func main() {
	configFile := flag.String("config", "config.yaml", "Configuration file path")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("Bastion %s (commit %s, built %s)\n", web.Version, web.GitCommit, web.BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	setupLogging(cfg.Logging)

	logrus.WithFields(logrus.Fields{
		"config_file": *configFile,
		"port":        cfg.Server.Port,
		"version":     web.Version,
	}).Info("Starting bastion")

	store, err := database.NewBoltStore(cfg.Database.Path)
	if err != nil {
		logrus.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()

	enc, err := buildEncryptor(cfg.SSH.EncryptionKey)
	if err != nil {
		logrus.Fatalf("Failed to initialize encryption: %v", err)
	}

	authService, err := auth.NewService(cfg.Auth, store)
	if err != nil {
		logrus.Fatalf("Failed to initialize auth: %v", err)
	}

	recorder := audit.NewRecorder(store)
	metricsCollector := metrics.NewCollector(store)

	dialer := sshpool.NewDialer(cfg.SSH.ConnectTimeout)
	pool := sshpool.NewPool(dialer, cfg.SSH.IdleTimeout, cfg.SSH.KeepAliveInterval)
	exec := executor.New(store, pool, dialer, enc, recorder, cfg.SSH.DefaultExecTime)

	hub := web.NewHub()
	dispatcher := notifications.NewDispatcher(cfg.Notifications, hub)

	engine := alerting.NewEngine(store, dispatcher, cfg.Alerting.QueueSize)
	if err := engine.Start(); err != nil {
		logrus.Fatalf("Failed to start alert engine: %v", err)
	}

	prober := monitoring.NewProber(cfg.Monitoring.SSLWarningDays)
	monitorSched := monitoring.NewScheduler(store, prober, time.Second,
		cfg.Monitoring.Workers, cfg.Monitoring.DefaultInterval, cfg.Monitoring.FailureThreshold)
	monitorSched.OnTransition(func(t monitoring.Transition) {
		engine.SubmitTransition(t)
		hub.BroadcastEvent("monitor_state", t)
	})
	if err := monitorSched.Start(); err != nil {
		logrus.Fatalf("Failed to start monitor scheduler: %v", err)
	}

	refresher := monitoring.NewSSLRefresher(store, prober, cfg.Monitoring.SSLRefreshInterval)
	refresher.Start()

	cronSched := cron.NewScheduler(store, exec, cfg.Cron.Tick, cfg.Cron.Workers)
	cronSched.OnResult(func(job database.CronJob, sum cron.RunSummary) {
		hub.BroadcastEvent("cron_run", map[string]interface{}{
			"job_id":   job.ID,
			"job_name": job.Name,
			"summary":  sum,
		})
		if job.NotifyOnFailure && sum.Status != cron.StatusSuccess {
			dispatcher.Dispatch(context.Background(), notifications.Event{
				Type:    notifications.TypeCronFailure,
				Title:   fmt.Sprintf("Cron job %q failed", job.Name),
				Message: fmt.Sprintf("status=%s exit_code=%d %s", sum.Status, sum.ExitCode, sum.Error),
				Target:  job.ID,
				Channel: notifications.ChannelDashboard,
			})
		}
	})
	if err := cronSched.Start(); err != nil {
		logrus.Fatalf("Failed to start cron scheduler: %v", err)
	}

	// Built even when disabled: the live metrics endpoint uses it on demand.
	metricsCol := collector.New(store, exec, engine, hub, cfg.Collector.Interval)
	if cfg.Collector.Enabled {
		metricsCol.Start()
	}

	sweeper := database.NewSweeper(store, cfg.Database.CleanupInterval, cfg.Database.HistoryRetention)
	sweeper.Start()

	var proxy *dbproxy.Proxy
	if len(cfg.DatabaseTargets) > 0 {
		proxy = dbproxy.New(cfg.DatabaseTargets)
		defer proxy.Close()
	}

	webServer := web.NewServer(web.Deps{
		Config:    cfg,
		Store:     store,
		Auth:      authService,
		Encryptor: enc,
		Executor:  exec,
		Collector: metricsCol,
		Cron:      cronSched,
		Prober:    prober,
		Refresher: refresher,
		Engine:    engine,
		Proxy:     proxy,
		Audit:     recorder,
		Metrics:   metricsCollector,
		Hub:       hub,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := webServer.Start(ctx); err != nil {
		logrus.Fatalf("Failed to start web server: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logrus.WithField("signal", sig).Info("Received shutdown signal")

	// Stop the outer surface first, then the loops that feed it, then the
	// connections underneath.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := webServer.Stop(shutdownCtx); err != nil {
		logrus.WithError(err).Error("Web server shutdown failed")
	}
	cancel()

	if cfg.Collector.Enabled {
		metricsCol.Stop()
	}
	cronSched.Stop()
	monitorSched.Stop()
	refresher.Stop()
	engine.Stop()
	sweeper.Stop()
	pool.CloseAll()

	logrus.Info("Shutdown complete")
}

// buildEncryptor prefers a configured key; without one credentials are
// encrypted with an ephemeral key and will not survive a restart.
func buildEncryptor(hexKey string) (*crypto.Encryptor, error) {
	if hexKey != "" {
		return crypto.NewEncryptor(hexKey)
	}
	logrus.Warn("No ssh.encryption_key configured; using an ephemeral key — stored credentials will NOT survive a restart")
	return crypto.NewEphemeralEncryptor()
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if cfg.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
}
