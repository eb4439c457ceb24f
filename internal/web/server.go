// internal/web/server.go
package web

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
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
)

const principalKey = "principal"

// Deps carries everything the API layer serves. All fields are required
// except Proxy, which may be nil when no database targets are configured.
type Deps struct {
	Config    *config.Config
	Store     database.Store
	Auth      *auth.Service
	Encryptor *crypto.Encryptor
	Executor  *executor.Executor
	Collector *collector.Collector
	Cron      *cron.Scheduler
	Prober    *monitoring.Prober
	Refresher *monitoring.SSLRefresher
	Engine    *alerting.Engine
	Proxy     *dbproxy.Proxy
	Audit     *audit.Recorder
	Metrics   *metrics.Collector
	Hub       *Hub
}

type Server struct {
	cfg       *config.Config
	store     database.Store
	auth      *auth.Service
	enc       *crypto.Encryptor
	exec      *executor.Executor
	collector *collector.Collector
	cron      *cron.Scheduler
	prober    *monitoring.Prober
	refresher *monitoring.SSLRefresher
	engine    *alerting.Engine
	proxy     *dbproxy.Proxy
	audit     *audit.Recorder
	metrics   *metrics.Collector
	hub       *Hub

	router    *gin.Engine
	server    *http.Server
	startedAt time.Time
}

func NewServer(deps Deps) *Server {
	if deps.Config.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:       deps.Config,
		store:     deps.Store,
		auth:      deps.Auth,
		enc:       deps.Encryptor,
		exec:      deps.Executor,
		collector: deps.Collector,
		cron:      deps.Cron,
		prober:    deps.Prober,
		refresher: deps.Refresher,
		engine:    deps.Engine,
		proxy:     deps.Proxy,
		audit:     deps.Audit,
		metrics:   deps.Metrics,
		hub:       deps.Hub,
		router:    router,
		startedAt: time.Now(),
	}

	router.Use(s.requestLogger())
	router.Use(s.corsMiddleware())
	router.Use(securityHeaders())

	s.setupRoutes()
	return s
}

func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.cfg.Server.Port,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	logrus.WithField("port", s.cfg.Server.Port).Info("Starting web server")

	go s.updateMetricsRoutine(ctx)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("Failed to start server")
		}
	}()

	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.hub.Close()
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Router exposes the handler tree for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api")

	// Unauthenticated surface: health and the token endpoints.
	api.GET("/health", s.health)
	api.POST("/auth/login", s.login)
	api.POST("/auth/refresh", s.refresh)

	authed := api.Group("")
	authed.Use(s.authRequired())
	{
		authed.GET("/auth/me", s.me)
		authed.PUT("/auth/password", s.changePassword)

		authed.GET("/dashboard/overview", s.dashboardOverview)
		authed.GET("/system/stats", s.systemStats)
		authed.GET("/audit", s.listAudit)
		authed.GET("/ws", s.handleWebSocket)

		authed.POST("/servers", s.createServer)
		authed.GET("/servers", s.listServers)
		authed.POST("/servers/import", s.importServers)
		authed.GET("/servers/:id", s.getServer)
		authed.PUT("/servers/:id", s.updateServer)
		authed.DELETE("/servers/:id", s.deleteServer)
		authed.POST("/servers/:id/test", s.testServer)
		authed.POST("/servers/:id/exec", s.execCommand)
		authed.GET("/servers/:id/history", s.commandHistory)
		authed.GET("/servers/:id/metrics", s.serverMetrics)
		authed.GET("/servers/:id/metrics/live", s.serverMetricsLive)
		authed.GET("/servers/:id/terminal", s.handleTerminal)
		authed.GET("/servers/:id/files", s.listFiles)
		authed.GET("/servers/:id/files/content", s.readFile)
		authed.PUT("/servers/:id/files/content", s.writeFile)
		authed.GET("/servers/:id/processes", s.listProcesses)
		authed.GET("/servers/:id/services", s.listServices)

		authed.GET("/commands/favorites", s.listFavoriteCommands)
		authed.POST("/commands/favorites/:id", s.toggleFavoriteCommand)
		authed.DELETE("/commands/favorites/:id", s.removeFavoriteCommand)

		authed.POST("/servers/:id/crons", s.createCron)
		authed.GET("/servers/:id/crons", s.listServerCrons)
		authed.GET("/crons/:id", s.getCron)
		authed.PUT("/crons/:id", s.updateCron)
		authed.DELETE("/crons/:id", s.deleteCron)
		authed.POST("/crons/:id/run", s.runCron)
		authed.POST("/crons/:id/toggle", s.toggleCron)
		authed.GET("/crons/:id/logs", s.cronLogs)

		// The ssl registry routes must precede /monitors/:id so "ssl"
		// is never taken as a monitor id.
		authed.GET("/monitors/ssl", s.listSSLCerts)
		authed.POST("/monitors/ssl", s.createSSLCert)
		authed.DELETE("/monitors/ssl/:id", s.deleteSSLCert)
		authed.POST("/monitors/ssl/check", s.checkSSLCert)
		authed.POST("/monitors", s.createMonitor)
		authed.GET("/monitors", s.listMonitors)
		authed.GET("/monitors/:id", s.getMonitor)
		authed.DELETE("/monitors/:id", s.deleteMonitor)
		authed.POST("/monitors/:id/toggle", s.toggleMonitor)
		authed.GET("/monitors/:id/pings", s.monitorPings)

		authed.POST("/alerts/rules", s.createAlertRule)
		authed.GET("/alerts/rules", s.listAlertRules)
		authed.PUT("/alerts/rules/:id", s.updateAlertRule)
		authed.DELETE("/alerts/rules/:id", s.deleteAlertRule)
		authed.GET("/alerts", s.listAlerts)
		authed.POST("/alerts/:id/acknowledge", s.acknowledgeAlert)
		authed.POST("/alerts/:id/resolve", s.resolveAlert)

		authed.GET("/database/targets", s.listDatabaseTargets)
		authed.GET("/database/:target/tables", s.listDatabaseTables)
		authed.GET("/database/:target/tables/:name/rows", s.databaseTableRows)
		authed.POST("/database/:target/query", s.databaseQuery)
		authed.GET("/database/:target/stats", s.databaseStats)
	}

	if s.cfg.Prometheus.Enabled {
		s.router.GET(s.cfg.Prometheus.MetricsPath, gin.WrapH(promhttp.Handler()))
	}
}

// authRequired validates the access token on every protected route. The
// browser websocket API cannot set headers, so ws routes may carry the
// token as a query parameter instead.
func (s *Server) authRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			token = c.Query("token")
		}
		if token == "" {
			respondError(c, http.StatusUnauthorized, "Authentication required")
			c.Abort()
			return
		}

		principal, err := s.auth.Verify(token)
		if err != nil {
			respondError(c, http.StatusUnauthorized, "Invalid or expired token")
			c.Abort()
			return
		}

		c.Set(principalKey, principal)
		c.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}

// actor returns the authenticated username for audit entries.
func actor(c *gin.Context) string {
	if v, ok := c.Get(principalKey); ok {
		if p, ok := v.(*auth.Principal); ok {
			return p.Username
		}
	}
	return "unknown"
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/api/health" || c.Request.URL.Path == s.cfg.Prometheus.MetricsPath {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		entry := logrus.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
			"client":   c.ClientIP(),
		})
		if c.Writer.Status() >= 500 {
			entry.Error("request failed")
		} else {
			entry.Info("request")
		}
	}
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	allowed := s.cfg.Server.CORSOrigins

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" {
			if len(allowed) == 0 {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				for _, a := range allowed {
					if a == origin || a == "*" {
						c.Header("Access-Control-Allow-Origin", origin)
						break
					}
				}
			}
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
			c.Header("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Next()
	}
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.WithError(err).Error("Failed to upgrade websocket")
		return
	}
	s.hub.register(conn)
}

func (s *Server) updateMetricsRoutine(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.metrics.UpdateSystemMetrics(ctx); err != nil {
				logrus.WithError(err).Error("Failed to update system metrics")
			}
		}
	}
}
