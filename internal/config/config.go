// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server          ServerConfig       `yaml:"server"`
	Database        DatabaseConfig     `yaml:"database"`
	Auth            AuthConfig         `yaml:"auth"`
	SSH             SSHConfig          `yaml:"ssh"`
	Cron            CronConfig         `yaml:"cron"`
	Monitoring      MonitoringConfig   `yaml:"monitoring"`
	Collector       CollectorConfig    `yaml:"metrics_collector"`
	Alerting        AlertingConfig     `yaml:"alerting"`
	Notifications   NotificationConfig `yaml:"notifications"`
	DatabaseTargets []TargetConfig     `yaml:"database_targets"`
	Prometheus      PrometheusConfig   `yaml:"prometheus"`
	Logging         LoggingConfig      `yaml:"logging"`
}

type ServerConfig struct {
	Port         string        `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	CORSOrigins  []string      `yaml:"cors_origins"`
}

type DatabaseConfig struct {
	Path             string        `yaml:"path"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
	HistoryRetention time.Duration `yaml:"history_retention"`
}

type AuthConfig struct {
	AdminUsername    string        `yaml:"admin_username"`
	AdminPassword    string        `yaml:"admin_password"` // plaintext or bcrypt hash
	AdminDisplayName string        `yaml:"admin_display_name"`
	AdminRole        string        `yaml:"admin_role"`
	JWTSecret        string        `yaml:"jwt_secret"`
	AccessTokenTTL   time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL  time.Duration `yaml:"refresh_token_ttl"`
}

type SSHConfig struct {
	EncryptionKey     string        `yaml:"encryption_key"` // 64 hex chars (AES-256)
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`
	DefaultExecTime   time.Duration `yaml:"default_exec_timeout"`
}

type CronConfig struct {
	Tick    time.Duration `yaml:"tick"`
	Workers int           `yaml:"workers"`
}

type MonitoringConfig struct {
	Workers            int           `yaml:"workers"`
	FailureThreshold   int           `yaml:"failure_threshold"`
	DefaultInterval    time.Duration `yaml:"default_interval"`
	DefaultTimeout     time.Duration `yaml:"default_timeout"`
	SSLWarningDays     int           `yaml:"ssl_warning_days"`
	SSLRefreshInterval time.Duration `yaml:"ssl_refresh_interval"`
}

type CollectorConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

type AlertingConfig struct {
	QueueSize int `yaml:"queue_size"`
}

type NotificationConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Throttle ThrottleConfig `yaml:"throttle"`
}

type WebhookConfig struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url"`
	Secret  string        `yaml:"secret"`
	Timeout time.Duration `yaml:"timeout"`
}

type ThrottleConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Window     time.Duration `yaml:"window"`
	MaxPerRule int           `yaml:"max_per_rule"`
	MaxTotal   int           `yaml:"max_total"`
}

// TargetConfig names an external database reachable through the read-only
// query interface.
type TargetConfig struct {
	Name   string `yaml:"name"`
	Driver string `yaml:"driver"` // postgres, mysql, sqlserver, sqlite
	DSN    string `yaml:"dsn"`
}

type PrometheusConfig struct {
	Enabled     bool   `yaml:"enabled"`
	MetricsPath string `yaml:"metrics_path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Load(filename string) (*Config, error) {
	config, err := loadConfigFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	applyEnv(config)
	setDefaults(config)

	if err := validate(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func loadConfigFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	return &config, nil
}

// applyEnv lets secrets come from the environment instead of the config
// file. Environment values win over file values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("BASTION_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("BASTION_ENCRYPTION_KEY"); v != "" {
		cfg.SSH.EncryptionKey = v
	}
	if v := os.Getenv("BASTION_ADMIN_PASSWORD"); v != "" {
		cfg.Auth.AdminPassword = v
	}
	if v := os.Getenv("BASTION_PORT"); v != "" {
		cfg.Server.Port = v
	}
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = ":8097"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = "./data/bastion.db"
	}
	if cfg.Database.CleanupInterval == 0 {
		cfg.Database.CleanupInterval = time.Hour
	}
	if cfg.Database.HistoryRetention == 0 {
		cfg.Database.HistoryRetention = 30 * 24 * time.Hour
	}

	if cfg.Auth.AdminUsername == "" {
		cfg.Auth.AdminUsername = "admin"
	}
	if cfg.Auth.AdminDisplayName == "" {
		cfg.Auth.AdminDisplayName = cfg.Auth.AdminUsername
	}
	if cfg.Auth.AdminRole == "" {
		cfg.Auth.AdminRole = "admin"
	}
	if cfg.Auth.AccessTokenTTL == 0 {
		cfg.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if cfg.Auth.RefreshTokenTTL == 0 {
		cfg.Auth.RefreshTokenTTL = 7 * 24 * time.Hour
	}

	if cfg.SSH.ConnectTimeout == 0 {
		cfg.SSH.ConnectTimeout = 10 * time.Second
	}
	if cfg.SSH.IdleTimeout == 0 {
		cfg.SSH.IdleTimeout = 10 * time.Minute
	}
	if cfg.SSH.KeepAliveInterval == 0 {
		cfg.SSH.KeepAliveInterval = 30 * time.Second
	}
	if cfg.SSH.DefaultExecTime == 0 {
		cfg.SSH.DefaultExecTime = 60 * time.Second
	}

	if cfg.Cron.Tick == 0 {
		cfg.Cron.Tick = time.Second
	}
	if cfg.Cron.Workers == 0 {
		cfg.Cron.Workers = 4
	}

	if cfg.Monitoring.Workers == 0 {
		cfg.Monitoring.Workers = 4
	}
	if cfg.Monitoring.FailureThreshold == 0 {
		cfg.Monitoring.FailureThreshold = 1
	}
	if cfg.Monitoring.DefaultInterval == 0 {
		cfg.Monitoring.DefaultInterval = 60 * time.Second
	}
	if cfg.Monitoring.DefaultTimeout == 0 {
		cfg.Monitoring.DefaultTimeout = 5 * time.Second
	}
	if cfg.Monitoring.SSLWarningDays == 0 {
		cfg.Monitoring.SSLWarningDays = 14
	}
	if cfg.Monitoring.SSLRefreshInterval == 0 {
		cfg.Monitoring.SSLRefreshInterval = 6 * time.Hour
	}

	if cfg.Collector.Interval == 0 {
		cfg.Collector.Interval = 60 * time.Second
	}

	if cfg.Alerting.QueueSize == 0 {
		cfg.Alerting.QueueSize = 256
	}

	if cfg.Notifications.Webhook.Timeout == 0 {
		cfg.Notifications.Webhook.Timeout = 10 * time.Second
	}
	if cfg.Notifications.Throttle.Window == 0 {
		cfg.Notifications.Throttle.Window = 15 * time.Minute
	}
	if cfg.Notifications.Throttle.MaxPerRule == 0 {
		cfg.Notifications.Throttle.MaxPerRule = 5
	}
	if cfg.Notifications.Throttle.MaxTotal == 0 {
		cfg.Notifications.Throttle.MaxTotal = 20
	}

	if cfg.Prometheus.MetricsPath == "" {
		cfg.Prometheus.MetricsPath = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

func validate(cfg *Config) error {
	if cfg.Database.Path == "" {
		return fmt.Errorf("database.path cannot be empty")
	}
	if cfg.Database.HistoryRetention < time.Hour {
		return fmt.Errorf("database.history_retention must be at least 1h")
	}

	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required (or BASTION_JWT_SECRET)")
	}
	if cfg.Auth.AdminPassword == "" {
		return fmt.Errorf("auth.admin_password is required (or BASTION_ADMIN_PASSWORD)")
	}

	if cfg.Cron.Workers < 1 {
		return fmt.Errorf("cron.workers must be at least 1")
	}
	if cfg.Monitoring.Workers < 1 {
		return fmt.Errorf("monitoring.workers must be at least 1")
	}
	if cfg.Monitoring.FailureThreshold < 1 {
		return fmt.Errorf("monitoring.failure_threshold must be at least 1")
	}

	if cfg.Notifications.Webhook.Enabled && !isValidURL(cfg.Notifications.Webhook.URL) {
		return fmt.Errorf("notifications.webhook.url must be a valid http(s) URL")
	}

	seen := make(map[string]bool)
	for _, t := range cfg.DatabaseTargets {
		if t.Name == "" {
			return fmt.Errorf("database_targets entries require a name")
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate database target name: %s", t.Name)
		}
		seen[t.Name] = true
		switch t.Driver {
		case "postgres", "mysql", "sqlserver", "sqlite":
		default:
			return fmt.Errorf("database target %q has unsupported driver %q", t.Name, t.Driver)
		}
		if t.DSN == "" {
			return fmt.Errorf("database target %q requires a dsn", t.Name)
		}
	}

	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}

	return nil
}

func isValidURL(str string) bool {
	return len(str) > 7 && (str[:7] == "http://" || (len(str) > 8 && str[:8] == "https://"))
}
