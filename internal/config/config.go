// Package config loads and validates scanner configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Tracker  TrackerConfig  `mapstructure:"tracker"`
	Session  SessionConfig  `mapstructure:"session"`
	Scan     ScanConfig     `mapstructure:"scan"`
	Throttle ThrottleConfig `mapstructure:"throttle"`
	DB       DBConfig       `mapstructure:"db"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Publish  PublishConfig  `mapstructure:"publish"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// TrackerConfig points at the remote issue tracker.
type TrackerConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// SessionConfig controls the cookie store and login collaborator.
type SessionConfig struct {
	CookieFile     string `mapstructure:"cookie_file"`
	HistoryDir     string `mapstructure:"history_dir"`
	LoginURL       string `mapstructure:"login_url"`
	LoginTimeoutS  int    `mapstructure:"login_timeout_seconds"`
	SessionCookies string `mapstructure:"session_cookie_names"`
}

// ScanConfig governs pool sizes and batching.
type ScanConfig struct {
	PageWorkers      int `mapstructure:"page_workers"`
	IssueWorkers     int `mapstructure:"issue_workers"`
	MaxPages         int `mapstructure:"max_pages"`
	FlushThreshold   int `mapstructure:"flush_threshold"`
	ProjectParallel  int `mapstructure:"project_parallelism"`
	ReferenceBacklog int `mapstructure:"reference_backlog"`
	IntervalSeconds  int `mapstructure:"interval_seconds"`
}

// ThrottleConfig holds per-class pacing and retry knobs.
type ThrottleConfig struct {
	ListPageRPS      float64 `mapstructure:"list_page_rps"`
	ListPageWorkers  int     `mapstructure:"list_page_workers"`
	IssueDetailRPS   float64 `mapstructure:"issue_detail_rps"`
	IssueDetailMax   int     `mapstructure:"issue_detail_workers"`
	MaxRetries       int     `mapstructure:"max_retries"`
	BackoffInitialMs int     `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int     `mapstructure:"backoff_max_ms"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int32  `mapstructure:"max_conns"`
	MinConns        int32  `mapstructure:"min_conns"`
	ConnLifetimeMin int    `mapstructure:"conn_lifetime_minutes"`
}

// ArchiveConfig selects the raw page archive backend.
type ArchiveConfig struct {
	Provider    string `mapstructure:"provider"`
	BaseDir     string `mapstructure:"base_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PublishConfig selects the summary publisher backend.
type PublishConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ServerConfig controls the status/metrics HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig toggles zap development features and file rotation.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MANTISCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Empty defaults register the keys so AutomaticEnv can fill them.
	v.SetDefault("tracker.base_url", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("session.login_url", "")
	v.SetDefault("archive.base_dir", "")
	v.SetDefault("archive.gcs_bucket", "")
	v.SetDefault("publish.project_id", "")
	v.SetDefault("publish.topic", "")
	v.SetDefault("logging.file", "")
	v.SetDefault("tracker.user_agent", "mantiscan/0.1")
	v.SetDefault("tracker.timeout_seconds", 30)
	v.SetDefault("session.cookie_file", "cookies.json")
	v.SetDefault("session.history_dir", "session_history")
	v.SetDefault("session.login_timeout_seconds", 300)
	v.SetDefault("session.session_cookie_names", "MANTIS_STRING_COOKIE")
	v.SetDefault("scan.page_workers", 3)
	v.SetDefault("scan.issue_workers", 10)
	v.SetDefault("scan.max_pages", 100)
	v.SetDefault("scan.flush_threshold", 50)
	v.SetDefault("scan.project_parallelism", 1)
	v.SetDefault("scan.reference_backlog", 256)
	v.SetDefault("throttle.list_page_rps", 2)
	v.SetDefault("throttle.list_page_workers", 3)
	v.SetDefault("throttle.issue_detail_rps", 10)
	v.SetDefault("throttle.issue_detail_workers", 10)
	v.SetDefault("throttle.max_retries", 3)
	v.SetDefault("throttle.backoff_initial_ms", 250)
	v.SetDefault("throttle.backoff_max_ms", 5000)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("archive.provider", "noop")
	v.SetDefault("archive.prefix", "issues")
	v.SetDefault("archive.content_type", "text/html; charset=utf-8")
	v.SetDefault("publish.provider", "noop")
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 5)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Tracker.BaseURL == "" {
		return fmt.Errorf("tracker.base_url is required")
	}
	if c.Scan.PageWorkers <= 0 {
		return fmt.Errorf("scan.page_workers must be > 0")
	}
	if c.Scan.IssueWorkers <= c.Scan.PageWorkers {
		return fmt.Errorf("scan.issue_workers must be greater than scan.page_workers")
	}
	if c.Scan.FlushThreshold <= 0 {
		return fmt.Errorf("scan.flush_threshold must be > 0")
	}
	if c.Throttle.MaxRetries < 0 {
		return fmt.Errorf("throttle.max_retries must be >= 0")
	}
	if c.Archive.Provider == "gcs" && c.Archive.GCSBucket == "" {
		return fmt.Errorf("archive.gcs_bucket must be set when archive.provider is gcs")
	}
	if c.Publish.Provider == "pubsub" && (c.Publish.ProjectID == "" || c.Publish.Topic == "") {
		return fmt.Errorf("publish.project_id and publish.topic must be set when publish.provider is pubsub")
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	return nil
}

// RequestTimeout converts the tracker timeout into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Tracker.TimeoutSeconds) * time.Second
}

// LoginTimeout converts the login collaborator timeout into a duration.
func (c Config) LoginTimeout() time.Duration {
	return time.Duration(c.Session.LoginTimeoutS) * time.Second
}

// SessionCookieNames returns the comma-separated auth cookie names as a slice.
func (c Config) SessionCookieNames() []string {
	parts := strings.Split(c.Session.SessionCookies, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
