package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
tracker:
  base_url: https://tracker.example.com
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Scan.PageWorkers != 3 || cfg.Scan.IssueWorkers != 10 {
		t.Fatalf("expected default pool sizes 3/10, got %d/%d", cfg.Scan.PageWorkers, cfg.Scan.IssueWorkers)
	}
	if cfg.Scan.FlushThreshold != 50 {
		t.Fatalf("expected default flush threshold 50, got %d", cfg.Scan.FlushThreshold)
	}
	if cfg.Scan.MaxPages != 100 {
		t.Fatalf("expected default max pages 100, got %d", cfg.Scan.MaxPages)
	}
	if cfg.Throttle.MaxRetries != 3 || cfg.Throttle.BackoffInitialMs != 250 {
		t.Fatalf("expected default retry knobs, got %+v", cfg.Throttle)
	}
	if cfg.Archive.Provider != "noop" || cfg.Publish.Provider != "noop" {
		t.Fatalf("expected noop providers by default, got %s/%s", cfg.Archive.Provider, cfg.Publish.Provider)
	}
	if cfg.Session.SessionCookies != "MANTIS_STRING_COOKIE" {
		t.Fatalf("expected default session cookie name, got %q", cfg.Session.SessionCookies)
	}
	if got := cfg.RequestTimeout(); got != 30*time.Second {
		t.Fatalf("expected request timeout 30s, got %v", got)
	}
	if got := cfg.LoginTimeout(); got != 300*time.Second {
		t.Fatalf("expected login timeout 300s, got %v", got)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
tracker:
  base_url: https://tracker.example.com
  user_agent: custom-agent
scan:
  page_workers: 5
  issue_workers: 20
  flush_threshold: 25
throttle:
  list_page_rps: 1.5
  max_retries: 5
db:
  dsn: postgres://scanner@localhost/issues
archive:
  provider: local
  base_dir: /var/lib/mantiscan
server:
  enabled: true
  port: 9090
logging:
  development: false
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Tracker.UserAgent != "custom-agent" {
		t.Fatalf("expected user agent override, got %q", cfg.Tracker.UserAgent)
	}
	if cfg.Scan.PageWorkers != 5 || cfg.Scan.IssueWorkers != 20 || cfg.Scan.FlushThreshold != 25 {
		t.Fatalf("expected scan overrides to apply, got %+v", cfg.Scan)
	}
	if cfg.Throttle.ListPageRPS != 1.5 || cfg.Throttle.MaxRetries != 5 {
		t.Fatalf("expected throttle overrides to apply, got %+v", cfg.Throttle)
	}
	if cfg.DB.DSN != "postgres://scanner@localhost/issues" {
		t.Fatalf("expected db dsn override, got %q", cfg.DB.DSN)
	}
	if cfg.Archive.Provider != "local" || cfg.Archive.BaseDir != "/var/lib/mantiscan" {
		t.Fatalf("expected archive overrides to apply, got %+v", cfg.Archive)
	}
	if !cfg.Server.Enabled || cfg.Server.Port != 9090 {
		t.Fatalf("expected server overrides to apply, got %+v", cfg.Server)
	}
	if cfg.Logging.Development {
		t.Fatalf("expected logging.development false")
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("MANTISCAN_TRACKER_BASE_URL", "https://env.example.com")
	t.Setenv("MANTISCAN_SCAN_PAGE_WORKERS", "4")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Tracker.BaseURL != "https://env.example.com" {
		t.Fatalf("expected base url from env, got %q", cfg.Tracker.BaseURL)
	}
	if cfg.Scan.PageWorkers != 4 {
		t.Fatalf("expected page workers from env, got %d", cfg.Scan.PageWorkers)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Tracker: TrackerConfig{BaseURL: "https://tracker.example.com"},
		Scan:    ScanConfig{PageWorkers: 3, IssueWorkers: 10, FlushThreshold: 50},
	}

	tests := []struct {
		name string
		cfg  func() Config
		want string
	}{
		{
			name: "missing base url",
			cfg: func() Config {
				c := base
				c.Tracker.BaseURL = ""
				return c
			},
			want: "tracker.base_url",
		},
		{
			name: "no page workers",
			cfg: func() Config {
				c := base
				c.Scan.PageWorkers = 0
				return c
			},
			want: "scan.page_workers",
		},
		{
			name: "detail pool smaller than page pool",
			cfg: func() Config {
				c := base
				c.Scan.IssueWorkers = 2
				return c
			},
			want: "scan.issue_workers",
		},
		{
			name: "detail pool equal to page pool",
			cfg: func() Config {
				c := base
				c.Scan.IssueWorkers = c.Scan.PageWorkers
				return c
			},
			want: "scan.issue_workers",
		},
		{
			name: "no flush threshold",
			cfg: func() Config {
				c := base
				c.Scan.FlushThreshold = 0
				return c
			},
			want: "scan.flush_threshold",
		},
		{
			name: "gcs archive without bucket",
			cfg: func() Config {
				c := base
				c.Archive.Provider = "gcs"
				return c
			},
			want: "archive.gcs_bucket",
		},
		{
			name: "pubsub without topic",
			cfg: func() Config {
				c := base
				c.Publish.Provider = "pubsub"
				c.Publish.ProjectID = "proj"
				return c
			},
			want: "publish.project_id and publish.topic",
		},
		{
			name: "server enabled without port",
			cfg: func() Config {
				c := base
				c.Server.Enabled = true
				c.Server.Port = 0
				return c
			},
			want: "server.port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg().Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestSessionCookieNames(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want []string
	}{
		{"MANTIS_STRING_COOKIE", []string{"MANTIS_STRING_COOKIE"}},
		{"a, b ,c", []string{"a", "b", "c"}},
		{" , ", []string{}},
	}
	for _, tt := range tests {
		cfg := Config{Session: SessionConfig{SessionCookies: tt.raw}}
		got := cfg.SessionCookieNames()
		if !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("SessionCookieNames(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}
