// Package app initializes and holds long-lived application services,
// acting as a dependency injection container.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/mantiscan/mantiscan/internal/archive"
	archivegcs "github.com/mantiscan/mantiscan/internal/archive/gcs"
	archivelocal "github.com/mantiscan/mantiscan/internal/archive/local"
	archivememory "github.com/mantiscan/mantiscan/internal/archive/memory"
	"github.com/mantiscan/mantiscan/internal/clock/system"
	"github.com/mantiscan/mantiscan/internal/config"
	"github.com/mantiscan/mantiscan/internal/fetch"
	"github.com/mantiscan/mantiscan/internal/id/uuid"
	"github.com/mantiscan/mantiscan/internal/mantis"
	"github.com/mantiscan/mantiscan/internal/metrics"
	"github.com/mantiscan/mantiscan/internal/publish"
	publishmemory "github.com/mantiscan/mantiscan/internal/publish/memory"
	publishpubsub "github.com/mantiscan/mantiscan/internal/publish/pubsub"
	"github.com/mantiscan/mantiscan/internal/scan"
	"github.com/mantiscan/mantiscan/internal/session"
	storememory "github.com/mantiscan/mantiscan/internal/store/memory"
	storepostgres "github.com/mantiscan/mantiscan/internal/store/postgres"
	"github.com/mantiscan/mantiscan/internal/throttle"
)

// App holds all the shared, long-lived services. It is initialized once
// at startup and handed to the commands that need it.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	fetcher   mantis.Fetcher
	sessions  *session.Store
	store     mantis.IssueStore
	archive   mantis.BlobStore
	publisher mantis.Publisher
	clock     mantis.Clock
	ids       mantis.IDGenerator
	throttle  *throttle.Controller
	policy    throttle.RetryPolicy

	closers []func()
}

// New creates and initializes an App from the loaded configuration. It
// fails fast when any critical service cannot be built.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	a := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		ids:    uuid.New(),
	}

	fetcher := fetch.New(fetch.Config{
		UserAgent: cfg.Tracker.UserAgent,
		Timeout:   cfg.RequestTimeout(),
	})
	a.fetcher = fetcher

	loginURL := cfg.Session.LoginURL
	if loginURL == "" {
		loginURL = strings.TrimRight(cfg.Tracker.BaseURL, "/") + "/login_page.php"
	}
	login := session.NewBrowserLogin(session.BrowserLoginConfig{
		LoginURL:           loginURL,
		SessionCookieNames: cfg.SessionCookieNames(),
		Timeout:            cfg.LoginTimeout(),
	}, logger)
	prober := fetch.NewProber(fetcher, cfg.Tracker.BaseURL)

	sessions, err := session.NewStore(session.Config{
		CookieFile: cfg.Session.CookieFile,
		HistoryDir: cfg.Session.HistoryDir,
	}, login, prober, a.clock, logger)
	if err != nil {
		return nil, fmt.Errorf("init session store: %w", err)
	}
	a.sessions = sessions

	if err := a.initStore(ctx); err != nil {
		return nil, err
	}
	if err := a.initArchive(ctx); err != nil {
		return nil, err
	}
	if err := a.initPublisher(ctx); err != nil {
		return nil, err
	}

	a.throttle = throttle.New(throttle.Config{
		Classes: map[mantis.RequestClass]throttle.ClassConfig{
			mantis.ClassListPage: {
				RPS:         cfg.Throttle.ListPageRPS,
				Burst:       1,
				MaxInFlight: cfg.Throttle.ListPageWorkers,
			},
			mantis.ClassIssueDetail: {
				RPS:         cfg.Throttle.IssueDetailRPS,
				Burst:       1,
				MaxInFlight: cfg.Throttle.IssueDetailMax,
			},
		},
	})
	a.policy = throttle.RetryPolicy{
		MaxAttempts: cfg.Throttle.MaxRetries,
		BaseDelay:   time.Duration(cfg.Throttle.BackoffInitialMs) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.Throttle.BackoffMaxMs) * time.Millisecond,
	}

	logger.Info("application services initialized",
		zap.String("tracker", cfg.Tracker.BaseURL),
		zap.String("archive", cfg.Archive.Provider),
		zap.String("publish", cfg.Publish.Provider))
	return a, nil
}

func (a *App) initStore(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("db.dsn not set; issue records will be kept in memory only")
		a.store = storememory.NewIssueStore()
		return nil
	}
	pg, err := storepostgres.NewIssueStore(ctx, storepostgres.IssueStoreConfig{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: time.Duration(a.cfg.DB.ConnLifetimeMin) * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("init issue store: %w", err)
	}
	a.store = pg
	a.closers = append(a.closers, pg.Close)
	return nil
}

func (a *App) initArchive(ctx context.Context) error {
	switch a.cfg.Archive.Provider {
	case "local":
		store, err := archivelocal.New(archivelocal.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return fmt.Errorf("init local archive: %w", err)
		}
		a.archive = store
	case "gcs":
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("init gcs client: %w", err)
		}
		store, err := archivegcs.New(client, archivegcs.Config{Bucket: a.cfg.Archive.GCSBucket})
		if err != nil {
			return fmt.Errorf("init gcs archive: %w", err)
		}
		a.archive = store
		a.closers = append(a.closers, func() { _ = client.Close() })
	case "memory":
		a.archive = archivememory.NewBlobStore()
	case "noop", "":
		a.archive = archive.Noop{}
	default:
		return fmt.Errorf("unknown archive provider: %s", a.cfg.Archive.Provider)
	}
	return nil
}

func (a *App) initPublisher(ctx context.Context) error {
	switch a.cfg.Publish.Provider {
	case "pubsub":
		client, err := pubsub.NewClient(ctx, a.cfg.Publish.ProjectID)
		if err != nil {
			return fmt.Errorf("init pubsub client: %w", err)
		}
		pub, err := publishpubsub.New(client)
		if err != nil {
			return fmt.Errorf("init pubsub publisher: %w", err)
		}
		a.publisher = pub
		a.closers = append(a.closers, func() { _ = client.Close() })
	case "memory":
		a.publisher = publishmemory.New()
	case "noop", "":
		a.publisher = publish.Noop{}
	default:
		return fmt.Errorf("unknown publish provider: %s", a.cfg.Publish.Provider)
	}
	return nil
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Sessions returns the session store.
func (a *App) Sessions() *session.Store {
	return a.sessions
}

// Fetcher returns the shared tracker fetcher.
func (a *App) Fetcher() mantis.Fetcher {
	return a.fetcher
}

// Throttle returns the shared pacing controller.
func (a *App) Throttle() *throttle.Controller {
	return a.throttle
}

// Policy returns the retry policy built from configuration.
func (a *App) Policy() throttle.RetryPolicy {
	return a.policy
}

// Orchestrator builds a scan orchestrator for the given mode and
// optional project filter.
func (a *App) Orchestrator(mode mantis.ScanMode, projects []string) *scan.Orchestrator {
	return scan.New(
		a.fetcher,
		a.sessions,
		a.store,
		a.archive,
		a.publisher,
		a.clock,
		a.ids,
		a.throttle,
		a.policy,
		scan.Config{
			BaseURL:            a.cfg.Tracker.BaseURL,
			Mode:               mode,
			Projects:           projects,
			PageWorkers:        a.cfg.Scan.PageWorkers,
			IssueWorkers:       a.cfg.Scan.IssueWorkers,
			MaxPages:           a.cfg.Scan.MaxPages,
			FlushThreshold:     a.cfg.Scan.FlushThreshold,
			ProjectParallel:    a.cfg.Scan.ProjectParallel,
			ReferenceBacklog:   a.cfg.Scan.ReferenceBacklog,
			ArchivePrefix:      a.cfg.Archive.Prefix,
			ArchiveContentType: a.cfg.Archive.ContentType,
			PublishTopic:       a.cfg.Publish.Topic,
		},
		a.logger,
	)
}

// Close gracefully shuts down all services in reverse creation order.
func (a *App) Close() {
	a.logger.Info("shutting down application services")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	_ = a.logger.Sync()
}
