// Package session owns the authenticated credential bundle shared by all
// scan workers.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mantiscan/mantiscan/internal/mantis"
	"github.com/mantiscan/mantiscan/internal/metrics"
)

// LoginFlow is the external collaborator that produces a fresh session.
// Browser/SSO mechanics live behind this interface.
type LoginFlow interface {
	Login(ctx context.Context) (mantis.Session, error)
}

// Prober performs the lightweight authenticated liveness check.
type Prober interface {
	Probe(ctx context.Context, s mantis.Session) error
}

// Config controls session persistence.
type Config struct {
	// CookieFile is the JSON file holding the live cookie bundle.
	CookieFile string
	// HistoryDir receives a timestamped backup of each replaced session.
	HistoryDir string
}

// Store guards the mutable session cell. Reads get copies; refresh is a
// single-flight critical section.
type Store struct {
	mu      sync.RWMutex
	current *mantis.Session

	flight singleflight.Group
	login  LoginFlow
	prober Prober
	clock  mantis.Clock
	cfg    Config
	logger *zap.Logger
}

// NewStore builds a Store, loading any persisted session from disk.
func NewStore(cfg Config, login LoginFlow, prober Prober, clock mantis.Clock, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		login:  login,
		prober: prober,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
	}
	if cfg.CookieFile != "" {
		if loaded, err := loadSessionFile(cfg.CookieFile); err == nil {
			s.current = &loaded
			logger.Info("loaded persisted session",
				zap.String("file", cfg.CookieFile),
				zap.Int("cookies", len(loaded.Cookies)))
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load session file: %w", err)
		}
	}
	return s, nil
}

// Current returns a copy of the live session or mantis.ErrSessionExpired.
func (s *Store) Current() (mantis.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil || len(s.current.Cookies) == 0 {
		return mantis.Session{}, mantis.ErrSessionExpired
	}
	if !s.current.ExpiresHint.IsZero() && s.clock.Now().After(s.current.ExpiresHint) {
		return mantis.Session{}, mantis.ErrSessionExpired
	}
	return s.current.Clone(), nil
}

// Validate probes the tracker with the given session.
func (s *Store) Validate(ctx context.Context, sess mantis.Session) bool {
	if s.prober == nil {
		return len(sess.Cookies) > 0
	}
	if err := s.prober.Probe(ctx, sess); err != nil {
		s.logger.Warn("session probe failed", zap.Error(err))
		return false
	}
	return true
}

// Refresh invokes the login collaborator and atomically installs the new
// session. Concurrent callers share one in-flight refresh.
func (s *Store) Refresh(ctx context.Context) (mantis.Session, error) {
	v, err, _ := s.flight.Do("refresh", func() (any, error) {
		return s.refresh(ctx)
	})
	if err != nil {
		return mantis.Session{}, err
	}
	return v.(mantis.Session), nil
}

func (s *Store) refresh(ctx context.Context) (mantis.Session, error) {
	if s.login == nil {
		return mantis.Session{}, fmt.Errorf("%w: no login flow configured", mantis.ErrAuthenticationFailed)
	}

	fresh, err := s.login.Login(ctx)
	if err != nil {
		return mantis.Session{}, fmt.Errorf("%w: %v", mantis.ErrAuthenticationFailed, err)
	}
	fresh.ValidatedAt = s.clock.Now()

	if s.prober != nil {
		if perr := s.prober.Probe(ctx, fresh); perr != nil {
			return mantis.Session{}, fmt.Errorf("%w: fresh session failed probe: %v", mantis.ErrAuthenticationFailed, perr)
		}
	}

	s.install(fresh)
	metrics.ObserveSessionRefresh()
	s.logger.Info("session refreshed", zap.Int("cookies", len(fresh.Cookies)))
	return fresh.Clone(), nil
}

func (s *Store) install(fresh mantis.Session) {
	// The outgoing session is backed up before the swap so a crash during
	// installation never loses it. Refresh is single-flight, so no other
	// writer can slip between the read and the swap.
	s.mu.RLock()
	prior := s.current
	s.mu.RUnlock()
	if prior != nil {
		if err := s.backupSession(*prior); err != nil {
			s.logger.Warn("session history backup failed", zap.Error(err))
		}
	}

	s.mu.Lock()
	s.current = &fresh
	s.mu.Unlock()

	if s.cfg.CookieFile != "" {
		if err := saveSessionFile(s.cfg.CookieFile, fresh); err != nil {
			s.logger.Warn("persist session failed", zap.Error(err))
		}
	}
}

// backupSession appends the replaced session to the history directory.
// History entries are never overwritten.
func (s *Store) backupSession(prior mantis.Session) error {
	if s.cfg.HistoryDir == "" {
		return nil
	}
	if err := os.MkdirAll(s.cfg.HistoryDir, 0o750); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}
	name := fmt.Sprintf("session-%s.json", s.clock.Now().Format("20060102-150405.000000"))
	path := filepath.Join(s.cfg.HistoryDir, name)
	if err := saveSessionFile(path, prior); err != nil {
		return err
	}
	return nil
}

// sessionFile mirrors the browser storage_state shape on disk so that
// cookie bundles exported from a browser can be dropped in directly.
type sessionFile struct {
	Cookies     []mantis.Cookie `json:"cookies"`
	ValidatedAt time.Time       `json:"validated_at,omitempty"`
	ExpiresHint time.Time       `json:"expires_hint,omitempty"`
}

func loadSessionFile(path string) (mantis.Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return mantis.Session{}, err
	}
	var f sessionFile
	if err := json.Unmarshal(data, &f); err != nil {
		return mantis.Session{}, fmt.Errorf("decode session file: %w", err)
	}
	return mantis.Session{
		Cookies:     f.Cookies,
		ValidatedAt: f.ValidatedAt,
		ExpiresHint: f.ExpiresHint,
	}, nil
}

func saveSessionFile(path string, s mantis.Session) error {
	f := sessionFile{
		Cookies:     s.Cookies,
		ValidatedAt: s.ValidatedAt,
		ExpiresHint: s.ExpiresHint,
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session file: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	return nil
}
