package session

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/mantiscan/mantiscan/internal/mantis"
)

// BrowserLoginConfig controls the browser-driven login collaborator.
type BrowserLoginConfig struct {
	// LoginURL is the tracker's entry page; SSO redirects happen from here.
	LoginURL string
	// SessionCookieNames are the cookies whose presence means login finished.
	SessionCookieNames []string
	// Timeout bounds the whole flow, including operator-completed MFA.
	Timeout time.Duration
	// Headless runs Chrome without a window. Interactive SSO needs it off.
	Headless bool
	// PollInterval is how often the cookie jar is checked.
	PollInterval time.Duration
}

// BrowserLogin drives a real Chrome instance through the tracker's login
// page and harvests the resulting cookies into a Session. It does not
// automate SSO or MFA; it waits for the browser to end up authenticated.
type BrowserLogin struct {
	cfg    BrowserLoginConfig
	logger *zap.Logger
}

// NewBrowserLogin builds the collaborator.
func NewBrowserLogin(cfg BrowserLoginConfig, logger *zap.Logger) *BrowserLogin {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &BrowserLogin{cfg: cfg, logger: logger}
}

// Login opens the login page and blocks until the session cookies appear
// or the timeout expires.
func (b *BrowserLogin) Login(ctx context.Context) (mantis.Session, error) {
	if b.cfg.LoginURL == "" {
		return mantis.Session{}, fmt.Errorf("login url is required")
	}

	opts := chromedp.DefaultExecAllocatorOptions[:]
	opts = append(opts,
		chromedp.Flag("headless", b.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
	)
	allocatorCtx, cancelAllocator := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAllocator()

	browserCtx, cancelBrowser := chromedp.NewContext(allocatorCtx)
	defer cancelBrowser()

	taskCtx, cancelTask := context.WithTimeout(browserCtx, b.cfg.Timeout)
	defer cancelTask()

	if err := chromedp.Run(taskCtx,
		network.Enable(),
		chromedp.Navigate(b.cfg.LoginURL),
	); err != nil {
		return mantis.Session{}, fmt.Errorf("open login page: %w", err)
	}
	b.logger.Info("waiting for login to complete", zap.String("url", b.cfg.LoginURL))

	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-taskCtx.Done():
			return mantis.Session{}, fmt.Errorf("login flow timed out: %w", taskCtx.Err())
		case <-ticker.C:
			session, ok, err := b.harvestCookies(taskCtx)
			if err != nil {
				return mantis.Session{}, err
			}
			if ok {
				b.logger.Info("login completed", zap.Int("cookies", len(session.Cookies)))
				return session, nil
			}
		}
	}
}

func (b *BrowserLogin) harvestCookies(ctx context.Context) (mantis.Session, bool, error) {
	var cookies []*network.Cookie
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = storage.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return mantis.Session{}, false, fmt.Errorf("read browser cookies: %w", err)
	}

	session := mantis.Session{}
	var expires time.Time
	for _, c := range cookies {
		session.Cookies = append(session.Cookies, mantis.Cookie{
			Name:   c.Name,
			Value:  c.Value,
			Domain: c.Domain,
			Path:   c.Path,
		})
		if c.Expires > 0 {
			exp := time.Unix(int64(c.Expires), 0).UTC()
			if expires.IsZero() || exp.Before(expires) {
				expires = exp
			}
		}
	}
	session.ExpiresHint = expires

	for _, want := range b.cfg.SessionCookieNames {
		if session.Cookie(want) == "" {
			return mantis.Session{}, false, nil
		}
	}
	return session, len(session.Cookies) > 0, nil
}
