// Package fetch implements the HTTP fetcher used by both worker pools.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/mantiscan/mantiscan/internal/mantis"
	"github.com/mantiscan/mantiscan/internal/metrics"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// CollyFetcher implements mantis.Fetcher using the Colly collector, one
// cloned collector per request so session cookies never leak across calls.
type CollyFetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

// New builds a CollyFetcher.
func New(cfg Config) *CollyFetcher {
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	// Clones share the visited-URL store. Retries and repeated scans hit
	// the same list-page URLs, so revisits must stay allowed.
	c.AllowURLRevisit = true

	transport := newHTTPTransport()
	c.WithTransport(transport)

	return &CollyFetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
	}
}

// Fetch executes a single authenticated GET.
func (f *CollyFetcher) Fetch(ctx context.Context, req mantis.FetchRequest) (mantis.FetchResponse, error) {
	var (
		result   mantis.FetchResponse
		fetchErr error
	)
	start := time.Now()

	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	collector.WithTransport(f.transport)

	f.applySession(collector, req)

	collector.OnResponse(func(r *colly.Response) {
		result = mantis.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode >= 400 {
			fetchErr = &mantis.StatusError{URL: req.URL, StatusCode: r.StatusCode}
			return
		}
		fetchErr = err
	})

	if err := f.visit(ctx, collector, req.URL, &fetchErr); err != nil {
		metrics.ObserveRequest(string(req.Class), errCode(err), time.Since(start))
		return mantis.FetchResponse{}, err
	}

	metrics.ObserveRequest(string(req.Class), strconv.Itoa(result.StatusCode), result.Duration)
	return result, nil
}

// applySession attaches the session cookies as a per-request header.
// Cloned collectors share the backend cookie jar, so the jar is never
// used; headers keep sessions scoped to their own request.
func (f *CollyFetcher) applySession(collector *colly.Collector, req mantis.FetchRequest) {
	if len(req.Session.Cookies) == 0 {
		return
	}
	pairs := make([]string, 0, len(req.Session.Cookies))
	for _, c := range req.Session.Cookies {
		cookie := http.Cookie{Name: c.Name, Value: c.Value}
		pairs = append(pairs, cookie.String())
	}
	header := strings.Join(pairs, "; ")
	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Cookie", header)
	})
}

func (f *CollyFetcher) visit(ctx context.Context, collector *colly.Collector, rawURL string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return *fetchErr
		}
		if err != nil {
			return fmt.Errorf("visit %s: %w", rawURL, err)
		}
		return nil
	}
}

func errCode(err error) string {
	var statusErr *mantis.StatusError
	if errors.As(err, &statusErr) {
		return strconv.Itoa(statusErr.StatusCode)
	}
	return "error"
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

// Prober validates a session by requesting the tracker's personal view
// page, which Mantis serves only to authenticated users.
type Prober struct {
	fetcher mantis.Fetcher
	baseURL string
}

// NewProber builds a Prober against the tracker base URL.
func NewProber(fetcher mantis.Fetcher, baseURL string) *Prober {
	return &Prober{fetcher: fetcher, baseURL: strings.TrimRight(baseURL, "/")}
}

// Probe returns nil when the session is accepted by the tracker.
func (p *Prober) Probe(ctx context.Context, s mantis.Session) error {
	resp, err := p.fetcher.Fetch(ctx, mantis.FetchRequest{
		URL:     p.baseURL + "/my_view_page.php",
		Session: s,
		Class:   mantis.ClassListPage,
	})
	if err != nil {
		return err
	}
	body := string(resp.Body)
	if strings.Contains(resp.URL, "login_page.php") || strings.Contains(body, `name="password"`) {
		return mantis.ErrSessionExpired
	}
	if resp.StatusCode != http.StatusOK {
		return &mantis.StatusError{URL: resp.URL, StatusCode: resp.StatusCode}
	}
	return nil
}
