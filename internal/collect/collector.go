// Package collect implements the parallel list-page enumeration pool.
package collect

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mantiscan/mantiscan/internal/mantis"
	"github.com/mantiscan/mantiscan/internal/metrics"
	"github.com/mantiscan/mantiscan/internal/parse"
	"github.com/mantiscan/mantiscan/internal/throttle"
)

// Config sizes one collection run.
type Config struct {
	BaseURL string
	Workers int
	// MaxPages bounds a runaway listing even without a terminal page.
	MaxPages int
}

// Result describes how a project's collection ended.
type Result struct {
	// PagesExpected is the number of list pages the tracker exposed,
	// learned from the first empty page (or MaxPages when none was seen).
	PagesExpected int
	// PagesCollected counts pages that were fetched and parsed.
	PagesCollected int
	// References is the number of deduplicated references emitted.
	References int
	// Partial is true when any expected page failed all retries or a
	// pagination loop cut the listing short.
	Partial bool
}

// Complete reports whether every expected page was collected.
func (r Result) Complete() bool {
	return !r.Partial && r.PagesCollected == r.PagesExpected
}

// Collector enumerates every list page of a project and streams
// deduplicated issue references.
type Collector struct {
	fetcher  mantis.Fetcher
	throttle *throttle.Controller
	policy   throttle.RetryPolicy
	sessions throttle.Refresher
	cfg      Config
	logger   *zap.Logger
}

// New builds a Collector.
func New(
	fetcher mantis.Fetcher,
	controller *throttle.Controller,
	policy throttle.RetryPolicy,
	sessions throttle.Refresher,
	cfg Config,
	logger *zap.Logger,
) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 100
	}
	return &Collector{
		fetcher:  fetcher,
		throttle: controller,
		policy:   policy,
		sessions: sessions,
		cfg:      cfg,
		logger:   logger,
	}
}

// collectState is the shared coordination of one run. Workers claim
// distinct page numbers; the first empty page fixes the listing's end.
type collectState struct {
	nextPage atomic.Int64

	mu         sync.Mutex
	boundary   int             // first page known to be past the end; 0 = unknown
	collected  map[int]bool    // successfully parsed page numbers
	failed     map[int]bool    // pages that failed all retries
	seenIssues map[string]bool // issue ids already emitted this run
	signatures map[string]int  // page signature -> first page number
	loop       bool
}

func newCollectState() *collectState {
	s := &collectState{
		collected:  make(map[int]bool),
		failed:     make(map[int]bool),
		seenIssues: make(map[string]bool),
		signatures: make(map[string]int),
	}
	s.nextPage.Store(1)
	return s
}

func (s *collectState) claim(maxPages int) (int, bool) {
	page := int(s.nextPage.Add(1) - 1)
	if page > maxPages {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.boundary > 0 && page >= s.boundary {
		return 0, false
	}
	return page, true
}

func (s *collectState) markBoundary(page int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.boundary == 0 || page < s.boundary {
		s.boundary = page
	}
}

// dedupe returns the references not yet seen this run, recording them.
// A loop flag means the page repeated an earlier page's signature.
func (s *collectState) dedupe(page parse.ListPage, pageNumber int) ([]mantis.IssueReference, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if first, ok := s.signatures[page.Signature]; ok && first != pageNumber {
		s.loop = true
		if s.boundary == 0 || pageNumber < s.boundary {
			s.boundary = pageNumber
		}
		return nil, true
	}
	s.signatures[page.Signature] = pageNumber
	s.collected[pageNumber] = true

	fresh := make([]mantis.IssueReference, 0, len(page.References))
	for _, ref := range page.References {
		if s.seenIssues[ref.IssueID] {
			continue
		}
		s.seenIssues[ref.IssueID] = true
		fresh = append(fresh, ref)
	}
	return fresh, false
}

func (s *collectState) markFailed(page int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[page] = true
}

func (s *collectState) result(maxPages, emitted int) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	expected := maxPages
	if s.boundary > 0 {
		expected = s.boundary - 1
	}

	collected := 0
	partial := s.loop
	for page := 1; page <= expected; page++ {
		switch {
		case s.collected[page]:
			collected++
		default:
			partial = true
		}
	}
	return Result{
		PagesExpected:  expected,
		PagesCollected: collected,
		References:     emitted,
		Partial:        partial,
	}
}

// Collect enumerates the project's list pages and sends deduplicated
// references to out. It returns once every page up to the terminal
// condition has been attempted. A restart re-collects from page 1.
func (c *Collector) Collect(
	ctx context.Context,
	project mantis.Project,
	session mantis.Session,
	out chan<- mantis.IssueReference,
) (Result, error) {
	state := newCollectState()
	var emitted atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				page, ok := state.claim(c.cfg.MaxPages)
				if !ok {
					return nil
				}
				if gctx.Err() != nil {
					return gctx.Err()
				}
				if err := c.collectPage(gctx, project, session, state, page, out, &emitted); err != nil {
					return err
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return state.result(c.cfg.MaxPages, int(emitted.Load())), err
	}

	result := state.result(c.cfg.MaxPages, int(emitted.Load()))
	c.logger.Info("collection finished",
		zap.String("project", project.Name),
		zap.Int("pages_expected", result.PagesExpected),
		zap.Int("pages_collected", result.PagesCollected),
		zap.Int("references", result.References),
		zap.Bool("partial", result.Partial))
	return result, nil
}

func (c *Collector) collectPage(
	ctx context.Context,
	project mantis.Project,
	session mantis.Session,
	state *collectState,
	pageNumber int,
	out chan<- mantis.IssueReference,
	emitted *atomic.Int64,
) error {
	pageURL := fmt.Sprintf("%s/view_all_bug_page.php?page_number=%d",
		strings.TrimRight(c.cfg.BaseURL, "/"), pageNumber)

	var listPage parse.ListPage
	err := c.throttle.Do(ctx, mantis.ClassListPage, c.policy, c.sessions,
		func(ctx context.Context, refreshed *mantis.Session) error {
			active := session
			if refreshed != nil {
				// Keep the project selection on the refreshed bundle.
				active = *refreshed
				if pc := session.Cookie(projectCookieName); pc != "" {
					active = active.WithCookie(mantis.Cookie{Name: projectCookieName, Value: pc})
				}
			}
			resp, ferr := c.fetcher.Fetch(ctx, mantis.FetchRequest{
				URL:     pageURL,
				Session: active,
				Class:   mantis.ClassListPage,
			})
			if ferr != nil {
				return ferr
			}
			listPage, ferr = parse.ParseListPage(project.ID, pageNumber, c.cfg.BaseURL, resp.Body)
			return ferr
		})
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		// An exhausted session aborts the whole run; everything else is
		// a per-page failure.
		if errors.Is(err, mantis.ErrAuthenticationFailed) {
			return err
		}
		state.markFailed(pageNumber)
		metrics.ObservePage(project.Name, "failed")
		c.logger.Warn("list page failed",
			zap.String("project", project.Name),
			zap.Int("page", pageNumber),
			zap.Error(err))
		return nil
	}

	if listPage.Empty {
		state.markBoundary(pageNumber)
		return nil
	}

	fresh, looped := state.dedupe(listPage, pageNumber)
	if looped {
		metrics.ObservePage(project.Name, "loop")
		c.logger.Warn("pagination loop detected",
			zap.String("project", project.Name),
			zap.Int("page", pageNumber))
		return nil
	}
	metrics.ObservePage(project.Name, "collected")

	for _, ref := range fresh {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- ref:
			emitted.Add(1)
		}
	}
	return nil
}

// projectCookieName selects the active project on the tracker side.
const projectCookieName = "MANTIS_PROJECT_COOKIE"

// ProjectSession returns a copy of the session scoped to the project.
func ProjectSession(s mantis.Session, project mantis.Project) mantis.Session {
	return s.WithCookie(mantis.Cookie{Name: projectCookieName, Value: project.ID})
}
