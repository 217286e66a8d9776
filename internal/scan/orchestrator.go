// Package scan drives full and incremental collection runs across every
// tracker project.
package scan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mantiscan/mantiscan/internal/batch"
	"github.com/mantiscan/mantiscan/internal/collect"
	"github.com/mantiscan/mantiscan/internal/detail"
	"github.com/mantiscan/mantiscan/internal/mantis"
	"github.com/mantiscan/mantiscan/internal/metrics"
	"github.com/mantiscan/mantiscan/internal/parse"
	"github.com/mantiscan/mantiscan/internal/throttle"
)

// Phase is the orchestrator's externally visible state.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseEnumerating Phase = "enumerating-projects"
	PhaseScanning    Phase = "scanning"
	PhaseFinalizing  Phase = "finalizing"
)

// Config sizes one orchestrated run.
type Config struct {
	BaseURL string
	Mode    mantis.ScanMode
	// Projects optionally restricts the run to projects whose id or
	// display name matches; empty means every enumerated project.
	Projects []string

	PageWorkers    int
	IssueWorkers   int
	MaxPages       int
	FlushThreshold int
	// ProjectParallel bounds how many projects scan concurrently.
	ProjectParallel int
	// ReferenceBacklog sizes the channel between the page collector and
	// the detail pool.
	ReferenceBacklog int

	ArchivePrefix      string
	ArchiveContentType string
	PublishTopic       string
}

// Orchestrator coordinates session, collection, detail, and persistence
// for one run at a time.
type Orchestrator struct {
	fetcher   mantis.Fetcher
	sessions  mantis.SessionSource
	store     mantis.IssueStore
	archive   mantis.BlobStore
	publisher mantis.Publisher
	clock     mantis.Clock
	ids       mantis.IDGenerator
	throttle  *throttle.Controller
	policy    throttle.RetryPolicy
	cfg       Config
	logger    *zap.Logger

	mu     sync.RWMutex
	phase  Phase
	report *mantis.RunReport
}

// New wires an Orchestrator. archive and publisher may be nil.
func New(
	fetcher mantis.Fetcher,
	sessions mantis.SessionSource,
	store mantis.IssueStore,
	archive mantis.BlobStore,
	publisher mantis.Publisher,
	clock mantis.Clock,
	ids mantis.IDGenerator,
	controller *throttle.Controller,
	policy throttle.RetryPolicy,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ProjectParallel <= 0 {
		cfg.ProjectParallel = 1
	}
	if cfg.ReferenceBacklog <= 0 {
		cfg.ReferenceBacklog = 256
	}
	if cfg.Mode == "" {
		cfg.Mode = mantis.ScanModeFull
	}
	return &Orchestrator{
		fetcher:   fetcher,
		sessions:  sessions,
		store:     store,
		archive:   archive,
		publisher: publisher,
		clock:     clock,
		ids:       ids,
		throttle:  controller,
		policy:    policy,
		cfg:       cfg,
		phase:     PhaseIdle,
		logger:    logger,
	}
}

// Phase returns the current run phase.
func (o *Orchestrator) Phase() Phase {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.phase
}

// LastReport returns a copy of the most recent run report, if any.
func (o *Orchestrator) LastReport() (mantis.RunReport, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.report == nil {
		return mantis.RunReport{}, false
	}
	out := *o.report
	out.Summaries = append([]mantis.ScanSummary(nil), o.report.Summaries...)
	return out, true
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	o.phase = p
	o.mu.Unlock()
}

// Run executes one scan: enumerate projects, scan each, and emit a run
// report. The report is produced even when the run fails partway.
func (o *Orchestrator) Run(ctx context.Context) (mantis.RunReport, error) {
	runID, err := o.ids.NewID()
	if err != nil {
		return mantis.RunReport{}, fmt.Errorf("allocate run id: %w", err)
	}

	report := mantis.RunReport{
		RunID:     runID,
		Mode:      o.cfg.Mode,
		StartedAt: o.clock.Now(),
	}
	defer func() {
		report.FinishedAt = o.clock.Now()
		o.mu.Lock()
		o.report = &report
		o.phase = PhaseIdle
		o.mu.Unlock()
	}()

	session, err := o.currentSession(ctx)
	if err != nil {
		return report, err
	}

	o.setPhase(PhaseEnumerating)
	projects, err := o.EnumerateProjects(ctx, session)
	if err != nil {
		return report, fmt.Errorf("enumerate projects: %w", err)
	}
	o.logger.Info("run started",
		zap.String("run_id", runID),
		zap.String("mode", string(o.cfg.Mode)),
		zap.Int("projects", len(projects)))

	o.setPhase(PhaseScanning)
	var summaryMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.ProjectParallel)
	for _, project := range projects {
		g.Go(func() error {
			summary, serr := o.scanProject(gctx, runID, project, session)
			summaryMu.Lock()
			report.Summaries = append(report.Summaries, summary)
			summaryMu.Unlock()
			// Only a dead session stops the remaining projects.
			if serr != nil && errors.Is(serr, mantis.ErrAuthenticationFailed) {
				return serr
			}
			return nil
		})
	}
	runErr := g.Wait()

	o.setPhase(PhaseFinalizing)
	attempted, succeeded, failed := report.Totals()
	o.logger.Info("run finished",
		zap.String("run_id", runID),
		zap.Bool("complete", report.Complete()),
		zap.Int("issues_attempted", attempted),
		zap.Int("issues_succeeded", succeeded),
		zap.Int("issues_failed", failed),
		zap.Error(runErr))
	return report, runErr
}

// RunEvery repeats Run at the given interval until the context ends.
// Individual run failures are logged, not fatal, except a dead session.
func (o *Orchestrator) RunEvery(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := o.Run(ctx); err != nil {
			if errors.Is(err, mantis.ErrAuthenticationFailed) {
				return err
			}
			o.logger.Error("scan run failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// currentSession returns a usable session, refreshing once if the stored
// one is missing or expired.
func (o *Orchestrator) currentSession(ctx context.Context) (mantis.Session, error) {
	session, err := o.sessions.Current()
	if err == nil && o.sessions.Validate(ctx, session) {
		return session, nil
	}
	return o.sessions.Refresh(ctx)
}

// EnumerateProjects discovers the tracker's projects from the listing
// page's project selector, applying the configured filter.
func (o *Orchestrator) EnumerateProjects(ctx context.Context, session mantis.Session) ([]mantis.Project, error) {
	listURL := strings.TrimRight(o.cfg.BaseURL, "/") + "/view_all_bug_page.php"

	var projects []mantis.Project
	err := o.throttle.Do(ctx, mantis.ClassListPage, o.policy, o.sessions,
		func(ctx context.Context, refreshed *mantis.Session) error {
			active := session
			if refreshed != nil {
				active = *refreshed
			}
			resp, ferr := o.fetcher.Fetch(ctx, mantis.FetchRequest{
				URL:     listURL,
				Session: active,
				Class:   mantis.ClassListPage,
			})
			if ferr != nil {
				return ferr
			}
			projects, ferr = parse.ParseProjects(listURL, resp.Body)
			return ferr
		})
	if err != nil {
		return nil, err
	}
	return o.filterProjects(projects), nil
}

func (o *Orchestrator) filterProjects(projects []mantis.Project) []mantis.Project {
	if len(o.cfg.Projects) == 0 {
		return projects
	}
	wanted := make(map[string]bool, len(o.cfg.Projects))
	for _, p := range o.cfg.Projects {
		wanted[strings.ToLower(p)] = true
	}
	out := make([]mantis.Project, 0, len(projects))
	for _, p := range projects {
		if wanted[strings.ToLower(p.ID)] || wanted[strings.ToLower(p.Name)] {
			out = append(out, p)
		}
	}
	if len(out) < len(o.cfg.Projects) {
		o.logger.Warn("some requested projects were not found on the tracker",
			zap.Strings("requested", o.cfg.Projects),
			zap.Int("matched", len(out)))
	}
	return out
}

// scanProject runs collection, detail fetching, and persistence for one
// project and returns its summary. The error return is non-nil only for
// failures that should stop the run.
func (o *Orchestrator) scanProject(
	ctx context.Context,
	runID string,
	project mantis.Project,
	baseSession mantis.Session,
) (mantis.ScanSummary, error) {
	started := o.clock.Now()
	summary := mantis.ScanSummary{
		ProjectID:   project.ID,
		ProjectName: project.Name,
	}
	finish := func(outcome mantis.ScanOutcome, err error) (mantis.ScanSummary, error) {
		summary.Outcome = outcome
		summary.Duration = o.clock.Now().Sub(started)
		if err != nil {
			summary.Error = err.Error()
		}
		metrics.ObserveProject(string(outcome))
		o.recordSummary(ctx, runID, summary)
		return summary, err
	}

	if err := o.store.EnsurePartition(ctx, project); err != nil {
		return finish(mantis.ScanFailed, err)
	}

	cursor, hasCursor, err := o.store.Cursor(ctx, project.ID)
	if err != nil {
		return finish(mantis.ScanFailed, err)
	}
	var updatedAfter time.Time
	if o.cfg.Mode == mantis.ScanModeIncremental && hasCursor {
		updatedAfter = cursor.LastScanCompletedAt
	}

	projSession := collect.ProjectSession(baseSession, project)
	stager := batch.NewStager(o.store, project, o.cfg.FlushThreshold, o.logger)

	collector := collect.New(o.fetcher, o.throttle, o.policy, o.sessions, collect.Config{
		BaseURL:  o.cfg.BaseURL,
		Workers:  o.cfg.PageWorkers,
		MaxPages: o.cfg.MaxPages,
	}, o.logger)
	pool := detail.New(o.fetcher, o.throttle, o.policy, o.sessions, o.archive, o.clock, detail.Config{
		Workers:            o.cfg.IssueWorkers,
		ArchivePrefix:      o.cfg.ArchivePrefix,
		ArchiveContentType: o.cfg.ArchiveContentType,
	}, o.logger)

	refs := make(chan mantis.IssueReference, o.cfg.ReferenceBacklog)
	var (
		result collect.Result
		stats  detail.Stats
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(refs)
		var cerr error
		result, cerr = collector.Collect(gctx, project, projSession, refs)
		return cerr
	})
	g.Go(func() error {
		var perr error
		stats, perr = pool.Run(gctx, project, projSession, updatedAfter, refs, stager.Stage)
		return perr
	})
	scanErr := g.Wait()

	summary.PagesCollected = result.PagesCollected
	summary.PagesExpected = result.PagesExpected
	summary.IssuesAttempted = stats.Attempted
	summary.IssuesSucceeded = stats.Succeeded
	summary.IssuesFailed = stats.Failed

	// Cancellation discards anything staged but uncommitted; records
	// flushed earlier stay, re-ingestion is idempotent.
	if ctx.Err() != nil {
		discarded := stager.Discard()
		o.logger.Info("scan cancelled",
			zap.String("project", project.Name),
			zap.Int("discarded", discarded))
		return finish(mantis.ScanFailed, ctx.Err())
	}
	if scanErr != nil {
		stager.Discard()
		return finish(mantis.ScanFailed, scanErr)
	}

	if err := stager.Flush(ctx); err != nil {
		return finish(mantis.ScanFailed, err)
	}

	// The cursor moves only when every list page was collected and every
	// flush landed. Per-issue detail failures do not hold it back; those
	// issues are retried naturally on the next run.
	if result.Complete() {
		next := mantis.ScanCursor{
			ProjectID:           project.ID,
			LastScanCompletedAt: started,
			HighWatermark:       cursor.HighWatermark,
		}
		if issueIDAfter(stats.HighWatermark, next.HighWatermark) {
			next.HighWatermark = stats.HighWatermark
		}
		if err := o.store.AdvanceCursor(ctx, next); err != nil {
			return finish(mantis.ScanFailed, err)
		}
		summary.CursorAdvanced = true
		metrics.ObserveCursorAdvance()
	}

	outcome := mantis.ScanComplete
	if !result.Complete() || stats.Failed > 0 {
		outcome = mantis.ScanPartial
	}
	return finish(outcome, nil)
}

// issueIDAfter orders decimal issue id strings of varying width.
func issueIDAfter(a, b string) bool {
	if len(a) != len(b) {
		return len(a) > len(b)
	}
	return a > b
}

// recordSummary appends the summary to the store log and publishes it.
// Both are best effort once the scan itself has finished.
func (o *Orchestrator) recordSummary(ctx context.Context, runID string, summary mantis.ScanSummary) {
	if ctx.Err() != nil {
		return
	}
	if err := o.store.AppendRunSummary(ctx, runID, summary); err != nil {
		o.logger.Warn("append run summary failed",
			zap.String("project", summary.ProjectID),
			zap.Error(err))
	}
	if o.publisher != nil && o.cfg.PublishTopic != "" {
		if _, err := o.publisher.Publish(ctx, o.cfg.PublishTopic, summary); err != nil {
			o.logger.Warn("publish summary failed",
				zap.String("project", summary.ProjectID),
				zap.Error(err))
		}
	}
}
