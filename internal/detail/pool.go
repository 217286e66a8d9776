// Package detail implements the parallel issue fetch-and-normalize pool.
package detail

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mantiscan/mantiscan/internal/mantis"
	"github.com/mantiscan/mantiscan/internal/metrics"
	"github.com/mantiscan/mantiscan/internal/parse"
	"github.com/mantiscan/mantiscan/internal/throttle"
)

// Config sizes the pool. Workers should exceed the collector's: detail
// fetches are more numerous and individually cheaper than page scans.
type Config struct {
	Workers int
	// ArchivePrefix places raw page snapshots in the blob store; empty
	// disables archival.
	ArchivePrefix      string
	ArchiveContentType string
}

// Stats counts one project's detail phase.
type Stats struct {
	Attempted int
	Succeeded int
	Failed    int
	// Skipped counts issues dropped by the incremental cutoff.
	Skipped int
	// HighWatermark is the largest issue id seen, for cursor advancement.
	HighWatermark string
}

// Sink receives each normalized record. Implementations stage records
// for batched persistence.
type Sink func(ctx context.Context, record mantis.IssueRecord) error

// Pool fetches full issue pages and normalizes them into IssueRecords.
type Pool struct {
	fetcher  mantis.Fetcher
	throttle *throttle.Controller
	policy   throttle.RetryPolicy
	sessions throttle.Refresher
	archive  mantis.BlobStore
	clock    mantis.Clock
	cfg      Config
	logger   *zap.Logger
}

// New builds a Pool. archive may be nil.
func New(
	fetcher mantis.Fetcher,
	controller *throttle.Controller,
	policy throttle.RetryPolicy,
	sessions throttle.Refresher,
	archive mantis.BlobStore,
	clock mantis.Clock,
	cfg Config,
	logger *zap.Logger,
) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Pool{
		fetcher:  fetcher,
		throttle: controller,
		policy:   policy,
		sessions: sessions,
		archive:  archive,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run consumes references until in closes, fetching and normalizing each
// one. Per-issue failures are counted and skipped; they never abort the
// project. UpdatedAfter, when non-zero, drops records not updated since.
func (p *Pool) Run(
	ctx context.Context,
	project mantis.Project,
	session mantis.Session,
	updatedAfter time.Time,
	in <-chan mantis.IssueReference,
	sink Sink,
) (Stats, error) {
	var (
		stats   Stats
		statsCh = make(chan issueOutcome, p.cfg.Workers)
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		g.Go(func() error {
			for ref := range in {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				outcome := p.processReference(gctx, project, session, updatedAfter, ref, sink)
				if outcome.err != nil && errors.Is(outcome.err, mantis.ErrAuthenticationFailed) {
					return outcome.err
				}
				select {
				case statsCh <- outcome:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}

	collectDone := make(chan struct{})
	go func() {
		defer close(collectDone)
		for outcome := range statsCh {
			stats.Attempted++
			switch {
			case outcome.err != nil:
				stats.Failed++
			case outcome.skipped:
				stats.Skipped++
			default:
				stats.Succeeded++
			}
			if issueIDAfter(outcome.issueID, stats.HighWatermark) {
				stats.HighWatermark = outcome.issueID
			}
		}
	}()

	err := g.Wait()
	close(statsCh)
	<-collectDone
	return stats, err
}

// issueIDAfter orders tracker issue ids, which are decimal strings of
// varying width.
func issueIDAfter(a, b string) bool {
	if len(a) != len(b) {
		return len(a) > len(b)
	}
	return a > b
}

type issueOutcome struct {
	issueID string
	skipped bool
	err     error
}

func (p *Pool) processReference(
	ctx context.Context,
	project mantis.Project,
	session mantis.Session,
	updatedAfter time.Time,
	ref mantis.IssueReference,
	sink Sink,
) issueOutcome {
	metrics.DetailWorkerActive(1)
	defer metrics.DetailWorkerActive(-1)

	record, err := p.fetchIssue(ctx, session, ref)
	if err != nil {
		metrics.ObserveIssue(project.Name, "failed")
		p.logger.Warn("issue fetch failed",
			zap.String("project", project.Name),
			zap.String("issue_id", ref.IssueID),
			zap.Error(err))
		return issueOutcome{issueID: ref.IssueID, err: err}
	}

	if !updatedAfter.IsZero() && !record.LastUpdated.IsZero() && !record.LastUpdated.After(updatedAfter) {
		metrics.ObserveIssue(project.Name, "skipped")
		return issueOutcome{issueID: ref.IssueID, skipped: true}
	}

	if err := sink(ctx, record); err != nil {
		metrics.ObserveIssue(project.Name, "failed")
		return issueOutcome{issueID: ref.IssueID, err: fmt.Errorf("stage issue %s: %w", ref.IssueID, err)}
	}
	metrics.ObserveIssue(project.Name, "succeeded")
	return issueOutcome{issueID: ref.IssueID}
}

func (p *Pool) fetchIssue(ctx context.Context, session mantis.Session, ref mantis.IssueReference) (mantis.IssueRecord, error) {
	var record mantis.IssueRecord
	err := p.throttle.Do(ctx, mantis.ClassIssueDetail, p.policy, p.sessions,
		func(ctx context.Context, refreshed *mantis.Session) error {
			active := session
			if refreshed != nil {
				active = *refreshed
			}
			resp, ferr := p.fetcher.Fetch(ctx, mantis.FetchRequest{
				URL:     ref.URL,
				Session: active,
				Class:   mantis.ClassIssueDetail,
			})
			if ferr != nil {
				return ferr
			}
			p.archiveBody(ctx, ref, resp.Body)
			record, ferr = parse.ParseIssue(ref, resp.Body, p.clock.Now())
			return ferr
		})
	return record, err
}

// archiveBody snapshots the raw page. Archival is best effort and never
// fails the issue.
func (p *Pool) archiveBody(ctx context.Context, ref mantis.IssueReference, body []byte) {
	if p.archive == nil || p.cfg.ArchivePrefix == "" {
		return
	}
	path := fmt.Sprintf("%s/%s/%s.html", p.cfg.ArchivePrefix, ref.ProjectID, ref.IssueID)
	if _, err := p.archive.PutObject(ctx, path, p.cfg.ArchiveContentType, body); err != nil {
		p.logger.Warn("archive snapshot failed",
			zap.String("issue_id", ref.IssueID),
			zap.Error(err))
	}
}
