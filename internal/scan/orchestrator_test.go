package scan

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mantiscan/mantiscan/internal/mantis"
	publishmemory "github.com/mantiscan/mantiscan/internal/publish/memory"
	storememory "github.com/mantiscan/mantiscan/internal/store/memory"
	"github.com/mantiscan/mantiscan/internal/throttle"
)

const trackerBase = "https://tracker.example.com"

// trackerSite fakes the whole tracker: project dropdown, paginated bug
// lists keyed by the project selection cookie, and issue view pages.
type trackerSite struct {
	mu       sync.Mutex
	projects []mantis.Project
	// pages maps project id to its list pages, each a set of issue ids.
	pages map[string][][]string
	// updated overrides an issue's Last Updated value.
	updated map[string]string

	listErr      map[string]map[int]error
	detailErr    map[string]error
	enumerateErr error
	onDetail     func(issueID string)
}

func (s *trackerSite) Fetch(_ context.Context, req mantis.FetchRequest) (mantis.FetchResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case strings.Contains(req.URL, "view.php?id="):
		issueID := req.URL[strings.Index(req.URL, "id=")+3:]
		if s.onDetail != nil {
			s.onDetail(issueID)
		}
		if err := s.detailErr[issueID]; err != nil {
			return mantis.FetchResponse{}, err
		}
		updated := s.updated[issueID]
		if updated == "" {
			updated = "2024-02-10 09:00"
		}
		return s.ok(req.URL, issuePage(issueID, updated)), nil

	case strings.Contains(req.URL, "page_number="):
		projectID := req.Session.Cookie("MANTIS_PROJECT_COOKIE")
		page, _ := strconv.Atoi(req.URL[strings.Index(req.URL, "page_number=")+12:])
		if err := s.listErr[projectID][page]; err != nil {
			return mantis.FetchResponse{}, err
		}
		pages := s.pages[projectID]
		if page > len(pages) {
			return s.ok(req.URL, []byte(`<html><body>No issues found</body></html>`)), nil
		}
		return s.ok(req.URL, listPage(pages[page-1])), nil

	default:
		if s.enumerateErr != nil {
			return mantis.FetchResponse{}, s.enumerateErr
		}
		return s.ok(req.URL, dropdownPage(s.projects)), nil
	}
}

func (s *trackerSite) ok(url string, body []byte) mantis.FetchResponse {
	return mantis.FetchResponse{URL: url, StatusCode: 200, Body: body}
}

func dropdownPage(projects []mantis.Project) []byte {
	var b strings.Builder
	b.WriteString(`<html><body><select name="project_id"><option value="0">All Projects</option>`)
	for _, p := range projects {
		fmt.Fprintf(&b, `<option value="%s">%s</option>`, p.ID, p.Name)
	}
	b.WriteString(`</select></body></html>`)
	return []byte(b.String())
}

func listPage(issueIDs []string) []byte {
	var b strings.Builder
	b.WriteString(`<html><body><table>`)
	for _, id := range issueIDs {
		fmt.Fprintf(&b, `<tr><td>P</td><td><a href="view.php?id=%s">%s</a></td><td>s</td></tr>`, id, id)
	}
	b.WriteString(`</table></body></html>`)
	return []byte(b.String())
}

func issuePage(issueID, lastUpdated string) []byte {
	return []byte(fmt.Sprintf(`<html><body><table>
<tr><td>Summary</td><td>issue %s</td></tr>
<tr><td>Status</td><td>assigned</td></tr>
<tr><td>Last Updated</td><td>%s</td></tr>
</table></body></html>`, issueID, lastUpdated))
}

// fakeSessions hands out one static session and counts refreshes.
type fakeSessions struct {
	mu        sync.Mutex
	session   mantis.Session
	refreshes int
}

func (f *fakeSessions) Current() (mantis.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.session.Cookies) == 0 {
		return mantis.Session{}, mantis.ErrSessionExpired
	}
	return f.session.Clone(), nil
}

func (f *fakeSessions) Validate(context.Context, mantis.Session) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.session.Cookies) > 0
}

func (f *fakeSessions) Refresh(context.Context) (mantis.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return f.session.Clone(), nil
}

func (f *fakeSessions) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

type staticIDs struct{}

func (staticIDs) NewID() (string, error) { return "run-0001", nil }

type fixedClock struct{ at time.Time }

func (c fixedClock) Now() time.Time { return c.at }

var scanClockAt = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	tracker   *trackerSite
	sessions  *fakeSessions
	store     *storememory.IssueStore
	publisher *publishmemory.Publisher
	orch      *Orchestrator
}

func newHarness(t *testing.T, tracker *trackerSite, mutate func(*Config)) *harness {
	t.Helper()

	cfg := Config{
		BaseURL:          trackerBase,
		Mode:             mantis.ScanModeFull,
		PageWorkers:      2,
		IssueWorkers:     4,
		MaxPages:         10,
		FlushThreshold:   50,
		ProjectParallel:  2,
		ReferenceBacklog: 64,
		PublishTopic:     "scan-summaries",
	}
	if mutate != nil {
		mutate(&cfg)
	}

	controller := throttle.New(throttle.Config{Classes: map[mantis.RequestClass]throttle.ClassConfig{
		mantis.ClassListPage:    {RPS: 0, MaxInFlight: 8},
		mantis.ClassIssueDetail: {RPS: 0, MaxInFlight: 8},
	}})
	policy := throttle.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	sessions := &fakeSessions{session: mantis.Session{
		Cookies:     []mantis.Cookie{{Name: "MANTIS_STRING_COOKIE", Value: "tok"}},
		ValidatedAt: scanClockAt,
	}}
	store := storememory.NewIssueStore()
	publisher := publishmemory.New()

	orch := New(tracker, sessions, store, nil, publisher,
		fixedClock{at: scanClockAt}, staticIDs{}, controller, policy, cfg, nil)

	return &harness{
		tracker:   tracker,
		sessions:  sessions,
		store:     store,
		publisher: publisher,
		orch:      orch,
	}
}

func twoProjectTracker() *trackerSite {
	return &trackerSite{
		projects: []mantis.Project{
			{ID: "7", Name: "Widget Cloud"},
			{ID: "8", Name: "Gateway"},
		},
		pages: map[string][][]string{
			"7": {{"101", "102"}, {"103"}},
			"8": {{"201"}},
		},
	}
}

func summaryFor(t *testing.T, report mantis.RunReport, projectID string) mantis.ScanSummary {
	t.Helper()
	for _, s := range report.Summaries {
		if s.ProjectID == projectID {
			return s
		}
	}
	t.Fatalf("no summary for project %s", projectID)
	return mantis.ScanSummary{}
}

func TestRunFullScanIngestsEveryProject(t *testing.T) {
	t.Parallel()

	h := newHarness(t, twoProjectTracker(), nil)
	report, err := h.orch.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, "run-0001", report.RunID)
	require.Len(t, report.Summaries, 2)
	require.True(t, report.Complete())

	widget := summaryFor(t, report, "7")
	require.Equal(t, mantis.ScanComplete, widget.Outcome)
	require.Equal(t, 2, widget.PagesExpected)
	require.Equal(t, 2, widget.PagesCollected)
	require.Equal(t, 3, widget.IssuesSucceeded)
	require.True(t, widget.CursorAdvanced)

	require.Len(t, h.store.Records("issues_Widget_Cloud"), 3)
	require.Len(t, h.store.Records("issues_Gateway"), 1)

	rec, ok := h.store.Record("issues_Widget_Cloud", "102")
	require.True(t, ok)
	require.Equal(t, "issue 102", rec.Summary)

	cursor, ok, err := h.store.Cursor(context.Background(), "7")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, scanClockAt, cursor.LastScanCompletedAt)
	require.Equal(t, "103", cursor.HighWatermark)

	// Every project summary lands in the durable log and on the topic.
	require.Len(t, h.store.Summaries(), 2)
	require.Len(t, h.publisher.Messages(), 2)
	require.Equal(t, "scan-summaries", h.publisher.Messages()[0].Topic)

	last, ok := h.orch.LastReport()
	require.True(t, ok)
	require.Equal(t, report.RunID, last.RunID)
	require.Equal(t, PhaseIdle, h.orch.Phase())
}

func TestRunProjectFilterLimitsScope(t *testing.T) {
	t.Parallel()

	h := newHarness(t, twoProjectTracker(), func(cfg *Config) {
		cfg.Projects = []string{"gateway"}
	})
	report, err := h.orch.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Summaries, 1)
	require.Equal(t, "8", report.Summaries[0].ProjectID)
	require.Empty(t, h.store.Records("issues_Widget_Cloud"))
	require.Len(t, h.store.Records("issues_Gateway"), 1)
}

func TestRunPartialCollectionHoldsCursor(t *testing.T) {
	t.Parallel()

	tracker := twoProjectTracker()
	tracker.listErr = map[string]map[int]error{
		"7": {2: &mantis.StatusError{URL: trackerBase, StatusCode: 404}},
	}

	h := newHarness(t, tracker, nil)
	report, err := h.orch.Run(context.Background())
	require.NoError(t, err)

	widget := summaryFor(t, report, "7")
	require.Equal(t, mantis.ScanPartial, widget.Outcome)
	require.False(t, widget.CursorAdvanced)
	require.Equal(t, 2, widget.PagesExpected)
	require.Equal(t, 1, widget.PagesCollected)

	// Issues from surviving pages still land; only the cursor holds.
	require.Len(t, h.store.Records("issues_Widget_Cloud"), 2)
	_, ok, err := h.store.Cursor(context.Background(), "7")
	require.NoError(t, err)
	require.False(t, ok)

	// The other project is unaffected.
	gateway := summaryFor(t, report, "8")
	require.Equal(t, mantis.ScanComplete, gateway.Outcome)
	require.True(t, gateway.CursorAdvanced)
}

func TestRunDetailFailureStillAdvancesCursor(t *testing.T) {
	t.Parallel()

	tracker := twoProjectTracker()
	tracker.detailErr = map[string]error{
		"102": &mantis.StatusError{URL: trackerBase + "/view.php?id=102", StatusCode: 404},
	}

	h := newHarness(t, tracker, nil)
	report, err := h.orch.Run(context.Background())
	require.NoError(t, err)

	widget := summaryFor(t, report, "7")
	require.Equal(t, mantis.ScanPartial, widget.Outcome)
	require.Equal(t, 1, widget.IssuesFailed)
	require.Equal(t, 2, widget.IssuesSucceeded)

	// A failed detail fetch never holds the cursor back; the issue is
	// retried naturally on the next run.
	require.True(t, widget.CursorAdvanced)
	cursor, ok, err := h.store.Cursor(context.Background(), "7")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "103", cursor.HighWatermark)

	_, stored := h.store.Record("issues_Widget_Cloud", "102")
	require.False(t, stored)
}

func TestRunIncrementalSkipsUnchangedIssues(t *testing.T) {
	t.Parallel()

	tracker := &trackerSite{
		projects: []mantis.Project{{ID: "7", Name: "Widget Cloud"}},
		pages:    map[string][][]string{"7": {{"101", "102"}}},
		updated: map[string]string{
			"101": "2024-01-10 09:00",
			"102": "2024-02-20 09:00",
		},
	}

	h := newHarness(t, tracker, func(cfg *Config) {
		cfg.Mode = mantis.ScanModeIncremental
	})
	previous := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, h.store.AdvanceCursor(context.Background(), mantis.ScanCursor{
		ProjectID:           "7",
		LastScanCompletedAt: previous,
		HighWatermark:       "103",
	}))

	report, err := h.orch.Run(context.Background())
	require.NoError(t, err)

	widget := summaryFor(t, report, "7")
	require.Equal(t, mantis.ScanComplete, widget.Outcome)
	require.Equal(t, 1, widget.IssuesSucceeded)
	require.True(t, widget.CursorAdvanced)

	// Only the changed issue is re-ingested.
	require.Len(t, h.store.Records("issues_Widget_Cloud"), 1)
	_, ok := h.store.Record("issues_Widget_Cloud", "102")
	require.True(t, ok)

	// The watermark never regresses below an earlier run's.
	cursor, ok, err := h.store.Cursor(context.Background(), "7")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "103", cursor.HighWatermark)
	require.Equal(t, scanClockAt, cursor.LastScanCompletedAt)
}

func TestRunAuthFailureAbortsRun(t *testing.T) {
	t.Parallel()

	tracker := twoProjectTracker()
	tracker.enumerateErr = fmt.Errorf("redirected to login: %w", mantis.ErrSessionExpired)

	h := newHarness(t, tracker, nil)
	_, err := h.orch.Run(context.Background())
	require.ErrorIs(t, err, mantis.ErrAuthenticationFailed)

	// The dead session got exactly one refresh attempt before giving up.
	require.Equal(t, 1, h.sessions.refreshCount())

	// A report is produced even for an aborted run.
	last, ok := h.orch.LastReport()
	require.True(t, ok)
	require.Empty(t, last.Summaries)
	require.Equal(t, PhaseIdle, h.orch.Phase())
}

func TestRunCancellationDiscardsStagedRecords(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracker := &trackerSite{
		projects: []mantis.Project{{ID: "7", Name: "Widget Cloud"}},
		pages:    map[string][][]string{"7": {{"101"}}},
	}
	// Cancel mid-scan, after collection but while details are staged.
	tracker.onDetail = func(string) { cancel() }

	h := newHarness(t, tracker, func(cfg *Config) {
		cfg.IssueWorkers = 1
		cfg.PageWorkers = 1
	})
	report, err := h.orch.Run(ctx)
	require.NoError(t, err)

	widget := summaryFor(t, report, "7")
	require.Equal(t, mantis.ScanFailed, widget.Outcome)
	require.False(t, widget.CursorAdvanced)

	// Nothing staged after the cancel may reach the store.
	require.Empty(t, h.store.Records("issues_Widget_Cloud"))
	_, ok, err := h.store.Cursor(context.Background(), "7")
	require.NoError(t, err)
	require.False(t, ok)
}
