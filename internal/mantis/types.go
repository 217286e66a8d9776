package mantis

import (
	"time"
)

// Cookie is one credential key/value pair carried on every request.
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain,omitempty"`
	Path   string `json:"path,omitempty"`
}

// Session is an immutable snapshot of the authenticated credential bundle.
// Callers receive copies; only the session store mutates the live session.
type Session struct {
	Cookies     []Cookie  `json:"cookies"`
	ValidatedAt time.Time `json:"validated_at"`
	ExpiresHint time.Time `json:"expires_hint,omitempty"`
}

// Clone returns a deep copy so workers can mutate their view freely.
func (s Session) Clone() Session {
	out := s
	out.Cookies = append([]Cookie(nil), s.Cookies...)
	return out
}

// Cookie returns the value of a named cookie, or "" if absent.
func (s Session) Cookie(name string) string {
	for _, c := range s.Cookies {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

// WithCookie returns a copy of the session with the named cookie set or replaced.
func (s Session) WithCookie(c Cookie) Session {
	out := s.Clone()
	for i := range out.Cookies {
		if out.Cookies[i].Name == c.Name {
			out.Cookies[i] = c
			return out
		}
	}
	out.Cookies = append(out.Cookies, c)
	return out
}

// Project identifies one tracker project and its persistence partition.
type Project struct {
	ID           string `json:"id"`
	Name         string `json:"display_name"`
	PartitionKey string `json:"partition_key"`
}

// IssueReference points at one issue discovered on a list page. It lives only
// in the in-flight work queue between the collector and the detail pool.
type IssueReference struct {
	ProjectID  string
	IssueID    string
	SourcePage int
	URL        string
}

// Bugnote is one entry of an issue's ordered note thread.
type Bugnote struct {
	Author string    `json:"author"`
	At     time.Time `json:"timestamp"`
	Text   string    `json:"text"`
}

// IssueRecord is the normalized form of one fully fetched issue. Optional
// fields that the tracker omits stay empty, never error.
type IssueRecord struct {
	IssueID        string    `json:"issue_id"`
	ProjectID      string    `json:"project_id"`
	ProjectName    string    `json:"project_name"`
	Category       string    `json:"category"`
	Summary        string    `json:"summary"`
	Description    string    `json:"description"`
	StepsToRepro   string    `json:"steps_to_reproduce"`
	AdditionalInfo string    `json:"additional_information"`
	Status         string    `json:"status"`
	Resolution     string    `json:"resolution"`
	Reporter       string    `json:"reporter"`
	Assignee       string    `json:"assignee"`
	Priority       string    `json:"priority"`
	Severity       string    `json:"severity"`
	Version        string    `json:"version"`
	FixedInVersion string    `json:"fixed_in_version"`
	TargetVersion  string    `json:"target_version"`
	SubmittedAt    time.Time `json:"submitted_at"`
	LastUpdated    time.Time `json:"last_updated"`
	Bugnotes       []Bugnote `json:"bugnotes,omitempty"`
	SourceURL      string    `json:"source_url"`
	ScrapedAt      time.Time `json:"scraped_at"`
}

// ScanCursor bounds incremental work for one project. It is written only
// after a fully complete scan of the project.
type ScanCursor struct {
	ProjectID           string    `json:"project_id"`
	LastScanCompletedAt time.Time `json:"last_scan_completed_at"`
	HighWatermark       string    `json:"last_seen_issue_id_high_watermark"`
}

// ScanMode selects full or incremental collection.
type ScanMode string

const (
	ScanModeFull        ScanMode = "full"
	ScanModeIncremental ScanMode = "incremental"
)

// ScanOutcome is the terminal state of one project's scan.
type ScanOutcome string

const (
	ScanComplete ScanOutcome = "complete"
	ScanPartial  ScanOutcome = "partial"
	ScanFailed   ScanOutcome = "failed"
)

// ScanSummary is emitted once per project per run and never mutated after.
type ScanSummary struct {
	ProjectID       string        `json:"project_id"`
	ProjectName     string        `json:"project_name"`
	Outcome         ScanOutcome   `json:"outcome"`
	PagesCollected  int           `json:"pages_collected"`
	PagesExpected   int           `json:"pages_expected"`
	IssuesAttempted int           `json:"issues_attempted"`
	IssuesSucceeded int           `json:"issues_succeeded"`
	IssuesFailed    int           `json:"issues_failed"`
	CursorAdvanced  bool          `json:"cursor_advanced"`
	Duration        time.Duration `json:"duration"`
	Error           string        `json:"error,omitempty"`
}

// RunReport aggregates all per-project summaries for one run.
type RunReport struct {
	RunID      string        `json:"run_id"`
	Mode       ScanMode      `json:"mode"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Summaries  []ScanSummary `json:"summaries"`
}

// Complete reports whether every project finished without partial outcomes.
func (r RunReport) Complete() bool {
	for _, s := range r.Summaries {
		if s.Outcome != ScanComplete {
			return false
		}
	}
	return true
}

// Totals sums the per-project counters.
func (r RunReport) Totals() (attempted, succeeded, failed int) {
	for _, s := range r.Summaries {
		attempted += s.IssuesAttempted
		succeeded += s.IssuesSucceeded
		failed += s.IssuesFailed
	}
	return attempted, succeeded, failed
}

// FetchRequest captures everything needed to fetch one tracker page.
type FetchRequest struct {
	URL     string
	Session Session
	Class   RequestClass
}

// FetchResponse is the raw result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// RequestClass partitions outbound traffic for throttling purposes.
type RequestClass string

const (
	ClassListPage    RequestClass = "list-page"
	ClassIssueDetail RequestClass = "issue-detail"
)
