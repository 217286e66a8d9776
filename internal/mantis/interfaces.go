package mantis

import (
	"context"
	"time"
)

// Fetcher retrieves one tracker page using the supplied session.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error)
}

// SessionSource hands out session snapshots and performs refreshes.
type SessionSource interface {
	// Current returns a copy of the live session or ErrSessionExpired.
	Current() (Session, error)
	// Validate probes the tracker with the given session.
	Validate(ctx context.Context, s Session) bool
	// Refresh runs the login collaborator and installs the new session.
	// Concurrent callers share a single in-flight refresh.
	Refresh(ctx context.Context) (Session, error)
}

// IssueStore persists normalized issue records per project partition.
type IssueStore interface {
	// EnsurePartition creates the project's partition if missing.
	EnsurePartition(ctx context.Context, project Project) error
	// UpsertBatch commits records into the project's partition in one
	// transaction, keyed by issue_id. All or nothing.
	UpsertBatch(ctx context.Context, project Project, records []IssueRecord) error
	// Cursor returns the project's scan cursor; ok is false when none exists.
	Cursor(ctx context.Context, projectID string) (ScanCursor, bool, error)
	// AdvanceCursor writes the cursor after a fully complete project scan.
	AdvanceCursor(ctx context.Context, cursor ScanCursor) error
	// AppendRunSummary adds one entry to the append-only run summary log.
	AppendRunSummary(ctx context.Context, runID string, summary ScanSummary) error
}

// BlobStore archives raw fetched artifacts and returns their URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes per-project scan summaries to downstream tooling.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (swappable in tests).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
