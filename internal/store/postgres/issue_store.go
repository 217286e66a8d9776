// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mantiscan/mantiscan/internal/mantis"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// IssueStoreConfig controls the Postgres connection pool.
type IssueStoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// dbPool is the subset of pgxpool.Pool the store needs; pgxmock
// satisfies it in tests.
type dbPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// IssueStore persists issue snapshots, cursors, and run summaries. Each
// project gets its own partition table so cross-project writes never
// interleave.
type IssueStore struct {
	pool dbPool
}

// NewIssueStore connects a pool and prepares the shared tables.
func NewIssueStore(ctx context.Context, cfg IssueStoreConfig) (*IssueStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store := &IssueStore{pool: pool}
	if err := store.ensureSharedTables(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewIssueStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewIssueStoreWithPool(pool dbPool) (*IssueStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &IssueStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *IssueStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *IssueStore) ensureSharedTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS projects (
	project_id TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	partition_key TEXT NOT NULL,
	first_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
		`CREATE TABLE IF NOT EXISTS scan_cursors (
	project_id TEXT PRIMARY KEY,
	last_scan_completed_at TIMESTAMPTZ NOT NULL,
	high_watermark TEXT NOT NULL DEFAULT ''
)`,
		`CREATE TABLE IF NOT EXISTS run_summaries (
	id BIGSERIAL PRIMARY KEY,
	run_id TEXT NOT NULL,
	project_id TEXT NOT NULL,
	summary JSONB NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure shared tables: %w", err)
		}
	}
	return nil
}

// EnsurePartition registers the project and creates its partition table
// when missing. Projects are never deleted here.
func (s *IssueStore) EnsurePartition(ctx context.Context, project mantis.Project) error {
	if !validTableName.MatchString(project.PartitionKey) {
		return fmt.Errorf("invalid partition key %q", project.PartitionKey)
	}

	createTable := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	issue_id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	project_name TEXT,
	category TEXT,
	summary TEXT,
	description TEXT,
	steps_to_reproduce TEXT,
	additional_information TEXT,
	status TEXT,
	resolution TEXT,
	reporter TEXT,
	assignee TEXT,
	priority TEXT,
	severity TEXT,
	version TEXT,
	fixed_in_version TEXT,
	target_version TEXT,
	submitted_at TIMESTAMPTZ,
	last_updated TIMESTAMPTZ,
	bugnotes JSONB,
	source_url TEXT,
	scraped_at TIMESTAMPTZ
)`, project.PartitionKey)
	if _, err := s.pool.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("create partition %s: %w", project.PartitionKey, err)
	}

	register := `
INSERT INTO projects (project_id, display_name, partition_key)
VALUES ($1, $2, $3)
ON CONFLICT (project_id) DO UPDATE SET display_name = EXCLUDED.display_name`
	if _, err := s.pool.Exec(ctx, register, project.ID, project.Name, project.PartitionKey); err != nil {
		return fmt.Errorf("register project %s: %w", project.ID, err)
	}
	return nil
}

// UpsertBatch commits records into the project's partition atomically,
// keyed by issue_id. Re-ingesting an issue overwrites its row.
func (s *IssueStore) UpsertBatch(ctx context.Context, project mantis.Project, records []mantis.IssueRecord) error {
	if len(records) == 0 {
		return nil
	}
	if !validTableName.MatchString(project.PartitionKey) {
		return fmt.Errorf("invalid partition key %q", project.PartitionKey)
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	issue_id, project_id, project_name, category, summary, description,
	steps_to_reproduce, additional_information, status, resolution,
	reporter, assignee, priority, severity, version, fixed_in_version,
	target_version, submitted_at, last_updated, bugnotes, source_url, scraped_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22
)
ON CONFLICT (issue_id) DO UPDATE SET
	project_id = EXCLUDED.project_id,
	project_name = EXCLUDED.project_name,
	category = EXCLUDED.category,
	summary = EXCLUDED.summary,
	description = EXCLUDED.description,
	steps_to_reproduce = EXCLUDED.steps_to_reproduce,
	additional_information = EXCLUDED.additional_information,
	status = EXCLUDED.status,
	resolution = EXCLUDED.resolution,
	reporter = EXCLUDED.reporter,
	assignee = EXCLUDED.assignee,
	priority = EXCLUDED.priority,
	severity = EXCLUDED.severity,
	version = EXCLUDED.version,
	fixed_in_version = EXCLUDED.fixed_in_version,
	target_version = EXCLUDED.target_version,
	submitted_at = EXCLUDED.submitted_at,
	last_updated = EXCLUDED.last_updated,
	bugnotes = EXCLUDED.bugnotes,
	source_url = EXCLUDED.source_url,
	scraped_at = EXCLUDED.scraped_at`, project.PartitionKey)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin upsert tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	for _, rec := range records {
		bugnotes, merr := json.Marshal(rec.Bugnotes)
		if merr != nil {
			return fmt.Errorf("marshal bugnotes for issue %s: %w", rec.IssueID, merr)
		}
		if _, err := tx.Exec(ctx, query,
			rec.IssueID,
			rec.ProjectID,
			rec.ProjectName,
			rec.Category,
			rec.Summary,
			rec.Description,
			rec.StepsToRepro,
			rec.AdditionalInfo,
			rec.Status,
			rec.Resolution,
			rec.Reporter,
			rec.Assignee,
			rec.Priority,
			rec.Severity,
			rec.Version,
			rec.FixedInVersion,
			rec.TargetVersion,
			nullableTime(rec.SubmittedAt),
			nullableTime(rec.LastUpdated),
			bugnotes,
			rec.SourceURL,
			rec.ScrapedAt,
		); err != nil {
			return fmt.Errorf("upsert issue %s: %w", rec.IssueID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit upsert tx: %w", err)
	}
	return nil
}

// Cursor returns the project's scan cursor.
func (s *IssueStore) Cursor(ctx context.Context, projectID string) (mantis.ScanCursor, bool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT last_scan_completed_at, high_watermark FROM scan_cursors WHERE project_id = $1`,
		projectID)
	cursor := mantis.ScanCursor{ProjectID: projectID}
	err := row.Scan(&cursor.LastScanCompletedAt, &cursor.HighWatermark)
	if errors.Is(err, pgx.ErrNoRows) {
		return mantis.ScanCursor{}, false, nil
	}
	if err != nil {
		return mantis.ScanCursor{}, false, fmt.Errorf("read cursor for %s: %w", projectID, err)
	}
	return cursor, true, nil
}

// AdvanceCursor writes the cursor. Called only after the project's final
// flush succeeded.
func (s *IssueStore) AdvanceCursor(ctx context.Context, cursor mantis.ScanCursor) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO scan_cursors (project_id, last_scan_completed_at, high_watermark)
VALUES ($1, $2, $3)
ON CONFLICT (project_id) DO UPDATE SET
	last_scan_completed_at = EXCLUDED.last_scan_completed_at,
	high_watermark = EXCLUDED.high_watermark`,
		cursor.ProjectID, cursor.LastScanCompletedAt, cursor.HighWatermark)
	if err != nil {
		return fmt.Errorf("advance cursor for %s: %w", cursor.ProjectID, err)
	}
	return nil
}

// AppendRunSummary adds one entry to the append-only run summary log.
func (s *IssueStore) AppendRunSummary(ctx context.Context, runID string, summary mantis.ScanSummary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO run_summaries (run_id, project_id, summary) VALUES ($1, $2, $3)`,
		runID, summary.ProjectID, payload); err != nil {
		return fmt.Errorf("append run summary: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
