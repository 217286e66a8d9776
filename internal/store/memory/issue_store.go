// Package memory provides in-memory store implementations for tests and
// local development.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/mantiscan/mantiscan/internal/mantis"
)

type summaryEntry struct {
	RunID   string
	Summary mantis.ScanSummary
}

// IssueStore keeps everything in maps guarded by one mutex.
type IssueStore struct {
	mu         sync.Mutex
	partitions map[string]map[string]mantis.IssueRecord
	projects   map[string]mantis.Project
	cursors    map[string]mantis.ScanCursor
	summaries  []summaryEntry

	// FailUpsert forces UpsertBatch to fail, for exercising the
	// retain-on-failure path.
	FailUpsert bool
}

func NewIssueStore() *IssueStore {
	return &IssueStore{
		partitions: make(map[string]map[string]mantis.IssueRecord),
		projects:   make(map[string]mantis.Project),
		cursors:    make(map[string]mantis.ScanCursor),
	}
}

func (s *IssueStore) EnsurePartition(_ context.Context, project mantis.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[project.ID] = project
	if _, ok := s.partitions[project.PartitionKey]; !ok {
		s.partitions[project.PartitionKey] = make(map[string]mantis.IssueRecord)
	}
	return nil
}

func (s *IssueStore) UpsertBatch(_ context.Context, project mantis.Project, records []mantis.IssueRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailUpsert {
		return fmt.Errorf("upsert disabled")
	}
	part, ok := s.partitions[project.PartitionKey]
	if !ok {
		part = make(map[string]mantis.IssueRecord)
		s.partitions[project.PartitionKey] = part
	}
	for _, rec := range records {
		part[rec.IssueID] = rec
	}
	return nil
}

func (s *IssueStore) Cursor(_ context.Context, projectID string) (mantis.ScanCursor, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cursor, ok := s.cursors[projectID]
	return cursor, ok, nil
}

func (s *IssueStore) AdvanceCursor(_ context.Context, cursor mantis.ScanCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[cursor.ProjectID] = cursor
	return nil
}

func (s *IssueStore) AppendRunSummary(_ context.Context, runID string, summary mantis.ScanSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries = append(s.summaries, summaryEntry{RunID: runID, Summary: summary})
	return nil
}

// Records returns a copy of the partition's contents.
func (s *IssueStore) Records(partitionKey string) []mantis.IssueRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	part := s.partitions[partitionKey]
	out := make([]mantis.IssueRecord, 0, len(part))
	for _, rec := range part {
		out = append(out, rec)
	}
	return out
}

// Record looks up one issue by id inside a partition.
func (s *IssueStore) Record(partitionKey, issueID string) (mantis.IssueRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.partitions[partitionKey][issueID]
	return rec, ok
}

// Summaries returns all appended run summaries in order.
func (s *IssueStore) Summaries() []mantis.ScanSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]mantis.ScanSummary, 0, len(s.summaries))
	for _, e := range s.summaries {
		out = append(out, e.Summary)
	}
	return out
}
