// Package batch buffers normalized records and commits them in
// transactional batches.
package batch

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mantiscan/mantiscan/internal/mantis"
	"github.com/mantiscan/mantiscan/internal/metrics"
)

// Stager accumulates records for one project and flushes them as single
// upsert transactions. One Stager serves one project partition.
type Stager struct {
	mu      sync.Mutex
	buffer  []mantis.IssueRecord
	store   mantis.IssueStore
	project mantis.Project
	// threshold triggers an automatic flush when the buffer fills.
	threshold int
	flushed   int
	logger    *zap.Logger
}

// NewStager builds a Stager for the project's partition.
func NewStager(store mantis.IssueStore, project mantis.Project, threshold int, logger *zap.Logger) *Stager {
	if threshold <= 0 {
		threshold = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stager{
		store:     store,
		project:   project,
		threshold: threshold,
		logger:    logger,
	}
}

// Stage buffers one record, flushing automatically at the threshold.
func (s *Stager) Stage(ctx context.Context, record mantis.IssueRecord) error {
	s.mu.Lock()
	s.buffer = append(s.buffer, record)
	ready := len(s.buffer) >= s.threshold
	s.mu.Unlock()

	if !ready {
		return nil
	}
	return s.Flush(ctx)
}

// Flush commits the buffered records in one transaction and clears the
// buffer. Either every record lands or none do; on failure the buffer is
// retained for a later retry.
func (s *Stager) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.buffer) == 0 {
		s.mu.Unlock()
		return nil
	}
	pending := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	if err := s.store.UpsertBatch(ctx, s.project, pending); err != nil {
		// Put the batch back so a later flush can retry it.
		s.mu.Lock()
		s.buffer = append(pending, s.buffer...)
		s.mu.Unlock()
		return &mantis.PersistenceError{PartitionKey: s.project.PartitionKey, Err: err}
	}

	s.mu.Lock()
	s.flushed += len(pending)
	s.mu.Unlock()

	metrics.ObserveFlush(s.project.PartitionKey, len(pending))
	s.logger.Debug("flushed batch",
		zap.String("partition", s.project.PartitionKey),
		zap.Int("records", len(pending)))
	return nil
}

// Discard drops any buffered-but-uncommitted records. Used on
// cancellation so a partial buffer is never half-committed.
func (s *Stager) Discard() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.buffer)
	s.buffer = nil
	if n > 0 {
		s.logger.Info("discarded staged records",
			zap.String("partition", s.project.PartitionKey),
			zap.Int("records", n))
	}
	return n
}

// Pending returns the number of staged, uncommitted records.
func (s *Stager) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// Flushed returns the number of records durably committed so far.
func (s *Stager) Flushed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushed
}

// String describes the stager for logs.
func (s *Stager) String() string {
	return fmt.Sprintf("stager(%s)", s.project.PartitionKey)
}
