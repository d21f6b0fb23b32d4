// Package memory provides in-memory job ledger and blob store implementations.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/kasp-primer-api/internal/primer"
)

// JobStore provides an in-memory implementation for development/testing.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]primer.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]primer.Job),
	}
}

// CreateJob stores a new job. The ID must be unused.
func (s *JobStore) CreateJob(_ context.Context, job primer.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("create job %s: %w", job.ID, primer.ErrJobExists)
	}
	s.jobs[job.ID] = job
	return nil
}

// UpdateJobStatus moves a pending job into a terminal status.
func (s *JobStore) UpdateJobStatus(
	_ context.Context,
	jobID string,
	status primer.JobStatus,
	errText string,
	finished time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("update job %s: %w", jobID, primer.ErrJobNotFound)
	}
	if job.Status.Terminal() || !status.Terminal() {
		return fmt.Errorf("update job %s from %s to %s: %w", jobID, job.Status, status, primer.ErrStatusTransition)
	}
	job.Status = status
	job.ErrorText = errText
	finished = finished.UTC()
	job.Finished = &finished
	if !job.Created.IsZero() {
		job.PipelineTime = finished.Sub(job.Created).Seconds()
	}
	s.jobs[jobID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (primer.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return primer.Job{}, fmt.Errorf("get job %s: %w", jobID, primer.ErrJobNotFound)
	}
	return job, nil
}

// DeleteJob removes a job. Unknown IDs are ignored.
func (s *JobStore) DeleteJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
	return nil
}

// Len returns the number of jobs held.
func (s *JobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}
