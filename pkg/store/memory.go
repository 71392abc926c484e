package store

import (
	"sort"
	"sync"
	"time"

	"github.com/psantana5/mediabot/pkg/models"
)

// MemoryStore is an in-memory implementation of the data store
type MemoryStore struct {
	jobs map[string]models.Job
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]models.Job)}
}

// SaveJob stores a copy of job
func (s *MemoryStore) SaveJob(job models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = persistable(job)
	return nil
}

// GetJob retrieves a job by ID
func (s *MemoryStore) GetJob(id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	c := job.Clone()
	return &c, nil
}

// ListJobs returns matching jobs, newest first
func (s *MemoryStore) ListJobs(filter ListFilter) ([]models.Job, error) {
	s.mu.RLock()
	out := make([]models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.matches(&job) {
			out = append(out, job.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// DeleteFinishedBefore removes terminal jobs completed before cutoff
func (s *MemoryStore) DeleteFinishedBefore(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, job := range s.jobs {
		if models.IsTerminalState(job.Status) && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			deleted++
		}
	}
	return deleted, nil
}

// HealthCheck always succeeds for the memory store
func (s *MemoryStore) HealthCheck() error { return nil }

// Close is a no-op for the memory store
func (s *MemoryStore) Close() error { return nil }
