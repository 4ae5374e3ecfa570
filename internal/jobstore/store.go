// Package jobstore holds all known jobs in memory. It is the only shared
// mutable structure in the pipeline; every access goes through one mutex.
package jobstore

import (
	"errors"
	"fmt"
	"sync"

	"transcription-pipeline/internal/models"
)

var (
	// ErrNotFound is returned when no job exists for the given id.
	ErrNotFound = errors.New("job not found")
	// ErrTerminal is returned when mutating a completed or failed job.
	ErrTerminal = errors.New("job is terminal")
)

// Store maps job id to Job. All methods are safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*models.Job
	seq  uint64
}

// New creates an empty store.
func New() *Store {
	return &Store{jobs: make(map[string]*models.Job)}
}

// Insert adds a new job and assigns its submission sequence number.
func (s *Store) Insert(job models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("insert job %s: duplicate id", job.ID)
	}
	s.seq++
	job.Seq = s.seq
	s.jobs[job.ID] = &job
	return nil
}

// Get returns a snapshot copy of the job.
func (s *Store) Get(id string) (models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("get job %s: %w", id, ErrNotFound)
	}
	return *job, nil
}

// NextEligible returns the pending job with the highest priority, breaking
// ties by submission order. It does not change the job's state; the caller
// marks it processing via Update.
func (s *Store) NextEligible() (models.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *models.Job
	for _, job := range s.jobs {
		if job.State != models.StatePending {
			continue
		}
		if best == nil || job.Priority > best.Priority ||
			(job.Priority == best.Priority && job.Seq < best.Seq) {
			best = job
		}
	}
	if best == nil {
		return models.Job{}, false
	}
	return *best, true
}

// Update applies mutate to the job under the store lock. Terminal jobs are
// immutable; attempts to update them return ErrTerminal.
func (s *Store) Update(id string, mutate func(*models.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("update job %s: %w", id, ErrNotFound)
	}
	if job.State.Terminal() {
		return fmt.Errorf("update job %s: %w", id, ErrTerminal)
	}
	mutate(job)
	return nil
}

// RemoveTerminal deletes all completed and failed jobs and returns how many
// were removed. Jobs in pending, processing, or retrying state are kept.
func (s *Store) RemoveTerminal() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, job := range s.jobs {
		if job.State.Terminal() {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed
}

// Stats is an aggregate snapshot of the store.
type Stats struct {
	Pending             int     `json:"pending"`
	Processing          int     `json:"processing"`
	Retrying            int     `json:"retrying"`
	Completed           int     `json:"completed"`
	Failed              int     `json:"failed"`
	AvgProcessingTimeMs float64 `json:"avg_processing_time_ms"`
}

// Stats counts jobs per state and averages processing time over completions.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	var totalMs int64
	for _, job := range s.jobs {
		switch job.State {
		case models.StatePending:
			st.Pending++
		case models.StateProcessing:
			st.Processing++
		case models.StateRetrying:
			st.Retrying++
		case models.StateCompleted:
			st.Completed++
			totalMs += job.ProcessingTimeMs
		case models.StateFailed:
			st.Failed++
		}
	}
	if st.Completed > 0 {
		st.AvgProcessingTimeMs = float64(totalMs) / float64(st.Completed)
	}
	return st
}
