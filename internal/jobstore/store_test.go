package jobstore

import (
	"errors"
	"fmt"
	"testing"

	"transcription-pipeline/internal/models"
)

func pendingJob(id string, priority int) models.Job {
	return models.Job{
		ID:          id,
		Kind:        models.KindTranscription,
		Priority:    priority,
		State:       models.StatePending,
		MaxAttempts: 3,
	}
}

func TestInsertRejectsDuplicateID(t *testing.T) {
	s := New()
	if err := s.Insert(pendingJob("a", 1)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Insert(pendingJob("a", 1)); err == nil {
		t.Fatalf("expected duplicate id error")
	}
}

func TestGetNotFound(t *testing.T) {
	s := New()
	if _, err := s.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNextEligiblePicksHighestPriority(t *testing.T) {
	s := New()
	for i, prio := range []int{1, 5, 3} {
		if err := s.Insert(pendingJob(fmt.Sprintf("job-%d", i), prio)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	job, ok := s.NextEligible()
	if !ok {
		t.Fatalf("expected an eligible job")
	}
	if job.ID != "job-1" {
		t.Fatalf("expected highest priority job-1, got %s", job.ID)
	}
}

func TestNextEligibleFIFOAmongEqualPriority(t *testing.T) {
	s := New()
	for i := 0; i < 5; i++ {
		if err := s.Insert(pendingJob(fmt.Sprintf("job-%d", i), 7)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	for i := 0; i < 5; i++ {
		job, ok := s.NextEligible()
		if !ok {
			t.Fatalf("expected eligible job at step %d", i)
		}
		want := fmt.Sprintf("job-%d", i)
		if job.ID != want {
			t.Fatalf("step %d: expected %s, got %s", i, want, job.ID)
		}
		if err := s.Update(job.ID, func(j *models.Job) { j.State = models.StateProcessing }); err != nil {
			t.Fatalf("update: %v", err)
		}
	}
}

func TestNextEligibleIgnoresNonPending(t *testing.T) {
	s := New()
	if err := s.Insert(pendingJob("a", 10)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Update("a", func(j *models.Job) { j.State = models.StateRetrying }); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, ok := s.NextEligible(); ok {
		t.Fatalf("retrying job must not be eligible")
	}
}

func TestUpdateRefusesTerminalMutation(t *testing.T) {
	s := New()
	if err := s.Insert(pendingJob("a", 1)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Update("a", func(j *models.Job) { j.State = models.StateCompleted }); err != nil {
		t.Fatalf("update: %v", err)
	}
	err := s.Update("a", func(j *models.Job) { j.State = models.StatePending })
	if !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
	job, err := s.Get("a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.State != models.StateCompleted {
		t.Fatalf("terminal state mutated to %s", job.State)
	}
}

func TestRemoveTerminalKeepsActiveJobs(t *testing.T) {
	s := New()
	states := map[string]models.JobState{
		"p": models.StatePending,
		"x": models.StateProcessing,
		"r": models.StateRetrying,
		"c": models.StateCompleted,
		"f": models.StateFailed,
	}
	for id, state := range states {
		if err := s.Insert(pendingJob(id, 1)); err != nil {
			t.Fatalf("insert: %v", err)
		}
		if state == models.StatePending {
			continue
		}
		if err := s.Update(id, func(j *models.Job) { j.State = state }); err != nil {
			t.Fatalf("update: %v", err)
		}
	}

	if removed := s.RemoveTerminal(); removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	for _, id := range []string{"p", "x", "r"} {
		if _, err := s.Get(id); err != nil {
			t.Fatalf("active job %s was removed: %v", id, err)
		}
	}
	for _, id := range []string{"c", "f"} {
		if _, err := s.Get(id); !errors.Is(err, ErrNotFound) {
			t.Fatalf("terminal job %s not removed", id)
		}
	}
}

func TestStatsAveragesProcessingTime(t *testing.T) {
	s := New()
	for i, ms := range []int64{100, 300} {
		id := fmt.Sprintf("c-%d", i)
		if err := s.Insert(pendingJob(id, 1)); err != nil {
			t.Fatalf("insert: %v", err)
		}
		msCopy := ms
		if err := s.Update(id, func(j *models.Job) {
			j.State = models.StateCompleted
			j.ProcessingTimeMs = msCopy
		}); err != nil {
			t.Fatalf("update: %v", err)
		}
	}
	if err := s.Insert(pendingJob("pend", 1)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	st := s.Stats()
	if st.Completed != 2 || st.Pending != 1 {
		t.Fatalf("unexpected counts: %+v", st)
	}
	if st.AvgProcessingTimeMs != 200 {
		t.Fatalf("expected avg 200ms, got %f", st.AvgProcessingTimeMs)
	}
}
