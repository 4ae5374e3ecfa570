// Package scheduler drives priority jobs through a bounded pool of
// goroutines with job-level retry and backoff. It is the single scheduling
// authority: no other component mutates a job's state.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"transcription-pipeline/internal/jobstore"
	"transcription-pipeline/internal/models"
	"transcription-pipeline/internal/telemetry"
)

// ErrAwaitTimeout is returned when AwaitCompletion gives up waiting. The
// underlying job keeps running and still reaches a terminal state.
var ErrAwaitTimeout = errors.New("timed out waiting for job")

// JobFailedError is returned by AwaitCompletion for jobs that reached the
// failed state.
type JobFailedError struct {
	JobID string
	Cause *models.TranscriptionError
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("job %s failed: %v", e.JobID, e.Cause)
}

func (e *JobFailedError) Unwrap() error { return e.Cause }

// Executor runs one attempt of a job's work. The scheduler never inspects
// the payload; for transcription jobs the executor wraps the fallback
// coordinator.
type Executor func(ctx context.Context, job models.Job) (*models.TranscriptionResult, error)

// Options tunes the scheduler. Zero values take the defaults below.
type Options struct {
	// ConcurrencyLimit caps jobs in processing state. Default 5.
	ConcurrencyLimit int
	// MaxAttempts is the default retry budget for enqueued jobs. Default 3.
	MaxAttempts int
	// BackoffInitial/BackoffMax shape the job-level retry delay:
	// min(initial * 2^(attempts-1), max). Defaults 1s and 10s. This layer
	// is independent from the coordinator's provider-level backoff.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// PollInterval is the AwaitCompletion polling cadence. Default 100ms.
	PollInterval time.Duration
	// FailFastPermanent skips job-level retries when the executor's error
	// is explicitly non-retryable. Off by default: a non-retryable
	// coordinator failure still consumes attempts, matching the historic
	// behavior of the pipeline.
	FailFastPermanent bool
}

func (o Options) withDefaults() Options {
	if o.ConcurrencyLimit <= 0 {
		o.ConcurrencyLimit = 5
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 10 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	return o
}

// Scheduler owns the job store and the concurrency budget.
type Scheduler struct {
	store *jobstore.Store
	exec  Executor
	opts  Options
	log   *slog.Logger

	audit      func(event string, fields map[string]any)
	onTerminal func(models.Job)

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	processing int
	timers     map[string]*time.Timer
	closed     bool
}

// New builds a scheduler around its own job store.
func New(store *jobstore.Store, exec Executor, opts Options, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:  store,
		exec:   exec,
		opts:   opts.withDefaults(),
		log:    log,
		audit:  func(string, map[string]any) {},
		ctx:    ctx,
		cancel: cancel,
		timers: make(map[string]*time.Timer),
	}
}

// SetAuditSink routes lifecycle events to the given recorder. Must be
// called before the first Enqueue.
func (s *Scheduler) SetAuditSink(record func(event string, fields map[string]any)) {
	if record != nil {
		s.audit = record
	}
}

// OnTerminal registers a hook invoked exactly once when a job reaches
// completed or failed. Must be called before the first Enqueue.
func (s *Scheduler) OnTerminal(fn func(models.Job)) {
	s.onTerminal = fn
}

// Enqueue creates a pending job and returns its id immediately. A
// maxAttempts of zero takes the scheduler default.
func (s *Scheduler) Enqueue(kind string, payload any, priority, maxAttempts int) (string, error) {
	if maxAttempts <= 0 {
		maxAttempts = s.opts.MaxAttempts
	}
	job := models.Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		Payload:     payload,
		Priority:    priority,
		State:       models.StatePending,
		MaxAttempts: maxAttempts,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.Insert(job); err != nil {
		return "", err
	}
	telemetry.JobsEnqueued.Inc()
	s.audit("job_enqueued", map[string]any{
		"job_id":   job.ID,
		"kind":     kind,
		"priority": priority,
	})
	s.dispatch()
	return job.ID, nil
}

// dispatch fills remaining capacity with eligible jobs, highest priority
// first. It is the only place a job moves from pending to processing, so
// holding s.mu across the claim keeps the concurrency bound exact.
func (s *Scheduler) dispatch() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	for s.processing < s.opts.ConcurrencyLimit {
		job, ok := s.store.NextEligible()
		if !ok {
			break
		}
		now := time.Now().UTC()
		err := s.store.Update(job.ID, func(j *models.Job) {
			j.State = models.StateProcessing
			j.Attempts++
			j.StartedAt = now
		})
		if err != nil {
			s.log.Error("claim job", slog.String("job_id", job.ID), slog.String("error", err.Error()))
			break
		}
		claimed, err := s.store.Get(job.ID)
		if err != nil {
			break
		}
		s.processing++
		telemetry.ProcessingGauge.Inc()
		go s.run(claimed)
	}
	telemetry.PendingGauge.Set(float64(s.store.Stats().Pending))
}

// run executes a single claimed job on its own goroutine and backfills
// capacity when it finishes.
func (s *Scheduler) run(job models.Job) {
	defer func() {
		s.mu.Lock()
		s.processing--
		s.mu.Unlock()
		telemetry.ProcessingGauge.Dec()
		s.dispatch()
	}()

	s.audit("job_started", map[string]any{
		"job_id":  job.ID,
		"attempt": job.Attempts,
	})

	result, err := s.exec(s.ctx, job)
	if err == nil {
		s.complete(job, result)
		return
	}
	s.handleFailure(job, models.AsTranscriptionError("", err))
}

func (s *Scheduler) complete(job models.Job, result *models.TranscriptionResult) {
	now := time.Now().UTC()
	err := s.store.Update(job.ID, func(j *models.Job) {
		j.State = models.StateCompleted
		j.Result = result
		j.Err = nil
		j.CompletedAt = now
		j.ProcessingTimeMs = now.Sub(j.StartedAt).Milliseconds()
	})
	if err != nil {
		s.log.Error("complete job", slog.String("job_id", job.ID), slog.String("error", err.Error()))
		return
	}
	telemetry.JobsCompleted.Inc()
	s.audit("job_completed", map[string]any{
		"job_id":   job.ID,
		"provider": result.Provider,
		"attempts": job.Attempts,
	})
	s.notifyTerminal(job.ID)
}

func (s *Scheduler) handleFailure(job models.Job, terr *models.TranscriptionError) {
	retry := job.Attempts < job.MaxAttempts
	if s.opts.FailFastPermanent && !terr.Retryable {
		retry = false
	}
	if !retry {
		s.fail(job, terr)
		return
	}

	delay := s.retryDelay(job.Attempts)
	err := s.store.Update(job.ID, func(j *models.Job) {
		j.State = models.StateRetrying
		j.Err = terr
	})
	if err != nil {
		s.log.Error("mark job retrying", slog.String("job_id", job.ID), slog.String("error", err.Error()))
		return
	}
	telemetry.JobRetries.Inc()
	s.audit("job_retry_scheduled", map[string]any{
		"job_id":  job.ID,
		"attempt": job.Attempts,
		"delay":   delay.String(),
		"error":   terr.Message,
	})

	// Deferred re-enqueue on a timer so the worker goroutine never sleeps
	// holding capacity.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.timers[job.ID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, job.ID)
		s.mu.Unlock()
		err := s.store.Update(job.ID, func(j *models.Job) {
			if j.State == models.StateRetrying {
				j.State = models.StatePending
			}
		})
		if err != nil && !errors.Is(err, jobstore.ErrNotFound) {
			s.log.Error("requeue job", slog.String("job_id", job.ID), slog.String("error", err.Error()))
		}
		s.dispatch()
	})
	s.mu.Unlock()
}

func (s *Scheduler) fail(job models.Job, terr *models.TranscriptionError) {
	now := time.Now().UTC()
	err := s.store.Update(job.ID, func(j *models.Job) {
		j.State = models.StateFailed
		j.Err = terr
		j.CompletedAt = now
	})
	if err != nil {
		s.log.Error("fail job", slog.String("job_id", job.ID), slog.String("error", err.Error()))
		return
	}
	telemetry.JobsFailed.Inc()
	s.audit("job_failed", map[string]any{
		"job_id":   job.ID,
		"attempts": job.Attempts,
		"code":     string(terr.Code),
		"error":    terr.Message,
	})
	s.notifyTerminal(job.ID)
}

func (s *Scheduler) notifyTerminal(id string) {
	if s.onTerminal == nil {
		return
	}
	job, err := s.store.Get(id)
	if err != nil {
		return
	}
	s.onTerminal(job)
}

// retryDelay is the job-level exponential backoff, capped.
func (s *Scheduler) retryDelay(attempts int) time.Duration {
	d := s.opts.BackoffInitial << (attempts - 1)
	if d > s.opts.BackoffMax || d <= 0 {
		d = s.opts.BackoffMax
	}
	return d
}

// GetStatus returns a job's current state.
func (s *Scheduler) GetStatus(id string) (models.JobState, error) {
	job, err := s.store.Get(id)
	if err != nil {
		return "", err
	}
	return job.State, nil
}

// GetJob returns a snapshot of the job.
func (s *Scheduler) GetJob(id string) (models.Job, error) {
	return s.store.Get(id)
}

// AwaitCompletion polls until the job reaches a terminal state or the
// timeout elapses. A timeout stops the wait only; the job keeps running.
func (s *Scheduler) AwaitCompletion(ctx context.Context, id string, timeout time.Duration) (models.Job, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		job, err := s.store.Get(id)
		if err != nil {
			return models.Job{}, err
		}
		switch job.State {
		case models.StateCompleted:
			return job, nil
		case models.StateFailed:
			return job, &JobFailedError{JobID: id, Cause: job.Err}
		}
		if time.Now().After(deadline) {
			return job, ErrAwaitTimeout
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stats delegates to the job store.
func (s *Scheduler) Stats() jobstore.Stats {
	return s.store.Stats()
}

// ClearFinished removes terminal jobs and returns how many were deleted.
func (s *Scheduler) ClearFinished() int {
	return s.store.RemoveTerminal()
}

// Close cancels in-flight executor contexts and pending retry timers. Jobs
// already dispatched observe the cancellation through their context.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.cancel()
}
