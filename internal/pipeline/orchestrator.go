// Package pipeline is the integration glue between audio submissions, the
// scheduler, and the note store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"transcription-pipeline/internal/jobstore"
	"transcription-pipeline/internal/models"
	"transcription-pipeline/internal/notestore"
	"transcription-pipeline/internal/scheduler"
	"transcription-pipeline/internal/transcribe"
)

// TranscriptionPriority ranks transcription jobs above other hypothetical
// job kinds.
const TranscriptionPriority = 10

// persistTimeout bounds the note store writes done from the terminal hook.
const persistTimeout = 10 * time.Second

// AudioFetcher resolves an object key to audio bytes, for submissions that
// reference already-uploaded audio instead of carrying it inline.
type AudioFetcher interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// Submission is one item of a batch submission.
type Submission struct {
	NoteID  string
	UserID  string
	Audio   []byte
	Options models.TranscribeOptions
}

// Orchestrator submits jobs and persists terminal outcomes.
type Orchestrator struct {
	sched   *scheduler.Scheduler
	notes   notestore.Store
	fetcher AudioFetcher
	log     *slog.Logger
}

// New wires the orchestrator and registers its terminal hook on the
// scheduler. fetcher may be nil when submissions always carry audio inline.
func New(sched *scheduler.Scheduler, notes notestore.Store, fetcher AudioFetcher, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	o := &Orchestrator{
		sched:   sched,
		notes:   notes,
		fetcher: fetcher,
		log:     log,
	}
	sched.OnTerminal(o.persistOutcome)
	return o
}

// TranscriptionExecutor adapts the fallback coordinator to the scheduler's
// executor contract for transcription jobs.
func TranscriptionExecutor(coord *transcribe.Coordinator) scheduler.Executor {
	return func(ctx context.Context, job models.Job) (*models.TranscriptionResult, error) {
		payload, ok := job.Payload.(models.TranscriptionPayload)
		if !ok {
			return nil, &models.TranscriptionError{
				Code:      models.ErrCodeUnknown,
				Retryable: false,
				Message:   fmt.Sprintf("job %s carries no transcription payload", job.ID),
			}
		}
		return coord.Transcribe(ctx, payload.Audio, payload.Options)
	}
}

// Submit enqueues a transcription job and returns its id immediately.
func (o *Orchestrator) Submit(ctx context.Context, noteID, userID string, audio []byte, opts models.TranscribeOptions) (string, error) {
	if len(audio) == 0 {
		return "", errors.New("submit: empty audio")
	}
	payload := models.TranscriptionPayload{
		NoteID:  noteID,
		UserID:  userID,
		Audio:   audio,
		Options: opts,
	}
	jobID, err := o.sched.Enqueue(models.KindTranscription, payload, TranscriptionPriority, 0)
	if err != nil {
		return "", err
	}
	if err := o.notes.SetStatus(ctx, noteID, notestore.StatusProcessing, ""); err != nil {
		o.log.Warn("set note status", slog.String("note_id", noteID), slog.String("error", err.Error()))
	}
	return jobID, nil
}

// SubmitFromStorage fetches audio by object key before submitting.
func (o *Orchestrator) SubmitFromStorage(ctx context.Context, noteID, userID, audioKey string, opts models.TranscribeOptions) (string, error) {
	if o.fetcher == nil {
		return "", errors.New("submit: no audio storage configured")
	}
	audio, err := o.fetcher.Fetch(ctx, audioKey)
	if err != nil {
		return "", fmt.Errorf("fetch audio %s: %w", audioKey, err)
	}
	return o.Submit(ctx, noteID, userID, audio, opts)
}

// SubmitBatch submits many jobs and returns their ids in input order.
func (o *Orchestrator) SubmitBatch(ctx context.Context, items []Submission) ([]string, error) {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		id, err := o.Submit(ctx, item.NoteID, item.UserID, item.Audio, item.Options)
		if err != nil {
			return ids, fmt.Errorf("submit note %s: %w", item.NoteID, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// AwaitBatch waits on all jobs concurrently and returns them in the same
// order as ids, regardless of completion order. The error joins every
// per-job failure.
func (o *Orchestrator) AwaitBatch(ctx context.Context, ids []string, timeout time.Duration) ([]models.Job, error) {
	jobs := make([]models.Job, len(ids))
	errs := make([]error, len(ids))

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			jobs[i], errs[i] = o.sched.AwaitCompletion(ctx, id, timeout)
		}(i, id)
	}
	wg.Wait()
	return jobs, errors.Join(errs...)
}

// Await waits for a single job.
func (o *Orchestrator) Await(ctx context.Context, id string, timeout time.Duration) (models.Job, error) {
	return o.sched.AwaitCompletion(ctx, id, timeout)
}

// GetStatus reports a job's current state.
func (o *Orchestrator) GetStatus(id string) (models.JobState, error) {
	return o.sched.GetStatus(id)
}

// GetJob returns a job snapshot.
func (o *Orchestrator) GetJob(id string) (models.Job, error) {
	return o.sched.GetJob(id)
}

// Stats exposes the scheduler's aggregate snapshot.
func (o *Orchestrator) Stats() jobstore.Stats {
	return o.sched.Stats()
}

// ClearFinished removes terminal jobs from the scheduler.
func (o *Orchestrator) ClearFinished() int {
	return o.sched.ClearFinished()
}

// persistOutcome runs on the scheduler's terminal hook. It always leaves
// the note store in a terminal, human-readable state; persistence failures
// are logged and never propagated.
func (o *Orchestrator) persistOutcome(job models.Job) {
	payload, ok := job.Payload.(models.TranscriptionPayload)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	switch job.State {
	case models.StateCompleted:
		meta := notestore.TranscriptMeta{
			Provider:         job.Result.Provider,
			Confidence:       job.Result.Confidence,
			WordCount:        len(job.Result.Words),
			SegmentCount:     len(job.Result.Segments),
			ProcessingTimeMs: job.ProcessingTimeMs,
		}
		if err := o.notes.StoreTranscript(ctx, payload.NoteID, job.Result.Text, meta); err != nil {
			o.log.Warn("store transcript", slog.String("note_id", payload.NoteID), slog.String("error", err.Error()))
		}
		if err := o.notes.SetStatus(ctx, payload.NoteID, notestore.StatusCompleted, ""); err != nil {
			o.log.Warn("set note status", slog.String("note_id", payload.NoteID), slog.String("error", err.Error()))
		}
	case models.StateFailed:
		msg := "transcription failed"
		if job.Err != nil {
			msg = job.Err.Message
		}
		if err := o.notes.SetStatus(ctx, payload.NoteID, notestore.StatusFailed, msg); err != nil {
			o.log.Warn("set note status", slog.String("note_id", payload.NoteID), slog.String("error", err.Error()))
		}
	}
}
