package models

import (
	"time"
)

// JobState enumerates scheduler lifecycle states.
type JobState string

const (
	StatePending    JobState = "pending"
	StateProcessing JobState = "processing"
	StateRetrying   JobState = "retrying"
	StateCompleted  JobState = "completed"
	StateFailed     JobState = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// KindTranscription is the only job kind the pipeline schedules today.
const KindTranscription = "transcription"

// Job is a schedulable unit of work owned by the scheduler until terminal.
type Job struct {
	ID          string   `json:"id"`
	Kind        string   `json:"kind"`
	Payload     any      `json:"-"`
	Priority    int      `json:"priority"`
	State       JobState `json:"state"`
	Attempts    int      `json:"attempts"`
	MaxAttempts int      `json:"max_attempts"`

	// Seq is the submission order, used as the FIFO tie-break among
	// equal-priority pending jobs. Assigned by the job store on insert.
	Seq uint64 `json:"-"`

	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`

	Err    *TranscriptionError  `json:"error,omitempty"`
	Result *TranscriptionResult `json:"result,omitempty"`

	// ProcessingTimeMs is the wall-clock duration of the final successful
	// attempt, measured by the scheduler.
	ProcessingTimeMs int64 `json:"processing_time_ms,omitempty"`
}

// TranscriptionPayload is the payload carried by transcription jobs.
type TranscriptionPayload struct {
	NoteID  string
	UserID  string
	Audio   []byte
	Options TranscribeOptions
}

// TranscribeOptions configures a single transcription request.
type TranscribeOptions struct {
	Language  string `json:"language,omitempty"`
	Diarize   bool   `json:"diarize,omitempty"`
	Punctuate bool   `json:"punctuate,omitempty"`
}
