// Package notestore is the boundary to the surrounding note application.
// The pipeline only writes terminal outcomes here; it never reads notes.
package notestore

import (
	"context"
	"sync"
)

// Status values the pipeline writes back to a note.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// TranscriptMeta is the structured metadata persisted beside a transcript.
type TranscriptMeta struct {
	Provider         string  `json:"provider"`
	Confidence       float64 `json:"confidence"`
	WordCount        int     `json:"word_count"`
	SegmentCount     int     `json:"segment_count"`
	ProcessingTimeMs int64   `json:"processing_time_ms"`
}

// Store is consumed by the pipeline orchestrator. Both methods may fail;
// the orchestrator logs failures and never re-throws them.
type Store interface {
	SetStatus(ctx context.Context, noteID string, status Status, errorMessage string) error
	StoreTranscript(ctx context.Context, noteID, text string, meta TranscriptMeta) error
}

// Memory is an in-process Store used in tests and when no database is
// configured.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*MemoryEntry
}

// MemoryEntry is the recorded state of one note.
type MemoryEntry struct {
	Status       Status
	ErrorMessage string
	Transcript   string
	Meta         TranscriptMeta
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*MemoryEntry)}
}

func (m *Memory) entry(noteID string) *MemoryEntry {
	e, ok := m.entries[noteID]
	if !ok {
		e = &MemoryEntry{}
		m.entries[noteID] = e
	}
	return e
}

// SetStatus implements Store.
func (m *Memory) SetStatus(_ context.Context, noteID string, status Status, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(noteID)
	e.Status = status
	e.ErrorMessage = errorMessage
	return nil
}

// StoreTranscript implements Store.
func (m *Memory) StoreTranscript(_ context.Context, noteID, text string, meta TranscriptMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(noteID)
	e.Transcript = text
	e.Meta = meta
	return nil
}

// Get returns a copy of the recorded entry, if any.
func (m *Memory) Get(noteID string) (MemoryEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[noteID]
	if !ok {
		return MemoryEntry{}, false
	}
	return *e, true
}
