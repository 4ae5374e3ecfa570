// Package audit records job lifecycle events. Sinks are fire-and-forget:
// Record never blocks the scheduler and never returns an error.
package audit

import (
	"log/slog"
)

// Sink accepts lifecycle events (enqueued, started, retry_scheduled,
// completed, failed) with structured fields.
type Sink interface {
	Record(event string, fields map[string]any)
}

// SlogSink writes audit events to the structured log.
type SlogSink struct {
	log *slog.Logger
}

// NewSlogSink wraps a logger as a sink.
func NewSlogSink(log *slog.Logger) *SlogSink {
	if log == nil {
		log = slog.Default()
	}
	return &SlogSink{log: log}
}

// Record implements Sink.
func (s *SlogSink) Record(event string, fields map[string]any) {
	attrs := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	s.log.With(attrs...).Info("audit: " + event)
}

// NopSink discards all events.
type NopSink struct{}

// Record implements Sink.
func (NopSink) Record(string, map[string]any) {}
