package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id          BIGSERIAL PRIMARY KEY,
	event       TEXT NOT NULL,
	fields      JSONB NOT NULL DEFAULT '{}',
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`

type entry struct {
	event  string
	fields map[string]any
}

// PostgresSink persists audit events to an audit_events table. Events pass
// through a bounded buffer drained by a single goroutine; when the buffer
// is full new events are dropped rather than blocking the caller.
type PostgresSink struct {
	pool   *pgxpool.Pool
	log    *slog.Logger
	events chan entry

	closeOnce sync.Once
	done      chan struct{}
}

// NewPostgresSink ensures the schema and starts the drain goroutine.
func NewPostgresSink(ctx context.Context, pool *pgxpool.Pool, log *slog.Logger) (*PostgresSink, error) {
	if log == nil {
		log = slog.Default()
	}
	if _, err := pool.Exec(ctx, auditSchema); err != nil {
		return nil, err
	}
	s := &PostgresSink{
		pool:   pool,
		log:    log,
		events: make(chan entry, 256),
		done:   make(chan struct{}),
	}
	go s.drain()
	return s, nil
}

// Record implements Sink. It never blocks.
func (s *PostgresSink) Record(event string, fields map[string]any) {
	select {
	case s.events <- entry{event: event, fields: fields}:
	default:
		s.log.Debug("audit buffer full, dropping event", slog.String("event", event))
	}
}

// Close stops accepting events and waits for the buffer to flush.
func (s *PostgresSink) Close() {
	s.closeOnce.Do(func() {
		close(s.events)
		<-s.done
	})
}

func (s *PostgresSink) drain() {
	defer close(s.done)
	for e := range s.events {
		payload, err := json.Marshal(e.fields)
		if err != nil {
			payload = []byte("{}")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err = s.pool.Exec(ctx, `
			INSERT INTO audit_events (event, fields, recorded_at)
			VALUES ($1, $2, NOW())
		`, e.event, payload)
		cancel()
		if err != nil {
			s.log.Warn("write audit event", slog.String("event", e.event), slog.String("error", err.Error()))
		}
	}
}
