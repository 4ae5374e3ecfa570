package notestore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const noteSchema = `
CREATE TABLE IF NOT EXISTS note_transcriptions (
	note_id       TEXT PRIMARY KEY,
	status        TEXT NOT NULL DEFAULT 'processing',
	error_message TEXT,
	transcript    TEXT,
	meta          JSONB,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`

// Postgres persists transcription outcomes through pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres ensures the schema and wraps the pool.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (*Postgres, error) {
	if _, err := pool.Exec(ctx, noteSchema); err != nil {
		return nil, fmt.Errorf("ensure note schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// SetStatus implements Store.
func (p *Postgres) SetStatus(ctx context.Context, noteID string, status Status, errorMessage string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO note_transcriptions (note_id, status, error_message, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), NOW())
		ON CONFLICT (note_id) DO UPDATE
		SET status = EXCLUDED.status, error_message = EXCLUDED.error_message, updated_at = NOW()
	`, noteID, string(status), errorMessage)
	if err != nil {
		return fmt.Errorf("set note status: %w", err)
	}
	return nil
}

// StoreTranscript implements Store.
func (p *Postgres) StoreTranscript(ctx context.Context, noteID, text string, meta TranscriptMeta) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal transcript meta: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO note_transcriptions (note_id, transcript, meta, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (note_id) DO UPDATE
		SET transcript = EXCLUDED.transcript, meta = EXCLUDED.meta, updated_at = NOW()
	`, noteID, text, metaJSON)
	if err != nil {
		return fmt.Errorf("store transcript: %w", err)
	}
	return nil
}

var _ Store = (*Postgres)(nil)
