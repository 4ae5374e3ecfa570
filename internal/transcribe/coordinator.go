// Package transcribe orchestrates the two speech-to-text providers: the
// primary is retried with exponential backoff, then the secondary gets its
// own independent retry budget, and only a combined failure crosses the
// boundary to the scheduler.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"transcription-pipeline/internal/models"
	"transcription-pipeline/internal/provider"
	"transcription-pipeline/internal/telemetry"
)

// ErrStreamingUnsupported is returned by TranscribeStream when the primary
// provider has no streaming capability.
var ErrStreamingUnsupported = errors.New("primary provider does not support streaming")

// RetryPolicy bounds the per-provider retry loop. MaxRetries counts
// attempts after the first; delays double from Initial up to Max.
type RetryPolicy struct {
	MaxRetries int
	Initial    time.Duration
	Max        time.Duration
}

// DefaultRetryPolicy matches the provider-level defaults: three retries,
// 1s doubling to a 10s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, Initial: time.Second, Max: 10 * time.Second}
}

// Delay returns the wait before retry attempt n (1-indexed).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.Initial << (attempt - 1)
	if p.Max > 0 && (d > p.Max || d <= 0) {
		d = p.Max
	}
	return d
}

// Health reports provider reachability.
type Health struct {
	PrimaryUp   bool `json:"primary_up"`
	SecondaryUp bool `json:"secondary_up"`
	Overall     bool `json:"overall"`
}

// Coordinator holds the provider pair and their retry policies.
type Coordinator struct {
	primary         provider.Transcriber
	secondary       provider.Transcriber
	primaryPolicy   RetryPolicy
	secondaryPolicy RetryPolicy
	log             *slog.Logger
}

// New builds a coordinator. Policies with a zero Initial fall back to the
// defaults.
func New(primary, secondary provider.Transcriber, primaryPolicy, secondaryPolicy RetryPolicy, log *slog.Logger) *Coordinator {
	if primaryPolicy.Initial <= 0 {
		primaryPolicy = DefaultRetryPolicy()
	}
	if secondaryPolicy.Initial <= 0 {
		secondaryPolicy = DefaultRetryPolicy()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		primary:         primary,
		secondary:       secondary,
		primaryPolicy:   primaryPolicy,
		secondaryPolicy: secondaryPolicy,
		log:             log,
	}
}

// Transcribe produces a result from raw audio, retrying the primary
// provider and falling back to the secondary. Once a provider succeeds no
// further calls are made.
func (c *Coordinator) Transcribe(ctx context.Context, audio []byte, opts models.TranscribeOptions) (*models.TranscriptionResult, error) {
	res, primaryErr := c.withRetry(ctx, c.primary, c.primaryPolicy, audio, opts)
	if primaryErr == nil {
		return res, nil
	}

	telemetry.ProviderFallbacks.Inc()
	c.log.Warn("primary provider failed, falling back",
		slog.String("primary", c.primary.Name()),
		slog.String("secondary", c.secondary.Name()),
		slog.String("code", string(primaryErr.Code)),
		slog.String("error", primaryErr.Message))

	res, secondaryErr := c.withRetry(ctx, c.secondary, c.secondaryPolicy, audio, opts)
	if secondaryErr == nil {
		return res, nil
	}
	return nil, combinedError(primaryErr, secondaryErr)
}

// withRetry runs the retry loop for one provider. It sleeps only between
// attempts, stops immediately on a non-retryable error, and honors context
// cancellation during backoff.
func (c *Coordinator) withRetry(ctx context.Context, t provider.Transcriber, policy RetryPolicy, audio []byte, opts models.TranscribeOptions) (*models.TranscriptionResult, *models.TranscriptionError) {
	var last *models.TranscriptionError
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(policy.Delay(attempt)):
			case <-ctx.Done():
				return nil, &models.TranscriptionError{
					Code:      models.ErrCodeTimeout,
					Provider:  t.Name(),
					Retryable: false,
					Message:   "canceled while waiting to retry: " + ctx.Err().Error(),
				}
			}
		}

		start := time.Now()
		res, err := t.Transcribe(ctx, audio, opts)
		if err == nil {
			if res.Provider == "" {
				res.Provider = t.Name()
			}
			if res.ProcessingTimeMs == 0 {
				res.ProcessingTimeMs = time.Since(start).Milliseconds()
			}
			return res, nil
		}

		last = models.AsTranscriptionError(t.Name(), err)
		if !last.Retryable {
			return nil, last
		}
		c.log.Debug("provider attempt failed",
			slog.String("provider", t.Name()),
			slog.Int("attempt", attempt+1),
			slog.String("code", string(last.Code)))
	}
	return nil, last
}

// TranscribeStream transcribes audio incrementally via the primary
// provider. There is no fallback for streaming: a stream failure surfaces
// as an error chunk and the stream ends. The stream is single-consumer and
// not restartable.
func (c *Coordinator) TranscribeStream(ctx context.Context, audio <-chan []byte, opts models.TranscribeOptions) (<-chan provider.StreamChunk, error) {
	streamer, ok := c.primary.(provider.StreamingTranscriber)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	return streamer.TranscribeStream(ctx, audio, opts)
}

// HealthCheck probes both providers concurrently.
func (c *Coordinator) HealthCheck(ctx context.Context) Health {
	var h Health
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.PrimaryUp = c.primary.HealthCheck(ctx)
	}()
	go func() {
		defer wg.Done()
		h.SecondaryUp = c.secondary.HealthCheck(ctx)
	}()
	wg.Wait()
	h.Overall = h.PrimaryUp || h.SecondaryUp
	return h
}

// combinedError wraps both providers' final errors into the terminal
// ALL_PROVIDERS_FAILED failure.
func combinedError(primaryErr, secondaryErr *models.TranscriptionError) *models.TranscriptionError {
	return &models.TranscriptionError{
		Code:      models.ErrCodeAllProvidersFailed,
		Provider:  "all",
		Retryable: false,
		Message: fmt.Sprintf("%s: %s; %s: %s",
			primaryErr.Provider, primaryErr.Message,
			secondaryErr.Provider, secondaryErr.Message),
		Causes: []*models.TranscriptionError{primaryErr, secondaryErr},
	}
}
