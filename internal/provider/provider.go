// Package provider contains stateless adapters around external
// speech-to-text services. Adapters never retry; they translate each
// provider's failure modes into the shared error taxonomy and leave retry
// and fallback decisions to the coordinator.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"transcription-pipeline/internal/models"
)

// Transcriber is the uniform capability both speech-to-text backends expose.
type Transcriber interface {
	// Transcribe converts audio bytes to text. A failed call returns a
	// *models.TranscriptionError with Retryable set correctly.
	Transcribe(ctx context.Context, audio []byte, opts models.TranscribeOptions) (*models.TranscriptionResult, error)

	// Name identifies the backing provider in results, errors, and logs.
	Name() string

	// HealthCheck is a cheap liveness probe; it performs no transcription.
	HealthCheck(ctx context.Context) bool
}

// StreamChunk is one partial or final transcript emitted by a streaming
// transcription. Err is set on the last chunk when the stream fails.
type StreamChunk struct {
	Text  string
	Final bool
	Err   *models.TranscriptionError
}

// StreamingTranscriber is implemented by adapters that can transcribe audio
// incrementally as chunks arrive. The returned channel is closed when the
// audio channel is closed or the stream fails; it is not restartable.
type StreamingTranscriber interface {
	TranscribeStream(ctx context.Context, audio <-chan []byte, opts models.TranscribeOptions) (<-chan StreamChunk, error)
}

// errorFromStatus maps an HTTP response status to the shared taxonomy.
// Rate limits and server-side failures are transient; auth and malformed
// input are not worth retrying.
func errorFromStatus(providerName string, status int, body []byte) *models.TranscriptionError {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	if msg == "" {
		msg = fmt.Sprintf("http status %d", status)
	} else {
		msg = fmt.Sprintf("http status %d: %s", status, msg)
	}

	var code models.ErrorCode
	var retryable bool
	switch {
	case status == 401 || status == 403:
		code, retryable = models.ErrCodeAuthFailed, false
	case status == 400 || status == 413 || status == 415 || status == 422:
		code, retryable = models.ErrCodeInvalidAudio, false
	case status == 429:
		code, retryable = models.ErrCodeQuotaExceeded, true
	case status == 408 || status == 504:
		code, retryable = models.ErrCodeTimeout, true
	case status >= 500:
		code, retryable = models.ErrCodeUploadFailed, true
	default:
		code, retryable = models.ErrCodeUnknown, false
	}
	return &models.TranscriptionError{
		Code:      code,
		Provider:  providerName,
		Retryable: retryable,
		Message:   msg,
	}
}

// errorFromTransport maps request-level failures (connection refused,
// deadline exceeded) to the shared taxonomy.
func errorFromTransport(providerName string, err error) *models.TranscriptionError {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return &models.TranscriptionError{
			Code:      models.ErrCodeTimeout,
			Provider:  providerName,
			Retryable: true,
			Message:   err.Error(),
		}
	case errors.Is(err, context.Canceled):
		return &models.TranscriptionError{
			Code:      models.ErrCodeTimeout,
			Provider:  providerName,
			Retryable: false,
			Message:   "request canceled: " + err.Error(),
		}
	default:
		return &models.TranscriptionError{
			Code:      models.ErrCodeUploadFailed,
			Provider:  providerName,
			Retryable: true,
			Message:   err.Error(),
		}
	}
}

// noResultError flags an empty transcript from an otherwise successful call.
func noResultError(providerName string) *models.TranscriptionError {
	return &models.TranscriptionError{
		Code:      models.ErrCodeNoResult,
		Provider:  providerName,
		Retryable: true,
		Message:   "provider returned an empty transcript",
	}
}
