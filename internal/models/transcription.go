package models

import (
	"errors"
	"fmt"
)

// TranscriptionResult is the output of a successful transcription attempt.
type TranscriptionResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`

	// Segments is empty when diarization is disabled or the provider does
	// not support speaker labels.
	Segments []SpeakerSegment `json:"speaker_segments,omitempty"`
	Words    []Word           `json:"words,omitempty"`

	Provider         string `json:"provider"`
	ProcessingTimeMs int64  `json:"processing_time_ms"`
}

// SpeakerSegment is a contiguous span of speech attributed to one speaker.
type SpeakerSegment struct {
	Speaker    string  `json:"speaker"`
	Text       string  `json:"text"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

// Word is a single timestamped word.
type Word struct {
	Word       string  `json:"word"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
	Speaker    string  `json:"speaker,omitempty"`
}

// ErrorCode classifies transcription failures across providers.
type ErrorCode string

const (
	ErrCodeUploadFailed       ErrorCode = "UPLOAD_FAILED"
	ErrCodeNoResult           ErrorCode = "NO_RESULT"
	ErrCodeTimeout            ErrorCode = "TIMEOUT"
	ErrCodeAuthFailed         ErrorCode = "AUTH_FAILED"
	ErrCodeInvalidAudio       ErrorCode = "INVALID_AUDIO"
	ErrCodeQuotaExceeded      ErrorCode = "QUOTA_EXCEEDED"
	ErrCodeUnknown            ErrorCode = "UNKNOWN"
	ErrCodeAllProvidersFailed ErrorCode = "ALL_PROVIDERS_FAILED"
)

// TranscriptionError is the normalized failure shape shared by both provider
// adapters and the fallback coordinator. Retryable governs whether the
// coordinator keeps retrying the same provider before moving on.
type TranscriptionError struct {
	Code      ErrorCode             `json:"code"`
	Provider  string                `json:"provider"`
	Retryable bool                  `json:"retryable"`
	Message   string                `json:"message"`
	Causes    []*TranscriptionError `json:"causes,omitempty"`
}

func (e *TranscriptionError) Error() string {
	return fmt.Sprintf("%s [%s]: %s", e.Provider, e.Code, e.Message)
}

// AsTranscriptionError extracts the typed error from err, or wraps it as an
// UNKNOWN non-retryable failure attributed to the given provider.
func AsTranscriptionError(provider string, err error) *TranscriptionError {
	var terr *TranscriptionError
	if errors.As(err, &terr) {
		return terr
	}
	return &TranscriptionError{
		Code:      ErrCodeUnknown,
		Provider:  provider,
		Retryable: false,
		Message:   err.Error(),
	}
}

// IsRetryable reports whether err carries a retryable transcription failure.
func IsRetryable(err error) bool {
	var terr *TranscriptionError
	if errors.As(err, &terr) {
		return terr.Retryable
	}
	return false
}
