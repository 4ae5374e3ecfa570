package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"transcription-pipeline/internal/models"
)

const whisperSuccessBody = `{
	"text": "hello world",
	"language": "en",
	"duration": 2.4,
	"segments": [{"start": 0, "end": 2.4, "text": "hello world", "avg_logprob": -0.1}],
	"words": [
		{"word": "hello", "start": 0, "end": 1.1},
		{"word": "world", "start": 1.2, "end": 2.4}
	]
}`

func TestWhisperTranscribeSuccess(t *testing.T) {
	var gotAuth, gotModel, gotLanguage string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		gotModel = r.FormValue("model")
		gotLanguage = r.FormValue("language")
		if _, _, err := r.FormFile("file"); err != nil {
			t.Errorf("missing audio file part: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(whisperSuccessBody))
	}))
	defer srv.Close()

	c := NewWhisperClient(WhisperConfig{Endpoint: srv.URL, APIKey: "secret", Model: "whisper-1"})
	res, err := c.Transcribe(context.Background(), []byte("RIFF"), models.TranscribeOptions{Language: "en"})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}

	if gotAuth != "Bearer secret" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if gotModel != "whisper-1" || gotLanguage != "en" {
		t.Fatalf("unexpected form fields model=%q language=%q", gotModel, gotLanguage)
	}
	if res.Text != "hello world" {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if len(res.Words) != 2 || res.Words[0].Word != "hello" {
		t.Fatalf("unexpected words %+v", res.Words)
	}
	if res.Confidence <= 0 || res.Confidence > 1 {
		t.Fatalf("confidence out of range: %f", res.Confidence)
	}
	if res.Provider != "whisper" {
		t.Fatalf("unexpected provider %q", res.Provider)
	}
}

func TestWhisperErrorTaxonomy(t *testing.T) {
	cases := []struct {
		status    int
		code      models.ErrorCode
		retryable bool
	}{
		{http.StatusUnauthorized, models.ErrCodeAuthFailed, false},
		{http.StatusBadRequest, models.ErrCodeInvalidAudio, false},
		{http.StatusTooManyRequests, models.ErrCodeQuotaExceeded, true},
		{http.StatusInternalServerError, models.ErrCodeUploadFailed, true},
		{http.StatusGatewayTimeout, models.ErrCodeTimeout, true},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "nope", tc.status)
		}))
		c := NewWhisperClient(WhisperConfig{Endpoint: srv.URL, APIKey: "k"})
		_, err := c.Transcribe(context.Background(), []byte("x"), models.TranscribeOptions{})
		srv.Close()

		var terr *models.TranscriptionError
		if !errors.As(err, &terr) {
			t.Fatalf("status %d: expected TranscriptionError, got %v", tc.status, err)
		}
		if terr.Code != tc.code || terr.Retryable != tc.retryable {
			t.Fatalf("status %d: got code=%s retryable=%v, want code=%s retryable=%v",
				tc.status, terr.Code, terr.Retryable, tc.code, tc.retryable)
		}
		if terr.Provider != "whisper" {
			t.Fatalf("status %d: provider %q", tc.status, terr.Provider)
		}
	}
}

func TestWhisperEmptyTranscriptIsNoResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"text": "  "}`))
	}))
	defer srv.Close()

	c := NewWhisperClient(WhisperConfig{Endpoint: srv.URL, APIKey: "k"})
	_, err := c.Transcribe(context.Background(), []byte("x"), models.TranscribeOptions{})
	var terr *models.TranscriptionError
	if !errors.As(err, &terr) || terr.Code != models.ErrCodeNoResult {
		t.Fatalf("expected NO_RESULT, got %v", err)
	}
	if !terr.Retryable {
		t.Fatalf("NO_RESULT should be retryable")
	}
}

func TestWhisperConnectionRefusedIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // deliberately refuse connections

	c := NewWhisperClient(WhisperConfig{Endpoint: srv.URL, APIKey: "k"})
	_, err := c.Transcribe(context.Background(), []byte("x"), models.TranscribeOptions{})
	if !models.IsRetryable(err) {
		t.Fatalf("expected retryable transport error, got %v", err)
	}
}

func TestWhisperHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized) // reachable counts as up
	}))
	defer srv.Close()

	c := NewWhisperClient(WhisperConfig{Endpoint: srv.URL, APIKey: "k"})
	if !c.HealthCheck(context.Background()) {
		t.Fatalf("reachable endpoint should report healthy")
	}

	down := NewWhisperClient(WhisperConfig{Endpoint: "http://127.0.0.1:0", APIKey: "k"})
	if down.HealthCheck(context.Background()) {
		t.Fatalf("unreachable endpoint should report unhealthy")
	}
}

func TestWhisperStreamEmitsPartialsAndFinal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"text": "part"}`))
	}))
	defer srv.Close()

	c := NewWhisperClient(WhisperConfig{Endpoint: srv.URL, APIKey: "k", StreamFlushBytes: 4})
	audio := make(chan []byte, 3)
	audio <- []byte("abcd") // flush 1
	audio <- []byte("ef")   // flushed at close
	close(audio)

	out, err := c.TranscribeStream(context.Background(), audio, models.TranscribeOptions{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	var chunks []StreamChunk
	for chunk := range out {
		if chunk.Err != nil {
			t.Fatalf("unexpected stream error: %v", chunk.Err)
		}
		chunks = append(chunks, chunk)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 segment calls, got %d", calls.Load())
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 2 partials + final, got %d chunks", len(chunks))
	}
	last := chunks[len(chunks)-1]
	if !last.Final || last.Text != "part part" {
		t.Fatalf("unexpected final chunk %+v", last)
	}
}

func TestWhisperStreamFailurePropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad audio", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewWhisperClient(WhisperConfig{Endpoint: srv.URL, APIKey: "k", StreamFlushBytes: 2})
	audio := make(chan []byte, 1)
	audio <- []byte("abcd")
	close(audio)

	out, err := c.TranscribeStream(context.Background(), audio, models.TranscribeOptions{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	var sawErr bool
	for chunk := range out {
		if chunk.Err != nil {
			sawErr = true
			if chunk.Err.Code != models.ErrCodeInvalidAudio {
				t.Fatalf("unexpected error code %s", chunk.Err.Code)
			}
		}
	}
	if !sawErr {
		t.Fatalf("expected an error chunk")
	}
}
