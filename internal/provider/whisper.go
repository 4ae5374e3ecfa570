package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"transcription-pipeline/internal/models"
)

// WhisperConfig configures the whisper-compatible adapter.
type WhisperConfig struct {
	// Endpoint is the transcription URL, e.g.
	// https://api.example.com/v1/audio/transcriptions.
	Endpoint string
	// HealthEndpoint is probed by HealthCheck. Defaults to Endpoint.
	HealthEndpoint string
	APIKey         string
	Model          string
	Timeout        time.Duration
	// StreamFlushBytes is how much buffered audio triggers a partial
	// transcription during streaming.
	StreamFlushBytes int
}

// WhisperClient adapts an OpenAI-compatible transcription endpoint. Audio is
// sent as a multipart file upload; the verbose_json response carries
// segments and word timestamps.
type WhisperClient struct {
	cfg        WhisperConfig
	httpClient *http.Client
}

// NewWhisperClient builds the adapter with defaults filled in.
func NewWhisperClient(cfg WhisperConfig) *WhisperClient {
	if cfg.Model == "" {
		cfg.Model = "whisper-1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.HealthEndpoint == "" {
		cfg.HealthEndpoint = cfg.Endpoint
	}
	if cfg.StreamFlushBytes <= 0 {
		cfg.StreamFlushBytes = 64 * 1024
	}
	return &WhisperClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Name implements Transcriber.
func (c *WhisperClient) Name() string { return "whisper" }

type whisperSegment struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	AvgLogprob float64 `json:"avg_logprob"`
}

type whisperWord struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type whisperResponse struct {
	Text     string           `json:"text"`
	Language string           `json:"language"`
	Duration float64          `json:"duration"`
	Segments []whisperSegment `json:"segments"`
	Words    []whisperWord    `json:"words"`
}

// Transcribe implements Transcriber. Whisper has no diarization, so the
// result never carries speaker labels regardless of opts.Diarize.
func (c *WhisperClient) Transcribe(ctx context.Context, audio []byte, opts models.TranscribeOptions) (*models.TranscriptionResult, error) {
	start := time.Now()

	body, contentType, err := c.buildRequestBody(audio, opts)
	if err != nil {
		return nil, &models.TranscriptionError{
			Code:      models.ErrCodeUploadFailed,
			Provider:  c.Name(),
			Retryable: false,
			Message:   "build multipart request: " + err.Error(),
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, body)
	if err != nil {
		return nil, &models.TranscriptionError{
			Code:      models.ErrCodeUploadFailed,
			Provider:  c.Name(),
			Retryable: false,
			Message:   "build request: " + err.Error(),
		}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errorFromTransport(c.Name(), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, errorFromTransport(c.Name(), err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errorFromStatus(c.Name(), resp.StatusCode, respBody)
	}

	var parsed whisperResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &models.TranscriptionError{
			Code:      models.ErrCodeUnknown,
			Provider:  c.Name(),
			Retryable: false,
			Message:   "decode response: " + err.Error(),
		}
	}
	if strings.TrimSpace(parsed.Text) == "" {
		return nil, noResultError(c.Name())
	}

	result := &models.TranscriptionResult{
		Text:             strings.TrimSpace(parsed.Text),
		Confidence:       confidenceFromSegments(parsed.Segments),
		Provider:         c.Name(),
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	}
	for _, w := range parsed.Words {
		result.Words = append(result.Words, models.Word{
			Word:       w.Word,
			Start:      w.Start,
			End:        w.End,
			Confidence: result.Confidence,
		})
	}
	return result, nil
}

func (c *WhisperClient) buildRequestBody(audio []byte, opts models.TranscribeOptions) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)

	part, err := w.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(audio); err != nil {
		return nil, "", err
	}
	fields := map[string]string{
		"model":           c.cfg.Model,
		"response_format": "verbose_json",
	}
	if opts.Language != "" {
		fields["language"] = opts.Language
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	// Word timestamps are opt-in and noticeably slower upstream.
	if err := w.WriteField("timestamp_granularities[]", "word"); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf, w.FormDataContentType(), nil
}

// HealthCheck implements Transcriber. Any response from the endpoint,
// including an auth rejection, means the service is reachable.
func (c *WhisperClient) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.HealthEndpoint, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode < http.StatusInternalServerError
}

// TranscribeStream implements StreamingTranscriber. Incoming audio chunks
// are buffered and transcribed segment by segment; each segment yields a
// partial chunk and the concatenated transcript arrives as the final chunk.
// A segment failure ends the stream with an error chunk; there is no
// fallback for streaming.
func (c *WhisperClient) TranscribeStream(ctx context.Context, audio <-chan []byte, opts models.TranscribeOptions) (<-chan StreamChunk, error) {
	out := make(chan StreamChunk)
	go func() {
		defer close(out)

		var pending []byte
		var full strings.Builder

		flush := func() bool {
			if len(pending) == 0 {
				return true
			}
			res, err := c.Transcribe(ctx, pending, opts)
			pending = pending[:0]
			if err != nil {
				terr := models.AsTranscriptionError(c.Name(), err)
				// An empty segment is silence, not a stream failure.
				if terr.Code == models.ErrCodeNoResult {
					return true
				}
				select {
				case out <- StreamChunk{Err: terr}:
				case <-ctx.Done():
				}
				return false
			}
			if full.Len() > 0 {
				full.WriteByte(' ')
			}
			full.WriteString(res.Text)
			select {
			case out <- StreamChunk{Text: res.Text}:
			case <-ctx.Done():
				return false
			}
			return true
		}

		for {
			select {
			case <-ctx.Done():
				return
			case chunk, ok := <-audio:
				if !ok {
					if !flush() {
						return
					}
					select {
					case out <- StreamChunk{Text: full.String(), Final: true}:
					case <-ctx.Done():
					}
					return
				}
				pending = append(pending, chunk...)
				if len(pending) >= c.cfg.StreamFlushBytes {
					if !flush() {
						return
					}
				}
			}
		}
	}()
	return out, nil
}

// confidenceFromSegments converts whisper's per-segment average log
// probability into a normalized [0,1] score.
func confidenceFromSegments(segments []whisperSegment) float64 {
	if len(segments) == 0 {
		return 1
	}
	var sum float64
	for _, s := range segments {
		sum += math.Exp(s.AvgLogprob)
	}
	conf := sum / float64(len(segments))
	if conf > 1 {
		conf = 1
	}
	if conf < 0 {
		conf = 0
	}
	return conf
}

var _ Transcriber = (*WhisperClient)(nil)
var _ StreamingTranscriber = (*WhisperClient)(nil)

// String is used in startup logs.
func (c *WhisperClient) String() string {
	return fmt.Sprintf("whisper(%s model=%s)", c.cfg.Endpoint, c.cfg.Model)
}
