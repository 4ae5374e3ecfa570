package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"transcription-pipeline/internal/models"
)

// DeepgramConfig configures the deepgram-compatible adapter.
type DeepgramConfig struct {
	// Endpoint is the listen URL, e.g. https://api.example.com/v1/listen.
	Endpoint string
	// HealthEndpoint is probed by HealthCheck. Defaults to Endpoint.
	HealthEndpoint string
	APIKey         string
	Model          string
	Timeout        time.Duration
}

// DeepgramClient adapts a deepgram-style endpoint: raw audio body, options
// in the query string, diarization via per-word speaker indexes.
type DeepgramClient struct {
	cfg        DeepgramConfig
	httpClient *http.Client
}

// NewDeepgramClient builds the adapter with defaults filled in.
func NewDeepgramClient(cfg DeepgramConfig) *DeepgramClient {
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.HealthEndpoint == "" {
		cfg.HealthEndpoint = cfg.Endpoint
	}
	return &DeepgramClient{
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
func (c *DeepgramClient) Name() string { return "deepgram" }

type deepgramWord struct {
	Word           string  `json:"word"`
	PunctuatedWord string  `json:"punctuated_word"`
	Start          float64 `json:"start"`
	End            float64 `json:"end"`
	Confidence     float64 `json:"confidence"`
	Speaker        *int    `json:"speaker"`
}

type deepgramAlternative struct {
	Transcript string         `json:"transcript"`
	Confidence float64        `json:"confidence"`
	Words      []deepgramWord `json:"words"`
}

type deepgramResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []deepgramAlternative `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// Transcribe implements Transcriber.
func (c *DeepgramClient) Transcribe(ctx context.Context, audio []byte, opts models.TranscribeOptions) (*models.TranscriptionResult, error) {
	start := time.Now()

	endpoint, err := c.requestURL(opts)
	if err != nil {
		return nil, &models.TranscriptionError{
			Code:      models.ErrCodeUploadFailed,
			Provider:  c.Name(),
			Retryable: false,
			Message:   "build request url: " + err.Error(),
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(audio))
	if err != nil {
		return nil, &models.TranscriptionError{
			Code:      models.ErrCodeUploadFailed,
			Provider:  c.Name(),
			Retryable: false,
			Message:   "build request: " + err.Error(),
		}
	}
	req.Header.Set("Authorization", "Token "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/octet-stream")

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

	var parsed deepgramResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &models.TranscriptionError{
			Code:      models.ErrCodeUnknown,
			Provider:  c.Name(),
			Retryable: false,
			Message:   "decode response: " + err.Error(),
		}
	}

	alt, ok := bestAlternative(parsed)
	if !ok || strings.TrimSpace(alt.Transcript) == "" {
		return nil, noResultError(c.Name())
	}

	result := &models.TranscriptionResult{
		Text:             strings.TrimSpace(alt.Transcript),
		Confidence:       alt.Confidence,
		Provider:         c.Name(),
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	}
	for _, w := range alt.Words {
		word := models.Word{
			Word:       w.Word,
			Start:      w.Start,
			End:        w.End,
			Confidence: w.Confidence,
		}
		if w.PunctuatedWord != "" {
			word.Word = w.PunctuatedWord
		}
		if w.Speaker != nil {
			word.Speaker = speakerLabel(*w.Speaker)
		}
		result.Words = append(result.Words, word)
	}
	if opts.Diarize {
		result.Segments = segmentsFromWords(result.Words)
	}
	return result, nil
}

func (c *DeepgramClient) requestURL(opts models.TranscribeOptions) (string, error) {
	u, err := url.Parse(c.cfg.Endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", c.cfg.Model)
	q.Set("punctuate", strconv.FormatBool(opts.Punctuate))
	q.Set("diarize", strconv.FormatBool(opts.Diarize))
	if opts.Language != "" {
		q.Set("language", opts.Language)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// HealthCheck implements Transcriber.
func (c *DeepgramClient) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.HealthEndpoint, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Token "+c.cfg.APIKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode < http.StatusInternalServerError
}

func bestAlternative(resp deepgramResponse) (deepgramAlternative, bool) {
	for _, ch := range resp.Results.Channels {
		for _, alt := range ch.Alternatives {
			return alt, true
		}
	}
	return deepgramAlternative{}, false
}

// segmentsFromWords groups consecutive same-speaker words into segments.
func segmentsFromWords(words []models.Word) []models.SpeakerSegment {
	var segments []models.SpeakerSegment
	for _, w := range words {
		n := len(segments)
		if n == 0 || segments[n-1].Speaker != w.Speaker {
			segments = append(segments, models.SpeakerSegment{
				Speaker:    w.Speaker,
				Text:       w.Word,
				Start:      w.Start,
				End:        w.End,
				Confidence: w.Confidence,
			})
			continue
		}
		seg := &segments[n-1]
		seg.Text += " " + w.Word
		seg.End = w.End
		if w.Confidence < seg.Confidence {
			seg.Confidence = w.Confidence
		}
	}
	return segments
}

func speakerLabel(index int) string {
	return fmt.Sprintf("speaker_%d", index)
}

var _ Transcriber = (*DeepgramClient)(nil)
