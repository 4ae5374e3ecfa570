package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"transcription-pipeline/internal/jobstore"
	"transcription-pipeline/internal/models"
	"transcription-pipeline/internal/notestore"
	"transcription-pipeline/internal/pipeline"
	"transcription-pipeline/internal/ratelimit"
	"transcription-pipeline/internal/scheduler"
	"transcription-pipeline/internal/transcribe"
)

type stubProvider struct {
	name    string
	err     *models.TranscriptionError
	text    string
	healthy bool
}

func (p *stubProvider) Transcribe(context.Context, []byte, models.TranscribeOptions) (*models.TranscriptionResult, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &models.TranscriptionResult{Text: p.text, Provider: p.name, Confidence: 0.9}, nil
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) HealthCheck(context.Context) bool { return p.healthy }

type mapFetcher map[string][]byte

func (m mapFetcher) Fetch(_ context.Context, key string) ([]byte, error) {
	audio, ok := m[key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return audio, nil
}

func newTestServer(t *testing.T, primary, secondary *stubProvider, limiter *ratelimit.Bucket) *httptest.Server {
	t.Helper()
	policy := transcribe.RetryPolicy{MaxRetries: 1, Initial: time.Millisecond, Max: time.Millisecond}
	coord := transcribe.New(primary, secondary, policy, policy, nil)
	sched := scheduler.New(jobstore.New(), pipeline.TranscriptionExecutor(coord), scheduler.Options{
		BackoffInitial: time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
		PollInterval:   2 * time.Millisecond,
	}, nil)
	t.Cleanup(sched.Close)

	fetcher := mapFetcher{"uploads/a.wav": []byte("stored-audio")}
	pipe := pipeline.New(sched, notestore.NewMemory(), fetcher, nil)
	srv := httptest.NewServer(New(pipe, coord, limiter, 1<<20, nil).Router())
	t.Cleanup(srv.Close)
	return srv
}

func healthyProviders() (*stubProvider, *stubProvider) {
	return &stubProvider{name: "whisper", text: "hello world", healthy: true},
		&stubProvider{name: "deepgram", text: "fallback", healthy: true}
}

func newHealthyServer(t *testing.T) *httptest.Server {
	t.Helper()
	primary, secondary := healthyProviders()
	return newTestServer(t, primary, secondary, nil)
}

func multipartSubmit(t *testing.T, base, noteID string, audio []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("audio", "note.wav")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write(audio); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	if err := mw.WriteField("language", "en"); err != nil {
		t.Fatalf("write field: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, base+"/notes/"+noteID+"/transcription", &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func decodeJobID(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	var body struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.JobID == "" {
		t.Fatalf("empty job_id")
	}
	return body.JobID
}

func TestSubmitMultipartAndWait(t *testing.T) {
	srv := newHealthyServer(t)

	resp := multipartSubmit(t, srv.URL, "note-1", []byte("RIFF"))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status %d", resp.StatusCode)
	}
	jobID := decodeJobID(t, resp)

	wait, err := http.Get(srv.URL + "/jobs/" + jobID + "/wait?timeout_ms=2000")
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	defer wait.Body.Close()
	if wait.StatusCode != http.StatusOK {
		t.Fatalf("wait status %d", wait.StatusCode)
	}
	var job models.Job
	if err := json.NewDecoder(wait.Body).Decode(&job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.State != models.StateCompleted {
		t.Fatalf("expected completed, got %s", job.State)
	}
	if job.Result == nil || job.Result.Text != "hello world" {
		t.Fatalf("unexpected result %+v", job.Result)
	}
}

func TestSubmitJSONInlineAudio(t *testing.T) {
	srv := newHealthyServer(t)

	body, _ := json.Marshal(map[string]any{
		"audio":    []byte("RIFF"),
		"language": "en",
	})
	resp, err := http.Post(srv.URL+"/notes/note-2/transcription", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status %d", resp.StatusCode)
	}
	decodeJobID(t, resp)
}

func TestSubmitJSONAudioKey(t *testing.T) {
	srv := newHealthyServer(t)

	body := []byte(`{"audio_key": "uploads/a.wav"}`)
	resp, err := http.Post(srv.URL+"/notes/note-3/transcription", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status %d", resp.StatusCode)
	}
	jobID := decodeJobID(t, resp)

	wait, err := http.Get(srv.URL + "/jobs/" + jobID + "/wait?timeout_ms=2000")
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	wait.Body.Close()
	if wait.StatusCode != http.StatusOK {
		t.Fatalf("wait status %d", wait.StatusCode)
	}

	missing := []byte(`{"audio_key": "uploads/missing.wav"}`)
	resp, err = http.Post(srv.URL+"/notes/note-4/transcription", "application/json", bytes.NewReader(missing))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing object, got %d", resp.StatusCode)
	}
}

func TestSubmitEmptyAudioRejected(t *testing.T) {
	srv := newHealthyServer(t)

	resp, err := http.Post(srv.URL+"/notes/note-5/transcription", "application/json", bytes.NewReader([]byte(`{}`)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestBatchSubmit(t *testing.T) {
	srv := newHealthyServer(t)

	body, _ := json.Marshal(map[string]any{
		"items": []map[string]any{
			{"note_id": "b1", "audio": []byte("a")},
			{"note_id": "b2", "audio": []byte("b")},
		},
	})
	resp, err := http.Post(srv.URL+"/transcriptions/batch", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var out struct {
		JobIDs []string `json:"job_ids"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.JobIDs) != 2 {
		t.Fatalf("expected 2 job ids, got %v", out.JobIDs)
	}

	empty, err := http.Post(srv.URL+"/transcriptions/batch", "application/json", bytes.NewReader([]byte(`{"items": []}`)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	empty.Body.Close()
	if empty.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty batch, got %d", empty.StatusCode)
	}
}

func TestGetJobNotFound(t *testing.T) {
	srv := newHealthyServer(t)
	resp, err := http.Get(srv.URL + "/jobs/unknown")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestWaitValidation(t *testing.T) {
	srv := newHealthyServer(t)

	resp, err := http.Get(srv.URL + "/jobs/x/wait?timeout_ms=abc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad timeout, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/jobs/unknown/wait?timeout_ms=50")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job, got %d", resp.StatusCode)
	}
}

func TestWaitReturnsFailedJob(t *testing.T) {
	broken := &models.TranscriptionError{
		Code:      models.ErrCodeAuthFailed,
		Retryable: false,
		Message:   "bad key",
	}
	srv := newTestServer(t,
		&stubProvider{name: "whisper", err: broken, healthy: true},
		&stubProvider{name: "deepgram", err: broken, healthy: true}, nil)

	resp := multipartSubmit(t, srv.URL, "note-f", []byte("RIFF"))
	jobID := decodeJobID(t, resp)

	wait, err := http.Get(srv.URL + "/jobs/" + jobID + "/wait?timeout_ms=2000")
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	defer wait.Body.Close()
	if wait.StatusCode != http.StatusOK {
		t.Fatalf("wait status %d", wait.StatusCode)
	}
	var job models.Job
	if err := json.NewDecoder(wait.Body).Decode(&job); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job.State != models.StateFailed {
		t.Fatalf("expected failed, got %s", job.State)
	}
	if job.Err == nil || job.Err.Code != models.ErrCodeAllProvidersFailed {
		t.Fatalf("unexpected error %+v", job.Err)
	}
}

func TestStatsAndClearFinished(t *testing.T) {
	srv := newHealthyServer(t)

	resp := multipartSubmit(t, srv.URL, "note-s", []byte("RIFF"))
	jobID := decodeJobID(t, resp)
	wait, err := http.Get(srv.URL + "/jobs/" + jobID + "/wait?timeout_ms=2000")
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	wait.Body.Close()

	stats, err := http.Get(srv.URL + "/stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	defer stats.Body.Close()
	var st jobstore.Stats
	if err := json.NewDecoder(stats.Body).Decode(&st); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if st.Completed != 1 {
		t.Fatalf("expected 1 completed, got %+v", st)
	}

	clear, err := http.Post(srv.URL+"/jobs/clear-finished", "application/json", nil)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	defer clear.Body.Close()
	var out map[string]int
	if err := json.NewDecoder(clear.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["removed"] != 1 {
		t.Fatalf("expected 1 removed, got %v", out)
	}
}

func TestHealthz(t *testing.T) {
	srv := newHealthyServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	down := newTestServer(t,
		&stubProvider{name: "whisper", healthy: false},
		&stubProvider{name: "deepgram", healthy: false}, nil)
	resp, err = http.Get(down.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with both providers down, got %d", resp.StatusCode)
	}
}

func TestRateLimitRejectsOverBurst(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := ratelimit.NewBucket(client, 2, 0, time.Minute)

	primary, secondary := healthyProviders()
	srv := newTestServer(t, primary, secondary, limiter)

	var statuses []int
	for i := 0; i < 3; i++ {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/notes/note-r/transcription",
			bytes.NewReader([]byte(`{"audio": "UklGRg=="}`)))
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-User-ID", "user-1")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("do: %v", err)
		}
		resp.Body.Close()
		statuses = append(statuses, resp.StatusCode)
	}
	if statuses[0] != http.StatusAccepted || statuses[1] != http.StatusAccepted {
		t.Fatalf("first two submissions should pass: %v", statuses)
	}
	if statuses[2] != http.StatusTooManyRequests {
		t.Fatalf("third submission should be rate limited: %v", statuses)
	}

	// Other users keep their own budget.
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/notes/note-r2/transcription",
		bytes.NewReader([]byte(`{"audio": "UklGRg=="}`)))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "user-2")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("independent user should pass, got %d", resp.StatusCode)
	}
}
