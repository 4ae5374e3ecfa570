// Package api exposes the submission surface over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"transcription-pipeline/internal/jobstore"
	"transcription-pipeline/internal/models"
	"transcription-pipeline/internal/pipeline"
	"transcription-pipeline/internal/ratelimit"
	"transcription-pipeline/internal/scheduler"
	"transcription-pipeline/internal/telemetry"
	"transcription-pipeline/internal/transcribe"
)

const defaultWaitTimeout = 30 * time.Second

// Server wires HTTP handlers around the pipeline orchestrator.
type Server struct {
	pipe          *pipeline.Orchestrator
	coord         *transcribe.Coordinator
	limiter       *ratelimit.Bucket
	maxAudioBytes int64
	log           *slog.Logger
}

// New constructs the API server. limiter may be nil to disable rate
// limiting.
func New(pipe *pipeline.Orchestrator, coord *transcribe.Coordinator, limiter *ratelimit.Bucket, maxAudioBytes int64, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if maxAudioBytes <= 0 {
		maxAudioBytes = 100 * 1024 * 1024
	}
	return &Server{
		pipe:          pipe,
		coord:         coord,
		limiter:       limiter,
		maxAudioBytes: maxAudioBytes,
		log:           log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/notes/{noteID}/transcription", s.handleSubmit)
	r.Post("/transcriptions/batch", s.handleBatch)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/wait", s.handleWait)
	r.Get("/stats", s.handleStats)
	r.Post("/jobs/clear-finished", s.handleClearFinished)
	return r
}

type submitRequest struct {
	// Audio is base64-encoded when submitted as JSON; AudioKey references
	// an object in the audio bucket instead.
	Audio     []byte `json:"audio,omitempty"`
	AudioKey  string `json:"audio_key,omitempty"`
	Language  string `json:"language,omitempty"`
	Diarize   bool   `json:"diarize,omitempty"`
	Punctuate bool   `json:"punctuate,omitempty"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	noteID := chi.URLParam(r, "noteID")
	userID := userFromRequest(r)
	if !s.allow(w, r, userID) {
		return
	}

	var jobID string
	var err error
	if isMultipart(r) {
		jobID, err = s.submitMultipart(r, noteID, userID)
	} else {
		jobID, err = s.submitJSON(r, noteID, userID)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{JobID: jobID})
}

func (s *Server) submitMultipart(r *http.Request, noteID, userID string) (string, error) {
	if err := r.ParseMultipartForm(s.maxAudioBytes); err != nil {
		return "", errors.New("invalid multipart form")
	}
	file, _, err := r.FormFile("audio")
	if err != nil {
		return "", errors.New("audio file is required")
	}
	defer file.Close()

	audio, err := io.ReadAll(io.LimitReader(file, s.maxAudioBytes+1))
	if err != nil {
		return "", errors.New("read audio upload")
	}
	if int64(len(audio)) > s.maxAudioBytes {
		return "", errors.New("audio too large")
	}
	opts := models.TranscribeOptions{
		Language:  r.FormValue("language"),
		Diarize:   r.FormValue("diarize") == "true",
		Punctuate: r.FormValue("punctuate") == "true",
	}
	return s.pipe.Submit(r.Context(), noteID, userID, audio, opts)
}

func (s *Server) submitJSON(r *http.Request, noteID, userID string) (string, error) {
	var req submitRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, s.maxAudioBytes*2)).Decode(&req); err != nil {
		return "", errors.New("invalid json")
	}
	opts := models.TranscribeOptions{
		Language:  req.Language,
		Diarize:   req.Diarize,
		Punctuate: req.Punctuate,
	}
	if req.AudioKey != "" {
		return s.pipe.SubmitFromStorage(r.Context(), noteID, userID, req.AudioKey, opts)
	}
	return s.pipe.Submit(r.Context(), noteID, userID, req.Audio, opts)
}

type batchItem struct {
	NoteID string `json:"note_id"`
	submitRequest
}

type batchRequest struct {
	Items []batchItem `json:"items"`
}

type batchResponse struct {
	JobIDs []string `json:"job_ids"`
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	userID := userFromRequest(r)
	if !s.allow(w, r, userID) {
		return
	}
	var req batchRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, s.maxAudioBytes*4)).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(req.Items) == 0 {
		http.Error(w, "items is required", http.StatusBadRequest)
		return
	}

	items := make([]pipeline.Submission, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, pipeline.Submission{
			NoteID: item.NoteID,
			UserID: userID,
			Audio:  item.Audio,
			Options: models.TranscribeOptions{
				Language:  item.Language,
				Diarize:   item.Diarize,
				Punctuate: item.Punctuate,
			},
		})
	}
	ids, err := s.pipe.SubmitBatch(r.Context(), items)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusAccepted, batchResponse{JobIDs: ids})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.pipe.GetJob(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleWait(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	timeout := defaultWaitTimeout
	if v := r.URL.Query().Get("timeout_ms"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			http.Error(w, "invalid timeout_ms", http.StatusBadRequest)
			return
		}
		timeout = time.Duration(ms) * time.Millisecond
	}

	job, err := s.pipe.Await(r.Context(), id, timeout)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, job)
	case errors.Is(err, jobstore.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, scheduler.ErrAwaitTimeout):
		// The job keeps running; report where it stands.
		writeJSON(w, http.StatusRequestTimeout, job)
	default:
		var failed *scheduler.JobFailedError
		if errors.As(err, &failed) {
			writeJSON(w, http.StatusOK, job)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.pipe.Stats())
}

func (s *Server) handleClearFinished(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"removed": s.pipe.ClearFinished()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.coord.HealthCheck(r.Context())
	status := http.StatusOK
	if !health.Overall {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// allow applies the per-user rate limit; it writes the response on reject.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, userID string) bool {
	if s.limiter == nil {
		return true
	}
	allowed, err := s.limiter.AllowUser(r.Context(), userID)
	if err != nil {
		s.log.Warn("rate limiter unavailable", slog.String("error", err.Error()))
		return true
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return false
	}
	return true
}

func userFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-User-ID"); v != "" {
		return v
	}
	return "anonymous"
}

func isMultipart(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/")
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
