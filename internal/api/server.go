package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"clip-publisher/internal/config"
	"clip-publisher/internal/idempotency"
	"clip-publisher/internal/logging"
	"clip-publisher/internal/models"
	"clip-publisher/internal/queue"
	"clip-publisher/internal/ratelimit"
	"clip-publisher/internal/scanner"
	"clip-publisher/internal/telemetry"
)

// ScheduleStore is the slice of the durable store the API needs for
// schedule management.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s *models.ScheduledPublication) error
	GetSchedule(ctx context.Context, id string) (models.ScheduledPublication, error)
}

// Auditor records operator actions against a job. The Postgres store
// implements it; stores that don't simply skip the audit trail.
type Auditor interface {
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Server wires HTTP handlers for the producer and operator API.
type Server struct {
	cfg       config.Config
	jobs      queue.Store
	admin     queue.Admin
	schedules ScheduleStore
	ledger    *idempotency.Ledger
	scanner   *scanner.Scanner
	limiter   *ratelimit.TokenBucket
	audit     Auditor
	log       *zerolog.Logger
}

// New constructs the API server. limiter and scanner may be nil; the
// corresponding endpoints degrade gracefully.
func New(cfg config.Config, jobs queue.Store, admin queue.Admin, schedules ScheduleStore, ledger *idempotency.Ledger, sc *scanner.Scanner, limiter *ratelimit.TokenBucket, logger *zerolog.Logger) *Server {
	auditor, _ := admin.(Auditor)
	return &Server{
		cfg:       cfg,
		jobs:      jobs,
		admin:     admin,
		schedules: schedules,
		ledger:    ledger,
		scanner:   sc,
		limiter:   limiter,
		audit:     auditor,
		log:       logging.Component(logger, "api"),
	}
}

func (s *Server) appendAudit(ctx context.Context, jobID, event, detail string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.AppendAudit(ctx, jobID, event, detail); err != nil {
		s.log.Error().Err(err).Str("job_id", jobID).Str("event", event).Msg("append audit")
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/retry", s.handleRetry)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Post("/jobs/{id}/unlock", s.handleUnlock)
	r.Get("/dlq", s.handleDLQ)
	r.Get("/queue/depth", s.handleDepth)

	r.Post("/schedules", s.handleCreateSchedule)
	r.Get("/schedules/{id}", s.handleGetSchedule)
	r.Post("/scan", s.handleScan)
	return r
}

type enqueueRequest struct {
	Kind         string          `json:"kind"`
	Payload      json.RawMessage `json:"payload"`
	Priority     int             `json:"priority"`
	RunAt        *time.Time      `json:"run_at"`
	DelaySeconds int             `json:"delay_seconds"`
	MaxAttempts  int             `json:"max_attempts"`
}

type enqueueResponse struct {
	Job    models.Job `json:"job"`
	Replay bool       `json:"idempotent_replay"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	var req enqueueRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Kind == "" {
		http.Error(w, "kind is required", http.StatusBadRequest)
		return
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage(`{}`)
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = s.cfg.MaxAttempts
	}

	workspace := workspaceFromRequest(r)
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), workspace)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	runAt := time.Now()
	if req.RunAt != nil {
		runAt = *req.RunAt
	}
	if req.DelaySeconds > 0 {
		runAt = time.Now().Add(time.Duration(req.DelaySeconds) * time.Second)
	}

	build := func(ctx context.Context) (json.RawMessage, error) {
		job := models.Job{
			WorkspaceID: workspace,
			Kind:        models.JobKind(req.Kind),
			Priority:    req.Priority,
			Payload:     req.Payload,
			MaxAttempts: req.MaxAttempts,
			NextRunAt:   runAt,
		}
		if err := s.jobs.Enqueue(ctx, &job); err != nil {
			return nil, err
		}
		telemetry.JobsEnqueued.Inc()
		return json.Marshal(job)
	}

	token := r.Header.Get("Idempotency-Key")
	if token == "" {
		raw, err := build(r.Context())
		if err != nil {
			http.Error(w, "enqueue failed", http.StatusInternalServerError)
			return
		}
		writeRawJob(w, http.StatusAccepted, raw, false)
		return
	}

	res, err := s.ledger.Run(r.Context(), workspace, "jobs.enqueue", token, body, build)
	switch {
	case errors.Is(err, idempotency.ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, idempotency.ErrInProgress):
		// Retryable, unlike the conflict case: the original request is
		// still executing.
		w.Header().Set("Retry-After", "1")
		http.Error(w, err.Error(), http.StatusTooEarly)
		return
	case err != nil:
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	writeRawJob(w, http.StatusAccepted, res.Response, res.Reused)
}

func writeRawJob(w http.ResponseWriter, code int, raw json.RawMessage, replay bool) {
	var job models.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		http.Error(w, "decode stored response", http.StatusInternalServerError)
		return
	}
	writeJSON(w, code, enqueueResponse{Job: job, Replay: replay})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type retryRequest struct {
	ExtraAttempts int `json:"extra_attempts"`
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.ExtraAttempts <= 0 {
		req.ExtraAttempts = 1
	}
	id := chi.URLParam(r, "id")
	if err := s.admin.RetryDeadLetter(r.Context(), id, req.ExtraAttempts); err != nil {
		writeQueueError(w, err)
		return
	}
	s.appendAudit(r.Context(), id, "retried", fmt.Sprintf("extra_attempts=%d", req.ExtraAttempts))
	s.log.Info().Str("job_id", id).Int("extra_attempts", req.ExtraAttempts).Msg("dead letter requeued")
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.admin.CancelJob(r.Context(), id, "cancel requested via API"); err != nil {
		writeQueueError(w, err)
		return
	}
	s.appendAudit(r.Context(), id, "cancelled", "cancel requested via API")
	s.log.Info().Str("job_id", id).Msg("job cancelled")
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.admin.Unlock(r.Context(), id); err != nil {
		writeQueueError(w, err)
		return
	}
	s.appendAudit(r.Context(), id, "unlocked", "lease force-cleared via API")
	s.log.Warn().Str("job_id", id).Msg("lease force-cleared")
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.admin.ListDeadLetters(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dead letters", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleDepth(w http.ResponseWriter, r *http.Request) {
	depth, err := s.admin.BacklogDepth(r.Context())
	if err != nil {
		http.Error(w, "failed to read backlog depth", http.StatusInternalServerError)
		return
	}
	telemetry.BacklogDepthGauge.Set(float64(depth))
	writeJSON(w, http.StatusOK, map[string]int64{"depth": depth})
}

type createScheduleRequest struct {
	ClipID   string    `json:"clip_id"`
	Platform string    `json:"platform"`
	RunAt    time.Time `json:"run_at"`
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.ClipID == "" || req.Platform == "" {
		http.Error(w, "clip_id and platform are required", http.StatusBadRequest)
		return
	}
	if _, ok := models.PublishKindForPlatform(req.Platform); !ok {
		http.Error(w, fmt.Sprintf("unsupported platform %q", req.Platform), http.StatusBadRequest)
		return
	}
	if req.RunAt.IsZero() {
		req.RunAt = time.Now()
	}

	sched := models.ScheduledPublication{
		WorkspaceID: workspaceFromRequest(r),
		ClipID:      req.ClipID,
		Platform:    req.Platform,
		RunAt:       req.RunAt,
	}
	if err := s.schedules.CreateSchedule(r.Context(), &sched); err != nil {
		http.Error(w, "create schedule failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.schedules.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, queue.ErrScheduleNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, "load schedule failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

// handleScan triggers one scanner sweep and returns its counters. The same
// sweep runs on a timer in cmd/scanner; this endpoint exists for operators
// and tests.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if s.scanner == nil {
		http.Error(w, "scanner not configured", http.StatusServiceUnavailable)
		return
	}
	res, err := s.scanner.Scan(r.Context())
	if err != nil {
		http.Error(w, "scan failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrJobNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, queue.ErrTerminalState):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, 1<<20))
}

func workspaceFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Workspace-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
