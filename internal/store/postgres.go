// Package store implements the durable backlog contracts on Postgres.
//
// Every job mutation is a single statement: claims take rows with
// FOR UPDATE SKIP LOCKED so concurrent workers never block each other, and
// lease-guarded transitions condition on locked_by so a reclaimed worker's
// late writes are rejected instead of overwriting another worker's progress.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"clip-publisher/internal/models"
	"clip-publisher/internal/queue"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, workspace_id, kind, priority, payload, result, status, attempts, max_attempts, locked_by, heartbeat_at, next_run_at, last_error, created_at, updated_at`

// Enqueue inserts a new queued job, defaulting id, schedule time, and the
// attempt ceiling.
func (s *Store) Enqueue(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = 5
	}
	now := time.Now().UTC()
	if job.NextRunAt.IsZero() {
		job.NextRunAt = now
	}
	if len(job.Payload) == 0 {
		job.Payload = json.RawMessage(`{}`)
	}
	job.Status = models.StatusQueued
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, workspace_id, kind, priority, payload, status, attempts, max_attempts, next_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9, $9)
	`, job.ID, job.WorkspaceID, string(job.Kind), job.Priority, []byte(job.Payload), job.Status, job.MaxAttempts, job.NextRunAt, now)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// ClaimNext atomically leases the next due job for workerID.
func (s *Store) ClaimNext(ctx context.Context, workerID string) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $2, locked_by = $1, heartbeat_at = NOW(), attempts = attempts + 1, updated_at = NOW()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = $3 AND next_run_at <= NOW()
			ORDER BY priority DESC, next_run_at ASC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		workerID, models.StatusRunning, models.StatusQueued)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, queue.ErrNoJob
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return &job, nil
}

// Heartbeat refreshes the lease. A zero-row update means the lease moved on.
func (s *Store) Heartbeat(ctx context.Context, jobID, workerID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET heartbeat_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND locked_by = $2 AND status = $3
	`, jobID, workerID, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("heartbeat job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return queue.ErrLeaseLost
	}
	return nil
}

// Finish transitions running -> done and stores the handler result.
func (s *Store) Finish(ctx context.Context, jobID, workerID string, result json.RawMessage) error {
	var res any
	if len(result) > 0 {
		res = []byte(result)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $4, result = $3, locked_by = NULL, heartbeat_at = NULL, last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND locked_by = $2 AND status = $5
	`, jobID, workerID, res, models.StatusDone, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return queue.ErrLeaseLost
	}
	return nil
}

// Fail requeues the job with backoff, or dead-letters it once attempts have
// reached the ceiling. One statement so the attempts check and the state
// transition cannot interleave with another worker.
func (s *Store) Fail(ctx context.Context, jobID, workerID, errMsg string, backoff time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = CASE WHEN attempts >= max_attempts THEN $4 ELSE $5 END,
		    next_run_at = CASE WHEN attempts >= max_attempts THEN next_run_at ELSE NOW() + make_interval(secs => $6) END,
		    locked_by = NULL, heartbeat_at = NULL, last_error = $3, updated_at = NOW()
		WHERE id = $1 AND locked_by = $2 AND status = $7
	`, jobID, workerID, errMsg, models.StatusDeadLetter, models.StatusQueued, backoff.Seconds(), models.StatusRunning)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return queue.ErrLeaseLost
	}
	return nil
}

// ReclaimStale returns abandoned running jobs to the claimable pool.
// Attempts are untouched: the crashed attempt counted at claim time.
func (s *Store) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $1, locked_by = NULL, heartbeat_at = NULL, updated_at = NOW()
		WHERE status = $2 AND heartbeat_at < NOW() - make_interval(secs => $3)
	`, models.StatusQueued, models.StatusRunning, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, queue.ErrJobNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListDeadLetters returns up to limit dead-lettered jobs, newest first.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1
		ORDER BY updated_at DESC
		LIMIT $2
	`, models.StatusDeadLetter, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// RetryDeadLetter returns a dead-lettered job to queued, raising the attempt
// ceiling so it can actually run again.
func (s *Store) RetryDeadLetter(ctx context.Context, jobID string, extraAttempts int) error {
	if extraAttempts < 1 {
		extraAttempts = 1
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, max_attempts = attempts + $3, next_run_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, jobID, models.StatusQueued, extraAttempts, models.StatusDeadLetter)
	if err != nil {
		return fmt.Errorf("retry dead letter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return queue.ErrTerminalState
	}
	return nil
}

// CancelJob forces a non-terminal job to dead_letter.
func (s *Store) CancelJob(ctx context.Context, jobID, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, locked_by = NULL, heartbeat_at = NULL, last_error = $3, updated_at = NOW()
		WHERE id = $1 AND status IN ($4, $5)
	`, jobID, models.StatusDeadLetter, reason, models.StatusQueued, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return queue.ErrTerminalState
	}
	return nil
}

// Unlock force-clears a running job's lease ahead of the reclaim sweep.
func (s *Store) Unlock(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, locked_by = NULL, heartbeat_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, jobID, models.StatusQueued, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("unlock job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return queue.ErrTerminalState
	}
	return nil
}

// BacklogDepth counts queued jobs due now.
func (s *Store) BacklogDepth(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE status = $1 AND next_run_at <= NOW()
	`, models.StatusQueued).Scan(&n); err != nil {
		return 0, fmt.Errorf("count backlog: %w", err)
	}
	return n, nil
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var kind string
	var payload, result []byte
	var lockedBy, lastErr pgtype.Text
	var heartbeat pgtype.Timestamptz

	if err := row.Scan(&job.ID, &job.WorkspaceID, &kind, &job.Priority, &payload, &result,
		&job.Status, &job.Attempts, &job.MaxAttempts, &lockedBy, &heartbeat,
		&job.NextRunAt, &lastErr, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}

	job.Kind = models.JobKind(kind)
	job.Payload = json.RawMessage(payload)
	if result != nil {
		job.Result = json.RawMessage(result)
	}
	job.LockedBy = textPtr(lockedBy)
	job.LastError = textPtr(lastErr)
	if heartbeat.Valid {
		t := heartbeat.Time
		job.HeartbeatAt = &t
	}
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
