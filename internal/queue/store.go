// Package queue defines the durable backlog contract shared by the API,
// scanner, and worker processes, plus an in-memory implementation used by
// tests and local development.
//
// The five primitives (ClaimNext, Heartbeat, Finish, Fail, ReclaimStale) are
// the only way a job row is mutated once it exists. Each executes atomically
// against the backing store; callers never read-then-write job state.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"clip-publisher/internal/models"
)

var (
	// ErrNoJob is returned by ClaimNext when no queued job is due.
	ErrNoJob = errors.New("no job due for claiming")

	// ErrLeaseLost is returned by Heartbeat, Finish, and Fail when the
	// caller no longer holds the lease (the job was reclaimed or handed to
	// another worker).
	ErrLeaseLost = errors.New("job lease no longer held by this worker")

	// ErrJobNotFound is returned when the referenced job does not exist.
	ErrJobNotFound = errors.New("job not found")

	// ErrTerminalState is returned by administrative operations when the
	// job is not in a state the operation applies to.
	ErrTerminalState = errors.New("job is in a terminal state")

	// ErrScheduleNotFound is returned when the referenced scheduled
	// publication does not exist.
	ErrScheduleNotFound = errors.New("scheduled publication not found")
)

// Store is the durable backlog of jobs.
//
// Implementations must guarantee exactly one claimant per job and must
// reject lease-guarded calls from workers whose lease was reassigned. The
// Postgres implementation relies on FOR UPDATE SKIP LOCKED claiming and
// lease-conditioned UPDATEs; the in-memory implementation serializes
// everything behind a mutex, which is acceptable only because it never
// spans processes.
type Store interface {
	// Enqueue inserts a new queued job. Missing ID, NextRunAt, and
	// MaxAttempts are defaulted.
	Enqueue(ctx context.Context, job *models.Job) error

	// ClaimNext selects one queued job with next_run_at <= now, ordered by
	// priority (higher first), then next_run_at, then creation order, and
	// atomically transitions it to running with locked_by = workerID,
	// heartbeat_at = now, attempts incremented. Returns ErrNoJob when the
	// backlog is empty or nothing is due.
	ClaimNext(ctx context.Context, workerID string) (*models.Job, error)

	// Heartbeat refreshes heartbeat_at for a job leased by workerID.
	// Returns ErrLeaseLost if the lease was reassigned.
	Heartbeat(ctx context.Context, jobID, workerID string) error

	// Finish transitions running -> done, clears the lock fields, and
	// stores the handler result. Returns ErrLeaseLost if the caller does
	// not hold the lease.
	Finish(ctx context.Context, jobID, workerID string, result json.RawMessage) error

	// Fail records last_error and either requeues the job with
	// next_run_at = now + backoff (attempts < max_attempts) or
	// dead-letters it (attempts >= max_attempts), clearing the lock
	// fields in both cases. Returns ErrLeaseLost if the caller does not
	// hold the lease.
	Fail(ctx context.Context, jobID, workerID, errMsg string, backoff time.Duration) error

	// ReclaimStale resets every running job whose heartbeat_at is older
	// than olderThan back to queued, clearing the lock fields without
	// touching attempts (the crashed attempt already counted at claim
	// time). Returns the number of jobs reclaimed.
	ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error)

	// GetJob fetches a job by id for inspection.
	GetJob(ctx context.Context, id string) (models.Job, error)
}

// Admin groups the operator overrides. They are explicit state resets, not
// new primitives: retry and unlock put a job back in the claimable pool,
// cancel forces it terminal.
type Admin interface {
	// ListDeadLetters returns up to limit dead-lettered jobs, newest first.
	ListDeadLetters(ctx context.Context, limit int) ([]models.Job, error)

	// RetryDeadLetter returns a dead-lettered job to queued, granting
	// extraAttempts more execution starts on top of those already used.
	RetryDeadLetter(ctx context.Context, jobID string, extraAttempts int) error

	// CancelJob forces a non-terminal job to dead_letter so no worker
	// picks it up again.
	CancelJob(ctx context.Context, jobID, reason string) error

	// Unlock force-clears the lease of a running job, returning it to
	// queued immediately instead of waiting for the reclaim sweep.
	Unlock(ctx context.Context, jobID string) error

	// BacklogDepth counts queued jobs that are due now.
	BacklogDepth(ctx context.Context) (int64, error)
}
