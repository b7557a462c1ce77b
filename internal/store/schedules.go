package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"clip-publisher/internal/models"
	"clip-publisher/internal/queue"
)

const scheduleColumns = `id, workspace_id, clip_id, platform, run_at, status, created_at, updated_at`

// CreateSchedule inserts a scheduled publication in the scheduled state.
func (s *Store) CreateSchedule(ctx context.Context, sched *models.ScheduledPublication) error {
	if sched.ID == "" {
		sched.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	sched.Status = models.ScheduleStatusScheduled
	sched.CreatedAt = now
	sched.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO scheduled_publications (id, workspace_id, clip_id, platform, run_at, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, sched.ID, sched.WorkspaceID, sched.ClipID, sched.Platform, sched.RunAt, sched.Status, now)
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

// ClaimDueSchedules flips every due scheduled row to claimed in one
// statement and returns the claimed rows. The claim predicate enforces that
// a future run_at is never taken, and the single UPDATE is the concurrency
// boundary between overlapping scans.
func (s *Store) ClaimDueSchedules(ctx context.Context) ([]models.ScheduledPublication, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE scheduled_publications
		SET status = $1, updated_at = NOW()
		WHERE status = $2 AND run_at <= NOW()
		RETURNING `+scheduleColumns,
		models.ScheduleStatusClaimed, models.ScheduleStatusScheduled)
	if err != nil {
		return nil, fmt.Errorf("claim due schedules: %w", err)
	}
	defer rows.Close()

	var out []models.ScheduledPublication
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

// MarkScheduleSent terminates a claimed schedule as sent.
func (s *Store) MarkScheduleSent(ctx context.Context, id string) error {
	return s.setScheduleStatus(ctx, id, models.ScheduleStatusSent)
}

// MarkScheduleSkipped terminates a claimed schedule as skipped.
func (s *Store) MarkScheduleSkipped(ctx context.Context, id string) error {
	return s.setScheduleStatus(ctx, id, models.ScheduleStatusSkipped)
}

func (s *Store) setScheduleStatus(ctx context.Context, id, status string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_publications SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("update schedule status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return queue.ErrScheduleNotFound
	}
	return nil
}

// GetSchedule fetches a schedule by id.
func (s *Store) GetSchedule(ctx context.Context, id string) (models.ScheduledPublication, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM scheduled_publications WHERE id = $1`, id)
	sched, err := scanSchedule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ScheduledPublication{}, queue.ErrScheduleNotFound
	}
	if err != nil {
		return models.ScheduledPublication{}, fmt.Errorf("get schedule: %w", err)
	}
	return sched, nil
}

func scanSchedule(row pgx.Row) (models.ScheduledPublication, error) {
	var sched models.ScheduledPublication
	err := row.Scan(&sched.ID, &sched.WorkspaceID, &sched.ClipID, &sched.Platform,
		&sched.RunAt, &sched.Status, &sched.CreatedAt, &sched.UpdatedAt)
	return sched, err
}
