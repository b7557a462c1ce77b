// Package scanner turns due scheduled publications into publish jobs.
//
// A scan claims every due schedule in one atomic statement, then resolves
// each claimed row to exactly one job. The claimed transition is the primary
// double-processing guard; the idempotency ledger is a second guard against
// the enqueue call itself being retried.
package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"clip-publisher/internal/config"
	"clip-publisher/internal/idempotency"
	"clip-publisher/internal/logging"
	"clip-publisher/internal/models"
	"clip-publisher/internal/telemetry"
)

// ScheduleStore is the slice of the durable store the scanner needs.
type ScheduleStore interface {
	ClaimDueSchedules(ctx context.Context) ([]models.ScheduledPublication, error)
	MarkScheduleSent(ctx context.Context, id string) error
	MarkScheduleSkipped(ctx context.Context, id string) error
}

// Enqueuer inserts jobs into the backlog.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *models.Job) error
}

// AccountResolver looks up a tenant's active platform accounts. The account
// store is an external collaborator; this core only consumes the lookup.
type AccountResolver interface {
	ActiveAccounts(ctx context.Context, workspaceID, platform string) ([]models.Account, error)
}

// Result holds the exact per-scan counters. These are the scanner's only
// externally observed contract: operational tooling and tests assert on
// them directly.
type Result struct {
	Scanned            int            `json:"scanned"`
	Claimed            int            `json:"claimed"`
	EnqueuedByPlatform map[string]int `json:"enqueued_by_platform"`
	Skipped            int            `json:"skipped"`
	Failed             int            `json:"failed"`
}

// Scanner claims due schedules and enqueues their publish jobs.
type Scanner struct {
	cfg       config.Config
	schedules ScheduleStore
	jobs      Enqueuer
	accounts  AccountResolver
	ledger    *idempotency.Ledger
	log       *zerolog.Logger
}

// New constructs a scanner.
func New(cfg config.Config, schedules ScheduleStore, jobs Enqueuer, accounts AccountResolver, ledger *idempotency.Ledger, logger *zerolog.Logger) *Scanner {
	return &Scanner{
		cfg:       cfg,
		schedules: schedules,
		jobs:      jobs,
		accounts:  accounts,
		ledger:    ledger,
		log:       logging.Component(logger, "scanner"),
	}
}

// Scan runs one sweep over the due schedules.
//
// A schedule is claimed even when it is subsequently skipped: claimed only
// means a scan took ownership. Enqueue failures leave the row claimed and
// count towards Failed so operators see them; they are never silently
// dropped.
func (s *Scanner) Scan(ctx context.Context) (Result, error) {
	res := Result{EnqueuedByPlatform: make(map[string]int)}

	claimed, err := s.schedules.ClaimDueSchedules(ctx)
	if err != nil {
		return res, fmt.Errorf("claim due schedules: %w", err)
	}
	res.Scanned = len(claimed)
	res.Claimed = len(claimed)
	telemetry.SchedulesClaimed.Add(float64(len(claimed)))

	for _, sched := range claimed {
		switch outcome := s.process(ctx, sched); outcome {
		case outcomeSent:
			res.EnqueuedByPlatform[sched.Platform]++
			telemetry.SchedulesSent.Inc()
		case outcomeSkipped:
			res.Skipped++
			telemetry.SchedulesSkipped.Inc()
		case outcomeFailed:
			res.Failed++
			telemetry.SchedulesFailed.Inc()
		}
	}

	s.log.Info().
		Int("claimed", res.Claimed).
		Int("skipped", res.Skipped).
		Int("failed", res.Failed).
		Interface("enqueued", res.EnqueuedByPlatform).
		Msg("scan complete")
	return res, nil
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeSkipped
	outcomeFailed
)

func (s *Scanner) process(ctx context.Context, sched models.ScheduledPublication) outcome {
	kind, ok := models.PublishKindForPlatform(sched.Platform)
	if !ok {
		s.log.Warn().Str("schedule_id", sched.ID).Str("platform", sched.Platform).Msg("unrecognized platform, skipping")
		return s.skip(ctx, sched)
	}

	accounts, err := s.accounts.ActiveAccounts(ctx, sched.WorkspaceID, sched.Platform)
	if err != nil {
		s.log.Error().Err(err).Str("schedule_id", sched.ID).Msg("account lookup failed")
		return outcomeFailed
	}
	if len(accounts) == 0 {
		s.log.Info().Str("schedule_id", sched.ID).Str("platform", sched.Platform).Msg("no active account, skipping")
		return s.skip(ctx, sched)
	}
	account := accounts[0]

	payload, err := json.Marshal(models.PublishJobPayload{
		ScheduleID: sched.ID,
		ClipID:     sched.ClipID,
		Platform:   sched.Platform,
		AccountID:  account.ID,
	})
	if err != nil {
		s.log.Error().Err(err).Str("schedule_id", sched.ID).Msg("marshal publish payload")
		return outcomeFailed
	}

	// The schedule id is the idempotency token: re-running the enqueue for
	// the same schedule and platform replays instead of duplicating.
	_, err = s.ledger.Run(ctx, sched.WorkspaceID, "scanner.enqueue", sched.ID+":"+sched.Platform, payload, func(ctx context.Context) (json.RawMessage, error) {
		job := models.Job{
			WorkspaceID: sched.WorkspaceID,
			Kind:        kind,
			Payload:     payload,
			MaxAttempts: s.cfg.MaxAttempts,
		}
		if err := s.jobs.Enqueue(ctx, &job); err != nil {
			return nil, err
		}
		telemetry.JobsEnqueued.Inc()
		return json.Marshal(map[string]string{"job_id": job.ID})
	})
	if err != nil {
		s.log.Error().Err(err).Str("schedule_id", sched.ID).Msg("enqueue publish job failed, leaving schedule claimed")
		return outcomeFailed
	}

	if err := s.schedules.MarkScheduleSent(ctx, sched.ID); err != nil {
		s.log.Error().Err(err).Str("schedule_id", sched.ID).Msg("mark schedule sent failed")
		return outcomeFailed
	}
	return outcomeSent
}

func (s *Scanner) skip(ctx context.Context, sched models.ScheduledPublication) outcome {
	if err := s.schedules.MarkScheduleSkipped(ctx, sched.ID); err != nil {
		s.log.Error().Err(err).Str("schedule_id", sched.ID).Msg("mark schedule skipped failed")
		return outcomeFailed
	}
	return outcomeSkipped
}

// RunEvery invokes Scan on a fixed interval until ctx is cancelled. cmd/scanner
// uses this; external triggers hit the same Scan through the API.
func (s *Scanner) RunEvery(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("stopping scan loop")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Scan(ctx); err != nil {
				s.log.Error().Err(err).Msg("scan failed")
			}
		}
	}
}
