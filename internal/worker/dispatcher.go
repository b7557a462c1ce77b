// Package worker runs the dispatch loop: claim one job, execute its
// handler under a heartbeated lease, and report the outcome back into the
// backlog. An independent reclaim sweep returns crashed workers' jobs to
// the claimable pool.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"clip-publisher/internal/config"
	"clip-publisher/internal/logging"
	"clip-publisher/internal/models"
	"clip-publisher/internal/queue"
	"clip-publisher/internal/telemetry"
)

// minPollSleep floors the idle wait so a slow tick never turns the poll
// loop into a busy spin.
const minPollSleep = 50 * time.Millisecond

// Dispatcher drives one worker process. One job is in flight at a time; the
// only concurrency alongside the handler is the heartbeat ticker.
type Dispatcher struct {
	store    queue.Store
	registry *Registry
	cfg      config.Config
	workerID string
	log      *zerolog.Logger
}

// NewDispatcher constructs a dispatcher with a fresh process identity. A
// restarted worker gets a new identity, so its old lease can never be
// confused with the new one.
func NewDispatcher(cfg config.Config, store queue.Store, registry *Registry, logger *zerolog.Logger) *Dispatcher {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}
	workerID := fmt.Sprintf("%s-%s", hostname, uuid.New().String())
	dispatchLog := logging.Component(logger, "dispatcher").With().Str("worker_id", workerID).Logger()
	return &Dispatcher{
		store:    store,
		registry: registry,
		cfg:      cfg,
		workerID: workerID,
		log:      &dispatchLog,
	}
}

// WorkerID returns the process identity used for leases.
func (d *Dispatcher) WorkerID() string {
	return d.workerID
}

// Run polls the backlog until ctx is cancelled. Store outages are logged
// and retried after a poll tick; they never crash the process.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info().
		Dur("poll_interval", d.cfg.PollInterval).
		Dur("heartbeat_interval", d.cfg.HeartbeatInterval).
		Dur("stale_threshold", d.cfg.StaleThreshold).
		Msg("worker started")

	go d.reclaimLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			d.log.Info().Msg("worker stopping")
			return ctx.Err()
		default:
		}

		start := time.Now()
		worked, err := d.RunOnce(ctx)
		if err != nil {
			d.log.Error().Err(err).Msg("poll failed, backing off one tick")
		}
		if worked && err == nil {
			continue
		}

		sleep := d.cfg.PollInterval - time.Since(start)
		if sleep < minPollSleep {
			sleep = minPollSleep
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// RunOnce claims and executes at most one job. It reports whether a job was
// processed; handler failures are not errors here, only store-level ones.
func (d *Dispatcher) RunOnce(ctx context.Context) (bool, error) {
	job, err := d.store.ClaimNext(ctx, d.workerID)
	if errors.Is(err, queue.ErrNoJob) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim next job: %w", err)
	}

	telemetry.JobsClaimed.Inc()
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	d.execute(ctx, *job)
	return true, nil
}

// execute runs the handler under a heartbeated lease and reports the
// outcome. Handler panics and errors are always converted into a Fail call;
// nothing escapes into the poll loop.
func (d *Dispatcher) execute(ctx context.Context, job models.Job) {
	log := d.log.With().Str("job_id", job.ID).Str("kind", string(job.Kind)).Int("attempt", job.Attempts).Logger()

	stopHeartbeat := d.startHeartbeat(ctx, job.ID, &log)
	defer stopHeartbeat()

	handler, err := d.registry.Resolve(job.Kind)
	if err != nil {
		// Unregistered kind: retrying cannot help, but the failure still
		// goes through Fail so attempts are tracked and the job
		// eventually dead-letters for operator inspection.
		log.Error().Err(err).Msg("unregistered job kind")
		stopHeartbeat()
		d.reportFailure(ctx, job, err, &log)
		return
	}

	result, err := runHandler(ctx, handler, job)
	stopHeartbeat()

	if err != nil {
		log.Warn().Err(err).Msg("job failed")
		d.reportFailure(ctx, job, err, &log)
		return
	}

	if err := d.store.Finish(ctx, job.ID, d.workerID, result); err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			// The job was reclaimed while we ran; another worker owns it
			// now and our result must not overwrite theirs.
			log.Warn().Msg("lease lost before finish, discarding result")
			return
		}
		log.Error().Err(err).Msg("finish failed")
		return
	}
	telemetry.JobsCompleted.Inc()
	log.Info().Msg("job completed")
}

// runHandler isolates handler execution so a panic is returned as an error
// instead of taking down the dispatch loop.
func runHandler(ctx context.Context, handler Handler, job models.Job) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in handler: %v", r)
		}
	}()
	return handler(ctx, job)
}

func (d *Dispatcher) reportFailure(ctx context.Context, job models.Job, cause error, log *zerolog.Logger) {
	backoff := Backoff(job.Attempts, d.cfg.BackoffBase, d.cfg.BackoffCap)
	if err := d.store.Fail(ctx, job.ID, d.workerID, cause.Error(), backoff); err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			log.Warn().Msg("lease lost before fail, dropping report")
			return
		}
		log.Error().Err(err).Msg("fail report did not persist")
		return
	}
	if job.Attempts >= job.MaxAttempts {
		telemetry.JobsDeadLettered.Inc()
		log.Error().Int("max_attempts", job.MaxAttempts).Msg("job dead-lettered")
		return
	}
	telemetry.JobsRetried.Inc()
	log.Info().Dur("backoff", backoff).Msg("job requeued with backoff")
}

// startHeartbeat renews the lease on a ticker until the returned stop
// function is called. The interval must stay well under the staleness
// threshold or live jobs get falsely reclaimed. A rejected heartbeat means
// the lease was reassigned; the running handler is not interrupted (there
// is no cooperative cancellation), but renewals stop.
func (d *Dispatcher) startHeartbeat(ctx context.Context, jobID string, log *zerolog.Logger) func() {
	done := make(chan struct{})
	stopped := false

	go func() {
		ticker := time.NewTicker(d.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := d.store.Heartbeat(ctx, jobID, d.workerID); err != nil {
					if errors.Is(err, queue.ErrLeaseLost) {
						telemetry.HeartbeatRejections.Inc()
						log.Warn().Msg("heartbeat rejected, lease reassigned")
						return
					}
					log.Error().Err(err).Msg("heartbeat failed")
				}
			}
		}
	}()

	return func() {
		if !stopped {
			stopped = true
			close(done)
		}
	}
}

// reclaimLoop periodically returns abandoned leases to the backlog. This is
// the only recovery path for whole-process death: some other live worker's
// sweep picks up a crashed worker's job after the staleness threshold.
func (d *Dispatcher) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.store.ReclaimStale(ctx, d.cfg.StaleThreshold)
			if err != nil {
				d.log.Error().Err(err).Msg("reclaim sweep failed")
				continue
			}
			if n > 0 {
				telemetry.JobsReclaimed.Add(float64(n))
				d.log.Warn().Int("count", n).Msg("reclaimed stale jobs")
			}
		}
	}
}

// Backoff computes the retry delay for a failed attempt:
// min(2^(attempts-1) * base, cap). Attempt 1 waits base, attempt 2 waits
// 2*base, and so on.
func Backoff(attempts int, base, cap time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	backoff := base
	for i := 1; i < attempts; i++ {
		backoff *= 2
		if backoff >= cap {
			return cap
		}
	}
	if backoff > cap {
		return cap
	}
	return backoff
}
