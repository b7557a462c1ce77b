package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued        = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Total jobs enqueued"})
	JobsClaimed         = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_claimed_total", Help: "Jobs claimed by workers"})
	JobsCompleted       = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs completed successfully"})
	JobsRetried         = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_retried_total", Help: "Jobs that failed and were requeued with backoff"})
	JobsDeadLettered    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_dead_letter_total", Help: "Jobs moved to the dead letter state"})
	JobsReclaimed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_reclaimed_total", Help: "Stale leases returned to the backlog"})
	HeartbeatRejections = prometheus.NewCounter(prometheus.CounterOpts{Name: "heartbeat_rejections_total", Help: "Heartbeats rejected because the lease was reassigned"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "api_rate_limit_rejects_total", Help: "API requests rejected by the rate limiter"})

	SchedulesClaimed = prometheus.NewCounter(prometheus.CounterOpts{Name: "schedules_claimed_total", Help: "Scheduled publications claimed by scans"})
	SchedulesSent    = prometheus.NewCounter(prometheus.CounterOpts{Name: "schedules_sent_total", Help: "Scheduled publications turned into publish jobs"})
	SchedulesSkipped = prometheus.NewCounter(prometheus.CounterOpts{Name: "schedules_skipped_total", Help: "Scheduled publications skipped (no platform or account)"})
	SchedulesFailed  = prometheus.NewCounter(prometheus.CounterOpts{Name: "schedules_failed_total", Help: "Scheduled publications whose enqueue failed"})

	BacklogDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_backlog_depth", Help: "Queued jobs due now"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Jobs currently leased"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsClaimed,
			JobsCompleted,
			JobsRetried,
			JobsDeadLettered,
			JobsReclaimed,
			HeartbeatRejections,
			RateLimitRejects,
			SchedulesClaimed,
			SchedulesSent,
			SchedulesSkipped,
			SchedulesFailed,
			BacklogDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
