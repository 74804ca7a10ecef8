package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ProposalsTotal     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "gate_proposals_total", Help: "Proposed actions by resolved tier"}, []string{"tier"})
	DecisionsTotal     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "gate_decisions_total", Help: "Terminal approval outcomes"}, []string{"approval_status"})
	ExecutionsTotal    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "gate_executions_total", Help: "Tool executions by status"}, []string{"status"})
	DecisionsExpired   = prometheus.NewCounter(prometheus.CounterOpts{Name: "gate_decisions_expired_total", Help: "Pending actions expired by the sweep"})
	DecisionsStalled   = prometheus.NewCounter(prometheus.CounterOpts{Name: "gate_decisions_stalled_total", Help: "Approved actions closed because no execution was recorded"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "gate_rate_limit_rejects_total", Help: "Proposals rejected by the rate limiter"})
	JobsEnqueued       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Jobs enqueued by type"}, []string{"type"})
	JobsClaimed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_claimed_total", Help: "Jobs claimed by workers"})
	JobsCompleted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs completed successfully"})
	JobsRetried        = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_retried_total", Help: "Job failures returned to pending"})
	JobsFailed         = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Jobs that failed terminally"})
	JobsReclaimed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_reclaimed_total", Help: "Stale claims reclaimed by the sweep"})
	JobsInFlight       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Jobs currently held by this process"})
	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "notifications_raised_total", Help: "Notifications raised by delivery type"}, []string{"type"})
	ChannelFailures    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "notification_channel_failures_total", Help: "Channel delivery failures"}, []string{"channel"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ProposalsTotal,
			DecisionsTotal,
			ExecutionsTotal,
			DecisionsExpired,
			DecisionsStalled,
			RateLimitRejects,
			JobsEnqueued,
			JobsClaimed,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			JobsReclaimed,
			JobsInFlight,
			NotificationsTotal,
			ChannelFailures,
		)
	})
	return promhttp.Handler()
}
