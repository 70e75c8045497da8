package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued      = prometheus.NewCounter(prometheus.CounterOpts{Name: "agentq_jobs_enqueued_total", Help: "Jobs accepted at ingress"})
	ClaimsGranted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "agentq_claims_granted_total", Help: "Claims that handed out a job"})
	ClaimsPaused      = prometheus.NewCounter(prometheus.CounterOpts{Name: "agentq_claims_paused_total", Help: "Claims refused by the pause gate"})
	JobsSucceeded     = prometheus.NewCounter(prometheus.CounterOpts{Name: "agentq_jobs_succeeded_total", Help: "Jobs completed successfully"})
	JobsFailed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "agentq_jobs_failed_total", Help: "Job failures, including retried ones"})
	JobsDeadLettered  = prometheus.NewCounter(prometheus.CounterOpts{Name: "agentq_jobs_dead_lettered_total", Help: "Jobs that exhausted attempts"})
	LeaseExpirations  = prometheus.NewCounter(prometheus.CounterOpts{Name: "agentq_lease_expirations_total", Help: "Leases normalized after expiry"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "agentq_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	ProposalsMerged   = prometheus.NewCounter(prometheus.CounterOpts{Name: "agentq_proposals_merged_total", Help: "Proposals merged into pending duplicates"})
	ProposalsPromoted = prometheus.NewCounter(prometheus.CounterOpts{Name: "agentq_proposals_promoted_total", Help: "Proposals promoted to jobs"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "agentq_queue_depth", Help: "Queued jobs"})
	RunningGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "agentq_running", Help: "Jobs holding a lease"})
	StaleRunningGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "agentq_stale_running", Help: "Running jobs with an expired lease"})
	PauseGauge        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "agentq_workers_paused", Help: "1 when the pause gate is engaged"})

	StageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentq_stage_duration_seconds",
		Help:    "Wall time per stage",
		Buckets: prometheus.ExponentialBuckets(0.1, 3, 10),
	}, []string{"stage"})
)

// Handler exposes /metrics with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			ClaimsGranted,
			ClaimsPaused,
			JobsSucceeded,
			JobsFailed,
			JobsDeadLettered,
			LeaseExpirations,
			RateLimitRejects,
			ProposalsMerged,
			ProposalsPromoted,
			QueueDepthGauge,
			RunningGauge,
			StaleRunningGauge,
			PauseGauge,
			StageDuration,
		)
	})
	return promhttp.Handler()
}
