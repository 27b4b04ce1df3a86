package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	IntakeAccepted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "voice_intake_accepted_total", Help: "Audio clips accepted and enqueued"})
	IntakeRejected   = prometheus.NewCounter(prometheus.CounterOpts{Name: "voice_intake_rejected_total", Help: "Audio clips rejected at validation"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "voice_rate_limit_rejects_total", Help: "Submissions rejected by the per-user rate limiter"})

	TasksCompleted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "voice_tasks_completed_total", Help: "Tasks that produced a delivered response"})
	TasksFailed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "voice_tasks_failed_total", Help: "Tasks that failed and will retry"})
	TasksDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{Name: "voice_tasks_dead_letter_total", Help: "Tasks moved to the DLQ"})
	TasksSuperseded = prometheus.NewCounter(prometheus.CounterOpts{Name: "voice_tasks_superseded_total", Help: "Queued tasks discarded because a newer clip arrived"})
	LeaseDeferrals  = prometheus.NewCounter(prometheus.CounterOpts{Name: "voice_lease_deferrals_total", Help: "Tasks re-queued because the user session lease was held"})

	QueueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "voice_queue_depth", Help: "Ready queue depth"})
	InFlightGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "voice_inflight", Help: "Tasks currently leased by workers"})

	ProviderFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "voice_provider_failures_total", Help: "Failed provider sub-calls"},
		[]string{"provider", "op"},
	)
	DeliveriesSent = prometheus.NewCounter(prometheus.CounterOpts{Name: "voice_deliveries_total", Help: "Responses delivered to channels"})
	DeliveriesDup  = prometheus.NewCounter(prometheus.CounterOpts{Name: "voice_deliveries_duplicate_total", Help: "Duplicate delivery attempts suppressed by correlation id"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			IntakeAccepted,
			IntakeRejected,
			RateLimitRejects,
			TasksCompleted,
			TasksFailed,
			TasksDeadLetter,
			TasksSuperseded,
			LeaseDeferrals,
			QueueDepthGauge,
			InFlightGauge,
			ProviderFailures,
			DeliveriesSent,
			DeliveriesDup,
		)
	})
	return promhttp.Handler()
}
