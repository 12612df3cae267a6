package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Lifecycle metrics
	WorkerLifecycleState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "workeragent_lifecycle_state",
			Help: "1 for the worker's current lifecycle state, 0 for every other state",
		},
		[]string{"state"},
	)

	// Scheduler loop metrics
	PollCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "workeragent_poll_cycles_total",
			Help: "Total number of UpdateWorkerSchedule poll cycles completed",
		},
	)

	PollErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "workeragent_poll_errors_total",
			Help: "Total number of UpdateWorkerSchedule calls that returned an error",
		},
	)

	PollLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "workeragent_poll_latency_seconds",
			Help:    "UpdateWorkerSchedule call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	DrainDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workeragent_drain_duration_seconds",
			Help:    "Time taken to complete a drain, by mode",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"mode"},
	)

	// Session and Action metrics
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "workeragent_sessions_active",
			Help: "Number of Session runtimes currently assigned to this worker",
		},
	)

	ActionsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workeragent_actions_completed_total",
			Help: "Total number of Actions that reached a terminal status, by kind and status",
		},
		[]string{"kind", "status"},
	)

	ActionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workeragent_action_duration_seconds",
			Help:    "Action execution duration in seconds, by kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// Credential metrics
	CredentialRefreshDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workeragent_credential_refresh_duration_seconds",
			Help:    "Time taken to refresh credentials, by credential type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	CredentialRefreshFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workeragent_credential_refresh_failures_total",
			Help: "Total number of failed credential refresh attempts, by credential type",
		},
		[]string{"type"},
	)

	// Entity cache metrics
	EntityBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "workeragent_entity_batch_size",
			Help:    "Number of entity refs requested per BatchGetJobEntity call",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
		},
	)

	EntityRequeuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "workeragent_entity_requeued_total",
			Help: "Total number of entity fetches requeued after a MaxPayloadSizeExceeded result",
		},
	)
)

func init() {
	prometheus.MustRegister(
		WorkerLifecycleState,
		PollCyclesTotal,
		PollErrorsTotal,
		PollLatency,
		DrainDuration,
		SessionsActive,
		ActionsCompletedTotal,
		ActionDuration,
		CredentialRefreshDuration,
		CredentialRefreshFailuresTotal,
		EntityBatchSize,
		EntityRequeuedTotal,
	)
}

// SetLifecycleState records state as the worker's sole active lifecycle
// state, zeroing every other known state.
func SetLifecycleState(state string, known []string) {
	for _, s := range known {
		if s == state {
			WorkerLifecycleState.WithLabelValues(s).Set(1)
		} else {
			WorkerLifecycleState.WithLabelValues(s).Set(0)
		}
	}
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
