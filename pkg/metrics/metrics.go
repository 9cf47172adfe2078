package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pool composition
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatch_workers_total",
			Help: "Total number of registered workers by status",
		},
		[]string{"status"},
	)

	WorkersOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_workers_online",
			Help: "Number of workers whose last heartbeat is within heartbeat_ttl",
		},
	)

	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatch_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"status"},
	)

	ReposTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_repos_total",
			Help: "Total number of registered repos",
		},
	)

	// Scheduling cycle metrics
	CycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_cycle_duration_seconds",
			Help:    "Time taken to run one requeue+match cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	CycleAssignedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_cycle_assigned_total",
			Help: "Total number of tasks leased by the matcher",
		},
	)

	CycleRequeuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_cycle_requeued_total",
			Help: "Total number of tasks requeued due to lease expiry",
		},
	)

	CycleSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_cycle_skipped_total",
			Help: "Total number of ready tasks skipped by the matcher, by reason",
		},
		[]string{"reason"},
	)

	// Worker-session metrics
	WorkerRegistrationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_worker_registrations_total",
			Help: "Total number of worker registrations",
		},
	)

	HeartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_heartbeats_total",
			Help: "Total number of heartbeats recorded",
		},
	)

	// Task state machine metrics
	TaskTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_task_transitions_total",
			Help: "Total number of worker-reported task status transitions, by from/to",
		},
		[]string{"from", "to"},
	)
)

func init() {
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(WorkersOnline)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(ReposTotal)
	prometheus.MustRegister(CycleDuration)
	prometheus.MustRegister(CycleAssignedTotal)
	prometheus.MustRegister(CycleRequeuedTotal)
	prometheus.MustRegister(CycleSkippedTotal)
	prometheus.MustRegister(WorkerRegistrationsTotal)
	prometheus.MustRegister(HeartbeatsTotal)
	prometheus.MustRegister(TaskTransitionsTotal)
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
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to one label combination of a
// histogram vector.
func (t *Timer) ObserveDurationVec(histogramVec *prometheus.HistogramVec, labelValues ...string) {
	histogramVec.WithLabelValues(labelValues...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
