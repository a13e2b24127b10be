package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Inventory metrics
	SandboxesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bay_sandboxes_total",
			Help: "Total number of sandboxes by desired state",
		},
		[]string{"desired_state"},
	)

	SessionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bay_sessions_total",
			Help: "Total number of sessions by observed state",
		},
		[]string{"state"},
	)

	CargosTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bay_cargos_total",
			Help: "Total number of cargos by kind",
		},
		[]string{"kind"},
	)

	// Session lifecycle metrics
	SessionStartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bay_session_starts_total",
			Help: "Total number of session start attempts by outcome",
		},
		[]string{"outcome"},
	)

	SessionStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bay_session_start_duration_seconds",
			Help:    "Time from session allocation to readiness in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	// Capability routing metrics
	CapabilityCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bay_capability_calls_total",
			Help: "Total number of capability calls by capability and outcome",
		},
		[]string{"capability", "outcome"},
	)

	CapabilityCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bay_capability_call_duration_seconds",
			Help:    "Capability call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"capability"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bay_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bay_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// GC metrics
	GCRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bay_gc_runs_total",
			Help: "Total number of GC task runs by task and outcome",
		},
		[]string{"task", "outcome"},
	)

	GCReapedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bay_gc_reaped_total",
			Help: "Total number of resources reaped by task",
		},
		[]string{"task"},
	)

	GCCycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bay_gc_cycle_duration_seconds",
			Help:    "GC task cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task"},
	)

	// Idempotency metrics
	IdempotentReplaysTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bay_idempotent_replays_total",
			Help: "Total number of requests served from idempotency records",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(SandboxesTotal)
	prometheus.MustRegister(SessionsTotal)
	prometheus.MustRegister(CargosTotal)
	prometheus.MustRegister(SessionStartsTotal)
	prometheus.MustRegister(SessionStartDuration)
	prometheus.MustRegister(CapabilityCallsTotal)
	prometheus.MustRegister(CapabilityCallDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(GCRunsTotal)
	prometheus.MustRegister(GCReapedTotal)
	prometheus.MustRegister(GCCycleDuration)
	prometheus.MustRegister(IdempotentReplaysTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for histogram observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in a histogram.
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time in a labeled histogram.
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
