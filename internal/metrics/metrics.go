package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "csat"

// Metrics holds the Prometheus collectors for the survey service.
type Metrics struct {
	SurveysCreated prometheus.Counter
	Submissions    *prometheus.CounterVec

	DeliveryAttempts *prometheus.CounterVec
	DeliveryOutcomes *prometheus.CounterVec
	DeliveryLatency  prometheus.Histogram
	DeliveryQueue    prometheus.Gauge

	SweepExpired prometheus.Counter
	LockWait     *prometheus.HistogramVec
}

// New registers every collector with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SurveysCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "surveys_created_total",
			Help:      "Total number of survey tokens issued",
		}),

		// result: ok, not_found, expired, already_submitted, invalid, error
		Submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Survey submissions by result",
		}, []string{"result"}),

		DeliveryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "Outbound delivery attempts by classification",
		}, []string{"class"}), // class: success, transient, permanent

		DeliveryOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_outcomes_total",
			Help:      "Final delivery states reached",
		}, []string{"state"}),

		DeliveryLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_attempt_duration_seconds",
			Help:      "Latency of individual delivery attempts",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		DeliveryQueue: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "delivery_queue_depth",
			Help:      "Deliveries waiting for a worker in this process",
		}),

		SweepExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_expired_total",
			Help:      "Pending surveys expired by the sweeper",
		}),

		LockWait: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_lock_wait_seconds",
			Help:      "Time spent waiting for the store lock",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"mode"}),
	}
}

// ObserveLockWait matches the store's lock wait hook.
func (m *Metrics) ObserveLockWait(mode string, wait time.Duration) {
	if m == nil {
		return
	}
	m.LockWait.WithLabelValues(mode).Observe(wait.Seconds())
}

// Submission records a submission result.
func (m *Metrics) Submission(result string) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(result).Inc()
}

// Created records a newly issued survey.
func (m *Metrics) Created() {
	if m == nil {
		return
	}
	m.SurveysCreated.Inc()
}

// Attempt records one delivery attempt.
func (m *Metrics) Attempt(class string, took time.Duration) {
	if m == nil {
		return
	}
	m.DeliveryAttempts.WithLabelValues(class).Inc()
	m.DeliveryLatency.Observe(took.Seconds())
}

// Outcome records a terminal delivery state.
func (m *Metrics) Outcome(state string) {
	if m == nil {
		return
	}
	m.DeliveryOutcomes.WithLabelValues(state).Inc()
}

// QueueDepth reports the local delivery backlog.
func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.DeliveryQueue.Set(float64(n))
}

// Expired records surveys expired by a sweep.
func (m *Metrics) Expired(n int) {
	if m == nil {
		return
	}
	m.SweepExpired.Add(float64(n))
}
