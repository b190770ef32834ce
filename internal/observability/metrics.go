// Package observability exposes the engine's Prometheus metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sells-group/facility-locator/internal/model"
	"github.com/sells-group/facility-locator/internal/resilience"
)

const namespace = "facility_locator"

// Metrics holds the Prometheus counters, histograms, and gauges for the engine.
// All helper methods are safe on a nil receiver.
type Metrics struct {
	JobsProcessed  *prometheus.CounterVec // labels: outcome={succeeded,failed,skipped}
	Decisions      *prometheus.CounterVec // labels: status, actor={system,reviewer}
	BatchesRunning prometheus.Gauge
	JobDuration    prometheus.Histogram

	// Provider metrics.
	ProviderRequests *prometheus.CounterVec   // labels: source, outcome={success,<error kind>}
	ProviderDuration *prometheus.HistogramVec // labels: source
	CircuitState     *prometheus.GaugeVec     // labels: source; 0 closed, 1 half_open, 2 open

	// Resolution metrics.
	OracleConsultations *prometheus.CounterVec // labels: result={accepted,rejected}
	ConfidenceScore     prometheus.Histogram
}

func newMetrics() *Metrics {
	return &Metrics{
		JobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_processed_total",
			Help:      "Location queries processed by outcome.",
		}, []string{"outcome"}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Validation decisions by resulting status and actor.",
		}, []string{"status", "actor"}),
		BatchesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batches_running",
			Help:      "Batches currently being processed.",
		}),
		JobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of one location query from fan-out to persistence.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		}),
		ProviderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Provider adapter calls by source and outcome.",
		}, []string{"source", "outcome"}),
		ProviderDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_duration_seconds",
			Help:      "Provider adapter call duration including retries.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		}, []string{"source"}),
		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit breaker state per provider: 0 closed, 1 half open, 2 open.",
		}, []string{"source"}),
		OracleConsultations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_consultations_total",
			Help:      "Advisory oracle consultations by result.",
		}, []string{"result"}),
		ConfidenceScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "confidence_score",
			Help:      "Distribution of computed confidence scores.",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.JobsProcessed,
		m.Decisions,
		m.BatchesRunning,
		m.JobDuration,
		m.ProviderRequests,
		m.ProviderDuration,
		m.CircuitState,
		m.OracleConsultations,
		m.ConfidenceScore,
	}
}

// NewMetrics creates and registers all engine metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics registered with a fresh registry to
// avoid "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	m := newMetrics()
	prometheus.NewRegistry().MustRegister(m.collectors()...)
	return m
}

// ObserveOutcome records one provider outcome.
func (m *Metrics) ObserveOutcome(o model.ProviderOutcome) {
	if m == nil {
		return
	}
	outcome := "success"
	if !o.Success {
		outcome = string(o.ErrorKind)
	}
	m.ProviderRequests.WithLabelValues(string(o.Source), outcome).Inc()
	m.ProviderDuration.WithLabelValues(string(o.Source)).Observe(float64(o.LatencyMs) / 1000)
}

// ObserveJob records a finished job. outcome is succeeded, failed or skipped.
func (m *Metrics) ObserveJob(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.JobsProcessed.WithLabelValues(outcome).Inc()
	if outcome != "skipped" {
		m.JobDuration.Observe(seconds)
	}
}

// ObserveDecision records a status decision and, for automatic decisions,
// the confidence score behind it.
func (m *Metrics) ObserveDecision(v *model.ValidationResult, actor string) {
	if m == nil || v == nil {
		return
	}
	label := "reviewer"
	if actor == "system" {
		label = "system"
		m.ConfidenceScore.Observe(v.ConfidenceScore)
	}
	m.Decisions.WithLabelValues(string(v.Status), label).Inc()
}

// ObserveOracle records whether an oracle verdict was accepted.
func (m *Metrics) ObserveOracle(accepted bool) {
	if m == nil {
		return
	}
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	m.OracleConsultations.WithLabelValues(result).Inc()
}

// BatchStarted and BatchFinished track running batches.
func (m *Metrics) BatchStarted() {
	if m != nil {
		m.BatchesRunning.Inc()
	}
}

func (m *Metrics) BatchFinished() {
	if m != nil {
		m.BatchesRunning.Dec()
	}
}

// CircuitChanged is a resilience.BreakerConfig.OnStateChange hook.
func (m *Metrics) CircuitChanged(name string, _, to resilience.CircuitState) {
	if m == nil {
		return
	}
	var v float64
	switch to {
	case resilience.StateHalfOpen:
		v = 1
	case resilience.StateOpen:
		v = 2
	}
	m.CircuitState.WithLabelValues(name).Set(v)
}
