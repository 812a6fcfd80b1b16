package observability

import (
	"time"

	"github.com/agentsim/decisiond/models"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the decision plane.
type Metrics struct {
	DecisionsSubmitted prometheus.Counter
	DecisionsResolved  *prometheus.CounterVec
	DecisionLatency    prometheus.Histogram
	QueueDepth         prometheus.Gauge

	ProviderAttempts *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec
}

// NewMetrics creates and registers the collectors on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DecisionsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "decisiond",
			Name:      "decisions_submitted_total",
			Help:      "Decision requests accepted by the queue.",
		}),
		DecisionsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "decisiond",
			Name:      "decisions_resolved_total",
			Help:      "Decision requests resolved, by terminal outcome.",
		}, []string{"outcome"}),
		DecisionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "decisiond",
			Name:      "decision_latency_seconds",
			Help:      "Submit-to-resolution latency for successful decisions.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "decisiond",
			Name:      "queue_depth",
			Help:      "Entries waiting for a dispatch slot.",
		}),
		ProviderAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "decisiond",
			Name:      "provider_attempts_total",
			Help:      "Backend dispatch attempts, by provider and result.",
		}, []string{"provider", "result"}),
		ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "decisiond",
			Name:      "provider_latency_seconds",
			Help:      "Per-attempt backend call latency.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"provider"}),
	}

	reg.MustRegister(
		m.DecisionsSubmitted,
		m.DecisionsResolved,
		m.DecisionLatency,
		m.QueueDepth,
		m.ProviderAttempts,
		m.ProviderLatency,
	)
	return m
}

// ConsumeOutcome records a provider dispatch outcome; Metrics implements
// the balancer's OutcomeSink.
func (m *Metrics) ConsumeOutcome(event models.ProviderOutcomeEvent) {
	result := "success"
	if !event.Success {
		result = "failure"
	}
	m.ProviderAttempts.WithLabelValues(event.Provider, result).Inc()
	m.ProviderLatency.WithLabelValues(event.Provider).Observe(event.Latency.Seconds())
}

// ObserveResolved records a terminal decision outcome.
func (m *Metrics) ObserveResolved(outcome string, latency time.Duration, success bool) {
	m.DecisionsResolved.WithLabelValues(outcome).Inc()
	if success {
		m.DecisionLatency.Observe(latency.Seconds())
	}
}
