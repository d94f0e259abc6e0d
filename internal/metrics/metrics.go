package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	DispatchAttempts   *prometheus.CounterVec
	DispatchLatency    *prometheus.HistogramVec
	DispatchRecipients *prometheus.CounterVec
	QuotaDecisions     *prometheus.CounterVec
	CreditOperations   *prometheus.CounterVec
	AIRequests         *prometheus.CounterVec
	AILatency          *prometheus.HistogramVec
	Errors             *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = newMetrics(namespace)
		prometheus.MustRegister(metricsInstance.collectors()...)
	})
	return metricsInstance
}

// NewUnregistered builds a fresh set of collectors that is not attached to
// the default registry. Tests use it to assert on counters in isolation.
func NewUnregistered(namespace string) *Metrics {
	return newMetrics(namespace)
}

func newMetrics(namespace string) *Metrics {
	return &Metrics{
		DispatchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_provider_attempts_total",
			Help:      "Provider send attempts by channel, provider and outcome.",
		}, []string{"channel", "provider", "status"}),
		DispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_provider_duration_seconds",
			Help:      "Latency distribution for provider send calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel", "provider"}),
		DispatchRecipients: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_recipients_total",
			Help:      "Recipients processed by channel and final status.",
		}, []string{"channel", "status"}),
		QuotaDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_decisions_total",
			Help:      "Quota admission decisions by operation and outcome.",
		}, []string{"operation", "decision"}),
		CreditOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_operations_total",
			Help:      "Credit ledger operations by type and outcome.",
		}, []string{"type", "status"}),
		AIRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ai_requests_total",
			Help:      "Generation requests by provider and outcome.",
		}, []string{"provider", "status"}),
		AILatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ai_request_duration_seconds",
			Help:      "Latency distribution for generation calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total errors grouped by component.",
		}, []string{"component"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.DispatchAttempts,
		m.DispatchLatency,
		m.DispatchRecipients,
		m.QuotaDecisions,
		m.CreditOperations,
		m.AIRequests,
		m.AILatency,
		m.Errors,
	}
}

// Error increments the error counter for component. Safe on a nil receiver.
func (m *Metrics) Error(component string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(component).Inc()
}
