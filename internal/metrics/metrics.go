package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "forge"
)

// Metrics holds all Prometheus metrics for the lifecycle controller
type Metrics struct {
	// Provisioning metrics
	ProvisionAttempts *prometheus.CounterVec
	ProvisionDuration prometheus.Histogram
	RunnersActive     prometheus.Gauge
	GroupCacheSize    prometheus.Gauge

	// Cleanup metrics
	CleanupsTotal    *prometheus.CounterVec
	OrphansReclaimed prometheus.Counter

	// Webhook metrics
	WebhookEvents     *prometheus.CounterVec
	SignatureFailures prometheus.Counter

	// Poll loop metrics
	PollCycles        *prometheus.CounterVec
	PollCycleDuration prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)

	m := &Metrics{
		// Provisioning metrics
		ProvisionAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provision_attempts_total",
				Help:      "Total number of runner provisioning attempts",
			},
			[]string{"result"},
		),
		ProvisionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provision_duration_seconds",
				Help:      "Duration of runner provisioning from request to running instance",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
		),
		RunnersActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "runners_active",
				Help:      "Number of runners currently tracked",
			},
		),
		GroupCacheSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "group_cache_size",
				Help:      "Number of runner groups held in the cache",
			},
		),

		// Cleanup metrics
		CleanupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cleanups_total",
				Help:      "Total number of runner cleanups",
			},
			[]string{"reason"},
		),
		OrphansReclaimed: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orphans_reclaimed_total",
				Help:      "Total number of untracked instances terminated by the orphan sweep",
			},
		),

		// Webhook metrics
		WebhookEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_events_total",
				Help:      "Total number of webhook events received",
			},
			[]string{"event", "action"},
		),
		SignatureFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_signature_failures_total",
				Help:      "Total number of webhook deliveries rejected for a bad signature",
			},
		),

		// Poll loop metrics
		PollCycles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_cycles_total",
				Help:      "Total number of job discovery poll cycles",
			},
			[]string{"status"},
		),
		PollCycleDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "poll_cycle_duration_seconds",
				Help:      "Duration of job discovery poll cycles",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}

	return m
}
