// Package metrics holds the Prometheus instruments for the Manager.
//
// The registry is constructed at startup and passed explicitly so tests
// can instantiate hermetic instances.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics bundles every instrument the Manager records.
type Metrics struct {
	Registry *prometheus.Registry

	// ActionsAccepted counts batches the Command Gate admitted.
	ActionsAccepted prometheus.Counter

	// ActionsDropped counts gate drops by reason. Exactly one increment
	// per dropped batch.
	ActionsDropped *prometheus.CounterVec

	// AckLatency observes host-reported apply latency in seconds.
	AckLatency prometheus.Histogram

	// FastPathReadyTimeouts counts channels that missed the __ready__
	// sentinel deadline.
	FastPathReadyTimeouts prometheus.Counter

	// QueueDepth tracks pending broker entries per session.
	QueueDepth *prometheus.GaugeVec

	// ActiveLeases tracks live controller leases.
	ActiveLeases prometheus.Gauge

	// FastPathSessions tracks open manager-side peers.
	FastPathSessions prometheus.Gauge

	// RateLimited counts per-lease token-bucket rejections.
	RateLimited prometheus.Counter
}

// New constructs a Metrics bundle on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		Registry: reg,
		ActionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "controller_actions_accepted_total",
			Help: "Action batches accepted by the command gate.",
		}),
		ActionsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "controller_actions_dropped_total",
			Help: "Action batches dropped by the command gate, by reason.",
		}, []string{"reason"}),
		AckLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "action_ack_latency_seconds",
			Help:    "Latency between enqueue and host-applied ack.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		FastPathReadyTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fast_path_channel_ready_timeout_total",
			Help: "Fast-path channels that missed the readiness sentinel deadline.",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "action_queue_depth",
			Help: "Pending broker entries per session.",
		}, []string{"session_id"}),
		ActiveLeases: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "controller_leases_active",
			Help: "Live controller leases.",
		}),
		FastPathSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fast_path_sessions_open",
			Help: "Open manager-side fast-path peer sessions.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "controller_actions_rate_limited_total",
			Help: "Batches rejected by the per-lease token bucket.",
		}),
	}

	reg.MustRegister(
		m.ActionsAccepted,
		m.ActionsDropped,
		m.AckLatency,
		m.FastPathReadyTimeouts,
		m.QueueDepth,
		m.ActiveLeases,
		m.FastPathSessions,
		m.RateLimited,
	)
	return m
}
