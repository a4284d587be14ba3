// Package metrics exposes Prometheus instrumentation for the admission plane.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway's Prometheus collectors. Pass one instance
// through the Runtime wiring instead of relying on package globals so tests
// can register against their own registry.
type Metrics struct {
	// AdmissionTotal counts requests by terminal admission outcome
	// (admitted, missing_key, invalid_key, client_denied, endpoint_gated,
	// concurrency_rejected, queue_full, queue_timeout, overloaded,
	// rate_limited, store_unavailable, client_disconnected, internal).
	AdmissionTotal *prometheus.CounterVec

	// QueueOutcomes counts queue waiter terminal statistics
	// (entered, success, timeout, cancelled, rejected_overload,
	// socket_changed, redis_error).
	QueueOutcomes *prometheus.CounterVec

	// QueueWaitSeconds observes successful queue wait durations.
	QueueWaitSeconds prometheus.Histogram

	// StatEventsDropped counts statistics events discarded because the
	// background dispatcher's buffer was full.
	StatEventsDropped prometheus.Counter

	// UpstreamBreakerOpen counts requests rejected by the relay's circuit
	// breaker.
	UpstreamBreakerOpen prometheus.Counter
}

// New registers the gateway collectors on the given registerer.
// Pass prometheus.DefaultRegisterer in production.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		AdmissionTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relaygate_admission_total",
			Help: "Requests by terminal admission outcome.",
		}, []string{"outcome"}),
		QueueOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relaygate_queue_outcomes_total",
			Help: "Queue waiter terminal statistics.",
		}, []string{"result"}),
		QueueWaitSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relaygate_queue_wait_seconds",
			Help:    "Wait time of successfully admitted queued requests.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		StatEventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "relaygate_stat_events_dropped_total",
			Help: "Statistics events dropped due to dispatcher overflow.",
		}),
		UpstreamBreakerOpen: factory.NewCounter(prometheus.CounterOpts{
			Name: "relaygate_upstream_breaker_open_total",
			Help: "Requests rejected by the upstream circuit breaker.",
		}),
	}
}

// NewForTest registers on a throwaway registry.
func NewForTest() *Metrics {
	return New(prometheus.NewRegistry())
}
