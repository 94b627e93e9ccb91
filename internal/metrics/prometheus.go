package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "modelmux"

// LatencyBuckets defines histogram buckets for latency metrics in seconds.
var LatencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
	1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 120.0,
}

// QueueWaitBuckets covers slot-wait times, which skew much shorter than
// upstream round trips.
var QueueWaitBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 15.0,
}

// =============================================================================
// Call Metrics
// =============================================================================

var (
	// CallsTotal counts finished calls by outcome.
	CallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Total number of finished calls",
		},
		[]string{"provider", "role", "status"},
	)

	// RetriesTotal counts retry attempts against a candidate.
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Total number of retry attempts",
		},
		[]string{"provider", "role"},
	)

	// FallbackActivationsTotal counts switches to a fallback candidate.
	FallbackActivationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_activations_total",
			Help:      "Total number of fallback activations",
		},
		[]string{"provider", "role"},
	)

	// ErrorsTotal counts classified failures by kind.
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of classified errors",
		},
		[]string{"provider", "role", "kind"},
	)
)

// =============================================================================
// Cache Metrics
// =============================================================================

var (
	// CacheEventsTotal counts response cache hits and misses.
	CacheEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_events_total",
			Help:      "Response cache hits and misses",
		},
		[]string{"provider", "role", "event"},
	)
)

// =============================================================================
// Latency Metrics
// =============================================================================

var (
	// QueueWaitSeconds tracks time spent waiting for a dispatch slot.
	QueueWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_wait_seconds",
			Help:      "Time spent waiting in the dispatch queue",
			Buckets:   QueueWaitBuckets,
		},
		[]string{"provider", "role"},
	)

	// DispatchLatencySeconds tracks dispatch-to-completion latency.
	DispatchLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_latency_seconds",
			Help:      "Dispatch-to-completion latency",
			Buckets:   LatencyBuckets,
		},
		[]string{"provider", "role"},
	)
)
