package types

import "time"

// MetricCounts is one bundle of call counters, either per (provider, role)
// or rolled up as a total.
type MetricCounts struct {
	CallsTotal          int64 `json:"callsTotal"`
	CallsSuccess        int64 `json:"callsSuccess"`
	CallsFailed         int64 `json:"callsFailed"`
	RetriesTotal        int64 `json:"retriesTotal"`
	FallbackActivations int64 `json:"fallbackActivations"`
	CacheHits           int64 `json:"cacheHits"`
	CacheMisses         int64 `json:"cacheMisses"`
}

// Add accumulates c2 into c.
func (c *MetricCounts) Add(c2 MetricCounts) {
	c.CallsTotal += c2.CallsTotal
	c.CallsSuccess += c2.CallsSuccess
	c.CallsFailed += c2.CallsFailed
	c.RetriesTotal += c2.RetriesTotal
	c.FallbackActivations += c2.FallbackActivations
	c.CacheHits += c2.CacheHits
	c.CacheMisses += c2.CacheMisses
}

// HistogramBucket is one cumulative bucket of a latency histogram.
type HistogramBucket struct {
	UpperBound float64 `json:"le"`
	Count      int64   `json:"count"`
}

// HistogramSnapshot is an immutable view of a latency histogram in
// milliseconds.
type HistogramSnapshot struct {
	Buckets []HistogramBucket `json:"buckets,omitempty"`
	Count   int64             `json:"count"`
	Sum     float64           `json:"sum"`
	Avg     float64           `json:"avg"`
}

// MetricsEntry is the snapshot for one (provider, role) pair.
type MetricsEntry struct {
	Provider string `json:"provider"`
	Role     string `json:"role"`
	MetricCounts
	ErrorsByKind    map[string]int64  `json:"errorsByKind,omitempty"`
	QueueWaitMS     HistogramSnapshot `json:"queueWaitMs"`
	DispatchLatency HistogramSnapshot `json:"dispatchLatencyMs"`
}

// MetricsSnapshot is a consistent, immutable view of the collector.
type MetricsSnapshot struct {
	TakenAt time.Time      `json:"takenAt"`
	Totals  MetricCounts   `json:"totals"`
	Entries []MetricsEntry `json:"entries"`
}

// MetricsFilter restricts a snapshot to one provider and/or role. Empty
// fields match everything.
type MetricsFilter struct {
	Provider string `json:"provider,omitempty"`
	Role     string `json:"role,omitempty"`
}

// QueueState is the lifecycle state of a tracked queue entry.
type QueueState string

// Queue entry lifecycle states.
const (
	QueueStateQueued     QueueState = "queued"
	QueueStateProcessing QueueState = "processing"
	QueueStateCompleted  QueueState = "completed"
	QueueStateFailed     QueueState = "failed"
)

// QueueMetrics is the queue's observable aggregate state.
type QueueMetrics struct {
	Depth         int     `json:"depth"`
	DepthHigh     int     `json:"depthHigh"`
	DepthNormal   int     `json:"depthNormal"`
	DepthLow      int     `json:"depthLow"`
	Running       int     `json:"running"`
	TotalEnqueued int64   `json:"totalEnqueued"`
	TotalDequeued int64   `json:"totalDequeued"`
	TotalDropped  int64   `json:"totalDropped"`
	TotalRemoved  int64   `json:"totalRemoved"`
	AvgWaitMS     float64 `json:"avgWaitMs"`
	Paused        bool    `json:"paused"`
}

// QueueRequestStatus describes one tracked queue entry.
type QueueRequestStatus struct {
	ID              string     `json:"id"`
	State           QueueState `json:"state"`
	Priority        Priority   `json:"priority"`
	Position        int        `json:"position,omitempty"`
	EstimatedWaitMS int64      `json:"estimatedWaitMs,omitempty"`
	EnqueuedAt      time.Time  `json:"enqueuedAt"`
}
