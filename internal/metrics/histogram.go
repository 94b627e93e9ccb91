package metrics

import (
	"sort"

	"github.com/modelmux/modelmux/pkg/types"
)

// Default bucket bounds in milliseconds. Queue waits skew short, dispatch
// latencies cover upstream round trips.
var (
	queueWaitBounds = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 15000}
	dispatchBounds  = []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000}
)

// histogram is a fixed-bound latency histogram. Observations above the last
// bound land in an overflow slot that only Count/Sum report.
type histogram struct {
	bounds []float64
	counts []int64 // len(bounds)+1, last slot is overflow
	count  int64
	sum    float64
}

func newHistogram(bounds []float64) *histogram {
	return &histogram{
		bounds: bounds,
		counts: make([]int64, len(bounds)+1),
	}
}

func (h *histogram) observe(v float64) {
	idx := sort.SearchFloat64s(h.bounds, v)
	h.counts[idx]++
	h.count++
	h.sum += v
}

// snapshot returns a cumulative view. Bucket counts follow Prometheus "le"
// semantics; the overflow slot is visible only through Count.
func (h *histogram) snapshot() types.HistogramSnapshot {
	s := types.HistogramSnapshot{
		Count: h.count,
		Sum:   h.sum,
	}
	if h.count > 0 {
		s.Avg = h.sum / float64(h.count)
		s.Buckets = make([]types.HistogramBucket, len(h.bounds))
		var running int64
		for i, bound := range h.bounds {
			running += h.counts[i]
			s.Buckets[i] = types.HistogramBucket{UpperBound: bound, Count: running}
		}
	}
	return s
}

func (h *histogram) reset() {
	for i := range h.counts {
		h.counts[i] = 0
	}
	h.count = 0
	h.sum = 0
}
