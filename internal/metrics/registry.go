// Package metrics accumulates per-provider, per-role call counters and
// latency histograms and exposes them as immutable snapshots. When the
// Prometheus mirror is enabled every recording also feeds the corresponding
// promauto collector.
package metrics

import (
	"sort"
	"sync"
	"time"

	muxerrors "github.com/modelmux/modelmux/pkg/errors"
	"github.com/modelmux/modelmux/pkg/types"
)

type key struct {
	provider string
	role     string
}

type bucket struct {
	counts       types.MetricCounts
	errorsByKind map[string]int64
	queueWait    *histogram
	dispatch     *histogram
}

func newBucket() *bucket {
	return &bucket{
		queueWait: newHistogram(queueWaitBounds),
		dispatch:  newHistogram(dispatchBounds),
	}
}

// Registry is the in-process metrics collector.
type Registry struct {
	mu      sync.Mutex
	buckets map[key]*bucket
	prom    bool
}

func New() *Registry {
	return &Registry{buckets: make(map[key]*bucket)}
}

// EnablePrometheus mirrors every subsequent recording into the package's
// promauto collectors.
func (r *Registry) EnablePrometheus() {
	r.mu.Lock()
	r.prom = true
	r.mu.Unlock()
}

func (r *Registry) bucketFor(provider, role string) *bucket {
	b, ok := r.buckets[key{provider, role}]
	if !ok {
		b = newBucket()
		r.buckets[key{provider, role}] = b
	}
	return b
}

// RecordCall counts one finished call on its outcome.
func (r *Registry) RecordCall(provider, role string, success bool) {
	r.mu.Lock()
	b := r.bucketFor(provider, role)
	b.counts.CallsTotal++
	status := "success"
	if success {
		b.counts.CallsSuccess++
	} else {
		b.counts.CallsFailed++
		status = "error"
	}
	prom := r.prom
	r.mu.Unlock()

	if prom {
		CallsTotal.WithLabelValues(provider, role, status).Inc()
	}
}

// RecordRetry counts one retry attempt against a candidate.
func (r *Registry) RecordRetry(provider, role string) {
	r.mu.Lock()
	r.bucketFor(provider, role).counts.RetriesTotal++
	prom := r.prom
	r.mu.Unlock()

	if prom {
		RetriesTotal.WithLabelValues(provider, role).Inc()
	}
}

// RecordFallback counts a switch from one candidate to the next.
func (r *Registry) RecordFallback(provider, role string) {
	r.mu.Lock()
	r.bucketFor(provider, role).counts.FallbackActivations++
	prom := r.prom
	r.mu.Unlock()

	if prom {
		FallbackActivationsTotal.WithLabelValues(provider, role).Inc()
	}
}

func (r *Registry) RecordCacheHit(provider, role string) {
	r.mu.Lock()
	r.bucketFor(provider, role).counts.CacheHits++
	prom := r.prom
	r.mu.Unlock()

	if prom {
		CacheEventsTotal.WithLabelValues(provider, role, "hit").Inc()
	}
}

func (r *Registry) RecordCacheMiss(provider, role string) {
	r.mu.Lock()
	r.bucketFor(provider, role).counts.CacheMisses++
	prom := r.prom
	r.mu.Unlock()

	if prom {
		CacheEventsTotal.WithLabelValues(provider, role, "miss").Inc()
	}
}

// RecordError counts a classified failure by kind.
func (r *Registry) RecordError(provider, role string, kind muxerrors.Kind) {
	r.mu.Lock()
	b := r.bucketFor(provider, role)
	if b.errorsByKind == nil {
		b.errorsByKind = make(map[string]int64)
	}
	b.errorsByKind[string(kind)]++
	prom := r.prom
	r.mu.Unlock()

	if prom {
		ErrorsTotal.WithLabelValues(provider, role, string(kind)).Inc()
	}
}

// ObserveQueueWait records time spent waiting for a dispatch slot.
func (r *Registry) ObserveQueueWait(provider, role string, d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	r.mu.Lock()
	r.bucketFor(provider, role).queueWait.observe(ms)
	prom := r.prom
	r.mu.Unlock()

	if prom {
		QueueWaitSeconds.WithLabelValues(provider, role).Observe(d.Seconds())
	}
}

// ObserveDispatch records dispatch-to-completion latency.
func (r *Registry) ObserveDispatch(provider, role string, d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	r.mu.Lock()
	r.bucketFor(provider, role).dispatch.observe(ms)
	prom := r.prom
	r.mu.Unlock()

	if prom {
		DispatchLatencySeconds.WithLabelValues(provider, role).Observe(d.Seconds())
	}
}

// Snapshot returns a consistent copy of all matching buckets. Entries are
// sorted by provider then role; totals aggregate the matched entries.
func (r *Registry) Snapshot(filter types.MetricsFilter) types.MetricsSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := types.MetricsSnapshot{TakenAt: time.Now().UTC()}
	for k, b := range r.buckets {
		if filter.Provider != "" && filter.Provider != k.provider {
			continue
		}
		if filter.Role != "" && filter.Role != k.role {
			continue
		}
		entry := types.MetricsEntry{
			Provider:        k.provider,
			Role:            k.role,
			MetricCounts:    b.counts,
			QueueWaitMS:     b.queueWait.snapshot(),
			DispatchLatency: b.dispatch.snapshot(),
		}
		if len(b.errorsByKind) > 0 {
			entry.ErrorsByKind = make(map[string]int64, len(b.errorsByKind))
			for kind, n := range b.errorsByKind {
				entry.ErrorsByKind[kind] = n
			}
		}
		snap.Totals.Add(b.counts)
		snap.Entries = append(snap.Entries, entry)
	}
	sort.Slice(snap.Entries, func(i, j int) bool {
		if snap.Entries[i].Provider != snap.Entries[j].Provider {
			return snap.Entries[i].Provider < snap.Entries[j].Provider
		}
		return snap.Entries[i].Role < snap.Entries[j].Role
	})
	return snap
}

// Reset clears all buckets. The Prometheus mirror keeps its series; counters
// there are cumulative by contract.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.buckets = make(map[key]*bucket)
	r.mu.Unlock()
}
