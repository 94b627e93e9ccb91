package cache

import (
	"container/heap"
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	pkgcache "github.com/modelmux/modelmux/pkg/cache"
)

// Memory is an in-memory cache with TTL expiry and LRU eviction at a size
// cap. A min-heap orders entries by expiration for the sweep; a
// doubly-linked list orders them by recency for capacity eviction.
type Memory struct {
	mu sync.Mutex

	data map[string]*memoryEntry
	ttls map[string]int64 // key -> expiration (unix nano), detects stale heap entries

	expiryHeap expiryHeap
	lru        *list.List // front = most recently used; values are keys

	maxEntries int // 0 = unbounded
	defaultTTL time.Duration

	sweepTicker *time.Ticker
	stopSweep   chan struct{}
	closeOnce   sync.Once

	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	deletes   atomic.Int64
	evictions atomic.Int64
}

type memoryEntry struct {
	value      []byte
	expiration int64 // unix nano
	lruElem    *list.Element
}

type expiryEntry struct {
	key        string
	expiration int64
	index      int
}

type expiryHeap []*expiryEntry

func (h expiryHeap) Len() int           { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].expiration < h[j].expiration }
func (h expiryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *expiryHeap) Push(x any) {
	entry, ok := x.(*expiryEntry)
	if !ok {
		return
	}
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*h = old[0 : n-1]
	return entry
}

// MemoryConfig tunes the in-memory store.
type MemoryConfig struct {
	MaxEntries    int           // 0 = unbounded
	DefaultTTL    time.Duration // default: 5 minutes
	SweepInterval time.Duration // default: DefaultTTL / 4, floor 1s
}

// NewMemory creates the store and starts its sweep goroutine.
func NewMemory(cfg MemoryConfig) *Memory {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.DefaultTTL / 4
	}
	if cfg.SweepInterval < time.Second {
		cfg.SweepInterval = time.Second
	}

	m := &Memory{
		data:       make(map[string]*memoryEntry),
		ttls:       make(map[string]int64),
		expiryHeap: make(expiryHeap, 0),
		lru:        list.New(),
		maxEntries: cfg.MaxEntries,
		defaultTTL: cfg.DefaultTTL,
		stopSweep:  make(chan struct{}),
	}
	heap.Init(&m.expiryHeap)

	m.sweepTicker = time.NewTicker(cfg.SweepInterval)
	go m.sweepLoop()

	return m
}

func (m *Memory) sweepLoop() {
	for {
		select {
		case <-m.sweepTicker.C:
			m.mu.Lock()
			m.sweepExpiredLocked(time.Now().UnixNano())
			m.mu.Unlock()
		case <-m.stopSweep:
			return
		}
	}
}

// sweepExpiredLocked pops expired heap entries. Entries whose key was
// rewritten or deleted since they were pushed are stale and get discarded
// without touching the live data.
func (m *Memory) sweepExpiredLocked(now int64) {
	for m.expiryHeap.Len() > 0 {
		entry := m.expiryHeap[0]

		if stored, ok := m.ttls[entry.key]; !ok || stored != entry.expiration {
			heap.Pop(&m.expiryHeap)
			continue
		}

		if entry.expiration <= now {
			heap.Pop(&m.expiryHeap)
			m.removeLocked(entry.key)
			m.evictions.Add(1)
			continue
		}
		break
	}
}

func (m *Memory) removeLocked(key string) {
	if entry, ok := m.data[key]; ok {
		if entry.lruElem != nil {
			m.lru.Remove(entry.lruElem)
		}
		delete(m.data, key)
		delete(m.ttls, key)
	}
}

// evictLRULocked drops least recently used entries until the store is
// below capacity.
func (m *Memory) evictLRULocked() {
	for m.maxEntries > 0 && len(m.data) >= m.maxEntries {
		back := m.lru.Back()
		if back == nil {
			return
		}
		key, _ := back.Value.(string)
		m.removeLocked(key)
		m.evictions.Add(1)
	}
}

// Get retrieves a value, refreshing its recency. Expired entries are
// removed lazily.
func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	now := time.Now().UnixNano()

	m.mu.Lock()
	entry, ok := m.data[key]
	if !ok {
		m.mu.Unlock()
		m.misses.Add(1)
		return nil, nil
	}
	if entry.expiration > 0 && entry.expiration <= now {
		m.removeLocked(key)
		m.mu.Unlock()
		m.misses.Add(1)
		return nil, nil
	}
	m.lru.MoveToFront(entry.lruElem)
	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	m.mu.Unlock()

	m.hits.Add(1)
	return value, nil
}

// Set stores a copy of value under key.
func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	expiration := time.Now().Add(ttl).UnixNano()

	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.data[key]; ok {
		existing.value = valueCopy
		existing.expiration = expiration
		m.lru.MoveToFront(existing.lruElem)
	} else {
		m.sweepExpiredLocked(time.Now().UnixNano())
		m.evictLRULocked()
		m.data[key] = &memoryEntry{
			value:      valueCopy,
			expiration: expiration,
			lruElem:    m.lru.PushFront(key),
		}
	}
	m.ttls[key] = expiration

	heap.Push(&m.expiryHeap, &expiryEntry{key: key, expiration: expiration})
	m.sets.Add(1)
	return nil
}

// Delete removes a key.
func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	_, ok := m.data[key]
	m.removeLocked(key)
	m.mu.Unlock()

	if ok {
		m.deletes.Add(1)
	}
	return nil
}

// Flush removes every entry.
func (m *Memory) Flush(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data = make(map[string]*memoryEntry)
	m.ttls = make(map[string]int64)
	m.expiryHeap = make(expiryHeap, 0)
	heap.Init(&m.expiryHeap)
	m.lru.Init()
	return nil
}

// Len reports the number of live entries.
func (m *Memory) Len(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data), nil
}

// Ping always succeeds for the in-memory store.
func (m *Memory) Ping(ctx context.Context) error {
	return nil
}

// Stats returns the store counters.
func (m *Memory) Stats() pkgcache.Stats {
	m.mu.Lock()
	entries := len(m.data)
	m.mu.Unlock()

	hits := m.hits.Load()
	misses := m.misses.Load()
	return pkgcache.Stats{
		Hits:      hits,
		Misses:    misses,
		Sets:      m.sets.Load(),
		Deletes:   m.deletes.Load(),
		Evictions: m.evictions.Load(),
		Entries:   entries,
		HitRate:   pkgcache.RateOf(hits, misses),
	}
}

// Close stops the sweep goroutine.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		m.sweepTicker.Stop()
		close(m.stopSweep)
	})
	return nil
}

var _ pkgcache.Store = (*Memory)(nil)
