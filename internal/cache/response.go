package cache

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	pkgcache "github.com/modelmux/modelmux/pkg/cache"
	muxerrors "github.com/modelmux/modelmux/pkg/errors"
	"github.com/modelmux/modelmux/pkg/types"
)

// storedEntry is the serialized cache value. The canonical form rides along
// so a lookup can verify the stored response really belongs to the request,
// not to a hash collision.
type storedEntry struct {
	Canonical json.RawMessage `json:"canonical"`
	Response  *types.Response `json:"response"`
	CachedAt  int64           `json:"cachedAt"`
}

// Responses fronts a Store with request canonicalization, collision
// verification, and call coalescing: at most one upstream call per key is
// in flight at a time, and concurrent identical calls wait for its result.
type Responses struct {
	store  pkgcache.Store
	ttl    time.Duration
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]chan struct{}
}

// NewResponses builds the response cache layer over a backend store.
func NewResponses(store pkgcache.Store, ttl time.Duration, logger *slog.Logger) *Responses {
	if logger == nil {
		logger = slog.Default()
	}
	return &Responses{
		store:    store,
		ttl:      ttl,
		logger:   logger,
		inflight: make(map[string]chan struct{}),
	}
}

// Store exposes the backend for stats and admin operations.
func (r *Responses) Store() pkgcache.Store {
	return r.store
}

// Lookup fetches and verifies a cached response. A stored entry whose
// canonical form differs from the request's is a hash collision and counts
// as a miss.
func (r *Responses) Lookup(ctx context.Context, key string, canonical []byte) (*types.Response, bool) {
	raw, err := r.store.Get(ctx, key)
	if err != nil {
		r.logger.Warn("cache lookup failed", "error", err)
		return nil, false
	}
	if raw == nil {
		return nil, false
	}

	var entry storedEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		r.logger.Warn("cache entry corrupt, dropping", "key", key, "error", err)
		_ = r.store.Delete(ctx, key)
		return nil, false
	}
	if !bytes.Equal(entry.Canonical, canonical) {
		r.logger.Warn("cache key collision detected", "key", key)
		return nil, false
	}
	if entry.Response == nil {
		return nil, false
	}
	return entry.Response.Clone(), true
}

// Put writes a response together with its canonical form.
func (r *Responses) Put(ctx context.Context, key string, canonical []byte, resp *types.Response) error {
	entry := storedEntry{
		Canonical: canonical,
		Response:  resp,
		CachedAt:  time.Now().UnixMilli(),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, key, raw, r.ttl)
}

// Do runs fetch through the cache. On a hit the cached response is returned
// with cached=true. On a miss, the first caller for a key becomes the
// leader and dispatches fetch; concurrent callers for the same key wait,
// then re-check the cache. A follower that still misses after the leader
// finished (error, or a backend that refused the write) races to become the
// next leader, so at most one upstream call per key is ever in flight. A
// leader error never populates the cache.
func (r *Responses) Do(ctx context.Context, key string, canonical []byte, fetch func() (*types.Response, error)) (*types.Response, bool, error) {
	for {
		if resp, ok := r.Lookup(ctx, key, canonical); ok {
			return resp, true, nil
		}

		r.mu.Lock()
		if wait, ok := r.inflight[key]; ok {
			r.mu.Unlock()

			select {
			case <-ctx.Done():
				return nil, false, muxerrors.Wrap(muxerrors.KindCancelled, ctx.Err(), "request cancelled while awaiting coalesced call")
			case <-wait:
			}
			continue
		}

		done := make(chan struct{})
		r.inflight[key] = done
		r.mu.Unlock()

		resp, err := fetch()
		if err == nil {
			// Populate before waking followers so their re-lookup hits.
			r.put(ctx, key, canonical, resp)
		}

		r.mu.Lock()
		delete(r.inflight, key)
		r.mu.Unlock()
		close(done)

		if err != nil {
			return nil, false, err
		}
		return resp, false, nil
	}
}

func (r *Responses) put(ctx context.Context, key string, canonical []byte, resp *types.Response) {
	if err := r.Put(ctx, key, canonical, resp); err != nil {
		r.logger.Warn("cache store failed", "key", key, "error", err)
	}
}

// Invalidate removes one entry.
func (r *Responses) Invalidate(ctx context.Context, key string) error {
	return r.store.Delete(ctx, key)
}

// Clear removes every entry.
func (r *Responses) Clear(ctx context.Context) error {
	return r.store.Flush(ctx)
}

// Stats returns the backend counters.
func (r *Responses) Stats() pkgcache.Stats {
	return r.store.Stats()
}

// Close shuts the backend down.
func (r *Responses) Close() error {
	return r.store.Close()
}
