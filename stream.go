package modelmux

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/modelmux/modelmux/internal/queue"
	"github.com/modelmux/modelmux/pkg/config"
	muxerrors "github.com/modelmux/modelmux/pkg/errors"
	"github.com/modelmux/modelmux/pkg/provider"
	"github.com/modelmux/modelmux/pkg/types"
	"github.com/modelmux/modelmux/pkg/usage"
)

// Stream opens a role-routed streaming call. Retries and fallbacks apply to
// establishment only: once the first byte arrives the serving candidate is
// committed and a later failure surfaces to the caller. Streamed responses
// never touch the cache. The caller owns Close.
func (r *Router) Stream(ctx context.Context, role string, messages []Message, opts *CallOptions) (*Stream, error) {
	if !r.cfg.Current().FlagEnabled(config.FeatureFlagStreaming, true) {
		return nil, muxerrors.New(muxerrors.KindConfig, "streaming is disabled by feature flag")
	}
	candidates, err := r.resolveRole(role)
	if err != nil {
		return nil, err
	}
	d, err := r.prepare(role, candidates, messages, opts)
	if err != nil {
		return nil, err
	}

	r.inflight.Add(1)

	rendered, err := r.applyTemplate(d)
	if err != nil {
		r.inflight.Done()
		return nil, r.failEarly(ctx, d, err)
	}

	primary := d.candidates[0]
	ticket, err := r.queue.Enqueue(d.opts.Priority)
	if err != nil {
		r.inflight.Done()
		return nil, r.failEarly(ctx, d, err)
	}
	enqueued := time.Now()
	if err := ticket.Wait(ctx); err != nil {
		r.inflight.Done()
		return nil, r.failEarly(ctx, d, err)
	}
	r.metrics.ObserveQueueWait(primary.Provider, d.role, time.Since(enqueued))

	started := time.Now()
	var (
		inner   provider.ChunkStream
		release func()
		serving provider.Provider
	)
	// Unlike the chat path, the concurrency slot is acquired directly and
	// held for the stream's lifetime; release happens on finish or Close.
	ref, dispatchErr := r.walkCandidates(ctx, d, func(p provider.Provider, ref config.ModelRef) *muxerrors.Error {
		rel, acqErr := r.limits.Limiter(ref.Provider).Acquire(ctx)
		if acqErr != nil {
			return toMuxError(acqErr)
		}
		cs, openErr := p.Stream(ctx, &provider.Request{
			Model:    ref.Model,
			Messages: rendered,
			Options:  *d.opts,
		})
		if openErr != nil {
			rel()
			return toMuxError(openErr)
		}
		inner, release, serving = cs, rel, p
		return nil
	})
	if dispatchErr != nil {
		ticket.Finish(true)
		r.recordFailure(ctx, d, ref, dispatchErr)
		r.inflight.Done()
		return nil, dispatchErr
	}

	return &Stream{
		router:        r,
		inner:         inner,
		prov:          serving,
		ref:           ref,
		role:          d.role,
		correlationID: d.correlationID,
		projectID:     d.opts.ProjectID,
		ticket:        ticket,
		release:       release,
		started:       started,
	}, nil
}

// Stream yields the increments of one live response. Recv and Close are safe
// for concurrent use; Recv is not re-entrant.
type Stream struct {
	router *Router
	inner  provider.ChunkStream
	prov   provider.Provider
	ref    config.ModelRef

	role          string
	correlationID string
	projectID     string

	ticket  *queue.Ticket
	release func()

	mu           sync.Mutex
	started      time.Time
	index        int
	bytes        int
	usage        types.Usage
	finishReason string
	closed       bool
	done         bool
	released     bool
}

// Recv returns the next content chunk. The final call returns a chunk with
// Done set and the stream's usage summary in Metadata; calls after that
// return io.EOF. Provider frames that carry only usage or a finish reason
// are folded into the summary rather than surfaced.
func (s *Stream) Recv() (*types.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, muxerrors.New(muxerrors.KindCancelled, "stream closed")
	}
	if s.done {
		return nil, io.EOF
	}

	for {
		chunk, err := s.inner.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return s.finishLocked(), nil
			}
			return nil, s.failLocked(err)
		}
		if chunk.Usage != nil {
			s.usage = *chunk.Usage
		}
		if chunk.FinishReason != "" {
			s.finishReason = chunk.FinishReason
		}
		if chunk.Content == "" {
			continue
		}
		out := &types.Chunk{
			Content:  chunk.Content,
			Provider: s.ref.Provider,
			Model:    s.ref.Model,
			Role:     s.role,
			Index:    s.index,
		}
		s.bytes += len(chunk.Content)
		s.index++
		return out, nil
	}
}

// Close releases the stream's resources. Closing before the terminal chunk
// abandons the response without booking usage; closing after is a no-op.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.releaseLocked(false)
	return nil
}

// finishLocked builds the terminal chunk, books usage, and releases.
func (s *Stream) finishLocked() *types.Chunk {
	s.done = true

	tokens := s.usage
	estimated := false
	if tokens.IsZero() {
		// No provider-reported usage; estimate output from streamed bytes.
		output := (s.bytes + 3) / 4
		tokens = types.Usage{Output: output, Total: output}
		estimated = true
	}
	cost := s.prov.CalculateCost(tokens.Input, tokens.Output, s.ref.Model)
	latency := time.Since(s.started)

	terminal := &types.Chunk{
		Provider: s.ref.Provider,
		Model:    s.ref.Model,
		Role:     s.role,
		Index:    s.index,
		Done:     true,
		Metadata: &types.ChunkMeta{
			Tokens:        tokens,
			Cost:          cost,
			Latency:       latency.Milliseconds(),
			ChunkCount:    s.index,
			CorrelationID: s.correlationID,
			FinishReason:  s.finishReason,
		},
	}
	s.router.recordStream(s, tokens, cost, latency, estimated, nil)
	s.releaseLocked(false)
	return terminal
}

// failLocked classifies a mid-stream failure, books the tokens observed so
// far, and releases.
func (s *Stream) failLocked(err error) *muxerrors.Error {
	s.done = true

	e := toMuxError(err).
		WithProvider(s.ref.Provider, s.ref.Model).
		WithCorrelation(s.correlationID)

	tokens := s.usage
	estimated := false
	if tokens.IsZero() && s.bytes > 0 {
		output := (s.bytes + 3) / 4
		tokens = types.Usage{Output: output, Total: output}
		estimated = true
	}
	cost := s.prov.CalculateCost(tokens.Input, tokens.Output, s.ref.Model)

	s.router.recordStream(s, tokens, cost, time.Since(s.started), estimated, e)
	s.releaseLocked(true)
	return e
}

// releaseLocked returns the stream's concurrency slot and queue grant
// exactly once, regardless of how the stream ended.
func (s *Stream) releaseLocked(failed bool) {
	if s.released {
		return
	}
	s.released = true
	_ = s.inner.Close()
	s.release()
	s.ticket.Finish(failed)
	s.router.inflight.Done()
}

// recordStream feeds the telemetry pipeline when a stream ends. Abandoned
// streams (Close before the terminal chunk) book nothing.
func (r *Router) recordStream(s *Stream, tokens types.Usage, cost float64, latency time.Duration, estimated bool, failure *muxerrors.Error) {
	status := usage.StatusSuccess
	if failure != nil {
		status = usage.StatusError
		r.metrics.RecordError(s.ref.Provider, s.role, failure.Kind)
	}
	rec := usage.Record{
		Provider:      s.ref.Provider,
		Model:         s.ref.Model,
		Role:          s.role,
		ProjectID:     s.projectID,
		CorrelationID: s.correlationID,
		Tokens:        tokens,
		Cost:          cost,
		LatencyMS:     latency.Milliseconds(),
		Status:        status,
		Estimated:     estimated,
	}
	if err := r.costs.Record(context.Background(), rec); err != nil {
		r.logger.Warn("usage record rejected", "error", err)
	}
	if !tokens.IsZero() {
		r.tokens.Record(s.ref.Provider, s.role, tokens)
	}
	r.metrics.RecordCall(s.ref.Provider, s.role, failure == nil)
	r.metrics.ObserveDispatch(s.ref.Provider, s.role, latency)
}
