package modelmux

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	intcache "github.com/modelmux/modelmux/internal/cache"
	"github.com/modelmux/modelmux/pkg/config"
	muxerrors "github.com/modelmux/modelmux/pkg/errors"
	"github.com/modelmux/modelmux/pkg/provider"
	"github.com/modelmux/modelmux/pkg/types"
	"github.com/modelmux/modelmux/pkg/usage"
)

// prependPrefix marks a template that renders to a leading system message
// instead of replacing the last user message.
const prependPrefix = "prepend:"

// dispatch carries one validated call through the pipeline.
type dispatch struct {
	role          string
	candidates    []config.ModelRef
	messages      []types.Message
	opts          *types.CallOptions
	correlationID string
}

// Call dispatches to one explicit provider/model target. No fallbacks are
// attempted; per-candidate retries still apply. Most callers want
// CallByRole.
func (r *Router) Call(ctx context.Context, target ModelRef, messages []Message, opts *CallOptions) (*Response, error) {
	if target.Provider == "" || target.Model == "" {
		return nil, muxerrors.New(muxerrors.KindValidation, "target requires provider and model")
	}
	if !r.cfg.Current().ProviderEnabled(target.Provider) {
		return nil, muxerrors.Newf(muxerrors.KindConfig, "provider %q is disabled", target.Provider)
	}
	d, err := r.prepare("", []config.ModelRef{target}, messages, opts)
	if err != nil {
		return nil, err
	}
	return r.execute(ctx, d)
}

// CallByRole resolves a logical role to its candidate chain and dispatches,
// falling back through the chain on eligible failures.
func (r *Router) CallByRole(ctx context.Context, role string, messages []Message, opts *CallOptions) (*Response, error) {
	candidates, err := r.resolveRole(role)
	if err != nil {
		return nil, err
	}
	d, err := r.prepare(role, candidates, messages, opts)
	if err != nil {
		return nil, err
	}
	return r.execute(ctx, d)
}

// prepare validates the request and pins the correlation id.
func (r *Router) prepare(role string, candidates []config.ModelRef, messages []types.Message, opts *types.CallOptions) (*dispatch, error) {
	if r.closed.Load() {
		return nil, muxerrors.New(muxerrors.KindCancelled, "router is shut down")
	}
	if opts == nil {
		opts = &types.CallOptions{}
	} else {
		opts = opts.Clone()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := types.ValidateMessages(messages); err != nil {
		return nil, err
	}
	correlationID := opts.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
		opts.CorrelationID = correlationID
	}
	return &dispatch{
		role:          role,
		candidates:    candidates,
		messages:      messages,
		opts:          opts,
		correlationID: correlationID,
	}, nil
}

// resolveRole maps a role to its enabled candidates, primary first.
func (r *Router) resolveRole(role string) ([]config.ModelRef, error) {
	candidates, ok := r.cfg.Current().Candidates(role)
	if !ok {
		return nil, muxerrors.Newf(muxerrors.KindConfig, "no role mapping for %q", role)
	}
	if len(candidates) == 0 {
		return nil, muxerrors.Newf(muxerrors.KindConfig, "role %q has no enabled candidates", role)
	}
	return candidates, nil
}

// execute runs the call through the response cache. Cacheable calls
// coalesce: one upstream dispatch per key, concurrent duplicates wait and
// replay the cached result.
func (r *Router) execute(ctx context.Context, d *dispatch) (*types.Response, error) {
	r.inflight.Add(1)
	defer r.inflight.Done()

	primary := d.candidates[0]

	if !d.opts.CacheEnabled() {
		resp, err := r.dispatchOnce(ctx, d)
		if err != nil {
			return nil, err
		}
		return r.decorate(resp, d, false), nil
	}

	canonical, err := intcache.Canonicalize(primary.Provider, primary.Model, d.messages, d.opts)
	if err != nil {
		return nil, muxerrors.Wrap(muxerrors.KindInternal, err, "canonicalize request")
	}
	key := intcache.Key(canonical)

	resp, cached, err := r.cache.Do(ctx, key, canonical, func() (*types.Response, error) {
		r.metrics.RecordCacheMiss(primary.Provider, d.role)
		return r.dispatchOnce(ctx, d)
	})
	if err != nil {
		return nil, err
	}
	if cached {
		r.metrics.RecordCacheHit(primary.Provider, d.role)
		r.recordCacheHit(ctx, d, resp)
	}
	return r.decorate(resp, d, cached), nil
}

// decorate stamps the per-call fields that must not leak into (or out of)
// the cache: role, cached flag, and the caller's correlation id.
func (r *Router) decorate(resp *types.Response, d *dispatch, cached bool) *types.Response {
	resp.Role = d.role
	resp.Cached = cached
	resp.SetMeta("correlationId", d.correlationID)
	return resp
}

// dispatchOnce is one real upstream dispatch: template, queue, then the
// candidate loop.
func (r *Router) dispatchOnce(ctx context.Context, d *dispatch) (*types.Response, error) {
	messages, err := r.applyTemplate(d)
	if err != nil {
		return nil, r.failEarly(ctx, d, err)
	}

	primary := d.candidates[0]

	ticket, err := r.queue.Enqueue(d.opts.Priority)
	if err != nil {
		return nil, r.failEarly(ctx, d, err)
	}
	enqueued := time.Now()
	if err := ticket.Wait(ctx); err != nil {
		return nil, r.failEarly(ctx, d, err)
	}
	r.metrics.ObserveQueueWait(primary.Provider, d.role, time.Since(enqueued))

	start := time.Now()
	var resp *types.Response
	serving, dispatchErr := r.walkCandidates(ctx, d, func(prov provider.Provider, ref config.ModelRef) *muxerrors.Error {
		out, callErr := r.chat(ctx, prov, ref, messages, d.opts)
		if callErr != nil {
			return callErr
		}
		resp = out
		return nil
	})
	ticket.Finish(dispatchErr != nil)

	if dispatchErr != nil {
		r.recordFailure(ctx, d, serving, dispatchErr)
		return nil, dispatchErr
	}
	r.recordSuccess(ctx, d, serving, resp, time.Since(start))
	return resp, nil
}

// chat runs a single adapter call under the provider's rate limiter and
// normalizes the result.
func (r *Router) chat(ctx context.Context, prov provider.Provider, ref config.ModelRef, messages []types.Message, opts *types.CallOptions) (*types.Response, *muxerrors.Error) {
	var resp *types.Response
	err := r.limits.Schedule(ctx, ref.Provider, func() error {
		out, callErr := prov.Chat(ctx, &provider.Request{
			Model:    ref.Model,
			Messages: messages,
			Options:  *opts,
		})
		resp = out
		return callErr
	})
	if err != nil {
		return nil, toMuxError(err)
	}
	normalizeResponse(resp, prov, ref)
	return resp, nil
}

// walkCandidates drives the retry/fallback state machine: for each
// candidate, up to 1+retry.Count attempts with exponential backoff; a
// non-retryable error ends the candidate, a non-fallback-eligible error
// ends the walk. The surfaced error carries every earlier attempt.
func (r *Router) walkCandidates(ctx context.Context, d *dispatch, try func(prov provider.Provider, ref config.ModelRef) *muxerrors.Error) (config.ModelRef, *muxerrors.Error) {
	retry := r.cfg.Current().Retry
	attempts := make([]*muxerrors.Error, 0, 1)
	serving := d.candidates[0]

candidates:
	for i, ref := range d.candidates {
		if i > 0 {
			r.metrics.RecordFallback(ref.Provider, d.role)
			r.logger.Debug("activating fallback",
				"role", d.role,
				"candidate", ref.String(),
				"attempts", len(attempts),
			)
		}
		serving = ref

		prov, err := r.registry.Get(ref.Provider)
		if err != nil {
			// A stale mapping must not doom the chain; skip to the next
			// candidate with the config error on record.
			attempts = append(attempts, annotate(toMuxError(err), ref, d.correlationID))
			continue
		}

		for attempt := 0; attempt <= retry.Count; attempt++ {
			if attempt > 0 {
				var last *muxerrors.Error
				if len(attempts) > 0 {
					last = attempts[len(attempts)-1]
				}
				if e := r.backoffWait(ctx, retry, attempt, last); e != nil {
					attempts = append(attempts, annotate(e, ref, d.correlationID))
					break candidates
				}
				r.metrics.RecordRetry(ref.Provider, d.role)
			}

			e := try(prov, ref)
			if e == nil {
				return ref, nil
			}
			e = annotate(e, ref, d.correlationID)
			attempts = append(attempts, e)
			r.metrics.RecordError(ref.Provider, d.role, e.Kind)

			if !e.Retryable() {
				break
			}
		}

		if last := attempts[len(attempts)-1]; !last.AllowsFallback() {
			break
		}
	}

	final := attempts[len(attempts)-1]
	if len(attempts) > 1 {
		final.Attempts = attempts[:len(attempts)-1]
	}
	return serving, final
}

// backoffWait sleeps base×2^(attempt-1) capped at MaxBackoff, raised to the
// provider's Retry-After when longer. A context end while sleeping returns
// a cancellation error.
func (r *Router) backoffWait(ctx context.Context, retry config.RetryConfig, attempt int, last *muxerrors.Error) *muxerrors.Error {
	backoff := retry.Backoff * time.Duration(1<<(attempt-1))
	if retry.MaxBackoff > 0 && backoff > retry.MaxBackoff {
		backoff = retry.MaxBackoff
	}
	if last != nil && last.RetryAfter > backoff {
		backoff = last.RetryAfter
	}
	if backoff <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return toMuxError(ctx.Err())
	case <-time.After(backoff):
		return nil
	}
}

// applyTemplate renders the requested template into the message list. Plain
// templates replace the last user message content; templates named with a
// "prepend:" prefix render to a system message placed first. The caller's
// slice is never mutated.
func (r *Router) applyTemplate(d *dispatch) ([]types.Message, error) {
	name := d.opts.Template
	if name == "" {
		return d.messages, nil
	}
	prepend := strings.HasPrefix(name, prependPrefix)
	if prepend {
		name = strings.TrimPrefix(name, prependPrefix)
	}

	rendered, err := r.templates.Render(name, d.opts.TemplateVars)
	if err != nil {
		return nil, err
	}

	messages := types.CloneMessages(d.messages)
	if prepend {
		out := make([]types.Message, 0, len(messages)+1)
		out = append(out, types.Message{Role: types.RoleSystem, Content: rendered})
		return append(out, messages...), nil
	}
	if i := types.LastUserIndex(messages); i >= 0 {
		messages[i].Content = rendered
		return messages, nil
	}
	return append(messages, types.Message{Role: types.RoleUser, Content: rendered}), nil
}

// failEarly classifies and records a failure that happened before any
// candidate was attempted (template, queue admission, queue wait).
func (r *Router) failEarly(ctx context.Context, d *dispatch, err error) *muxerrors.Error {
	primary := d.candidates[0]
	e := toMuxError(err).WithCorrelation(d.correlationID)
	r.metrics.RecordError(primary.Provider, d.role, e.Kind)
	r.recordFailure(ctx, d, primary, e)
	return e
}

// recordSuccess feeds the telemetry pipeline after a served dispatch.
func (r *Router) recordSuccess(ctx context.Context, d *dispatch, ref config.ModelRef, resp *types.Response, dispatchLatency time.Duration) {
	estimated := false
	if v, ok := resp.Metadata["estimated"].(bool); ok {
		estimated = v
	}
	rec := usage.Record{
		Provider:      ref.Provider,
		Model:         ref.Model,
		Role:          d.role,
		ProjectID:     d.opts.ProjectID,
		CorrelationID: d.correlationID,
		Tokens:        resp.Tokens,
		Cost:          resp.Cost,
		LatencyMS:     resp.Latency,
		Status:        usage.StatusSuccess,
		Estimated:     estimated,
	}
	if err := r.costs.Record(ctx, rec); err != nil {
		r.logger.Warn("usage record rejected", "error", err)
	}
	r.tokens.Record(ref.Provider, d.role, resp.Tokens)
	r.metrics.RecordCall(ref.Provider, d.role, true)
	r.metrics.ObserveDispatch(ref.Provider, d.role, dispatchLatency)
}

// recordFailure feeds the telemetry pipeline after a failed dispatch. The
// per-attempt error kinds were already counted during the walk.
func (r *Router) recordFailure(ctx context.Context, d *dispatch, ref config.ModelRef, err *muxerrors.Error) {
	rec := usage.Record{
		Provider:      ref.Provider,
		Model:         ref.Model,
		Role:          d.role,
		ProjectID:     d.opts.ProjectID,
		CorrelationID: d.correlationID,
		Status:        usage.StatusError,
	}
	if recErr := r.costs.Record(ctx, rec); recErr != nil {
		r.logger.Warn("usage record rejected", "error", recErr)
	}
	r.metrics.RecordCall(ref.Provider, d.role, false)
}

// recordCacheHit books a zero-cost usage record for a call served from the
// cache; the spend was recorded when the entry was populated.
func (r *Router) recordCacheHit(ctx context.Context, d *dispatch, resp *types.Response) {
	rec := usage.Record{
		Provider:      resp.Provider,
		Model:         resp.Model,
		Role:          d.role,
		ProjectID:     d.opts.ProjectID,
		CorrelationID: d.correlationID,
		Status:        usage.StatusSuccess,
		Cached:        true,
	}
	if err := r.costs.Record(ctx, rec); err != nil {
		r.logger.Warn("usage record rejected", "error", err)
	}
}

// normalizeResponse backfills fields an adapter may have left empty:
// provider/model identity, estimated token counts, and cost.
func normalizeResponse(resp *types.Response, prov provider.Provider, ref config.ModelRef) {
	if resp.Provider == "" {
		resp.Provider = ref.Provider
	}
	if resp.Model == "" {
		resp.Model = ref.Model
	}
	if resp.Tokens.IsZero() && resp.Content != "" {
		output := types.EstimateTokens(resp.Content)
		resp.Tokens = types.Usage{Output: output, Total: output}
		resp.SetMeta("estimated", true)
	}
	if resp.Cost == 0 && !resp.Tokens.IsZero() {
		resp.Cost = prov.CalculateCost(resp.Tokens.Input, resp.Tokens.Output, ref.Model)
	}
}

// annotate pins provider, model, and correlation id onto an attempt error.
func annotate(e *muxerrors.Error, ref config.ModelRef, correlationID string) *muxerrors.Error {
	return e.WithProvider(ref.Provider, ref.Model).WithCorrelation(correlationID)
}

// toMuxError lifts an arbitrary error into the classified vocabulary.
// Context ends map to CANCELLED and TIMEOUT_TRANSPORT; anything else
// unclassified is INTERNAL.
func toMuxError(err error) *muxerrors.Error {
	if e, ok := muxerrors.As(err); ok {
		return e
	}
	switch {
	case errors.Is(err, context.Canceled):
		return muxerrors.Wrap(muxerrors.KindCancelled, err, "request cancelled")
	case errors.Is(err, context.DeadlineExceeded):
		return muxerrors.Wrap(muxerrors.KindTransportTimeout, err, "deadline exceeded")
	}
	return muxerrors.Wrap(muxerrors.KindInternal, err, "dispatch failed")
}
