package modelmux

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelmux/modelmux/pkg/config"
	muxerrors "github.com/modelmux/modelmux/pkg/errors"
	"github.com/modelmux/modelmux/pkg/provider"
	"github.com/modelmux/modelmux/pkg/types"
	"github.com/modelmux/modelmux/pkg/usage"
)

func TestRouter_CallByRole_Success(t *testing.T) {
	alpha := &scriptedProvider{name: "alpha", rate: 0.001}
	r := newTestRouter(t, testConfig(), alpha)

	resp, err := r.CallByRole(context.Background(), "chat", userMessages("hi"), nil)
	require.NoError(t, err)

	assert.Equal(t, "ok from alpha", resp.Content)
	assert.Equal(t, "alpha", resp.Provider)
	assert.Equal(t, "alpha-large", resp.Model)
	assert.Equal(t, "chat", resp.Role)
	assert.False(t, resp.Cached)
	assert.NotEmpty(t, resp.Metadata["correlationId"])
	assert.InDelta(t, 0.03, resp.Cost, 1e-9)

	require.Equal(t, 1, alpha.calls())
	assert.Equal(t, "alpha-large", alpha.request(0).Model)

	snap := r.Metrics(MetricsFilter{})
	assert.Equal(t, int64(1), snap.Totals.CallsTotal)
	assert.Equal(t, int64(1), snap.Totals.CallsSuccess)
	assert.Equal(t, int64(1), snap.Totals.CacheMisses)
}

func TestRouter_CallByRole_CorrelationIDPropagates(t *testing.T) {
	alpha := &scriptedProvider{name: "alpha"}
	r := newTestRouter(t, testConfig(), alpha)

	opts := &CallOptions{CorrelationID: "corr-42"}
	resp, err := r.CallByRole(context.Background(), "chat", userMessages("hi"), opts)
	require.NoError(t, err)

	assert.Equal(t, "corr-42", resp.Metadata["correlationId"])

	records, n := r.Costs().History(usage.Filter{}, 10, 0)
	require.Equal(t, 1, n)
	assert.Equal(t, "corr-42", records[0].CorrelationID)
}

func TestRouter_CallByRole_CacheHit(t *testing.T) {
	alpha := &scriptedProvider{name: "alpha", rate: 0.001}
	r := newTestRouter(t, testConfig(), alpha)
	ctx := context.Background()

	first, err := r.CallByRole(ctx, "chat", userMessages("same question"), nil)
	require.NoError(t, err)
	require.False(t, first.Cached)

	second, err := r.CallByRole(ctx, "chat", userMessages("same question"), nil)
	require.NoError(t, err)

	assert.True(t, second.Cached)
	assert.Equal(t, first.Content, second.Content)
	assert.Equal(t, 1, alpha.calls(), "second call must be served from cache")

	snap := r.Metrics(MetricsFilter{})
	assert.Equal(t, int64(1), snap.Totals.CacheHits)
	assert.Equal(t, int64(1), snap.Totals.CacheMisses)

	records, n := r.Costs().History(usage.Filter{}, 10, 0)
	require.Equal(t, 2, n)
	// Newest first: the cached call books zero spend.
	assert.True(t, records[0].Cached)
	assert.Zero(t, records[0].Cost)
	assert.False(t, records[1].Cached)
	assert.InDelta(t, 0.03, records[1].Cost, 1e-9)
}

func TestRouter_CallByRole_DifferentOptionsMissCache(t *testing.T) {
	alpha := &scriptedProvider{name: "alpha"}
	r := newTestRouter(t, testConfig(), alpha)
	ctx := context.Background()

	_, err := r.CallByRole(ctx, "chat", userMessages("q"), &CallOptions{MaxTokens: 100})
	require.NoError(t, err)
	_, err = r.CallByRole(ctx, "chat", userMessages("q"), &CallOptions{MaxTokens: 200})
	require.NoError(t, err)

	assert.Equal(t, 2, alpha.calls())
}

func TestRouter_CallByRole_CacheDisabled(t *testing.T) {
	alpha := &scriptedProvider{name: "alpha"}
	r := newTestRouter(t, testConfig(), alpha)
	ctx := context.Background()

	off := false
	opts := &CallOptions{UseCache: &off}

	for i := 0; i < 2; i++ {
		resp, err := r.CallByRole(ctx, "chat", userMessages("no cache"), opts)
		require.NoError(t, err)
		assert.False(t, resp.Cached)
	}

	assert.Equal(t, 2, alpha.calls())

	stats := r.CacheStats()
	assert.Zero(t, stats.Hits)
	assert.Zero(t, stats.Misses)

	snap := r.Metrics(MetricsFilter{})
	assert.Zero(t, snap.Totals.CacheHits)
	assert.Zero(t, snap.Totals.CacheMisses)
}

func TestRouter_CallByRole_CoalescesConcurrentCalls(t *testing.T) {
	gate := make(chan struct{})
	alpha := &scriptedProvider{name: "alpha"}
	alpha.chat = func(_ context.Context, call int, req *provider.Request) (*types.Response, error) {
		<-gate
		return &types.Response{Content: "joint answer", Provider: "alpha", Model: req.Model}, nil
	}
	r := newTestRouter(t, testConfig(), alpha)
	ctx := context.Background()

	var (
		wg           sync.WaitGroup
		respA, respB *types.Response
		errA, errB   error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		respA, errA = r.CallByRole(ctx, "chat", userMessages("dup"), nil)
	}()
	waitUntil(t, time.Second, func() bool { return alpha.calls() == 1 })

	wg.Add(1)
	go func() {
		defer wg.Done()
		respB, errB = r.CallByRole(ctx, "chat", userMessages("dup"), nil)
	}()
	time.Sleep(10 * time.Millisecond)
	close(gate)
	wg.Wait()

	require.NoError(t, errA)
	require.NoError(t, errB)
	assert.Equal(t, 1, alpha.calls(), "duplicates must coalesce into one upstream call")
	assert.False(t, respA.Cached)
	assert.True(t, respB.Cached)
	assert.Equal(t, respA.Content, respB.Content)
}

func TestRouter_CallByRole_FallbackChain(t *testing.T) {
	alpha := &scriptedProvider{name: "alpha"}
	alpha.chat = func(_ context.Context, call int, _ *provider.Request) (*types.Response, error) {
		return nil, muxerrors.New(muxerrors.KindServerError, "upstream 500")
	}
	beta := &scriptedProvider{name: "beta"}
	r := newTestRouter(t, testConfig(), alpha, beta)

	resp, err := r.CallByRole(context.Background(), "chat", userMessages("hi"), nil)
	require.NoError(t, err)

	assert.Equal(t, "beta", resp.Provider)
	assert.Equal(t, "beta-large", resp.Model)
	assert.Equal(t, 3, alpha.calls(), "primary gets 1 try + 2 retries")
	assert.Equal(t, 1, beta.calls())

	snap := r.Metrics(MetricsFilter{})
	assert.Equal(t, int64(2), snap.Totals.RetriesTotal)
	assert.Equal(t, int64(1), snap.Totals.FallbackActivations)
}

func TestRouter_CallByRole_NonRetryableStopsEverything(t *testing.T) {
	alpha := &scriptedProvider{name: "alpha"}
	alpha.chat = func(_ context.Context, call int, _ *provider.Request) (*types.Response, error) {
		return nil, muxerrors.New(muxerrors.KindContentPolicy, "refused")
	}
	beta := &scriptedProvider{name: "beta"}
	r := newTestRouter(t, testConfig(), alpha, beta)

	_, err := r.CallByRole(context.Background(), "chat", userMessages("hi"), nil)
	require.Error(t, err)

	assert.True(t, muxerrors.IsKind(err, muxerrors.KindContentPolicy))
	assert.Equal(t, 1, alpha.calls(), "content policy is not retried")
	assert.Zero(t, beta.calls(), "content policy does not fall back")
}

func TestRouter_CallByRole_AuthSkipsToFallback(t *testing.T) {
	alpha := &scriptedProvider{name: "alpha"}
	alpha.chat = func(_ context.Context, call int, _ *provider.Request) (*types.Response, error) {
		return nil, muxerrors.New(muxerrors.KindAuth, "bad key")
	}
	beta := &scriptedProvider{name: "beta"}
	r := newTestRouter(t, testConfig(), alpha, beta)

	resp, err := r.CallByRole(context.Background(), "chat", userMessages("hi"), nil)
	require.NoError(t, err)

	assert.Equal(t, "beta", resp.Provider)
	assert.Equal(t, 1, alpha.calls(), "auth failures are not retried on the same provider")
	assert.Equal(t, 1, beta.calls())
}

func TestRouter_CallByRole_ExhaustedChainReturnsAttempts(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.Count = 1

	alpha := &scriptedProvider{name: "alpha"}
	alpha.chat = func(_ context.Context, call int, _ *provider.Request) (*types.Response, error) {
		return nil, muxerrors.New(muxerrors.KindRateLimited, "slow down")
	}
	beta := &scriptedProvider{name: "beta"}
	beta.chat = func(_ context.Context, call int, _ *provider.Request) (*types.Response, error) {
		return nil, muxerrors.New(muxerrors.KindServerError, "boom")
	}
	r := newTestRouter(t, cfg, alpha, beta)

	_, err := r.CallByRole(context.Background(), "chat", userMessages("hi"), nil)
	require.Error(t, err)

	e, ok := muxerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, muxerrors.KindServerError, e.Kind)
	assert.Equal(t, "beta", e.Provider)
	assert.NotEmpty(t, e.CorrelationID)

	// 2 alpha attempts + the first beta attempt precede the surfaced error.
	require.Len(t, e.Attempts, 3)
	assert.Equal(t, "alpha", e.Attempts[0].Provider)
	assert.Equal(t, muxerrors.KindRateLimited, e.Attempts[0].Kind)
	assert.Equal(t, "beta", e.Attempts[2].Provider)

	snap := r.Metrics(MetricsFilter{})
	assert.Equal(t, int64(1), snap.Totals.CallsTotal, "attempts roll up into one call")
	assert.Equal(t, int64(1), snap.Totals.CallsFailed)
	assert.Equal(t, int64(2), snap.Totals.RetriesTotal)
	assert.Equal(t, int64(1), snap.Totals.FallbackActivations)
}

func TestRouter_CallByRole_RetryAfterStretchesBackoff(t *testing.T) {
	alpha := &scriptedProvider{name: "alpha"}
	alpha.chat = func(_ context.Context, call int, req *provider.Request) (*types.Response, error) {
		if call == 0 {
			e := muxerrors.New(muxerrors.KindRateLimited, "slow down")
			e.RetryAfter = 50 * time.Millisecond
			return nil, e
		}
		return &types.Response{Content: "ok", Provider: "alpha", Model: req.Model}, nil
	}
	r := newTestRouter(t, testConfig(), alpha)

	start := time.Now()
	resp, err := r.CallByRole(context.Background(), "chat", userMessages("hi"), nil)
	require.NoError(t, err)

	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 2, alpha.calls())
	assert.GreaterOrEqual(t, time.Since(start), 45*time.Millisecond,
		"retry must wait at least the provider's retry-after")
}

func TestRouter_CallByRole_UnknownRole(t *testing.T) {
	r := newTestRouter(t, testConfig(), &scriptedProvider{name: "alpha"})

	_, err := r.CallByRole(context.Background(), "nonsense", userMessages("hi"), nil)
	require.Error(t, err)
	assert.True(t, muxerrors.IsKind(err, muxerrors.KindConfig))
}

func TestRouter_CallByRole_EmptyMessages(t *testing.T) {
	r := newTestRouter(t, testConfig(), &scriptedProvider{name: "alpha"})

	_, err := r.CallByRole(context.Background(), "chat", nil, nil)
	require.Error(t, err)
	assert.True(t, muxerrors.IsKind(err, muxerrors.KindValidation))
}

func TestRouter_CallByRole_InvalidPriority(t *testing.T) {
	r := newTestRouter(t, testConfig(), &scriptedProvider{name: "alpha"})

	opts := &CallOptions{Priority: Priority("urgent")}
	_, err := r.CallByRole(context.Background(), "chat", userMessages("hi"), opts)
	require.Error(t, err)
	assert.True(t, muxerrors.IsKind(err, muxerrors.KindValidation))
}

func TestRouter_CallByRole_DisabledProviderSkipped(t *testing.T) {
	alpha := &scriptedProvider{name: "alpha"}
	beta := &scriptedProvider{name: "beta"}
	r := newTestRouter(t, testConfig(), alpha, beta)

	require.NoError(t, r.SetFeatureFlag(config.ProviderFlag("alpha"), false))

	resp, err := r.CallByRole(context.Background(), "chat", userMessages("hi"), nil)
	require.NoError(t, err)

	assert.Equal(t, "beta", resp.Provider)
	assert.Zero(t, alpha.calls(), "disabled primary must not be attempted")
}

func TestRouter_Call_ExplicitTarget(t *testing.T) {
	alpha := &scriptedProvider{name: "alpha"}
	r := newTestRouter(t, testConfig(), alpha)

	resp, err := r.Call(context.Background(), ModelRef{Provider: "alpha", Model: "alpha-mini"}, userMessages("hi"), nil)
	require.NoError(t, err)

	assert.Equal(t, "alpha-mini", resp.Model)
	assert.Empty(t, resp.Role)
	assert.Equal(t, "alpha-mini", alpha.request(0).Model)
}

func TestRouter_Call_RejectsIncompleteTarget(t *testing.T) {
	r := newTestRouter(t, testConfig(), &scriptedProvider{name: "alpha"})

	_, err := r.Call(context.Background(), ModelRef{Provider: "alpha"}, userMessages("hi"), nil)
	require.Error(t, err)
	assert.True(t, muxerrors.IsKind(err, muxerrors.KindValidation))
}

func TestRouter_Call_RejectsDisabledProvider(t *testing.T) {
	cfg := testConfig()
	off := false
	cfg.Providers = map[string]config.ProviderSettings{"alpha": {Enabled: &off}}
	r := newTestRouter(t, cfg, &scriptedProvider{name: "alpha"})

	_, err := r.Call(context.Background(), ModelRef{Provider: "alpha", Model: "alpha-mini"}, userMessages("hi"), nil)
	require.Error(t, err)
	assert.True(t, muxerrors.IsKind(err, muxerrors.KindConfig))
}

func TestRouter_CallByRole_TemplateReplacesLastUserMessage(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "greeting.txt"), []byte("Hello {{name}}!"), 0o644))

	cfg := testConfig()
	cfg.TemplateDir = dir
	alpha := &scriptedProvider{name: "alpha"}
	r := newTestRouter(t, cfg, alpha)

	original := []types.Message{
		{Role: types.RoleSystem, Content: "be nice"},
		{Role: types.RoleUser, Content: "first"},
		{Role: types.RoleAssistant, Content: "sure"},
		{Role: types.RoleUser, Content: "second"},
	}
	opts := &CallOptions{Template: "greeting", TemplateVars: map[string]any{"name": "World"}}

	_, err := r.CallByRole(context.Background(), "chat", original, opts)
	require.NoError(t, err)

	sent := alpha.request(0).Messages
	require.Len(t, sent, 4)
	assert.Equal(t, "Hello World!", sent[3].Content)
	assert.Equal(t, "sure", sent[2].Content)
	assert.Equal(t, "second", original[3].Content, "caller's messages must not be mutated")
}

func TestRouter_CallByRole_TemplatePrependsSystemMessage(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "guard.txt"), []byte("Answer in {{lang}}."), 0o644))

	cfg := testConfig()
	cfg.TemplateDir = dir
	alpha := &scriptedProvider{name: "alpha"}
	r := newTestRouter(t, cfg, alpha)

	opts := &CallOptions{Template: "prepend:guard", TemplateVars: map[string]any{"lang": "French"}}
	_, err := r.CallByRole(context.Background(), "chat", userMessages("hi"), opts)
	require.NoError(t, err)

	sent := alpha.request(0).Messages
	require.Len(t, sent, 2)
	assert.Equal(t, types.RoleSystem, sent[0].Role)
	assert.Equal(t, "Answer in French.", sent[0].Content)
	assert.Equal(t, "hi", sent[1].Content)
}

func TestRouter_CallByRole_TemplateMissingVars(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "greeting.txt"), []byte("Hello {{name}}!"), 0o644))

	cfg := testConfig()
	cfg.TemplateDir = dir
	alpha := &scriptedProvider{name: "alpha"}
	r := newTestRouter(t, cfg, alpha)

	opts := &CallOptions{Template: "greeting"}
	_, err := r.CallByRole(context.Background(), "chat", userMessages("hi"), opts)
	require.Error(t, err)

	assert.True(t, muxerrors.IsKind(err, muxerrors.KindTemplateMissing))
	assert.Zero(t, alpha.calls(), "template failures must not reach the provider")
}

func TestRouter_CallByRole_QueueTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Queue = config.QueueConfig{MaxSize: 8, Concurrency: 1, MaxWait: 40 * time.Millisecond}

	gate := make(chan struct{})
	alpha := &scriptedProvider{name: "alpha"}
	alpha.chat = func(_ context.Context, call int, req *provider.Request) (*types.Response, error) {
		if call == 0 {
			<-gate
		}
		return &types.Response{Content: "ok", Provider: "alpha", Model: req.Model}, nil
	}
	r := newTestRouter(t, cfg, alpha)
	ctx := context.Background()

	holdErr := make(chan error, 1)
	go func() {
		_, err := r.CallByRole(ctx, "chat", userMessages("hold"), nil)
		holdErr <- err
	}()
	waitUntil(t, time.Second, func() bool { return alpha.calls() == 1 })

	_, err := r.CallByRole(ctx, "chat", userMessages("starved"), nil)
	require.Error(t, err)
	assert.True(t, muxerrors.IsKind(err, muxerrors.KindQueueTimeout))

	close(gate)
	require.NoError(t, <-holdErr)
}

func TestRouter_CallByRole_QueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.Queue = config.QueueConfig{MaxSize: 1, Concurrency: 1, MaxWait: time.Second}

	gate := make(chan struct{})
	alpha := &scriptedProvider{name: "alpha"}
	alpha.chat = func(_ context.Context, call int, req *provider.Request) (*types.Response, error) {
		if call == 0 {
			<-gate
		}
		return &types.Response{Content: "ok", Provider: "alpha", Model: req.Model}, nil
	}
	r := newTestRouter(t, cfg, alpha)
	ctx := context.Background()

	done := make(chan error, 2)
	go func() {
		_, err := r.CallByRole(ctx, "chat", userMessages("hold"), nil)
		done <- err
	}()
	waitUntil(t, time.Second, func() bool { return alpha.calls() == 1 })

	go func() {
		_, err := r.CallByRole(ctx, "chat", userMessages("waits"), nil)
		done <- err
	}()
	waitUntil(t, time.Second, func() bool { return r.QueueMetrics().Depth == 1 })

	_, err := r.CallByRole(ctx, "chat", userMessages("rejected"), nil)
	require.Error(t, err)
	assert.True(t, muxerrors.IsKind(err, muxerrors.KindQueueFull))
	assert.Equal(t, int64(1), r.QueueMetrics().TotalDropped)

	close(gate)
	require.NoError(t, <-done)
	require.NoError(t, <-done)
}

func TestRouter_CallByRole_PriorityOrdering(t *testing.T) {
	cfg := testConfig()
	cfg.Queue = config.QueueConfig{MaxSize: 8, Concurrency: 1, MaxWait: time.Second}

	gate := make(chan struct{})
	alpha := &scriptedProvider{name: "alpha"}
	alpha.chat = func(_ context.Context, call int, req *provider.Request) (*types.Response, error) {
		if call == 0 {
			<-gate
		}
		return &types.Response{Content: "ok", Provider: "alpha", Model: req.Model}, nil
	}
	r := newTestRouter(t, cfg, alpha)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = r.CallByRole(ctx, "chat", userMessages("hold"), nil)
	}()
	waitUntil(t, time.Second, func() bool { return alpha.calls() == 1 })

	// Enqueue strictly low, then normal, then high while the slot is held.
	for i, p := range []Priority{PriorityLow, PriorityNormal, PriorityHigh} {
		depth := i + 1
		content := string(p)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.CallByRole(ctx, "chat", userMessages(content), &CallOptions{Priority: p})
		}()
		waitUntil(t, time.Second, func() bool { return r.QueueMetrics().Depth == depth })
	}

	close(gate)
	wg.Wait()

	require.Equal(t, 4, alpha.calls())
	assert.Equal(t, "high", alpha.request(1).Messages[0].Content)
	assert.Equal(t, "normal", alpha.request(2).Messages[0].Content)
	assert.Equal(t, "low", alpha.request(3).Messages[0].Content)
}

func TestRouter_CallByRole_CancelledMidDispatch(t *testing.T) {
	started := make(chan struct{})
	alpha := &scriptedProvider{name: "alpha"}
	alpha.chat = func(ctx context.Context, call int, _ *provider.Request) (*types.Response, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	r := newTestRouter(t, testConfig(), alpha)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := r.CallByRole(ctx, "chat", userMessages("hi"), nil)
	require.Error(t, err)
	assert.True(t, muxerrors.IsKind(err, muxerrors.KindCancelled))
}

func TestRouter_CallByRole_EstimatesMissingUsage(t *testing.T) {
	alpha := &scriptedProvider{name: "alpha", rate: 0.002}
	alpha.chat = func(_ context.Context, call int, req *provider.Request) (*types.Response, error) {
		return &types.Response{Content: "estimate me please", Provider: "alpha", Model: req.Model}, nil
	}
	r := newTestRouter(t, testConfig(), alpha)

	resp, err := r.CallByRole(context.Background(), "chat", userMessages("hi"), nil)
	require.NoError(t, err)

	assert.Equal(t, 5, resp.Tokens.Output, "~4 chars per token")
	assert.Equal(t, 5, resp.Tokens.Total)
	assert.Equal(t, true, resp.Metadata["estimated"])
	assert.InDelta(t, 0.01, resp.Cost, 1e-9)
}

func TestRouter_CallByRole_AfterShutdown(t *testing.T) {
	r := newTestRouter(t, testConfig(), &scriptedProvider{name: "alpha"})
	require.NoError(t, r.Shutdown(context.Background()))

	_, err := r.CallByRole(context.Background(), "chat", userMessages("hi"), nil)
	require.Error(t, err)
	assert.True(t, muxerrors.IsKind(err, muxerrors.KindCancelled))
}

func TestRouter_CallByRole_ErrorCarriesCorrelation(t *testing.T) {
	alpha := &scriptedProvider{name: "alpha"}
	alpha.chat = func(_ context.Context, call int, _ *provider.Request) (*types.Response, error) {
		return nil, muxerrors.New(muxerrors.KindContentPolicy, "refused")
	}
	r := newTestRouter(t, testConfig(), alpha)

	opts := &CallOptions{CorrelationID: "corr-err"}
	_, err := r.CallByRole(context.Background(), "chat", userMessages("hi"), opts)
	require.Error(t, err)

	e, ok := muxerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, "corr-err", e.CorrelationID)
	assert.Equal(t, "alpha", e.Provider)
	assert.Equal(t, "alpha-large", e.Model)
}
