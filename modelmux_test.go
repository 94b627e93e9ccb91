package modelmux

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/modelmux/modelmux/pkg/config"
	muxerrors "github.com/modelmux/modelmux/pkg/errors"
	"github.com/modelmux/modelmux/pkg/provider"
	"github.com/modelmux/modelmux/pkg/types"
)

// scriptedProvider is a controllable adapter for dispatch tests. The chat
// and stream hooks receive the zero-based call number; a nil hook answers
// with a canned success (chat) or an internal error (stream).
type scriptedProvider struct {
	name string
	rate float64 // USD per token for CalculateCost

	chat   func(ctx context.Context, call int, req *provider.Request) (*types.Response, error)
	stream func(ctx context.Context, call int, req *provider.Request) (provider.ChunkStream, error)

	mu          sync.Mutex
	reqs        []*provider.Request
	streamCalls int
}

func (s *scriptedProvider) Name() string { return s.name }

func (s *scriptedProvider) Chat(ctx context.Context, req *provider.Request) (*types.Response, error) {
	s.mu.Lock()
	call := len(s.reqs)
	s.reqs = append(s.reqs, req)
	fn := s.chat
	s.mu.Unlock()

	if fn == nil {
		return &types.Response{
			Content:  "ok from " + s.name,
			Provider: s.name,
			Model:    req.Model,
			Tokens:   types.Usage{Input: 10, Output: 20, Total: 30},
			Latency:  5,
		}, nil
	}
	return fn(ctx, call, req)
}

func (s *scriptedProvider) Stream(ctx context.Context, req *provider.Request) (provider.ChunkStream, error) {
	s.mu.Lock()
	call := s.streamCalls
	s.streamCalls++
	fn := s.stream
	s.mu.Unlock()

	if fn == nil {
		return nil, muxerrors.New(muxerrors.KindInternal, "no stream scripted")
	}
	return fn(ctx, call, req)
}

func (s *scriptedProvider) CalculateCost(inputTokens, outputTokens int, model string) float64 {
	return float64(inputTokens+outputTokens) * s.rate
}

func (s *scriptedProvider) IsRetryableError(err error) bool {
	return muxerrors.IsRetryable(err)
}

func (s *scriptedProvider) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}

func (s *scriptedProvider) request(i int) *provider.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reqs[i]
}

func (s *scriptedProvider) streamCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamCalls
}

// scriptedStream replays a fixed chunk sequence. When failErr is set it is
// returned after the scripted chunks instead of io.EOF.
type scriptedStream struct {
	chunks  []provider.Chunk
	failErr error

	mu     sync.Mutex
	pos    int
	closed bool
}

func (s *scriptedStream) Next() (*provider.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos < len(s.chunks) {
		c := s.chunks[s.pos]
		s.pos++
		return &c, nil
	}
	if s.failErr != nil {
		return nil, s.failErr
	}
	return nil, io.EOF
}

func (s *scriptedStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *scriptedStream) wasClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// testConfig returns a two-provider configuration tuned for fast tests:
// millisecond backoffs and a "chat" role falling back from alpha to beta.
func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Retry = config.RetryConfig{Count: 2, Backoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond}
	cfg.Queue = config.QueueConfig{MaxSize: 64, Concurrency: 8, MaxWait: time.Second}
	cfg.RoleMappings = map[string]config.RoleMapping{
		"chat": {
			Primary:   config.ModelRef{Provider: "alpha", Model: "alpha-large"},
			Fallbacks: []config.ModelRef{{Provider: "beta", Model: "beta-large"}},
		},
	}
	return cfg
}

func newTestRouter(t *testing.T, cfg *config.Config, provs ...provider.Provider) *Router {
	t.Helper()
	opts := []Option{
		WithConfig(cfg),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	for _, p := range provs {
		opts = append(opts, WithProvider(p))
	}
	r, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r
}

func userMessages(content string) []types.Message {
	return []types.Message{{Role: types.RoleUser, Content: content}}
}

// waitUntil polls cond every millisecond until it holds or the deadline
// passes.
func waitUntil(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not reached within %s", d)
}
