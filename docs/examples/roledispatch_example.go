// Example: role-based dispatch with a custom provider.
//
// This example wires a router from code, registers a custom adapter
// alongside the built-in OpenAI one, and exercises calls, caching, and
// cost reporting.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/modelmux/modelmux"
	"github.com/modelmux/modelmux/pkg/config"
	muxerrors "github.com/modelmux/modelmux/pkg/errors"
	"github.com/modelmux/modelmux/pkg/provider"
	"github.com/modelmux/modelmux/pkg/types"
)

// EchoProvider is a minimal custom adapter that answers every chat with the
// last user message. Use it as a template for wiring in-house model servers.
type EchoProvider struct{}

func (EchoProvider) Name() string { return "echo" }

func (EchoProvider) Chat(ctx context.Context, req *provider.Request) (*types.Response, error) {
	last := ""
	for _, m := range req.Messages {
		if m.Role == types.RoleUser {
			last = m.Content
		}
	}
	return &types.Response{
		Content:  "echo: " + last,
		Provider: "echo",
		Model:    req.Model,
		Tokens:   types.Usage{Input: len(last) / 4, Output: len(last) / 4, Total: len(last) / 2},
	}, nil
}

func (EchoProvider) Stream(ctx context.Context, req *provider.Request) (provider.ChunkStream, error) {
	return nil, muxerrors.New(muxerrors.KindConfig, "echo provider does not stream")
}

func (EchoProvider) CalculateCost(inputTokens, outputTokens int, model string) float64 {
	return 0
}

func (EchoProvider) IsRetryableError(err error) bool { return muxerrors.IsRetryable(err) }

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	cfg := config.DefaultConfig()
	cfg.Providers = map[string]config.ProviderSettings{
		"openai": {APIKey: os.Getenv("OPENAI_API_KEY")},
	}
	cfg.RoleMappings = map[string]config.RoleMapping{
		"chat": {
			Primary:   config.ModelRef{Provider: "openai", Model: "gpt-4o-mini"},
			Fallbacks: []config.ModelRef{{Provider: "echo", Model: "echo-1"}},
		},
		"scratch": {
			Primary: config.ModelRef{Provider: "echo", Model: "echo-1"},
		},
	}

	router, err := modelmux.New(
		modelmux.WithConfig(cfg),
		modelmux.WithLogger(logger),
		modelmux.WithProvider(EchoProvider{}),
		modelmux.WithPrometheus(),
	)
	if err != nil {
		logger.Error("router init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = router.Shutdown(ctx)
	}()

	ctx := context.Background()
	resp, err := router.CallByRole(ctx, "scratch",
		[]types.Message{{Role: types.RoleUser, Content: "ping"}},
		&types.CallOptions{Priority: types.PriorityHigh},
	)
	if err != nil {
		logger.Error("dispatch failed", "error", err)
		os.Exit(1)
	}
	fmt.Println(resp.Content)

	// An identical call is served from the response cache.
	again, err := router.CallByRole(ctx, "scratch",
		[]types.Message{{Role: types.RoleUser, Content: "ping"}}, nil)
	if err != nil {
		logger.Error("dispatch failed", "error", err)
		os.Exit(1)
	}
	fmt.Println("served from cache:", again.Cached)

	summary := router.Costs().Summary(3)
	fmt.Printf("calls: %d, total cost: $%.4f\n", summary.Total.Calls, summary.Total.Cost)
}
