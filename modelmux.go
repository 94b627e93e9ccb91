// Package modelmux routes role-based LLM calls across providers. A Router
// resolves a logical role (clarifier, normalizer, code-generator, ...) to a
// primary provider/model candidate plus ordered fallbacks, then dispatches
// through a priority queue, per-provider rate limiting, a content-addressed
// response cache with request coalescing, and a retry/fallback state
// machine, recording cost, token, and latency telemetry for every call.
//
// Basic usage:
//
//	router, err := modelmux.New(
//	    modelmux.WithConfigFile("modelmux.yaml"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer router.Shutdown(context.Background())
//
//	resp, err := router.CallByRole(ctx, "clarifier", []modelmux.Message{
//	    {Role: modelmux.RoleUser, Content: "Summarize this build failure."},
//	}, nil)
//
// Streaming:
//
//	stream, err := router.Stream(ctx, "code-generator", messages, nil)
//	if err != nil {
//	    return err
//	}
//	defer stream.Close()
//
//	for {
//	    chunk, err := stream.Recv()
//	    if err == io.EOF {
//	        break
//	    }
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Print(chunk.Content)
//	}
package modelmux

import (
	"github.com/modelmux/modelmux/internal/template"
	"github.com/modelmux/modelmux/pkg/cache"
	"github.com/modelmux/modelmux/pkg/config"
	"github.com/modelmux/modelmux/pkg/errors"
	"github.com/modelmux/modelmux/pkg/pricing"
	"github.com/modelmux/modelmux/pkg/provider"
	"github.com/modelmux/modelmux/pkg/types"
	"github.com/modelmux/modelmux/pkg/usage"
)

// Version is the current version of the module.
const Version = "1.0.0"

// Re-export core request/response types for convenience.
// Users can write modelmux.Message instead of types.Message.
type (
	// Message is a single conversation message.
	Message = types.Message

	// CallOptions carries the recognized per-call options.
	CallOptions = types.CallOptions

	// Priority orders queued requests (high, normal, low).
	Priority = types.Priority

	// Response is the normalized result of a non-streaming call.
	Response = types.Response

	// Chunk is one increment of a streaming response.
	Chunk = types.Chunk

	// ChunkMeta is the terminal-chunk summary of a completed stream.
	ChunkMeta = types.ChunkMeta

	// Usage holds token counts for one call.
	Usage = types.Usage

	// MetricsSnapshot is a point-in-time view of the internal counters.
	MetricsSnapshot = types.MetricsSnapshot

	// MetricsFilter narrows a snapshot to one provider and/or role.
	MetricsFilter = types.MetricsFilter

	// QueueMetrics describes the dispatch queue.
	QueueMetrics = types.QueueMetrics

	// QueueRequestStatus describes one tracked queue entry.
	QueueRequestStatus = types.QueueRequestStatus
)

// Re-export provider plumbing so custom adapters need only this package and
// pkg/provider.
type (
	// Provider is the adapter contract every upstream must implement.
	Provider = provider.Provider

	// ProviderConfig configures a built-in adapter.
	ProviderConfig = provider.Config

	// ProviderRequest is the normalized request handed to adapters.
	ProviderRequest = provider.Request

	// ChunkStream is the raw adapter-side stream iterator.
	ChunkStream = provider.ChunkStream
)

// Re-export configuration types.
type (
	// Config is one immutable configuration snapshot.
	Config = config.Config

	// ModelRef names one (provider, model) candidate.
	ModelRef = config.ModelRef

	// RoleMapping binds a role to a primary candidate plus fallbacks.
	RoleMapping = config.RoleMapping

	// RateLimitSettings is the per-provider dispatch budget.
	RateLimitSettings = config.RateLimitSettings

	// PricingRate is the per-million-token price pair for one model.
	PricingRate = pricing.Rate
)

// Re-export cache and usage types surfaced by Router accessors.
type (
	// CacheStore is the pluggable response cache backend.
	CacheStore = cache.Store

	// CacheStats reports cache hit/miss/eviction counters.
	CacheStats = cache.Stats

	// CostTracker aggregates per-call spend.
	CostTracker = usage.CostTracker

	// TokenTracker aggregates per-call token counts with a rolling window.
	TokenTracker = usage.TokenTracker

	// UsageRecord is one tracked call.
	UsageRecord = usage.Record

	// UsageSink receives every accepted usage record, typically to persist it.
	UsageSink = usage.Sink

	// TemplateInfo describes one loaded prompt template.
	TemplateInfo = template.Info
)

// Re-export error types.
type (
	// Error is the classified error carried through dispatch.
	Error = errors.Error

	// ErrorKind is the stable error vocabulary.
	ErrorKind = errors.Kind
)

// Re-export error kinds.
const (
	KindValidation       = errors.KindValidation
	KindConfig           = errors.KindConfig
	KindTemplateMissing  = errors.KindTemplateMissing
	KindTemplateSyntax   = errors.KindTemplateSyntax
	KindQueueFull        = errors.KindQueueFull
	KindQueueTimeout     = errors.KindQueueTimeout
	KindTransportTimeout = errors.KindTransportTimeout
	KindRateLimited      = errors.KindRateLimited
	KindAuth             = errors.KindAuth
	KindServerError      = errors.KindServerError
	KindContentPolicy    = errors.KindContentPolicy
	KindCancelled        = errors.KindCancelled
	KindInternal         = errors.KindInternal
)

// Re-export error inspection helpers.
var (
	// AsError unwraps err to a classified *Error when possible.
	AsError = errors.As

	// KindOf reports the error kind, or KindInternal for foreign errors.
	KindOf = errors.KindOf

	// IsKind reports whether err carries the given kind.
	IsKind = errors.IsKind

	// IsRetryable reports whether the same candidate may be retried.
	IsRetryable = errors.IsRetryable

	// AllowsFallback reports whether the next candidate may be tried.
	AllowsFallback = errors.AllowsFallback
)

// Re-export message role constants.
const (
	RoleSystem    = types.RoleSystem
	RoleUser      = types.RoleUser
	RoleAssistant = types.RoleAssistant
)

// Re-export queue priorities.
const (
	PriorityHigh   = types.PriorityHigh
	PriorityNormal = types.PriorityNormal
	PriorityLow    = types.PriorityLow
)
