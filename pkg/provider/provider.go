// Package provider defines the contract between the router and upstream
// model services. Each adapter (OpenAI, Anthropic, ...) translates the
// normalized request into its provider's wire format, executes it through the
// shared transport, and normalizes the result back.
package provider

import (
	"context"
	"time"

	muxerrors "github.com/modelmux/modelmux/pkg/errors"
	"github.com/modelmux/modelmux/pkg/pricing"
	"github.com/modelmux/modelmux/pkg/types"
)

// Provider is the adapter contract. Implementations must be safe for
// concurrent use.
type Provider interface {
	// Name returns the provider identifier (e.g. "openai", "anthropic").
	Name() string

	// Chat executes a non-streaming call and returns the normalized response.
	Chat(ctx context.Context, req *Request) (*types.Response, error)

	// Stream opens a streaming call. The returned stream yields increments
	// until io.EOF; the caller owns Close.
	Stream(ctx context.Context, req *Request) (ChunkStream, error)

	// CalculateCost prices a call in USD from token counts. Unknown models
	// cost zero.
	CalculateCost(inputTokens, outputTokens int, model string) float64

	// IsRetryableError reports whether the same call may be attempted again
	// against this provider.
	IsRetryableError(err error) bool
}

// Request is the normalized call an adapter executes.
type Request struct {
	Model    string
	Messages []types.Message
	Options  types.CallOptions
}

// Validate checks the request against the normalized message rules.
func (r *Request) Validate() error {
	if r.Model == "" {
		return muxerrors.New(muxerrors.KindValidation, "model must be set")
	}
	return types.ValidateMessages(r.Messages)
}

// Chunk is one adapter-level increment of a streaming response. The final
// increments usually carry a finish reason and, when the provider reports it,
// usage.
type Chunk struct {
	Content      string
	FinishReason string
	Usage        *types.Usage
}

// ChunkStream iterates over a live response stream. Next returns io.EOF when
// the stream is complete. Close releases the underlying connection and is
// safe to call at any point.
type ChunkStream interface {
	Next() (*Chunk, error)
	Close() error
}

// Config carries the settings an adapter needs. Pricing is a read-only view;
// adapters never reach back into router state.
type Config struct {
	APIKey  string
	BaseURL string

	// Timeout bounds a non-streaming call end to end. Zero means the
	// transport default. Streams are bounded by the caller's context only.
	Timeout time.Duration

	Pricing pricing.View
}

// CostFor prices a call against a read-only pricing view. A nil view or an
// unpriced model costs zero.
func CostFor(view pricing.View, providerName, model string, inputTokens, outputTokens int) float64 {
	if view == nil {
		return 0
	}
	rate, ok := view.Rate(providerName, model)
	if !ok {
		return 0
	}
	return pricing.Cost(rate, inputTokens, outputTokens)
}
