// Package anthropic implements the Anthropic Messages API adapter.
package anthropic

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/modelmux/modelmux/internal/httputil"
	muxerrors "github.com/modelmux/modelmux/pkg/errors"
	"github.com/modelmux/modelmux/pkg/pricing"
	"github.com/modelmux/modelmux/pkg/provider"
	"github.com/modelmux/modelmux/pkg/types"
)

const (
	// ProviderName is the identifier for this provider.
	ProviderName = "anthropic"

	// DefaultBaseURL is the default Anthropic API endpoint.
	DefaultBaseURL = "https://api.anthropic.com/v1"

	// APIVersion is the anthropic-version header value.
	APIVersion = "2023-06-01"

	// DefaultMaxTokens applies when the caller sets no cap; the Messages API
	// requires max_tokens on every request.
	DefaultMaxTokens = 4096

	defaultTimeout = 60 * time.Second
)

// Provider implements the Anthropic API adapter.
type Provider struct {
	apiKey    string
	baseURL   string
	timeout   time.Duration
	pricing   pricing.View
	transport *provider.Transport
}

var _ provider.Provider = (*Provider)(nil)

// New creates an Anthropic adapter from config.
func New(cfg provider.Config) *Provider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Provider{
		apiKey:    cfg.APIKey,
		baseURL:   baseURL,
		timeout:   timeout,
		pricing:   cfg.Pricing,
		transport: provider.NewTransport(ProviderName),
	}
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return ProviderName
}

// CalculateCost prices a call from the injected pricing view.
func (p *Provider) CalculateCost(inputTokens, outputTokens int, model string) float64 {
	return provider.CostFor(p.pricing, ProviderName, model, inputTokens, outputTokens)
}

// IsRetryableError reports whether the same call may be attempted again.
func (p *Provider) IsRetryableError(err error) bool {
	return muxerrors.IsRetryable(err)
}

// ===== messages endpoint =====

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type metadata struct {
	UserID string `json:"user_id,omitempty"`
}

type messagesRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	System      string    `json:"system,omitempty"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	Metadata    *metadata `json:"metadata,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type usageBlock struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type messagesResponse struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      *usageBlock    `json:"usage"`
}

// body builds the wire request. System messages are lifted out of the
// message list because the Messages API carries them in a dedicated field.
func (p *Provider) body(req *provider.Request, stream bool) *messagesRequest {
	body := &messagesRequest{
		Model:       req.Model,
		Messages:    make([]message, 0, len(req.Messages)),
		MaxTokens:   req.Options.MaxTokens,
		Temperature: req.Options.Temperature,
		TopP:        req.Options.TopP,
		Stream:      stream,
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = DefaultMaxTokens
	}
	if req.Options.UserID != "" {
		body.Metadata = &metadata{UserID: req.Options.UserID}
	}

	var system []string
	for _, m := range req.Messages {
		if m.Role == types.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		body.Messages = append(body.Messages, message{Role: m.Role, Content: m.Content})
	}
	body.System = strings.Join(system, "\n\n")
	return body
}

// Chat executes a non-streaming call.
func (p *Provider) Chat(ctx context.Context, req *provider.Request) (*types.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	httpReq, err := p.newRequest(ctx, p.body(req, false))
	if err != nil {
		return nil, err
	}

	httpResp, err := p.transport.Do(ctx, httpReq, req.Model, false)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	raw, err := httputil.ReadBody(httpResp.Body, 0)
	if err != nil {
		return nil, muxerrors.Wrap(muxerrors.KindServerError, err, "read response").
			WithProvider(ProviderName, req.Model)
	}
	var parsed messagesResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, muxerrors.Wrap(muxerrors.KindServerError, err, "decode response").
			WithProvider(ProviderName, req.Model)
	}

	var content strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	out := &types.Response{
		Content:  content.String(),
		Provider: ProviderName,
		Model:    modelOr(parsed.Model, req.Model),
	}
	out.SetMeta("responseId", parsed.ID)
	out.SetMeta("finishReason", mapStopReason(parsed.StopReason))
	if parsed.Usage != nil {
		out.Tokens = types.Usage{
			Input:  parsed.Usage.InputTokens,
			Output: parsed.Usage.OutputTokens,
			Total:  parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		}
	} else {
		output := types.EstimateTokens(out.Content)
		out.Tokens = types.Usage{Output: output, Total: output}
		out.SetMeta("estimated", true)
	}
	out.Cost = p.CalculateCost(out.Tokens.Input, out.Tokens.Output, out.Model)
	out.Latency = time.Since(start).Milliseconds()
	return out, nil
}

// mapStopReason translates Anthropic stop reasons to the normalized finish
// vocabulary shared with the other adapters.
func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}

// ===== streaming =====

type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Message struct {
		Usage usageBlock `json:"usage"`
	} `json:"message"`
	Usage *usageBlock `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Stream opens a streaming Messages call. Input tokens arrive on the opening
// message_start event and output tokens on the closing message_delta; the
// stream stitches them into one usage chunk.
func (p *Provider) Stream(ctx context.Context, req *provider.Request) (provider.ChunkStream, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	httpReq, err := p.newRequest(ctx, p.body(req, true))
	if err != nil {
		return nil, err
	}

	httpResp, err := p.transport.Do(ctx, httpReq, req.Model, true)
	if err != nil {
		return nil, err
	}
	return &stream{
		events: provider.NewEventStream(httpResp.Body),
		model:  req.Model,
	}, nil
}

type stream struct {
	events      *provider.EventStream
	model       string
	inputTokens int
}

func (s *stream) Next() (*provider.Chunk, error) {
	for {
		data, err := s.events.Next()
		if err != nil {
			return nil, err
		}

		var event streamEvent
		if err := json.Unmarshal(data, &event); err != nil {
			continue
		}

		switch event.Type {
		case "message_start":
			s.inputTokens = event.Message.Usage.InputTokens

		case "content_block_delta":
			if event.Delta.Type == "text_delta" && event.Delta.Text != "" {
				return &provider.Chunk{Content: event.Delta.Text}, nil
			}

		case "message_delta":
			out := &provider.Chunk{FinishReason: mapStopReason(event.Delta.StopReason)}
			if event.Usage != nil {
				u := types.Usage{
					Input:  s.inputTokens,
					Output: event.Usage.OutputTokens,
					Total:  s.inputTokens + event.Usage.OutputTokens,
				}
				out.Usage = &u
			}
			return out, nil

		case "message_stop":
			return nil, io.EOF

		case "error":
			return nil, muxerrors.Newf(muxerrors.KindServerError, "stream error: %s: %s",
				event.Error.Type, event.Error.Message).
				WithProvider(ProviderName, s.model)
		}
		// ping, content_block_start, content_block_stop fall through.
	}
}

func (s *stream) Close() error {
	return s.events.Close()
}

// ===== shared helpers =====

func (p *Provider) newRequest(ctx context.Context, body *messagesRequest) (*http.Request, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", APIVersion)
	return httpReq, nil
}

func modelOr(got, requested string) string {
	if got != "" {
		return got
	}
	return requested
}
