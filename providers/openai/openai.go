// Package openai implements the OpenAI adapter. It multiplexes between the
// chat-completions and responses endpoints and normalizes both to the shared
// response shape.
package openai

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
	ProviderName = "openai"

	// DefaultBaseURL is the default OpenAI API endpoint.
	DefaultBaseURL = "https://api.openai.com/v1"

	defaultTimeout = 60 * time.Second

	sseDone = "[DONE]"
)

// Provider implements the OpenAI API adapter.
type Provider struct {
	apiKey    string
	baseURL   string
	timeout   time.Duration
	pricing   pricing.View
	transport *provider.Transport
}

var _ provider.Provider = (*Provider)(nil)

// New creates an OpenAI adapter from config.
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

// usesResponses reports whether the call goes to the responses endpoint.
// Reasoning-class models and the "reasoning" task type do; everything else
// uses chat completions.
func usesResponses(model, taskType string) bool {
	if taskType == "reasoning" {
		return true
	}
	return strings.HasPrefix(model, "o1") ||
		strings.HasPrefix(model, "o3") ||
		strings.HasPrefix(model, "o4")
}

// Chat executes a non-streaming call.
func (p *Provider) Chat(ctx context.Context, req *provider.Request) (*types.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	var resp *types.Response
	var err error
	if usesResponses(req.Model, req.Options.TaskType) {
		resp, err = p.chatResponses(ctx, req)
	} else {
		resp, err = p.chatCompletions(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	resp.Latency = time.Since(start).Milliseconds()
	return resp, nil
}

// ===== chat completions =====

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	TopP           *float64        `json:"top_p,omitempty"`
	User           string          `json:"user,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	StreamOptions  *streamOptions  `json:"stream_options,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *chatUsage) toUsage() types.Usage {
	return types.Usage{
		Input:  u.PromptTokens,
		Output: u.CompletionTokens,
		Total:  u.TotalTokens,
	}
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int         `json:"index"`
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage"`
}

func (p *Provider) completionsBody(req *provider.Request, stream bool) *chatRequest {
	body := &chatRequest{
		Model:       req.Model,
		Messages:    make([]chatMessage, 0, len(req.Messages)),
		MaxTokens:   req.Options.MaxTokens,
		Temperature: req.Options.Temperature,
		TopP:        req.Options.TopP,
		User:        req.Options.UserID,
		Stream:      stream,
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	if req.Options.StructuredOutput {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	if stream {
		body.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return body
}

func (p *Provider) chatCompletions(ctx context.Context, req *provider.Request) (*types.Response, error) {
	httpReq, err := p.newRequest(ctx, "/chat/completions", p.completionsBody(req, false))
	if err != nil {
		return nil, err
	}

	httpResp, err := p.transport.Do(ctx, httpReq, req.Model, false)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	var parsed chatResponse
	if err := decodeBody(httpResp.Body, &parsed); err != nil {
		return nil, muxerrors.Wrap(muxerrors.KindServerError, err, "decode chat completion").
			WithProvider(ProviderName, req.Model)
	}
	if len(parsed.Choices) == 0 {
		return nil, muxerrors.New(muxerrors.KindServerError, "response carried no choices").
			WithProvider(ProviderName, req.Model)
	}

	out := &types.Response{
		Content:  parsed.Choices[0].Message.Content,
		Provider: ProviderName,
		Model:    modelOr(parsed.Model, req.Model),
	}
	out.SetMeta("responseId", parsed.ID)
	out.SetMeta("finishReason", parsed.Choices[0].FinishReason)
	p.fillUsage(out, parsed.Usage)
	return out, nil
}

// ===== responses endpoint =====

type responsesTextFormat struct {
	Format responseFormat `json:"format"`
}

type responsesRequest struct {
	Model           string               `json:"model"`
	Input           []chatMessage        `json:"input"`
	MaxOutputTokens int                  `json:"max_output_tokens,omitempty"`
	Temperature     *float64             `json:"temperature,omitempty"`
	TopP            *float64             `json:"top_p,omitempty"`
	User            string               `json:"user,omitempty"`
	Text            *responsesTextFormat `json:"text,omitempty"`
}

type responsesResponse struct {
	ID     string `json:"id"`
	Model  string `json:"model"`
	Output []struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
	Usage *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

func (p *Provider) chatResponses(ctx context.Context, req *provider.Request) (*types.Response, error) {
	body := &responsesRequest{
		Model:           req.Model,
		Input:           make([]chatMessage, 0, len(req.Messages)),
		MaxOutputTokens: req.Options.MaxTokens,
		Temperature:     req.Options.Temperature,
		TopP:            req.Options.TopP,
		User:            req.Options.UserID,
	}
	for _, m := range req.Messages {
		body.Input = append(body.Input, chatMessage{Role: m.Role, Content: m.Content})
	}
	if req.Options.StructuredOutput {
		body.Text = &responsesTextFormat{Format: responseFormat{Type: "json_object"}}
	}

	httpReq, err := p.newRequest(ctx, "/responses", body)
	if err != nil {
		return nil, err
	}

	httpResp, err := p.transport.Do(ctx, httpReq, req.Model, false)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	var parsed responsesResponse
	if err := decodeBody(httpResp.Body, &parsed); err != nil {
		return nil, muxerrors.Wrap(muxerrors.KindServerError, err, "decode response").
			WithProvider(ProviderName, req.Model)
	}

	var content strings.Builder
	for _, item := range parsed.Output {
		if item.Type != "message" {
			continue
		}
		for _, block := range item.Content {
			if block.Type == "output_text" {
				content.WriteString(block.Text)
			}
		}
	}

	out := &types.Response{
		Content:  content.String(),
		Provider: ProviderName,
		Model:    modelOr(parsed.Model, req.Model),
	}
	out.SetMeta("responseId", parsed.ID)
	if parsed.Usage != nil {
		out.Tokens = types.Usage{
			Input:  parsed.Usage.InputTokens,
			Output: parsed.Usage.OutputTokens,
			Total:  parsed.Usage.TotalTokens,
		}
	} else {
		estimateUsage(out)
	}
	out.Cost = p.CalculateCost(out.Tokens.Input, out.Tokens.Output, out.Model)
	return out, nil
}

// ===== streaming =====

type streamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage"`
}

// Stream opens a streaming chat-completions call. The final data frame
// carries usage because stream_options.include_usage is always requested.
func (p *Provider) Stream(ctx context.Context, req *provider.Request) (provider.ChunkStream, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	httpReq, err := p.newRequest(ctx, "/chat/completions", p.completionsBody(req, true))
	if err != nil {
		return nil, err
	}

	httpResp, err := p.transport.Do(ctx, httpReq, req.Model, true)
	if err != nil {
		return nil, err
	}
	return &stream{events: provider.NewEventStream(httpResp.Body)}, nil
}

type stream struct {
	events *provider.EventStream
}

func (s *stream) Next() (*provider.Chunk, error) {
	for {
		data, err := s.events.Next()
		if err != nil {
			return nil, err
		}
		if bytes.Equal(data, []byte(sseDone)) {
			return nil, io.EOF
		}

		var chunk streamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			// Unparseable frames are treated as keep-alives.
			continue
		}

		out := &provider.Chunk{}
		if chunk.Usage != nil {
			u := chunk.Usage.toUsage()
			out.Usage = &u
		}
		if len(chunk.Choices) > 0 {
			out.Content = chunk.Choices[0].Delta.Content
			out.FinishReason = chunk.Choices[0].FinishReason
		}
		if out.Content == "" && out.FinishReason == "" && out.Usage == nil {
			// Role-only preamble frame.
			continue
		}
		return out, nil
	}
}

func (s *stream) Close() error {
	return s.events.Close()
}

// ===== shared helpers =====

func (p *Provider) newRequest(ctx context.Context, path string, body any) (*http.Request, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	return httpReq, nil
}

func decodeBody(r io.Reader, v any) error {
	raw, err := httputil.ReadBody(r, 0)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

func modelOr(got, requested string) string {
	if got != "" {
		return got
	}
	return requested
}

// fillUsage copies reported usage onto the response, falling back to a
// length-based estimate flagged in metadata.
func (p *Provider) fillUsage(out *types.Response, usage *chatUsage) {
	if usage != nil {
		out.Tokens = usage.toUsage()
	} else {
		estimateUsage(out)
	}
	out.Cost = p.CalculateCost(out.Tokens.Input, out.Tokens.Output, out.Model)
}

// estimateUsage fills token counts when the provider omitted usage: output is
// length-estimated, input stays zero, and the response is flagged estimated.
func estimateUsage(out *types.Response) {
	output := types.EstimateTokens(out.Content)
	out.Tokens = types.Usage{Output: output, Total: output}
	out.SetMeta("estimated", true)
}
