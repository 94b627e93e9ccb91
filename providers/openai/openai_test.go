package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	muxerrors "github.com/modelmux/modelmux/pkg/errors"
	"github.com/modelmux/modelmux/pkg/pricing"
	"github.com/modelmux/modelmux/pkg/provider"
	"github.com/modelmux/modelmux/pkg/types"
)

func testPricing() pricing.View {
	return pricing.Table{
		ProviderName: {
			"gpt-4o-mini": {Input: 0.15, Output: 0.60},
		},
	}
}

func chatRequestFixture(model string) *provider.Request {
	return &provider.Request{
		Model: model,
		Messages: []types.Message{
			{Role: types.RoleUser, Content: "Hello"},
		},
	}
}

func TestNew(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		p := New(provider.Config{APIKey: "test-key"})

		if p.Name() != ProviderName {
			t.Errorf("Name() = %s, want %s", p.Name(), ProviderName)
		}
		if p.baseURL != DefaultBaseURL {
			t.Errorf("baseURL = %s, want %s", p.baseURL, DefaultBaseURL)
		}
		if p.timeout != defaultTimeout {
			t.Errorf("timeout = %v, want %v", p.timeout, defaultTimeout)
		}
	})

	t.Run("custom base URL trailing slash", func(t *testing.T) {
		p := New(provider.Config{APIKey: "k", BaseURL: "https://custom.api.com/v1/"})

		if p.baseURL != "https://custom.api.com/v1" {
			t.Errorf("baseURL = %s, want https://custom.api.com/v1", p.baseURL)
		}
	})
}

func TestUsesResponses(t *testing.T) {
	tests := []struct {
		model    string
		taskType string
		want     bool
	}{
		{"gpt-4o-mini", "", false},
		{"gpt-4o-mini", "chat", false},
		{"gpt-4o-mini", "reasoning", true},
		{"o1-mini", "", true},
		{"o3", "", true},
		{"o4-mini", "summarize", true},
	}

	for _, tt := range tests {
		t.Run(tt.model+"/"+tt.taskType, func(t *testing.T) {
			if got := usesResponses(tt.model, tt.taskType); got != tt.want {
				t.Errorf("usesResponses(%s, %s) = %v, want %v", tt.model, tt.taskType, got, tt.want)
			}
		})
	}
}

func TestProvider_Chat(t *testing.T) {
	var gotReq chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/chat/completions" {
			t.Errorf("Path = %s, want /chat/completions", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Error("missing or invalid Authorization header")
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Error("Content-Type should be application/json")
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decode request: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "chatcmpl-123",
			"model": "gpt-4o-mini",
			"choices": [{
				"index": 0,
				"message": {"role": "assistant", "content": "Hello there!"},
				"finish_reason": "stop"
			}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`)
	}))
	defer server.Close()

	p := New(provider.Config{APIKey: "test-key", BaseURL: server.URL, Pricing: testPricing()})

	temp := 0.7
	req := chatRequestFixture("gpt-4o-mini")
	req.Options.MaxTokens = 256
	req.Options.Temperature = &temp
	req.Options.UserID = "user-7"

	resp, err := p.Chat(context.Background(), req)
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	if gotReq.Model != "gpt-4o-mini" {
		t.Errorf("request model = %s, want gpt-4o-mini", gotReq.Model)
	}
	if gotReq.MaxTokens != 256 {
		t.Errorf("request max_tokens = %d, want 256", gotReq.MaxTokens)
	}
	if gotReq.Temperature == nil || *gotReq.Temperature != 0.7 {
		t.Errorf("request temperature = %v, want 0.7", gotReq.Temperature)
	}
	if gotReq.User != "user-7" {
		t.Errorf("request user = %s, want user-7", gotReq.User)
	}
	if gotReq.Stream {
		t.Error("non-streaming request must not set stream")
	}
	if len(gotReq.Messages) != 1 || gotReq.Messages[0].Content != "Hello" {
		t.Errorf("request messages = %+v", gotReq.Messages)
	}

	if resp.Content != "Hello there!" {
		t.Errorf("Content = %q, want %q", resp.Content, "Hello there!")
	}
	if resp.Provider != ProviderName {
		t.Errorf("Provider = %s, want %s", resp.Provider, ProviderName)
	}
	if resp.Model != "gpt-4o-mini" {
		t.Errorf("Model = %s, want gpt-4o-mini", resp.Model)
	}
	if resp.Tokens != (types.Usage{Input: 10, Output: 5, Total: 15}) {
		t.Errorf("Tokens = %+v, want {10 5 15}", resp.Tokens)
	}
	// (10*0.15 + 5*0.60) / 1e6
	wantCost := 0.0000045
	if diff := resp.Cost - wantCost; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("Cost = %v, want %v", resp.Cost, wantCost)
	}
	if resp.Latency < 0 {
		t.Errorf("Latency = %d, want >= 0", resp.Latency)
	}
	if resp.Metadata["finishReason"] != "stop" {
		t.Errorf("metadata finishReason = %v, want stop", resp.Metadata["finishReason"])
	}
	if resp.Metadata["responseId"] != "chatcmpl-123" {
		t.Errorf("metadata responseId = %v, want chatcmpl-123", resp.Metadata["responseId"])
	}
}

func TestProvider_Chat_StructuredOutput(t *testing.T) {
	var gotReq chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		fmt.Fprint(w, `{"model":"gpt-4o-mini","choices":[{"message":{"role":"assistant","content":"{}"},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`)
	}))
	defer server.Close()

	p := New(provider.Config{APIKey: "k", BaseURL: server.URL})

	req := chatRequestFixture("gpt-4o-mini")
	req.Options.StructuredOutput = true

	if _, err := p.Chat(context.Background(), req); err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if gotReq.ResponseFormat == nil || gotReq.ResponseFormat.Type != "json_object" {
		t.Errorf("response_format = %+v, want json_object", gotReq.ResponseFormat)
	}
}

func TestProvider_Chat_ResponsesEndpoint(t *testing.T) {
	var gotReq responsesRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/responses" {
			t.Errorf("Path = %s, want /responses", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decode request: %v", err)
		}

		fmt.Fprint(w, `{
			"id": "resp-9",
			"model": "o1-mini",
			"output": [
				{"type": "reasoning", "content": []},
				{"type": "message", "content": [
					{"type": "output_text", "text": "Step one. "},
					{"type": "output_text", "text": "Step two."}
				]}
			],
			"usage": {"input_tokens": 20, "output_tokens": 40, "total_tokens": 80}
		}`)
	}))
	defer server.Close()

	p := New(provider.Config{APIKey: "k", BaseURL: server.URL})

	req := chatRequestFixture("o1-mini")
	req.Options.MaxTokens = 512

	resp, err := p.Chat(context.Background(), req)
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	if gotReq.MaxOutputTokens != 512 {
		t.Errorf("request max_output_tokens = %d, want 512", gotReq.MaxOutputTokens)
	}
	if len(gotReq.Input) != 1 || gotReq.Input[0].Role != "user" {
		t.Errorf("request input = %+v", gotReq.Input)
	}
	if resp.Content != "Step one. Step two." {
		t.Errorf("Content = %q, want concatenated output_text blocks", resp.Content)
	}
	// Reasoning models may bill more total tokens than input+output.
	if resp.Tokens != (types.Usage{Input: 20, Output: 40, Total: 80}) {
		t.Errorf("Tokens = %+v, want {20 40 80}", resp.Tokens)
	}
}

func TestProvider_Chat_EstimatesMissingUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"model":"gpt-4o-mini","choices":[{"message":{"role":"assistant","content":"12345678"},"finish_reason":"stop"}]}`)
	}))
	defer server.Close()

	p := New(provider.Config{APIKey: "k", BaseURL: server.URL})

	resp, err := p.Chat(context.Background(), chatRequestFixture("gpt-4o-mini"))
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	if resp.Tokens != (types.Usage{Input: 0, Output: 2, Total: 2}) {
		t.Errorf("Tokens = %+v, want estimated {0 2 2}", resp.Tokens)
	}
	if resp.Metadata["estimated"] != true {
		t.Error("metadata estimated flag should be set")
	}
}

func TestProvider_Chat_ErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		body       string
		wantKind   muxerrors.Kind
	}{
		{"rate limited", http.StatusTooManyRequests, "2", `{"error":{"message":"slow down"}}`, muxerrors.KindRateLimited},
		{"auth", http.StatusUnauthorized, "", `{"error":{"message":"bad key"}}`, muxerrors.KindAuth},
		{"validation", http.StatusBadRequest, "", `{"error":{"message":"bad model"}}`, muxerrors.KindValidation},
		{"server", http.StatusInternalServerError, "", `{"error":{"message":"boom"}}`, muxerrors.KindServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer server.Close()

			p := New(provider.Config{APIKey: "k", BaseURL: server.URL})

			_, err := p.Chat(context.Background(), chatRequestFixture("gpt-4o-mini"))
			if err == nil {
				t.Fatal("expected error")
			}

			re, ok := muxerrors.As(err)
			if !ok {
				t.Fatalf("error %T is not a classified error", err)
			}
			if re.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", re.Kind, tt.wantKind)
			}
			if re.Provider != ProviderName || re.Model != "gpt-4o-mini" {
				t.Errorf("provider/model = %s/%s", re.Provider, re.Model)
			}
			if tt.retryAfter != "" && re.RetryAfter != 2*time.Second {
				t.Errorf("RetryAfter = %v, want 2s", re.RetryAfter)
			}
		})
	}
}

func TestProvider_Chat_ValidatesRequest(t *testing.T) {
	p := New(provider.Config{APIKey: "k"})

	_, err := p.Chat(context.Background(), &provider.Request{Model: "gpt-4o-mini"})
	if err == nil {
		t.Fatal("expected error for empty messages")
	}
	if re, ok := muxerrors.As(err); !ok || re.Kind != muxerrors.KindValidation {
		t.Errorf("error = %v, want VALIDATION", err)
	}
}

func TestProvider_Stream(t *testing.T) {
	var gotReq chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decode request: %v", err)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		frames := []string{
			`{"id":"c1","choices":[{"delta":{"role":"assistant"}}]}`,
			`{"id":"c1","choices":[{"delta":{"content":"Hel"}}]}`,
			`{"id":"c1","choices":[{"delta":{"content":"lo"}}]}`,
			`{"id":"c1","choices":[{"delta":{},"finish_reason":"stop"}]}`,
			`{"id":"c1","choices":[],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`,
		}
		for _, frame := range frames {
			fmt.Fprintf(w, "data: %s\n\n", frame)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer server.Close()

	p := New(provider.Config{APIKey: "k", BaseURL: server.URL})

	stream, err := p.Stream(context.Background(), chatRequestFixture("gpt-4o-mini"))
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	defer stream.Close()

	if !gotReq.Stream {
		t.Error("streaming request must set stream=true")
	}
	if gotReq.StreamOptions == nil || !gotReq.StreamOptions.IncludeUsage {
		t.Error("streaming request must ask for usage in the final frame")
	}

	var (
		content string
		finish  string
		usage   *types.Usage
		chunks  int
	)
	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		chunks++
		content += chunk.Content
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}

	// Role-only preamble is skipped: two content chunks, finish, usage.
	if chunks != 4 {
		t.Errorf("chunks = %d, want 4", chunks)
	}
	if content != "Hello" {
		t.Errorf("content = %q, want Hello", content)
	}
	if finish != "stop" {
		t.Errorf("finish reason = %q, want stop", finish)
	}
	if usage == nil || *usage != (types.Usage{Input: 10, Output: 5, Total: 15}) {
		t.Errorf("usage = %+v, want {10 5 15}", usage)
	}
}

func TestProvider_Stream_EstablishmentError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":{"message":"overloaded"}}`)
	}))
	defer server.Close()

	p := New(provider.Config{APIKey: "k", BaseURL: server.URL})

	_, err := p.Stream(context.Background(), chatRequestFixture("gpt-4o-mini"))
	if err == nil {
		t.Fatal("expected establishment error")
	}
	if re, ok := muxerrors.As(err); !ok || re.Kind != muxerrors.KindServerError {
		t.Errorf("error = %v, want SERVER_ERROR", err)
	}
}

func TestProvider_CalculateCost(t *testing.T) {
	p := New(provider.Config{APIKey: "k", Pricing: testPricing()})

	got := p.CalculateCost(10, 5, "gpt-4o-mini")
	want := 0.0000045
	if diff := got - want; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("CalculateCost = %v, want %v", got, want)
	}

	if got := p.CalculateCost(10, 5, "unknown-model"); got != 0 {
		t.Errorf("CalculateCost(unknown) = %v, want 0", got)
	}

	noView := New(provider.Config{APIKey: "k"})
	if got := noView.CalculateCost(10, 5, "gpt-4o-mini"); got != 0 {
		t.Errorf("CalculateCost(nil view) = %v, want 0", got)
	}
}

func TestProvider_IsRetryableError(t *testing.T) {
	p := New(provider.Config{APIKey: "k"})

	if !p.IsRetryableError(muxerrors.New(muxerrors.KindRateLimited, "slow down")) {
		t.Error("RATE_LIMITED should be retryable")
	}
	if p.IsRetryableError(muxerrors.New(muxerrors.KindValidation, "bad input")) {
		t.Error("VALIDATION should not be retryable")
	}
	if p.IsRetryableError(nil) {
		t.Error("nil error should not be retryable")
	}
}
