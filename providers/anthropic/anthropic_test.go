package anthropic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	json "github.com/goccy/go-json"

	muxerrors "github.com/modelmux/modelmux/pkg/errors"
	"github.com/modelmux/modelmux/pkg/pricing"
	"github.com/modelmux/modelmux/pkg/provider"
	"github.com/modelmux/modelmux/pkg/types"
)

func testPricing() pricing.View {
	return pricing.Table{
		ProviderName: {
			"claude-3-5-haiku*": {Input: 0.80, Output: 4.00},
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
	p := New(provider.Config{APIKey: "test-key"})

	if p.Name() != ProviderName {
		t.Errorf("Name() = %s, want %s", p.Name(), ProviderName)
	}
	if p.baseURL != DefaultBaseURL {
		t.Errorf("baseURL = %s, want %s", p.baseURL, DefaultBaseURL)
	}

	p = New(provider.Config{APIKey: "k", BaseURL: "https://proxy.example.com/anthropic/"})
	if p.baseURL != "https://proxy.example.com/anthropic" {
		t.Errorf("baseURL = %s, want trailing slash trimmed", p.baseURL)
	}
}

func TestBody_SystemExtraction(t *testing.T) {
	p := New(provider.Config{APIKey: "k"})

	req := &provider.Request{
		Model: "claude-3-5-haiku-latest",
		Messages: []types.Message{
			{Role: types.RoleSystem, Content: "Be brief."},
			{Role: types.RoleUser, Content: "Hi"},
			{Role: types.RoleSystem, Content: "Answer in French."},
			{Role: types.RoleAssistant, Content: "Bonjour"},
		},
	}

	body := p.body(req, false)

	if body.System != "Be brief.\n\nAnswer in French." {
		t.Errorf("system = %q, want joined system messages", body.System)
	}
	if len(body.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(body.Messages))
	}
	if body.Messages[0].Role != "user" || body.Messages[1].Role != "assistant" {
		t.Errorf("messages roles = %s/%s", body.Messages[0].Role, body.Messages[1].Role)
	}
	if body.MaxTokens != DefaultMaxTokens {
		t.Errorf("max_tokens = %d, want default %d", body.MaxTokens, DefaultMaxTokens)
	}
}

func TestMapStopReason(t *testing.T) {
	tests := []struct {
		reason string
		want   string
	}{
		{"end_turn", "stop"},
		{"stop_sequence", "stop"},
		{"max_tokens", "length"},
		{"tool_use", "tool_calls"},
		{"something_new", "something_new"},
	}

	for _, tt := range tests {
		if got := mapStopReason(tt.reason); got != tt.want {
			t.Errorf("mapStopReason(%s) = %s, want %s", tt.reason, got, tt.want)
		}
	}
}

func TestProvider_Chat(t *testing.T) {
	var gotReq messagesRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("Path = %s, want /messages", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Error("missing or invalid x-api-key header")
		}
		if r.Header.Get("anthropic-version") != APIVersion {
			t.Errorf("anthropic-version = %s, want %s", r.Header.Get("anthropic-version"), APIVersion)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decode request: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "msg_01",
			"model": "claude-3-5-haiku-latest",
			"content": [
				{"type": "text", "text": "Hello "},
				{"type": "text", "text": "there!"}
			],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 10, "output_tokens": 5}
		}`)
	}))
	defer server.Close()

	p := New(provider.Config{APIKey: "test-key", BaseURL: server.URL, Pricing: testPricing()})

	req := chatRequestFixture("claude-3-5-haiku-latest")
	req.Options.MaxTokens = 300
	req.Options.UserID = "user-9"

	resp, err := p.Chat(context.Background(), req)
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	if gotReq.MaxTokens != 300 {
		t.Errorf("request max_tokens = %d, want 300", gotReq.MaxTokens)
	}
	if gotReq.Metadata == nil || gotReq.Metadata.UserID != "user-9" {
		t.Errorf("request metadata = %+v, want user_id user-9", gotReq.Metadata)
	}
	if gotReq.Stream {
		t.Error("non-streaming request must not set stream")
	}

	if resp.Content != "Hello there!" {
		t.Errorf("Content = %q, want text blocks concatenated", resp.Content)
	}
	if resp.Provider != ProviderName {
		t.Errorf("Provider = %s, want %s", resp.Provider, ProviderName)
	}
	if resp.Tokens != (types.Usage{Input: 10, Output: 5, Total: 15}) {
		t.Errorf("Tokens = %+v, want {10 5 15}", resp.Tokens)
	}
	wantCost := (10*0.80 + 5*4.00) / 1_000_000
	if diff := resp.Cost - wantCost; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("Cost = %v, want %v", resp.Cost, wantCost)
	}
	if resp.Metadata["finishReason"] != "stop" {
		t.Errorf("metadata finishReason = %v, want stop", resp.Metadata["finishReason"])
	}
}

func TestProvider_Chat_OverloadedClassification(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(529)
		fmt.Fprint(w, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)
	}))
	defer server.Close()

	p := New(provider.Config{APIKey: "k", BaseURL: server.URL})

	_, err := p.Chat(context.Background(), chatRequestFixture("claude-3-5-haiku-latest"))
	if err == nil {
		t.Fatal("expected error")
	}
	re, ok := muxerrors.As(err)
	if !ok {
		t.Fatalf("error %T is not a classified error", err)
	}
	if re.Kind != muxerrors.KindRateLimited {
		t.Errorf("Kind = %s, want RATE_LIMITED", re.Kind)
	}
	if re.RetryAfter.Seconds() != 5 {
		t.Errorf("RetryAfter = %v, want 5s", re.RetryAfter)
	}
}

func TestProvider_Stream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var gotReq messagesRequest
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if !gotReq.Stream {
			t.Error("streaming request must set stream=true")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		events := []struct{ event, data string }{
			{"message_start", `{"type":"message_start","message":{"usage":{"input_tokens":10,"output_tokens":1}}}`},
			{"ping", `{"type":"ping"}`},
			{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
			{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`},
			{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`},
			{"content_block_stop", `{"type":"content_block_stop","index":0}`},
			{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":5}}`},
			{"message_stop", `{"type":"message_stop"}`},
		}
		for _, e := range events {
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.event, e.data)
			flusher.Flush()
		}
	}))
	defer server.Close()

	p := New(provider.Config{APIKey: "k", BaseURL: server.URL})

	stream, err := p.Stream(context.Background(), chatRequestFixture("claude-3-5-haiku-latest"))
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	defer stream.Close()

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

	// Two text deltas plus the final message_delta.
	if chunks != 3 {
		t.Errorf("chunks = %d, want 3", chunks)
	}
	if content != "Hello" {
		t.Errorf("content = %q, want Hello", content)
	}
	if finish != "stop" {
		t.Errorf("finish reason = %q, want stop", finish)
	}
	if usage == nil || *usage != (types.Usage{Input: 10, Output: 5, Total: 15}) {
		t.Errorf("usage = %+v, want input from message_start and output from message_delta", usage)
	}
}

func TestProvider_Stream_ErrorEvent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n")
	}))
	defer server.Close()

	p := New(provider.Config{APIKey: "k", BaseURL: server.URL})

	stream, err := p.Stream(context.Background(), chatRequestFixture("claude-3-5-haiku-latest"))
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	defer stream.Close()

	_, err = stream.Next()
	if err == nil {
		t.Fatal("expected mid-stream error")
	}
	re, ok := muxerrors.As(err)
	if !ok || re.Kind != muxerrors.KindServerError {
		t.Errorf("error = %v, want SERVER_ERROR", err)
	}
}

func TestProvider_CalculateCost(t *testing.T) {
	p := New(provider.Config{APIKey: "k", Pricing: testPricing()})

	got := p.CalculateCost(1000, 100, "claude-3-5-haiku-latest")
	want := (1000*0.80 + 100*4.00) / 1_000_000
	if diff := got - want; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("CalculateCost = %v, want %v", got, want)
	}

	if got := p.CalculateCost(10, 5, "unknown"); got != 0 {
		t.Errorf("CalculateCost(unknown) = %v, want 0", got)
	}
}
