package types

import (
	"testing"

	muxerrors "github.com/modelmux/modelmux/pkg/errors"
)

func TestValidateMessages(t *testing.T) {
	tests := []struct {
		name     string
		messages []Message
		wantErr  bool
	}{
		{"valid single user", []Message{{Role: RoleUser, Content: "hi"}}, false},
		{"system first", []Message{{Role: RoleSystem, Content: "be terse"}, {Role: RoleUser, Content: "hi"}}, false},
		{"empty list", nil, true},
		{"unknown role", []Message{{Role: "tool", Content: "x"}}, true},
		{"empty content", []Message{{Role: RoleUser, Content: ""}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessages(tt.messages)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateMessages() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && muxerrors.KindOf(err) != muxerrors.KindValidation {
				t.Errorf("kind = %s, want VALIDATION", muxerrors.KindOf(err))
			}
		})
	}
}

func TestLastUserIndex(t *testing.T) {
	msgs := []Message{
		{Role: RoleSystem, Content: "s"},
		{Role: RoleUser, Content: "u1"},
		{Role: RoleAssistant, Content: "a"},
		{Role: RoleUser, Content: "u2"},
	}
	if got := LastUserIndex(msgs); got != 3 {
		t.Errorf("LastUserIndex = %d, want 3", got)
	}
	if got := LastUserIndex([]Message{{Role: RoleSystem, Content: "s"}}); got != -1 {
		t.Errorf("LastUserIndex without user = %d, want -1", got)
	}
}

func TestPriority(t *testing.T) {
	if Priority("").Normalize() != PriorityNormal {
		t.Error("empty priority should normalize to normal")
	}
	if _, err := ParsePriority("urgent"); err == nil {
		t.Error("ParsePriority should reject unknown literals")
	}
	p, err := ParsePriority("high")
	if err != nil || p != PriorityHigh {
		t.Errorf("ParsePriority(high) = %v, %v", p, err)
	}
}

func TestCallOptionsDefaults(t *testing.T) {
	var o *CallOptions
	if !o.CacheEnabled() {
		t.Error("nil options should default useCache to true")
	}
	if err := o.Validate(); err != nil {
		t.Errorf("nil options should validate, got %v", err)
	}

	off := false
	opts := &CallOptions{UseCache: &off}
	if opts.CacheEnabled() {
		t.Error("explicit useCache=false ignored")
	}
}

func TestCallOptionsValidate(t *testing.T) {
	bad := 3.5
	tests := []struct {
		name string
		opts CallOptions
	}{
		{"negative maxTokens", CallOptions{MaxTokens: -1}},
		{"temperature range", CallOptions{Temperature: &bad}},
		{"vars without template", CallOptions{TemplateVars: map[string]any{"a": 1}}},
		{"bad priority", CallOptions{Priority: "urgent"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.opts.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestCallOptionsClone(t *testing.T) {
	temp := 0.2
	orig := &CallOptions{Temperature: &temp, TemplateVars: map[string]any{"k": "v"}}
	cl := orig.Clone()

	*cl.Temperature = 0.9
	cl.TemplateVars["k"] = "changed"

	if *orig.Temperature != 0.2 {
		t.Error("clone shares the temperature pointer")
	}
	if orig.TemplateVars["k"] != "v" {
		t.Error("clone shares the template vars map")
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		content string
		want    int
	}{
		{"", 0},
		{"abc", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"12345678", 2},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.content); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.content, got, tt.want)
		}
	}
}

func TestUsageAdd(t *testing.T) {
	u := Usage{Input: 1, Output: 2, Total: 3}
	u.Add(Usage{Input: 10, Output: 20, Total: 31})
	if u.Input != 11 || u.Output != 22 || u.Total != 34 {
		t.Errorf("Add result = %+v", u)
	}
	if u.IsZero() {
		t.Error("non-zero usage reported zero")
	}
}

func TestResponseClone(t *testing.T) {
	r := &Response{Content: "hi", Metadata: map[string]any{"finishReason": "stop"}}
	cl := r.Clone()
	cl.Metadata["finishReason"] = "length"
	if r.Metadata["finishReason"] != "stop" {
		t.Error("clone shares the metadata map")
	}
}
