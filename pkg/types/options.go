package types //nolint:revive // package name is intentional

import (
	muxerrors "github.com/modelmux/modelmux/pkg/errors"
)

// Priority orders queued requests. The zero value renders as normal.
type Priority string

// Queue priorities, strongest first.
const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Normalize maps the empty priority to normal.
func (p Priority) Normalize() Priority {
	if p == "" {
		return PriorityNormal
	}
	return p
}

// Valid reports whether p is a recognized priority (empty counts as normal).
func (p Priority) Valid() bool {
	switch p {
	case "", PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// ParsePriority parses a priority literal, rejecting unknown values.
func ParsePriority(s string) (Priority, error) {
	p := Priority(s)
	if !p.Valid() {
		return "", muxerrors.Newf(muxerrors.KindValidation, "unknown priority %q", s)
	}
	return p.Normalize(), nil
}

// CallOptions is the typed record of per-call options. Only the fields below
// are recognized; provider-specific passthrough is deliberately not offered.
type CallOptions struct {
	MaxTokens     int            `json:"maxTokens,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	TopP          *float64       `json:"topP,omitempty"`
	ProjectID     string         `json:"projectId,omitempty"`
	UserID        string         `json:"userId,omitempty"`
	UseCache      *bool          `json:"useCache,omitempty"`
	Priority      Priority       `json:"priority,omitempty"`
	TaskType      string         `json:"taskType,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Template      string         `json:"templateName,omitempty"`
	TemplateVars  map[string]any `json:"templateVariables,omitempty"`

	// StructuredOutput requests JSON-mode output on providers that support
	// it; it also participates in endpoint selection.
	StructuredOutput bool `json:"structuredOutput,omitempty"`
}

// CacheEnabled reports the effective useCache value (default true).
func (o *CallOptions) CacheEnabled() bool {
	if o == nil || o.UseCache == nil {
		return true
	}
	return *o.UseCache
}

// Validate checks option ranges. A nil receiver is a valid empty option set.
func (o *CallOptions) Validate() error {
	if o == nil {
		return nil
	}
	if o.MaxTokens < 0 {
		return muxerrors.New(muxerrors.KindValidation, "maxTokens must be non-negative")
	}
	if o.Temperature != nil && (*o.Temperature < 0 || *o.Temperature > 2) {
		return muxerrors.Newf(muxerrors.KindValidation, "temperature %v out of range [0,2]", *o.Temperature)
	}
	if o.TopP != nil && (*o.TopP <= 0 || *o.TopP > 1) {
		return muxerrors.Newf(muxerrors.KindValidation, "topP %v out of range (0,1]", *o.TopP)
	}
	if !o.Priority.Valid() {
		return muxerrors.Newf(muxerrors.KindValidation, "unknown priority %q", o.Priority)
	}
	if o.Template == "" && len(o.TemplateVars) > 0 {
		return muxerrors.New(muxerrors.KindValidation, "templateVariables set without templateName")
	}
	return nil
}

// Clone returns a shallow copy with its own pointer fields, safe for the
// router to mutate without affecting the caller's record.
func (o *CallOptions) Clone() *CallOptions {
	if o == nil {
		return &CallOptions{}
	}
	out := *o
	if o.Temperature != nil {
		v := *o.Temperature
		out.Temperature = &v
	}
	if o.TopP != nil {
		v := *o.TopP
		out.TopP = &v
	}
	if o.UseCache != nil {
		v := *o.UseCache
		out.UseCache = &v
	}
	if o.TemplateVars != nil {
		vars := make(map[string]any, len(o.TemplateVars))
		for k, v := range o.TemplateVars {
			vars[k] = v
		}
		out.TemplateVars = vars
	}
	return &out
}
