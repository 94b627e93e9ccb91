// Package cache implements the response cache: canonical cache keys, an
// in-memory store with TTL and LRU eviction, and a coalescing layer that
// collapses concurrent identical calls into one upstream dispatch.
package cache

import (
	"crypto/sha256"
	"encoding/hex"

	json "github.com/goccy/go-json"

	"github.com/modelmux/modelmux/pkg/types"
)

// KeyPrefix namespaces response cache keys in shared backends.
const KeyPrefix = "mmx:resp:"

// canonicalOptions is the subset of call options that can change a
// response. Per-call identity (correlationId, userId) and cache control are
// deliberately absent so that identical requests from different callers
// share one entry. Field order is fixed; nested maps marshal with sorted
// keys, which makes the encoding deterministic.
type canonicalOptions struct {
	MaxTokens        int            `json:"maxTokens,omitempty"`
	Temperature      *float64       `json:"temperature,omitempty"`
	TopP             *float64       `json:"topP,omitempty"`
	ProjectID        string         `json:"projectId,omitempty"`
	TaskType         string         `json:"taskType,omitempty"`
	Template         string         `json:"templateName,omitempty"`
	TemplateVars     map[string]any `json:"templateVariables,omitempty"`
	StructuredOutput bool           `json:"structuredOutput,omitempty"`
}

type canonicalRequest struct {
	Provider string           `json:"provider"`
	Model    string           `json:"model"`
	Messages []types.Message  `json:"messages"`
	Options  canonicalOptions `json:"options"`
}

// Canonicalize produces the deterministic byte form of a request. Two
// requests that differ only in non-salient options (correlation id, user
// id, cache control, priority) canonicalize identically.
func Canonicalize(provider, model string, messages []types.Message, opts *types.CallOptions) ([]byte, error) {
	cr := canonicalRequest{
		Provider: provider,
		Model:    model,
		Messages: messages,
	}
	if opts != nil {
		cr.Options = canonicalOptions{
			MaxTokens:        opts.MaxTokens,
			Temperature:      opts.Temperature,
			TopP:             opts.TopP,
			ProjectID:        opts.ProjectID,
			TaskType:         opts.TaskType,
			Template:         opts.Template,
			TemplateVars:     opts.TemplateVars,
			StructuredOutput: opts.StructuredOutput,
		}
	}
	return json.Marshal(cr)
}

// Key hashes a canonical form into the cache key.
func Key(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return KeyPrefix + hex.EncodeToString(sum[:])
}
