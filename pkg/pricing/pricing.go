// Package pricing holds per-model token rates and the cost arithmetic used
// by provider adapters and the cost tracker. Rates are expressed in USD per
// one million tokens. Model keys may end in "*" for prefix patterns; lookups
// prefer an exact match, then the longest matching prefix.
package pricing

import "strings"

// Rate prices one model: dollars per 1M input and output tokens.
type Rate struct {
	Input  float64 `json:"input" yaml:"input"`
	Output float64 `json:"output" yaml:"output"`
}

// Table maps provider name to model (or pattern) to rate.
type Table map[string]map[string]Rate

// View is the read-only pricing surface handed to provider adapters, so an
// adapter can price usage without any back-reference to router state.
type View interface {
	Rate(provider, model string) (Rate, bool)
}

// Rate resolves the rate for a provider/model pair. Case-insensitive; exact
// model names win over patterns, longer patterns win over shorter ones.
func (t Table) Rate(provider, model string) (Rate, bool) {
	models, ok := t[provider]
	if !ok {
		return Rate{}, false
	}

	for name, r := range models {
		if strings.EqualFold(name, model) {
			return r, true
		}
	}

	modelLower := strings.ToLower(model)
	var (
		best    Rate
		bestLen = -1
	)
	for name, r := range models {
		if !strings.HasSuffix(name, "*") {
			continue
		}
		prefix := strings.ToLower(strings.TrimSuffix(name, "*"))
		if strings.HasPrefix(modelLower, prefix) && len(prefix) > bestLen {
			best = r
			bestLen = len(prefix)
		}
	}
	if bestLen >= 0 {
		return best, true
	}
	return Rate{}, false
}

// Cost computes the dollar cost of a call priced at rate.
func Cost(rate Rate, inputTokens, outputTokens int) float64 {
	return (float64(inputTokens)*rate.Input + float64(outputTokens)*rate.Output) / 1_000_000
}

// Cost resolves the rate and prices the call; unknown models cost 0.
func (t Table) Cost(provider, model string, inputTokens, outputTokens int) float64 {
	rate, ok := t.Rate(provider, model)
	if !ok {
		return 0
	}
	return Cost(rate, inputTokens, outputTokens)
}

// Clone deep-copies the table so callers can mutate one side freely.
func (t Table) Clone() Table {
	if t == nil {
		return nil
	}
	out := make(Table, len(t))
	for provider, models := range t {
		m := make(map[string]Rate, len(models))
		for name, r := range models {
			m[name] = r
		}
		out[provider] = m
	}
	return out
}

// Set writes a rate, allocating the provider map on first use.
func (t Table) Set(provider, model string, rate Rate) {
	models, ok := t[provider]
	if !ok {
		models = make(map[string]Rate, 4)
		t[provider] = models
	}
	models[model] = rate
}

// Default carries rates for the bundled adapters' common models, in USD per
// 1M tokens.
var Default = Table{
	"openai": {
		"gpt-4o":       {Input: 5.00, Output: 15.00},
		"gpt-4o-mini":  {Input: 0.15, Output: 0.60},
		"gpt-4-turbo*": {Input: 10.00, Output: 30.00},
		"gpt-4*":       {Input: 30.00, Output: 60.00},
		"o1*":          {Input: 15.00, Output: 60.00},
	},
	"anthropic": {
		"claude-3-5-sonnet*": {Input: 3.00, Output: 15.00},
		"claude-3-5-haiku*":  {Input: 0.80, Output: 4.00},
		"claude-3-opus*":     {Input: 15.00, Output: 75.00},
		"claude-3-haiku*":    {Input: 0.25, Output: 1.25},
	},
}
