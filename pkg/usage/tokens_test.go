package usage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/modelmux/modelmux/pkg/types"
)

func TestTokenTracker_Totals(t *testing.T) {
	tracker := NewTokenTracker()

	tracker.Record("openai", "chat", types.Usage{Input: 100, Output: 50})
	tracker.Record("openai", "summarize", types.Usage{Input: 10, Output: 5, Total: 20})
	tracker.Record("anthropic", "chat", types.Usage{Input: 30, Output: 15})

	total := tracker.Total()
	assert.Equal(t, 140, total.Input)
	assert.Equal(t, 70, total.Output)
	// One record carried an explicit total larger than input+output.
	assert.Equal(t, 150+20+45, total.Total)

	byProvider := tracker.TotalByProvider()
	assert.Equal(t, 110, byProvider["openai"].Input)
	assert.Equal(t, 30, byProvider["anthropic"].Input)

	byRole := tracker.TotalByRole()
	assert.Equal(t, 130, byRole["chat"].Input)
	assert.Equal(t, 10, byRole["summarize"].Input)
}

func TestTokenTracker_WindowMatchesRecentRecords(t *testing.T) {
	tracker := NewTokenTracker()

	tracker.Record("openai", "chat", types.Usage{Input: 5, Output: 5})
	tracker.Record("anthropic", "chat", types.Usage{Input: 7, Output: 3})

	window := tracker.Window(0)
	assert.Equal(t, int64(2), window.Calls)
	assert.Equal(t, 12, window.Tokens.Input)
	assert.Equal(t, 8, window.Tokens.Output)
	assert.InDelta(t, 20.0/60.0, window.TokensPerMinute, 1e-9)

	perProvider := tracker.WindowByProvider(0)
	assert.Equal(t, 10, perProvider["openai"].Tokens.Total)
	assert.Equal(t, 10, perProvider["anthropic"].Tokens.Total)
	assert.Equal(t, int64(1), perProvider["openai"].Calls)
}

func TestTokenTracker_WindowPrunesOldSamples(t *testing.T) {
	tracker := NewTokenTracker()

	tracker.Record("openai", "chat", types.Usage{Input: 5, Output: 5})
	tracker.Record("openai", "chat", types.Usage{Input: 100, Output: 100})

	// Age the first sample out of the window.
	tracker.mu.Lock()
	tracker.samples[0].at = time.Now().Add(-2 * time.Hour)
	tracker.mu.Unlock()

	window := tracker.Window(0)
	assert.Equal(t, 100, window.Tokens.Input, "samples older than the window are dropped")
	assert.Equal(t, int64(1), window.Calls)

	// Lifetime totals are unaffected by pruning.
	assert.Equal(t, 105, tracker.Total().Input)
}

func TestTokenTracker_WindowNarrowSpan(t *testing.T) {
	tracker := NewTokenTracker()

	tracker.Record("openai", "chat", types.Usage{Input: 10, Output: 10})

	// Age the sample beyond a one-minute span but keep it inside the hour.
	tracker.mu.Lock()
	tracker.samples[0].at = time.Now().Add(-5 * time.Minute)
	tracker.mu.Unlock()

	assert.Equal(t, int64(0), tracker.Window(time.Minute).Calls)
	assert.Equal(t, int64(1), tracker.Window(10*time.Minute).Calls)

	// A ten-minute window over 20 tokens burns 2 per minute.
	assert.InDelta(t, 2.0, tracker.Window(10*time.Minute).TokensPerMinute, 1e-9)
}

func TestTokenTracker_Reset(t *testing.T) {
	tracker := NewTokenTracker()
	tracker.Record("openai", "chat", types.Usage{Input: 5, Output: 5})

	tracker.Reset()

	assert.True(t, tracker.Total().IsZero())
	assert.Empty(t, tracker.TotalByProvider())
	assert.Empty(t, tracker.TotalByRole())
	assert.True(t, tracker.Window(0).Tokens.IsZero())
}
