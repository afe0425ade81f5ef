package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/NotMyself/claude-hall-monitor/internal/model"
)

func TestLookupExactMatch(t *testing.T) {
	p, match, ok := Lookup("claude-sonnet-4-20250514")
	assert.True(t, ok)
	assert.True(t, match.Exact)
	assert.InDelta(t, 3.0/1e6, p.InputCostPerToken, 1e-12)
}

func TestLookupFallbackTiers(t *testing.T) {
	tests := []struct {
		modelID string
		tier    Tier
	}{
		{"claude-opus-9-99999999", TierOpus},
		{"claude-sonnet-9-experimental", TierSonnet},
		{"claude-3-9-haiku-latest", TierHaiku},
		{"some-unknown-model", TierDefault},
	}
	for _, tt := range tests {
		t.Run(tt.modelID, func(t *testing.T) {
			_, match, ok := Lookup(tt.modelID)
			assert.False(t, ok, "unknown model must not report an exact match")
			assert.False(t, match.Exact)
			assert.Equal(t, tt.tier, match.Tier)
		})
	}
}

func TestCostBreakdown(t *testing.T) {
	usage := model.TokenUsage{
		InputTokens:         1000,
		OutputTokens:        500,
		CacheReadTokens:     2000,
		CacheCreationTokens: 100,
	}
	cost, match := Cost("claude-sonnet-4-20250514", usage)
	assert.True(t, match.Exact)

	assert.InDelta(t, 1000*3.0/1e6, cost.InputCost, 1e-12)
	assert.InDelta(t, 500*15.0/1e6, cost.OutputCost, 1e-12)
	assert.InDelta(t, 2000*0.30/1e6, cost.CacheReadCost, 1e-12)
	assert.InDelta(t, 100*3.75/1e6, cost.CacheCreationCost, 1e-12)

	sum := cost.InputCost + cost.OutputCost + cost.CacheReadCost + cost.CacheCreationCost
	assert.InDelta(t, sum, cost.TotalCost, 1e-12)
}

func TestCostZeroUsage(t *testing.T) {
	cost, _ := Cost("claude-opus-4-20250514", model.TokenUsage{})
	assert.Zero(t, cost.TotalCost)
}
