// Package pricing maps model identifiers to per-token costs.
package pricing

import (
	"strings"

	"github.com/NotMyself/claude-hall-monitor/internal/model"
)

// ModelPricing holds per-token USD costs for one model.
type ModelPricing struct {
	InputCostPerToken         float64
	OutputCostPerToken        float64
	CacheReadCostPerToken     float64
	CacheCreationCostPerToken float64
}

// Tier is a pricing fallback class selected by substring heuristics when the
// exact model identifier is unknown.
type Tier string

const (
	TierOpus    Tier = "opus"
	TierSonnet  Tier = "sonnet"
	TierHaiku   Tier = "haiku"
	TierDefault Tier = "default"
)

// Match describes how a pricing lookup was resolved: an exact table hit, or
// a fallback tier chosen heuristically.
type Match struct {
	Exact bool
	Tier  Tier
}

// Costs are per token. Table keys are the identifiers observed in transcripts.
var table = map[string]ModelPricing{
	"claude-opus-4-20250514": {
		InputCostPerToken:         15.0 / 1e6,
		OutputCostPerToken:        75.0 / 1e6,
		CacheReadCostPerToken:     1.50 / 1e6,
		CacheCreationCostPerToken: 18.75 / 1e6,
	},
	"claude-sonnet-4-20250514": {
		InputCostPerToken:         3.0 / 1e6,
		OutputCostPerToken:        15.0 / 1e6,
		CacheReadCostPerToken:     0.30 / 1e6,
		CacheCreationCostPerToken: 3.75 / 1e6,
	},
	"claude-3-5-haiku-20241022": {
		InputCostPerToken:         0.80 / 1e6,
		OutputCostPerToken:        4.0 / 1e6,
		CacheReadCostPerToken:     0.08 / 1e6,
		CacheCreationCostPerToken: 1.0 / 1e6,
	},
}

var tierPricing = map[Tier]ModelPricing{
	TierOpus:    table["claude-opus-4-20250514"],
	TierSonnet:  table["claude-sonnet-4-20250514"],
	TierHaiku:   table["claude-3-5-haiku-20241022"],
	TierDefault: table["claude-sonnet-4-20250514"],
}

// Lookup resolves pricing for a model identifier. The boolean mirrors
// Match.Exact so callers can log when a heuristic tier was used.
func Lookup(modelID string) (ModelPricing, Match, bool) {
	if p, ok := table[modelID]; ok {
		return p, Match{Exact: true}, true
	}

	tier := TierDefault
	lower := strings.ToLower(modelID)
	switch {
	case strings.Contains(lower, "opus"):
		tier = TierOpus
	case strings.Contains(lower, "sonnet"):
		tier = TierSonnet
	case strings.Contains(lower, "haiku"):
		tier = TierHaiku
	}
	return tierPricing[tier], Match{Exact: false, Tier: tier}, false
}

// Cost computes the per-component cost breakdown for one usage record.
func Cost(modelID string, usage model.TokenUsage) (model.CostBreakdown, Match) {
	p, match, _ := Lookup(modelID)
	breakdown := model.CostBreakdown{
		InputCost:         float64(usage.InputTokens) * p.InputCostPerToken,
		OutputCost:        float64(usage.OutputTokens) * p.OutputCostPerToken,
		CacheReadCost:     float64(usage.CacheReadTokens) * p.CacheReadCostPerToken,
		CacheCreationCost: float64(usage.CacheCreationTokens) * p.CacheCreationCostPerToken,
	}
	breakdown.TotalCost = breakdown.InputCost + breakdown.OutputCost +
		breakdown.CacheReadCost + breakdown.CacheCreationCost
	return breakdown, match
}
