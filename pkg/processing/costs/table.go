// Package costs provides rough request-cost estimation from a static
// coefficient table. Estimates order candidates for the cost-optimised
// strategy; they never call the network and make no billing claims.
package costs

import (
	"strings"

	"quorumlabs/quorum/pkg/processing/tokens"
	"quorumlabs/quorum/pkg/providers"
)

// Pricing holds per-1K-token coefficients in USD.
type Pricing struct {
	PromptPer1K     float64
	CompletionPer1K float64
}

// tier classifies a model id into a coarse price band.
type tier string

const (
	tierPremium tier = "premium"
	tierMid     tier = "mid"
	tierBudget  tier = "budget"
	tierFree    tier = "free"
)

// table maps (provider, tier) to coefficients. Values are deliberately
// coarse: ordering matters, cents do not.
var table = map[providers.Kind]map[tier]Pricing{
	providers.KindOpenAI: {
		tierPremium: {PromptPer1K: 0.01, CompletionPer1K: 0.03},
		tierMid:     {PromptPer1K: 0.0025, CompletionPer1K: 0.01},
		tierBudget:  {PromptPer1K: 0.00015, CompletionPer1K: 0.0006},
	},
	providers.KindAnthropic: {
		tierPremium: {PromptPer1K: 0.015, CompletionPer1K: 0.075},
		tierMid:     {PromptPer1K: 0.003, CompletionPer1K: 0.015},
		tierBudget:  {PromptPer1K: 0.0008, CompletionPer1K: 0.004},
	},
	providers.KindGoogle: {
		tierPremium: {PromptPer1K: 0.00125, CompletionPer1K: 0.005},
		tierMid:     {PromptPer1K: 0.000075, CompletionPer1K: 0.0003},
		tierBudget:  {PromptPer1K: 0.0000375, CompletionPer1K: 0.00015},
	},
	providers.KindCohere: {
		tierPremium: {PromptPer1K: 0.0025, CompletionPer1K: 0.01},
		tierMid:     {PromptPer1K: 0.0005, CompletionPer1K: 0.0015},
		tierBudget:  {PromptPer1K: 0.0003, CompletionPer1K: 0.0006},
	},
	providers.KindMistral: {
		tierPremium: {PromptPer1K: 0.002, CompletionPer1K: 0.006},
		tierMid:     {PromptPer1K: 0.0007, CompletionPer1K: 0.002},
		tierBudget:  {PromptPer1K: 0.00025, CompletionPer1K: 0.00025},
	},
}

// defaultPricing covers unknown provider/tier combinations.
var defaultPricing = Pricing{PromptPer1K: 0.001, CompletionPer1K: 0.002}

// premiumMarkers and budgetMarkers classify model ids by substring.
var (
	premiumMarkers = []string{"opus", "gpt-4", "ultra", "large", "pro"}
	budgetMarkers  = []string{"mini", "haiku", "flash", "small", "tiny", "lite", "light"}
)

// Estimator estimates per-call costs from the static table.
type Estimator struct{}

// NewEstimator creates a cost estimator.
func NewEstimator() *Estimator {
	return &Estimator{}
}

// Estimate returns the projected USD cost of sending prompt to the given
// model, assuming the completion consumes the full completion budget.
func (e *Estimator) Estimate(kind providers.Kind, modelID string, prompt string, completionBudget int) float64 {
	// Local execution costs nothing.
	if kind == providers.KindLocal || kind == providers.KindMock {
		return 0
	}

	pricing := lookup(kind, classify(modelID))
	promptTokens := float64(tokens.EstimatePrompt(prompt))
	completionTokens := float64(completionBudget)

	return promptTokens/1000*pricing.PromptPer1K + completionTokens/1000*pricing.CompletionPer1K
}

func lookup(kind providers.Kind, t tier) Pricing {
	tiers, ok := table[kind]
	if !ok {
		return defaultPricing
	}
	if p, ok := tiers[t]; ok {
		return p
	}
	if p, ok := tiers[tierMid]; ok {
		return p
	}
	return defaultPricing
}

func classify(modelID string) tier {
	lower := strings.ToLower(modelID)
	for _, m := range budgetMarkers {
		if strings.Contains(lower, m) {
			return tierBudget
		}
	}
	for _, m := range premiumMarkers {
		if strings.Contains(lower, m) {
			return tierPremium
		}
	}
	return tierMid
}
