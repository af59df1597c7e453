// Package pricing is the pure cost-computation function the request
// pipeline calls once the metrics collector has reported usage. The full pricing-rule engine (rule
// CRUD, per-tenant overrides) is explicitly out of scope (spec §1); this
// package supplies the minimal built-in rate table needed to exercise that
// boundary end-to-end.
package pricing

import (
	"github.com/shopspring/decimal"
)

// Usage is the subset of token counts a cost computation needs.
type Usage struct {
	TokensPrompt      int64
	TokensCompletion  int64
	CacheCreateTokens int64
	CacheReadTokens   int64
}

// Rate is a per-million-token price pair for one model.
type Rate struct {
	PromptPerMillion     decimal.Decimal
	CompletionPerMillion decimal.Decimal
}

// builtinRates is a minimal seed table; the administrative surface is
// expected to own the authoritative, versioned rate catalog (spec §1).
var builtinRates = map[string]Rate{
	"gpt-4o":          {PromptPerMillion: decimal.NewFromFloat(2.50), CompletionPerMillion: decimal.NewFromFloat(10.00)},
	"gpt-4o-mini":     {PromptPerMillion: decimal.NewFromFloat(0.15), CompletionPerMillion: decimal.NewFromFloat(0.60)},
	"claude-3-opus":   {PromptPerMillion: decimal.NewFromFloat(15.00), CompletionPerMillion: decimal.NewFromFloat(75.00)},
	"claude-3-sonnet": {PromptPerMillion: decimal.NewFromFloat(3.00), CompletionPerMillion: decimal.NewFromFloat(15.00)},
	"gemini-pro":      {PromptPerMillion: decimal.NewFromFloat(0.50), CompletionPerMillion: decimal.NewFromFloat(1.50)},
}

const million = 1_000_000

// Cost computes (amount, currency) for a model's usage. When the model is
// unknown, it returns a zero cost rather than failing the request (spec
// §4.6: "on failure, leave cost=null rather than failing the request").
func Cost(model string, usage Usage) (decimal.Decimal, string, bool) {
	rate, ok := builtinRates[model]
	if !ok {
		return decimal.Zero, "", false
	}

	promptCost := rate.PromptPerMillion.Mul(decimal.NewFromInt(usage.TokensPrompt)).Div(decimal.NewFromInt(million))
	completionCost := rate.CompletionPerMillion.Mul(decimal.NewFromInt(usage.TokensCompletion)).Div(decimal.NewFromInt(million))
	return promptCost.Add(completionCost), "USD", true
}
