// Package cost computes USD cost for LLM token usage and plan-time estimates.
package cost

// Rates holds per-provider pricing configuration.
type Rates struct {
	Anthropic map[string]ModelRate `yaml:"anthropic" mapstructure:"anthropic"`
	Gemini    map[string]ModelRate `yaml:"gemini" mapstructure:"gemini"`
}

// ModelRate holds per-model token pricing (USD per million tokens).
type ModelRate struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// Calculator computes costs for provider usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Tokens computes the cost of one provider call.
// Returns 0 for unknown provider/model combinations.
func (c *Calculator) Tokens(provider, model string, input, output int64) float64 {
	var rate ModelRate
	var ok bool
	switch provider {
	case "anthropic":
		rate, ok = c.rates.Anthropic[model]
	case "gemini":
		rate, ok = c.rates.Gemini[model]
	}
	if !ok {
		return 0
	}
	return (float64(input)/1e6)*rate.Input + (float64(output)/1e6)*rate.Output
}

// Per-transaction token heuristics for plan-time estimates. A transaction's
// descriptive payload plus its share of the batch prompt is small; outputs
// are a fixed-shape JSON object.
const (
	estInputTokensPerTx  = 120
	estOutputTokensPerTx = 90
)

// EstimateEnrichment estimates the cost of enriching n transactions with the
// given provider/model, assuming no cache hits. Actual cost is usually lower.
func (c *Calculator) EstimateEnrichment(provider, model string, n int) float64 {
	return c.Tokens(provider, model,
		int64(n)*estInputTokensPerTx,
		int64(n)*estOutputTokensPerTx,
	)
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"claude-haiku-4-5-20251001":  {Input: 0.80, Output: 4.00},
			"claude-sonnet-4-5-20250929": {Input: 3.00, Output: 15.00},
		},
		Gemini: map[string]ModelRate{
			"gemini-2.0-flash": {Input: 0.10, Output: 0.40},
			"gemini-1.5-flash": {Input: 0.075, Output: 0.30},
		},
	}
}
