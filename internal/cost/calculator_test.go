package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokens_KnownModel(t *testing.T) {
	c := NewCalculator(DefaultRates())

	// 1M input at $0.80 + 1M output at $4.00
	got := c.Tokens("anthropic", "claude-haiku-4-5-20251001", 1_000_000, 1_000_000)
	assert.InDelta(t, 4.80, got, 0.0001)
}

func TestTokens_UnknownModel(t *testing.T) {
	c := NewCalculator(DefaultRates())
	assert.Zero(t, c.Tokens("anthropic", "unknown-model", 1000, 1000))
	assert.Zero(t, c.Tokens("openai", "gpt-4", 1000, 1000))
}

func TestTokens_Gemini(t *testing.T) {
	c := NewCalculator(DefaultRates())
	got := c.Tokens("gemini", "gemini-2.0-flash", 2_000_000, 500_000)
	assert.InDelta(t, 0.10*2+0.40*0.5, got, 0.0001)
}

func TestEstimateEnrichment_ScalesWithCount(t *testing.T) {
	c := NewCalculator(DefaultRates())

	one := c.EstimateEnrichment("anthropic", "claude-haiku-4-5-20251001", 1)
	hundred := c.EstimateEnrichment("anthropic", "claude-haiku-4-5-20251001", 100)

	assert.Greater(t, one, 0.0)
	assert.InDelta(t, one*100, hundred, 1e-9)
}
