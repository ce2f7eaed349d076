// Package llm abstracts the language-model providers used for probabilistic
// transaction enrichment.
package llm

import (
	"context"

	"github.com/arcfin/ledgersync/internal/model"
)

// Payload is the descriptive payload for one transaction. It carries only
// non-monetary text: amount and balance are excluded by contract, not as an
// optimization. Nothing monetary may ever be added here.
type Payload struct {
	TransactionID string `json:"transaction_id"`
	Description   string `json:"description"`
	ProductHint   string `json:"product_hint,omitempty"`
	AppHint       string `json:"app_hint,omitempty"`
	Direction     string `json:"direction"` // "debit" or "credit"
}

// Usage tracks provider token consumption for one Infer call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// ItemResult is the outcome for a single transaction within a batch. A batch
// can partially succeed; failed items carry Err and are counted, not fatal.
type ItemResult struct {
	TransactionID string
	Result        model.EnrichmentResult
	Err           error
}

// Provider is the single capability interface every provider implements.
// One implementation per provider; callers are provider-agnostic.
type Provider interface {
	Name() string
	Model() string
	Infer(ctx context.Context, batch []Payload) ([]ItemResult, Usage, error)
}
