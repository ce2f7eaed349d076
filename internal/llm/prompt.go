package llm

import (
	"encoding/json"
	"strings"

	"github.com/arcfin/ledgersync/internal/model"
)

const systemPrompt = `You are a bank transaction analyst. You receive a JSON array of transaction descriptions and return enrichment metadata for each one.

Return a RAW JSON ARRAY only: no markdown, no code fences, no commentary. Output must begin with "[" and end with "]".

Each output object must have exactly these fields:
- "transaction_id": string, copied from the input
- "primary_category": one of CATEGORIES below
- "subcategory": string, free-form refinement of the category
- "merchant_name": string, the clean human-readable merchant name
- "merchant_type": string, e.g. "supermarket", "streaming service"
- "essential": boolean, true for essential spending, false for discretionary
- "payment_method": string, e.g. "card", "direct_debit", "transfer"
- "payment_subtype": string or "", e.g. "contactless", "standing_order"
- "counterparty": string, the paying or receiving entity
- "origin_date": string "YYYY-MM-DD" or "" if not inferable from the text
- "confidence": number between 0.0 and 1.0`

// BuildPrompt renders the user prompt for one batch of payloads.
func BuildPrompt(batch []Payload) string {
	var b strings.Builder
	b.WriteString("CATEGORIES: ")
	cats := model.Categories()
	for i, c := range cats {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(string(c))
	}
	b.WriteString("\n\nTransactions:\n")

	// Payloads are marshalled as-is: the Payload type has no monetary fields,
	// which is what keeps amounts out of the prompt.
	enc, _ := json.Marshal(batch)
	b.Write(enc)
	return b.String()
}
