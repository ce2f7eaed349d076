package llm

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/arcfin/ledgersync/pkg/gemini"
)

// GeminiProvider infers enrichment metadata through the Gemini API.
type GeminiProvider struct {
	client gemini.Client
	model  string
}

// NewGeminiProvider wraps a gemini client as a Provider.
func NewGeminiProvider(client gemini.Client, model string) *GeminiProvider {
	return &GeminiProvider{client: client, model: model}
}

func (p *GeminiProvider) Name() string  { return "gemini" }
func (p *GeminiProvider) Model() string { return p.model }

func (p *GeminiProvider) Infer(ctx context.Context, batch []Payload) ([]ItemResult, Usage, error) {
	if len(batch) == 0 {
		return nil, Usage{}, nil
	}

	// Gemini takes a single prompt; the system instructions are prepended.
	prompt := systemPrompt + "\n\n" + BuildPrompt(batch)
	resp, err := p.client.GenerateText(ctx, p.model, prompt)
	if err != nil {
		return nil, Usage{}, eris.Wrap(err, "llm: gemini infer")
	}

	usage := Usage{
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	}

	results, err := ParseResults(resp.Text, p.Name(), p.model, batch)
	if err != nil {
		return nil, usage, err
	}
	return results, usage, nil
}
