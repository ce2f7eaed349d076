package llm

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/arcfin/ledgersync/pkg/anthropic"
)

// AnthropicProvider infers enrichment metadata through the Claude messages API.
type AnthropicProvider struct {
	client anthropic.Client
	model  string
}

// NewAnthropicProvider wraps an anthropic client as a Provider.
func NewAnthropicProvider(client anthropic.Client, model string) *AnthropicProvider {
	return &AnthropicProvider{client: client, model: model}
}

func (p *AnthropicProvider) Name() string  { return "anthropic" }
func (p *AnthropicProvider) Model() string { return p.model }

func (p *AnthropicProvider) Infer(ctx context.Context, batch []Payload) ([]ItemResult, Usage, error) {
	if len(batch) == 0 {
		return nil, Usage{}, nil
	}

	temp := 0.0
	resp, err := p.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       p.model,
		MaxTokens:   int64(256 * len(batch)),
		System:      systemPrompt,
		Messages:    []anthropic.Message{{Role: "user", Content: BuildPrompt(batch)}},
		Temperature: &temp,
	})
	if err != nil {
		return nil, Usage{}, eris.Wrap(err, "llm: anthropic infer")
	}

	usage := Usage{
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}

	results, err := ParseResults(resp.Text, p.Name(), p.model, batch)
	if err != nil {
		return nil, usage, err
	}
	return results, usage, nil
}
