// Package gemini wraps the google genai SDK behind the same small interface
// shape as pkg/anthropic, so providers stay swappable.
package gemini

import (
	"context"

	"github.com/rotisserie/eris"
	"google.golang.org/genai"
)

// Client defines the Gemini operations used by the enrichment engine.
type Client interface {
	GenerateText(ctx context.Context, model, prompt string) (*GenerateResponse, error)
}

// GenerateResponse carries the model's text output plus token accounting.
type GenerateResponse struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

type sdkClient struct {
	client *genai.Client
}

// NewClient creates a Gemini client authenticated with the given API key.
func NewClient(ctx context.Context, apiKey string) (Client, error) {
	c, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, eris.Wrap(err, "gemini: create client")
	}
	return &sdkClient{client: c}, nil
}

func (c *sdkClient) GenerateText(ctx context.Context, model, prompt string) (*GenerateResponse, error) {
	resp, err := c.client.Models.GenerateContent(ctx, model, genai.Text(prompt), nil)
	if err != nil {
		return nil, eris.Wrap(err, "gemini: generate content")
	}

	text := resp.Text()
	if text == "" {
		return nil, eris.New("gemini: empty response")
	}

	out := &GenerateResponse{Text: text}
	if resp.UsageMetadata != nil {
		out.InputTokens = int64(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int64(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}
