// Package perplexity adapts the Perplexity chat API to models.InstantProvider.
package perplexity

import (
	"context"
	"time"

	"github.com/jeskokaiser/altfragen-io-backend/internal/commentary"
	"github.com/jeskokaiser/altfragen-io-backend/internal/config"
	"github.com/jeskokaiser/altfragen-io-backend/internal/prompts"
	"github.com/jeskokaiser/altfragen-io-backend/internal/provider/openaicompat"
	"github.com/jeskokaiser/altfragen-io-backend/pkg/models"
)

const (
	temperature = 0.7
	maxTokens   = 4096
)

// Provider implements models.InstantProvider using Perplexity.
type Provider struct {
	client  *openaicompat.Client
	model   string
	prompts *prompts.Catalogue
}

func NewProvider(cfg config.ProviderConfig, timeout time.Duration, catalogue *prompts.Catalogue) *Provider {
	return &Provider{
		client:  openaicompat.NewClient(models.ProviderPerplexity, cfg.BaseURL, cfg.APIKey, timeout),
		model:   cfg.Model,
		prompts: catalogue,
	}
}

func (p *Provider) Name() models.ProviderName { return models.ProviderPerplexity }

func (p *Provider) Model() string { return p.model }

func (p *Provider) Invoke(ctx context.Context, q *models.Question) (models.Commentary, error) {
	t := temperature
	content, err := p.client.Complete(ctx, openaicompat.ChatRequest{
		Model: p.model,
		Messages: []openaicompat.Message{
			{Role: "system", Content: p.prompts.System(false)},
			{Role: "user", Content: p.prompts.User(q)},
		},
		Temperature: &t,
		MaxTokens:   maxTokens,
		ResponseFormat: &openaicompat.ResponseFormat{
			Type: "json_schema",
			JSONSchema: &openaicompat.JSONSchema{
				Name:   "answer_comments_with_choice",
				Schema: commentary.Schema(),
			},
		},
	})
	if err != nil {
		return models.Commentary{}, err
	}

	c, err := commentary.Parse(content)
	if err != nil {
		return models.Commentary{}, openaicompat.InvalidPayload(models.ProviderPerplexity, err)
	}
	return c, nil
}

var _ models.InstantProvider = (*Provider)(nil)
