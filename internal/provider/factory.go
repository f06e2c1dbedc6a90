// Package provider builds the set of commentary providers available to the engine.
package provider

import (
	"fmt"
	"log/slog"

	"github.com/jeskokaiser/altfragen-io-backend/internal/config"
	"github.com/jeskokaiser/altfragen-io-backend/internal/prompts"
	"github.com/jeskokaiser/altfragen-io-backend/internal/provider/deepseek"
	"github.com/jeskokaiser/altfragen-io-backend/internal/provider/gemini"
	"github.com/jeskokaiser/altfragen-io-backend/internal/provider/mistral"
	"github.com/jeskokaiser/altfragen-io-backend/internal/provider/openai"
	"github.com/jeskokaiser/altfragen-io-backend/internal/provider/perplexity"
	"github.com/jeskokaiser/altfragen-io-backend/pkg/models"
)

// Set holds the configured providers, keyed by name.
type Set struct {
	batch   map[models.ProviderName]models.BatchProvider
	instant map[models.ProviderName]models.InstantProvider
}

func NewSet(batch []models.BatchProvider, instant []models.InstantProvider) *Set {
	s := &Set{
		batch:   make(map[models.ProviderName]models.BatchProvider, len(batch)),
		instant: make(map[models.ProviderName]models.InstantProvider, len(instant)),
	}
	for _, p := range batch {
		s.batch[p.Name()] = p
	}
	for _, p := range instant {
		s.instant[p.Name()] = p
	}
	return s
}

// NewFromConfig constructs every provider that has credentials.
// Called once at startup.
func NewFromConfig(cfg config.ProvidersConfig, catalogue *prompts.Catalogue, logger *slog.Logger) (*Set, error) {
	var (
		batch   []models.BatchProvider
		instant []models.InstantProvider
	)
	for _, name := range models.AllProviders() {
		pc := providerConfig(cfg, name)
		if !pc.Configured() {
			logger.Info("provider not configured, skipping", "provider", name)
			continue
		}
		switch name {
		case models.ProviderOpenAI:
			batch = append(batch, openai.NewProvider(pc, cfg.Timeout, catalogue, logger))
		case models.ProviderMistral:
			batch = append(batch, mistral.NewProvider(pc, cfg.Timeout, catalogue, logger))
		case models.ProviderGemini:
			batch = append(batch, gemini.NewProvider(pc, cfg.Timeout, catalogue, logger))
		case models.ProviderPerplexity:
			instant = append(instant, perplexity.NewProvider(pc, cfg.Timeout, catalogue))
		case models.ProviderDeepSeek:
			instant = append(instant, deepseek.NewProvider(pc, cfg.Timeout, catalogue))
		default:
			return nil, fmt.Errorf("unknown provider %q", name)
		}
	}
	return NewSet(batch, instant), nil
}

func providerConfig(cfg config.ProvidersConfig, name models.ProviderName) config.ProviderConfig {
	switch name {
	case models.ProviderOpenAI:
		return cfg.OpenAI
	case models.ProviderMistral:
		return cfg.Mistral
	case models.ProviderGemini:
		return cfg.Gemini
	case models.ProviderPerplexity:
		return cfg.Perplexity
	case models.ProviderDeepSeek:
		return cfg.DeepSeek
	}
	return config.ProviderConfig{}
}

func (s *Set) Batch(name models.ProviderName) (models.BatchProvider, error) {
	p, ok := s.batch[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNotConfigured)
	}
	return p, nil
}

func (s *Set) Instant(name models.ProviderName) (models.InstantProvider, error) {
	p, ok := s.instant[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNotConfigured)
	}
	return p, nil
}

// Configured reports whether name has a constructed provider.
func (s *Set) Configured(name models.ProviderName) bool {
	_, b := s.batch[name]
	_, i := s.instant[name]
	return b || i
}

// Active returns the providers that are both configured and enabled in
// settings, in canonical order.
func (s *Set) Active(settings *models.Settings) ([]models.BatchProvider, []models.InstantProvider) {
	var (
		batch   []models.BatchProvider
		instant []models.InstantProvider
	)
	for _, name := range settings.EnabledProviders() {
		if p, ok := s.batch[name]; ok {
			batch = append(batch, p)
		}
		if p, ok := s.instant[name]; ok {
			instant = append(instant, p)
		}
	}
	return batch, instant
}

// Required lists the providers whose comments a question needs before it
// counts as completed.
func (s *Set) Required(settings *models.Settings) []models.ProviderName {
	var out []models.ProviderName
	for _, name := range settings.EnabledProviders() {
		if s.Configured(name) {
			out = append(out, name)
		}
	}
	return out
}
