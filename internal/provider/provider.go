// Package provider defines the reasoning backend agents call to turn a prompt
// into a plan.
package provider

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/openai"

	"crewline/internal/config"
	"crewline/internal/provider/mock"
)

// Provider is a reasoning backend: one prompt in, one response out.
type Provider interface {
	// Name returns the provider identifier (e.g., "openai", "anthropic", "mock").
	Name() string

	Generate(ctx context.Context, prompt string) (string, error)
}

const (
	defaultTemperature = 0.7
	defaultMaxTokens   = 8192
)

// LLM adapts a langchaingo model to Provider.
type LLM struct {
	name  string
	model llms.Model
}

func NewLLM(name string, model llms.Model) *LLM {
	return &LLM{name: name, model: model}
}

func (p *LLM) Name() string { return p.name }

func (p *LLM) Generate(ctx context.Context, prompt string) (string, error) {
	out, err := llms.GenerateFromSinglePrompt(ctx, p.model, prompt,
		llms.WithTemperature(defaultTemperature),
		llms.WithMaxTokens(defaultMaxTokens),
	)
	if err != nil {
		return "", fmt.Errorf("%s generate: %w", p.name, err)
	}
	return out, nil
}

// New builds the provider selected by cfg. API keys come from the environment.
func New(cfg config.ProviderConfig) (Provider, error) {
	switch cfg.Kind {
	case "", "mock":
		return mock.New(), nil
	case "openai":
		key, err := apiKey(cfg)
		if err != nil {
			return nil, err
		}
		opts := []openai.Option{openai.WithToken(key)}
		if cfg.Model != "" {
			opts = append(opts, openai.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("creating OpenAI client: %w", err)
		}
		return NewLLM("openai", llm), nil
	case "anthropic":
		key, err := apiKey(cfg)
		if err != nil {
			return nil, err
		}
		opts := []anthropic.Option{anthropic.WithToken(key)}
		if cfg.Model != "" {
			opts = append(opts, anthropic.WithModel(cfg.Model))
		}
		llm, err := anthropic.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("creating Anthropic client: %w", err)
		}
		return NewLLM("anthropic", llm), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.Kind)
	}
}

func apiKey(cfg config.ProviderConfig) (string, error) {
	key := strings.TrimSpace(os.Getenv(cfg.APIKeyEnv))
	if key == "" {
		return "", fmt.Errorf("missing API key for %s provider; set %s", cfg.Kind, cfg.APIKeyEnv)
	}
	return key, nil
}
