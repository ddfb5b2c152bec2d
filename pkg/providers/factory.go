// ChatRelay - Telegram to generative-language relay
// License: MIT
//
// Copyright (c) 2026 ChatRelay contributors

package providers

import (
	"fmt"

	"github.com/zhaopengme/chatrelay/pkg/config"
	anthropicprovider "github.com/zhaopengme/chatrelay/pkg/providers/anthropic"
	"github.com/zhaopengme/chatrelay/pkg/providers/openai_compat"
)

const (
	GeminiAPIBase      = "https://generativelanguage.googleapis.com/v1beta/openai"
	OpenAIAPIBase      = "https://api.openai.com/v1"
	GeminiDefaultModel = "gemini-2.0-flash"
	OpenAIDefaultModel = "gpt-4o-mini"
)

// CreateProvider builds the generation backend described by cfg.
// Returns the provider and the model ID to request.
func CreateProvider(cfg config.GenerationConfig) (LLMProvider, string, error) {
	var provider LLMProvider

	switch cfg.Provider {
	case config.ProviderGemini, "":
		apiBase := cfg.APIBase
		if apiBase == "" {
			apiBase = GeminiAPIBase
		}
		p := NewHTTPProviderWithMaxTokensField(cfg.APIKey, apiBase, cfg.Proxy, openai_compat.MaxTokensField)
		p.delegate.WithName(config.ProviderGemini)
		p.defaultModel = GeminiDefaultModel
		provider = p

	case config.ProviderOpenAI:
		apiBase := cfg.APIBase
		if apiBase == "" {
			apiBase = OpenAIAPIBase
		}
		p := NewHTTPProvider(cfg.APIKey, apiBase, cfg.Proxy)
		p.defaultModel = OpenAIDefaultModel
		provider = p

	case config.ProviderAnthropic:
		provider = anthropicprovider.NewProvider(cfg.APIKey, cfg.APIBase, cfg.Proxy)

	default:
		return nil, "", fmt.Errorf("unsupported provider %q", cfg.Provider)
	}

	model := cfg.Model
	if model == "" {
		model = provider.GetDefaultModel()
	}

	return provider, model, nil
}
