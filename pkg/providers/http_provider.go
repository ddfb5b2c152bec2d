// ChatRelay - Telegram to generative-language relay
// License: MIT
//
// Copyright (c) 2026 ChatRelay contributors

package providers

import (
	"context"

	"github.com/zhaopengme/chatrelay/pkg/providers/openai_compat"
)

// HTTPProvider serves every OpenAI-compatible backend (OpenAI, Gemini).
type HTTPProvider struct {
	delegate     *openai_compat.Provider
	defaultModel string
}

func NewHTTPProvider(apiKey, apiBase, proxy string) *HTTPProvider {
	return &HTTPProvider{
		delegate: openai_compat.NewProvider(apiKey, apiBase, proxy),
	}
}

func NewHTTPProviderWithMaxTokensField(apiKey, apiBase, proxy, maxTokensField string) *HTTPProvider {
	return &HTTPProvider{
		delegate: openai_compat.NewProviderWithMaxTokensField(apiKey, apiBase, proxy, maxTokensField),
	}
}

func (p *HTTPProvider) Chat(ctx context.Context, messages []Message, model string, options map[string]interface{}) (*LLMResponse, error) {
	return p.delegate.Chat(ctx, messages, model, options)
}

func (p *HTTPProvider) GetDefaultModel() string {
	return p.defaultModel
}
