// ChatRelay - Telegram to generative-language relay
// License: MIT
//
// Copyright (c) 2026 ChatRelay contributors

package openai_compat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/zhaopengme/chatrelay/pkg/logger"
	"github.com/zhaopengme/chatrelay/pkg/providers/protocoltypes"
)

type Message = protocoltypes.Message
type LLMResponse = protocoltypes.LLMResponse
type UsageInfo = protocoltypes.UsageInfo

const (
	MaxTokensField           = "max_tokens"
	MaxCompletionTokensField = "max_completion_tokens"
)

// Provider talks to any endpoint implementing the OpenAI chat completions
// API, including Gemini's OpenAI-compatible surface.
type Provider struct {
	client         *openai.Client
	name           string
	apiBase        string
	maxTokensField string
}

func NewProvider(apiKey, apiBase, proxy string) *Provider {
	return NewProviderWithMaxTokensField(apiKey, apiBase, proxy, MaxCompletionTokensField)
}

func NewProviderWithMaxTokensField(apiKey, apiBase, proxy, maxTokensField string) *Provider {
	apiBase = strings.TrimRight(strings.TrimSpace(apiBase), "/")

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if apiBase != "" {
		opts = append(opts, option.WithBaseURL(apiBase+"/"))
	}
	if proxy != "" {
		if proxyURL, err := url.Parse(proxy); err == nil {
			opts = append(opts, option.WithHTTPClient(&http.Client{
				Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
			}))
		} else {
			logger.WarnCF("provider.openai", "Ignoring invalid proxy URL", map[string]interface{}{
				"proxy": proxy,
				"error": err.Error(),
			})
		}
	}

	if maxTokensField == "" {
		maxTokensField = MaxCompletionTokensField
	}

	client := openai.NewClient(opts...)
	return &Provider{
		client:         &client,
		name:           "openai",
		apiBase:        apiBase,
		maxTokensField: maxTokensField,
	}
}

// WithName sets the provider label used in errors and logs.
func (p *Provider) WithName(name string) *Provider {
	p.name = name
	return p
}

func (p *Provider) Chat(ctx context.Context, messages []Message, model string, options map[string]interface{}) (*LLMResponse, error) {
	params := buildParams(messages, model, options, p.maxTokensField)

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		status := 0
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			status = apiErr.StatusCode
		}
		return nil, protocoltypes.NewFailoverError(p.name, model, status, fmt.Errorf("chat completion: %w", err))
	}

	return parseResponse(p.name, model, resp)
}

func (p *Provider) GetDefaultModel() string {
	return ""
}

func (p *Provider) APIBase() string {
	return p.apiBase
}

func buildParams(messages []Message, model string, options map[string]interface{}, maxTokensField string) openai.ChatCompletionNewParams {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case protocoltypes.RoleSystem:
			msgs = append(msgs, openai.SystemMessage(msg.Content))
		case protocoltypes.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(msg.Content))
		default:
			msgs = append(msgs, openai.UserMessage(msg.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: msgs,
	}

	if mt, ok := options["max_tokens"].(int); ok && mt > 0 {
		if maxTokensField == MaxTokensField {
			params.MaxTokens = openai.Int(int64(mt))
		} else {
			params.MaxCompletionTokens = openai.Int(int64(mt))
		}
	}
	if temp, ok := options["temperature"].(float64); ok {
		params.Temperature = openai.Float(temp)
	}

	return params
}

func parseResponse(name, model string, resp *openai.ChatCompletion) (*LLMResponse, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return nil, protocoltypes.NewFailoverError(name, model, 0, errors.New("response contained no choices"))
	}

	choice := resp.Choices[0]
	if choice.FinishReason == "content_filter" && choice.Message.Content == "" {
		return nil, &protocoltypes.FailoverError{
			Reason:   protocoltypes.FailoverSafety,
			Provider: name,
			Model:    model,
			Wrapped:  errors.New("response blocked by content filter"),
		}
	}

	return &LLMResponse{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage: &UsageInfo{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}
