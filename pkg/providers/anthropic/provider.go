package anthropicprovider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/zhaopengme/chatrelay/pkg/logger"
	"github.com/zhaopengme/chatrelay/pkg/providers/protocoltypes"
)

type LLMResponse = protocoltypes.LLMResponse
type UsageInfo = protocoltypes.UsageInfo
type Message = protocoltypes.Message

const (
	defaultBaseURL   = "https://api.anthropic.com"
	defaultModel     = "claude-sonnet-4-5"
	defaultMaxTokens = 1024
)

type Provider struct {
	client  *anthropic.Client
	baseURL string
}

func NewProvider(apiKey, apiBase, proxy string) *Provider {
	baseURL := normalizeBaseURL(apiBase)
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
		option.WithMaxRetries(0),
	}
	if proxy != "" {
		if proxyURL, err := url.Parse(proxy); err == nil {
			opts = append(opts, option.WithHTTPClient(&http.Client{
				Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
			}))
		} else {
			logger.WarnCF("provider.anthropic", "Ignoring invalid proxy URL", map[string]interface{}{
				"proxy": proxy,
				"error": err.Error(),
			})
		}
	}

	client := anthropic.NewClient(opts...)
	return &Provider{
		client:  &client,
		baseURL: baseURL,
	}
}

func (p *Provider) Chat(ctx context.Context, messages []Message, model string, options map[string]interface{}) (*LLMResponse, error) {
	params := buildParams(messages, model, options)

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		status := 0
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			status = apiErr.StatusCode
		}
		return nil, protocoltypes.NewFailoverError("anthropic", model, status, fmt.Errorf("claude API call: %w", err))
	}

	if string(resp.StopReason) == "refusal" {
		return nil, &protocoltypes.FailoverError{
			Reason:   protocoltypes.FailoverSafety,
			Provider: "anthropic",
			Model:    model,
			Wrapped:  errors.New("model refused to answer"),
		}
	}

	return parseResponse(resp), nil
}

func (p *Provider) GetDefaultModel() string {
	return defaultModel
}

func (p *Provider) BaseURL() string {
	return p.baseURL
}

func buildParams(messages []Message, model string, options map[string]interface{}) anthropic.MessageNewParams {
	var system []anthropic.TextBlockParam
	var anthropicMessages []anthropic.MessageParam

	for _, msg := range messages {
		switch msg.Role {
		case protocoltypes.RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: msg.Content})
		case protocoltypes.RoleAssistant:
			anthropicMessages = append(anthropicMessages,
				anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)),
			)
		default:
			anthropicMessages = append(anthropicMessages,
				anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)),
			)
		}
	}

	maxTokens := int64(defaultMaxTokens)
	if mt, ok := options["max_tokens"].(int); ok && mt > 0 {
		maxTokens = int64(mt)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  anthropicMessages,
		MaxTokens: maxTokens,
	}

	if len(system) > 0 {
		params.System = system
	}

	if temp, ok := options["temperature"].(float64); ok {
		params.Temperature = anthropic.Float(temp)
	}

	return params
}

func parseResponse(resp *anthropic.Message) *LLMResponse {
	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.AsText().Text)
		}
	}

	finishReason := "stop"
	switch resp.StopReason {
	case anthropic.StopReasonMaxTokens:
		finishReason = "length"
	case anthropic.StopReasonEndTurn:
		finishReason = "stop"
	}

	return &LLMResponse{
		Content:      content.String(),
		FinishReason: finishReason,
		Usage: &UsageInfo{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}
}

func normalizeBaseURL(apiBase string) string {
	base := strings.TrimSpace(apiBase)
	if base == "" {
		return defaultBaseURL
	}

	base = strings.TrimRight(base, "/")
	base = strings.TrimSuffix(base, "/v1")
	if base == "" {
		return defaultBaseURL
	}

	return base
}
