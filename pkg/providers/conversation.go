// ChatRelay - Telegram to generative-language relay
// License: MIT
//
// Copyright (c) 2026 ChatRelay contributors

package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zhaopengme/chatrelay/pkg/providers/protocoltypes"
)

// ErrEmptyReply is returned when the backend answered with no text.
var ErrEmptyReply = errors.New("generation returned an empty reply")

type ConversationConfig struct {
	Model        string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
	Timeout      time.Duration
}

// Generator hands out empty conversations bound to one provider and model.
type Generator struct {
	provider LLMProvider
	cfg      ConversationConfig
}

func NewGenerator(provider LLMProvider, cfg ConversationConfig) *Generator {
	if cfg.Model == "" {
		cfg.Model = provider.GetDefaultModel()
	}
	return &Generator{provider: provider, cfg: cfg}
}

func (g *Generator) Model() string {
	return g.cfg.Model
}

func (g *Generator) NewConversation() *Conversation {
	return &Conversation{
		provider: g.provider,
		cfg:      g.cfg,
		history:  []Message{},
	}
}

// Conversation is the per-user conversational state. Sends are serialized,
// and a turn is committed to the history only once the reply arrives.
type Conversation struct {
	provider LLMProvider
	cfg      ConversationConfig

	mu      sync.Mutex
	history []Message
}

// Send appends text as a user turn and returns the reply generated from the
// whole conversation so far.
func (c *Conversation) Send(ctx context.Context, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	userMsg := Message{Role: protocoltypes.RoleUser, Content: text}

	messages := make([]Message, 0, len(c.history)+2)
	if c.cfg.SystemPrompt != "" {
		messages = append(messages, Message{Role: protocoltypes.RoleSystem, Content: c.cfg.SystemPrompt})
	}
	messages = append(messages, c.history...)
	messages = append(messages, userMsg)

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	resp, err := c.provider.Chat(ctx, messages, c.cfg.Model, c.options())
	if err != nil {
		return "", err
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return "", fmt.Errorf("model %s: %w", c.cfg.Model, ErrEmptyReply)
	}

	c.history = append(c.history, userMsg, Message{Role: protocoltypes.RoleAssistant, Content: resp.Content})
	return resp.Content, nil
}

// History returns a copy of the committed turns.
func (c *Conversation) History() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	history := make([]Message, len(c.history))
	copy(history, c.history)
	return history
}

// Turns reports how many user/assistant exchanges have been committed.
func (c *Conversation) Turns() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history) / 2
}

func (c *Conversation) options() map[string]interface{} {
	opts := map[string]interface{}{
		"temperature": c.cfg.Temperature,
	}
	if c.cfg.MaxTokens > 0 {
		opts["max_tokens"] = c.cfg.MaxTokens
	}
	return opts
}
