// ChatRelay - Telegram to generative-language relay
// License: MIT
//
// Copyright (c) 2026 ChatRelay contributors

package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaopengme/chatrelay/pkg/bus"
	"github.com/zhaopengme/chatrelay/pkg/providers"
	"github.com/zhaopengme/chatrelay/pkg/session"
)

// countingProvider replies with the user turns it has seen and the latest
// text. Users listed in failFor get an error instead.
type countingProvider struct {
	mu      sync.Mutex
	failFor map[string]bool
	calls   int
}

func (p *countingProvider) Chat(_ context.Context, messages []providers.Message, _ string, _ map[string]interface{}) (*providers.LLMResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++

	var users []string
	for _, m := range messages {
		if m.Role == "user" {
			users = append(users, m.Content)
		}
	}
	last := users[len(users)-1]
	if p.failFor[last] {
		return nil, &providers.FailoverError{Reason: providers.FailoverRateLimit, Provider: "fake", Wrapped: errors.New("quota exceeded")}
	}
	return &providers.LLMResponse{Content: fmt.Sprintf("turns=%d last=%s", len(users), last)}, nil
}

func (p *countingProvider) GetDefaultModel() string { return "fake" }

func newTestRouter(p providers.LLMProvider) (*Router, *session.Registry, *bus.MessageBus) {
	g := providers.NewGenerator(p, providers.ConversationConfig{})
	registry := session.NewRegistry(g.NewConversation)
	mb := bus.NewMessageBus()
	return NewRouter(mb, registry, Options{PoweredBy: "Test Model"}), registry, mb
}

func TestHandleStartGreetsAndResets(t *testing.T) {
	r, registry, _ := newTestRouter(&countingProvider{})

	old := registry.GetOrCreate("1")
	reply := r.HandleStart("1", "Ada")

	assert.Contains(t, reply, "Hi Ada!")
	assert.Contains(t, reply, "Test Model")
	assert.Contains(t, reply, "/newchat")

	fresh, ok := registry.Get("1")
	require.True(t, ok)
	assert.NotSame(t, old, fresh)
}

func TestHandleStartWithoutName(t *testing.T) {
	r, _, _ := newTestRouter(&countingProvider{})
	assert.True(t, strings.HasPrefix(r.HandleStart("1", "  "), "Hi there!"))
}

func TestStartThenTextUsesEmptyHistory(t *testing.T) {
	r, _, _ := newTestRouter(&countingProvider{})

	r.HandleStart("1", "Ada")
	reply := r.HandleText(context.Background(), "1", "hello")
	assert.Equal(t, "turns=1 last=hello", reply)
}

func TestTextAccumulatesContext(t *testing.T) {
	r, _, _ := newTestRouter(&countingProvider{})

	assert.Equal(t, "turns=1 last=one", r.HandleText(context.Background(), "1", "one"))
	assert.Equal(t, "turns=2 last=two", r.HandleText(context.Background(), "1", "two"))

	// other users are isolated
	assert.Equal(t, "turns=1 last=solo", r.HandleText(context.Background(), "2", "solo"))
}

func TestResetClearsContext(t *testing.T) {
	r, _, _ := newTestRouter(&countingProvider{})

	r.HandleText(context.Background(), "1", "one")
	assert.Equal(t, ResetMessage, r.HandleReset("1"))
	assert.Equal(t, "turns=1 last=two", r.HandleText(context.Background(), "1", "two"))
}

func TestGenerationFailureApologises(t *testing.T) {
	p := &countingProvider{failFor: map[string]bool{"explode": true}}
	r, registry, _ := newTestRouter(p)

	assert.Equal(t, "turns=1 last=fine", r.HandleText(context.Background(), "1", "fine"))
	assert.Equal(t, ApologyMessage, r.HandleText(context.Background(), "1", "explode"))

	// session survives the failure with its history intact
	s, ok := registry.Get("1")
	require.True(t, ok)
	assert.Equal(t, 1, s.Conversation.Turns())

	assert.Equal(t, "turns=2 last=next", r.HandleText(context.Background(), "1", "next"))
	assert.Equal(t, "turns=1 last=other", r.HandleText(context.Background(), "2", "other"))
}

func TestHandleDispatchesByKind(t *testing.T) {
	r, _, _ := newTestRouter(&countingProvider{})
	ctx := context.Background()

	assert.Contains(t, r.Handle(ctx, bus.InboundMessage{Kind: bus.EventStart, SenderID: "1", DisplayName: "Ada"}), "Hi Ada")
	assert.Equal(t, ResetMessage, r.Handle(ctx, bus.InboundMessage{Kind: bus.EventReset, SenderID: "1"}))
	assert.Equal(t, HelpMessage, r.Handle(ctx, bus.InboundMessage{Kind: bus.EventHelp, SenderID: "1"}))
	assert.Equal(t, "turns=1 last=hi", r.Handle(ctx, bus.InboundMessage{Kind: bus.EventText, SenderID: "1", Content: "hi"}))
	assert.Empty(t, r.Handle(ctx, bus.InboundMessage{Kind: "sticker", SenderID: "1"}))
}

func TestRunRepliesOverBus(t *testing.T) {
	p := &countingProvider{failFor: map[string]bool{"explode": true}}
	r, _, mb := newTestRouter(p)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	mb.PublishInbound(bus.InboundMessage{Channel: "telegram", Kind: bus.EventText, SenderID: "1", ChatID: "100", Content: "explode"})
	out, ok := mb.SubscribeOutbound(ctx)
	require.True(t, ok)
	assert.Equal(t, "100", out.ChatID)
	assert.Equal(t, "telegram", out.Channel)
	assert.Equal(t, ApologyMessage, out.Content)

	mb.PublishInbound(bus.InboundMessage{Channel: "telegram", Kind: bus.EventText, SenderID: "2", ChatID: "200", Content: "hello"})
	out, ok = mb.SubscribeOutbound(ctx)
	require.True(t, ok)
	assert.Equal(t, "200", out.ChatID)
	assert.Equal(t, "turns=1 last=hello", out.Content)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("router did not stop after cancel")
	}
}

func TestRunSweepsIdleSessions(t *testing.T) {
	g := providers.NewGenerator(&countingProvider{}, providers.ConversationConfig{})
	registry := session.NewRegistry(g.NewConversation)
	mb := bus.NewMessageBus()
	r := NewRouter(mb, registry, Options{IdleTTL: time.Nanosecond, SweepInterval: 5 * time.Millisecond})

	registry.GetOrCreate("1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	assert.Eventually(t, func() bool { return registry.Len() == 0 }, time.Second, 5*time.Millisecond)
}

// gatedProvider holds any request whose latest text is "slow" until release
// is closed.
type gatedProvider struct {
	countingProvider
	entered chan struct{}
	release chan struct{}
}

func (p *gatedProvider) Chat(ctx context.Context, messages []providers.Message, model string, options map[string]interface{}) (*providers.LLMResponse, error) {
	if messages[len(messages)-1].Content == "slow" {
		close(p.entered)
		<-p.release
	}
	return p.countingProvider.Chat(ctx, messages, model, options)
}

func TestRunKeepsPerUserOrder(t *testing.T) {
	p := &gatedProvider{entered: make(chan struct{}), release: make(chan struct{})}
	r, registry, mb := newTestRouter(p)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	mb.PublishInbound(bus.InboundMessage{Kind: bus.EventText, SenderID: "1", ChatID: "100", Content: "slow"})
	<-p.entered
	before, ok := registry.Get("1")
	require.True(t, ok)

	mb.PublishInbound(bus.InboundMessage{Kind: bus.EventReset, SenderID: "1", ChatID: "100"})
	mb.PublishInbound(bus.InboundMessage{Kind: bus.EventText, SenderID: "1", ChatID: "100", Content: "after reset"})

	// Other users are not held up by user 1.
	mb.PublishInbound(bus.InboundMessage{Kind: bus.EventText, SenderID: "2", ChatID: "200", Content: "hello"})
	out, ok := mb.SubscribeOutbound(ctx)
	require.True(t, ok)
	assert.Equal(t, "200", out.ChatID)

	current, _ := registry.Get("1")
	assert.Same(t, before, current, "reset ran before the pending message finished")

	close(p.release)

	var replies []string
	for i := 0; i < 3; i++ {
		out, ok := mb.SubscribeOutbound(ctx)
		require.True(t, ok)
		assert.Equal(t, "100", out.ChatID)
		replies = append(replies, out.Content)
	}
	assert.Equal(t, []string{"turns=1 last=slow", ResetMessage, "turns=1 last=after reset"}, replies)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("router did not stop after cancel")
	}
}
