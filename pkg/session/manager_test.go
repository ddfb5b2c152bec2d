// ChatRelay - Telegram to generative-language relay
// License: MIT
//
// Copyright (c) 2026 ChatRelay contributors

package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaopengme/chatrelay/pkg/providers"
)

type echoProvider struct {
	release chan struct{}
}

func (p *echoProvider) Chat(ctx context.Context, messages []providers.Message, _ string, _ map[string]interface{}) (*providers.LLMResponse, error) {
	if p.release != nil {
		<-p.release
	}
	return &providers.LLMResponse{Content: fmt.Sprintf("seen %d", len(messages))}, nil
}

func (p *echoProvider) GetDefaultModel() string { return "echo" }

func newTestRegistry(p providers.LLMProvider) *Registry {
	g := providers.NewGenerator(p, providers.ConversationConfig{})
	return NewRegistry(g.NewConversation)
}

func TestGetOrCreateReturnsSameSession(t *testing.T) {
	r := newTestRegistry(&echoProvider{})

	first := r.GetOrCreate("42")
	require.NotNil(t, first)
	assert.Equal(t, "42", first.UserID)
	assert.NotEmpty(t, first.ID)
	assert.Empty(t, first.Conversation.History())

	second := r.GetOrCreate("42")
	assert.Same(t, first, second)
	assert.Equal(t, 1, r.Len())

	other := r.GetOrCreate("43")
	assert.NotSame(t, first, other)
	assert.Equal(t, 2, r.Len())
}

func TestResetReplacesSession(t *testing.T) {
	r := newTestRegistry(&echoProvider{})

	old := r.GetOrCreate("42")
	_, err := old.Send(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, 1, old.Conversation.Turns())

	fresh := r.Reset("42")
	assert.NotSame(t, old, fresh)
	assert.NotEqual(t, old.ID, fresh.ID)
	assert.Empty(t, fresh.Conversation.History())
	assert.NotSame(t, old.Conversation, fresh.Conversation)

	got, ok := r.Get("42")
	require.True(t, ok)
	assert.Same(t, fresh, got)
	assert.Same(t, fresh, r.GetOrCreate("42"))
}

func TestResetUnknownUserCreates(t *testing.T) {
	r := newTestRegistry(&echoProvider{})

	_, ok := r.Get("7")
	assert.False(t, ok)

	s := r.Reset("7")
	require.NotNil(t, s)
	assert.Equal(t, 1, r.Len())
}

func TestGetOrCreateConcurrent(t *testing.T) {
	r := newTestRegistry(&echoProvider{})

	const goroutines = 64
	results := make([]*Session, goroutines)
	start := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i] = r.GetOrCreate("same-user")
		}(i)
	}
	close(start)
	wg.Wait()

	stored, ok := r.Get("same-user")
	require.True(t, ok)
	for i, s := range results {
		assert.Same(t, stored, s, "goroutine %d got a different session", i)
	}
	assert.Equal(t, 1, r.Len())
}

func TestSweepDropsIdleSessions(t *testing.T) {
	r := newTestRegistry(&echoProvider{})
	clock := time.Unix(1_700_000_000, 0)
	r.now = func() time.Time { return clock }

	r.GetOrCreate("idle")
	clock = clock.Add(30 * time.Minute)
	r.GetOrCreate("active")
	clock = clock.Add(31 * time.Minute)

	assert.Zero(t, r.Sweep(0))
	assert.Equal(t, 1, r.Sweep(time.Hour))

	_, ok := r.Get("idle")
	assert.False(t, ok)
	_, ok = r.Get("active")
	assert.True(t, ok)
}

func TestSweepKeepsBusySession(t *testing.T) {
	p := &echoProvider{release: make(chan struct{})}
	r := newTestRegistry(p)
	clock := time.Unix(1_700_000_000, 0)
	var clockMu sync.Mutex
	r.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return clock
	}

	s := r.GetOrCreate("busy")
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Send(context.Background(), "slow question")
	}()

	require.Eventually(t, func() bool { return s.inFlight.Load() == 1 }, time.Second, time.Millisecond)

	clockMu.Lock()
	clock = clock.Add(2 * time.Hour)
	clockMu.Unlock()

	assert.Zero(t, r.Sweep(time.Hour))

	close(p.release)
	<-done
	_, ok := r.Get("busy")
	assert.True(t, ok)
}
