package channels

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaopengme/chatrelay/pkg/bus"
)

type fakeChannel struct {
	*BaseChannel
	mu      sync.Mutex
	sent    []bus.OutboundMessage
	failOn  string
	started bool
	stopped bool
}

func newFakeChannel(name string) *fakeChannel {
	return &fakeChannel{BaseChannel: NewBaseChannel(name, bus.NewMessageBus(), nil)}
}

func (f *fakeChannel) Start(ctx context.Context) error {
	f.started = true
	f.setRunning(true)
	return nil
}

func (f *fakeChannel) Stop(ctx context.Context) error {
	f.stopped = true
	f.setRunning(false)
	return nil
}

func (f *fakeChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg.Content == f.failOn {
		return errors.New("send failed")
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeChannel) sentContents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, m := range f.sent {
		out = append(out, m.Content)
	}
	return out
}

func TestManagerStartStop(t *testing.T) {
	m := NewManager(bus.NewMessageBus())
	ch := newFakeChannel("telegram")
	m.Register(ch)

	assert.Equal(t, []string{"telegram"}, m.GetEnabledChannels())
	require.NoError(t, m.StartAll(context.Background()))
	assert.True(t, ch.started)
	assert.True(t, ch.IsRunning())

	m.StopAll(context.Background())
	assert.True(t, ch.stopped)
	assert.False(t, ch.IsRunning())
}

func TestDispatchOutboundContinuesAfterFailure(t *testing.T) {
	mb := bus.NewMessageBus()
	m := NewManager(mb)
	ch := newFakeChannel("telegram")
	ch.failOn = "bad"
	m.Register(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.DispatchOutbound(ctx) }()

	mb.PublishOutbound(bus.OutboundMessage{Channel: "telegram", ChatID: "1", Content: "bad"})
	mb.PublishOutbound(bus.OutboundMessage{Channel: "unknown", ChatID: "1", Content: "lost"})
	mb.PublishOutbound(bus.OutboundMessage{Channel: "telegram", ChatID: "1", Content: "good"})

	assert.Eventually(t, func() bool {
		return len(ch.sentContents()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"good"}, ch.sentContents())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
