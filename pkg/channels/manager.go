package channels

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/zhaopengme/chatrelay/pkg/bus"
	"github.com/zhaopengme/chatrelay/pkg/logger"
)

// Manager owns the running transports and delivers outbound replies to them.
type Manager struct {
	channels map[string]Channel
	bus      bus.Subscriber
	mu       sync.RWMutex
}

func NewManager(b bus.Subscriber) *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		bus:      b,
	}
}

func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

func (m *Manager) GetEnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) StartAll(ctx context.Context) error {
	for _, name := range m.GetEnabledChannels() {
		ch, _ := m.GetChannel(name)
		logger.InfoCF("channels", "Starting channel", map[string]interface{}{
			"channel": name,
		})
		if err := ch.Start(ctx); err != nil {
			return fmt.Errorf("starting channel %s: %w", name, err)
		}
	}
	return nil
}

func (m *Manager) StopAll(ctx context.Context) {
	for _, name := range m.GetEnabledChannels() {
		ch, _ := m.GetChannel(name)
		if err := ch.Stop(ctx); err != nil {
			logger.ErrorCF("channels", "Failed to stop channel", map[string]interface{}{
				"channel": name,
				"error":   err.Error(),
			})
		}
	}
}

// DispatchOutbound delivers outbound messages until ctx is cancelled or the
// bus closes. A failed send is logged and does not stop delivery.
func (m *Manager) DispatchOutbound(ctx context.Context) error {
	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			return nil
		}

		ch, ok := m.GetChannel(msg.Channel)
		if !ok {
			logger.WarnCF("channels", "No channel for outbound message", map[string]interface{}{
				"channel": msg.Channel,
				"chat_id": msg.ChatID,
			})
			continue
		}

		if err := ch.Send(ctx, msg); err != nil {
			logger.ErrorCF("channels", "Failed to deliver message", map[string]interface{}{
				"channel": msg.Channel,
				"chat_id": msg.ChatID,
				"error":   err.Error(),
			})
		}
	}
}
