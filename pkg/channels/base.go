package channels

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/zhaopengme/chatrelay/pkg/bus"
)

type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
}

// BaseChannel carries the allowlist and bus plumbing shared by transports.
type BaseChannel struct {
	name      string
	bus       bus.Publisher
	allowList []string
	running   atomic.Bool
}

func NewBaseChannel(name string, b bus.Publisher, allowList []string) *BaseChannel {
	return &BaseChannel{
		name:      name,
		bus:       b,
		allowList: allowList,
	}
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) IsRunning() bool {
	return c.running.Load()
}

func (c *BaseChannel) setRunning(running bool) {
	c.running.Store(running)
}

// IsAllowed reports whether senderID may use the bot. senderID is either
// "id" or "id|username"; allowlist entries may name either part. An empty
// allowlist admits everyone.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}

	id, username, _ := strings.Cut(senderID, "|")
	for _, allowed := range c.allowList {
		allowed = strings.TrimPrefix(strings.TrimSpace(allowed), "@")
		if allowed == "" {
			continue
		}
		if allowed == senderID || allowed == id {
			return true
		}
		if username != "" && strings.EqualFold(allowed, username) {
			return true
		}
	}
	return false
}

// HandleMessage publishes an inbound event stamped with this channel's name.
func (c *BaseChannel) HandleMessage(msg bus.InboundMessage) {
	msg.Channel = c.name
	c.bus.PublishInbound(msg)
}
