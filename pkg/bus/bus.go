package bus

import (
	"context"
	"sync"
)

const defaultBufferSize = 100

// MessageBus carries events between channels and the router. Publishers
// block while a queue is full; Close releases them and drops the message.
type MessageBus struct {
	inbound   chan InboundMessage
	outbound  chan OutboundMessage
	done      chan struct{}
	closeOnce sync.Once
}

func NewMessageBus() *MessageBus {
	return NewMessageBusWithBuffer(defaultBufferSize)
}

func NewMessageBusWithBuffer(size int) *MessageBus {
	return &MessageBus{
		inbound:  make(chan InboundMessage, size),
		outbound: make(chan OutboundMessage, size),
		done:     make(chan struct{}),
	}
}

func (mb *MessageBus) PublishInbound(msg InboundMessage) {
	if mb.isClosed() {
		return
	}
	select {
	case mb.inbound <- msg:
	case <-mb.done:
	}
}

func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	if mb.isClosed() {
		return InboundMessage{}, false
	}
	select {
	case msg := <-mb.inbound:
		return msg, true
	case <-mb.done:
		return InboundMessage{}, false
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

func (mb *MessageBus) PublishOutbound(msg OutboundMessage) {
	if mb.isClosed() {
		return
	}
	select {
	case mb.outbound <- msg:
	case <-mb.done:
	}
}

func (mb *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	if mb.isClosed() {
		return OutboundMessage{}, false
	}
	select {
	case msg := <-mb.outbound:
		return msg, true
	case <-mb.done:
		return OutboundMessage{}, false
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

func (mb *MessageBus) Close() {
	mb.closeOnce.Do(func() {
		close(mb.done)
	})
}

func (mb *MessageBus) isClosed() bool {
	select {
	case <-mb.done:
		return true
	default:
		return false
	}
}
