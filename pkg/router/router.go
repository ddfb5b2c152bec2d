// ChatRelay - Telegram to generative-language relay
// License: MIT
//
// Copyright (c) 2026 ChatRelay contributors

package router

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zhaopengme/chatrelay/pkg/bus"
	"github.com/zhaopengme/chatrelay/pkg/logger"
	"github.com/zhaopengme/chatrelay/pkg/providers"
	"github.com/zhaopengme/chatrelay/pkg/session"
	"github.com/zhaopengme/chatrelay/pkg/utils"
)

const (
	ApologyMessage = "Sorry, I encountered an error processing your message."
	ResetMessage   = "Started a new conversation. Previous context has been cleared."
	HelpMessage    = `Just send me a message and I'll respond!

/newchat - Start a fresh conversation
/help - Show this help message`
)

type Options struct {
	// PoweredBy names the generation backend in the greeting.
	PoweredBy string
	// IdleTTL enables session expiry when positive.
	IdleTTL       time.Duration
	SweepInterval time.Duration
}

// Router turns inbound events into session operations and replies.
type Router struct {
	bus      bus.Broker
	sessions *session.Registry
	opts     Options
	wg       sync.WaitGroup

	qmu    sync.Mutex
	queues map[string][]bus.InboundMessage
}

func NewRouter(b bus.Broker, sessions *session.Registry, opts Options) *Router {
	if opts.PoweredBy == "" {
		opts.PoweredBy = "Google Gemini"
	}
	return &Router{
		bus:      b,
		sessions: sessions,
		opts:     opts,
		queues:   make(map[string][]bus.InboundMessage),
	}
}

// Run consumes inbound events until ctx is cancelled or the bus closes.
// Users are served concurrently, but one user's events are handled in
// arrival order. Run waits for in-flight handlers before returning.
func (r *Router) Run(ctx context.Context) error {
	defer r.wg.Wait()

	if r.opts.IdleTTL > 0 && r.opts.SweepInterval > 0 {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.sweepLoop(ctx)
		}()
	}

	for {
		msg, ok := r.bus.ConsumeInbound(ctx)
		if !ok {
			return nil
		}

		r.enqueue(ctx, msg)
	}
}

// enqueue appends msg to its sender's queue, starting a worker for the
// sender when none is running.
func (r *Router) enqueue(ctx context.Context, msg bus.InboundMessage) {
	r.qmu.Lock()
	pending, running := r.queues[msg.SenderID]
	r.queues[msg.SenderID] = append(pending, msg)
	r.qmu.Unlock()

	if running {
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.drain(ctx, msg.SenderID)
	}()
}

func (r *Router) drain(ctx context.Context, userID string) {
	for {
		r.qmu.Lock()
		pending := r.queues[userID]
		if len(pending) == 0 {
			delete(r.queues, userID)
			r.qmu.Unlock()
			return
		}
		msg := pending[0]
		r.queues[userID] = pending[1:]
		r.qmu.Unlock()

		r.dispatch(ctx, msg)
	}
}

func (r *Router) dispatch(ctx context.Context, msg bus.InboundMessage) {
	response := r.Handle(ctx, msg)
	if response == "" {
		return
	}
	if ctx.Err() != nil {
		logger.DebugCF("router", "Dropping reply after shutdown", map[string]interface{}{
			"user_id": msg.SenderID,
		})
		return
	}

	r.bus.PublishOutbound(bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: response,
	})
}

// Handle processes a single inbound event and returns the reply text.
// Unknown event kinds produce no reply.
func (r *Router) Handle(ctx context.Context, msg bus.InboundMessage) string {
	switch msg.Kind {
	case bus.EventStart:
		return r.HandleStart(msg.SenderID, msg.DisplayName)
	case bus.EventReset:
		return r.HandleReset(msg.SenderID)
	case bus.EventHelp:
		return HelpMessage
	case bus.EventText:
		return r.HandleText(ctx, msg.SenderID, msg.Content)
	default:
		logger.WarnCF("router", "Ignoring unknown event", map[string]interface{}{
			"kind":    string(msg.Kind),
			"user_id": msg.SenderID,
		})
		return ""
	}
}

func (r *Router) HandleStart(userID, displayName string) string {
	s := r.sessions.Reset(userID)
	logger.InfoCF("router", "Session started", map[string]interface{}{
		"user_id":    userID,
		"session_id": s.ID,
	})

	name := strings.TrimSpace(displayName)
	if name == "" {
		name = "there"
	}
	return fmt.Sprintf("Hi %s! I'm a chatbot powered by %s.\n\n"+
		"Just send me a message and I'll respond!\n\n"+
		"Use /newchat to start a fresh conversation.", name, r.opts.PoweredBy)
}

func (r *Router) HandleReset(userID string) string {
	s := r.sessions.Reset(userID)
	logger.InfoCF("router", "Session reset", map[string]interface{}{
		"user_id":    userID,
		"session_id": s.ID,
	})
	return ResetMessage
}

// HandleText forwards text through the user's session. Generation failures
// are logged and answered with ApologyMessage.
func (r *Router) HandleText(ctx context.Context, userID, text string) string {
	s := r.sessions.GetOrCreate(userID)

	logger.DebugCF("router", "Forwarding message", map[string]interface{}{
		"user_id":    userID,
		"session_id": s.ID,
		"preview":    utils.Truncate(text, 50),
	})

	start := time.Now()
	reply, err := s.Send(ctx, text)
	if err != nil {
		logger.ErrorCF("router", "Generation failed", map[string]interface{}{
			"user_id":    userID,
			"session_id": s.ID,
			"reason":     string(providers.ClassifyError(err)),
			"error":      err.Error(),
		})
		return ApologyMessage
	}

	logger.InfoCF("router", "Reply generated", map[string]interface{}{
		"user_id":     userID,
		"session_id":  s.ID,
		"turns":       s.Conversation.Turns(),
		"duration_ms": time.Since(start).Milliseconds(),
		"reply_chars": len(reply),
	})
	return reply
}

func (r *Router) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := r.sessions.Sweep(r.opts.IdleTTL); removed > 0 {
				logger.InfoCF("router", "Expired idle sessions", map[string]interface{}{
					"removed":   removed,
					"remaining": r.sessions.Len(),
				})
			}
		}
	}
}
