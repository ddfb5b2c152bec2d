// ChatRelay - Telegram to generative-language relay
// License: MIT
//
// Copyright (c) 2026 ChatRelay contributors

package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zhaopengme/chatrelay/pkg/providers"
)

// ConversationFactory returns a conversation with no prior turns.
type ConversationFactory func() *providers.Conversation

// Session binds one user to one conversation.
type Session struct {
	ID           string
	UserID       string
	Conversation *providers.Conversation
	Created      time.Time

	now      func() time.Time
	lastUsed atomic.Int64 // unix nanos
	inFlight atomic.Int32
}

// Send forwards text through the session's conversation. A session is never
// considered idle while a send is in progress.
func (s *Session) Send(ctx context.Context, text string) (string, error) {
	s.inFlight.Add(1)
	s.touch(s.now())
	defer func() {
		s.touch(s.now())
		s.inFlight.Add(-1)
	}()

	return s.Conversation.Send(ctx, text)
}

func (s *Session) LastUsed() time.Time {
	return time.Unix(0, s.lastUsed.Load())
}

func (s *Session) touch(now time.Time) {
	s.lastUsed.Store(now.UnixNano())
}

func (s *Session) idle(now time.Time, ttl time.Duration) bool {
	return s.inFlight.Load() == 0 && now.Sub(s.LastUsed()) > ttl
}

// Registry maps user identifiers to their live session. GetOrCreate and
// Reset are atomic with respect to each other.
type Registry struct {
	sessions map[string]*Session
	mu       sync.Mutex
	newConv  ConversationFactory
	now      func() time.Time
}

func NewRegistry(factory ConversationFactory) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		newConv:  factory,
		now:      time.Now,
	}
}

// GetOrCreate returns the user's session, creating an empty one if absent.
func (r *Registry) GetOrCreate(userID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[userID]; ok {
		s.touch(r.now())
		return s
	}

	s := r.newSession(userID)
	r.sessions[userID] = s
	return s
}

// Reset replaces any existing session for the user with an empty one.
func (r *Registry) Reset(userID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.newSession(userID)
	r.sessions[userID] = s
	return s
}

func (r *Registry) Get(userID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[userID]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep drops sessions idle for longer than ttl and returns how many were
// removed. A non-positive ttl disables expiry.
func (r *Registry) Sweep(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for userID, s := range r.sessions {
		if s.idle(now, ttl) {
			delete(r.sessions, userID)
			removed++
		}
	}
	return removed
}

// must be called with r.mu held
func (r *Registry) newSession(userID string) *Session {
	now := r.now()
	s := &Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		Conversation: r.newConv(),
		Created:      now,
		now:          r.now,
	}
	s.touch(now)
	return s
}
