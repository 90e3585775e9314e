// Package hub keeps the registry of change-notification callbacks.
package hub

import (
	"sync"

	"go.uber.org/zap"
)

// Token identifies one registered callback.
type Token struct {
	id uint64
}

type subscriber struct {
	id uint64
	fn func()
}

// Hub invokes registered callbacks whenever the replica changes.
type Hub struct {
	mu     sync.Mutex
	subs   []subscriber
	nextID uint64
	logger *zap.Logger
}

// New creates an empty hub.
func New(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{logger: logger.Named("hub")}
}

// Subscribe registers fn and returns its token.
func (h *Hub) Subscribe(fn func()) Token {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	h.subs = append(h.subs, subscriber{id: h.nextID, fn: fn})
	return Token{id: h.nextID}
}

// Unsubscribe removes the callback registered under token. It reports
// whether a callback was removed; repeated calls are no-ops.
func (h *Hub) Unsubscribe(token Token) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, s := range h.subs {
		if s.id == token.id {
			h.subs = append(h.subs[:i:i], h.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of registered callbacks.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// NotifyAll synchronously invokes every callback registered at the time of
// the call, in registration order. A panicking callback is logged and does
// not prevent the others from running.
func (h *Hub) NotifyAll() {
	h.mu.Lock()
	subs := make([]subscriber, len(h.subs))
	copy(subs, h.subs)
	h.mu.Unlock()

	for _, s := range subs {
		h.invoke(s)
	}
}

func (h *Hub) invoke(s subscriber) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("subscriber panicked", zap.Uint64("subscriber", s.id), zap.Any("panic", r))
		}
	}()
	s.fn()
}
