package chat

import (
	"sync"
)

// Hub is a registry of listeners that receive every published value.
// Listeners run synchronously on the publishing goroutine, in registration order.
type Hub[T any] struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners []listener[T]
}

type listener[T any] struct {
	id uint64
	fn func(T)
}

// Subscription is the handle returned by Register.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Unsubscribe removes the listener. Calling it more than once is safe.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

// NewHub creates a new Hub.
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{}
}

// Register adds a listener to the hub.
func (h *Hub[T]) Register(fn func(T)) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.listeners = append(h.listeners, listener[T]{id: id, fn: fn})
	return &Subscription{cancel: func() { h.unregister(id) }}
}

func (h *Hub[T]) unregister(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, l := range h.listeners {
		if l.id == id {
			h.listeners = append(h.listeners[:i:i], h.listeners[i+1:]...)
			return
		}
	}
}

// Publish delivers v to every registered listener.
func (h *Hub[T]) Publish(v T) {
	h.mu.RLock()
	snapshot := make([]listener[T], len(h.listeners))
	copy(snapshot, h.listeners)
	h.mu.RUnlock()

	for _, l := range snapshot {
		l.fn(v)
	}
}

// ListenerCount returns number of registered listeners.
func (h *Hub[T]) ListenerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}

// Reset drops every listener.
func (h *Hub[T]) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = nil
}
