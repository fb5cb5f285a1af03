package server

import (
	"slices"
	"sync"

	"github.com/omochice/roomchat/pkg/protocol"
)

// History is the in-memory message log, oldest first.
type History struct {
	mu       sync.RWMutex
	messages []protocol.ChatMessage
}

// NewHistory returns a History seeded with msgs.
func NewHistory(msgs ...protocol.ChatMessage) *History {
	return &History{messages: slices.Clone(msgs)}
}

// Append stores msg as the newest entry.
func (h *History) Append(msg protocol.ChatMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
}

// All returns a copy of every stored message.
func (h *History) All() []protocol.ChatMessage {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]protocol.ChatMessage, len(h.messages))
	copy(out, h.messages)
	return out
}

// Len returns the number of stored messages.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.messages)
}
