// Package stream builds the local chat timeline from one history batch followed by live messages.
// It does not talk to the network.
package stream

import (
	"crypto/rand"
	"errors"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/omochice/roomchat/internal/chat"
	"github.com/omochice/roomchat/pkg/protocol"
)

// ErrAlreadySeeded is returned when history is delivered a second time.
var ErrAlreadySeeded = errors.New("timeline already seeded")

// Entry is one timeline position.
type Entry struct {
	ID      ulid.ULID
	Message protocol.ChatMessage
}

// Stream holds a simple local timeline.
type Stream struct {
	mu      sync.RWMutex
	seeded  bool
	entries []Entry

	live *chat.Hub[Entry]
}

// New creates an empty, unseeded Stream.
func New() *Stream {
	return &Stream{
		live: chat.NewHub[Entry](),
	}
}

// Seed places the history batch, oldest first, ahead of any live entries.
// History is delivered at most once.
func (s *Stream) Seed(history []protocol.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seeded {
		return ErrAlreadySeeded
	}
	s.seeded = true

	newID := ulid.Make
	if len(s.entries) > 0 {
		// Ids stay sorted in timeline order: history sorts before the first live entry.
		ms := s.entries[0].ID.Time() - 1
		entropy := ulid.Monotonic(rand.Reader, 0)
		newID = func() ulid.ULID { return ulid.MustNew(ms, entropy) }
	}

	seeded := make([]Entry, 0, len(history)+len(s.entries))
	for _, msg := range history {
		seeded = append(seeded, Entry{ID: newID(), Message: msg})
	}
	s.entries = append(seeded, s.entries...)
	return nil
}

// Append adds a live message and notifies subscribers.
func (s *Stream) Append(msg protocol.ChatMessage) Entry {
	entry := Entry{ID: ulid.Make(), Message: msg}

	s.mu.Lock()
	s.entries = append(s.entries, entry)
	s.mu.Unlock()

	s.live.Publish(entry)
	return entry
}

// Subscribe registers fn for live appends only. History is not replayed.
func (s *Stream) Subscribe(fn func(Entry)) *chat.Subscription {
	return s.live.Register(fn)
}

// Entries returns a copy of the timeline.
func (s *Stream) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Snapshot returns the timeline messages in order.
func (s *Stream) Snapshot() []protocol.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]protocol.ChatMessage, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Message
	}
	return out
}

// Len returns the number of timeline entries.
func (s *Stream) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Clear empties the timeline and drops subscribers.
func (s *Stream) Clear() {
	s.mu.Lock()
	s.entries = nil
	s.mu.Unlock()
	s.live.Reset()
}
