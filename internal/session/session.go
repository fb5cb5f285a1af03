package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/omochice/roomchat/internal/chat"
	"github.com/omochice/roomchat/internal/client"
	"github.com/omochice/roomchat/internal/presence"
	"github.com/omochice/roomchat/internal/stream"
	"github.com/omochice/roomchat/pkg/protocol"
)

// ErrEmptyMessage is returned by Send for blank content.
var ErrEmptyMessage = errors.New("message is empty")

// Session is the handle for one logged-in user.
type Session struct {
	username string
	manager  *client.Manager
	tracker  *presence.Tracker
	stream   *stream.Stream
	states   *chat.Hub[client.StateChange]
	log      *slog.Logger

	mu   sync.Mutex
	subs []*chat.Subscription
}

func (s *Session) track(sub *chat.Subscription) *chat.Subscription {
	if sub == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, sub)
	return sub
}

// onState runs on the manager's event loop.
func (s *Session) onState(change client.StateChange) {
	if change.To == client.Connected {
		s.tracker.AddSelf()
	}
	s.states.Publish(change)
}

// onMessage runs on the manager's event loop.
func (s *Session) onMessage(msg protocol.ChatMessage) {
	s.stream.Append(msg)
	if err := s.tracker.Apply(msg); err != nil {
		s.log.Warn("ignoring presence update", "sender", msg.Sender, "error", err)
	}
}

// Username returns the session user.
func (s *Session) Username() string {
	return s.username
}

// State returns the connection state.
func (s *Session) State() client.ConnectionState {
	return s.manager.State()
}

// Timeline returns history followed by live messages.
func (s *Session) Timeline() []protocol.ChatMessage {
	return s.stream.Snapshot()
}

// Entries returns the timeline with entry ids.
func (s *Session) Entries() []stream.Entry {
	return s.stream.Entries()
}

// Presence returns the online users, sorted.
func (s *Session) Presence() []string {
	return s.tracker.Snapshot()
}

// Send trims content and publishes it as the session user.
func (s *Session) Send(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyMessage
	}
	return s.manager.Send(ctx, protocol.NewChatMessage(s.username, content))
}

// OnMessage registers fn for live timeline entries.
func (s *Session) OnMessage(fn func(stream.Entry)) *chat.Subscription {
	return s.track(s.stream.Subscribe(fn))
}

// OnPresence registers fn for presence changes.
func (s *Session) OnPresence(fn func([]string)) *chat.Subscription {
	return s.track(s.tracker.OnChange(fn))
}

// OnState registers fn for connection state changes.
func (s *Session) OnState(fn func(client.StateChange)) *chat.Subscription {
	return s.track(s.states.Register(fn))
}

func (s *Session) stop(ctx context.Context) error {
	err := s.manager.Disconnect(ctx)
	s.tracker.Clear()
	s.stream.Clear()

	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	s.states.Reset()

	if closeErr := s.manager.Close(); err == nil {
		err = closeErr
	}
	s.log.Info("session stopped")
	return err
}
