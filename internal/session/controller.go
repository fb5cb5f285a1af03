//go:generate go run go.uber.org/mock/mockgen -source=controller.go -destination=../mocks/mock_history.go -package=mocks

// Package session ties the connection manager, presence tracker and timeline
// together for one logged-in user.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/omochice/roomchat/internal/chat"
	"github.com/omochice/roomchat/internal/client"
	"github.com/omochice/roomchat/internal/presence"
	"github.com/omochice/roomchat/internal/stream"
	"github.com/omochice/roomchat/pkg/protocol"
)

// ErrSessionAlreadyActive is returned by Start while another user's session is running.
var ErrSessionAlreadyActive = errors.New("session already active")

// HistoryFetcher loads the persisted message history, oldest first.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context) ([]protocol.ChatMessage, error)
}

// Controller owns at most one Session at a time. Start and Stop are serialized,
// so session listeners must not call back into the Controller.
type Controller struct {
	history     HistoryFetcher
	dialer      chat.Dialer
	managerOpts []client.Option
	log         *slog.Logger

	mu     sync.Mutex
	active *Session
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Controller) {
		c.log = log
	}
}

// WithManagerOptions passes options to every connection manager the controller creates.
func WithManagerOptions(opts ...client.Option) Option {
	return func(c *Controller) {
		c.managerOpts = append(c.managerOpts, opts...)
	}
}

// NewController creates a Controller that loads history from history and
// connects through dialer.
func NewController(history HistoryFetcher, dialer chat.Dialer, opts ...Option) *Controller {
	c := &Controller{
		history: history,
		dialer:  dialer,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start begins a session for username. Starting the same username again
// returns the running session.
func (c *Controller) Start(ctx context.Context, username string) (*Session, error) {
	if strings.TrimSpace(username) == "" {
		return nil, client.ErrInvalidUsername
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil {
		if c.active.username == username {
			return c.active, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrSessionAlreadyActive, c.active.username)
	}

	log := c.log.With("username", username)
	history, err := c.history.FetchHistory(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		log.Warn("history fetch failed", "error", err)
		history = nil
	}

	s := &Session{
		username: username,
		tracker:  presence.NewTracker(username),
		stream:   stream.New(),
		states:   chat.NewHub[client.StateChange](),
		log:      log,
	}
	if err := s.stream.Seed(history); err != nil {
		return nil, err
	}

	opts := append([]client.Option{client.WithLogger(log)}, c.managerOpts...)
	s.manager = client.NewManager(c.dialer, opts...)
	s.track(s.manager.OnStateChange(s.onState))

	sub, err := s.manager.Connect(username, s.onMessage)
	if err != nil {
		_ = s.manager.Close()
		return nil, err
	}
	s.track(sub)

	c.active = s
	log.Info("session started", "history", len(history))
	return s, nil
}

// Active returns the running session, or nil.
func (c *Controller) Active() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Stop ends the running session. It is a no-op when nothing is running.
// Start waits until the previous session is fully torn down.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.active
	if s == nil {
		return nil
	}
	c.active = nil
	return s.stop(ctx)
}
