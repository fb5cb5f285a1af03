package client

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/omochice/roomchat/internal/chat"
	"github.com/omochice/roomchat/pkg/protocol"
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultCloseTimeout = 5 * time.Second
)

// Manager owns one real-time connection for one username.
// Every state mutation, frame dispatch and timer firing runs on a single
// event-loop goroutine. Listeners are invoked on that goroutine and must not
// call back into the Manager synchronously.
type Manager struct {
	dialer      chat.Dialer
	clock       Clock
	logger      *slog.Logger
	dialTimeout time.Duration
	retry       *retrier

	ops       chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	messages *chat.Hub[protocol.ChatMessage]
	states   *chat.Hub[StateChange]

	stateMu sync.RWMutex
	current ConnectionState

	// Owned by the event loop.
	state      ConnectionState
	username   string
	gen        uint64
	conn       chat.Conn
	cancelDial context.CancelFunc
	timer      Timer
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the clock used for reconnect timers.
func WithClock(c Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithPolicy sets the reconnect policy.
func WithPolicy(p ReconnectPolicy) Option {
	return func(m *Manager) {
		m.retry = newRetrier(p)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithDialTimeout bounds each dial and subscribe attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.dialTimeout = d
	}
}

// NewManager creates a Manager in the Idle state and starts its event loop.
func NewManager(dialer chat.Dialer, opts ...Option) *Manager {
	m := &Manager{
		dialer:      dialer,
		clock:       realClock{},
		logger:      slog.Default(),
		dialTimeout: defaultDialTimeout,
		retry:       newRetrier(DefaultReconnectPolicy()),
		ops:         make(chan func()),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		messages:    chat.NewHub[protocol.ChatMessage](),
		states:      chat.NewHub[StateChange](),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.run()
	return m
}

func (m *Manager) run() {
	defer close(m.done)
	for {
		select {
		case op := <-m.ops:
			op()
		case <-m.quit:
			return
		}
	}
}

// post queues op on the event loop. It reports false once the manager is closed.
func (m *Manager) post(op func()) bool {
	select {
	case m.ops <- op:
		return true
	case <-m.quit:
		return false
	}
}

// call runs op on the event loop and waits for it to finish.
func (m *Manager) call(op func()) error {
	finished := make(chan struct{})
	if !m.post(func() {
		defer close(finished)
		op()
	}) {
		return ErrManagerClosed
	}
	select {
	case <-finished:
		return nil
	case <-m.quit:
		return ErrManagerClosed
	}
}

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.current
}

// OnStateChange registers fn for every state transition.
func (m *Manager) OnStateChange(fn func(StateChange)) *chat.Subscription {
	return m.states.Register(fn)
}

// Connect opens the connection for username and registers onMessage for inbound messages.
// While a connection is already starting or established for the same username
// it only registers the listener.
func (m *Manager) Connect(username string, onMessage func(protocol.ChatMessage)) (*chat.Subscription, error) {
	if strings.TrimSpace(username) == "" {
		return nil, ErrInvalidUsername
	}

	var sub *chat.Subscription
	var err error
	if callErr := m.call(func() {
		if m.active() {
			if username != m.username {
				err = fmt.Errorf("%w: %s", ErrUsernameMismatch, m.username)
				return
			}
			sub = m.register(onMessage)
			return
		}

		m.username = username
		m.retry.reset()
		sub = m.register(onMessage)
		m.transition(Connecting, nil)
		m.dial()
	}); callErr != nil {
		return nil, callErr
	}
	return sub, err
}

func (m *Manager) register(fn func(protocol.ChatMessage)) *chat.Subscription {
	if fn == nil {
		return nil
	}
	return m.messages.Register(fn)
}

// active reports whether a connection is live or about to be retried.
func (m *Manager) active() bool {
	switch m.state {
	case Connecting, Connected:
		return true
	case Failed:
		return m.timer != nil
	default:
		return false
	}
}

func (m *Manager) transition(to ConnectionState, err error) {
	from := m.state
	if from == to && err == nil {
		return
	}
	m.state = to
	m.logger.Debug("connection state changed", "from", from, "to", to)
	m.states.Publish(StateChange{From: from, To: to, Err: err})

	// State observers see a transition only after its listeners have run.
	m.stateMu.Lock()
	m.current = to
	m.stateMu.Unlock()
}

func (m *Manager) dial() {
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithTimeout(context.Background(), m.dialTimeout)
	m.cancelDial = cancel

	go func() {
		defer cancel()
		conn, err := m.dialer.Dial(ctx)
		if !m.post(func() { m.opened(gen, conn, err) }) && conn != nil {
			m.discard(conn)
		}
	}()
}

func (m *Manager) opened(gen uint64, conn chat.Conn, err error) {
	if gen != m.gen {
		if conn != nil {
			go m.discard(conn)
		}
		return
	}
	m.cancelDial = nil

	if err != nil {
		m.logger.Warn("transport open failed", "username", m.username, "error", err)
		m.transition(Failed, err)
		m.scheduleRetry()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.dialTimeout)
	defer cancel()
	if err := conn.Subscribe(ctx, protocol.TopicPublic); err != nil {
		go m.discard(conn)
		m.logger.Warn("transport open failed", "username", m.username, "error", err)
		m.transition(Failed, fmt.Errorf("failed to subscribe: %w", err))
		m.scheduleRetry()
		return
	}

	m.conn = conn
	m.retry.reset()
	m.transition(Connected, nil)
	m.logger.Info("connected", "username", m.username)

	join, err := protocol.NewChatMessage(m.username, protocol.ContentJoined).Encode()
	if err == nil {
		err = conn.Publish(ctx, protocol.DestinationAddUser, join)
	}
	if err != nil {
		m.logger.Warn("failed to announce presence", "username", m.username, "error", err)
	}

	go m.pump(gen, conn)
}

// pump forwards frames from conn to the event loop until conn ends.
func (m *Manager) pump(gen uint64, conn chat.Conn) {
	for f := range conn.Frames() {
		if !m.post(func() { m.frame(gen, f) }) {
			return
		}
	}
	m.post(func() { m.closed(gen, conn.Err()) })
}

func (m *Manager) frame(gen uint64, f chat.Frame) {
	if gen != m.gen {
		return
	}
	if f.Destination != "" && f.Destination != protocol.TopicPublic {
		m.logger.Debug("ignoring frame", "destination", f.Destination)
		return
	}

	var msg protocol.ChatMessage
	if err := msg.Decode(f.Body); err != nil {
		m.logger.Warn("dropping malformed frame", "destination", f.Destination, "error", err)
		return
	}
	m.messages.Publish(msg)
}

func (m *Manager) closed(gen uint64, err error) {
	if gen != m.gen {
		return
	}
	m.conn = nil
	m.logger.Warn("connection lost", "username", m.username, "error", err)
	m.transition(Connecting, err)
	m.scheduleRetry()
}

func (m *Manager) scheduleRetry() {
	delay, ok := m.retry.next()
	if !ok {
		m.logger.Error("giving up reconnecting", "username", m.username, "attempts", m.retry.attempts)
		m.transition(Failed, ErrRetriesExhausted)
		return
	}

	gen := m.gen
	m.logger.Info("reconnecting", "username", m.username, "delay", delay, "attempt", m.retry.attempts)
	m.timer = m.clock.AfterFunc(delay, func() {
		m.post(func() { m.retryFired(gen) })
	})
}

func (m *Manager) retryFired(gen uint64) {
	if gen != m.gen || m.timer == nil {
		return
	}
	m.timer = nil
	m.transition(Connecting, nil)
	m.dial()
}

// Send publishes msg to the room. It returns ErrNotConnected unless the state is Connected.
func (m *Manager) Send(ctx context.Context, msg protocol.ChatMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	var conn chat.Conn
	if err := m.call(func() {
		if m.state == Connected {
			conn = m.conn
		}
	}); err != nil {
		m.logger.Warn("send while disconnected", "sender", msg.Sender, "state", m.State())
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	if conn == nil {
		m.logger.Warn("send while disconnected", "sender", msg.Sender, "state", m.State())
		return ErrNotConnected
	}

	body, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := conn.Publish(ctx, protocol.DestinationSendMessage, body); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Disconnect closes the connection and cancels any pending reconnect.
// It is a no-op when nothing is connected.
func (m *Manager) Disconnect(ctx context.Context) error {
	var conn chat.Conn
	if err := m.call(func() {
		conn = m.teardown()
	}); err != nil {
		return nil
	}
	if conn == nil {
		return nil
	}

	closeErr := conn.Close(ctx)
	if closeErr != nil {
		m.logger.Warn("transport close failed", "error", closeErr)
	}
	_ = m.call(func() {
		if m.state == Disconnecting {
			m.transition(Closed, nil)
		}
	})
	if closeErr != nil {
		return fmt.Errorf("failed to close transport: %w", closeErr)
	}
	return nil
}

// teardown cancels pending work and detaches the live connection, if any.
func (m *Manager) teardown() chat.Conn {
	switch m.state {
	case Idle, Closed, Disconnecting:
		return nil
	}

	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	m.gen++
	m.retry.reset()

	conn := m.conn
	m.conn = nil
	m.logger.Info("disconnecting", "username", m.username)
	m.username = ""
	if conn == nil {
		m.transition(Closed, nil)
		return nil
	}
	m.transition(Disconnecting, nil)
	return conn
}

func (m *Manager) discard(conn chat.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultCloseTimeout)
	defer cancel()
	if err := conn.Close(ctx); err != nil {
		m.logger.Debug("failed to close stale transport", "error", err)
	}
}

// Close disconnects and stops the event loop. The Manager cannot be reused.
func (m *Manager) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultCloseTimeout)
	defer cancel()
	err := m.Disconnect(ctx)

	m.closeOnce.Do(func() {
		close(m.quit)
	})
	<-m.done
	m.messages.Reset()
	m.states.Reset()
	return err
}
