package client_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/omochice/roomchat/internal/chattest"
	"github.com/omochice/roomchat/internal/client"
	"github.com/omochice/roomchat/internal/mocks"
	"github.com/omochice/roomchat/pkg/protocol"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type harness struct {
	manager *client.Manager
	dialer  *chattest.Dialer
	clock   *chattest.Clock
	states  *stateRecorder
	logs    *syncBuffer
}

func newHarness(t *testing.T, opts ...client.Option) *harness {
	t.Helper()
	h := &harness{
		dialer: &chattest.Dialer{},
		clock:  &chattest.Clock{},
		states: &stateRecorder{},
		logs:   &syncBuffer{},
	}
	logger := slog.New(slog.NewTextHandler(h.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	opts = append([]client.Option{client.WithClock(h.clock), client.WithLogger(logger)}, opts...)
	h.manager = client.NewManager(h.dialer, opts...)
	h.manager.OnStateChange(h.states.record)
	t.Cleanup(func() { _ = h.manager.Close() })
	return h
}

func (h *harness) waitState(t *testing.T, want client.ConnectionState) {
	t.Helper()
	require.Eventually(t, func() bool { return h.manager.State() == want }, waitFor, tick,
		"state is %s, want %s", h.manager.State(), want)
}

// inbox collects delivered messages.
type inbox struct {
	mu   sync.Mutex
	msgs []protocol.ChatMessage
}

func (i *inbox) add(m protocol.ChatMessage) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.msgs = append(i.msgs, m)
}

func (i *inbox) list() []protocol.ChatMessage {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]protocol.ChatMessage(nil), i.msgs...)
}

func TestManager_InitialState(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, client.Idle, h.manager.State())
}

func TestManager_ConnectSubscribesAndAnnounces(t *testing.T) {
	h := newHarness(t)

	_, err := h.manager.Connect("alice", nil)
	require.NoError(t, err)
	h.waitState(t, client.Connected)

	conn := h.dialer.Conn(0)
	require.NotNil(t, conn)
	assert.Equal(t, []string{protocol.TopicPublic}, conn.Subscriptions())

	require.Eventually(t, func() bool { return len(conn.Sent()) == 1 }, waitFor, tick)
	sent := conn.Sent()
	assert.Equal(t, protocol.DestinationAddUser, sent[0].Destination)
	assert.JSONEq(t, `{"sender":"alice","content":"joined!"}`, string(sent[0].Body))

	assert.Equal(t, []client.ConnectionState{client.Connecting, client.Connected}, h.states.path())
}

func TestManager_ConnectIsIdempotent(t *testing.T) {
	h := newHarness(t)
	var first, second inbox

	_, err := h.manager.Connect("alice", first.add)
	require.NoError(t, err)
	_, err = h.manager.Connect("alice", second.add)
	require.NoError(t, err)
	h.waitState(t, client.Connected)

	_, err = h.manager.Connect("alice", nil)
	require.NoError(t, err)

	h.dialer.Conn(0).Push(`{"sender":"bob","content":"hi"}`)

	require.Eventually(t, func() bool { return len(second.list()) == 1 }, waitFor, tick)
	assert.Len(t, first.list(), 1)
	assert.Equal(t, 1, h.dialer.Calls())
	assert.Len(t, h.dialer.Conn(0).Sent(), 1, "join must be announced once")
}

func TestManager_ConnectRejectsOtherUsername(t *testing.T) {
	h := newHarness(t)

	_, err := h.manager.Connect("alice", nil)
	require.NoError(t, err)

	_, err = h.manager.Connect("bob", nil)
	require.ErrorIs(t, err, client.ErrUsernameMismatch)
	assert.Equal(t, 1, h.dialer.Calls())
}

func TestManager_ConnectRejectsEmptyUsername(t *testing.T) {
	h := newHarness(t)

	for _, name := range []string{"", "   "} {
		_, err := h.manager.Connect(name, nil)
		assert.ErrorIs(t, err, client.ErrInvalidUsername)
	}
	assert.Zero(t, h.dialer.Calls())
	assert.Equal(t, client.Idle, h.manager.State())
}

func TestManager_DeliversFramesInOrderAndDropsMalformed(t *testing.T) {
	h := newHarness(t)
	var box inbox

	_, err := h.manager.Connect("alice", box.add)
	require.NoError(t, err)
	h.waitState(t, client.Connected)

	conn := h.dialer.Conn(0)
	conn.Push(`{"sender":"bob","content":"one"}`)
	conn.Push(`not json`)
	conn.Push(`{"content":"no sender"}`)
	conn.Push(`{"sender":"carol","content":"two"}`)

	require.Eventually(t, func() bool { return len(box.list()) == 2 }, waitFor, tick)
	got := box.list()
	assert.Equal(t, "one", got[0].Content)
	assert.Equal(t, "two", got[1].Content)
	assert.Equal(t, client.Connected, h.manager.State())
	assert.Contains(t, h.logs.String(), "dropping malformed frame")
}

func TestManager_UnsubscribeStopsDelivery(t *testing.T) {
	h := newHarness(t)
	var box, probe inbox

	sub, err := h.manager.Connect("alice", box.add)
	require.NoError(t, err)
	_, err = h.manager.Connect("alice", probe.add)
	require.NoError(t, err)
	h.waitState(t, client.Connected)

	sub.Unsubscribe()
	h.dialer.Conn(0).Push(`{"sender":"bob","content":"hi"}`)

	require.Eventually(t, func() bool { return len(probe.list()) == 1 }, waitFor, tick)
	assert.Empty(t, box.list())
}

func TestManager_SendWhileDisconnected(t *testing.T) {
	h := newHarness(t)

	err := h.manager.Send(context.Background(), protocol.NewChatMessage("alice", "hello"))

	require.ErrorIs(t, err, client.ErrNotConnected)
	assert.Contains(t, h.logs.String(), "send while disconnected")
	assert.Zero(t, h.dialer.Calls())
}

func TestManager_SendWhileReconnecting(t *testing.T) {
	h := newHarness(t)
	h.dialer.SetErr(errors.New("refused"))

	_, err := h.manager.Connect("alice", nil)
	require.NoError(t, err)
	h.waitState(t, client.Failed)

	err = h.manager.Send(context.Background(), protocol.NewChatMessage("alice", "hello"))
	require.ErrorIs(t, err, client.ErrNotConnected)
}

func TestManager_SendPublishes(t *testing.T) {
	h := newHarness(t)

	_, err := h.manager.Connect("alice", nil)
	require.NoError(t, err)
	h.waitState(t, client.Connected)

	require.NoError(t, h.manager.Send(context.Background(), protocol.NewChatMessage("alice", "hello")))

	sent := h.dialer.Conn(0).Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, protocol.DestinationSendMessage, sent[1].Destination)
	assert.JSONEq(t, `{"sender":"alice","content":"hello"}`, string(sent[1].Body))
}

func TestManager_ReconnectsAfterRemoteClose(t *testing.T) {
	h := newHarness(t)

	_, err := h.manager.Connect("alice", nil)
	require.NoError(t, err)
	h.waitState(t, client.Connected)

	lost := errors.New("connection reset")
	h.dialer.Conn(0).Drop(lost)

	h.waitState(t, client.Connecting)
	require.Eventually(t, func() bool { return h.clock.Pending() == 1 }, waitFor, tick)
	assert.Equal(t, client.DefaultReconnectDelay, h.clock.Timers()[0].Delay)
	assert.ErrorIs(t, h.states.last().Err, lost)

	require.True(t, h.clock.FireNext())
	h.waitState(t, client.Connected)
	assert.Equal(t, 2, h.dialer.Calls())
	assert.Equal(t, []string{protocol.TopicPublic}, h.dialer.Conn(1).Subscriptions())
}

func TestManager_DisconnectCancelsPendingReconnect(t *testing.T) {
	h := newHarness(t)

	_, err := h.manager.Connect("alice", nil)
	require.NoError(t, err)
	h.waitState(t, client.Connected)

	h.dialer.Conn(0).Drop(errors.New("connection reset"))
	require.Eventually(t, func() bool { return h.clock.Pending() == 1 }, waitFor, tick)

	require.NoError(t, h.manager.Disconnect(context.Background()))
	assert.Equal(t, client.Closed, h.manager.State())
	assert.Zero(t, h.clock.Pending(), "reconnect timer must be stopped")

	// A timer that fires despite Stop must not reopen the connection.
	h.clock.Timers()[0].Fn()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, client.Closed, h.manager.State())
	assert.Equal(t, 1, h.dialer.Calls())
}

func TestManager_DialFailureRetriesUntilExhausted(t *testing.T) {
	h := newHarness(t, client.WithPolicy(client.ReconnectPolicy{Delay: time.Second, MaxAttempts: 2}))
	refused := errors.New("refused")
	h.dialer.SetErr(refused)

	_, err := h.manager.Connect("alice", nil)
	require.NoError(t, err)

	for attempt := 1; attempt <= 2; attempt++ {
		require.Eventually(t, func() bool { return h.clock.Pending() == 1 }, waitFor, tick)
		assert.Equal(t, client.Failed, h.manager.State())
		require.True(t, h.clock.FireNext())
		require.Eventually(t, func() bool { return h.dialer.Calls() == attempt+1 }, waitFor, tick)
	}

	require.Eventually(t, func() bool {
		return errors.Is(h.states.last().Err, client.ErrRetriesExhausted)
	}, waitFor, tick)
	assert.Equal(t, client.Failed, h.manager.State())
	assert.Zero(t, h.clock.Pending())
	assert.Contains(t, h.logs.String(), "transport open failed")

	// Exhausted: a new Connect starts over.
	h.dialer.SetErr(nil)
	_, err = h.manager.Connect("alice", nil)
	require.NoError(t, err)
	h.waitState(t, client.Connected)
}

func TestManager_ConnectWhileRetryPendingIsNoop(t *testing.T) {
	h := newHarness(t)
	h.dialer.SetErr(errors.New("refused"))

	_, err := h.manager.Connect("alice", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.clock.Pending() == 1 }, waitFor, tick)

	_, err = h.manager.Connect("alice", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, h.dialer.Calls())
	assert.Equal(t, 1, h.clock.Pending())
}

func TestManager_DisconnectGraceful(t *testing.T) {
	h := newHarness(t)

	_, err := h.manager.Connect("alice", nil)
	require.NoError(t, err)
	h.waitState(t, client.Connected)

	require.NoError(t, h.manager.Disconnect(context.Background()))

	assert.True(t, h.dialer.Conn(0).IsClosed())
	assert.Equal(t, client.Closed, h.manager.State())
	assert.Equal(t, []client.ConnectionState{
		client.Connecting, client.Connected, client.Disconnecting, client.Closed,
	}, h.states.path())
	assert.Zero(t, h.clock.Pending(), "local close must not schedule a reconnect")

	// Closed allows a restart.
	_, err = h.manager.Connect("bob", nil)
	require.NoError(t, err)
	h.waitState(t, client.Connected)
	assert.Equal(t, 2, h.dialer.Calls())
}

func TestManager_DisconnectWhenIdleIsNoop(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.manager.Disconnect(context.Background()))
	assert.Equal(t, client.Idle, h.manager.State())
	assert.Empty(t, h.states.path())
}

func TestManager_CloseRejectsFurtherCalls(t *testing.T) {
	h := newHarness(t)

	_, err := h.manager.Connect("alice", nil)
	require.NoError(t, err)
	h.waitState(t, client.Connected)

	require.NoError(t, h.manager.Close())
	assert.True(t, h.dialer.Conn(0).IsClosed())

	_, err = h.manager.Connect("alice", nil)
	assert.ErrorIs(t, err, client.ErrManagerClosed)
	err = h.manager.Send(context.Background(), protocol.NewChatMessage("alice", "x"))
	assert.ErrorIs(t, err, client.ErrManagerClosed)
	assert.ErrorIs(t, err, client.ErrNotConnected)
	assert.NoError(t, h.manager.Close())
}

func TestManager_SubscribeFailureIsRetried(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := mocks.NewMockConn(ctrl)
	dialer := mocks.NewMockDialer(ctrl)
	clock := &chattest.Clock{}

	subscribeErr := errors.New("subscription refused")
	dialer.EXPECT().Dial(gomock.Any()).Return(conn, nil)
	conn.EXPECT().Subscribe(gomock.Any(), protocol.TopicPublic).Return(subscribeErr)
	closed := make(chan struct{})
	conn.EXPECT().Close(gomock.Any()).DoAndReturn(func(context.Context) error {
		close(closed)
		return nil
	})

	m := client.NewManager(dialer, client.WithClock(clock))
	t.Cleanup(func() { _ = m.Close() })

	_, err := m.Connect("alice", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return clock.Pending() == 1 }, waitFor, tick)
	assert.Equal(t, client.Failed, m.State())

	select {
	case <-closed:
	case <-time.After(waitFor):
		t.Fatal("rejected connection was not closed")
	}
}
