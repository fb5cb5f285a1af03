// Package chattest provides in-memory transports and a manual clock for tests.
package chattest

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/omochice/roomchat/internal/chat"
	"github.com/omochice/roomchat/internal/client"
	"github.com/omochice/roomchat/pkg/protocol"
)

// Published is one outbound frame recorded by Conn.
type Published struct {
	Destination string
	Body        []byte
}

// Conn is an in-memory chat.Conn whose inbound side is driven by the test.
type Conn struct {
	frames    chan chat.Frame
	closeOnce sync.Once

	mu         sync.Mutex
	subscribed []string
	published  []Published
	closed     bool
	err        error
}

var _ chat.Conn = (*Conn)(nil)

// NewConn creates an open Conn with a buffered inbound side.
func NewConn() *Conn {
	return &Conn{frames: make(chan chat.Frame, 64)}
}

func (c *Conn) Subscribe(_ context.Context, destination string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = append(c.subscribed, destination)
	return nil
}

func (c *Conn) Publish(_ context.Context, destination string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, Published{Destination: destination, Body: bytes.Clone(body)})
	return nil
}

func (c *Conn) Frames() <-chan chat.Frame {
	return c.frames
}

func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) Close(context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.frames) })
	return nil
}

// Drop simulates the remote end going away with err.
func (c *Conn) Drop(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.frames) })
}

// Push delivers a raw body on the public topic.
func (c *Conn) Push(body string) {
	c.frames <- chat.Frame{Destination: protocol.TopicPublic, Body: []byte(body)}
}

// PushMessage delivers msg on the public topic.
func (c *Conn) PushMessage(msg protocol.ChatMessage) {
	data, _ := msg.Encode()
	c.frames <- chat.Frame{Destination: protocol.TopicPublic, Body: data}
}

// IsClosed reports whether Close was called.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Sent returns the published frames in order.
func (c *Conn) Sent() []Published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Published(nil), c.published...)
}

// Subscriptions returns the subscribed destinations in order.
func (c *Conn) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.subscribed...)
}

// Dialer hands out a fresh Conn per call, or fails with the configured error.
type Dialer struct {
	mu    sync.Mutex
	conns []*Conn
	err   error
	calls int
}

var _ chat.Dialer = (*Dialer)(nil)

func (d *Dialer) Dial(context.Context) (chat.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	c := NewConn()
	d.conns = append(d.conns, c)
	return c, nil
}

// SetErr makes later dials fail with err. A nil err restores success.
func (d *Dialer) SetErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

// Calls returns the number of Dial calls, failed ones included.
func (d *Dialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// Conn returns the i-th dialed connection, or nil.
func (d *Dialer) Conn(i int) *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

// Clock records timers and fires them only when asked.
type Clock struct {
	mu     sync.Mutex
	timers []*Timer
}

var _ client.Clock = (*Clock)(nil)

// Timer is a Clock timer. It runs only through FireNext.
type Timer struct {
	clock   *Clock
	Delay   time.Duration
	Fn      func()
	stopped bool
	fired   bool
}

func (c *Clock) AfterFunc(d time.Duration, f func()) client.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &Timer{clock: c, Delay: d, Fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *Timer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// FireNext runs the oldest pending timer. It reports false if none is pending.
func (c *Clock) FireNext() bool {
	c.mu.Lock()
	var next *Timer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			next = t
			break
		}
	}
	if next != nil {
		next.fired = true
	}
	c.mu.Unlock()

	if next == nil {
		return false
	}
	next.Fn()
	return true
}

// Timers returns every timer created so far, including stopped ones.
func (c *Clock) Timers() []*Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Timer(nil), c.timers...)
}

// Pending returns the number of timers neither stopped nor fired.
func (c *Clock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}
