package stomp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/omochice/roomchat/internal/chat"
)

const defaultWriteTimeout = 10 * time.Second

// Conn is a STOMP session carried over a client-side WebSocket.
// It implements chat.Conn.
type Conn struct {
	conn   net.Conn
	rw     io.ReadWriter
	logger *slog.Logger

	writeMu sync.Mutex

	frames   chan chat.Frame
	receipts chan string
	stopping chan struct{}
	done     chan struct{}

	closeOnce sync.Once

	mu      sync.Mutex
	err     error
	closing bool
	subs    map[string]string
}

var _ chat.Conn = (*Conn)(nil)

// bufferedConn reads any bytes the handshake left buffered before reading from the socket.
type bufferedConn struct {
	net.Conn
	reader io.Reader
}

func (bc *bufferedConn) Read(p []byte) (int, error) {
	return bc.reader.Read(p)
}

// lockedWriter serialises writes coming from the reader's control-frame replies.
type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (lw lockedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.w.Write(p)
}

func newConn(netConn net.Conn, br *bufio.Reader, logger *slog.Logger) *Conn {
	var conn net.Conn = netConn
	if br != nil && br.Buffered() > 0 {
		conn = &bufferedConn{Conn: netConn, reader: io.MultiReader(br, netConn)}
	}
	c := &Conn{
		conn:     conn,
		logger:   logger,
		frames:   make(chan chat.Frame, 16),
		receipts: make(chan string, 1),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
		subs:     make(map[string]string),
	}
	c.rw = struct {
		io.Reader
		io.Writer
	}{conn, lockedWriter{mu: &c.writeMu, w: conn}}
	return c
}

// handshake performs the CONNECT / CONNECTED exchange.
func (c *Conn) handshake(ctx context.Context, host string) error {
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Now())
	})
	defer stop()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
		defer func() { _ = c.conn.SetReadDeadline(time.Time{}) }()
	}

	connect := frame.New(frame.CONNECT,
		frame.AcceptVersion, "1.1,1.2",
		frame.Host, host,
		frame.HeartBeat, "0,0",
	)
	if err := c.write(ctx, connect); err != nil {
		return err
	}

	for {
		data, _, err := wsutil.ReadServerData(c.rw)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("failed to complete handshake: %w", ctxErr)
			}
			return fmt.Errorf("failed to complete handshake: %w", err)
		}
		f, err := Unmarshal(data)
		if err != nil {
			return err
		}
		if f == nil {
			continue
		}
		switch f.Command {
		case frame.CONNECTED:
			c.logger.Debug("stomp session established", "version", f.Header.Get(frame.Version))
			return nil
		case frame.ERROR:
			return fmt.Errorf("%w: %s", ErrBrokerError, f.Header.Get(frame.Message))
		default:
			return fmt.Errorf("unexpected %s frame during handshake", f.Command)
		}
	}
}

func (c *Conn) start() {
	go c.readLoop()
}

func (c *Conn) readLoop() {
	defer close(c.done)
	defer close(c.frames)

	for {
		data, op, err := wsutil.ReadServerData(c.rw)
		if err != nil {
			c.fail(fmt.Errorf("connection lost: %w", err))
			return
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}

		f, err := Unmarshal(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		if f == nil {
			continue
		}

		switch f.Command {
		case frame.MESSAGE:
			c.deliver(chat.Frame{
				Destination: f.Header.Get(frame.Destination),
				Body:        f.Body,
			})
		case frame.RECEIPT:
			select {
			case c.receipts <- f.Header.Get(frame.ReceiptId):
			default:
			}
		case frame.ERROR:
			c.fail(fmt.Errorf("%w: %s", ErrBrokerError, f.Header.Get(frame.Message)))
			_ = c.conn.Close()
			return
		default:
			c.logger.Debug("ignoring frame", "command", f.Command)
		}
	}
}

func (c *Conn) deliver(f chat.Frame) {
	select {
	case c.frames <- f:
	case <-c.stopping:
	}
}

// fail records the first transport error unless the session is being closed locally.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing || c.err != nil {
		return
	}
	c.err = err
}

func (c *Conn) write(ctx context.Context, f *frame.Frame) error {
	data, err := Marshal(f)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteTimeout)
	}
	_ = c.conn.SetWriteDeadline(deadline)
	defer func() { _ = c.conn.SetWriteDeadline(time.Time{}) }()

	if err := wsutil.WriteClientText(c.conn, data); err != nil {
		return fmt.Errorf("failed to send %s frame: %w", f.Command, err)
	}
	return nil
}

// Subscribe implements chat.Conn.
func (c *Conn) Subscribe(ctx context.Context, destination string) error {
	c.mu.Lock()
	if _, ok := c.subs[destination]; ok {
		c.mu.Unlock()
		return nil
	}
	id := uuid.NewString()
	c.subs[destination] = id
	c.mu.Unlock()

	f := frame.New(frame.SUBSCRIBE,
		frame.Id, id,
		frame.Destination, destination,
		frame.Ack, "auto",
	)
	if err := c.write(ctx, f); err != nil {
		c.mu.Lock()
		delete(c.subs, destination)
		c.mu.Unlock()
		return err
	}
	return nil
}

// Publish implements chat.Conn.
func (c *Conn) Publish(ctx context.Context, destination string, body []byte) error {
	return c.write(ctx, NewSend(destination, body))
}

// Frames implements chat.Conn.
func (c *Conn) Frames() <-chan chat.Frame {
	return c.frames
}

// Err implements chat.Conn.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close sends DISCONNECT, waits for its receipt up to ctx, and closes the socket.
func (c *Conn) Close(ctx context.Context) error {
	var closeErr error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		c.mu.Unlock()
		close(c.stopping)

		receipt := uuid.NewString()
		if err := c.write(ctx, frame.New(frame.DISCONNECT, frame.Receipt, receipt)); err != nil {
			c.logger.Debug("failed to send disconnect", "error", err)
		} else {
			select {
			case <-c.receipts:
			case <-c.done:
			case <-ctx.Done():
				closeErr = fmt.Errorf("failed to await disconnect receipt: %w", ctx.Err())
			}
		}

		c.writeMu.Lock()
		_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, nil)
		c.writeMu.Unlock()

		if err := c.conn.Close(); err != nil && closeErr == nil {
			c.logger.Debug("failed to close socket", "error", err)
		}
		<-c.done
	})
	return closeErr
}
