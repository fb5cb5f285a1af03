package server

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/omochice/roomchat/internal/transport/stomp"
	"github.com/omochice/roomchat/pkg/protocol"
)

const outgoingBuffer = 64

// peer is one STOMP session on the broker.
type peer struct {
	id       string
	conn     net.Conn
	rw       io.ReadWriter
	writeMu  sync.Mutex
	outgoing chan []byte

	mu       sync.Mutex
	username string
	subs     map[string]string
}

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (lw lockedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.w.Write(p)
}

func newPeer(conn net.Conn) *peer {
	p := &peer{
		id:       uuid.NewString(),
		conn:     conn,
		outgoing: make(chan []byte, outgoingBuffer),
		subs:     make(map[string]string),
	}
	p.rw = struct {
		io.Reader
		io.Writer
	}{conn, lockedWriter{mu: &p.writeMu, w: conn}}
	return p
}

// subscription returns the subscription id bound to destination.
func (p *peer) subscription(destination string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, dest := range p.subs {
		if dest == destination {
			return id, true
		}
	}
	return "", false
}

func (p *peer) user() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.username
}

// Broker is a minimal STOMP broker serving the single public room.
type Broker struct {
	history *History
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	peers  map[*peer]bool
	closed bool
	wg     sync.WaitGroup
}

// NewBroker creates a Broker that persists chat messages into history.
func NewBroker(history *History, logger *slog.Logger) *Broker {
	return &Broker{
		history: history,
		logger:  logger,
		now:     time.Now,
		peers:   make(map[*peer]bool),
	}
}

// ServeHTTP upgrades the request and runs a STOMP session on it.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		http.Error(w, "broker closed", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		b.logger.Warn("failed to upgrade connection", "remote", r.RemoteAddr, "error", err)
		return
	}

	p := newPeer(conn)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = conn.Close()
		return
	}
	b.peers[p] = true
	b.wg.Add(1)
	b.mu.Unlock()

	b.logger.Debug("session opened", "session", p.id, "remote", r.RemoteAddr)
	go b.handle(p)
}

// ClientCount returns the number of open sessions.
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.peers)
}

// Close drops every session and waits for their goroutines.
func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	for p := range b.peers {
		_ = p.conn.Close()
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Broker) handle(p *peer) {
	defer b.wg.Done()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for data := range p.outgoing {
			p.writeMu.Lock()
			err := wsutil.WriteServerText(p.conn, data)
			p.writeMu.Unlock()
			if err != nil {
				b.logger.Debug("failed to write frame", "session", p.id, "error", err)
				for range p.outgoing {
				}
				return
			}
		}
	}()

	defer func() {
		b.mu.Lock()
		delete(b.peers, p)
		b.mu.Unlock()

		close(p.outgoing)
		<-writerDone

		p.writeMu.Lock()
		_ = wsutil.WriteServerMessage(p.conn, ws.OpClose, nil)
		p.writeMu.Unlock()
		_ = p.conn.Close()

		if username := p.user(); username != "" {
			b.logger.Info("user disconnected", "username", username)
			b.broadcast(b.stamp(protocol.NewChatMessage(username, protocol.ContentLeft)))
		}
		b.logger.Debug("session closed", "session", p.id)
	}()

	for {
		data, op, err := wsutil.ReadClientData(p.rw)
		if err != nil {
			b.logger.Debug("session read ended", "session", p.id, "error", err)
			return
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}

		f, err := stomp.Unmarshal(data)
		if err != nil {
			b.logger.Warn("dropping malformed frame", "session", p.id, "error", err)
			continue
		}
		if f == nil {
			continue
		}
		if !b.dispatch(p, f) {
			return
		}
	}
}

// dispatch handles one client frame. It reports false when the session should end.
func (b *Broker) dispatch(p *peer, f *frame.Frame) bool {
	switch f.Command {
	case frame.CONNECT, frame.STOMP:
		b.reply(p, frame.New(frame.CONNECTED,
			frame.Version, "1.2",
			frame.HeartBeat, "0,0",
			frame.Session, p.id,
		))
	case frame.SUBSCRIBE:
		id := f.Header.Get(frame.Id)
		if id == "" {
			b.fail(p, "missing subscription id")
			return false
		}
		p.mu.Lock()
		p.subs[id] = f.Header.Get(frame.Destination)
		p.mu.Unlock()
	case frame.UNSUBSCRIBE:
		p.mu.Lock()
		delete(p.subs, f.Header.Get(frame.Id))
		p.mu.Unlock()
	case frame.SEND:
		b.send(p, f)
	case frame.DISCONNECT:
		if receipt := f.Header.Get(frame.Receipt); receipt != "" {
			b.reply(p, frame.New(frame.RECEIPT, frame.ReceiptId, receipt))
		}
		return false
	default:
		b.logger.Debug("ignoring frame", "session", p.id, "command", f.Command)
	}
	return true
}

func (b *Broker) send(p *peer, f *frame.Frame) {
	destination := f.Header.Get(frame.Destination)
	var msg protocol.ChatMessage
	if err := msg.Decode(f.Body); err != nil {
		b.logger.Warn("dropping invalid message", "session", p.id, "destination", destination, "error", err)
		return
	}
	msg = b.stamp(msg)

	switch destination {
	case protocol.DestinationAddUser:
		p.mu.Lock()
		p.username = msg.Sender
		p.mu.Unlock()
		b.logger.Info("user joined", "username", msg.Sender)
	case protocol.DestinationSendMessage:
		b.history.Append(msg)
		b.logger.Debug("message received", "sender", msg.Sender)
	default:
		b.logger.Warn("unknown destination", "session", p.id, "destination", destination)
		return
	}
	b.broadcast(msg)
}

func (b *Broker) stamp(msg protocol.ChatMessage) protocol.ChatMessage {
	msg.Timestamp = b.now().Format(protocol.TimestampLayout)
	return msg
}

// broadcast delivers msg to every session subscribed to the public topic.
func (b *Broker) broadcast(msg protocol.ChatMessage) {
	body, err := msg.Encode()
	if err != nil {
		b.logger.Error("failed to encode broadcast", "error", err)
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for p := range b.peers {
		sub, ok := p.subscription(protocol.TopicPublic)
		if !ok {
			continue
		}
		f := frame.New(frame.MESSAGE,
			frame.Destination, protocol.TopicPublic,
			frame.Subscription, sub,
			frame.MessageId, uuid.NewString(),
			frame.ContentType, "application/json",
			frame.ContentLength, strconv.Itoa(len(body)),
		)
		f.Body = body
		data, err := stomp.Marshal(f)
		if err != nil {
			b.logger.Error("failed to encode frame", "error", err)
			return
		}
		select {
		case p.outgoing <- data:
		default:
			b.logger.Warn("client channel full, skipping", "session", p.id)
		}
	}
}

// reply queues a frame for p. Only p's own read goroutine calls it.
func (b *Broker) reply(p *peer, f *frame.Frame) {
	data, err := stomp.Marshal(f)
	if err != nil {
		b.logger.Error("failed to encode frame", "error", err)
		return
	}
	p.outgoing <- data
}

func (b *Broker) fail(p *peer, message string) {
	b.logger.Warn("rejecting session", "session", p.id, "reason", message)
	b.reply(p, frame.New(frame.ERROR, frame.Message, message))
}
