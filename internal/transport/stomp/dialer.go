package stomp

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/gobwas/ws"

	"github.com/omochice/roomchat/internal/chat"
)

// Dialer opens STOMP sessions to a fixed WebSocket endpoint.
type Dialer struct {
	url     string
	host    string
	timeout time.Duration
	logger  *slog.Logger
}

var _ chat.Dialer = (*Dialer)(nil)

// DialerOption configures a Dialer.
type DialerOption func(*Dialer)

// WithTimeout bounds the WebSocket upgrade.
func WithTimeout(d time.Duration) DialerOption {
	return func(dl *Dialer) {
		dl.timeout = d
	}
}

// WithLogger sets the logger used by dialed connections.
func WithLogger(logger *slog.Logger) DialerOption {
	return func(dl *Dialer) {
		dl.logger = logger
	}
}

// NewDialer creates a Dialer for the given ws:// or wss:// URL.
func NewDialer(endpoint string, opts ...DialerOption) (*Dialer, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to parse endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}

	d := &Dialer{
		url:     endpoint,
		host:    u.Hostname(),
		timeout: 10 * time.Second,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// URL returns the endpoint the Dialer connects to.
func (d *Dialer) URL() string {
	return d.url
}

// Dial upgrades to WebSocket and completes the STOMP handshake.
func (d *Dialer) Dial(ctx context.Context) (chat.Conn, error) {
	wsDialer := ws.Dialer{Timeout: d.timeout}
	netConn, br, _, err := wsDialer.Dial(ctx, d.url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}

	c := newConn(netConn, br, d.logger.With("endpoint", d.url))
	if err := c.handshake(ctx, d.host); err != nil {
		_ = netConn.Close()
		return nil, err
	}
	c.start()
	return c, nil
}
