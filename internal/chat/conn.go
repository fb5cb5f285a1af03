//go:generate go run go.uber.org/mock/mockgen -source=conn.go -destination=../mocks/mock_conn.go -package=mocks

// Package chat provides the transport-agnostic pieces shared by the session core.
package chat

import "context"

// Frame is a single message received on a subscribed destination.
type Frame struct {
	Destination string
	Body        []byte
}

// Conn abstracts an open pub/sub session on the real-time channel.
// This interface isolates transport details from connection lifecycle logic.
type Conn interface {
	// Subscribe starts delivery of frames published to destination.
	Subscribe(ctx context.Context, destination string) error

	// Publish sends body to an application destination.
	Publish(ctx context.Context, destination string, body []byte) error

	// Frames delivers inbound frames in arrival order.
	// The channel is closed once the connection has ended.
	Frames() <-chan Frame

	// Err reports why the connection ended. It is nil after a local Close.
	Err() error

	// Close ends the session, waiting for the remote side up to ctx.
	Close(ctx context.Context) error
}

// Dialer opens new Conns to a fixed endpoint.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Conn, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context) (Conn, error) {
	return f(ctx)
}
