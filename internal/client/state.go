// Package client owns the lifecycle of the real-time connection to the chat room.
package client

import "errors"

var (
	// ErrNotConnected is returned by Send while no connection is established.
	ErrNotConnected = errors.New("not connected to server")
	// ErrInvalidUsername is returned by Connect for an empty username.
	ErrInvalidUsername = errors.New("invalid username")
	// ErrUsernameMismatch is returned by Connect when a different user is already connected.
	ErrUsernameMismatch = errors.New("connection is active for another username")
	// ErrRetriesExhausted is reported when the reconnect policy gives up.
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
	// ErrManagerClosed is returned once the manager has been closed.
	ErrManagerClosed = errors.New("manager closed")
)

// ConnectionState represents the lifecycle state of a Manager.
type ConnectionState int

const (
	Idle ConnectionState = iota
	Connecting
	Connected
	Disconnecting
	Closed
	Failed
)

// String returns the string representation of ConnectionState
func (s ConnectionState) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Disconnecting:
		return "DISCONNECTING"
	case Closed:
		return "CLOSED"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// StateChange describes one transition. Err is set when the transition was caused by a failure.
type StateChange struct {
	From ConnectionState
	To   ConnectionState
	Err  error
}
