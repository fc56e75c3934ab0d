package conn

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by Send on a connection that is not open.
	ErrNotConnected = errors.New("not connected")
	// ErrClosed is returned by Connect when Close won the race.
	ErrClosed = errors.New("connection closed")
)

// ConnectionError means a client never reached the connected state.
type ConnectionError struct {
	ClientID int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("client %d: connect: %v", e.ClientID, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SendError means a frame could not be written.
type SendError struct {
	ClientID int
	Err      error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("client %d: send: %v", e.ClientID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
