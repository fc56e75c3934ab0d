package conn

import (
	"context"
	"fmt"

	"github.com/coder/websocket"
)

// Transport is an open WebSocket carrying text frames.
type Transport interface {
	// Read blocks until the next data frame arrives.
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, p []byte) error
	// Close performs the close handshake.
	Close(reason string) error
	// CloseNow drops the underlying connection without a handshake.
	CloseNow() error
}

// Dialer opens transports. The context bounds the handshake only.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// NewDialer returns the dialer for a target.transport value.
func NewDialer(transport string, readLimit int64) (Dialer, error) {
	switch transport {
	case "", "coder":
		return CoderDialer{ReadLimit: readLimit}, nil
	case "gorilla":
		return GorillaDialer{ReadLimit: readLimit}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", transport)
	}
}

// CoderDialer dials with github.com/coder/websocket.
type CoderDialer struct {
	ReadLimit int64
}

func (d CoderDialer) Dial(ctx context.Context, url string) (Transport, error) {
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	if d.ReadLimit > 0 {
		c.SetReadLimit(d.ReadLimit)
	}
	return coderTransport{c: c}, nil
}

type coderTransport struct {
	c *websocket.Conn
}

func (t coderTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.c.Read(ctx)
	return data, err
}

func (t coderTransport) Write(ctx context.Context, p []byte) error {
	return t.c.Write(ctx, websocket.MessageText, p)
}

func (t coderTransport) Close(reason string) error {
	return t.c.Close(websocket.StatusNormalClosure, reason)
}

func (t coderTransport) CloseNow() error {
	return t.c.CloseNow()
}
