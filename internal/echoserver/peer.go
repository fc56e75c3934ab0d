package echoserver

import (
	"context"
	"sync"
	"time"

	coder "github.com/coder/websocket"
	"github.com/gorilla/websocket"
)

// peer is the server side of one client connection.
type peer interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, p []byte) error
	Close(reason string) error
	CloseNow() error
}

type coderPeer struct {
	c *coder.Conn
}

func (p coderPeer) Read(ctx context.Context) ([]byte, error) {
	_, data, err := p.c.Read(ctx)
	return data, err
}

func (p coderPeer) Write(ctx context.Context, b []byte) error {
	return p.c.Write(ctx, coder.MessageText, b)
}

func (p coderPeer) Close(reason string) error {
	return p.c.Close(coder.StatusGoingAway, reason)
}

func (p coderPeer) CloseNow() error {
	return p.c.CloseNow()
}

// gorillaPeer serializes writers: replies and broadcasts from other
// connections can target the same peer concurrently.
type gorillaPeer struct {
	c            *websocket.Conn
	wmu          sync.Mutex
	writeTimeout time.Duration
}

func (p *gorillaPeer) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := p.c.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ == websocket.TextMessage {
			return data, nil
		}
	}
}

func (p *gorillaPeer) Write(ctx context.Context, b []byte) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(p.writeTimeout)
	}
	if err := p.c.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return p.c.WriteMessage(websocket.TextMessage, b)
}

func (p *gorillaPeer) Close(reason string) error {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
	_ = p.c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return p.c.Close()
}

func (p *gorillaPeer) CloseNow() error {
	return p.c.Close()
}
