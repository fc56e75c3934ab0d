package conn

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// GorillaDialer dials with github.com/gorilla/websocket.
type GorillaDialer struct {
	ReadLimit int64
}

func (d GorillaDialer) Dial(ctx context.Context, url string) (Transport, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 45 * time.Second,
	}
	c, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	if d.ReadLimit > 0 {
		c.SetReadLimit(d.ReadLimit)
	}
	return &gorillaTransport{c: c}, nil
}

// gorillaTransport serializes writers; gorilla allows one concurrent writer.
type gorillaTransport struct {
	c   *websocket.Conn
	wmu sync.Mutex
}

func (t *gorillaTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.c.ReadMessage()
	return data, err
}

func (t *gorillaTransport) Write(ctx context.Context, p []byte) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	deadline, _ := ctx.Deadline()
	if err := t.c.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.c.WriteMessage(websocket.TextMessage, p)
}

func (t *gorillaTransport) Close(reason string) error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = t.c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return t.c.Close()
}

func (t *gorillaTransport) CloseNow() error {
	return t.c.Close()
}
