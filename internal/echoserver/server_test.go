package echoserver

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/cortexuvula/wsbench/internal/protocol"
)

func startServer(t *testing.T, library string) (*Server, string) {
	t.Helper()
	s, err := New(Options{Library: library})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	ts := httptest.NewServer(s)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(ctx)
		ts.Close()
	})
	return s, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.CloseNow() })
	return c
}

func roundTrip(t *testing.T, c *websocket.Conn, payload string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Write(ctx, websocket.MessageText, []byte(payload)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(data)
}

func TestPingPong(t *testing.T) {
	for _, lib := range []string{"coder", "gorilla"} {
		t.Run(lib, func(t *testing.T) {
			_, url := startServer(t, lib)
			c := dial(t, url)

			got := roundTrip(t, c, `{"type":"ping","id":7,"timestamp":123.456}`)
			msg, err := protocol.Decode([]byte(got))
			if err != nil {
				t.Fatalf("decode reply %q: %v", got, err)
			}
			if msg.Kind != protocol.KindPong || msg.ID != 7 || msg.Timestamp != 123.456 {
				t.Errorf("reply = %+v, want pong id 7 ts 123.456", msg)
			}
		})
	}
}

func TestEchoUnknownAndMalformed(t *testing.T) {
	_, url := startServer(t, "coder")
	c := dial(t, url)

	for _, payload := range []string{
		`{"type":"chat","text":"hi"}`,
		`not json at all`,
		`{"type":"ping"}`,
	} {
		if got := roundTrip(t, c, payload); got != payload {
			t.Errorf("echo of %q = %q", payload, got)
		}
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	for _, lib := range []string{"coder", "gorilla"} {
		t.Run(lib, func(t *testing.T) {
			s, url := startServer(t, lib)
			sender := dial(t, url)
			receivers := []*websocket.Conn{dial(t, url), dial(t, url), dial(t, url)}

			deadline := time.Now().Add(3 * time.Second)
			for s.ConnectionCount() < 4 && time.Now().Before(deadline) {
				time.Sleep(10 * time.Millisecond)
			}
			if s.ConnectionCount() != 4 {
				t.Fatalf("connections = %d, want 4", s.ConnectionCount())
			}

			payload := `{"type":"broadcast","id":1,"timestamp":5}`
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := sender.Write(ctx, websocket.MessageText, []byte(payload)); err != nil {
				t.Fatalf("write: %v", err)
			}

			for i, r := range receivers {
				_, data, err := r.Read(ctx)
				if err != nil {
					t.Fatalf("receiver %d read: %v", i, err)
				}
				if string(data) != payload {
					t.Errorf("receiver %d got %q, want %q", i, data, payload)
				}
			}

			// The sender must not get its own broadcast: the next frame it
			// reads is the pong to a follow-up ping.
			got := roundTrip(t, sender, `{"type":"ping","id":2,"timestamp":1}`)
			if !strings.Contains(got, `"pong"`) {
				t.Errorf("sender read %q, want pong", got)
			}
		})
	}
}

func TestCountersAndShutdown(t *testing.T) {
	s, err := New(Options{})
	if err != nil {
		t.Fatal(err)
	}
	addr, err := s.Start("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	c := dial(t, "ws://"+addr)
	roundTrip(t, c, `{"type":"ping","id":1,"timestamp":1}`)
	roundTrip(t, c, `hello`)

	if s.TotalConnections() != 1 || s.TotalMessages() != 2 {
		t.Errorf("totals = %d conns / %d msgs, want 1 / 2", s.TotalConnections(), s.TotalMessages())
	}

	// The client must be reading to answer the close handshake.
	readErr := make(chan error, 1)
	go func() {
		readCtx, readCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer readCancel()
		_, _, err := c.Read(readCtx)
		readErr <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if s.ConnectionCount() != 0 {
		t.Errorf("connections after shutdown = %d, want 0", s.ConnectionCount())
	}
	if err := <-readErr; websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Errorf("client read after shutdown = %v, want going away", err)
	}
}

func TestNewRejectsUnknownLibrary(t *testing.T) {
	if _, err := New(Options{Library: "gobwas"}); err == nil {
		t.Error("New() should reject unknown library")
	}
}
