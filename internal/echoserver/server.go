// Package echoserver is the built-in reference server for the wsbench wire
// protocol: pings are answered with pongs, broadcasts are fanned out to
// every other client, anything else is echoed back unchanged.
package echoserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	coder "github.com/coder/websocket"
	"github.com/cortexuvula/wsbench/internal/protocol"
	"github.com/gorilla/websocket"
)

// Options configure the reference server.
type Options struct {
	Library        string // coder or gorilla
	MaxMessageSize int64
	WriteTimeout   time.Duration
}

// Server accepts WebSocket clients on any path.
type Server struct {
	opts     Options
	reg      *registry
	upgrader websocket.Upgrader

	activeConnections atomic.Int64
	totalConnections  atomic.Int64
	totalMessages     atomic.Int64
	nextID            atomic.Uint64

	baseCtx    context.Context
	baseCancel context.CancelFunc
	handlers   sync.WaitGroup

	mu   sync.Mutex
	http *http.Server
	ln   net.Listener
}

// New creates a server. It does not listen until Start.
func New(opts Options) (*Server, error) {
	switch opts.Library {
	case "", "coder":
		opts.Library = "coder"
	case "gorilla":
	default:
		return nil, fmt.Errorf("unknown server library %q", opts.Library)
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 65536
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts: opts,
		reg:  newRegistry(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		baseCtx:    ctx,
		baseCancel: cancel,
	}, nil
}

// Library returns the WebSocket library serving connections.
func (s *Server) Library() string { return s.opts.Library }

// ConnectionCount returns the current number of connected clients.
func (s *Server) ConnectionCount() int {
	return int(s.activeConnections.Load())
}

// TotalConnections returns the total number of connections ever accepted.
func (s *Server) TotalConnections() int64 {
	return s.totalConnections.Load()
}

// TotalMessages returns the total number of frames received.
func (s *Server) TotalMessages() int64 {
	return s.totalMessages.Load()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var p peer
	switch s.opts.Library {
	case "gorilla":
		c, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Debug("upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
			return
		}
		c.SetReadLimit(s.opts.MaxMessageSize)
		p = &gorillaPeer{c: c, writeTimeout: s.opts.WriteTimeout}
	default:
		c, err := coder.Accept(w, r, &coder.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			slog.Debug("accept failed", "remote_addr", r.RemoteAddr, "error", err)
			return
		}
		c.SetReadLimit(s.opts.MaxMessageSize)
		p = coderPeer{c: c}
	}

	s.handlers.Add(1)
	defer s.handlers.Done()
	s.serve(s.baseCtx, p)
}

func (s *Server) serve(ctx context.Context, p peer) {
	id := s.nextID.Add(1)
	s.activeConnections.Add(1)
	s.totalConnections.Add(1)
	n := s.reg.register(id, p)
	slog.Debug("client connected", "client", id, "clients", n)

	defer func() {
		n := s.reg.unregister(id)
		s.activeConnections.Add(-1)
		p.CloseNow()
		slog.Debug("client disconnected", "client", id, "clients", n)
	}()

	for {
		data, err := p.Read(ctx)
		if err != nil {
			return
		}
		s.totalMessages.Add(1)
		s.handle(ctx, id, p, data)
	}
}

func (s *Server) handle(ctx context.Context, id uint64, p peer, data []byte) {
	writeCtx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
	defer cancel()

	msg, err := protocol.Decode(data)
	if err != nil {
		slog.Debug("echoing malformed frame", "client", id, "error", err)
	}

	switch msg.Kind {
	case protocol.KindPing:
		reply, err := protocol.Reply(msg)
		if err != nil {
			slog.Error("encode pong", "error", err)
			return
		}
		if err := p.Write(writeCtx, reply); err != nil {
			slog.Debug("pong write failed", "client", id, "error", err)
		}
	case protocol.KindBroadcast:
		n := s.reg.broadcast(writeCtx, id, data)
		slog.Debug("broadcast delivered", "id", msg.ID, "receivers", n)
	default:
		if err := p.Write(writeCtx, msg.Raw); err != nil {
			slog.Debug("echo write failed", "client", id, "error", err)
		}
	}
}

// Start listens on addr and serves in the background. It returns the bound
// address, which differs from addr when addr has port 0.
func (s *Server) Start(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("listen on %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.http = srv
	s.ln = ln
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("reference server error", "error", err)
		}
	}()
	slog.Info("reference server listening", "address", ln.Addr().String(), "library", s.opts.Library)
	return ln.Addr().String(), nil
}

// Shutdown stops accepting, closes every client with a going-away frame and
// waits for connection handlers until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	s.reg.closeAll("server shutting down")
	s.baseCancel()

	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// LogThroughput logs frames per second and connection count every interval
// until ctx is cancelled.
func (s *Server) LogThroughput(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	last := s.totalMessages.Load()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := s.totalMessages.Load()
			rate := float64(cur-last) / interval.Seconds()
			last = cur
			slog.Info("throughput",
				"messages_per_sec", rate,
				"active_connections", s.ConnectionCount(),
				"total_connections", s.TotalConnections(),
			)
		}
	}
}
