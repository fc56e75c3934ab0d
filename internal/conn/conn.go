// Package conn implements one virtual client: a WebSocket connection with
// its own connect timing, pending-request map and disconnect history.
package conn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cortexuvula/wsbench/internal/report"
)

// State is the lifecycle position of a connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "closed"
	}
}

// Handler receives every inbound frame together with the time it was read.
type Handler func(data []byte, at time.Time)

// Options tune a connection.
type Options struct {
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
}

type handlerEntry struct {
	id uint64
	fn Handler
}

// Conn is a single client connection. It is owned by the pool; workload
// drivers borrow it to register handlers and send.
type Conn struct {
	id     int
	url    string
	dialer Dialer
	opts   Options

	state atomic.Int32

	mu              sync.Mutex // guards fields below
	transport       Transport
	dialCancel      context.CancelFunc
	readCancel      context.CancelFunc
	readDone        chan struct{}
	handlers        []handlerEntry
	nextHandler     uint64
	disconnects     []report.DisconnectRecord
	connectDuration time.Duration

	pendingMu sync.Mutex
	pending   map[int64]time.Time

	nextID   atomic.Int64
	sent     atomic.Int64
	received atomic.Int64
}

// New creates a disconnected client. It does not dial.
func New(id int, url string, dialer Dialer, opts Options) *Conn {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	return &Conn{
		id:      id,
		url:     url,
		dialer:  dialer,
		opts:    opts,
		pending: make(map[int64]time.Time),
	}
}

// ID returns the client id.
func (c *Conn) ID() int { return c.id }

// State returns the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// IsConnected reports whether the connection is usable.
func (c *Conn) IsConnected() bool { return c.State() == Connected }

// ConnectDuration is the handshake time measured by the last successful Connect.
func (c *Conn) ConnectDuration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectDuration
}

// Connect dials the target and starts the read loop. The attempt is bounded
// by the connect timeout and aborted when it fires or when Close is called.
func (c *Conn) Connect(ctx context.Context) (time.Duration, error) {
	if !c.state.CompareAndSwap(int32(Disconnected), int32(Connecting)) {
		return 0, &ConnectionError{ClientID: c.id, Err: fmt.Errorf("connect called in state %s", c.State())}
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()
	c.mu.Lock()
	c.dialCancel = cancel
	c.mu.Unlock()

	start := time.Now()
	t, err := c.dialer.Dial(dialCtx, c.url)
	elapsed := time.Since(start)

	c.mu.Lock()
	c.dialCancel = nil
	c.mu.Unlock()

	if err != nil {
		c.state.CompareAndSwap(int32(Connecting), int32(Disconnected))
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("timed out after %s: %w", c.opts.ConnectTimeout, err)
		}
		return 0, &ConnectionError{ClientID: c.id, Err: err}
	}

	readCtx, readCancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	if !c.state.CompareAndSwap(int32(Connecting), int32(Connected)) {
		// Closed while the handshake was in flight.
		c.mu.Unlock()
		readCancel()
		t.CloseNow()
		return 0, &ConnectionError{ClientID: c.id, Err: ErrClosed}
	}
	c.transport = t
	c.readCancel = readCancel
	c.readDone = done
	c.connectDuration = elapsed
	c.mu.Unlock()

	go c.readLoop(readCtx, t, done)
	return elapsed, nil
}

func (c *Conn) readLoop(ctx context.Context, t Transport, done chan struct{}) {
	defer close(done)
	for {
		data, err := t.Read(ctx)
		if err != nil {
			c.lost(err)
			return
		}
		at := time.Now()
		c.received.Add(1)

		c.mu.Lock()
		hs := make([]Handler, len(c.handlers))
		for i, h := range c.handlers {
			hs[i] = h.fn
		}
		c.mu.Unlock()

		for _, h := range hs {
			h(data, at)
		}
	}
}

// lost records an unexpected disconnect. A read error after Close is the
// expected end of the read loop and is not recorded.
func (c *Conn) lost(err error) {
	if !c.state.CompareAndSwap(int32(Connected), int32(Disconnected)) {
		return
	}
	rec := report.DisconnectRecord{At: time.Now(), Reason: err.Error(), Unexpected: true}

	c.mu.Lock()
	c.disconnects = append(c.disconnects, rec)
	t := c.transport
	c.mu.Unlock()

	if t != nil {
		t.CloseNow()
	}
	slog.Debug("connection lost", "client_id", c.id, "reason", err)
}

// Send writes one frame. It does not wait for any reply.
func (c *Conn) Send(ctx context.Context, payload []byte) error {
	if c.State() != Connected {
		return &SendError{ClientID: c.id, Err: ErrNotConnected}
	}
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return &SendError{ClientID: c.id, Err: ErrNotConnected}
	}

	writeCtx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
	defer cancel()
	if err := t.Write(writeCtx, payload); err != nil {
		return &SendError{ClientID: c.id, Err: err}
	}
	c.sent.Add(1)
	return nil
}

// OnMessage registers h for every inbound frame. All registered handlers
// run, in registration order. The returned func unregisters h.
func (c *Conn) OnMessage(h Handler) (remove func()) {
	c.mu.Lock()
	c.nextHandler++
	id := c.nextHandler
	c.handlers = append(c.handlers, handlerEntry{id: id, fn: h})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, e := range c.handlers {
				if e.id == id {
					c.handlers = append(c.handlers[:i], c.handlers[i+1:]...)
					return
				}
			}
		})
	}
}

// Close is the caller-initiated disconnect. It aborts a dial in flight and
// never counts as an unexpected disconnect. Safe to call more than once.
func (c *Conn) Close() error {
	prev := State(c.state.Swap(int32(Closed)))
	if prev == Closed {
		return nil
	}

	c.mu.Lock()
	t := c.transport
	dialCancel := c.dialCancel
	readCancel := c.readCancel
	done := c.readDone
	c.mu.Unlock()

	if dialCancel != nil {
		dialCancel()
	}
	if t == nil {
		return nil
	}

	var err error
	if prev == Connected {
		err = t.Close("client closing")
	}
	if readCancel != nil {
		readCancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.CloseNow()
		}
	}
	return err
}

// NextRequestID returns a request id never used before on this connection.
func (c *Conn) NextRequestID() int64 {
	return c.nextID.Add(1)
}

// Track records a request as in flight.
func (c *Conn) Track(id int64, at time.Time) {
	c.pendingMu.Lock()
	c.pending[id] = at
	c.pendingMu.Unlock()
}

// Resolve removes a pending request and returns its send time. It reports
// false if the id is unknown or was already resolved.
func (c *Conn) Resolve(id int64) (time.Time, bool) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	at, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	return at, ok
}

// ClearPending drops every pending request and returns how many there were.
func (c *Conn) ClearPending() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	n := len(c.pending)
	clear(c.pending)
	return n
}

// PendingCount returns the number of requests awaiting a response.
func (c *Conn) PendingCount() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// Counters returns the frames written and read since the last reset.
func (c *Conn) Counters() (sent, received int64) {
	return c.sent.Load(), c.received.Load()
}

// ResetCounters zeroes the frame counters at the start of a window.
func (c *Conn) ResetCounters() {
	c.sent.Store(0)
	c.received.Store(0)
}

// Disconnects returns a copy of the unexpected disconnect history.
func (c *Conn) Disconnects() []report.DisconnectRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]report.DisconnectRecord, len(c.disconnects))
	copy(out, c.disconnects)
	return out
}

// DisconnectCount returns the number of unexpected disconnects.
func (c *Conn) DisconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.disconnects)
}
