// Package pool owns the set of virtual clients: it creates and connects
// them in concurrent batches and grows or shrinks the active set between
// measurement windows.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cortexuvula/wsbench/internal/conn"
	"github.com/cortexuvula/wsbench/internal/report"
	"github.com/cortexuvula/wsbench/internal/stats"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ErrAllConnectsFailed is returned when not a single connection of a
// non-empty batch could be opened.
var ErrAllConnectsFailed = errors.New("all connections in batch failed")

// Options configure a Manager.
type Options struct {
	URL         string
	Dialer      conn.Dialer
	Conn        conn.Options
	Concurrency int // simultaneous dials, 0 = unbounded
	Rate        int // dials per second, 0 = unpaced
}

// BatchResult partitions one ConnectAll call.
type BatchResult struct {
	Connected       []*conn.Conn
	ConnectionTimes []report.ConnectionTime
	Failed          []int
}

// Manager is the only mutator of the active set. It is driven from a single
// control goroutine; readers may call the accessors concurrently.
type Manager struct {
	opts    Options
	limiter *rate.Limiter

	mu      sync.Mutex
	active  []*conn.Conn // Connected at the last prune, ordered by id
	retired []*conn.Conn // shrunk, closed or dropped; kept for stability history
	byID    map[int]*conn.Conn
	failed  []int
	maxID   int
	events  []report.ConnectionEvent
}

// New creates an empty pool.
func New(opts Options) *Manager {
	m := &Manager{
		opts: opts,
		byID: make(map[int]*conn.Conn),
	}
	if opts.Rate > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(opts.Rate), opts.Rate)
	}
	return m
}

// CreateBatch allocates n clients with ids idOffset+1..idOffset+n. They are
// not connected.
func (m *Manager) CreateBatch(n, idOffset int) []*conn.Conn {
	batch := make([]*conn.Conn, n)
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range batch {
		id := idOffset + i + 1
		c := conn.New(id, m.opts.URL, m.opts.Dialer, m.opts.Conn)
		batch[i] = c
		m.byID[id] = c
	}
	m.maxID = max(m.maxID, idOffset+n)
	return batch
}

// ConnectAll connects every client concurrently. Attempts fail
// independently; the error is ErrAllConnectsFailed only when the whole
// non-empty batch failed. The result is returned in both cases.
func (m *Manager) ConnectAll(ctx context.Context, conns []*conn.Conn) (*BatchResult, error) {
	type outcome struct {
		took time.Duration
		err  error
	}
	outcomes := make([]outcome, len(conns))

	var g errgroup.Group
	if m.opts.Concurrency > 0 {
		g.SetLimit(m.opts.Concurrency)
	}
	for i, c := range conns {
		g.Go(func() error {
			if m.limiter != nil {
				if err := m.limiter.Wait(ctx); err != nil {
					outcomes[i].err = &conn.ConnectionError{ClientID: c.ID(), Err: err}
					return nil
				}
			}
			took, err := c.Connect(ctx)
			outcomes[i] = outcome{took: took, err: err}
			return nil
		})
	}
	g.Wait()

	res := &BatchResult{}
	now := time.Now()
	events := make([]report.ConnectionEvent, 0, len(conns))
	for i, c := range conns {
		o := outcomes[i]
		if o.err != nil {
			res.Failed = append(res.Failed, c.ID())
			events = append(events, report.ConnectionEvent{
				ClientID: c.ID(), Kind: report.EventConnectFailed, At: now, Reason: o.err.Error(),
			})
			slog.Debug("connect failed", "client_id", c.ID(), "error", o.err)
			continue
		}
		ms := stats.Millis(o.took)
		res.Connected = append(res.Connected, c)
		res.ConnectionTimes = append(res.ConnectionTimes, report.ConnectionTime{ClientID: c.ID(), Millis: ms})
		events = append(events, report.ConnectionEvent{
			ClientID: c.ID(), Kind: report.EventConnected, At: now, Millis: ms,
		})
	}

	m.mu.Lock()
	m.failed = append(m.failed, res.Failed...)
	m.events = append(m.events, events...)
	m.mu.Unlock()

	if len(res.Failed) > 0 {
		slog.Warn("some connections failed", "failed", len(res.Failed), "connected", len(res.Connected), "batch", len(conns))
	}
	if len(conns) > 0 && len(res.Connected) == 0 {
		return res, fmt.Errorf("%w: %d attempted", ErrAllConnectsFailed, len(conns))
	}
	return res, nil
}

// Prune moves clients that are no longer connected out of the active set
// and returns how many moved. Their history stays reachable through All.
func (m *Manager) Prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	kept := m.active[:0]
	pruned := 0
	for _, c := range m.active {
		if c.IsConnected() {
			kept = append(kept, c)
			continue
		}
		pruned++
		m.retired = append(m.retired, c)
		reason := c.State().String()
		if recs := c.Disconnects(); len(recs) > 0 {
			reason = recs[len(recs)-1].Reason
		}
		m.events = append(m.events, report.ConnectionEvent{
			ClientID: c.ID(), Kind: report.EventDisconnected, At: now, Reason: reason,
		})
	}
	clear(m.active[len(kept):])
	m.active = kept
	return pruned
}

// GrowTo brings the active set to target clients. Growing connects new
// clients with ids past the current maximum; shrinking closes clients from
// the tail. Retained clients are never reconnected or reset. The returned
// batch is empty unless the pool grew.
func (m *Manager) GrowTo(ctx context.Context, target int) (*BatchResult, error) {
	m.Prune()

	m.mu.Lock()
	delta := target - len(m.active)
	offset := m.maxID
	m.mu.Unlock()

	switch {
	case delta > 0:
		batch := m.CreateBatch(delta, offset)
		res, err := m.ConnectAll(ctx, batch)

		m.mu.Lock()
		m.active = append(m.active, res.Connected...)
		m.mu.Unlock()

		for _, id := range res.Failed {
			m.Get(id).Close()
		}
		slog.Debug("pool grown", "target", target, "connected", len(res.Connected), "failed", len(res.Failed))
		return res, err

	case delta < 0:
		m.mu.Lock()
		cut := len(m.active) + delta
		tail := append([]*conn.Conn(nil), m.active[cut:]...)
		clear(m.active[cut:])
		m.active = m.active[:cut]
		m.retired = append(m.retired, tail...)
		m.mu.Unlock()

		m.CloseAll(tail)
		slog.Debug("pool shrunk", "target", target, "closed", len(tail))
	}
	return &BatchResult{}, nil
}

// CloseAll closes conns concurrently. Individual failures are logged and
// swallowed.
func (m *Manager) CloseAll(conns []*conn.Conn) {
	var g errgroup.Group
	if m.opts.Concurrency > 0 {
		g.SetLimit(m.opts.Concurrency)
	}
	now := time.Now()
	events := make([]report.ConnectionEvent, len(conns))
	for i, c := range conns {
		events[i] = report.ConnectionEvent{ClientID: c.ID(), Kind: report.EventClosed, At: now}
		g.Go(func() error {
			if err := c.Close(); err != nil {
				slog.Debug("close failed", "client_id", c.ID(), "error", err)
			}
			return nil
		})
	}
	g.Wait()

	m.mu.Lock()
	m.events = append(m.events, events...)
	m.mu.Unlock()
}

// Shutdown closes and retires the whole active set.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	all := m.active
	m.active = nil
	m.retired = append(m.retired, all...)
	m.mu.Unlock()

	m.CloseAll(all)
	slog.Debug("pool shut down", "closed", len(all))
}

// Active prunes dropped clients and returns a snapshot of the active set
// ordered by id.
func (m *Manager) Active() []*conn.Conn {
	m.Prune()
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*conn.Conn(nil), m.active...)
}

// ActiveCount prunes dropped clients and returns the number still
// connected.
func (m *Manager) ActiveCount() int {
	m.Prune()
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// All returns every client that ever connected, active or retired, ordered
// by id.
func (m *Manager) All() []*conn.Conn {
	m.mu.Lock()
	out := make([]*conn.Conn, 0, len(m.active)+len(m.retired))
	out = append(out, m.active...)
	out = append(out, m.retired...)
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Get returns the client with the given id, or nil.
func (m *Manager) Get(id int) *conn.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[id]
}

// Failed returns the ids of every client whose connect failed.
func (m *Manager) Failed() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.failed...)
}

// TakeEvents returns the lifecycle events recorded since the last call.
func (m *Manager) TakeEvents() []report.ConnectionEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := m.events
	m.events = nil
	return ev
}
