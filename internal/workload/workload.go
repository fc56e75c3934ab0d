// Package workload drives the ping/echo and broadcast traffic patterns over
// a frozen set of connections for one measurement window.
package workload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cortexuvula/wsbench/internal/conn"
	"github.com/cortexuvula/wsbench/internal/report"
	"github.com/cortexuvula/wsbench/internal/stats"
)

// Pattern selects the traffic shape.
type Pattern string

const (
	Ping      Pattern = "ping"
	Broadcast Pattern = "broadcast"
)

// State is the driver lifecycle position.
type State int32

const (
	Idle State = iota
	Running
	Draining
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Draining:
		return "draining"
	default:
		return "done"
	}
}

// ErrAlreadyRun is returned when Run is called on a driver that has left Idle.
var ErrAlreadyRun = errors.New("workload driver already used")

// Options configure a driver.
type Options struct {
	Pattern           Pattern
	Interval          time.Duration // ping spacing per connection
	BroadcastInterval time.Duration
	Grace             time.Duration // drain wait after the last send
}

// Result is what one run measured. It is not modified after Run returns.
type Result struct {
	Pattern        Pattern
	StartedAt      time.Time
	Elapsed        time.Duration
	RTTs           []report.RTTSample
	Broadcasts     []report.BroadcastSample
	BroadcastsSent int64
	Receivers      int
	Sent           int64
	Received       int64
	Lost           int64
	LossRate       float64
	SendErrors     int64
	PerClient      []report.ClientReliability
}

// Latencies returns RTTs or broadcast latencies in milliseconds, in
// arrival order per client.
func (r *Result) Latencies() []float64 {
	out := make([]float64, 0, len(r.RTTs)+len(r.Broadcasts))
	for _, s := range r.RTTs {
		out = append(out, s.RTT)
	}
	for _, s := range r.Broadcasts {
		out = append(out, s.Latency)
	}
	return out
}

// PerReceiver summarizes broadcast latency per receiving client.
func (r *Result) PerReceiver() map[int]stats.Summary {
	by := make(map[int][]float64)
	for _, s := range r.Broadcasts {
		by[s.ClientID] = append(by[s.ClientID], s.Latency)
	}
	out := make(map[int]stats.Summary, len(by))
	for id, v := range by {
		out[id] = stats.Summarize(v)
	}
	return out
}

// clientState is touched by one connection's read goroutine and its send
// loop; mu serializes the two.
type clientState struct {
	c *conn.Conn

	mu         sync.Mutex
	rtts       []report.RTTSample
	broadcasts []report.BroadcastSample
	seen       map[int64]struct{}
	sent       int64
	received   int64
	sendErrors int64
}

// Driver runs one workload over one set of connections. A driver is used
// once; create a new one per window.
type Driver struct {
	opts  Options
	state atomic.Int32

	clients []*clientState
	removes []func()

	// outstanding counts replies still expected; the drain ends at zero.
	outstanding atomic.Int64
	notify      chan struct{}

	bmu        sync.Mutex
	broadcasts map[int64]struct{} // ids sent in this run
	bcastSent  int64

	cleanupOnce sync.Once
}

// New creates an idle driver.
func New(opts Options) (*Driver, error) {
	switch opts.Pattern {
	case Ping:
		if opts.Interval <= 0 {
			return nil, fmt.Errorf("ping interval must be positive")
		}
	case Broadcast:
		if opts.BroadcastInterval <= 0 {
			return nil, fmt.Errorf("broadcast interval must be positive")
		}
	default:
		return nil, fmt.Errorf("unknown workload pattern %q", opts.Pattern)
	}
	if opts.Grace < 0 {
		opts.Grace = 0
	}
	return &Driver{
		opts:       opts,
		notify:     make(chan struct{}, 1),
		broadcasts: make(map[int64]struct{}),
	}, nil
}

// State returns the lifecycle position.
func (d *Driver) State() State { return State(d.state.Load()) }

// Run drives the pattern over conns for duration, drains in-flight replies
// for up to the grace period, and returns the tallies. conns must not change
// while Run is in progress. On context cancellation the partial result is
// returned together with the context error.
func (d *Driver) Run(ctx context.Context, conns []*conn.Conn, duration time.Duration) (*Result, error) {
	if !d.state.CompareAndSwap(int32(Idle), int32(Running)) {
		return nil, ErrAlreadyRun
	}

	d.clients = make([]*clientState, len(conns))
	for i, c := range conns {
		d.clients[i] = &clientState{c: c, seen: make(map[int64]struct{})}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	end := start.Add(duration)

	var wg sync.WaitGroup
	switch d.opts.Pattern {
	case Ping:
		for _, st := range d.clients {
			d.removes = append(d.removes, st.c.OnMessage(d.pongHandler(st)))
		}
		for _, st := range d.clients {
			wg.Add(1)
			go func(st *clientState) {
				defer wg.Done()
				d.pingLoop(runCtx, st, start, end)
			}(st)
		}
	case Broadcast:
		if len(d.clients) > 0 {
			for _, st := range d.clients[1:] {
				d.removes = append(d.removes, st.c.OnMessage(d.broadcastHandler(st)))
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				d.broadcastLoop(runCtx, d.clients[0], len(d.clients)-1, start, end)
			}()
		}
	}
	wg.Wait()

	d.state.Store(int32(Draining))
	if ctx.Err() == nil {
		d.drain(ctx)
	}

	for _, remove := range d.removes {
		remove()
	}
	d.Cleanup()
	d.state.Store(int32(Done))

	res := d.collect(start, time.Since(start))
	return res, ctx.Err()
}

// wait sleeps until at and reports false if ctx ended first.
func (d *Driver) wait(ctx context.Context, at time.Time) bool {
	delay := time.Until(at)
	if delay <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (d *Driver) pingLoop(ctx context.Context, st *clientState, start, end time.Time) {
	for i := 0; ; i++ {
		next := start.Add(time.Duration(i) * d.opts.Interval)
		if !next.Before(end) {
			return
		}
		if !d.wait(ctx, next) {
			return
		}
		if !st.c.IsConnected() {
			continue
		}

		id := st.c.NextRequestID()
		payload, err := encodePing(id)
		if err != nil {
			slog.Error("encode ping", "error", err)
			return
		}
		st.c.Track(id, time.Now())
		d.outstanding.Add(1)
		st.mu.Lock()
		st.sent++
		st.mu.Unlock()

		// coder/websocket closes the connection when a write is cancelled,
		// so the write is bounded by the write timeout only.
		if err := st.c.Send(context.WithoutCancel(ctx), payload); err != nil {
			if _, ok := st.c.Resolve(id); ok {
				d.outstanding.Add(-1)
			}
			st.mu.Lock()
			st.sendErrors++
			st.mu.Unlock()
			slog.Debug("ping send failed", "client_id", st.c.ID(), "error", err)
		}
	}
}

func (d *Driver) pongHandler(st *clientState) conn.Handler {
	return func(data []byte, at time.Time) {
		id, ok := decodeReply(data)
		if !ok {
			return
		}
		sentAt, ok := st.c.Resolve(id)
		if !ok {
			return
		}
		rtt := at.Sub(sentAt)
		if rtt < 0 {
			rtt = 0
		}
		st.mu.Lock()
		st.rtts = append(st.rtts, report.RTTSample{ClientID: st.c.ID(), RTT: stats.Millis(rtt), At: at})
		st.received++
		st.mu.Unlock()
		d.arrived()
	}
}

func (d *Driver) broadcastLoop(ctx context.Context, sender *clientState, receivers int, start, end time.Time) {
	for i := 0; ; i++ {
		next := start.Add(time.Duration(i) * d.opts.BroadcastInterval)
		if !next.Before(end) {
			return
		}
		if !d.wait(ctx, next) {
			return
		}
		if !sender.c.IsConnected() {
			slog.Debug("broadcast sender not connected", "client_id", sender.c.ID())
			continue
		}

		id := sender.c.NextRequestID()
		payload, err := encodeBroadcast(id)
		if err != nil {
			slog.Error("encode broadcast", "error", err)
			return
		}
		d.bmu.Lock()
		d.broadcasts[id] = struct{}{}
		d.bcastSent++
		d.bmu.Unlock()
		d.outstanding.Add(int64(receivers))
		sender.mu.Lock()
		sender.sent++
		sender.mu.Unlock()

		if err := sender.c.Send(context.WithoutCancel(ctx), payload); err != nil {
			d.outstanding.Add(-int64(receivers))
			sender.mu.Lock()
			sender.sendErrors++
			sender.mu.Unlock()
			slog.Debug("broadcast send failed", "client_id", sender.c.ID(), "error", err)
		}
	}
}

func (d *Driver) broadcastHandler(st *clientState) conn.Handler {
	return func(data []byte, at time.Time) {
		id, ts, ok := decodeBroadcast(data)
		if !ok {
			return
		}
		d.bmu.Lock()
		_, ours := d.broadcasts[id]
		d.bmu.Unlock()
		if !ours {
			return
		}

		latency := stampOf(at) - ts
		if latency < 0 {
			latency = 0
		}
		st.mu.Lock()
		if _, dup := st.seen[id]; dup {
			st.mu.Unlock()
			return
		}
		st.seen[id] = struct{}{}
		st.broadcasts = append(st.broadcasts, report.BroadcastSample{
			ClientID:    st.c.ID(),
			BroadcastID: id,
			Latency:     latency,
			At:          at,
		})
		st.received++
		st.mu.Unlock()
		d.arrived()
	}
}

func (d *Driver) arrived() {
	d.outstanding.Add(-1)
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// drain waits for outstanding replies, at most the grace period.
func (d *Driver) drain(ctx context.Context) {
	if d.opts.Grace == 0 {
		return
	}
	t := time.NewTimer(d.opts.Grace)
	defer t.Stop()
	for d.outstanding.Load() > 0 {
		select {
		case <-d.notify:
		case <-t.C:
			slog.Debug("drain grace elapsed", "outstanding", d.outstanding.Load())
			return
		case <-ctx.Done():
			return
		}
	}
}

// Cleanup clears the pending maps of every connection in the run. It is
// idempotent and called by Run itself.
func (d *Driver) Cleanup() {
	d.cleanupOnce.Do(func() {
		for _, st := range d.clients {
			st.c.ClearPending()
		}
	})
}

func (d *Driver) collect(start time.Time, elapsed time.Duration) *Result {
	res := &Result{
		Pattern:   d.opts.Pattern,
		StartedAt: start,
		Elapsed:   elapsed,
	}

	switch d.opts.Pattern {
	case Ping:
		for _, st := range d.clients {
			st.mu.Lock()
			res.RTTs = append(res.RTTs, st.rtts...)
			res.Sent += st.sent
			res.Received += st.received
			res.SendErrors += st.sendErrors
			res.PerClient = append(res.PerClient, reliability(st.c.ID(), st.sent, st.received))
			st.mu.Unlock()
		}
		sort.SliceStable(res.RTTs, func(i, j int) bool { return res.RTTs[i].At.Before(res.RTTs[j].At) })
	case Broadcast:
		d.bmu.Lock()
		res.BroadcastsSent = d.bcastSent
		d.bmu.Unlock()
		if len(d.clients) > 0 {
			sender := d.clients[0]
			sender.mu.Lock()
			res.SendErrors = sender.sendErrors
			sender.mu.Unlock()
			res.Receivers = len(d.clients) - 1
		}
		for _, st := range d.clients[min(1, len(d.clients)):] {
			st.mu.Lock()
			res.Broadcasts = append(res.Broadcasts, st.broadcasts...)
			res.Received += st.received
			res.PerClient = append(res.PerClient, reliability(st.c.ID(), res.BroadcastsSent, st.received))
			st.mu.Unlock()
		}
		res.Sent = res.BroadcastsSent * int64(res.Receivers)
		sort.SliceStable(res.Broadcasts, func(i, j int) bool { return res.Broadcasts[i].At.Before(res.Broadcasts[j].At) })
	}

	res.Lost = max(res.Sent-res.Received, 0)
	res.LossRate = stats.LossRate(res.Sent, res.Received)
	return res
}

func reliability(id int, sent, received int64) report.ClientReliability {
	return report.ClientReliability{
		ClientID: id,
		Sent:     sent,
		Received: received,
		Lost:     max(sent-received, 0),
		LossRate: stats.LossRate(sent, received),
	}
}
