package ramp

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/cortexuvula/wsbench/internal/conn"
	"github.com/cortexuvula/wsbench/internal/pool"
	"github.com/cortexuvula/wsbench/internal/report"
	"github.com/cortexuvula/wsbench/internal/server"
	"github.com/cortexuvula/wsbench/internal/stats"
	"github.com/cortexuvula/wsbench/internal/workload"
)

func (c *Controller) buildWindow(phase, target int, started time.Time, conns []*conn.Conn,
	batch *pool.BatchResult, res *workload.Result, samples []report.ResourceSample) *report.WindowResult {

	elapsed := time.Since(started)
	w := &report.WindowResult{
		Phase:         phase,
		Baseline:      phase == 0,
		Pattern:       string(res.Pattern),
		StartedAt:     started,
		Duration:      elapsed,
		TargetClients: target,
		ActiveClients: len(conns),

		Latency:     stats.Summarize(res.Latencies()),
		RTTs:        res.RTTs,
		Broadcasts:  res.Broadcasts,
		PerReceiver: res.PerReceiver(),

		MessagesSent:     res.Sent,
		MessagesReceived: res.Received,
		MessagesLost:     res.Lost,
		LossRate:         res.LossRate,
		PerClient:        res.PerClient,

		Resources: samples,
	}

	for _, cn := range conns {
		if cn.IsConnected() {
			w.ConnectedAtEnd++
		}
		sent, received := cn.Counters()
		w.FramesSent += sent
		w.FramesReceived += received
	}
	w.ConnectionSuccessRate = successRate(w.ConnectedAtEnd, target)
	c.connectionTimes(w, batch)

	for _, cn := range c.deps.Pool.All() {
		w.Stability = append(w.Stability, report.ClientStability{ClientID: cn.ID(), Disconnects: cn.DisconnectCount()})
		for _, d := range cn.Disconnects() {
			if d.Unexpected && !d.At.Before(started) {
				w.Disconnects++
			}
		}
	}

	var cpu, mem []float64
	for _, s := range samples {
		if s.CPUPercent != nil {
			cpu = append(cpu, *s.CPUPercent)
		}
		mem = append(mem, s.MemoryMB)
	}
	if len(cpu) > 0 {
		avg := stats.Mean(cpu)
		w.CPUPercent = &avg
	}
	if len(mem) > 0 {
		w.MemoryMB = stats.Mean(mem)
		w.MemoryGrowthRate = stats.GrowthPerMinute(mem[0], mem[len(mem)-1], samples[len(samples)-1].At.Sub(samples[0].At))
	}
	if secs := elapsed.Seconds(); secs > 0 {
		w.Throughput = float64(res.Received) / secs
	}
	return w
}

// connectOnlyWindow describes a phase whose batch failed before any
// traffic could be driven.
func (c *Controller) connectOnlyWindow(phase, target int, batch *pool.BatchResult) *report.WindowResult {
	active := c.deps.Pool.ActiveCount()
	w := &report.WindowResult{
		Phase:          phase,
		Baseline:       phase == 0,
		Pattern:        c.cfg.Workload.Pattern,
		StartedAt:      time.Now(),
		TargetClients:  target,
		ActiveClients:  active,
		ConnectedAtEnd: active,
	}
	w.ConnectionSuccessRate = successRate(active, target)
	c.connectionTimes(w, batch)
	return w
}

func (c *Controller) connectionTimes(w *report.WindowResult, batch *pool.BatchResult) {
	if batch == nil {
		return
	}
	w.ConnectionTimes = batch.ConnectionTimes
	ms := make([]float64, len(batch.ConnectionTimes))
	for i, ct := range batch.ConnectionTimes {
		ms[i] = ct.Millis
	}
	w.ConnectionTime = stats.Summarize(ms)
}

func successRate(connected, target int) float64 {
	if target <= 0 {
		return 100
	}
	return 100 * float64(connected) / float64(target)
}

// resourcePoller samples the server at the start of a window, every
// interval, and once more when the window ends.
type resourcePoller struct {
	srv      server.Lifecycle
	interval time.Duration
	required bool

	mu   sync.Mutex
	list []report.ResourceSample
	fail error
}

func newResourcePoller(srv server.Lifecycle, interval time.Duration, required bool) *resourcePoller {
	return &resourcePoller{srv: srv, interval: interval, required: required}
}

func (p *resourcePoller) run(ctx context.Context) {
	p.poll(ctx)
	if p.interval > 0 {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case <-ticker.C:
				p.poll(ctx)
			}
		}
	} else {
		<-ctx.Done()
	}
	final, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	p.poll(final)
}

func (p *resourcePoller) poll(ctx context.Context) {
	select {
	case <-p.srv.Done():
		return
	default:
	}
	s, err := p.srv.Sample(ctx)
	if err == nil && s == nil && p.required {
		err = fmt.Errorf("server reports no resource samples")
	}
	if err != nil {
		if p.required {
			p.mu.Lock()
			if p.fail == nil {
				p.fail = fmt.Errorf("%w: %v", ErrMetricsUnavailable, err)
			}
			p.mu.Unlock()
			return
		}
		slog.Debug("resource sample skipped", "error", err)
		return
	}
	if s == nil {
		return
	}
	p.mu.Lock()
	p.list = append(p.list, *s)
	p.mu.Unlock()
}

func (p *resourcePoller) samples() []report.ResourceSample {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]report.ResourceSample(nil), p.list...)
}

func (p *resourcePoller) err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fail
}

const throughputInterval = time.Second

// throughputMeter records the client to server frame rate once per interval
// from the connection counters, plus a trailing partial interval.
type throughputMeter struct {
	conns    []*conn.Conn
	interval time.Duration

	last     time.Time
	lastSent int64

	mu   sync.Mutex
	list []report.ThroughputSample
}

// newThroughputMeter takes its baseline immediately so frames sent before
// run is scheduled still count toward the first interval.
func newThroughputMeter(conns []*conn.Conn, interval time.Duration) *throughputMeter {
	m := &throughputMeter{conns: conns, interval: interval, last: time.Now()}
	m.lastSent = m.sent()
	return m
}

func (m *throughputMeter) run(ctx context.Context) {
	last, lastSent := m.last, m.lastSent
	record := func(now time.Time) {
		total := m.sent()
		secs := now.Sub(last).Seconds()
		m.add(report.ThroughputSample{
			At:                now,
			MessagesPerSecond: int(math.Round(float64(total-lastSent) / secs)),
			ActiveConnections: m.connected(),
		})
		last, lastSent = now, total
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if now := time.Now(); now.Sub(last) >= m.interval/10 {
				record(now)
			}
			return
		case now := <-ticker.C:
			record(now)
		}
	}
}

func (m *throughputMeter) sent() int64 {
	var n int64
	for _, cn := range m.conns {
		s, _ := cn.Counters()
		n += s
	}
	return n
}

func (m *throughputMeter) connected() int {
	n := 0
	for _, cn := range m.conns {
		if cn.IsConnected() {
			n++
		}
	}
	return n
}

func (m *throughputMeter) add(s report.ThroughputSample) {
	m.mu.Lock()
	m.list = append(m.list, s)
	m.mu.Unlock()
}

func (m *throughputMeter) samples() []report.ThroughputSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]report.ThroughputSample(nil), m.list...)
}
