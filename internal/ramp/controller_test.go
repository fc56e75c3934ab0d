package ramp

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cortexuvula/wsbench/internal/config"
	"github.com/cortexuvula/wsbench/internal/conn"
	"github.com/cortexuvula/wsbench/internal/health"
	"github.com/cortexuvula/wsbench/internal/pool"
	"github.com/cortexuvula/wsbench/internal/report"
	"github.com/cortexuvula/wsbench/internal/workload"
)

type memTransport struct {
	closed chan struct{}
	once   sync.Once
}

func (t *memTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-t.closed:
		return nil, errors.New("connection reset by peer")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *memTransport) Write(context.Context, []byte) error { return nil }
func (t *memTransport) Close(string) error                 { return t.CloseNow() }

func (t *memTransport) CloseNow() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

type memDialer struct {
	refuse bool
}

func (d *memDialer) Dial(context.Context, string) (conn.Transport, error) {
	if d.refuse {
		return nil, errors.New("connection refused")
	}
	return &memTransport{closed: make(chan struct{})}, nil
}

// scriptedWorkload answers every window with a healthy ping result whose
// RTT comes from rtt(window index). hook runs at the start of each window.
// With send set, every client writes one frame before the window waits.
type scriptedWorkload struct {
	calls *atomic.Int64
	rtt   func(window int) float64
	hook  func(window int)
	send  bool
}

func (w scriptedWorkload) Run(ctx context.Context, conns []*conn.Conn, d time.Duration) (*workload.Result, error) {
	n := int(w.calls.Add(1)) - 1
	if w.hook != nil {
		w.hook(n)
	}
	if w.send {
		for _, c := range conns {
			if err := c.Send(ctx, []byte(`{"type":"ping"}`)); err != nil {
				return nil, err
			}
		}
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
	res := &workload.Result{Pattern: workload.Ping, StartedAt: time.Now()}
	for _, c := range conns {
		res.RTTs = append(res.RTTs, report.RTTSample{ClientID: c.ID(), RTT: w.rtt(n), At: time.Now()})
		res.PerClient = append(res.PerClient, report.ClientReliability{ClientID: c.ID(), Sent: 1, Received: 1})
	}
	res.Sent = int64(len(conns))
	res.Received = res.Sent
	return res, ctx.Err()
}

type fakeServer struct {
	done      chan struct{}
	once      sync.Once
	startErr  error
	noSamples bool
	attached  bool
	started   atomic.Bool
	stopped   atomic.Bool
}

func newFakeServer() *fakeServer { return &fakeServer{done: make(chan struct{})} }

func (s *fakeServer) Start(context.Context) error {
	s.started.Store(true)
	return s.startErr
}

func (s *fakeServer) Sample(context.Context) (*report.ResourceSample, error) {
	if s.noSamples {
		return nil, nil
	}
	cpu := 10.0
	return &report.ResourceSample{At: time.Now(), CPUPercent: &cpu, MemoryMB: 50}, nil
}

func (s *fakeServer) crash()                     { s.once.Do(func() { close(s.done) }) }
func (s *fakeServer) Done() <-chan struct{}      { return s.done }
func (s *fakeServer) Err() error                 { return errors.New("exit status 1") }
func (s *fakeServer) Stop(context.Context) error { s.stopped.Store(true); return nil }
func (s *fakeServer) Owned() bool                { return !s.attached }

type recordingSink struct {
	mu       sync.Mutex
	windows  []*report.WindowResult
	verdicts []report.Verdict
	events   []report.ConnectionEvent
	report   *report.Report
}

func (s *recordingSink) RecordWindow(w *report.WindowResult, v report.Verdict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows = append(s.windows, w)
	s.verdicts = append(s.verdicts, v)
	return nil
}

func (s *recordingSink) RecordConnections(ev []report.ConnectionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev...)
	return nil
}

func (s *recordingSink) RecordReport(r *report.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.report = r
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) count(kind report.EventKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Target.Library = "test"
	cfg.Server.Warmup = 0
	cfg.Ramp.BaselineClients = 50
	cfg.Ramp.IncrementSize = 100
	cfg.Ramp.MaxClients = 500
	cfg.Ramp.StabilizationTime = time.Millisecond
	cfg.Ramp.MeasurementWindow = 5 * time.Millisecond
	cfg.Workload.ResourcePollInterval = time.Millisecond
	return cfg
}

type harness struct {
	ctrl  *Controller
	pool  *pool.Manager
	srv   *fakeServer
	sink  *recordingSink
	calls *atomic.Int64
}

func newHarness(cfg *config.Config, d *memDialer, rtt func(int) float64, hook func(int)) *harness {
	h := &harness{
		pool:  pool.New(pool.Options{URL: "ws://fake", Dialer: d, Concurrency: 64}),
		srv:   newFakeServer(),
		sink:  &recordingSink{},
		calls: &atomic.Int64{},
	}
	h.ctrl = New(cfg, Deps{
		RunID: "test-run",
		Pool:  h.pool,
		Workload: func() (Workload, error) {
			return scriptedWorkload{calls: h.calls, rtt: rtt, hook: hook}, nil
		},
		Server: h.srv,
		Sink:   h.sink,
	})
	return h
}

func healthy(int) float64 { return 1 }

func TestRampStopsAtMaxClients(t *testing.T) {
	h := newHarness(testConfig(), &memDialer{}, healthy, nil)

	rep, err := h.ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	wantTargets := []int{50, 150, 250, 350, 450, 500}
	if len(rep.Phases) != len(wantTargets) {
		t.Fatalf("phases = %d, want %d", len(rep.Phases), len(wantTargets))
	}
	for i, p := range rep.Phases {
		if p.Window.TargetClients != wantTargets[i] {
			t.Errorf("phase %d target = %d, want %d", i, p.Window.TargetClients, wantTargets[i])
		}
		if p.Verdict.Status != report.Green {
			t.Errorf("phase %d verdict = %s (%s)", i, p.Verdict.Status, p.Verdict.Reason)
		}
		if p.Window.ConnectionSuccessRate != 100 {
			t.Errorf("phase %d success rate = %.1f", i, p.Window.ConnectionSuccessRate)
		}
	}
	if !rep.Phases[0].Window.Baseline || rep.Phases[1].Window.Baseline {
		t.Error("only the first window is the baseline")
	}

	if rep.Category != report.CategoryMaxClients || rep.Outcome != report.OutcomeCompleted {
		t.Errorf("report = %s/%s, want max_clients_reached/completed", rep.Category, rep.Outcome)
	}
	if rep.TotalPhases != 6 || rep.MaxClientsAttempted != 500 || rep.LastHealthyClients != 500 {
		t.Errorf("totals = %d phases, %d attempted, %d healthy", rep.TotalPhases, rep.MaxClientsAttempted, rep.LastHealthyClients)
	}
	if rep.FinishedAt.Before(rep.StartedAt) {
		t.Error("finished before started")
	}

	if h.pool.ActiveCount() != 0 {
		t.Errorf("active after run = %d, want 0", h.pool.ActiveCount())
	}
	if !h.srv.stopped.Load() {
		t.Error("owned server should be stopped")
	}
	if len(h.sink.windows) != 6 || h.sink.report != rep {
		t.Errorf("sink saw %d windows, report %v", len(h.sink.windows), h.sink.report != nil)
	}
	if got := h.sink.count(report.EventConnected); got != 500 {
		t.Errorf("connected events = %d, want 500", got)
	}
	if got := h.sink.count(report.EventClosed); got != 500 {
		t.Errorf("closed events = %d, want 500", got)
	}

	w := rep.Phases[2].Window
	if w.CPUPercent == nil || *w.CPUPercent != 10 || w.MemoryMB != 50 || len(w.Resources) < 2 {
		t.Errorf("resources = cpu %v, mem %.1f, %d samples", w.CPUPercent, w.MemoryMB, len(w.Resources))
	}
	if len(w.ConnectionTimes) != 100 {
		t.Errorf("connection times = %d, want the 100 new clients", len(w.ConnectionTimes))
	}
}

func TestRampGrowsFromConnectedCount(t *testing.T) {
	var h *harness
	dropOne := func(window int) {
		if window == 0 {
			h.pool.Get(7).Close()
		}
	}
	h = newHarness(testConfig(), &memDialer{}, healthy, dropOne)

	rep, err := h.ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	wantTargets := []int{50, 149, 249, 349, 449, 500}
	if len(rep.Phases) != len(wantTargets) {
		t.Fatalf("phases = %d, want %d", len(rep.Phases), len(wantTargets))
	}
	for i, p := range rep.Phases {
		if p.Window.TargetClients != wantTargets[i] {
			t.Errorf("phase %d target = %d, want %d", i, p.Window.TargetClients, wantTargets[i])
		}
	}
	if w := rep.Phases[1].Window; w.ActiveClients != 149 {
		t.Errorf("phase 1 active = %d, want 149", w.ActiveClients)
	}
	if got := h.sink.count(report.EventDisconnected); got != 1 {
		t.Errorf("disconnected events = %d, want 1", got)
	}
}

func TestRampReleasesAttachedServer(t *testing.T) {
	h := newHarness(testConfig(), &memDialer{}, healthy, nil)
	h.srv.attached = true

	if _, err := h.ctrl.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !h.srv.stopped.Load() {
		t.Error("Stop should run for an attached server so its watcher ends")
	}
}

func TestRampRecordsFrameThroughput(t *testing.T) {
	cfg := testConfig()
	cfg.Ramp.MaxClients = 150
	cfg.Ramp.MeasurementWindow = 20 * time.Millisecond
	h := newHarness(cfg, &memDialer{}, healthy, nil)
	h.ctrl.throughputEvery = 5 * time.Millisecond
	h.ctrl.deps.Workload = func() (Workload, error) {
		return scriptedWorkload{calls: h.calls, rtt: healthy, send: true}, nil
	}

	rep, err := h.ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rep.Phases) != 2 {
		t.Fatalf("phases = %d, want 2", len(rep.Phases))
	}
	for i, p := range rep.Phases {
		w := p.Window
		if w.FramesSent != int64(w.ActiveClients) {
			t.Errorf("phase %d frames sent = %d, want one per client (%d)", i, w.FramesSent, w.ActiveClients)
		}
		if w.FramesReceived != 0 {
			t.Errorf("phase %d frames received = %d, want 0", i, w.FramesReceived)
		}
		if len(w.ThroughputSamples) == 0 {
			t.Fatalf("phase %d has no throughput samples", i)
		}
		var total float64
		for _, s := range w.ThroughputSamples {
			if s.ActiveConnections != w.ActiveClients {
				t.Errorf("phase %d sample active = %d, want %d", i, s.ActiveConnections, w.ActiveClients)
			}
			if s.MessagesPerSecond < 0 {
				t.Errorf("phase %d negative rate %d", i, s.MessagesPerSecond)
			}
			total += float64(s.MessagesPerSecond)
		}
		if total == 0 {
			t.Errorf("phase %d throughput samples are all zero", i)
		}
	}
}

func TestRampConsecutiveYellow(t *testing.T) {
	h := newHarness(testConfig(), &memDialer{}, func(int) float64 { return 150 }, nil)

	rep, err := h.ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rep.Phases) != 3 {
		t.Fatalf("phases = %d, want 3", len(rep.Phases))
	}
	if rep.Phases[0].Verdict.Status != report.Yellow || rep.Phases[1].Verdict.Status != report.Yellow {
		t.Error("first two windows should be YELLOW")
	}
	last := rep.Phases[2].Verdict
	if last.Status != report.Red || last.Category != report.CategoryConsecutiveDegradation {
		t.Errorf("last verdict = %+v", last)
	}
	if rep.Outcome != report.OutcomeFailed || rep.LastHealthyClients != 0 {
		t.Errorf("report = %s, last healthy %d", rep.Outcome, rep.LastHealthyClients)
	}
}

func TestRampGreenResetsYellowCount(t *testing.T) {
	// Y Y G Y Y G never reaches three in a row.
	rtt := func(n int) float64 {
		if n%3 == 2 {
			return 1
		}
		return 150
	}
	h := newHarness(testConfig(), &memDialer{}, rtt, nil)

	rep, err := h.ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Category != report.CategoryMaxClients {
		t.Fatalf("category = %s (%s), want max_clients_reached", rep.Category, rep.Reason)
	}
	if rep.LastHealthyClients != 500 {
		t.Errorf("last healthy = %d, want 500", rep.LastHealthyClients)
	}
	if st := h.ctrl.Status(); st.ConsecutiveYellow != 0 {
		t.Errorf("consecutive yellow = %d, want 0 after a GREEN", st.ConsecutiveYellow)
	}
}

func TestRampRedLatency(t *testing.T) {
	rtt := func(n int) float64 {
		if n == 2 {
			return 600
		}
		return 1
	}
	h := newHarness(testConfig(), &memDialer{}, rtt, nil)

	rep, err := h.ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Category != report.CategoryLatencyP95 || rep.Outcome != report.OutcomeFailed {
		t.Errorf("report = %s/%s", rep.Category, rep.Outcome)
	}
	if rep.TotalPhases != 3 || rep.LastHealthyClients != 150 {
		t.Errorf("phases = %d, last healthy = %d", rep.TotalPhases, rep.LastHealthyClients)
	}
}

func TestRampServerCrash(t *testing.T) {
	var h *harness
	h = newHarness(testConfig(), &memDialer{}, healthy, func(n int) {
		if n == 1 {
			h.srv.crash()
		}
	})

	rep, err := h.ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Category != report.CategoryServerCrashed || rep.Outcome != report.OutcomeFailed {
		t.Errorf("report = %s/%s (%s)", rep.Category, rep.Outcome, rep.Reason)
	}
	if rep.TotalPhases != 1 || rep.LastHealthyClients != 50 {
		t.Errorf("phases = %d, last healthy = %d", rep.TotalPhases, rep.LastHealthyClients)
	}
	if h.pool.ActiveCount() != 0 {
		t.Error("pool should be shut down after a crash")
	}
}

func TestRampMaxDuration(t *testing.T) {
	cfg := testConfig()
	cfg.Ramp.MaxDuration = time.Nanosecond
	h := newHarness(cfg, &memDialer{}, healthy, nil)

	rep, err := h.ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Category != report.CategoryMaxDuration || rep.Outcome != report.OutcomeCompleted {
		t.Errorf("report = %s/%s", rep.Category, rep.Outcome)
	}
	if rep.TotalPhases != 1 {
		t.Errorf("phases = %d, want baseline only", rep.TotalPhases)
	}
}

func TestRampInterrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(testConfig(), &memDialer{}, healthy, func(n int) {
		if n == 1 {
			cancel()
		}
	})

	rep, err := h.ctrl.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Category != report.CategoryInterrupted || rep.Outcome != report.OutcomeCompleted {
		t.Errorf("report = %s/%s", rep.Category, rep.Outcome)
	}
	if h.pool.ActiveCount() != 0 {
		t.Error("pool should be shut down after an interrupt")
	}
}

func TestRampAllConnectsFail(t *testing.T) {
	h := newHarness(testConfig(), &memDialer{refuse: true}, healthy, nil)

	rep, err := h.ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Category != report.CategoryConnectionFailure || rep.Outcome != report.OutcomeFailed {
		t.Errorf("report = %s/%s", rep.Category, rep.Outcome)
	}
	if len(rep.Phases) != 1 || rep.Phases[0].Window.ConnectionSuccessRate != 0 {
		t.Errorf("phases = %+v", rep.Phases)
	}
	if h.calls.Load() != 0 {
		t.Error("workload should not run without connections")
	}
	if got := h.sink.count(report.EventConnectFailed); got != 50 {
		t.Errorf("connect_failed events = %d, want 50", got)
	}
}

func TestRampServerStartFailure(t *testing.T) {
	h := newHarness(testConfig(), &memDialer{}, healthy, nil)
	h.srv.startErr = errors.New("address in use")

	rep, err := h.ctrl.Run(context.Background())
	if err == nil {
		t.Fatal("expected hard error")
	}
	if rep == nil || rep.Outcome != report.OutcomeFailed || rep.TotalPhases != 0 {
		t.Errorf("report = %+v", rep)
	}
	if h.sink.report == nil {
		t.Error("partial report should still reach the sink")
	}
}

func TestRampRequiredMetrics(t *testing.T) {
	cfg := testConfig()
	cfg.Server.RequireMetrics = true
	h := newHarness(cfg, &memDialer{}, healthy, nil)
	h.srv.noSamples = true

	rep, err := h.ctrl.Run(context.Background())
	if !errors.Is(err, ErrMetricsUnavailable) {
		t.Fatalf("err = %v, want ErrMetricsUnavailable", err)
	}
	if rep.Outcome != report.OutcomeFailed {
		t.Errorf("outcome = %s", rep.Outcome)
	}
	if h.pool.ActiveCount() != 0 {
		t.Error("pool should be shut down after a hard error")
	}
}

func TestRampStatus(t *testing.T) {
	var seen []health.Snapshot
	var mu sync.Mutex
	cfg := testConfig()
	cfg.Ramp.MaxClients = 150

	h := newHarness(cfg, &memDialer{}, healthy, nil)
	h.ctrl.deps.OnStatus = func(s health.Snapshot) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	}

	if _, err := h.ctrl.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	st := h.ctrl.Status()
	if !st.Terminal || st.State != string(StateTerminated) || st.RunID != "test-run" {
		t.Errorf("final status = %+v", st)
	}
	if st.LastHealthy != 150 || st.LastVerdict != "GREEN" {
		t.Errorf("final status = %+v", st)
	}

	states := map[string]bool{}
	mu.Lock()
	for _, s := range seen {
		states[s.State] = true
	}
	mu.Unlock()
	for _, want := range []State{StateBaseline, StateStabilizing, StateMeasuring, StateTerminated} {
		if !states[string(want)] {
			t.Errorf("state %s never reported", want)
		}
	}
}
