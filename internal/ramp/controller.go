// Package ramp drives the progressive load test: a baseline window, then
// one increment of clients per phase until a RED verdict or a safety limit
// ends the run.
package ramp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cortexuvula/wsbench/internal/config"
	"github.com/cortexuvula/wsbench/internal/conn"
	"github.com/cortexuvula/wsbench/internal/health"
	"github.com/cortexuvula/wsbench/internal/logging"
	"github.com/cortexuvula/wsbench/internal/metrics"
	"github.com/cortexuvula/wsbench/internal/pool"
	"github.com/cortexuvula/wsbench/internal/report"
	"github.com/cortexuvula/wsbench/internal/server"
	"github.com/cortexuvula/wsbench/internal/sink"
	"github.com/cortexuvula/wsbench/internal/workload"
)

// ErrMetricsUnavailable fails a run that requires server resource metrics
// when sampling does not work.
var ErrMetricsUnavailable = errors.New("server resource metrics unavailable")

// State is the controller's position in the run.
type State string

const (
	StateInitializing State = "initializing"
	StateBaseline     State = "baseline"
	StateStabilizing  State = "stabilizing"
	StateMeasuring    State = "measuring"
	StateTerminated   State = "terminated"
)

// Pool is the client pool as seen by the controller.
type Pool interface {
	GrowTo(ctx context.Context, target int) (*pool.BatchResult, error)
	Active() []*conn.Conn
	ActiveCount() int
	All() []*conn.Conn
	Shutdown()
	TakeEvents() []report.ConnectionEvent
}

// Workload drives one measurement window.
type Workload interface {
	Run(ctx context.Context, conns []*conn.Conn, duration time.Duration) (*workload.Result, error)
}

// WorkloadFactory returns a fresh driver for every window.
type WorkloadFactory func() (Workload, error)

// NewWorkloadFactory builds drivers from the workload section of cfg.
func NewWorkloadFactory(cfg config.WorkloadConfig) WorkloadFactory {
	return func() (Workload, error) {
		return workload.New(workload.Options{
			Pattern:           workload.Pattern(cfg.Pattern),
			Interval:          cfg.RTTInterval,
			BroadcastInterval: cfg.BroadcastInterval,
			Grace:             cfg.DrainGrace,
		})
	}
}

// Deps are the collaborators of a Controller. Sink and Metrics may be nil.
type Deps struct {
	RunID    string
	Pool     Pool
	Workload WorkloadFactory
	Server   server.Lifecycle
	Sink     sink.Sink
	Metrics  *metrics.Metrics
	// OnStatus is called after every state change, for example to update
	// the service manager status line.
	OnStatus func(health.Snapshot)
}

// Controller runs one ramp. It is single use.
type Controller struct {
	cfg  *config.Config
	deps Deps
	log  *slog.Logger

	throughputEvery time.Duration

	start       time.Time
	yellow      int
	lastHealthy int
	maxTarget   int

	mu   sync.Mutex
	snap health.Snapshot
}

// New creates a controller for cfg.
func New(cfg *config.Config, deps Deps) *Controller {
	if deps.Sink == nil {
		deps.Sink = sink.Nop{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(nil)
	}
	return &Controller{
		cfg:             cfg,
		deps:            deps,
		log:             logging.ForRun(deps.RunID, cfg.Target.Library),
		throughputEvery: throughputInterval,
		snap: health.Snapshot{
			RunID:   deps.RunID,
			Library: cfg.Target.Library,
			State:   string(StateInitializing),
		},
	}
}

// Status returns the live view of the run.
func (c *Controller) Status() health.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.snap
	if !c.start.IsZero() {
		s.Elapsed = time.Since(c.start)
	}
	s.ActiveClients = c.deps.Pool.ActiveCount()
	return s
}

func (c *Controller) update(fn func(s *health.Snapshot)) {
	c.mu.Lock()
	fn(&c.snap)
	c.mu.Unlock()
	if c.deps.OnStatus != nil {
		c.deps.OnStatus(c.Status())
	}
}

func (c *Controller) setState(st State) {
	c.update(func(s *health.Snapshot) { s.State = string(st) })
}

// Run executes the whole ramp and always returns a report. The error is
// non-nil only for hard failures: the server could not be started or
// required resource metrics were unavailable.
func (c *Controller) Run(ctx context.Context) (*report.Report, error) {
	c.mu.Lock()
	c.start = time.Now()
	c.mu.Unlock()

	rep := &report.Report{
		RunID:     c.deps.RunID,
		Library:   c.cfg.Target.Library,
		Pattern:   c.cfg.Workload.Pattern,
		StartedAt: c.start,
		Outcome:   report.OutcomeCompleted,
	}

	err := c.run(ctx, rep)
	if err != nil {
		rep.Outcome = report.OutcomeFailed
		if rep.Reason == "" {
			rep.Reason = err.Error()
		}
	}
	c.teardown(rep)
	return rep, err
}

func (c *Controller) run(ctx context.Context, rep *report.Report) error {
	c.log.Info("starting ramp",
		"url", c.cfg.Target.URL,
		"pattern", c.cfg.Workload.Pattern,
		"baseline", c.cfg.Ramp.BaselineClients,
		"increment", c.cfg.Ramp.IncrementSize,
		"max_clients", c.cfg.Ramp.MaxClients,
	)

	if err := c.deps.Server.Start(ctx); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	if stop := c.wait(ctx, c.cfg.Server.Warmup); stop != nil {
		c.terminate(rep, *stop)
		return nil
	}

	for phase := 0; ; phase++ {
		target := c.cfg.Ramp.BaselineClients
		if phase > 0 {
			active := c.deps.Pool.ActiveCount()
			if active >= c.cfg.Ramp.MaxClients {
				c.terminate(rep, report.Verdict{
					Status:   report.Green,
					Category: report.CategoryMaxClients,
					Reason:   fmt.Sprintf("%d active clients reached the limit of %d", active, c.cfg.Ramp.MaxClients),
				})
				return nil
			}
			if elapsed := time.Since(c.start); elapsed >= c.cfg.Ramp.MaxDuration {
				c.terminate(rep, report.Verdict{
					Status:   report.Green,
					Category: report.CategoryMaxDuration,
					Reason:   fmt.Sprintf("run time %s reached the limit of %s", elapsed.Round(time.Second), c.cfg.Ramp.MaxDuration),
				})
				return nil
			}
			target = min(active+c.cfg.Ramp.IncrementSize, c.cfg.Ramp.MaxClients)
		}

		done, err := c.phase(ctx, rep, phase, target)
		if err != nil || done {
			return err
		}
	}
}

// phase grows the pool to target and measures one window. It reports true
// once the run is terminal.
func (c *Controller) phase(ctx context.Context, rep *report.Report, phase, target int) (bool, error) {
	c.maxTarget = max(c.maxTarget, target)
	st := StateMeasuring
	if phase == 0 {
		st = StateBaseline
	}
	c.update(func(s *health.Snapshot) {
		s.State = string(st)
		s.Phase = phase
		s.TargetClients = target
	})
	c.deps.Metrics.Phase.Set(float64(phase))
	c.log.Info("phase starting", "phase", phase, "target_clients", target)

	batch, err := c.deps.Pool.GrowTo(ctx, target)
	c.recordEvents()
	if batch != nil {
		c.deps.Metrics.ConnectAttempts.WithLabelValues("success").Add(float64(len(batch.Connected)))
		c.deps.Metrics.ConnectAttempts.WithLabelValues("failure").Add(float64(len(batch.Failed)))
	}
	c.deps.Metrics.ActiveClients.Set(float64(c.deps.Pool.ActiveCount()))

	if stop := c.interrupted(ctx); stop != nil {
		c.terminate(rep, *stop)
		return true, nil
	}
	if errors.Is(err, pool.ErrAllConnectsFailed) {
		w := c.connectOnlyWindow(phase, target, batch)
		v := report.Verdict{
			Status:   report.Red,
			Category: report.CategoryConnectionFailure,
			Reason:   fmt.Sprintf("every connection of a batch of %d failed", len(batch.Failed)),
		}
		c.record(rep, w, v)
		c.terminate(rep, v)
		return true, nil
	}

	if phase > 0 {
		c.setState(StateStabilizing)
		if stop := c.wait(ctx, c.cfg.Ramp.StabilizationTime); stop != nil {
			c.terminate(rep, *stop)
			return true, nil
		}
		c.setState(StateMeasuring)
	}

	w, stop, err := c.measure(ctx, phase, target, batch)
	if err != nil {
		return true, err
	}
	if stop != nil {
		c.terminate(rep, *stop)
		return true, nil
	}

	v := health.Evaluate(w, c.cfg.Thresholds)
	switch v.Status {
	case report.Green:
		c.yellow = 0
		c.lastHealthy = w.ActiveClients
	case report.Yellow:
		c.yellow++
		if c.yellow >= c.cfg.Ramp.ConsecutiveYellowLimit {
			v = health.Degraded(c.yellow, v)
		}
	}

	c.record(rep, w, v)
	c.log.Info("phase complete",
		"phase", phase,
		"clients", w.ActiveClients,
		"verdict", v.Status.String(),
		"reason", v.Reason,
		"p95_ms", w.Latency.P95,
		"loss_rate", w.LossRate,
	)

	if v.Status == report.Red {
		c.terminate(rep, v)
		return true, nil
	}
	return false, nil
}

// measure resets counters, runs the workload for one window while polling
// server resources, and builds the window result. A non-nil verdict means
// the window was cut short by a crash or interrupt.
func (c *Controller) measure(ctx context.Context, phase, target int, batch *pool.BatchResult) (*report.WindowResult, *report.Verdict, error) {
	conns := c.deps.Pool.Active()
	for _, cn := range conns {
		cn.ResetCounters()
	}

	drv, err := c.deps.Workload()
	if err != nil {
		return nil, nil, fmt.Errorf("creating workload: %w", err)
	}

	winCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-c.deps.Server.Done():
			cancel()
		case <-winCtx.Done():
		}
	}()

	poller := newResourcePoller(c.deps.Server, c.cfg.Workload.ResourcePollInterval, c.cfg.Server.RequireMetrics)
	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		poller.run(winCtx)
	}()

	meter := newThroughputMeter(conns, c.throughputEvery)
	meterDone := make(chan struct{})
	go func() {
		defer close(meterDone)
		meter.run(winCtx)
	}()

	started := time.Now()
	res, runErr := drv.Run(winCtx, conns, c.cfg.Ramp.MeasurementWindow)
	cancel()
	<-pollDone
	<-meterDone

	select {
	case <-c.deps.Server.Done():
		v := health.Crashed(c.deps.Server.Err(), time.Since(c.start))
		return nil, &v, nil
	default:
	}
	if stop := c.interrupted(ctx); stop != nil {
		return nil, stop, nil
	}
	if runErr != nil {
		c.log.Warn("workload ended early", "phase", phase, "error", runErr)
	}
	if err := poller.err(); err != nil {
		return nil, nil, err
	}

	w := c.buildWindow(phase, target, started, conns, batch, res, poller.samples())
	w.ThroughputSamples = meter.samples()
	return w, nil, nil
}

// record appends a phase to the report and forwards it to the sink and
// metrics.
func (c *Controller) record(rep *report.Report, w *report.WindowResult, v report.Verdict) {
	rep.Phases = append(rep.Phases, report.PhaseResult{Window: w, Verdict: v})

	m := c.deps.Metrics
	m.VerdictsTotal.WithLabelValues(v.Status.String()).Inc()
	m.ConsecutiveYellow.Set(float64(c.yellow))
	m.MessagesTotal.WithLabelValues("sent").Add(float64(w.MessagesSent))
	m.MessagesTotal.WithLabelValues("received").Add(float64(w.MessagesReceived))
	m.DisconnectsTotal.Add(float64(w.Disconnects))
	for _, r := range w.RTTs {
		m.LatencyMs.Observe(r.RTT)
	}
	for _, b := range w.Broadcasts {
		m.LatencyMs.Observe(b.Latency)
	}
	if w.CPUPercent != nil {
		m.ServerCPU.Set(*w.CPUPercent)
	}
	if len(w.Resources) > 0 {
		m.ServerMemoryMB.Set(w.MemoryMB)
	}

	if err := c.deps.Sink.RecordWindow(w, v); err != nil {
		c.log.Warn("failed to record window", "phase", w.Phase, "error", err)
	}
	c.recordEvents()

	c.update(func(s *health.Snapshot) {
		s.ConsecutiveYellow = c.yellow
		s.LastVerdict = v.Status.String()
		s.LastReason = v.Reason
		s.LastHealthy = c.lastHealthy
	})
}

func (c *Controller) recordEvents() {
	events := c.deps.Pool.TakeEvents()
	if err := c.deps.Sink.RecordConnections(events); err != nil {
		c.log.Warn("failed to record connection events", "error", err)
	}
}

// terminate fills the report's final fields from the stopping verdict.
func (c *Controller) terminate(rep *report.Report, v report.Verdict) {
	rep.Category = v.Category
	rep.Reason = v.Reason
	if v.Status == report.Red && !v.Category.IsSafetyStop() {
		rep.Outcome = report.OutcomeFailed
	}
	c.log.Info("ramp terminating", "category", string(v.Category), "reason", v.Reason)
}

func (c *Controller) teardown(rep *report.Report) {
	c.deps.Pool.Shutdown()
	c.recordEvents()
	c.deps.Metrics.ActiveClients.Set(0)

	// Stop on an attached server only releases its watcher.
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Server.StopTimeout+time.Second)
	if err := c.deps.Server.Stop(ctx); err != nil {
		c.log.Warn("failed to stop server", "owned", c.deps.Server.Owned(), "error", err)
	}
	cancel()

	rep.FinishedAt = time.Now()
	rep.TotalPhases = len(rep.Phases)
	rep.MaxClientsAttempted = c.maxTarget
	rep.LastHealthyClients = c.lastHealthy

	if err := c.deps.Sink.RecordReport(rep); err != nil {
		c.log.Warn("failed to write report", "error", err)
	}

	c.update(func(s *health.Snapshot) {
		s.State = string(StateTerminated)
		s.Terminal = true
		s.LastHealthy = c.lastHealthy
		if rep.Category != report.CategoryNone {
			s.LastReason = rep.Reason
		}
	})
	c.log.Info("ramp finished",
		"outcome", string(rep.Outcome),
		"phases", rep.TotalPhases,
		"max_clients_attempted", rep.MaxClientsAttempted,
		"last_healthy_clients", rep.LastHealthyClients,
		"duration", rep.Duration().Round(time.Millisecond),
	)
}

// wait sleeps for d unless the context ends or the server exits first.
func (c *Controller) wait(ctx context.Context, d time.Duration) *report.Verdict {
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
		case <-c.deps.Server.Done():
		}
	}
	select {
	case <-c.deps.Server.Done():
		v := health.Crashed(c.deps.Server.Err(), time.Since(c.start))
		return &v
	default:
	}
	return c.interrupted(ctx)
}

func (c *Controller) interrupted(ctx context.Context) *report.Verdict {
	if ctx.Err() == nil {
		return nil
	}
	return &report.Verdict{
		Status:   report.Red,
		Category: report.CategoryInterrupted,
		Reason:   "run cancelled: " + context.Cause(ctx).Error(),
	}
}
