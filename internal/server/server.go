// Package server manages the WebSocket server under test: spawning or
// attaching to it, sampling its CPU and memory, and noticing when it dies.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cortexuvula/wsbench/internal/config"
	"github.com/cortexuvula/wsbench/internal/report"
	"github.com/shirou/gopsutil/v3/process"
)

// Lifecycle is the server collaborator of a run.
type Lifecycle interface {
	// Start launches or attaches to the server.
	Start(ctx context.Context) error
	// Sample returns the latest resource reading, or nil when the server
	// cannot be measured.
	Sample(ctx context.Context) (*report.ResourceSample, error)
	// Done is closed when the server exits on its own.
	Done() <-chan struct{}
	// Err explains why Done closed.
	Err() error
	// Stop terminates the server if this lifecycle started it and always
	// releases background watchers. Safe to call more than once.
	Stop(ctx context.Context) error
	// Owned reports whether Stop terminates anything.
	Owned() bool
}

// ErrExited is reported by Err when the server exited without an error.
var ErrExited = errors.New("server exited")

// New picks the lifecycle for cfg: embedded reference server, spawned
// command, or an already-running server.
func New(cfg *config.Config) (Lifecycle, error) {
	switch {
	case cfg.Server.Embedded:
		u, err := url.Parse(cfg.Target.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing target url: %w", err)
		}
		return NewEmbedded(u.Host, cfg.Server.EmbeddedLib, cfg.Target.MaxMessageSize, cfg.Server.StopTimeout)
	case len(cfg.Server.Command) > 0:
		return NewProcess(cfg.Server.Command, cfg.Server.Dir, cfg.Server.Env, cfg.Server.StopTimeout), nil
	default:
		return NewAttached(cfg.Server.PID), nil
	}
}

// sampler reads CPU and RSS of one pid with gopsutil.
type sampler struct {
	mu   sync.Mutex
	proc *process.Process
}

func (s *sampler) attach(ctx context.Context, pid int32) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return fmt.Errorf("attaching to pid %d: %w", pid, err)
	}
	s.mu.Lock()
	s.proc = p
	s.mu.Unlock()
	// Prime the CPU counter so the first real sample covers one interval.
	p.PercentWithContext(ctx, 0)
	return nil
}

func (s *sampler) sample(ctx context.Context) (*report.ResourceSample, error) {
	s.mu.Lock()
	p := s.proc
	s.mu.Unlock()
	if p == nil {
		return nil, nil
	}

	out := &report.ResourceSample{At: time.Now()}
	if cpu, err := p.PercentWithContext(ctx, 0); err == nil {
		out.CPUPercent = &cpu
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading memory of pid %d: %w", p.Pid, err)
	}
	out.MemoryMB = float64(mem.RSS) / 1024 / 1024
	return out, nil
}

func (s *sampler) running(ctx context.Context) bool {
	s.mu.Lock()
	p := s.proc
	s.mu.Unlock()
	if p == nil {
		return true
	}
	ok, err := p.IsRunningWithContext(ctx)
	return err == nil && ok
}

// exitState closes a done channel once and remembers why.
type exitState struct {
	once sync.Once
	done chan struct{}
	mu   sync.Mutex
	err  error
}

func newExitState() *exitState {
	return &exitState{done: make(chan struct{})}
}

func (e *exitState) exit(err error) {
	e.once.Do(func() {
		if err == nil {
			err = ErrExited
		}
		e.mu.Lock()
		e.err = err
		e.mu.Unlock()
		close(e.done)
	})
}

func (e *exitState) Done() <-chan struct{} { return e.done }

func (e *exitState) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}
