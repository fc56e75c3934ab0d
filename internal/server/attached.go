package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cortexuvula/wsbench/internal/report"
)

// Attached watches a server the harness did not start. Without a pid it
// cannot sample resources or detect a crash.
type Attached struct {
	pid          int32
	pollInterval time.Duration
	cancel       context.CancelFunc
	*exitState
	sampler
}

// NewAttached returns a lifecycle for an already-running server. pid 0
// means unknown.
func NewAttached(pid int32) *Attached {
	return &Attached{
		pid:          pid,
		pollInterval: time.Second,
		exitState:    newExitState(),
	}
}

func (a *Attached) Owned() bool { return false }

func (a *Attached) Start(ctx context.Context) error {
	if a.pid == 0 {
		slog.Info("attached to external server without pid, resource sampling disabled")
		return nil
	}
	if err := a.attach(ctx, a.pid); err != nil {
		return err
	}
	if !a.running(ctx) {
		return fmt.Errorf("server pid %d is not running", a.pid)
	}
	slog.Info("attached to external server", "pid", a.pid)

	watchCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go a.watch(watchCtx)
	return nil
}

func (a *Attached) watch(ctx context.Context) {
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !a.running(ctx) {
				if ctx.Err() != nil {
					return
				}
				slog.Error("external server is gone", "pid", a.pid)
				a.exit(fmt.Errorf("pid %d no longer running", a.pid))
				return
			}
		}
	}
}

func (a *Attached) Sample(ctx context.Context) (*report.ResourceSample, error) {
	return a.sample(ctx)
}

// Stop ends the watcher. The external server is left running.
func (a *Attached) Stop(context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	return nil
}
