package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cortexuvula/wsbench/internal/report"
)

// Process spawns the server as a child process.
type Process struct {
	argv        []string
	dir         string
	env         []string
	stopTimeout time.Duration

	log      *slog.Logger
	cmd      *exec.Cmd
	stopping atomic.Bool
	*exitState
	sampler
}

// NewProcess prepares a child process lifecycle. Nothing runs until Start.
func NewProcess(argv []string, dir string, env []string, stopTimeout time.Duration) *Process {
	return &Process{
		argv:        argv,
		dir:         dir,
		env:         env,
		stopTimeout: stopTimeout,
		exitState:   newExitState(),
	}
}

func (p *Process) Owned() bool { return true }

func (p *Process) Start(ctx context.Context) error {
	if len(p.argv) == 0 {
		return fmt.Errorf("server command is empty")
	}
	cmd := exec.Command(p.argv[0], p.argv[1:]...)
	cmd.Dir = p.dir
	cmd.Env = append(os.Environ(), p.env...)

	if p.log == nil {
		p.log = slog.Default()
	}
	// Wait returns only after os/exec has copied everything the child wrote
	// into pw, or after WaitDelay if a grandchild keeps the pipe open.
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.WaitDelay = p.stopTimeout

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return fmt.Errorf("starting server %q: %w", p.argv[0], err)
	}
	p.cmd = cmd
	pid := cmd.Process.Pid
	p.log.Info("server process started", "command", p.argv, "pid", pid)

	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		p.forwardOutput(pr, pid)
	}()
	go func() {
		err := cmd.Wait()
		pw.Close()
		<-forwarded
		if !p.stopping.Load() {
			p.log.Error("server process exited", "pid", pid, "error", err)
		}
		p.exit(err)
	}()

	if err := p.attach(ctx, int32(cmd.Process.Pid)); err != nil {
		p.log.Warn("resource sampling unavailable", "error", err)
	}
	return nil
}

func (p *Process) Sample(ctx context.Context) (*report.ResourceSample, error) {
	select {
	case <-p.Done():
		return nil, fmt.Errorf("server not running: %w", p.Err())
	default:
	}
	return p.sample(ctx)
}

// Stop sends SIGTERM and kills the process if it is still alive after the
// stop timeout.
func (p *Process) Stop(ctx context.Context) error {
	if p.cmd == nil {
		return nil
	}
	select {
	case <-p.Done():
		return nil
	default:
	}

	p.stopping.Store(true)

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		p.log.Debug("sigterm failed", "error", err)
	}

	t := time.NewTimer(p.stopTimeout)
	defer t.Stop()
	select {
	case <-p.Done():
		p.log.Info("server process stopped", "pid", p.cmd.Process.Pid)
		return nil
	case <-t.C:
	case <-ctx.Done():
	}

	p.log.Warn("server did not stop in time, killing", "pid", p.cmd.Process.Pid, "timeout", p.stopTimeout)
	if err := p.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("killing server: %w", err)
	}
	<-p.Done()
	return nil
}

// forwardOutput relays server output lines to the debug log until the
// pipe is closed.
func (p *Process) forwardOutput(r io.ReadCloser, pid int) {
	defer r.Close()
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		p.log.Debug("server output", "pid", pid, "line", sc.Text())
	}
	// Drain anything after an over-long line so the child never blocks.
	io.Copy(io.Discard, r)
}
