package server

import (
	"context"
	"os"
	"time"

	"github.com/cortexuvula/wsbench/internal/echoserver"
	"github.com/cortexuvula/wsbench/internal/report"
)

// Embedded runs the reference echo server inside the harness process.
type Embedded struct {
	addr        string
	bound       string
	stopTimeout time.Duration
	srv         *echoserver.Server
	*exitState
	sampler
}

// NewEmbedded prepares the reference server on addr using library.
func NewEmbedded(addr, library string, maxMessageSize int64, stopTimeout time.Duration) (*Embedded, error) {
	srv, err := echoserver.New(echoserver.Options{Library: library, MaxMessageSize: maxMessageSize})
	if err != nil {
		return nil, err
	}
	if stopTimeout <= 0 {
		stopTimeout = 5 * time.Second
	}
	return &Embedded{
		addr:        addr,
		stopTimeout: stopTimeout,
		srv:         srv,
		exitState:   newExitState(),
	}, nil
}

func (e *Embedded) Owned() bool { return true }

// Addr returns the bound listen address once started.
func (e *Embedded) Addr() string { return e.bound }

// Server exposes the reference server for counters.
func (e *Embedded) Server() *echoserver.Server { return e.srv }

func (e *Embedded) Start(ctx context.Context) error {
	bound, err := e.srv.Start(e.addr)
	if err != nil {
		return err
	}
	e.bound = bound
	// The harness shares the process, so samples include client-side load.
	return e.attach(ctx, int32(os.Getpid()))
}

func (e *Embedded) Sample(ctx context.Context) (*report.ResourceSample, error) {
	return e.sample(ctx)
}

func (e *Embedded) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.stopTimeout)
	defer cancel()
	return e.srv.Shutdown(ctx)
}
