// Package sink persists measurement windows, connection events and the
// final report.
package sink

import "github.com/cortexuvula/wsbench/internal/report"

// Sink receives everything a run measures. Implementations are called from
// the ramp controller goroutine only.
type Sink interface {
	RecordWindow(w *report.WindowResult, v report.Verdict) error
	RecordConnections(events []report.ConnectionEvent) error
	RecordReport(r *report.Report) error
	Close() error
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordWindow(*report.WindowResult, report.Verdict) error { return nil }
func (Nop) RecordConnections([]report.ConnectionEvent) error         { return nil }
func (Nop) RecordReport(*report.Report) error                        { return nil }
func (Nop) Close() error                                             { return nil }
