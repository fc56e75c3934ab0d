// Package logring keeps the most recent log records of a run in memory so
// the status listener can show what the harness has been doing.
package logring

import (
	"log/slog"
	"sync"
	"time"
)

// Record is one captured log line.
type Record struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`

	level slog.Level
}

// Query filters Buffer.Recent. Zero values match everything.
type Query struct {
	Limit    int
	MinLevel slog.Level
	Since    time.Time
	Phase    *int // only records logged with this phase attribute
}

// Buffer is a fixed-size ring of records, safe for concurrent use.
type Buffer struct {
	mu      sync.RWMutex
	records []Record
	next    int
	size    int
}

// New returns a buffer holding at most capacity records.
func New(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{records: make([]Record, capacity)}
}

// Add stores r, evicting the oldest record when full.
func (b *Buffer) Add(r Record) {
	b.mu.Lock()
	b.records[b.next] = r
	b.next = (b.next + 1) % len(b.records)
	if b.size < len(b.records) {
		b.size++
	}
	b.mu.Unlock()
}

// Len is the number of records held.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Recent returns matching records, newest first.
func (b *Buffer) Recent(q Query) []Record {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Record
	for i := 0; i < b.size; i++ {
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
		r := b.records[(b.next-1-i+len(b.records))%len(b.records)]
		if r.level < q.MinLevel {
			continue
		}
		if !q.Since.IsZero() && r.Time.Before(q.Since) {
			continue
		}
		if q.Phase != nil && !hasPhase(r, *q.Phase) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func hasPhase(r Record, phase int) bool {
	switch v := r.Attrs["phase"].(type) {
	case int64:
		return v == int64(phase)
	case int:
		return v == phase
	}
	return false
}
