package logring

import (
	"context"
	"log/slog"
	"strings"
)

// Capture is a slog.Handler that forwards every record to an inner handler
// and copies records at or above its own level into a Buffer.
type Capture struct {
	inner  slog.Handler
	buf    *Buffer
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

// NewCapture wraps inner. Records below level are forwarded but not kept.
func NewCapture(inner slog.Handler, buf *Buffer, level slog.Level) *Capture {
	return &Capture{inner: inner, buf: buf, level: level}
}

// Enabled is true when either the inner handler or the buffer wants the
// record, so debug lines can be captured while stderr stays at info.
func (h *Capture) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level || h.inner.Enabled(ctx, level)
}

func (h *Capture) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= h.level {
		h.buf.Add(h.record(r))
	}
	if !h.inner.Enabled(ctx, r.Level) {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

func (h *Capture) record(r slog.Record) Record {
	rec := Record{
		Time:    r.Time,
		Level:   r.Level.String(),
		Message: r.Message,
		level:   r.Level,
	}
	n := len(h.attrs) + r.NumAttrs()
	if n == 0 {
		return rec
	}
	rec.Attrs = make(map[string]any, n)
	for _, a := range h.attrs {
		rec.Attrs[a.Key] = a.Value.Resolve().Any()
	}
	prefix := h.prefix()
	r.Attrs(func(a slog.Attr) bool {
		rec.Attrs[prefix+a.Key] = a.Value.Resolve().Any()
		return true
	})
	return rec
}

func (h *Capture) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.inner = h.inner.WithAttrs(attrs)
	c.attrs = append([]slog.Attr(nil), h.attrs...)
	prefix := h.prefix()
	for _, a := range attrs {
		c.attrs = append(c.attrs, slog.Attr{Key: prefix + a.Key, Value: a.Value})
	}
	return &c
}

func (h *Capture) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.inner = h.inner.WithGroup(name)
	c.groups = append(append([]string(nil), h.groups...), name)
	return &c
}

// prefix qualifies attribute keys with the open groups, e.g. "window.".
func (h *Capture) prefix() string {
	if len(h.groups) == 0 {
		return ""
	}
	return strings.Join(h.groups, ".") + "."
}
