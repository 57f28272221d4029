package agent

import (
	"context"
	"log/slog"
	"sync"

	"github.com/reconmc/reconmc/internal/logsink"
)

// LogBuffer is a slog.Handler that captures one task's log records for
// shipment to the coordinator when the task ends. Each claimed item gets
// its own buffer, so there is no process-wide log state.
type LogBuffer struct {
	mu    sync.Mutex
	lines []logsink.Line
	inner slog.Handler
}

// NewLogBuffer tees records into the buffer and the inner handler (the
// agent's normal stderr output). inner may be nil.
func NewLogBuffer(inner slog.Handler) *LogBuffer {
	return &LogBuffer{inner: inner}
}

// Logger returns a slog.Logger writing through this buffer.
func (b *LogBuffer) Logger() *slog.Logger {
	return slog.New(b)
}

func (b *LogBuffer) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

func (b *LogBuffer) Handle(ctx context.Context, r slog.Record) error {
	msg := r.Message
	r.Attrs(func(a slog.Attr) bool {
		msg += " " + a.String()
		return true
	})

	b.mu.Lock()
	b.lines = append(b.lines, logsink.Line{
		Level:     r.Level.String(),
		Message:   msg,
		Timestamp: r.Time,
	})
	b.mu.Unlock()

	if b.inner != nil && b.inner.Enabled(ctx, r.Level) {
		return b.inner.Handle(ctx, r)
	}
	return nil
}

func (b *LogBuffer) WithAttrs(attrs []slog.Attr) slog.Handler {
	inner := b.inner
	if inner != nil {
		inner = inner.WithAttrs(attrs)
	}
	// Attrs added here reach only the inner handler; buffered lines carry
	// each record's own attrs. The buffer itself is shared so all records
	// for the task land in one place.
	return &logBufferProxy{parent: b, inner: inner}
}

func (b *LogBuffer) WithGroup(name string) slog.Handler {
	inner := b.inner
	if inner != nil {
		inner = inner.WithGroup(name)
	}
	return &logBufferProxy{parent: b, inner: inner}
}

// logBufferProxy keeps derived handlers writing into the same buffer.
type logBufferProxy struct {
	parent *LogBuffer
	inner  slog.Handler
}

func (p *logBufferProxy) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

func (p *logBufferProxy) Handle(ctx context.Context, r slog.Record) error {
	msg := r.Message
	r.Attrs(func(a slog.Attr) bool {
		msg += " " + a.String()
		return true
	})

	p.parent.mu.Lock()
	p.parent.lines = append(p.parent.lines, logsink.Line{
		Level:     r.Level.String(),
		Message:   msg,
		Timestamp: r.Time,
	})
	p.parent.mu.Unlock()

	if p.inner != nil && p.inner.Enabled(ctx, r.Level) {
		return p.inner.Handle(ctx, r)
	}
	return nil
}

func (p *logBufferProxy) WithAttrs(attrs []slog.Attr) slog.Handler {
	inner := p.inner
	if inner != nil {
		inner = inner.WithAttrs(attrs)
	}
	return &logBufferProxy{parent: p.parent, inner: inner}
}

func (p *logBufferProxy) WithGroup(name string) slog.Handler {
	inner := p.inner
	if inner != nil {
		inner = inner.WithGroup(name)
	}
	return &logBufferProxy{parent: p.parent, inner: inner}
}

// Drain returns the captured lines and resets the buffer.
func (b *LogBuffer) Drain() []logsink.Line {
	b.mu.Lock()
	defer b.mu.Unlock()
	lines := b.lines
	b.lines = nil
	return lines
}
