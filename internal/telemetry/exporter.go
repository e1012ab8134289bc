package telemetry

import (
	"context"
	"log/slog"
	"sync"
)

// Exporter delivers events to one destination.
//
// Export is always called from the manager's single consumer goroutine,
// never concurrently with itself, but it may run on a different goroutine
// than the one that constructed or will close the exporter.
type Exporter interface {
	// Name identifies the exporter in failure counters and logs.
	Name() string
	// Export delivers one event.
	Export(ctx context.Context, event *Event) error
	// Flush pushes any buffered events to the destination.
	Flush(ctx context.Context) error
	// Close releases exporter resources. No Export calls follow Close.
	Close() error
}

// LogExporter writes events to a structured logger. It is the zero-setup
// exporter: useful in development and as a fallback destination.
type LogExporter struct {
	logger *slog.Logger
}

var _ Exporter = (*LogExporter)(nil)

// NewLogExporter creates a log exporter. A nil logger uses slog.Default().
func NewLogExporter(logger *slog.Logger) *LogExporter {
	if logger == nil {
		logger = slog.Default()
	}

	return &LogExporter{logger: logger}
}

// Name implements Exporter.
func (e *LogExporter) Name() string { return "log" }

// Export implements Exporter.
func (e *LogExporter) Export(ctx context.Context, event *Event) error {
	attrs := []any{
		slog.String("event_id", event.EventID),
		slog.String("run_id", event.RunID),
		slog.Time("timestamp", event.Timestamp),
	}

	if event.NodeID != "" {
		attrs = append(attrs, slog.String("node_id", event.NodeID))
	}

	if event.TokenID != "" {
		attrs = append(attrs, slog.String("token_id", event.TokenID))
	}

	if event.Status != "" {
		attrs = append(attrs, slog.String("status", event.Status))
	}

	e.logger.LogAttrs(ctx, slog.LevelInfo, string(event.Type), toAttrs(attrs)...)

	return nil
}

func toAttrs(args []any) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(args))

	for _, a := range args {
		if attr, ok := a.(slog.Attr); ok {
			attrs = append(attrs, attr)
		}
	}

	return attrs
}

// Flush implements Exporter. Log output is unbuffered.
func (e *LogExporter) Flush(_ context.Context) error { return nil }

// Close implements Exporter.
func (e *LogExporter) Close() error { return nil }

// MemoryExporter buffers events in memory. Test use only.
type MemoryExporter struct {
	mu     sync.Mutex
	events []*Event
	closed bool
}

var _ Exporter = (*MemoryExporter)(nil)

// NewMemoryExporter creates an empty in-memory exporter.
func NewMemoryExporter() *MemoryExporter {
	return &MemoryExporter{}
}

// Name implements Exporter.
func (e *MemoryExporter) Name() string { return "memory" }

// Export implements Exporter.
func (e *MemoryExporter) Export(_ context.Context, event *Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.events = append(e.events, event)

	return nil
}

// Flush implements Exporter.
func (e *MemoryExporter) Flush(_ context.Context) error { return nil }

// Close implements Exporter.
func (e *MemoryExporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closed = true

	return nil
}

// Events returns a copy of the buffered events.
func (e *MemoryExporter) Events() []*Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*Event, len(e.events))
	copy(out, e.events)

	return out
}

// Closed reports whether Close was called.
func (e *MemoryExporter) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.closed
}
