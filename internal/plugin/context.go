package plugin

import (
	"context"
	"log/slog"

	"github.com/furrow-io/furrow/internal/landscape"
	"github.com/furrow-io/furrow/internal/payload"
)

// RateLimiter is the slice of the engine's rate limiter that plugins may
// use to pace external calls. Acquire blocks until the category's bucket
// has n tokens or the context is cancelled.
type RateLimiter interface {
	Acquire(ctx context.Context, category string, n int) error
}

// Span is a tracing span handle. End must be called exactly once.
type Span interface {
	End()
}

// Tracer opens spans around plugin work. The engine attaches one when
// tracing is configured; otherwise Context.StartSpan is a no-op.
type Tracer interface {
	StartSpan(name string) Span
}

// noopSpan backs StartSpan when no tracer is attached.
type noopSpan struct{}

func (noopSpan) End() {}

// Context carries everything a plugin may need for one run: identity,
// resolved options, and optional handles to core services. Collaborator
// fields may be nil; accessors return usable zero behavior instead.
type Context struct {
	// Ctx is the run-scoped context for cancellation and deadlines.
	Ctx context.Context

	// RunID identifies the enclosing run.
	RunID string
	// NodeID identifies this plugin's compiled graph node.
	NodeID string
	// PluginName is the registered plugin name.
	PluginName string
	// StateID identifies the current node state during a stage call, empty
	// outside one (lifecycle hooks).
	StateID string

	// Options is the plugin's resolved configuration.
	Options map[string]any

	// Recorder is the audit recorder, present when the landscape is
	// enabled. Plugins use it for external-call records only; all state
	// and routing records are written by the executors.
	Recorder landscape.Recorder

	// Payloads is the content-addressed payload store, when configured.
	Payloads payload.Store

	// Limiter paces external calls per category, when configured.
	Limiter RateLimiter

	// Logger is never nil.
	Logger *slog.Logger

	tracer Tracer
}

// NewContext builds a plugin context with a guaranteed logger.
func NewContext(ctx context.Context, runID, nodeID, pluginName string, options map[string]any) *Context {
	return &Context{
		Ctx:        ctx,
		RunID:      runID,
		NodeID:     nodeID,
		PluginName: pluginName,
		Options:    options,
		Logger:     slog.Default(),
	}
}

// WithTracer attaches a tracer. Returns the same context for chaining.
func (c *Context) WithTracer(t Tracer) *Context {
	c.tracer = t

	return c
}

// StartSpan opens a tracing span, or a no-op span when no tracer is
// attached. The returned span must be ended by the caller.
func (c *Context) StartSpan(name string) Span {
	if c.tracer == nil {
		return noopSpan{}
	}

	return c.tracer.StartSpan(name)
}

// Context returns the run-scoped context, defaulting to Background so that
// plugins can always pass it onward.
func (c *Context) Context() context.Context {
	if c.Ctx == nil {
		return context.Background()
	}

	return c.Ctx
}
