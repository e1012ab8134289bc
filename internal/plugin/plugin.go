// Package plugin defines the protocol surface between the execution core and
// pluggable stages: six stage interfaces (source, transform, gate,
// aggregation, coalesce, sink), the result types their calls return, the
// context the engine hands them, and the registry that maps names to
// factories.
//
// Trust model. Sources are trust boundaries and validate external data
// against their output schema; transforms and gates trust their inputs (a
// type mismatch there is an upstream configuration bug and crashes the run);
// sinks re-validate only when their external system demands it. The engine
// enforces only that sources declare a schema; it never inserts validators
// between internal stages.
package plugin

import (
	"context"
	"io"

	"github.com/furrow-io/furrow/internal/landscape"
	"github.com/furrow-io/furrow/internal/schema"
)

// Plugin is the metadata surface every stage implements. Name and Version
// are recorded on the node registration; Determinism classifies how
// reproducible the stage's behavior is.
type Plugin interface {
	Name() string
	Version() string
	Determinism() landscape.Determinism
	InputSchema() *schema.Schema
	OutputSchema() *schema.Schema
}

// RowStream is a lazy row iterator returned by a source. Next returns io.EOF
// after the last row. Close releases underlying resources and is safe to
// call after EOF.
type RowStream interface {
	Next(ctx context.Context) (Row, error)
	Close() error
}

// Source yields the rows a run processes. Sources sit on the trust boundary:
// every row they emit is validated against their output schema in strict
// mode before it becomes a token.
type Source interface {
	Plugin

	// Load opens the row stream. Called once per run.
	Load(ctx *Context) (RowStream, error)

	// OnValidationFailure names the sink that receives quarantined rows, or
	// returns "" to discard them. Either way the recorder keeps a
	// validation_errors record; a quarantined row never becomes a token.
	OnValidationFailure() string
}

// Transform rewrites one row into one row, several rows, or nothing.
type Transform interface {
	Plugin

	// Process rewrites the row. Plugin-level failures travel inside the
	// result (status error, optionally retryable), not as Go errors; the
	// engine treats a panic as a crash, per the trust model.
	Process(ctx *Context, row Row) *TransformResult

	// CreatesTokens reports whether multi-row output is legal for this
	// transform. When true, each output row becomes a child token sharing
	// an expand group.
	CreatesTokens() bool
}

// Gate decides where a token goes: continue, route to a sink, or fork.
// Every evaluation produces exactly one routing event in the audit trail,
// including plain continues.
type Gate interface {
	Plugin

	Evaluate(ctx *Context, row Row) (*GateResult, error)

	// Routes maps this gate's route labels to sink names. The special
	// destination "continue" means the spine's continue edge.
	Routes() map[string]string
}

// Aggregation buffers rows and flushes them as a batch. The engine owns the
// buffers and the batch protocol; the plugin owns acceptance and the flush
// computation.
type Aggregation interface {
	Plugin

	// Accept offers one row. The engine buffers accepted rows and evaluates
	// triggers; Trigger on the result forces an immediate flush.
	Accept(ctx *Context, row Row) (*AcceptResult, error)

	// Flush computes the batch output from the rows accepted since the last
	// flush, in acceptance order. Output cardinality depends on the
	// configured output mode; passthrough must return exactly one row per
	// input.
	Flush(ctx *Context, rows []Row) ([]Row, error)

	// Reset clears plugin-side batch state after a flush or failure.
	Reset()
}

// Coalesce merges the rows of forked sibling tokens back into one row.
type Coalesce interface {
	Plugin

	// Merge combines branch rows keyed by branch name. Called once the
	// configured policy is satisfied.
	Merge(ctx *Context, branches map[string]Row) (Row, error)
}

// Sink writes rows to an external system and describes what it wrote.
type Sink interface {
	Plugin

	// Write persists one row and returns a descriptor of the externally
	// observable object. An artifact is recorded only on success.
	Write(ctx *Context, row Row) (*ArtifactDescriptor, error)

	// Flush pushes any buffered writes out.
	Flush(ctx *Context) error

	// Idempotent reports whether replaying a write is safe. The engine
	// never replays a sink step for non-idempotent sinks.
	Idempotent() bool

	io.Closer
}

// Optional lifecycle hooks, detected by type assertion.
type (
	// Registrar is notified when the node is registered with the recorder.
	Registrar interface {
		OnRegister(ctx *Context) error
	}

	// Starter is notified before the source starts yielding. An error here
	// fails the run before any row is processed.
	Starter interface {
		OnStart(ctx *Context) error
	}

	// Completer is notified after the run finishes, in best-effort order.
	// Errors are logged but do not change the run status.
	Completer interface {
		OnComplete(ctx *Context) error
	}
)
