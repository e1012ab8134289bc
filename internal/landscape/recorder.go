package landscape

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
)

// Sentinel errors for recorder operations.
var (
	// ErrAudit is returned when an audit write fails. Callers must treat it
	// as fatal for the enclosing operation: a pipeline that cannot record
	// what it did must not keep doing it.
	ErrAudit = errors.New("audit write failed")

	// ErrNotFound is returned when a referenced audit entity does not exist.
	ErrNotFound = errors.New("audit record not found")

	// ErrRunTerminated is returned when writing to a run that has already
	// been completed or failed.
	ErrRunTerminated = errors.New("run already terminated")

	// ErrInvalidTransition is returned for illegal status transitions, such
	// as recording batch outputs before the batch reached executing.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrRecorderClosed is returned when operating on a closed recorder.
	ErrRecorderClosed = errors.New("recorder is closed")
)

// NewID returns a fresh hyphen-less UUID, the ID form used for every audit
// entity.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// RegisterNodeInput identifies one compiled graph vertex. Registration is
// idempotent within a run, keyed on (run_id, node_id).
type RegisterNodeInput struct {
	RunID         string
	NodeID        string
	PluginName    string
	NodeType      NodeType
	PluginVersion string
	Determinism   Determinism
	Config        map[string]any
	SchemaConfig  map[string]any
	Sequence      *int
}

// RegisterEdgeInput identifies one compiled graph edge. Registration is
// idempotent within a run, keyed on (run_id, from, to, label).
type RegisterEdgeInput struct {
	RunID      string
	FromNodeID string
	ToNodeID   string
	Label      string
	Mode       RouteMode
}

// BeginNodeStateInput opens one attempt of one token at one node.
type BeginNodeStateInput struct {
	TokenID   string
	RunID     string
	NodeID    string
	StepIndex int
	Attempt   int
	// InputData is the row (or rows) entering the node. The recorder hashes
	// it and stores it inline or externalized at its own discretion.
	InputData any
	// ContextBefore is optional opaque call context.
	ContextBefore map[string]any
}

// CompleteNodeStateInput closes an attempt with a terminal status.
type CompleteNodeStateInput struct {
	StateID string
	Status  StateStatus
	// OutputData is a single row or a list of rows; nil for sources and for
	// failed attempts. Multi-row output hashes as the list.
	OutputData   any
	DurationMS   float64
	ErrorInfo    map[string]any
	ContextAfter map[string]any
}

// RoutingEventInput records one gate decision.
type RoutingEventInput struct {
	StateID      string
	Kind         RoutingKind
	Destinations []string
	Mode         RouteMode
	// Reason is deep-copied by the recorder before storage so later plugin
	// mutation cannot rewrite history.
	Reason map[string]any
}

// ArtifactInput records one sink-produced external object.
type ArtifactInput struct {
	StateID        string
	RunID          string
	SinkNodeID     string
	Kind           string
	PathOrURI      string
	ContentHash    *string
	SizeBytes      *int64
	IdempotencyKey *string
}

// CallInput records one external call made while a node state was open.
type CallInput struct {
	StateID      string
	CallIndex    int
	CallType     string
	Status       string
	RequestData  any
	ResponseData any
	ErrorInfo    map[string]any
	LatencyMS    *float64
}

// ValidationErrorInput records a source row that failed schema validation.
type ValidationErrorInput struct {
	RunID        string
	SourceNodeID string
	RowIndex     int
	RawData      any
	Reason       string
	// Destination names the quarantine sink the raw row was routed to, or
	// "discarded".
	Destination string
}

// Recorder is the narrow append-only interface every component records
// through. The recorder is the sole writer of audit state; updates are
// limited to run status, node-state completion fields, and batch status.
//
// Operations either commit or fail with ErrAudit (wrapped with detail).
// Recording failures are never silently swallowed; the engine prefers to
// fail the run over losing its trail.
type Recorder interface {
	// BeginRun opens a run, hashing the resolved configuration.
	BeginRun(ctx context.Context, config map[string]any, canonicalVersion string) (*Run, error)
	// CompleteRun terminates a run exactly once.
	CompleteRun(ctx context.Context, runID string, status RunStatus) error

	RegisterNode(ctx context.Context, in RegisterNodeInput) (*Node, error)
	RegisterEdge(ctx context.Context, in RegisterEdgeInput) (*Edge, error)

	// CreateRow records one source row. Quarantined rows may contain
	// non-canonical values and are hashed with the fallback identity.
	CreateRow(ctx context.Context, runID, sourceNodeID string, rowIndex int, data map[string]any, quarantined bool) (*Row, error)
	// CreateToken seeds the initial token for a row.
	CreateToken(ctx context.Context, rowID string) (*Token, error)
	// ForkToken creates one child per branch, all sharing a fork group.
	ForkToken(ctx context.Context, parentTokenID, rowID string, branches []string, stepInPipeline *int) ([]*Token, string, error)
	// ExpandToken creates count children sharing an expand group, each with
	// a single parent edge whose ordinal is the child's position.
	ExpandToken(ctx context.Context, parentTokenID, rowID string, count int, stepInPipeline *int) ([]*Token, string, error)
	// CoalesceTokens creates one child with every parent linked in order.
	CoalesceTokens(ctx context.Context, parentTokenIDs []string, rowID string, stepInPipeline *int) (*Token, error)

	BeginNodeState(ctx context.Context, in BeginNodeStateInput) (*NodeState, error)
	CompleteNodeState(ctx context.Context, in CompleteNodeStateInput) error

	RecordRoutingEvent(ctx context.Context, in RoutingEventInput) (*RoutingEvent, error)

	CreateBatch(ctx context.Context, runID, nodeID string) (*Batch, error)
	AddBatchMember(ctx context.Context, batchID, tokenID string, ordinal int) error
	UpdateBatchStatus(ctx context.Context, batchID string, status BatchStatus, errorInfo map[string]any) error
	RecordBatchOutput(ctx context.Context, batchID string, ordinal int, data map[string]any) (*BatchOutput, error)

	RecordArtifact(ctx context.Context, in ArtifactInput) (*Artifact, error)
	RecordCall(ctx context.Context, in CallInput) (*Call, error)
	RecordValidationError(ctx context.Context, in ValidationErrorInput) (*ValidationError, error)

	// Close releases recorder resources. Safe to call multiple times.
	Close() error
}

// Reader is the query side: everything the explain read model and the
// exporter need. Implementations return records in deterministic order.
type Reader interface {
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListNodes(ctx context.Context, runID string) ([]*Node, error)
	ListEdges(ctx context.Context, runID string) ([]*Edge, error)
	ListRows(ctx context.Context, runID string) ([]*Row, error)
	ListTokens(ctx context.Context, runID string) ([]*Token, error)
	ListTokenParents(ctx context.Context, tokenID string) ([]*TokenParent, error)
	// ListNodeStates returns a token's states ordered by started_at, then
	// attempt.
	ListNodeStates(ctx context.Context, tokenID string) ([]*NodeState, error)
	ListRoutingEvents(ctx context.Context, stateID string) ([]*RoutingEvent, error)
	ListBatches(ctx context.Context, runID string) ([]*Batch, error)
	ListBatchMembers(ctx context.Context, batchID string) ([]*BatchMember, error)
	ListBatchOutputs(ctx context.Context, batchID string) ([]*BatchOutput, error)
	ListArtifacts(ctx context.Context, runID string) ([]*Artifact, error)
	// ListCalls returns the external calls recorded under a state, ordered
	// by call index.
	ListCalls(ctx context.Context, stateID string) ([]*Call, error)
	ListValidationErrors(ctx context.Context, runID string) ([]*ValidationError, error)
	// BatchMembershipForToken returns the memberships a token appears in,
	// oldest batch first.
	BatchMembershipForToken(ctx context.Context, tokenID string) ([]*BatchMember, error)
	GetBatch(ctx context.Context, batchID string) (*Batch, error)
}

// RecorderReader combines the write and read surfaces, implemented by both
// the Postgres and the in-memory recorder.
type RecorderReader interface {
	Recorder
	Reader
}
