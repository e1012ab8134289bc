// Package landscape provides the append-only audit recorder for pipeline
// runs: every run, node, token, state transition, routing decision, batch,
// and artifact is recorded here, and terminal row outcomes are derived from
// those records at query time rather than stored.
package landscape

import (
	"time"
)

// RunStatus is the lifecycle status of a run.
type RunStatus string

// Run statuses. A run is terminated exactly once, by CompleteRun.
const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// IsTerminal reports whether the status ends a run.
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed
}

// ExportStatus tracks the post-run export phase separately from run status,
// so an export failure does not mask a successful pipeline run.
type ExportStatus string

// Export statuses.
const (
	ExportPending   ExportStatus = "pending"
	ExportCompleted ExportStatus = "completed"
	ExportFailed    ExportStatus = "failed"
)

// NodeType classifies a compiled graph vertex.
type NodeType string

// Node types.
const (
	NodeSource      NodeType = "source"
	NodeTransform   NodeType = "transform"
	NodeGate        NodeType = "gate"
	NodeAggregation NodeType = "aggregation"
	NodeCoalesce    NodeType = "coalesce"
	NodeSink        NodeType = "sink"
)

// Determinism describes how reproducible a plugin's behavior is.
type Determinism string

// Determinism grades.
const (
	Deterministic    Determinism = "deterministic"
	Seeded           Determinism = "seeded"
	Nondeterministic Determinism = "nondeterministic"
	IORead           Determinism = "io_read"
)

// ReproducibilityGrade classifies a whole run from its nodes' determinism.
type ReproducibilityGrade string

// Reproducibility grades. A run with any nondeterministic node can only be
// replay-reproduced from its recorded outputs.
const (
	FullReproducible   ReproducibilityGrade = "full_reproducible"
	ReplayReproducible ReproducibilityGrade = "replay_reproducible"
)

// StateStatus is the status of one token's attempt at one node.
type StateStatus string

// Node state statuses. Terminal statuses require completed_at to be set.
const (
	StateRunning   StateStatus = "running"
	StateCompleted StateStatus = "completed"
	StateFailed    StateStatus = "failed"
	StateRetried   StateStatus = "retried"
	StateSkipped   StateStatus = "skipped"
)

// IsTerminal reports whether the status ends an attempt.
func (s StateStatus) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateRetried || s == StateSkipped
}

// RoutingKind is the shape of a gate decision.
type RoutingKind string

// Routing kinds.
const (
	RoutingContinue    RoutingKind = "continue"
	RoutingRouteToSink RoutingKind = "route_to_sink"
	RoutingForkToPaths RoutingKind = "fork_to_paths"
)

// RouteMode controls whether a routed token also continues down the spine.
type RouteMode string

// Route modes. Move terminates the token at the destination; copy runs the
// destination and then continues the original token.
const (
	RouteMove RouteMode = "move"
	RouteCopy RouteMode = "copy"
)

// BatchStatus is the lifecycle status of an aggregation batch.
type BatchStatus string

// Batch statuses. Outputs are recorded only after executing -> completed.
const (
	BatchDraft     BatchStatus = "draft"
	BatchExecuting BatchStatus = "executing"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
)

// RowOutcome is a token's derived terminal classification. It is never
// stored; it is computed from node states, routing events, batch membership
// and token parents. Buffered is the only non-terminal outcome.
type RowOutcome string

// Row outcomes.
const (
	OutcomeCompleted       RowOutcome = "completed"
	OutcomeRouted          RowOutcome = "routed"
	OutcomeForked          RowOutcome = "forked"
	OutcomeConsumedInBatch RowOutcome = "consumed_in_batch"
	OutcomeCoalesced       RowOutcome = "coalesced"
	OutcomeQuarantined     RowOutcome = "quarantined"
	OutcomeFailed          RowOutcome = "failed"
	OutcomeExpanded        RowOutcome = "expanded"
	OutcomeBuffered        RowOutcome = "buffered"
	// OutcomePending is reported for tokens with no evidence yet.
	OutcomePending RowOutcome = "pending"
)

// IsTerminal reports whether the outcome is final for a token.
func (o RowOutcome) IsTerminal() bool {
	return o != OutcomeBuffered && o != OutcomePending
}

// Run is a single pipeline execution.
type Run struct {
	RunID            string        `json:"run_id"`             //nolint: tagliatelle
	StartedAt        time.Time     `json:"started_at"`         //nolint: tagliatelle
	CompletedAt      *time.Time    `json:"completed_at"`       //nolint: tagliatelle
	Status           RunStatus     `json:"status"`             //nolint: tagliatelle
	ConfigHash       string        `json:"config_hash"`        //nolint: tagliatelle
	SettingsJSON     string        `json:"settings_json"`      //nolint: tagliatelle
	CanonicalVersion string        `json:"canonical_version"`  //nolint: tagliatelle
	Reproducibility  string        `json:"reproducibility"`    //nolint: tagliatelle
	ExportStatus     *ExportStatus `json:"export_status"`      //nolint: tagliatelle
	ExportError      *string       `json:"export_error"`       //nolint: tagliatelle
	ExportedAt       *time.Time    `json:"exported_at"`        //nolint: tagliatelle
}

// Node is a compiled graph vertex registered for a run.
type Node struct {
	NodeID        string      `json:"node_id"`        //nolint: tagliatelle
	RunID         string      `json:"run_id"`         //nolint: tagliatelle
	PluginName    string      `json:"plugin_name"`    //nolint: tagliatelle
	NodeType      NodeType    `json:"node_type"`      //nolint: tagliatelle
	PluginVersion string      `json:"plugin_version"` //nolint: tagliatelle
	Determinism   Determinism `json:"determinism"`    //nolint: tagliatelle
	ConfigHash    string      `json:"config_hash"`    //nolint: tagliatelle
	ConfigJSON    string      `json:"config_json"`    //nolint: tagliatelle
	SchemaJSON    *string     `json:"schema_json"`    //nolint: tagliatelle
	Sequence      *int        `json:"sequence"`       //nolint: tagliatelle
	RegisteredAt  time.Time   `json:"registered_at"`  //nolint: tagliatelle
}

// Edge is a directed graph edge registered for a run. The label is a route
// label (like "continue" or "suspicious"), never a sink name.
type Edge struct {
	EdgeID     string    `json:"edge_id"`      //nolint: tagliatelle
	RunID      string    `json:"run_id"`       //nolint: tagliatelle
	FromNodeID string    `json:"from_node_id"` //nolint: tagliatelle
	ToNodeID   string    `json:"to_node_id"`   //nolint: tagliatelle
	Label      string    `json:"label"`        //nolint: tagliatelle
	Mode       RouteMode `json:"mode"`         //nolint: tagliatelle
	CreatedAt  time.Time `json:"created_at"`   //nolint: tagliatelle
}

// Row is one unit of source data. The row is the identity that persists
// across token forks and expansions.
type Row struct {
	RowID        string    `json:"row_id"`         //nolint: tagliatelle
	RunID        string    `json:"run_id"`         //nolint: tagliatelle
	SourceNodeID string    `json:"source_node_id"` //nolint: tagliatelle
	RowIndex     int       `json:"row_index"`      //nolint: tagliatelle
	DataHash     string    `json:"data_hash"`      //nolint: tagliatelle
	DataJSON     *string   `json:"data_json"`      //nolint: tagliatelle
	DataRef      *string   `json:"data_ref"`       //nolint: tagliatelle
	CreatedAt    time.Time `json:"created_at"`     //nolint: tagliatelle
}

// Token is one row instance flowing along one DAG path.
type Token struct {
	TokenID        string    `json:"token_id"`         //nolint: tagliatelle
	RowID          string    `json:"row_id"`           //nolint: tagliatelle
	ForkGroupID    *string   `json:"fork_group_id"`    //nolint: tagliatelle
	JoinGroupID    *string   `json:"join_group_id"`    //nolint: tagliatelle
	ExpandGroupID  *string   `json:"expand_group_id"`  //nolint: tagliatelle
	BranchName     *string   `json:"branch_name"`      //nolint: tagliatelle
	StepInPipeline *int      `json:"step_in_pipeline"` //nolint: tagliatelle
	CreatedAt      time.Time `json:"created_at"`       //nolint: tagliatelle
}

// TokenParent is one parent edge in token lineage. Joined tokens have
// several parents, ordered by ordinal.
type TokenParent struct {
	TokenID       string `json:"token_id"`        //nolint: tagliatelle
	ParentTokenID string `json:"parent_token_id"` //nolint: tagliatelle
	Ordinal       int    `json:"ordinal"`         //nolint: tagliatelle
}

// NodeState is one attempt of one token at one node.
type NodeState struct {
	StateID           string      `json:"state_id"`            //nolint: tagliatelle
	TokenID           string      `json:"token_id"`            //nolint: tagliatelle
	RunID             string      `json:"run_id"`              //nolint: tagliatelle
	NodeID            string      `json:"node_id"`             //nolint: tagliatelle
	StepIndex         int         `json:"step_index"`          //nolint: tagliatelle
	Attempt           int         `json:"attempt"`             //nolint: tagliatelle
	Status            StateStatus `json:"status"`              //nolint: tagliatelle
	InputHash         string      `json:"input_hash"`          //nolint: tagliatelle
	OutputHash        *string     `json:"output_hash"`         //nolint: tagliatelle
	InputRef          *string     `json:"input_ref"`           //nolint: tagliatelle
	OutputRef         *string     `json:"output_ref"`          //nolint: tagliatelle
	ContextBeforeJSON *string     `json:"context_before_json"` //nolint: tagliatelle
	ContextAfterJSON  *string     `json:"context_after_json"`  //nolint: tagliatelle
	DurationMS        *float64    `json:"duration_ms"`         //nolint: tagliatelle
	ErrorJSON         *string     `json:"error_json"`          //nolint: tagliatelle
	StartedAt         time.Time   `json:"started_at"`          //nolint: tagliatelle
	CompletedAt       *time.Time  `json:"completed_at"`        //nolint: tagliatelle
}

// RoutingEvent is one gate decision, including plain continues. Every gate
// invocation records exactly one.
type RoutingEvent struct {
	EventID      string      `json:"event_id"`     //nolint: tagliatelle
	StateID      string      `json:"state_id"`     //nolint: tagliatelle
	Kind         RoutingKind `json:"kind"`         //nolint: tagliatelle
	Destinations []string    `json:"destinations"` //nolint: tagliatelle
	Mode         RouteMode   `json:"mode"`         //nolint: tagliatelle
	ReasonHash   *string     `json:"reason_hash"`  //nolint: tagliatelle
	ReasonJSON   *string     `json:"reason_json"`  //nolint: tagliatelle
	CreatedAt    time.Time   `json:"created_at"`   //nolint: tagliatelle
}

// Batch groups the tokens absorbed by one aggregation node between flushes.
type Batch struct {
	BatchID     string      `json:"batch_id"`     //nolint: tagliatelle
	RunID       string      `json:"run_id"`       //nolint: tagliatelle
	NodeID      string      `json:"node_id"`      //nolint: tagliatelle
	Status      BatchStatus `json:"status"`       //nolint: tagliatelle
	ErrorJSON   *string     `json:"error_json"`   //nolint: tagliatelle
	CreatedAt   time.Time   `json:"created_at"`   //nolint: tagliatelle
	CompletedAt *time.Time  `json:"completed_at"` //nolint: tagliatelle
}

// BatchMember records one input token's membership in a batch.
type BatchMember struct {
	BatchID string `json:"batch_id"` //nolint: tagliatelle
	TokenID string `json:"token_id"` //nolint: tagliatelle
	Ordinal int    `json:"ordinal"`  //nolint: tagliatelle
}

// BatchOutput records one row a batch flush produced.
type BatchOutput struct {
	BatchID  string  `json:"batch_id"`  //nolint: tagliatelle
	Ordinal  int     `json:"ordinal"`   //nolint: tagliatelle
	DataHash string  `json:"data_hash"` //nolint: tagliatelle
	DataRef  *string `json:"data_ref"`  //nolint: tagliatelle
}

// Artifact is an externally observable object produced by a sink. Written
// only on sink success.
type Artifact struct {
	ArtifactID     string    `json:"artifact_id"`     //nolint: tagliatelle
	StateID        string    `json:"state_id"`        //nolint: tagliatelle
	RunID          string    `json:"run_id"`          //nolint: tagliatelle
	SinkNodeID     string    `json:"sink_node_id"`    //nolint: tagliatelle
	Kind           string    `json:"kind"`            //nolint: tagliatelle
	PathOrURI      string    `json:"path_or_uri"`     //nolint: tagliatelle
	ContentHash    *string   `json:"content_hash"`    //nolint: tagliatelle
	SizeBytes      *int64    `json:"size_bytes"`      //nolint: tagliatelle
	IdempotencyKey *string   `json:"idempotency_key"` //nolint: tagliatelle
	CreatedAt      time.Time `json:"created_at"`      //nolint: tagliatelle
}

// Call records one external call made while processing a node state.
type Call struct {
	CallID       string    `json:"call_id"`       //nolint: tagliatelle
	StateID      string    `json:"state_id"`      //nolint: tagliatelle
	CallIndex    int       `json:"call_index"`    //nolint: tagliatelle
	CallType     string    `json:"call_type"`     //nolint: tagliatelle
	Status       string    `json:"status"`        //nolint: tagliatelle
	RequestHash  string    `json:"request_hash"`  //nolint: tagliatelle
	ResponseHash *string   `json:"response_hash"` //nolint: tagliatelle
	ErrorJSON    *string   `json:"error_json"`    //nolint: tagliatelle
	LatencyMS    *float64  `json:"latency_ms"`    //nolint: tagliatelle
	CreatedAt    time.Time `json:"created_at"`    //nolint: tagliatelle
}

// ValidationError records a source row that failed schema validation and
// never became a token.
type ValidationError struct {
	ErrorID      string    `json:"error_id"`       //nolint: tagliatelle
	RunID        string    `json:"run_id"`         //nolint: tagliatelle
	SourceNodeID string    `json:"source_node_id"` //nolint: tagliatelle
	RowIndex     int       `json:"row_index"`      //nolint: tagliatelle
	RowHash      string    `json:"row_hash"`       //nolint: tagliatelle
	RowJSON      *string   `json:"row_json"`       //nolint: tagliatelle
	RowRef       *string   `json:"row_ref"`        //nolint: tagliatelle
	Reason       string    `json:"reason"`         //nolint: tagliatelle
	Destination  string    `json:"destination"`    //nolint: tagliatelle
	CreatedAt    time.Time `json:"created_at"`     //nolint: tagliatelle
}
