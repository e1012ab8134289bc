package landscape

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/furrow-io/furrow/internal/config"
	"github.com/furrow-io/furrow/internal/payload"
)

// Compile-time interface assertion: PostgresRecorder is a full
// RecorderReader (reader methods live in postgres_reader.go).
var _ RecorderReader = (*PostgresRecorder)(nil)

// PostgresRecorder is the production audit recorder.
//
// Every logical operation commits in its own transaction: either the audit
// record exists or the caller gets ErrAudit and must fail the enclosing
// operation. Multi-row operations (fork, expand, coalesce) write the tokens
// and their parent edges atomically.
type PostgresRecorder struct {
	conn      *Connection
	logger    *slog.Logger
	payloads  payload.Store
	threshold int
	closeOnce sync.Once
}

// PostgresRecorderOption configures optional PostgresRecorder behavior.
type PostgresRecorderOption func(*PostgresRecorder)

// WithPayloadStore attaches a payload store for externalizing payloads
// larger than thresholdBytes.
func WithPayloadStore(store payload.Store, thresholdBytes int) PostgresRecorderOption {
	return func(r *PostgresRecorder) {
		r.payloads = store
		r.threshold = thresholdBytes
	}
}

// WithLogger sets the recorder's logger.
func WithLogger(logger *slog.Logger) PostgresRecorderOption {
	return func(r *PostgresRecorder) {
		r.logger = logger
	}
}

// NewPostgresRecorder creates a Postgres-backed recorder over an existing
// connection. The connection is managed externally; Close does not close it.
func NewPostgresRecorder(conn *Connection, opts ...PostgresRecorderOption) (*PostgresRecorder, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	r := &PostgresRecorder{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		threshold: DefaultInlineThresholdBytes,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

// Close releases recorder resources. The database connection is owned by
// the caller and stays open. Safe to call multiple times.
func (r *PostgresRecorder) Close() error {
	r.closeOnce.Do(func() {})

	return nil
}

// HealthCheck verifies the audit database is reachable.
func (r *PostgresRecorder) HealthCheck(ctx context.Context) error {
	return r.conn.HealthCheck(ctx)
}

// audit wraps a storage error as a fatal audit failure.
func audit(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrAudit, op, err)
}

// BeginRun opens a run with a content hash of its resolved configuration.
func (r *PostgresRecorder) BeginRun(ctx context.Context, cfg map[string]any, canonicalVersion string) (*Run, error) {
	stored, err := encodePayload(ctx, nil, 0, cfg, false)
	if err != nil {
		return nil, err
	}

	run := &Run{
		RunID:            NewID(),
		StartedAt:        time.Now().UTC(),
		Status:           RunRunning,
		ConfigHash:       stored.hash,
		CanonicalVersion: canonicalVersion,
		Reproducibility:  string(FullReproducible),
	}
	if stored.inline != nil {
		run.SettingsJSON = *stored.inline
	}

	query := `
		INSERT INTO runs (
			run_id, started_at, status, config_hash, settings_json,
			canonical_version, reproducibility
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	if _, err := r.conn.DB.ExecContext(ctx, query,
		run.RunID, run.StartedAt, run.Status, run.ConfigHash,
		run.SettingsJSON, run.CanonicalVersion, run.Reproducibility,
	); err != nil {
		return nil, audit("begin run", err)
	}

	r.logger.Info("run started",
		slog.String("run_id", run.RunID),
		slog.String("config_hash", run.ConfigHash),
	)

	return run, nil
}

// CompleteRun terminates a run exactly once. Completing an already-terminal
// run fails: double completion means two components think they own the run.
func (r *PostgresRecorder) CompleteRun(ctx context.Context, runID string, status RunStatus) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: complete_run with non-terminal status %q: %w", ErrAudit, status, ErrInvalidTransition)
	}

	query := `
		UPDATE runs SET status = $2, completed_at = $3
		WHERE run_id = $1 AND status = 'running'
	`

	result, err := r.conn.DB.ExecContext(ctx, query, runID, status, time.Now().UTC())
	if err != nil {
		return audit("complete run", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return audit("complete run", err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: run %q: %w", ErrAudit, runID, ErrRunTerminated)
	}

	return nil
}

// RegisterNode registers a graph vertex, idempotently on (run_id, node_id).
func (r *PostgresRecorder) RegisterNode(ctx context.Context, in RegisterNodeInput) (*Node, error) {
	configStored, err := encodePayload(ctx, nil, 0, in.Config, false)
	if err != nil {
		return nil, err
	}

	schemaJSON, err := encodeJSON(in.SchemaConfig)
	if err != nil {
		return nil, err
	}

	node := &Node{
		NodeID:        in.NodeID,
		RunID:         in.RunID,
		PluginName:    in.PluginName,
		NodeType:      in.NodeType,
		PluginVersion: in.PluginVersion,
		Determinism:   in.Determinism,
		ConfigHash:    configStored.hash,
		SchemaJSON:    schemaJSON,
		Sequence:      in.Sequence,
		RegisteredAt:  time.Now().UTC(),
	}
	if configStored.inline != nil {
		node.ConfigJSON = *configStored.inline
	}

	query := `
		INSERT INTO nodes (
			node_id, run_id, plugin_name, node_type, plugin_version,
			determinism, config_hash, config_json, schema_json, sequence, registered_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (run_id, node_id) DO NOTHING
	`

	if _, err := r.conn.DB.ExecContext(ctx, query,
		node.NodeID, node.RunID, node.PluginName, node.NodeType, node.PluginVersion,
		node.Determinism, node.ConfigHash, node.ConfigJSON, node.SchemaJSON,
		node.Sequence, node.RegisteredAt,
	); err != nil {
		return nil, audit("register node", err)
	}

	if in.Determinism == Nondeterministic {
		if _, err := r.conn.DB.ExecContext(ctx,
			`UPDATE runs SET reproducibility = $2 WHERE run_id = $1`,
			in.RunID, string(ReplayReproducible),
		); err != nil {
			return nil, audit("downgrade run reproducibility", err)
		}
	}

	return node, nil
}

// RegisterEdge registers a graph edge, idempotently on its identity tuple.
func (r *PostgresRecorder) RegisterEdge(ctx context.Context, in RegisterEdgeInput) (*Edge, error) {
	edge := &Edge{
		EdgeID:     NewID(),
		RunID:      in.RunID,
		FromNodeID: in.FromNodeID,
		ToNodeID:   in.ToNodeID,
		Label:      in.Label,
		Mode:       in.Mode,
		CreatedAt:  time.Now().UTC(),
	}

	query := `
		INSERT INTO edges (edge_id, run_id, from_node_id, to_node_id, label, mode, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id, from_node_id, to_node_id, label) DO NOTHING
	`

	if _, err := r.conn.DB.ExecContext(ctx, query,
		edge.EdgeID, edge.RunID, edge.FromNodeID, edge.ToNodeID,
		edge.Label, edge.Mode, edge.CreatedAt,
	); err != nil {
		return nil, audit("register edge", err)
	}

	return edge, nil
}

// CreateRow records one source row, externalizing large payloads.
func (r *PostgresRecorder) CreateRow(
	ctx context.Context,
	runID, sourceNodeID string,
	rowIndex int,
	data map[string]any,
	quarantined bool,
) (*Row, error) {
	stored, err := encodePayload(ctx, r.payloads, r.threshold, data, quarantined)
	if err != nil {
		return nil, err
	}

	row := &Row{
		RowID:        NewID(),
		RunID:        runID,
		SourceNodeID: sourceNodeID,
		RowIndex:     rowIndex,
		DataHash:     stored.hash,
		DataJSON:     stored.inline,
		DataRef:      stored.ref,
		CreatedAt:    time.Now().UTC(),
	}

	query := `
		INSERT INTO source_rows (row_id, run_id, source_node_id, row_index, data_hash, data_json, data_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	if _, err := r.conn.DB.ExecContext(ctx, query,
		row.RowID, row.RunID, row.SourceNodeID, row.RowIndex,
		row.DataHash, row.DataJSON, row.DataRef, row.CreatedAt,
	); err != nil {
		return nil, audit("create row", err)
	}

	return row, nil
}

// CreateToken seeds the initial token for a row.
func (r *PostgresRecorder) CreateToken(ctx context.Context, rowID string) (*Token, error) {
	token := &Token{
		TokenID:   NewID(),
		RowID:     rowID,
		CreatedAt: time.Now().UTC(),
	}

	query := `INSERT INTO tokens (token_id, row_id, created_at) VALUES ($1, $2, $3)`

	if _, err := r.conn.DB.ExecContext(ctx, query, token.TokenID, token.RowID, token.CreatedAt); err != nil {
		return nil, audit("create token", err)
	}

	return token, nil
}

// insertChildTokens writes derived tokens plus their parent edges in one
// transaction.
func (r *PostgresRecorder) insertChildTokens(
	ctx context.Context,
	op string,
	children []*Token,
	parents []*TokenParent,
) error {
	tx, err := r.conn.DB.BeginTx(ctx, nil)
	if err != nil {
		return audit(op, err)
	}

	defer func() {
		_ = tx.Rollback() // Safe to call even after commit.
	}()

	tokenQuery := `
		INSERT INTO tokens (
			token_id, row_id, fork_group_id, join_group_id, expand_group_id,
			branch_name, step_in_pipeline, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	for _, child := range children {
		if _, err := tx.ExecContext(ctx, tokenQuery,
			child.TokenID, child.RowID, child.ForkGroupID, child.JoinGroupID,
			child.ExpandGroupID, child.BranchName, child.StepInPipeline, child.CreatedAt,
		); err != nil {
			return audit(op, err)
		}
	}

	parentQuery := `INSERT INTO token_parents (token_id, parent_token_id, ordinal) VALUES ($1, $2, $3)`

	for _, parent := range parents {
		if _, err := tx.ExecContext(ctx, parentQuery,
			parent.TokenID, parent.ParentTokenID, parent.Ordinal,
		); err != nil {
			return audit(op, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return audit(op, err)
	}

	return nil
}

// ForkToken creates one child per branch, all sharing a fork group,
// atomically with their parent edges.
func (r *PostgresRecorder) ForkToken(
	ctx context.Context,
	parentTokenID, rowID string,
	branches []string,
	stepInPipeline *int,
) ([]*Token, string, error) {
	forkGroupID := NewID()
	children := make([]*Token, 0, len(branches))
	parents := make([]*TokenParent, 0, len(branches))

	for i, branch := range branches {
		name := branch
		child := &Token{
			TokenID:        NewID(),
			RowID:          rowID,
			ForkGroupID:    &forkGroupID,
			BranchName:     &name,
			StepInPipeline: stepInPipeline,
			CreatedAt:      time.Now().UTC(),
		}
		children = append(children, child)
		parents = append(parents, &TokenParent{TokenID: child.TokenID, ParentTokenID: parentTokenID, Ordinal: i})
	}

	if err := r.insertChildTokens(ctx, "fork token", children, parents); err != nil {
		return nil, "", err
	}

	return children, forkGroupID, nil
}

// ExpandToken creates count children sharing an expand group, atomically
// with their parent edges.
func (r *PostgresRecorder) ExpandToken(
	ctx context.Context,
	parentTokenID, rowID string,
	count int,
	stepInPipeline *int,
) ([]*Token, string, error) {
	expandGroupID := NewID()
	children := make([]*Token, 0, count)
	parents := make([]*TokenParent, 0, count)

	for i := 0; i < count; i++ {
		child := &Token{
			TokenID:        NewID(),
			RowID:          rowID,
			ExpandGroupID:  &expandGroupID,
			StepInPipeline: stepInPipeline,
			CreatedAt:      time.Now().UTC(),
		}
		children = append(children, child)
		parents = append(parents, &TokenParent{TokenID: child.TokenID, ParentTokenID: parentTokenID, Ordinal: i})
	}

	if err := r.insertChildTokens(ctx, "expand token", children, parents); err != nil {
		return nil, "", err
	}

	return children, expandGroupID, nil
}

// CoalesceTokens creates one merged token with every parent linked in order.
func (r *PostgresRecorder) CoalesceTokens(
	ctx context.Context,
	parentTokenIDs []string,
	rowID string,
	stepInPipeline *int,
) (*Token, error) {
	joinGroupID := NewID()
	child := &Token{
		TokenID:        NewID(),
		RowID:          rowID,
		JoinGroupID:    &joinGroupID,
		StepInPipeline: stepInPipeline,
		CreatedAt:      time.Now().UTC(),
	}

	parents := make([]*TokenParent, 0, len(parentTokenIDs))
	for i, parentID := range parentTokenIDs {
		parents = append(parents, &TokenParent{TokenID: child.TokenID, ParentTokenID: parentID, Ordinal: i})
	}

	if err := r.insertChildTokens(ctx, "coalesce tokens", []*Token{child}, parents); err != nil {
		return nil, err
	}

	return child, nil
}

// BeginNodeState opens one attempt. A partial unique index on
// (token_id, node_id) WHERE status = 'running' enforces the single-running
// invariant at the database level.
func (r *PostgresRecorder) BeginNodeState(ctx context.Context, in BeginNodeStateInput) (*NodeState, error) {
	stored, err := encodePayload(ctx, r.payloads, r.threshold, in.InputData, false)
	if err != nil {
		return nil, err
	}

	contextBefore, err := encodeJSON(in.ContextBefore)
	if err != nil {
		return nil, err
	}

	attempt := in.Attempt
	if attempt < 1 {
		attempt = 1
	}

	state := &NodeState{
		StateID:           NewID(),
		TokenID:           in.TokenID,
		RunID:             in.RunID,
		NodeID:            in.NodeID,
		StepIndex:         in.StepIndex,
		Attempt:           attempt,
		Status:            StateRunning,
		InputHash:         stored.hash,
		InputRef:          stored.ref,
		ContextBeforeJSON: contextBefore,
		StartedAt:         time.Now().UTC(),
	}

	query := `
		INSERT INTO node_states (
			state_id, token_id, run_id, node_id, step_index, attempt, status,
			input_hash, input_ref, context_before_json, started_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	if _, err := r.conn.DB.ExecContext(ctx, query,
		state.StateID, state.TokenID, state.RunID, state.NodeID, state.StepIndex,
		state.Attempt, state.Status, state.InputHash, state.InputRef,
		state.ContextBeforeJSON, state.StartedAt,
	); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, fmt.Errorf("%w: token %q already has a running state at node %q: %w",
				ErrAudit, in.TokenID, in.NodeID, ErrInvalidTransition)
		}

		return nil, audit("begin node state", err)
	}

	return state, nil
}

// CompleteNodeState closes an attempt with a terminal status.
func (r *PostgresRecorder) CompleteNodeState(ctx context.Context, in CompleteNodeStateInput) error {
	if !in.Status.IsTerminal() {
		return fmt.Errorf("%w: complete_node_state with non-terminal status %q: %w",
			ErrAudit, in.Status, ErrInvalidTransition)
	}

	var (
		outputHash *string
		outputRef  *string
	)

	if in.OutputData != nil {
		stored, err := encodePayload(ctx, r.payloads, r.threshold, in.OutputData, false)
		if err != nil {
			return err
		}

		outputHash = &stored.hash
		outputRef = stored.ref
	}

	errorJSON, err := encodeJSON(in.ErrorInfo)
	if err != nil {
		return err
	}

	contextAfter, err := encodeJSON(in.ContextAfter)
	if err != nil {
		return err
	}

	query := `
		UPDATE node_states
		SET status = $2, output_hash = $3, output_ref = $4, duration_ms = $5,
		    error_json = $6, context_after_json = $7, completed_at = $8
		WHERE state_id = $1 AND status = 'running'
	`

	result, err := r.conn.DB.ExecContext(ctx, query,
		in.StateID, in.Status, outputHash, outputRef, in.DurationMS,
		errorJSON, contextAfter, time.Now().UTC(),
	)
	if err != nil {
		return audit("complete node state", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return audit("complete node state", err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: state %q is not running: %w", ErrAudit, in.StateID, ErrInvalidTransition)
	}

	return nil
}

// RecordRoutingEvent records one gate decision. Serializing the reason at
// write time is the defensive copy.
func (r *PostgresRecorder) RecordRoutingEvent(ctx context.Context, in RoutingEventInput) (*RoutingEvent, error) {
	reasonJSON, err := encodeJSON(in.Reason)
	if err != nil {
		return nil, err
	}

	var reasonHash *string

	if in.Reason != nil {
		stored, err := encodePayload(ctx, nil, 0, in.Reason, false)
		if err != nil {
			return nil, err
		}

		reasonHash = &stored.hash
	}

	event := &RoutingEvent{
		EventID:      NewID(),
		StateID:      in.StateID,
		Kind:         in.Kind,
		Destinations: append([]string(nil), in.Destinations...),
		Mode:         in.Mode,
		ReasonHash:   reasonHash,
		ReasonJSON:   reasonJSON,
		CreatedAt:    time.Now().UTC(),
	}

	query := `
		INSERT INTO routing_events (event_id, state_id, kind, destinations, mode, reason_hash, reason_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	if _, err := r.conn.DB.ExecContext(ctx, query,
		event.EventID, event.StateID, event.Kind, pq.Array(event.Destinations),
		event.Mode, event.ReasonHash, event.ReasonJSON, event.CreatedAt,
	); err != nil {
		return nil, audit("record routing event", err)
	}

	return event, nil
}

// CreateBatch opens a draft batch for an aggregation node.
func (r *PostgresRecorder) CreateBatch(ctx context.Context, runID, nodeID string) (*Batch, error) {
	batch := &Batch{
		BatchID:   NewID(),
		RunID:     runID,
		NodeID:    nodeID,
		Status:    BatchDraft,
		CreatedAt: time.Now().UTC(),
	}

	query := `INSERT INTO batches (batch_id, run_id, node_id, status, created_at) VALUES ($1, $2, $3, $4, $5)`

	if _, err := r.conn.DB.ExecContext(ctx, query,
		batch.BatchID, batch.RunID, batch.NodeID, batch.Status, batch.CreatedAt,
	); err != nil {
		return nil, audit("create batch", err)
	}

	return batch, nil
}

// AddBatchMember records one token's membership eagerly at acceptance.
// Members may only join draft batches, and a token may belong to at most one
// batch per aggregation node; both rules live in the schema. The member row
// denormalizes the batch's node so the per-node uniqueness is a plain unique
// index.
func (r *PostgresRecorder) AddBatchMember(ctx context.Context, batchID, tokenID string, ordinal int) error {
	query := `
		INSERT INTO batch_members (batch_id, token_id, node_id, ordinal)
		SELECT $1, $2, b.node_id, $3
		FROM batches b
		WHERE b.batch_id = $1 AND b.status = 'draft'
	`

	result, err := r.conn.DB.ExecContext(ctx, query, batchID, tokenID, ordinal)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%w: token %q already belongs to a batch at this node: %w",
				ErrAudit, tokenID, ErrInvalidTransition)
		}

		return audit("add batch member", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return audit("add batch member", err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: batch %q is not accepting members: %w", ErrAudit, batchID, ErrInvalidTransition)
	}

	return nil
}

// UpdateBatchStatus moves a batch along draft -> executing -> completed or
// failed, enforcing the transition in SQL.
func (r *PostgresRecorder) UpdateBatchStatus(
	ctx context.Context,
	batchID string,
	status BatchStatus,
	errorInfo map[string]any,
) error {
	errorJSON, err := encodeJSON(errorInfo)
	if err != nil {
		return err
	}

	var from []string

	switch status {
	case BatchExecuting:
		from = []string{string(BatchDraft)}
	case BatchCompleted:
		from = []string{string(BatchExecuting)}
	case BatchFailed:
		from = []string{string(BatchDraft), string(BatchExecuting)}
	default:
		return fmt.Errorf("%w: batch status %q is not a transition target: %w",
			ErrAudit, status, ErrInvalidTransition)
	}

	query := `
		UPDATE batches
		SET status = $2, error_json = $3,
		    completed_at = CASE WHEN $2 IN ('completed', 'failed') THEN NOW() ELSE completed_at END
		WHERE batch_id = $1 AND status = ANY($4)
	`

	result, err := r.conn.DB.ExecContext(ctx, query, batchID, status, errorJSON, pq.Array(from))
	if err != nil {
		return audit("update batch status", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return audit("update batch status", err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: batch %q cannot move to %s: %w", ErrAudit, batchID, status, ErrInvalidTransition)
	}

	return nil
}

// RecordBatchOutput records one flush output row. The executing-state
// requirement is enforced with a guarded insert.
func (r *PostgresRecorder) RecordBatchOutput(
	ctx context.Context,
	batchID string,
	ordinal int,
	data map[string]any,
) (*BatchOutput, error) {
	stored, err := encodePayload(ctx, r.payloads, r.threshold, data, false)
	if err != nil {
		return nil, err
	}

	output := &BatchOutput{
		BatchID:  batchID,
		Ordinal:  ordinal,
		DataHash: stored.hash,
		DataRef:  stored.ref,
	}

	query := `
		INSERT INTO batch_outputs (batch_id, ordinal, data_hash, data_ref)
		SELECT $1, $2, $3, $4
		WHERE EXISTS (
			SELECT 1 FROM batches WHERE batch_id = $1 AND status IN ('executing', 'completed')
		)
	`

	result, err := r.conn.DB.ExecContext(ctx, query, output.BatchID, output.Ordinal, output.DataHash, output.DataRef)
	if err != nil {
		return nil, audit("record batch output", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, audit("record batch output", err)
	}

	if affected == 0 {
		return nil, fmt.Errorf("%w: batch %q has not reached executing: %w", ErrAudit, batchID, ErrInvalidTransition)
	}

	return output, nil
}

// RecordArtifact records one sink-produced external object.
func (r *PostgresRecorder) RecordArtifact(ctx context.Context, in ArtifactInput) (*Artifact, error) {
	artifact := &Artifact{
		ArtifactID:     NewID(),
		StateID:        in.StateID,
		RunID:          in.RunID,
		SinkNodeID:     in.SinkNodeID,
		Kind:           in.Kind,
		PathOrURI:      in.PathOrURI,
		ContentHash:    in.ContentHash,
		SizeBytes:      in.SizeBytes,
		IdempotencyKey: in.IdempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}

	query := `
		INSERT INTO artifacts (
			artifact_id, state_id, run_id, sink_node_id, kind, path_or_uri,
			content_hash, size_bytes, idempotency_key, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	if _, err := r.conn.DB.ExecContext(ctx, query,
		artifact.ArtifactID, artifact.StateID, artifact.RunID, artifact.SinkNodeID,
		artifact.Kind, artifact.PathOrURI, artifact.ContentHash, artifact.SizeBytes,
		artifact.IdempotencyKey, artifact.CreatedAt,
	); err != nil {
		return nil, audit("record artifact", err)
	}

	return artifact, nil
}

// RecordCall records one external call made under a node state.
func (r *PostgresRecorder) RecordCall(ctx context.Context, in CallInput) (*Call, error) {
	requestStored, err := encodePayload(ctx, nil, 0, in.RequestData, false)
	if err != nil {
		return nil, err
	}

	var responseHash *string

	if in.ResponseData != nil {
		responseStored, err := encodePayload(ctx, nil, 0, in.ResponseData, false)
		if err != nil {
			return nil, err
		}

		responseHash = &responseStored.hash
	}

	errorJSON, err := encodeJSON(in.ErrorInfo)
	if err != nil {
		return nil, err
	}

	call := &Call{
		CallID:       NewID(),
		StateID:      in.StateID,
		CallIndex:    in.CallIndex,
		CallType:     in.CallType,
		Status:       in.Status,
		RequestHash:  requestStored.hash,
		ResponseHash: responseHash,
		ErrorJSON:    errorJSON,
		LatencyMS:    in.LatencyMS,
		CreatedAt:    time.Now().UTC(),
	}

	query := `
		INSERT INTO calls (
			call_id, state_id, call_index, call_type, status,
			request_hash, response_hash, error_json, latency_ms, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	if _, err := r.conn.DB.ExecContext(ctx, query,
		call.CallID, call.StateID, call.CallIndex, call.CallType, call.Status,
		call.RequestHash, call.ResponseHash, call.ErrorJSON, call.LatencyMS, call.CreatedAt,
	); err != nil {
		return nil, audit("record call", err)
	}

	return call, nil
}

// RecordValidationError records a quarantined source row.
func (r *PostgresRecorder) RecordValidationError(ctx context.Context, in ValidationErrorInput) (*ValidationError, error) {
	stored, err := encodePayload(ctx, r.payloads, r.threshold, in.RawData, true)
	if err != nil {
		return nil, err
	}

	record := &ValidationError{
		ErrorID:      NewID(),
		RunID:        in.RunID,
		SourceNodeID: in.SourceNodeID,
		RowIndex:     in.RowIndex,
		RowHash:      stored.hash,
		RowJSON:      stored.inline,
		RowRef:       stored.ref,
		Reason:       in.Reason,
		Destination:  in.Destination,
		CreatedAt:    time.Now().UTC(),
	}

	query := `
		INSERT INTO validation_errors (
			error_id, run_id, source_node_id, row_index, row_hash,
			row_json, row_ref, reason, destination, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	if _, err := r.conn.DB.ExecContext(ctx, query,
		record.ErrorID, record.RunID, record.SourceNodeID, record.RowIndex,
		record.RowHash, record.RowJSON, record.RowRef, record.Reason,
		record.Destination, record.CreatedAt,
	); err != nil {
		return nil, audit("record validation error", err)
	}

	return record, nil
}

// SetExportStatus records the outcome of the post-run export phase. Runs may
// already be terminal; export status is tracked separately from run status.
func (r *PostgresRecorder) SetExportStatus(ctx context.Context, runID string, status ExportStatus, exportError *string) error {
	query := `
		UPDATE runs
		SET export_status = $2, export_error = $3,
		    exported_at = CASE WHEN $2 = 'completed' THEN NOW() ELSE exported_at END
		WHERE run_id = $1
	`

	result, err := r.conn.DB.ExecContext(ctx, query, runID, status, exportError)
	if err != nil {
		return audit("set export status", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return audit("set export status", err)
	}

	if affected == 0 {
		return fmt.Errorf("run %q: %w", runID, ErrNotFound)
	}

	return nil
}

// scanNullTime converts a nullable timestamp column.
func scanNullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}

	v := t.Time

	return &v
}
