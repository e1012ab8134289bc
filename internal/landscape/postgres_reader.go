package landscape

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// Reader methods for PostgresRecorder. Every list query carries an explicit
// ORDER BY so export and explain output is deterministic.

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}

	v := ns.String

	return &v
}

func intPtr(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}

	v := int(ni.Int64)

	return &v
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}

	v := ni.Int64

	return &v
}

func floatPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}

	v := nf.Float64

	return &v
}

// GetRun returns a run by ID.
func (r *PostgresRecorder) GetRun(ctx context.Context, runID string) (*Run, error) {
	query := `
		SELECT run_id, started_at, completed_at, status, config_hash, settings_json,
		       canonical_version, reproducibility, export_status, export_error, exported_at
		FROM runs WHERE run_id = $1
	`

	var (
		run          Run
		completedAt  sql.NullTime
		settingsJSON sql.NullString
		exportStatus sql.NullString
		exportError  sql.NullString
		exportedAt   sql.NullTime
	)

	err := r.conn.DB.QueryRowContext(ctx, query, runID).Scan(
		&run.RunID, &run.StartedAt, &completedAt, &run.Status, &run.ConfigHash,
		&settingsJSON, &run.CanonicalVersion, &run.Reproducibility,
		&exportStatus, &exportError, &exportedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %q: %w", runID, ErrNotFound)
	}

	if err != nil {
		return nil, audit("get run", err)
	}

	run.CompletedAt = scanNullTime(completedAt)
	run.SettingsJSON = settingsJSON.String
	run.ExportError = strPtr(exportError)
	run.ExportedAt = scanNullTime(exportedAt)

	if exportStatus.Valid {
		status := ExportStatus(exportStatus.String)
		run.ExportStatus = &status
	}

	return &run, nil
}

// ListNodes returns a run's nodes in registration order.
func (r *PostgresRecorder) ListNodes(ctx context.Context, runID string) ([]*Node, error) {
	query := `
		SELECT node_id, run_id, plugin_name, node_type, plugin_version, determinism,
		       config_hash, config_json, schema_json, sequence, registered_at
		FROM nodes WHERE run_id = $1
		ORDER BY registered_at, node_id
	`

	rows, err := r.conn.DB.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, audit("list nodes", err)
	}
	defer rows.Close()

	var nodes []*Node

	for rows.Next() {
		var (
			node       Node
			configJSON sql.NullString
			schemaJSON sql.NullString
			sequence   sql.NullInt64
		)

		if err := rows.Scan(
			&node.NodeID, &node.RunID, &node.PluginName, &node.NodeType,
			&node.PluginVersion, &node.Determinism, &node.ConfigHash,
			&configJSON, &schemaJSON, &sequence, &node.RegisteredAt,
		); err != nil {
			return nil, audit("list nodes", err)
		}

		node.ConfigJSON = configJSON.String
		node.SchemaJSON = strPtr(schemaJSON)
		node.Sequence = intPtr(sequence)

		nodes = append(nodes, &node)
	}

	if err := rows.Err(); err != nil {
		return nil, audit("list nodes", err)
	}

	return nodes, nil
}

// ListEdges returns a run's edges in registration order.
func (r *PostgresRecorder) ListEdges(ctx context.Context, runID string) ([]*Edge, error) {
	query := `
		SELECT edge_id, run_id, from_node_id, to_node_id, label, mode, created_at
		FROM edges WHERE run_id = $1
		ORDER BY created_at, edge_id
	`

	rows, err := r.conn.DB.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, audit("list edges", err)
	}
	defer rows.Close()

	var edges []*Edge

	for rows.Next() {
		var edge Edge

		if err := rows.Scan(
			&edge.EdgeID, &edge.RunID, &edge.FromNodeID, &edge.ToNodeID,
			&edge.Label, &edge.Mode, &edge.CreatedAt,
		); err != nil {
			return nil, audit("list edges", err)
		}

		edges = append(edges, &edge)
	}

	if err := rows.Err(); err != nil {
		return nil, audit("list edges", err)
	}

	return edges, nil
}

// ListRows returns a run's source rows ordered by source node then index.
func (r *PostgresRecorder) ListRows(ctx context.Context, runID string) ([]*Row, error) {
	query := `
		SELECT row_id, run_id, source_node_id, row_index, data_hash, data_json, data_ref, created_at
		FROM source_rows WHERE run_id = $1
		ORDER BY source_node_id, row_index
	`

	rows, err := r.conn.DB.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, audit("list rows", err)
	}
	defer rows.Close()

	var out []*Row

	for rows.Next() {
		var (
			row      Row
			dataJSON sql.NullString
			dataRef  sql.NullString
		)

		if err := rows.Scan(
			&row.RowID, &row.RunID, &row.SourceNodeID, &row.RowIndex,
			&row.DataHash, &dataJSON, &dataRef, &row.CreatedAt,
		); err != nil {
			return nil, audit("list rows", err)
		}

		row.DataJSON = strPtr(dataJSON)
		row.DataRef = strPtr(dataRef)

		out = append(out, &row)
	}

	if err := rows.Err(); err != nil {
		return nil, audit("list rows", err)
	}

	return out, nil
}

func scanToken(rows *sql.Rows) (*Token, error) {
	var (
		token         Token
		forkGroupID   sql.NullString
		joinGroupID   sql.NullString
		expandGroupID sql.NullString
		branchName    sql.NullString
		step          sql.NullInt64
	)

	if err := rows.Scan(
		&token.TokenID, &token.RowID, &forkGroupID, &joinGroupID,
		&expandGroupID, &branchName, &step, &token.CreatedAt,
	); err != nil {
		return nil, err
	}

	token.ForkGroupID = strPtr(forkGroupID)
	token.JoinGroupID = strPtr(joinGroupID)
	token.ExpandGroupID = strPtr(expandGroupID)
	token.BranchName = strPtr(branchName)
	token.StepInPipeline = intPtr(step)

	return &token, nil
}

// ListTokens returns a run's tokens in creation order.
func (r *PostgresRecorder) ListTokens(ctx context.Context, runID string) ([]*Token, error) {
	query := `
		SELECT t.token_id, t.row_id, t.fork_group_id, t.join_group_id,
		       t.expand_group_id, t.branch_name, t.step_in_pipeline, t.created_at
		FROM tokens t
		JOIN source_rows sr ON sr.row_id = t.row_id
		WHERE sr.run_id = $1
		ORDER BY t.created_at, t.token_id
	`

	rows, err := r.conn.DB.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, audit("list tokens", err)
	}
	defer rows.Close()

	var tokens []*Token

	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, audit("list tokens", err)
		}

		tokens = append(tokens, token)
	}

	if err := rows.Err(); err != nil {
		return nil, audit("list tokens", err)
	}

	return tokens, nil
}

// ListTokenParents returns a token's parent edges ordered by ordinal.
func (r *PostgresRecorder) ListTokenParents(ctx context.Context, tokenID string) ([]*TokenParent, error) {
	query := `
		SELECT token_id, parent_token_id, ordinal
		FROM token_parents WHERE token_id = $1
		ORDER BY ordinal
	`

	rows, err := r.conn.DB.QueryContext(ctx, query, tokenID)
	if err != nil {
		return nil, audit("list token parents", err)
	}
	defer rows.Close()

	var parents []*TokenParent

	for rows.Next() {
		var parent TokenParent

		if err := rows.Scan(&parent.TokenID, &parent.ParentTokenID, &parent.Ordinal); err != nil {
			return nil, audit("list token parents", err)
		}

		parents = append(parents, &parent)
	}

	if err := rows.Err(); err != nil {
		return nil, audit("list token parents", err)
	}

	return parents, nil
}

// ListNodeStates returns a token's states ordered by started_at, tiebroken
// by attempt.
func (r *PostgresRecorder) ListNodeStates(ctx context.Context, tokenID string) ([]*NodeState, error) {
	query := `
		SELECT state_id, token_id, run_id, node_id, step_index, attempt, status,
		       input_hash, output_hash, input_ref, output_ref,
		       context_before_json, context_after_json, duration_ms, error_json,
		       started_at, completed_at
		FROM node_states WHERE token_id = $1
		ORDER BY started_at, attempt
	`

	rows, err := r.conn.DB.QueryContext(ctx, query, tokenID)
	if err != nil {
		return nil, audit("list node states", err)
	}
	defer rows.Close()

	var states []*NodeState

	for rows.Next() {
		var (
			state         NodeState
			outputHash    sql.NullString
			inputRef      sql.NullString
			outputRef     sql.NullString
			contextBefore sql.NullString
			contextAfter  sql.NullString
			durationMS    sql.NullFloat64
			errorJSON     sql.NullString
			completedAt   sql.NullTime
		)

		if err := rows.Scan(
			&state.StateID, &state.TokenID, &state.RunID, &state.NodeID,
			&state.StepIndex, &state.Attempt, &state.Status, &state.InputHash,
			&outputHash, &inputRef, &outputRef, &contextBefore, &contextAfter,
			&durationMS, &errorJSON, &state.StartedAt, &completedAt,
		); err != nil {
			return nil, audit("list node states", err)
		}

		state.OutputHash = strPtr(outputHash)
		state.InputRef = strPtr(inputRef)
		state.OutputRef = strPtr(outputRef)
		state.ContextBeforeJSON = strPtr(contextBefore)
		state.ContextAfterJSON = strPtr(contextAfter)
		state.DurationMS = floatPtr(durationMS)
		state.ErrorJSON = strPtr(errorJSON)
		state.CompletedAt = scanNullTime(completedAt)

		states = append(states, &state)
	}

	if err := rows.Err(); err != nil {
		return nil, audit("list node states", err)
	}

	return states, nil
}

// ListRoutingEvents returns a state's routing events in recording order.
func (r *PostgresRecorder) ListRoutingEvents(ctx context.Context, stateID string) ([]*RoutingEvent, error) {
	query := `
		SELECT event_id, state_id, kind, destinations, mode, reason_hash, reason_json, created_at
		FROM routing_events WHERE state_id = $1
		ORDER BY created_at, event_id
	`

	rows, err := r.conn.DB.QueryContext(ctx, query, stateID)
	if err != nil {
		return nil, audit("list routing events", err)
	}
	defer rows.Close()

	var events []*RoutingEvent

	for rows.Next() {
		var (
			event      RoutingEvent
			reasonHash sql.NullString
			reasonJSON sql.NullString
		)

		if err := rows.Scan(
			&event.EventID, &event.StateID, &event.Kind,
			pq.Array(&event.Destinations), &event.Mode,
			&reasonHash, &reasonJSON, &event.CreatedAt,
		); err != nil {
			return nil, audit("list routing events", err)
		}

		event.ReasonHash = strPtr(reasonHash)
		event.ReasonJSON = strPtr(reasonJSON)

		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, audit("list routing events", err)
	}

	return events, nil
}

func scanBatch(scanner interface{ Scan(...any) error }) (*Batch, error) {
	var (
		batch       Batch
		errorJSON   sql.NullString
		completedAt sql.NullTime
	)

	if err := scanner.Scan(
		&batch.BatchID, &batch.RunID, &batch.NodeID, &batch.Status,
		&errorJSON, &batch.CreatedAt, &completedAt,
	); err != nil {
		return nil, err
	}

	batch.ErrorJSON = strPtr(errorJSON)
	batch.CompletedAt = scanNullTime(completedAt)

	return &batch, nil
}

// ListBatches returns a run's batches in creation order.
func (r *PostgresRecorder) ListBatches(ctx context.Context, runID string) ([]*Batch, error) {
	query := `
		SELECT batch_id, run_id, node_id, status, error_json, created_at, completed_at
		FROM batches WHERE run_id = $1
		ORDER BY created_at, batch_id
	`

	rows, err := r.conn.DB.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, audit("list batches", err)
	}
	defer rows.Close()

	var batches []*Batch

	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, audit("list batches", err)
		}

		batches = append(batches, batch)
	}

	if err := rows.Err(); err != nil {
		return nil, audit("list batches", err)
	}

	return batches, nil
}

// GetBatch returns a batch by ID.
func (r *PostgresRecorder) GetBatch(ctx context.Context, batchID string) (*Batch, error) {
	query := `
		SELECT batch_id, run_id, node_id, status, error_json, created_at, completed_at
		FROM batches WHERE batch_id = $1
	`

	batch, err := scanBatch(r.conn.DB.QueryRowContext(ctx, query, batchID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch %q: %w", batchID, ErrNotFound)
	}

	if err != nil {
		return nil, audit("get batch", err)
	}

	return batch, nil
}

// ListBatchMembers returns a batch's members ordered by ordinal.
func (r *PostgresRecorder) ListBatchMembers(ctx context.Context, batchID string) ([]*BatchMember, error) {
	query := `
		SELECT batch_id, token_id, ordinal
		FROM batch_members WHERE batch_id = $1
		ORDER BY ordinal
	`

	return r.queryBatchMembers(ctx, query, batchID)
}

// BatchMembershipForToken returns the memberships a token appears in, oldest
// batch first.
func (r *PostgresRecorder) BatchMembershipForToken(ctx context.Context, tokenID string) ([]*BatchMember, error) {
	query := `
		SELECT bm.batch_id, bm.token_id, bm.ordinal
		FROM batch_members bm
		JOIN batches b ON b.batch_id = bm.batch_id
		WHERE bm.token_id = $1
		ORDER BY b.created_at, bm.batch_id
	`

	return r.queryBatchMembers(ctx, query, tokenID)
}

func (r *PostgresRecorder) queryBatchMembers(ctx context.Context, query, arg string) ([]*BatchMember, error) {
	rows, err := r.conn.DB.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, audit("list batch members", err)
	}
	defer rows.Close()

	var members []*BatchMember

	for rows.Next() {
		var member BatchMember

		if err := rows.Scan(&member.BatchID, &member.TokenID, &member.Ordinal); err != nil {
			return nil, audit("list batch members", err)
		}

		members = append(members, &member)
	}

	if err := rows.Err(); err != nil {
		return nil, audit("list batch members", err)
	}

	return members, nil
}

// ListBatchOutputs returns a batch's outputs ordered by ordinal.
func (r *PostgresRecorder) ListBatchOutputs(ctx context.Context, batchID string) ([]*BatchOutput, error) {
	query := `
		SELECT batch_id, ordinal, data_hash, data_ref
		FROM batch_outputs WHERE batch_id = $1
		ORDER BY ordinal
	`

	rows, err := r.conn.DB.QueryContext(ctx, query, batchID)
	if err != nil {
		return nil, audit("list batch outputs", err)
	}
	defer rows.Close()

	var outputs []*BatchOutput

	for rows.Next() {
		var (
			output  BatchOutput
			dataRef sql.NullString
		)

		if err := rows.Scan(&output.BatchID, &output.Ordinal, &output.DataHash, &dataRef); err != nil {
			return nil, audit("list batch outputs", err)
		}

		output.DataRef = strPtr(dataRef)

		outputs = append(outputs, &output)
	}

	if err := rows.Err(); err != nil {
		return nil, audit("list batch outputs", err)
	}

	return outputs, nil
}

// ListArtifacts returns a run's artifacts in recording order.
func (r *PostgresRecorder) ListArtifacts(ctx context.Context, runID string) ([]*Artifact, error) {
	query := `
		SELECT artifact_id, state_id, run_id, sink_node_id, kind, path_or_uri,
		       content_hash, size_bytes, idempotency_key, created_at
		FROM artifacts WHERE run_id = $1
		ORDER BY created_at, artifact_id
	`

	rows, err := r.conn.DB.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, audit("list artifacts", err)
	}
	defer rows.Close()

	var artifacts []*Artifact

	for rows.Next() {
		var (
			artifact       Artifact
			contentHash    sql.NullString
			sizeBytes      sql.NullInt64
			idempotencyKey sql.NullString
		)

		if err := rows.Scan(
			&artifact.ArtifactID, &artifact.StateID, &artifact.RunID,
			&artifact.SinkNodeID, &artifact.Kind, &artifact.PathOrURI,
			&contentHash, &sizeBytes, &idempotencyKey, &artifact.CreatedAt,
		); err != nil {
			return nil, audit("list artifacts", err)
		}

		artifact.ContentHash = strPtr(contentHash)
		artifact.SizeBytes = int64Ptr(sizeBytes)
		artifact.IdempotencyKey = strPtr(idempotencyKey)

		artifacts = append(artifacts, &artifact)
	}

	if err := rows.Err(); err != nil {
		return nil, audit("list artifacts", err)
	}

	return artifacts, nil
}

// ListCalls returns a state's external calls ordered by call index.
func (r *PostgresRecorder) ListCalls(ctx context.Context, stateID string) ([]*Call, error) {
	query := `
		SELECT call_id, state_id, call_index, call_type, status,
		       request_hash, response_hash, error_json, latency_ms, created_at
		FROM calls WHERE state_id = $1
		ORDER BY call_index
	`

	rows, err := r.conn.DB.QueryContext(ctx, query, stateID)
	if err != nil {
		return nil, audit("list calls", err)
	}
	defer rows.Close()

	var calls []*Call

	for rows.Next() {
		var (
			call         Call
			responseHash sql.NullString
			errorJSON    sql.NullString
			latencyMS    sql.NullFloat64
		)

		if err := rows.Scan(
			&call.CallID, &call.StateID, &call.CallIndex, &call.CallType,
			&call.Status, &call.RequestHash, &responseHash, &errorJSON,
			&latencyMS, &call.CreatedAt,
		); err != nil {
			return nil, audit("list calls", err)
		}

		call.ResponseHash = strPtr(responseHash)
		call.ErrorJSON = strPtr(errorJSON)
		call.LatencyMS = floatPtr(latencyMS)

		calls = append(calls, &call)
	}

	if err := rows.Err(); err != nil {
		return nil, audit("list calls", err)
	}

	return calls, nil
}

// ListValidationErrors returns a run's quarantine records in order.
func (r *PostgresRecorder) ListValidationErrors(ctx context.Context, runID string) ([]*ValidationError, error) {
	query := `
		SELECT error_id, run_id, source_node_id, row_index, row_hash,
		       row_json, row_ref, reason, destination, created_at
		FROM validation_errors WHERE run_id = $1
		ORDER BY created_at, error_id
	`

	rows, err := r.conn.DB.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, audit("list validation errors", err)
	}
	defer rows.Close()

	var records []*ValidationError

	for rows.Next() {
		var (
			record  ValidationError
			rowJSON sql.NullString
			rowRef  sql.NullString
		)

		if err := rows.Scan(
			&record.ErrorID, &record.RunID, &record.SourceNodeID, &record.RowIndex,
			&record.RowHash, &rowJSON, &rowRef, &record.Reason,
			&record.Destination, &record.CreatedAt,
		); err != nil {
			return nil, audit("list validation errors", err)
		}

		record.RowJSON = strPtr(rowJSON)
		record.RowRef = strPtr(rowRef)

		records = append(records, &record)
	}

	if err := rows.Err(); err != nil {
		return nil, audit("list validation errors", err)
	}

	return records, nil
}
