package landscape

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/furrow-io/furrow/internal/canonical"
	"github.com/furrow-io/furrow/internal/payload"
)

// MemoryRecorder is a full in-memory RecorderReader.
//
// It enforces the same invariants as the Postgres recorder (terminal runs
// reject writes, one running state per token/node pair, batch status
// transitions) so that engine tests exercise real recorder behavior without
// a database. Contents are lost when the process exits.
type MemoryRecorder struct {
	mu sync.RWMutex

	payloads  payload.Store
	threshold int
	closed    bool

	runs      map[string]*Run
	nodeKey   map[string]*Node
	nodesByRun map[string][]*Node
	edgeKey   map[string]*Edge
	edgesByRun map[string][]*Edge

	rows      map[string]*Row
	rowsByRun map[string][]*Row

	tokens      map[string]*Token
	tokensByRun map[string][]*Token

	parentsByChild map[string][]*TokenParent

	states        map[string]*NodeState
	statesByToken map[string][]*NodeState
	running       map[string]bool

	eventsByState map[string][]*RoutingEvent

	batches        map[string]*Batch
	batchesByRun   map[string][]*Batch
	membersByBatch map[string][]*BatchMember
	membersByToken map[string][]*BatchMember
	memberNodeKey  map[string]bool
	outputsByBatch map[string][]*BatchOutput

	artifactsByRun  map[string][]*Artifact
	callsByState    map[string][]*Call
	validationByRun map[string][]*ValidationError
}

// MemoryRecorderOption configures optional MemoryRecorder behavior.
type MemoryRecorderOption func(*MemoryRecorder)

// WithMemoryPayloadStore attaches a payload store for externalizing large
// payloads, with the given inline threshold in bytes.
func WithMemoryPayloadStore(store payload.Store, thresholdBytes int) MemoryRecorderOption {
	return func(r *MemoryRecorder) {
		r.payloads = store
		r.threshold = thresholdBytes
	}
}

// Compile-time interface assertion.
var _ RecorderReader = (*MemoryRecorder)(nil)

// NewMemoryRecorder creates an empty in-memory recorder. Without a payload
// store option, every payload is stored inline regardless of size.
func NewMemoryRecorder(opts ...MemoryRecorderOption) *MemoryRecorder {
	r := &MemoryRecorder{
		threshold:       DefaultInlineThresholdBytes,
		runs:            make(map[string]*Run),
		nodeKey:         make(map[string]*Node),
		nodesByRun:      make(map[string][]*Node),
		edgeKey:         make(map[string]*Edge),
		edgesByRun:      make(map[string][]*Edge),
		rows:            make(map[string]*Row),
		rowsByRun:       make(map[string][]*Row),
		tokens:          make(map[string]*Token),
		tokensByRun:     make(map[string][]*Token),
		parentsByChild:  make(map[string][]*TokenParent),
		states:          make(map[string]*NodeState),
		statesByToken:   make(map[string][]*NodeState),
		running:         make(map[string]bool),
		eventsByState:   make(map[string][]*RoutingEvent),
		batches:         make(map[string]*Batch),
		batchesByRun:    make(map[string][]*Batch),
		membersByBatch:  make(map[string][]*BatchMember),
		membersByToken:  make(map[string][]*BatchMember),
		memberNodeKey:   make(map[string]bool),
		outputsByBatch:  make(map[string][]*BatchOutput),
		artifactsByRun:  make(map[string][]*Artifact),
		callsByState:    make(map[string][]*Call),
		validationByRun: make(map[string][]*ValidationError),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Close marks the recorder closed. Subsequent writes fail with
// ErrRecorderClosed. Safe to call multiple times.
func (r *MemoryRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true

	return nil
}

func (r *MemoryRecorder) checkOpen() error {
	if r.closed {
		return fmt.Errorf("%w: %w", ErrAudit, ErrRecorderClosed)
	}

	return nil
}

// activeRun returns the run if it exists and is not terminated.
func (r *MemoryRecorder) activeRun(runID string) (*Run, error) {
	run, ok := r.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: run %q: %w", ErrAudit, runID, ErrNotFound)
	}

	if run.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: run %q: %w", ErrAudit, runID, ErrRunTerminated)
	}

	return run, nil
}

// BeginRun opens a run with a content hash of its resolved configuration.
func (r *MemoryRecorder) BeginRun(ctx context.Context, config map[string]any, canonicalVersion string) (*Run, error) {
	_ = ctx

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	settings, err := canonical.Canonicalize(config)
	if err != nil {
		return nil, fmt.Errorf("%w: canonicalize run config: %w", ErrAudit, err)
	}

	run := &Run{
		RunID:            NewID(),
		StartedAt:        time.Now().UTC(),
		Status:           RunRunning,
		ConfigHash:       canonical.HashBytes(settings),
		SettingsJSON:     string(settings),
		CanonicalVersion: canonicalVersion,
		Reproducibility:  string(FullReproducible),
	}
	r.runs[run.RunID] = run

	out := *run

	return &out, nil
}

// CompleteRun terminates a run exactly once.
func (r *MemoryRecorder) CompleteRun(ctx context.Context, runID string, status RunStatus) error {
	_ = ctx

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(); err != nil {
		return err
	}

	run, err := r.activeRun(runID)
	if err != nil {
		return err
	}

	if !status.IsTerminal() {
		return fmt.Errorf("%w: complete_run with non-terminal status %q: %w", ErrAudit, status, ErrInvalidTransition)
	}

	now := time.Now().UTC()
	run.Status = status
	run.CompletedAt = &now

	return nil
}

// RegisterNode registers a graph vertex, idempotently within the run.
func (r *MemoryRecorder) RegisterNode(ctx context.Context, in RegisterNodeInput) (*Node, error) {
	_ = ctx

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	if _, err := r.activeRun(in.RunID); err != nil {
		return nil, err
	}

	key := in.RunID + "/" + in.NodeID
	if existing, ok := r.nodeKey[key]; ok {
		out := *existing

		return &out, nil
	}

	configJSON, err := canonical.Canonicalize(in.Config)
	if err != nil {
		return nil, fmt.Errorf("%w: canonicalize node config: %w", ErrAudit, err)
	}

	// One nondeterministic node downgrades the whole run to replay-only
	// reproducibility.
	if in.Determinism == Nondeterministic {
		r.runs[in.RunID].Reproducibility = string(ReplayReproducible)
	}

	node := &Node{
		NodeID:        in.NodeID,
		RunID:         in.RunID,
		PluginName:    in.PluginName,
		NodeType:      in.NodeType,
		PluginVersion: in.PluginVersion,
		Determinism:   in.Determinism,
		ConfigHash:    canonical.HashBytes(configJSON),
		ConfigJSON:    string(configJSON),
		Sequence:      in.Sequence,
		RegisteredAt:  time.Now().UTC(),
	}

	if in.SchemaConfig != nil {
		schemaJSON, err := encodeJSON(in.SchemaConfig)
		if err != nil {
			return nil, err
		}

		node.SchemaJSON = schemaJSON
	}

	r.nodeKey[key] = node
	r.nodesByRun[in.RunID] = append(r.nodesByRun[in.RunID], node)

	out := *node

	return &out, nil
}

// RegisterEdge registers a graph edge, idempotently within the run.
func (r *MemoryRecorder) RegisterEdge(ctx context.Context, in RegisterEdgeInput) (*Edge, error) {
	_ = ctx

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	if _, err := r.activeRun(in.RunID); err != nil {
		return nil, err
	}

	key := in.RunID + "|" + in.FromNodeID + "|" + in.ToNodeID + "|" + in.Label
	if existing, ok := r.edgeKey[key]; ok {
		out := *existing

		return &out, nil
	}

	edge := &Edge{
		EdgeID:     NewID(),
		RunID:      in.RunID,
		FromNodeID: in.FromNodeID,
		ToNodeID:   in.ToNodeID,
		Label:      in.Label,
		Mode:       in.Mode,
		CreatedAt:  time.Now().UTC(),
	}
	r.edgeKey[key] = edge
	r.edgesByRun[in.RunID] = append(r.edgesByRun[in.RunID], edge)

	out := *edge

	return &out, nil
}

// CreateRow records one source row, externalizing large payloads.
func (r *MemoryRecorder) CreateRow(
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

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	if _, err := r.activeRun(runID); err != nil {
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
	r.rows[row.RowID] = row
	r.rowsByRun[runID] = append(r.rowsByRun[runID], row)

	out := *row

	return &out, nil
}

// CreateToken seeds the initial token for a row.
func (r *MemoryRecorder) CreateToken(ctx context.Context, rowID string) (*Token, error) {
	_ = ctx

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	row, ok := r.rows[rowID]
	if !ok {
		return nil, fmt.Errorf("%w: row %q: %w", ErrAudit, rowID, ErrNotFound)
	}

	token := &Token{
		TokenID:   NewID(),
		RowID:     rowID,
		CreatedAt: time.Now().UTC(),
	}
	r.tokens[token.TokenID] = token
	r.tokensByRun[row.RunID] = append(r.tokensByRun[row.RunID], token)

	out := *token

	return &out, nil
}

// childToken appends one derived token plus its parent edge. Caller holds
// the lock.
func (r *MemoryRecorder) childToken(runID string, token *Token, parentID string, ordinal int) {
	r.tokens[token.TokenID] = token
	r.tokensByRun[runID] = append(r.tokensByRun[runID], token)
	r.parentsByChild[token.TokenID] = append(r.parentsByChild[token.TokenID], &TokenParent{
		TokenID:       token.TokenID,
		ParentTokenID: parentID,
		Ordinal:       ordinal,
	})
}

// ForkToken creates one child per branch, all sharing a fork group.
func (r *MemoryRecorder) ForkToken(
	ctx context.Context,
	parentTokenID, rowID string,
	branches []string,
	stepInPipeline *int,
) ([]*Token, string, error) {
	_ = ctx

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(); err != nil {
		return nil, "", err
	}

	row, ok := r.rows[rowID]
	if !ok {
		return nil, "", fmt.Errorf("%w: row %q: %w", ErrAudit, rowID, ErrNotFound)
	}

	if _, ok := r.tokens[parentTokenID]; !ok {
		return nil, "", fmt.Errorf("%w: token %q: %w", ErrAudit, parentTokenID, ErrNotFound)
	}

	forkGroupID := NewID()
	children := make([]*Token, 0, len(branches))

	for i, branch := range branches {
		name := branch
		token := &Token{
			TokenID:        NewID(),
			RowID:          rowID,
			ForkGroupID:    &forkGroupID,
			BranchName:     &name,
			StepInPipeline: stepInPipeline,
			CreatedAt:      time.Now().UTC(),
		}
		r.childToken(row.RunID, token, parentTokenID, i)

		out := *token
		children = append(children, &out)
	}

	return children, forkGroupID, nil
}

// ExpandToken creates count children sharing an expand group.
func (r *MemoryRecorder) ExpandToken(
	ctx context.Context,
	parentTokenID, rowID string,
	count int,
	stepInPipeline *int,
) ([]*Token, string, error) {
	_ = ctx

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(); err != nil {
		return nil, "", err
	}

	row, ok := r.rows[rowID]
	if !ok {
		return nil, "", fmt.Errorf("%w: row %q: %w", ErrAudit, rowID, ErrNotFound)
	}

	parent, ok := r.tokens[parentTokenID]
	if !ok {
		return nil, "", fmt.Errorf("%w: token %q: %w", ErrAudit, parentTokenID, ErrNotFound)
	}

	expandGroupID := NewID()
	children := make([]*Token, 0, count)

	for i := 0; i < count; i++ {
		token := &Token{
			TokenID:        NewID(),
			RowID:          rowID,
			ExpandGroupID:  &expandGroupID,
			BranchName:     parent.BranchName,
			StepInPipeline: stepInPipeline,
			CreatedAt:      time.Now().UTC(),
		}
		r.childToken(row.RunID, token, parentTokenID, i)

		out := *token
		children = append(children, &out)
	}

	return children, expandGroupID, nil
}

// CoalesceTokens creates one child with every parent linked in order.
func (r *MemoryRecorder) CoalesceTokens(
	ctx context.Context,
	parentTokenIDs []string,
	rowID string,
	stepInPipeline *int,
) (*Token, error) {
	_ = ctx

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	row, ok := r.rows[rowID]
	if !ok {
		return nil, fmt.Errorf("%w: row %q: %w", ErrAudit, rowID, ErrNotFound)
	}

	for _, id := range parentTokenIDs {
		if _, ok := r.tokens[id]; !ok {
			return nil, fmt.Errorf("%w: token %q: %w", ErrAudit, id, ErrNotFound)
		}
	}

	joinGroupID := NewID()
	token := &Token{
		TokenID:        NewID(),
		RowID:          rowID,
		JoinGroupID:    &joinGroupID,
		StepInPipeline: stepInPipeline,
		CreatedAt:      time.Now().UTC(),
	}
	r.tokens[token.TokenID] = token
	r.tokensByRun[row.RunID] = append(r.tokensByRun[row.RunID], token)

	for i, parentID := range parentTokenIDs {
		r.parentsByChild[token.TokenID] = append(r.parentsByChild[token.TokenID], &TokenParent{
			TokenID:       token.TokenID,
			ParentTokenID: parentID,
			Ordinal:       i,
		})
	}

	out := *token

	return &out, nil
}

// BeginNodeState opens one attempt of one token at one node. At most one
// running state may exist per (token, node) pair.
func (r *MemoryRecorder) BeginNodeState(ctx context.Context, in BeginNodeStateInput) (*NodeState, error) {
	stored, err := encodePayload(ctx, r.payloads, r.threshold, in.InputData, false)
	if err != nil {
		return nil, err
	}

	contextBefore, err := encodeJSON(in.ContextBefore)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	if _, ok := r.tokens[in.TokenID]; !ok {
		return nil, fmt.Errorf("%w: token %q: %w", ErrAudit, in.TokenID, ErrNotFound)
	}

	runningKey := in.TokenID + "|" + in.NodeID
	if r.running[runningKey] {
		return nil, fmt.Errorf("%w: token %q already has a running state at node %q: %w",
			ErrAudit, in.TokenID, in.NodeID, ErrInvalidTransition)
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
	r.states[state.StateID] = state
	r.statesByToken[in.TokenID] = append(r.statesByToken[in.TokenID], state)
	r.running[runningKey] = true

	out := *state

	return &out, nil
}

// CompleteNodeState closes an attempt with a terminal status.
func (r *MemoryRecorder) CompleteNodeState(ctx context.Context, in CompleteNodeStateInput) error {
	var (
		stored storedPayload
		err    error
	)

	if in.OutputData != nil {
		stored, err = encodePayload(ctx, r.payloads, r.threshold, in.OutputData, false)
		if err != nil {
			return err
		}
	}

	errorJSON, err := encodeJSON(in.ErrorInfo)
	if err != nil {
		return err
	}

	contextAfter, err := encodeJSON(in.ContextAfter)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(); err != nil {
		return err
	}

	state, ok := r.states[in.StateID]
	if !ok {
		return fmt.Errorf("%w: state %q: %w", ErrAudit, in.StateID, ErrNotFound)
	}

	if state.Status != StateRunning {
		return fmt.Errorf("%w: state %q is already %s: %w", ErrAudit, in.StateID, state.Status, ErrInvalidTransition)
	}

	if !in.Status.IsTerminal() {
		return fmt.Errorf("%w: complete_node_state with non-terminal status %q: %w",
			ErrAudit, in.Status, ErrInvalidTransition)
	}

	now := time.Now().UTC()
	state.Status = in.Status
	state.CompletedAt = &now
	state.DurationMS = &in.DurationMS
	state.ErrorJSON = errorJSON
	state.ContextAfterJSON = contextAfter

	if in.OutputData != nil {
		hash := stored.hash
		state.OutputHash = &hash
		state.OutputRef = stored.ref
	}

	delete(r.running, state.TokenID+"|"+state.NodeID)

	return nil
}

// RecordRoutingEvent records one gate decision. The reason is serialized
// immediately, which doubles as the defensive copy.
func (r *MemoryRecorder) RecordRoutingEvent(ctx context.Context, in RoutingEventInput) (*RoutingEvent, error) {
	_ = ctx

	reasonJSON, err := encodeJSON(in.Reason)
	if err != nil {
		return nil, err
	}

	var reasonHash *string

	if in.Reason != nil {
		hash, err := canonical.StableHash(in.Reason)
		if err != nil {
			return nil, fmt.Errorf("%w: hash routing reason: %w", ErrAudit, err)
		}

		reasonHash = &hash
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	if _, ok := r.states[in.StateID]; !ok {
		return nil, fmt.Errorf("%w: state %q: %w", ErrAudit, in.StateID, ErrNotFound)
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
	r.eventsByState[in.StateID] = append(r.eventsByState[in.StateID], event)

	out := *event

	return &out, nil
}

// CreateBatch opens a draft batch for an aggregation node.
func (r *MemoryRecorder) CreateBatch(ctx context.Context, runID, nodeID string) (*Batch, error) {
	_ = ctx

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	if _, err := r.activeRun(runID); err != nil {
		return nil, err
	}

	batch := &Batch{
		BatchID:   NewID(),
		RunID:     runID,
		NodeID:    nodeID,
		Status:    BatchDraft,
		CreatedAt: time.Now().UTC(),
	}
	r.batches[batch.BatchID] = batch
	r.batchesByRun[runID] = append(r.batchesByRun[runID], batch)

	out := *batch

	return &out, nil
}

// AddBatchMember records one token's membership, eagerly at acceptance so
// the trail survives a crash before flush. A token may join at most one
// batch per node.
func (r *MemoryRecorder) AddBatchMember(ctx context.Context, batchID, tokenID string, ordinal int) error {
	_ = ctx

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(); err != nil {
		return err
	}

	batch, ok := r.batches[batchID]
	if !ok {
		return fmt.Errorf("%w: batch %q: %w", ErrAudit, batchID, ErrNotFound)
	}

	if batch.Status != BatchDraft {
		return fmt.Errorf("%w: batch %q is %s, members join drafts only: %w",
			ErrAudit, batchID, batch.Status, ErrInvalidTransition)
	}

	nodeKey := tokenID + "|" + batch.NodeID
	if r.memberNodeKey[nodeKey] {
		return fmt.Errorf("%w: token %q is already a member of a batch at node %q: %w",
			ErrAudit, tokenID, batch.NodeID, ErrInvalidTransition)
	}

	member := &BatchMember{BatchID: batchID, TokenID: tokenID, Ordinal: ordinal}
	r.membersByBatch[batchID] = append(r.membersByBatch[batchID], member)
	r.membersByToken[tokenID] = append(r.membersByToken[tokenID], member)
	r.memberNodeKey[nodeKey] = true

	return nil
}

// validBatchTransitions lists the allowed batch status moves.
var validBatchTransitions = map[BatchStatus][]BatchStatus{
	BatchDraft:     {BatchExecuting, BatchFailed},
	BatchExecuting: {BatchCompleted, BatchFailed},
}

// UpdateBatchStatus moves a batch along draft -> executing -> completed or
// failed.
func (r *MemoryRecorder) UpdateBatchStatus(
	ctx context.Context,
	batchID string,
	status BatchStatus,
	errorInfo map[string]any,
) error {
	_ = ctx

	errorJSON, err := encodeJSON(errorInfo)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(); err != nil {
		return err
	}

	batch, ok := r.batches[batchID]
	if !ok {
		return fmt.Errorf("%w: batch %q: %w", ErrAudit, batchID, ErrNotFound)
	}

	allowed := false

	for _, next := range validBatchTransitions[batch.Status] {
		if next == status {
			allowed = true

			break
		}
	}

	if !allowed {
		return fmt.Errorf("%w: batch %q cannot move %s -> %s: %w",
			ErrAudit, batchID, batch.Status, status, ErrInvalidTransition)
	}

	batch.Status = status
	batch.ErrorJSON = errorJSON

	if status == BatchCompleted || status == BatchFailed {
		now := time.Now().UTC()
		batch.CompletedAt = &now
	}

	return nil
}

// RecordBatchOutput records one flush output row. Outputs require the batch
// to have reached executing.
func (r *MemoryRecorder) RecordBatchOutput(
	ctx context.Context,
	batchID string,
	ordinal int,
	data map[string]any,
) (*BatchOutput, error) {
	stored, err := encodePayload(ctx, r.payloads, r.threshold, data, false)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	batch, ok := r.batches[batchID]
	if !ok {
		return nil, fmt.Errorf("%w: batch %q: %w", ErrAudit, batchID, ErrNotFound)
	}

	if batch.Status != BatchExecuting && batch.Status != BatchCompleted {
		return nil, fmt.Errorf("%w: batch %q is %s, outputs require executing: %w",
			ErrAudit, batchID, batch.Status, ErrInvalidTransition)
	}

	output := &BatchOutput{
		BatchID:  batchID,
		Ordinal:  ordinal,
		DataHash: stored.hash,
		DataRef:  stored.ref,
	}
	r.outputsByBatch[batchID] = append(r.outputsByBatch[batchID], output)

	out := *output

	return &out, nil
}

// RecordArtifact records one sink-produced external object.
func (r *MemoryRecorder) RecordArtifact(ctx context.Context, in ArtifactInput) (*Artifact, error) {
	_ = ctx

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	if _, ok := r.states[in.StateID]; !ok {
		return nil, fmt.Errorf("%w: state %q: %w", ErrAudit, in.StateID, ErrNotFound)
	}

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
	r.artifactsByRun[in.RunID] = append(r.artifactsByRun[in.RunID], artifact)

	out := *artifact

	return &out, nil
}

// RecordCall records one external call made under a node state.
func (r *MemoryRecorder) RecordCall(ctx context.Context, in CallInput) (*Call, error) {
	_ = ctx

	requestHash, err := canonical.StableHash(in.RequestData)
	if err != nil {
		return nil, fmt.Errorf("%w: hash call request: %w", ErrAudit, err)
	}

	var responseHash *string

	if in.ResponseData != nil {
		hash, err := canonical.StableHash(in.ResponseData)
		if err != nil {
			return nil, fmt.Errorf("%w: hash call response: %w", ErrAudit, err)
		}

		responseHash = &hash
	}

	errorJSON, err := encodeJSON(in.ErrorInfo)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	if _, ok := r.states[in.StateID]; !ok {
		return nil, fmt.Errorf("%w: state %q: %w", ErrAudit, in.StateID, ErrNotFound)
	}

	call := &Call{
		CallID:       NewID(),
		StateID:      in.StateID,
		CallIndex:    in.CallIndex,
		CallType:     in.CallType,
		Status:       in.Status,
		RequestHash:  requestHash,
		ResponseHash: responseHash,
		ErrorJSON:    errorJSON,
		LatencyMS:    in.LatencyMS,
		CreatedAt:    time.Now().UTC(),
	}
	r.callsByState[in.StateID] = append(r.callsByState[in.StateID], call)

	out := *call

	return &out, nil
}

// RecordValidationError records a quarantined source row.
func (r *MemoryRecorder) RecordValidationError(ctx context.Context, in ValidationErrorInput) (*ValidationError, error) {
	stored, err := encodePayload(ctx, r.payloads, r.threshold, in.RawData, true)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	if _, err := r.activeRun(in.RunID); err != nil {
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
	r.validationByRun[in.RunID] = append(r.validationByRun[in.RunID], record)

	out := *record

	return &out, nil
}

// SetExportStatus records the outcome of the post-run export phase. Runs may
// already be terminal; export status is tracked separately from run status.
func (r *MemoryRecorder) SetExportStatus(ctx context.Context, runID string, status ExportStatus, exportError *string) error {
	_ = ctx

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(); err != nil {
		return err
	}

	run, ok := r.runs[runID]
	if !ok {
		return fmt.Errorf("run %q: %w", runID, ErrNotFound)
	}

	run.ExportStatus = &status
	run.ExportError = exportError

	if status == ExportCompleted {
		now := time.Now().UTC()
		run.ExportedAt = &now
	}

	return nil
}
