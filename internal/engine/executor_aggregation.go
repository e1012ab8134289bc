package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/furrow-io/furrow/internal/canonical"
	"github.com/furrow-io/furrow/internal/landscape"
	"github.com/furrow-io/furrow/internal/plugin"
	"github.com/furrow-io/furrow/internal/telemetry"
)

// OutputMode controls what an aggregation flush emits and what happens to
// the buffered tokens.
type OutputMode string

// Output modes.
const (
	// OutputSingle emits exactly one row, carried by the triggering token;
	// the other members are consumed by the batch.
	OutputSingle OutputMode = "single"
	// OutputPassthrough emits one row per buffered input; the original
	// tokens continue with their enriched rows.
	OutputPassthrough OutputMode = "passthrough"
	// OutputTransform emits one or more new rows as expand children of the
	// triggering token; all members are consumed by the batch.
	OutputTransform OutputMode = "transform"
)

// TriggerConfig fires a flush on whichever threshold is crossed first.
// Zero values disable a threshold.
type TriggerConfig struct {
	Count       int
	MaxBytes    int
	MaxDuration time.Duration
}

// AggregationSettings is the per-node aggregation configuration.
type AggregationSettings struct {
	Mode    OutputMode
	Trigger TriggerConfig
}

// AcceptOutcome is the result of offering one token to an aggregation node.
type AcceptOutcome struct {
	// Accepted reports whether the row entered the buffer. A rejected row
	// continues down the spine unchanged.
	Accepted bool
	// Flush is set when this accept triggered a flush.
	Flush *FlushResult
	// Failed is set when the plugin's accept call errored; the token fails.
	Failed    bool
	ErrorInfo map[string]any
}

// FlushResult carries the tokens a flush released for continued processing.
type FlushResult struct {
	BatchID string
	// Continuations resume at the step after the aggregation node.
	Continuations []*Token
}

// aggBuffer is one node's open batch.
type aggBuffer struct {
	batch    *landscape.Batch
	tokens   []*Token
	rows     []plugin.Row
	bytes    int
	openedAt time.Time
}

// AggregationExecutor owns the buffers and the batch protocol for every
// aggregation node; the plugin owns acceptance and the flush computation.
// All state is guarded by one mutex, making accepts and flushes safe under
// the worker pool.
type AggregationExecutor struct {
	recorder  landscape.Recorder
	telemetry *telemetry.Manager
	tokens    *TokenManager

	mu       sync.Mutex
	settings map[string]AggregationSettings
	buffers  map[string]*aggBuffer
}

// NewAggregationExecutor creates an aggregation executor.
func NewAggregationExecutor(recorder landscape.Recorder, tokens *TokenManager, tel *telemetry.Manager) *AggregationExecutor {
	return &AggregationExecutor{
		recorder:  recorder,
		telemetry: tel,
		tokens:    tokens,
		settings:  make(map[string]AggregationSettings),
		buffers:   make(map[string]*aggBuffer),
	}
}

// Configure registers a node's aggregation settings before the run starts.
func (e *AggregationExecutor) Configure(nodeID string, settings AggregationSettings) {
	if settings.Mode == "" {
		settings.Mode = OutputSingle
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.settings[nodeID] = settings
}

// BufferCount returns the number of rows buffered at a node.
func (e *AggregationExecutor) BufferCount(nodeID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	buf, ok := e.buffers[nodeID]
	if !ok {
		return 0
	}

	return len(buf.rows)
}

// Accept offers one token to an aggregation node. Accepted tokens enter the
// draft batch with an eagerly recorded membership, so a crash between accept
// and flush still leaves the batch reconstructible. A returned error is
// fatal for the run.
func (e *AggregationExecutor) Accept(
	pctx *plugin.Context,
	agg plugin.Aggregation,
	nodeID string,
	step int,
	token *Token,
) (*AcceptOutcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, err := e.recorder.BeginNodeState(pctx.Context(), landscape.BeginNodeStateInput{
		TokenID:   token.TokenID,
		RunID:     pctx.RunID,
		NodeID:    nodeID,
		StepIndex: step,
		Attempt:   1,
		InputData: token.Row,
	})
	if err != nil {
		return nil, fmt.Errorf("begin state for %s: %w", nodeID, err)
	}

	pctx.StateID = state.StateID
	e.emitNode(pctx, token, state.StateID, telemetry.EventNodeStarted, "")

	result, acceptErr := agg.Accept(pctx, token.Row)
	if acceptErr != nil {
		errorInfo := map[string]any{"message": acceptErr.Error()}
		if err := e.completeState(pctx, state.StateID, landscape.StateFailed, nil, errorInfo); err != nil {
			return nil, err
		}

		e.emitNode(pctx, token, state.StateID, telemetry.EventNodeCompleted, string(landscape.StateFailed))

		return &AcceptOutcome{Failed: true, ErrorInfo: errorInfo}, nil
	}

	if result == nil || !result.Accepted {
		if err := e.completeState(pctx, state.StateID, landscape.StateCompleted, token.Row, nil); err != nil {
			return nil, err
		}

		e.emitNode(pctx, token, state.StateID, telemetry.EventNodeCompleted, string(landscape.StateCompleted))

		return &AcceptOutcome{Accepted: false}, nil
	}

	buf, err := e.bufferFor(pctx, nodeID)
	if err != nil {
		return nil, err
	}

	if err := e.recorder.AddBatchMember(pctx.Context(), buf.batch.BatchID, token.TokenID, len(buf.tokens)); err != nil {
		return nil, fmt.Errorf("add batch member: %w", err)
	}

	buf.tokens = append(buf.tokens, token)
	buf.rows = append(buf.rows, token.Row)

	if payload, err := canonical.Canonicalize(token.Row); err == nil {
		buf.bytes += len(payload)
	}

	if err := e.completeState(pctx, state.StateID, landscape.StateCompleted, nil, nil); err != nil {
		return nil, err
	}

	e.emitNode(pctx, token, state.StateID, telemetry.EventNodeCompleted, string(landscape.StateCompleted))

	settings := e.settings[nodeID]
	if !e.shouldFlush(settings.Trigger, buf, result.Trigger) {
		return &AcceptOutcome{Accepted: true}, nil
	}

	flush, err := e.flushLocked(pctx, agg, nodeID, step)
	if err != nil {
		return nil, err
	}

	return &AcceptOutcome{Accepted: true, Flush: flush}, nil
}

// FlushNode flushes a node's buffer regardless of trigger state. Called for
// every non-empty aggregation buffer after the source is exhausted. A nil
// result means the buffer was empty.
func (e *AggregationExecutor) FlushNode(pctx *plugin.Context, agg plugin.Aggregation, nodeID string, step int) (*FlushResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.flushLocked(pctx, agg, nodeID, step)
}

func (e *AggregationExecutor) bufferFor(pctx *plugin.Context, nodeID string) (*aggBuffer, error) {
	if buf, ok := e.buffers[nodeID]; ok {
		return buf, nil
	}

	batch, err := e.recorder.CreateBatch(pctx.Context(), pctx.RunID, nodeID)
	if err != nil {
		return nil, fmt.Errorf("create batch for %s: %w", nodeID, err)
	}

	e.emitBatch(pctx, batch.BatchID, string(landscape.BatchDraft))

	buf := &aggBuffer{batch: batch, openedAt: time.Now()}
	e.buffers[nodeID] = buf

	return buf, nil
}

func (e *AggregationExecutor) shouldFlush(trigger TriggerConfig, buf *aggBuffer, forced bool) bool {
	if forced {
		return true
	}

	if trigger.Count > 0 && len(buf.rows) >= trigger.Count {
		return true
	}

	if trigger.MaxBytes > 0 && buf.bytes >= trigger.MaxBytes {
		return true
	}

	if trigger.MaxDuration > 0 && time.Since(buf.openedAt) >= trigger.MaxDuration {
		return true
	}

	return false
}

// flushLocked runs the batch protocol: draft -> executing -> completed or
// failed. On failure every member token fails atomically through the batch
// status; no per-member state is written.
func (e *AggregationExecutor) flushLocked(pctx *plugin.Context, agg plugin.Aggregation, nodeID string, step int) (*FlushResult, error) {
	buf, ok := e.buffers[nodeID]
	if !ok || len(buf.rows) == 0 {
		return nil, nil
	}

	delete(e.buffers, nodeID)

	batchID := buf.batch.BatchID

	if err := e.recorder.UpdateBatchStatus(pctx.Context(), batchID, landscape.BatchExecuting, nil); err != nil {
		return nil, fmt.Errorf("batch %s executing: %w", batchID, err)
	}

	e.emitBatch(pctx, batchID, string(landscape.BatchExecuting))

	out, flushErr := agg.Flush(pctx, buf.rows)
	agg.Reset()

	settings := e.settings[nodeID]

	if flushErr == nil {
		flushErr = checkCardinality(settings.Mode, len(out), len(buf.rows))
	}

	if flushErr != nil {
		errorInfo := map[string]any{"message": flushErr.Error()}
		if err := e.recorder.UpdateBatchStatus(pctx.Context(), batchID, landscape.BatchFailed, errorInfo); err != nil {
			return nil, fmt.Errorf("batch %s failed status: %w", batchID, err)
		}

		e.emitBatch(pctx, batchID, string(landscape.BatchFailed))

		return nil, fmt.Errorf("%w: node %s: %w", ErrBatch, nodeID, flushErr)
	}

	for i, row := range out {
		if _, err := e.recorder.RecordBatchOutput(pctx.Context(), batchID, i, row); err != nil {
			return nil, fmt.Errorf("record batch output %d: %w", i, err)
		}
	}

	if err := e.recorder.UpdateBatchStatus(pctx.Context(), batchID, landscape.BatchCompleted, nil); err != nil {
		return nil, fmt.Errorf("batch %s completed status: %w", batchID, err)
	}

	e.emitBatch(pctx, batchID, string(landscape.BatchCompleted))

	continuations, err := e.continuations(pctx, settings.Mode, buf, out, step)
	if err != nil {
		return nil, err
	}

	return &FlushResult{BatchID: batchID, Continuations: continuations}, nil
}

// checkCardinality enforces each mode's output contract before any output
// is recorded, so a bad flush fails the whole batch.
func checkCardinality(mode OutputMode, got, buffered int) error {
	switch mode {
	case OutputPassthrough:
		if got != buffered {
			return fmt.Errorf("passthrough flush emitted %d rows for %d inputs", got, buffered)
		}
	case OutputSingle:
		if got != 1 {
			return fmt.Errorf("single flush emitted %d rows, want 1", got)
		}
	case OutputTransform:
		if got < 1 {
			return fmt.Errorf("transform flush emitted no rows")
		}
	}

	return nil
}

func (e *AggregationExecutor) continuations(
	pctx *plugin.Context,
	mode OutputMode,
	buf *aggBuffer,
	out []plugin.Row,
	step int,
) ([]*Token, error) {
	trigger := buf.tokens[len(buf.tokens)-1]

	switch mode {
	case OutputPassthrough:
		continued := make([]*Token, len(out))
		for i, row := range out {
			continued[i] = e.tokens.UpdateRow(buf.tokens[i], row)
		}

		return continued, nil

	case OutputTransform:
		// All output rows descend from the triggering token; full batch
		// lineage stays recoverable through the batch members.
		children, expandGroupID, err := e.tokens.Expand(pctx.Context(), trigger, out, step)
		if err != nil {
			return nil, err
		}

		e.emitExpand(pctx, trigger, expandGroupID, len(children))

		return children, nil

	default:
		return []*Token{e.tokens.UpdateRow(trigger, out[0])}, nil
	}
}

func (e *AggregationExecutor) completeState(pctx *plugin.Context, stateID string, status landscape.StateStatus, output any, errorInfo map[string]any) error {
	err := e.recorder.CompleteNodeState(pctx.Context(), landscape.CompleteNodeStateInput{
		StateID:    stateID,
		Status:     status,
		OutputData: output,
		ErrorInfo:  errorInfo,
	})
	if err != nil {
		return fmt.Errorf("complete state %s: %w", stateID, err)
	}

	return nil
}

func (e *AggregationExecutor) emitNode(pctx *plugin.Context, token *Token, stateID string, t telemetry.EventType, status string) {
	if e.telemetry == nil {
		return
	}

	event := telemetry.NewEvent(t, pctx.RunID)
	event.NodeID = pctx.NodeID
	event.TokenID = token.TokenID
	event.StateID = stateID
	event.Status = status
	e.telemetry.Emit(event)
}

func (e *AggregationExecutor) emitBatch(pctx *plugin.Context, batchID, status string) {
	if e.telemetry == nil {
		return
	}

	event := telemetry.NewEvent(telemetry.EventBatchStatusChanged, pctx.RunID)
	event.NodeID = pctx.NodeID
	event.BatchID = batchID
	event.Status = status
	e.telemetry.Emit(event)
}

func (e *AggregationExecutor) emitExpand(pctx *plugin.Context, parent *Token, expandGroupID string, count int) {
	if e.telemetry == nil {
		return
	}

	event := telemetry.NewEvent(telemetry.EventTokenExpanded, pctx.RunID)
	event.NodeID = pctx.NodeID
	event.TokenID = parent.TokenID
	event.Fields = map[string]any{"expand_group_id": expandGroupID, "children": count}
	e.telemetry.Emit(event)
}
