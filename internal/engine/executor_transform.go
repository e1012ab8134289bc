package engine

import (
	"fmt"
	"time"

	"github.com/furrow-io/furrow/internal/landscape"
	"github.com/furrow-io/furrow/internal/plugin"
	"github.com/furrow-io/furrow/internal/telemetry"
)

// TransformOutcome is the result of executing one transform stage to
// completion of its retry budget.
type TransformOutcome struct {
	Result *plugin.TransformResult
	// Token carries the updated row for single-row successes; unchanged
	// otherwise.
	Token    *Token
	Attempts int
}

// TransformExecutor wraps transform invocations with node-state recording,
// retry handling, and telemetry. Recording order is fixed: the node state
// opens before the plugin runs and completes before any downstream work is
// dispatched; telemetry follows each successful recorder write.
type TransformExecutor struct {
	recorder  landscape.Recorder
	telemetry *telemetry.Manager
	tokens    *TokenManager
	retry     RetryPolicy

	sleep func(time.Duration)
}

// NewTransformExecutor creates a transform executor.
func NewTransformExecutor(recorder landscape.Recorder, tokens *TokenManager, tel *telemetry.Manager, retry RetryPolicy) *TransformExecutor {
	return &TransformExecutor{
		recorder:  recorder,
		telemetry: tel,
		tokens:    tokens,
		retry:     retry.normalized(),
		sleep:     time.Sleep,
	}
}

// Execute runs one transform over one token, retrying retryable errors
// within the policy. A returned error is fatal for the run (audit failure
// or contract breach); plugin-level failures travel in the outcome's result.
func (e *TransformExecutor) Execute(pctx *plugin.Context, tr plugin.Transform, nodeID string, step int, token *Token) (*TransformOutcome, error) {
	for attempt := 1; ; attempt++ {
		result, state, err := e.attempt(pctx, tr, nodeID, step, token, attempt)
		if err != nil {
			return nil, err
		}

		if result.Status == plugin.StatusError && result.Retryable && attempt < e.retry.MaxAttempts {
			if err := e.completeAttempt(pctx, state, landscape.StateRetried, nil, result.Reason); err != nil {
				return nil, err
			}

			e.emitCompleted(pctx, token, state, string(landscape.StateRetried), attempt)
			e.sleep(e.retry.Delay(attempt))

			continue
		}

		return e.finalize(pctx, tr, token, result, state, attempt)
	}
}

// attemptState pairs the open node state with its timing.
type attemptState struct {
	id        string
	inputHash string
	started   time.Time
}

func (e *TransformExecutor) attempt(
	pctx *plugin.Context,
	tr plugin.Transform,
	nodeID string,
	step int,
	token *Token,
	attempt int,
) (*plugin.TransformResult, *attemptState, error) {
	state, err := e.recorder.BeginNodeState(pctx.Context(), landscape.BeginNodeStateInput{
		TokenID:   token.TokenID,
		RunID:     pctx.RunID,
		NodeID:    nodeID,
		StepIndex: step,
		Attempt:   attempt,
		InputData: token.Row,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("begin state for %s: %w", nodeID, err)
	}

	pctx.StateID = state.StateID
	e.emitStarted(pctx, token, state.StateID, state.InputHash, attempt)

	started := time.Now()
	result := tr.Process(pctx, token.Row)

	as := &attemptState{id: state.StateID, inputHash: state.InputHash, started: started}

	if result == nil {
		if err := e.completeAttempt(pctx, as, landscape.StateFailed, nil, map[string]any{"message": "nil result"}); err != nil {
			return nil, nil, err
		}

		return nil, nil, fmt.Errorf("%w: transform %q returned a nil result", ErrPluginContract, tr.Name())
	}

	if err := result.Validate(); err != nil {
		if cerr := e.completeAttempt(pctx, as, landscape.StateFailed, nil, map[string]any{"message": err.Error()}); cerr != nil {
			return nil, nil, cerr
		}

		return nil, nil, fmt.Errorf("%w: transform %q: %w", ErrPluginContract, tr.Name(), err)
	}

	if result.IsMultiRow() && !tr.CreatesTokens() {
		reason := map[string]any{"message": "multi-row result from a transform that does not create tokens"}
		if err := e.completeAttempt(pctx, as, landscape.StateFailed, nil, reason); err != nil {
			return nil, nil, err
		}

		return nil, nil, fmt.Errorf("%w: transform %q returned a multi-row result without creates_tokens", ErrPluginContract, tr.Name())
	}

	return result, as, nil
}

// finalize closes the last attempt's state and assembles the outcome.
func (e *TransformExecutor) finalize(
	pctx *plugin.Context,
	tr plugin.Transform,
	token *Token,
	result *plugin.TransformResult,
	state *attemptState,
	attempt int,
) (*TransformOutcome, error) {
	outcome := &TransformOutcome{Result: result, Token: token, Attempts: attempt}

	switch result.Status {
	case plugin.StatusSuccess:
		var output any
		if result.IsMultiRow() {
			output = result.Rows
		} else {
			output = result.Row
			outcome.Token = e.tokens.UpdateRow(token, result.Row)
		}

		if err := e.completeAttempt(pctx, state, landscape.StateCompleted, output, nil); err != nil {
			return nil, err
		}

		e.emitCompleted(pctx, outcome.Token, state, string(landscape.StateCompleted), attempt)

	case plugin.StatusFiltered:
		if err := e.completeAttempt(pctx, state, landscape.StateCompleted, nil, nil); err != nil {
			return nil, err
		}

		e.emitCompleted(pctx, token, state, string(plugin.StatusFiltered), attempt)

	case plugin.StatusError:
		if err := e.completeAttempt(pctx, state, landscape.StateFailed, nil, result.Reason); err != nil {
			return nil, err
		}

		e.emitCompleted(pctx, token, state, string(landscape.StateFailed), attempt)
	}

	return outcome, nil
}

func (e *TransformExecutor) completeAttempt(
	pctx *plugin.Context,
	state *attemptState,
	status landscape.StateStatus,
	output any,
	errorInfo map[string]any,
) error {
	err := e.recorder.CompleteNodeState(pctx.Context(), landscape.CompleteNodeStateInput{
		StateID:    state.id,
		Status:     status,
		OutputData: output,
		DurationMS: float64(time.Since(state.started)) / float64(time.Millisecond),
		ErrorInfo:  errorInfo,
	})
	if err != nil {
		return fmt.Errorf("complete state %s: %w", state.id, err)
	}

	return nil
}

func (e *TransformExecutor) emitStarted(pctx *plugin.Context, token *Token, stateID, inputHash string, attempt int) {
	if e.telemetry == nil {
		return
	}

	event := telemetry.NewEvent(telemetry.EventNodeStarted, pctx.RunID)
	event.NodeID = pctx.NodeID
	event.TokenID = token.TokenID
	event.StateID = stateID
	event.InputHash = inputHash
	event.Attempt = attempt
	e.telemetry.Emit(event)
}

func (e *TransformExecutor) emitCompleted(pctx *plugin.Context, token *Token, state *attemptState, status string, attempt int) {
	if e.telemetry == nil {
		return
	}

	duration := float64(time.Since(state.started)) / float64(time.Millisecond)

	event := telemetry.NewEvent(telemetry.EventNodeCompleted, pctx.RunID)
	event.NodeID = pctx.NodeID
	event.TokenID = token.TokenID
	event.StateID = state.id
	event.Status = status
	event.Attempt = attempt
	event.DurationMS = &duration
	event.InputHash = state.inputHash
	e.telemetry.Emit(event)
}
