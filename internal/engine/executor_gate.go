package engine

import (
	"fmt"
	"time"

	"github.com/furrow-io/furrow/internal/landscape"
	"github.com/furrow-io/furrow/internal/plugin"
	"github.com/furrow-io/furrow/internal/telemetry"
)

// GateOutcome is the result of one gate evaluation. The sink name is
// resolved from the route label by the executor; plugins only ever see
// labels.
type GateOutcome struct {
	Result *plugin.GateResult
	// Token carries the gate's possibly annotated row.
	Token *Token
	// SinkName is set for route_to_sink actions.
	SinkName string
	Mode     landscape.RouteMode
	// Failed is set when the gate itself errored; the token fails without
	// a routing decision.
	Failed    bool
	ErrorInfo map[string]any
}

// GateExecutor wraps gate invocations. Every evaluation records exactly one
// routing event, including plain continues; a silent gate breaks the audit
// guarantee.
type GateExecutor struct {
	recorder  landscape.Recorder
	telemetry *telemetry.Manager
	tokens    *TokenManager
}

// NewGateExecutor creates a gate executor.
func NewGateExecutor(recorder landscape.Recorder, tokens *TokenManager, tel *telemetry.Manager) *GateExecutor {
	return &GateExecutor{recorder: recorder, telemetry: tel, tokens: tokens}
}

// Execute evaluates one gate over one token. Routes maps the gate's labels
// to sink names, with "continue" meaning the spine. A returned error is
// fatal for the run.
func (e *GateExecutor) Execute(
	pctx *plugin.Context,
	gate plugin.Gate,
	nodeID string,
	step int,
	token *Token,
	routes map[string]string,
) (*GateOutcome, error) {
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
	e.emitStarted(pctx, token, state.StateID, state.InputHash)

	started := time.Now()
	result, evalErr := gate.Evaluate(pctx, token.Row)
	durationMS := float64(time.Since(started)) / float64(time.Millisecond)

	if evalErr != nil {
		errorInfo := map[string]any{"message": evalErr.Error()}
		if err := e.complete(pctx, state.StateID, landscape.StateFailed, nil, durationMS, errorInfo); err != nil {
			return nil, err
		}

		e.emitCompleted(pctx, token, state.StateID, string(landscape.StateFailed), durationMS, nil)

		return &GateOutcome{Token: token, Failed: true, ErrorInfo: errorInfo}, nil
	}

	if result == nil || result.Action == nil {
		errorInfo := map[string]any{"message": "gate returned no routing action"}
		if err := e.complete(pctx, state.StateID, landscape.StateFailed, nil, durationMS, errorInfo); err != nil {
			return nil, err
		}

		return nil, fmt.Errorf("%w: gate %q returned no routing action", ErrPluginContract, gate.Name())
	}

	action := result.Action

	mode := action.Mode
	if mode == "" {
		mode = landscape.RouteMove
	}

	outcome := &GateOutcome{Result: result, Token: token, Mode: mode}
	if result.Row != nil {
		outcome.Token = e.tokens.UpdateRow(token, result.Row)
	}

	if action.Kind == landscape.RoutingRouteToSink {
		sinkName, err := resolveRoute(gate.Name(), action, routes)
		if err != nil {
			return nil, err
		}

		outcome.SinkName = sinkName
	}

	// The recorder deep-copies the reason so later plugin mutation cannot
	// rewrite the decision.
	if _, err := e.recorder.RecordRoutingEvent(pctx.Context(), landscape.RoutingEventInput{
		StateID:      state.StateID,
		Kind:         action.Kind,
		Destinations: action.Destinations,
		Mode:         mode,
		Reason:       action.Reason,
	}); err != nil {
		return nil, fmt.Errorf("record routing event for %s: %w", nodeID, err)
	}

	var output any
	if outcome.Token.Row != nil {
		output = outcome.Token.Row
	}

	if err := e.complete(pctx, state.StateID, landscape.StateCompleted, output, durationMS, nil); err != nil {
		return nil, err
	}

	e.emitCompleted(pctx, outcome.Token, state.StateID, string(landscape.StateCompleted), durationMS, nil)
	e.emitRouting(pctx, outcome.Token, state.StateID, action, mode)

	return outcome, nil
}

// resolveRoute maps a route label to its configured sink name. The compiler
// validated every label, so a miss here is an engine bug.
func resolveRoute(gateName string, action *plugin.RoutingAction, routes map[string]string) (string, error) {
	if len(action.Destinations) != 1 {
		return "", fmt.Errorf("%w: gate %q routed to %d destinations, want exactly one label",
			ErrPluginContract, gateName, len(action.Destinations))
	}

	label := action.Destinations[0]

	target, ok := routes[label]
	if !ok {
		return "", fmt.Errorf("%w: gate %q emitted unknown route label %q", ErrInvariant, gateName, label)
	}

	if target == "continue" {
		return "", fmt.Errorf("%w: gate %q routed to label %q which maps to continue; use a continue action",
			ErrPluginContract, gateName, label)
	}

	return target, nil
}

func (e *GateExecutor) complete(pctx *plugin.Context, stateID string, status landscape.StateStatus, output any, durationMS float64, errorInfo map[string]any) error {
	err := e.recorder.CompleteNodeState(pctx.Context(), landscape.CompleteNodeStateInput{
		StateID:    stateID,
		Status:     status,
		OutputData: output,
		DurationMS: durationMS,
		ErrorInfo:  errorInfo,
	})
	if err != nil {
		return fmt.Errorf("complete state %s: %w", stateID, err)
	}

	return nil
}

func (e *GateExecutor) emitStarted(pctx *plugin.Context, token *Token, stateID, inputHash string) {
	if e.telemetry == nil {
		return
	}

	event := telemetry.NewEvent(telemetry.EventNodeStarted, pctx.RunID)
	event.NodeID = pctx.NodeID
	event.TokenID = token.TokenID
	event.StateID = stateID
	event.InputHash = inputHash
	e.telemetry.Emit(event)
}

func (e *GateExecutor) emitCompleted(pctx *plugin.Context, token *Token, stateID, status string, durationMS float64, destinations []string) {
	if e.telemetry == nil {
		return
	}

	event := telemetry.NewEvent(telemetry.EventNodeCompleted, pctx.RunID)
	event.NodeID = pctx.NodeID
	event.TokenID = token.TokenID
	event.StateID = stateID
	event.Status = status
	event.DurationMS = &durationMS
	event.Destinations = destinations
	e.telemetry.Emit(event)
}

func (e *GateExecutor) emitRouting(pctx *plugin.Context, token *Token, stateID string, action *plugin.RoutingAction, mode landscape.RouteMode) {
	if e.telemetry == nil {
		return
	}

	event := telemetry.NewEvent(telemetry.EventRoutingDecided, pctx.RunID)
	event.NodeID = pctx.NodeID
	event.TokenID = token.TokenID
	event.StateID = stateID
	event.Status = string(action.Kind)
	event.Destinations = action.Destinations
	event.Fields = map[string]any{"mode": string(mode)}
	e.telemetry.Emit(event)
}
