package engine

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/furrow-io/furrow/internal/dag"
	"github.com/furrow-io/furrow/internal/landscape"
	"github.com/furrow-io/furrow/internal/plugin"
	"github.com/furrow-io/furrow/internal/telemetry"
)

// maxWorkQueueIterations bounds the per-row work queue. A row whose lineage
// keeps producing new work items past this limit indicates a cycle in the
// engine, not legitimate fan-out.
const maxWorkQueueIterations = 10000

// WorkItem is one token scheduled at one spine position. Branch tokens carry
// their join target so the processor knows where to stop and wait.
type WorkItem struct {
	Token     *Token
	StartStep int
	// CoalesceAtStep is the spine step of the join this token must report
	// to; zero means none.
	CoalesceAtStep int
	CoalesceName   string
}

// RowResult is one terminal token event from processing a source row. The
// durable outcome lives in the audit trail; results exist for run counters
// and logs.
type RowResult struct {
	TokenID  string
	Outcome  landscape.RowOutcome
	SinkName string
	Reason   map[string]any
}

// ProcessorDeps wires a processor. Contexts maps every node ID to its base
// plugin context.
type ProcessorDeps struct {
	Graph        *dag.ExecutionGraph
	Tokens       *TokenManager
	Transforms   *TransformExecutor
	Gates        *GateExecutor
	Sinks        *SinkExecutor
	Aggregations *AggregationExecutor
	Coalesces    *CoalesceExecutor
	Telemetry    *telemetry.Manager
	Contexts     map[string]*plugin.Context
	Logger       *slog.Logger
}

// Processor walks one token at a time down the compiled spine, delegating
// each stage to its executor and expanding lineage operations into further
// work items. Safe for concurrent use: all mutable state lives in the
// executors, which guard their own.
type Processor struct {
	graph        *dag.ExecutionGraph
	tokens       *TokenManager
	transforms   *TransformExecutor
	gates        *GateExecutor
	sinks        *SinkExecutor
	aggregations *AggregationExecutor
	coalesces    *CoalesceExecutor
	telemetry    *telemetry.Manager
	contexts     map[string]*plugin.Context
	steps        map[string]int
	logger       *slog.Logger
}

// NewProcessor creates a processor over a compiled graph.
func NewProcessor(deps ProcessorDeps) *Processor {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Processor{
		graph:        deps.Graph,
		tokens:       deps.Tokens,
		transforms:   deps.Transforms,
		gates:        deps.Gates,
		sinks:        deps.Sinks,
		aggregations: deps.Aggregations,
		coalesces:    deps.Coalesces,
		telemetry:    deps.Telemetry,
		contexts:     deps.Contexts,
		steps:        deps.Graph.StepMap(),
		logger:       logger,
	}
}

// ProcessRow runs one source token through the whole spine. The returned
// results cover every terminal token event the row produced so far; tokens
// parked in aggregation buffers or join groups surface later, from the flush
// or the arrival that completes them. A returned error is fatal for the run.
func (p *Processor) ProcessRow(token *Token) ([]RowResult, error) {
	return p.drain([]WorkItem{{Token: token, StartStep: 1}})
}

// Resume continues tokens released outside row processing, such as
// end-of-source flush continuations and sweep merges.
func (p *Processor) Resume(items []WorkItem) ([]RowResult, error) {
	return p.drain(items)
}

func (p *Processor) drain(queue []WorkItem) ([]RowResult, error) {
	var results []RowResult

	for iterations := 0; len(queue) > 0; iterations++ {
		if iterations >= maxWorkQueueIterations {
			return nil, fmt.Errorf("%w: work queue exceeded %d iterations", ErrInvariant, maxWorkQueueIterations)
		}

		item := queue[0]
		queue = queue[1:]

		itemResults, next, err := p.processItem(item)
		if err != nil {
			return nil, err
		}

		results = append(results, itemResults...)
		queue = append(queue, next...)
	}

	return results, nil
}

// processItem advances one work item until it terminates, parks, or spawns
// replacement items.
func (p *Processor) processItem(item WorkItem) ([]RowResult, []WorkItem, error) {
	token := item.Token

	var results []RowResult

	for step := item.StartStep; step <= p.graph.StageCount(); step++ {
		if item.CoalesceAtStep == step {
			nodeID, _ := p.graph.StageID(step)
			pctx := p.contextFor(nodeID)

			outcome, err := p.coalesces.Accept(pctx, item.CoalesceName, nodeID, step, token)
			if err != nil {
				return nil, nil, err
			}

			if outcome.Held {
				return results, nil, nil
			}

			if outcome.Failed {
				return append(results, failedResult(token, outcome.FailureReason)), nil, nil
			}

			token = outcome.Merged
			item.CoalesceAtStep = 0
			item.CoalesceName = ""

			continue
		}

		stage, _ := p.graph.StageAt(step)
		nodeID, _ := p.graph.StageID(step)

		switch stage.Kind {
		case dag.StageTransform:
			res, items, done, err := p.runTransform(item, stage, nodeID, step, &token)
			if err != nil || done {
				return append(results, res...), items, err
			}

			results = append(results, res...)

		case dag.StageGate:
			res, items, done, err := p.runGate(item, stage, nodeID, step, &token)
			if err != nil || done {
				return append(results, res...), items, err
			}

			results = append(results, res...)

		case dag.StageAggregation:
			res, items, done, err := p.runAggregation(item, stage, nodeID, step, token)
			if err != nil || done {
				return append(results, res...), items, err
			}

			results = append(results, res...)

		case dag.StageCoalesce:
			// A token that was never forked passes a join node untouched.
		}
	}

	// End of spine: the token lands in the output sink.
	name := p.graph.OutputSinkName()

	reason, err := p.writeToSink(name, token)
	if err != nil {
		return nil, nil, err
	}

	if reason != nil {
		lostResults, lostItems, err := p.loseBranch(item, token, "sink write failed")
		if err != nil {
			return nil, nil, err
		}

		results = append(results, failedResult(token, reason))

		return append(results, lostResults...), lostItems, nil
	}

	results = append(results, RowResult{TokenID: token.TokenID, Outcome: landscape.OutcomeCompleted, SinkName: name})

	return results, nil, nil
}

// runTransform returns done when the token stopped advancing along the
// spine at this stage.
func (p *Processor) runTransform(item WorkItem, stage *dag.Stage, nodeID string, step int, token **Token) ([]RowResult, []WorkItem, bool, error) {
	tr := stage.Plugin.(plugin.Transform)
	pctx := p.contextFor(nodeID)

	outcome, err := p.transforms.Execute(pctx, tr, nodeID, step, *token)
	if err != nil {
		return nil, nil, true, err
	}

	switch outcome.Result.Status {
	case plugin.StatusError:
		results := []RowResult{failedResult(*token, outcome.Result.Reason)}

		lostResults, lostItems, err := p.loseBranch(item, *token, "transform failed")
		if err != nil {
			return nil, nil, true, err
		}

		return append(results, lostResults...), lostItems, true, nil

	case plugin.StatusFiltered:
		results := []RowResult{{TokenID: (*token).TokenID, Outcome: landscape.OutcomeCompleted, Reason: outcome.Result.Reason}}

		lostResults, lostItems, err := p.loseBranch(item, *token, "filtered")
		if err != nil {
			return nil, nil, true, err
		}

		return append(results, lostResults...), lostItems, true, nil
	}

	if outcome.Result.IsMultiRow() {
		children, expandGroupID, err := p.tokens.Expand(pctx.Context(), *token, outcome.Result.Rows, step)
		if err != nil {
			return nil, nil, true, err
		}

		p.emitExpanded(pctx, *token, expandGroupID, len(children))

		items := make([]WorkItem, len(children))
		for i, child := range children {
			items[i] = WorkItem{Token: child, StartStep: step + 1}
		}

		return []RowResult{{TokenID: (*token).TokenID, Outcome: landscape.OutcomeExpanded}}, items, true, nil
	}

	*token = outcome.Token

	return nil, nil, false, nil
}

func (p *Processor) runGate(item WorkItem, stage *dag.Stage, nodeID string, step int, token **Token) ([]RowResult, []WorkItem, bool, error) {
	g := stage.Plugin.(plugin.Gate)
	pctx := p.contextFor(nodeID)

	outcome, err := p.gates.Execute(pctx, g, nodeID, step, *token, stage.Routes)
	if err != nil {
		return nil, nil, true, err
	}

	if outcome.Failed {
		results := []RowResult{failedResult(*token, outcome.ErrorInfo)}

		lostResults, lostItems, err := p.loseBranch(item, *token, "gate failed")
		if err != nil {
			return nil, nil, true, err
		}

		return append(results, lostResults...), lostItems, true, nil
	}

	*token = outcome.Token
	action := outcome.Result.Action

	switch action.Kind {
	case landscape.RoutingForkToPaths:
		results, items, err := p.fork(pctx, *token, action.Destinations, step)

		return results, items, true, err

	case landscape.RoutingRouteToSink:
		if outcome.Mode == landscape.RouteCopy {
			// Copy mode tees the row out and the token keeps moving.
			copied := p.tokens.UpdateRow(*token, (*token).Row.DeepCopy())

			reason, err := p.writeToSink(outcome.SinkName, copied)
			if err != nil {
				return nil, nil, true, err
			}

			if reason != nil {
				results := []RowResult{failedResult(*token, reason)}

				lostResults, lostItems, err := p.loseBranch(item, *token, "sink write failed")
				if err != nil {
					return nil, nil, true, err
				}

				return append(results, lostResults...), lostItems, true, nil
			}

			return nil, nil, false, nil
		}

		reason, err := p.writeToSink(outcome.SinkName, *token)
		if err != nil {
			return nil, nil, true, err
		}

		var results []RowResult
		if reason != nil {
			results = []RowResult{failedResult(*token, reason)}
		} else {
			results = []RowResult{{TokenID: (*token).TokenID, Outcome: landscape.OutcomeRouted, SinkName: outcome.SinkName}}
		}

		lostResults, lostItems, err := p.loseBranch(item, *token, "routed to sink")
		if err != nil {
			return nil, nil, true, err
		}

		return append(results, lostResults...), lostItems, true, nil
	}

	return nil, nil, false, nil
}

// fork creates branch children and schedules each toward its destination:
// join-bound branches become work items, sink-named branches are written
// immediately.
func (p *Processor) fork(pctx *plugin.Context, token *Token, branches []string, step int) ([]RowResult, []WorkItem, error) {
	children, forkGroupID, err := p.tokens.Fork(pctx.Context(), token, branches, step)
	if err != nil {
		return nil, nil, err
	}

	p.emitForked(pctx, token, forkGroupID, branches)

	var (
		results []RowResult
		items   []WorkItem
	)

	for _, child := range children {
		if coStep, ok := p.graph.BranchCoalesceStep(child.BranchName); ok {
			coStage, _ := p.graph.StageAt(coStep)
			items = append(items, WorkItem{
				Token:          child,
				StartStep:      step + 1,
				CoalesceAtStep: coStep,
				CoalesceName:   coStage.Name,
			})

			continue
		}

		reason, err := p.writeToSink(child.BranchName, child)
		if err != nil {
			return nil, nil, err
		}

		if reason != nil {
			results = append(results, failedResult(child, reason))

			continue
		}

		results = append(results, RowResult{TokenID: child.TokenID, Outcome: landscape.OutcomeCompleted, SinkName: child.BranchName})
	}

	results = append(results, RowResult{TokenID: token.TokenID, Outcome: landscape.OutcomeForked})

	return results, items, nil
}

func (p *Processor) runAggregation(item WorkItem, stage *dag.Stage, nodeID string, step int, token *Token) ([]RowResult, []WorkItem, bool, error) {
	agg := stage.Plugin.(plugin.Aggregation)
	pctx := p.contextFor(nodeID)

	outcome, err := p.aggregations.Accept(pctx, agg, nodeID, step, token)
	if err != nil {
		return nil, nil, true, err
	}

	if outcome.Failed {
		results := []RowResult{failedResult(token, outcome.ErrorInfo)}

		lostResults, lostItems, err := p.loseBranch(item, token, "aggregation failed")
		if err != nil {
			return nil, nil, true, err
		}

		return append(results, lostResults...), lostItems, true, nil
	}

	if !outcome.Accepted {
		return nil, nil, false, nil
	}

	// Accepted tokens stop here. A batch does not preserve branch identity,
	// so a join waiting on this token is told the branch is gone; the flush
	// continuations start clean.
	lostResults, lostItems, err := p.loseBranch(item, token, "consumed by aggregation")
	if err != nil {
		return nil, nil, true, err
	}

	if outcome.Flush != nil {
		for _, cont := range outcome.Flush.Continuations {
			lostItems = append(lostItems, WorkItem{Token: cont, StartStep: step + 1})
		}
	}

	return lostResults, lostItems, true, nil
}

// loseBranch tells the token's join target, if any, that this branch will
// never arrive. The loss may force the group's decision.
func (p *Processor) loseBranch(item WorkItem, token *Token, reason string) ([]RowResult, []WorkItem, error) {
	if item.CoalesceAtStep == 0 {
		return nil, nil, nil
	}

	nodeID, _ := p.graph.StageID(item.CoalesceAtStep)
	pctx := p.contextFor(nodeID)

	outcome, err := p.coalesces.LoseBranch(pctx, item.CoalesceName, nodeID, item.CoalesceAtStep, token.ForkGroupID, token.BranchName, reason)
	if err != nil {
		return nil, nil, err
	}

	switch {
	case outcome.Held:
		return nil, nil, nil

	case outcome.Failed:
		results := make([]RowResult, len(outcome.Parents))
		for i, parent := range outcome.Parents {
			results[i] = failedResult(parent, outcome.FailureReason)
		}

		return results, nil, nil

	default:
		return nil, []WorkItem{{Token: outcome.Merged, StartStep: item.CoalesceAtStep + 1}}, nil
	}
}

// writeToSink writes one token to a named sink. A non-nil reason is a
// row-level write failure; a non-nil error is fatal for the run.
func (p *Processor) writeToSink(name string, token *Token) (map[string]any, error) {
	sinkID, ok := p.graph.SinkID(name)
	if !ok {
		return nil, fmt.Errorf("%w: unknown sink %q", ErrInvariant, name)
	}

	stage, ok := p.graph.Sink(name)
	if !ok {
		return nil, fmt.Errorf("%w: unknown sink %q", ErrInvariant, name)
	}

	pctx := p.contextFor(sinkID)

	err := p.sinks.Execute(pctx, stage.Plugin, sinkID, p.steps[sinkID], token)
	if err == nil {
		return nil, nil
	}

	if errors.Is(err, landscape.ErrAudit) {
		return nil, err
	}

	p.logger.Warn("sink write failed",
		"sink", name,
		"token_id", token.TokenID,
		"error", err)

	return map[string]any{"message": err.Error()}, nil
}

// contextFor clones the node's base context so concurrent executions never
// share the mutable StateID field.
func (p *Processor) contextFor(nodeID string) *plugin.Context {
	base, ok := p.contexts[nodeID]
	if !ok {
		return plugin.NewContext(nil, "", nodeID, "", nil)
	}

	clone := *base

	return &clone
}

func failedResult(token *Token, reason map[string]any) RowResult {
	return RowResult{TokenID: token.TokenID, Outcome: landscape.OutcomeFailed, Reason: reason}
}

func (p *Processor) emitForked(pctx *plugin.Context, parent *Token, forkGroupID string, branches []string) {
	if p.telemetry == nil {
		return
	}

	event := telemetry.NewEvent(telemetry.EventTokenForked, pctx.RunID)
	event.NodeID = pctx.NodeID
	event.TokenID = parent.TokenID
	event.Destinations = branches
	event.Fields = map[string]any{"fork_group_id": forkGroupID}
	p.telemetry.Emit(event)
}

func (p *Processor) emitExpanded(pctx *plugin.Context, parent *Token, expandGroupID string, count int) {
	if p.telemetry == nil {
		return
	}

	event := telemetry.NewEvent(telemetry.EventTokenExpanded, pctx.RunID)
	event.NodeID = pctx.NodeID
	event.TokenID = parent.TokenID
	event.Fields = map[string]any{"expand_group_id": expandGroupID, "children": count}
	p.telemetry.Emit(event)
}
