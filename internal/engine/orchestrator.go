package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/furrow-io/furrow/internal/canonical"
	"github.com/furrow-io/furrow/internal/dag"
	"github.com/furrow-io/furrow/internal/landscape"
	"github.com/furrow-io/furrow/internal/payload"
	"github.com/furrow-io/furrow/internal/plugin"
	"github.com/furrow-io/furrow/internal/schema"
	"github.com/furrow-io/furrow/internal/telemetry"
)

// RunOptions configures one orchestrated run.
type RunOptions struct {
	// MaxWorkers bounds concurrent row processing; values below one mean
	// sequential.
	MaxWorkers int
	Retry      RetryPolicy
	// Settings is the resolved run configuration, hashed into the run record.
	Settings map[string]any
	// Aggregations carries per-stage aggregation settings keyed by stage
	// name. Stages without an entry flush only at end of source.
	Aggregations map[string]AggregationSettings
}

// RunResult summarizes one finished run. The counters are informational;
// authoritative outcomes come from the audit trail.
type RunResult struct {
	RunID           string
	Status          landscape.RunStatus
	RowsProcessed   int
	RowsFailed      int
	RowsQuarantined int
}

// Orchestrator drives a compiled graph through a full run: audit
// registration, lifecycle hooks, the source read loop, the worker pool, and
// the end-of-run drains. It does not own the recorder, payload store, or
// telemetry manager; closing those is the caller's job.
type Orchestrator struct {
	graph     *dag.ExecutionGraph
	recorder  landscape.Recorder
	telemetry *telemetry.Manager
	payloads  payload.Store
	limiter   plugin.RateLimiter
	opts      RunOptions
	logger    *slog.Logger

	tokens       *TokenManager
	transforms   *TransformExecutor
	gates        *GateExecutor
	sinks        *SinkExecutor
	aggregations *AggregationExecutor
	coalesces    *CoalesceExecutor
}

// NewOrchestrator assembles an orchestrator and its executors. Payloads,
// limiter, and telemetry may be nil.
func NewOrchestrator(
	graph *dag.ExecutionGraph,
	recorder landscape.Recorder,
	tel *telemetry.Manager,
	payloads payload.Store,
	limiter plugin.RateLimiter,
	opts RunOptions,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}

	tokens := NewTokenManager(recorder)

	return &Orchestrator{
		graph:        graph,
		recorder:     recorder,
		telemetry:    tel,
		payloads:     payloads,
		limiter:      limiter,
		opts:         opts,
		logger:       logger,
		tokens:       tokens,
		transforms:   NewTransformExecutor(recorder, tokens, tel, opts.Retry),
		gates:        NewGateExecutor(recorder, tokens, tel),
		sinks:        NewSinkExecutor(recorder, tel, opts.Retry),
		aggregations: NewAggregationExecutor(recorder, tokens, tel),
		coalesces:    NewCoalesceExecutor(recorder, tokens, tel),
	}
}

// Run executes the pipeline once. The returned result is populated even when
// the run fails; the error explains why it failed.
func (o *Orchestrator) Run(ctx context.Context) (*RunResult, error) {
	run, err := o.recorder.BeginRun(ctx, o.opts.Settings, canonical.Version)
	if err != nil {
		return nil, fmt.Errorf("begin run: %w", err)
	}

	result := &RunResult{RunID: run.RunID, Status: landscape.RunFailed}
	contexts := o.buildContexts(ctx, run.RunID)

	o.configureStages()

	runErr := o.registerGraph(ctx, run.RunID, contexts)

	if runErr == nil {
		o.emitRun(telemetry.EventRunStarted, run.RunID, nil)
		runErr = o.startPlugins(contexts)
	}

	tally := &runTally{}

	if runErr == nil {
		processor := NewProcessor(ProcessorDeps{
			Graph:        o.graph,
			Tokens:       o.tokens,
			Transforms:   o.transforms,
			Gates:        o.gates,
			Sinks:        o.sinks,
			Aggregations: o.aggregations,
			Coalesces:    o.coalesces,
			Telemetry:    o.telemetry,
			Contexts:     contexts,
			Logger:       o.logger,
		})

		runErr = o.pumpRows(ctx, run.RunID, contexts, processor, tally)

		if runErr == nil {
			runErr = o.drainBuffers(contexts, processor, tally)
		}

		if runErr == nil {
			runErr = o.flushSinks(contexts)
		}
	}

	o.completePlugins(contexts)

	status := landscape.RunCompleted
	if runErr != nil {
		status = landscape.RunFailed
	}

	if err := o.recorder.CompleteRun(ctx, run.RunID, status); err != nil {
		if runErr == nil {
			runErr = fmt.Errorf("complete run: %w", err)
			status = landscape.RunFailed
		} else {
			o.logger.Error("complete run failed", "run_id", run.RunID, "error", err)
		}
	}

	result.Status = status
	result.RowsProcessed = tally.processed
	result.RowsFailed = tally.failed
	result.RowsQuarantined = tally.quarantined

	o.emitRun(telemetry.EventRunFinished, run.RunID, map[string]any{
		"status":           string(status),
		"rows_processed":   tally.processed,
		"rows_failed":      tally.failed,
		"rows_quarantined": tally.quarantined,
	})

	if o.telemetry != nil {
		if err := o.telemetry.Flush(ctx); err != nil {
			o.logger.Warn("telemetry flush failed", "run_id", run.RunID, "error", err)
		}
	}

	return result, runErr
}

func (o *Orchestrator) buildContexts(ctx context.Context, runID string) map[string]*plugin.Context {
	nodes := o.graph.Nodes()
	contexts := make(map[string]*plugin.Context, len(nodes))

	for _, node := range nodes {
		pctx := plugin.NewContext(ctx, runID, node.ID, node.PluginName, node.Options)
		pctx.Recorder = o.recorder
		pctx.Payloads = o.payloads
		pctx.Limiter = o.limiter
		pctx.Logger = o.logger.With("node_id", node.ID)
		contexts[node.ID] = pctx
	}

	return contexts
}

// configureStages hands each aggregation and coalesce stage its settings
// before any row moves.
func (o *Orchestrator) configureStages() {
	for step := 1; step <= o.graph.StageCount(); step++ {
		stage, _ := o.graph.StageAt(step)
		nodeID, _ := o.graph.StageID(step)

		switch stage.Kind {
		case dag.StageAggregation:
			o.aggregations.Configure(nodeID, o.opts.Aggregations[stage.Name])

		case dag.StageCoalesce:
			settings := CoalesceSettings{
				Name:     stage.Name,
				Branches: stage.Branches,
				Policy:   CoalescePolicy(stage.Policy),
				Quorum:   stage.QuorumThreshold,
			}
			if stage.Plugin != nil {
				settings.Plugin = stage.Plugin.(plugin.Coalesce)
			}

			o.coalesces.Configure(settings)
		}
	}
}

func (o *Orchestrator) registerGraph(ctx context.Context, runID string, contexts map[string]*plugin.Context) error {
	for _, node := range o.graph.Nodes() {
		step := node.Step
		in := landscape.RegisterNodeInput{
			RunID:       runID,
			NodeID:      node.ID,
			PluginName:  node.PluginName,
			NodeType:    node.Type,
			Determinism: landscape.Deterministic,
			Config:      node.Options,
			Sequence:    &step,
		}

		if node.Plugin != nil {
			in.PluginVersion = node.Plugin.Version()
			in.Determinism = node.Plugin.Determinism()
			in.SchemaConfig = pluginSchemas(node.Plugin)
		}

		if _, err := o.recorder.RegisterNode(ctx, in); err != nil {
			return fmt.Errorf("register node %s: %w", node.ID, err)
		}

		if registrar, ok := node.Plugin.(plugin.Registrar); ok {
			if err := registrar.OnRegister(contexts[node.ID]); err != nil {
				return fmt.Errorf("plugin %s on_register: %w", node.PluginName, err)
			}
		}
	}

	for _, edge := range o.graph.Edges() {
		_, err := o.recorder.RegisterEdge(ctx, landscape.RegisterEdgeInput{
			RunID:      runID,
			FromNodeID: edge.From,
			ToNodeID:   edge.To,
			Label:      edge.Label,
			Mode:       edge.Mode,
		})
		if err != nil {
			return fmt.Errorf("register edge %s->%s: %w", edge.From, edge.To, err)
		}
	}

	return nil
}

// startPlugins fires on_start hooks. Any error fails the run before the
// source yields a single row.
func (o *Orchestrator) startPlugins(contexts map[string]*plugin.Context) error {
	for _, node := range o.graph.Nodes() {
		starter, ok := node.Plugin.(plugin.Starter)
		if !ok {
			continue
		}

		if err := starter.OnStart(contexts[node.ID]); err != nil {
			return fmt.Errorf("plugin %s on_start: %w", node.PluginName, err)
		}
	}

	return nil
}

// pumpRows reads the source to exhaustion, quarantining invalid rows and
// dispatching valid ones to the worker pool. The first fatal worker error
// cancels the pool and wins.
func (o *Orchestrator) pumpRows(
	ctx context.Context,
	runID string,
	contexts map[string]*plugin.Context,
	processor *Processor,
	tally *runTally,
) error {
	sourceID := o.graph.SourceID()
	node, _ := o.graph.NodeInfo(sourceID)
	source := node.Plugin.(plugin.Source)
	srcCtx := contexts[sourceID]

	stream, err := source.Load(srcCtx)
	if err != nil {
		return fmt.Errorf("source load: %w", err)
	}
	defer stream.Close()

	workers := o.opts.MaxWorkers
	if workers < 1 {
		workers = 1
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg    sync.WaitGroup
		once  sync.Once
		fatal error
	)

	fail := func(err error) {
		once.Do(func() {
			fatal = err

			cancel()
		})
	}

	queue := make(chan *Token, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for token := range queue {
				results, err := processor.ProcessRow(token)
				if err != nil {
					fail(err)

					continue
				}

				tally.add(results)
			}
		}()
	}

	var readErr error

	for rowIndex := 0; ; rowIndex++ {
		row, err := stream.Next(runCtx)
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			readErr = fmt.Errorf("source read at row %d: %w", rowIndex, err)

			break
		}

		if violations := source.OutputSchema().ValidateRow(row); len(violations) > 0 {
			if err := o.quarantine(contexts, runID, sourceID, rowIndex, row, violations, source); err != nil {
				readErr = err

				break
			}

			tally.quarantine()

			continue
		}

		token, err := o.tokens.CreateInitialToken(runCtx, runID, sourceID, rowIndex, row, false)
		if err != nil {
			readErr = err

			break
		}

		select {
		case queue <- token:
		case <-runCtx.Done():
		}

		if runCtx.Err() != nil {
			break
		}
	}

	close(queue)
	wg.Wait()

	if fatal != nil {
		return fatal
	}

	if readErr != nil {
		return readErr
	}

	return ctx.Err()
}

// quarantine records an invalid source row outside the token model: the row
// is stored quarantined, a validation error names its destination, and the
// raw data goes to the quarantine sink when one is configured. The row never
// becomes a token.
func (o *Orchestrator) quarantine(
	contexts map[string]*plugin.Context,
	runID, sourceID string,
	rowIndex int,
	row plugin.Row,
	violations []schema.Violation,
	source plugin.Source,
) error {
	srcCtx := contexts[sourceID]

	if _, err := o.recorder.CreateRow(srcCtx.Context(), runID, sourceID, rowIndex, row, true); err != nil {
		return fmt.Errorf("create quarantined row %d: %w", rowIndex, err)
	}

	reasons := make([]string, len(violations))
	for i, violation := range violations {
		reasons[i] = violation.String()
	}

	reason := strings.Join(reasons, "; ")

	destination := source.OnValidationFailure()
	if destination == "" {
		destination = "discarded"
	}

	_, err := o.recorder.RecordValidationError(srcCtx.Context(), landscape.ValidationErrorInput{
		RunID:        runID,
		SourceNodeID: sourceID,
		RowIndex:     rowIndex,
		RawData:      row,
		Reason:       reason,
		Destination:  destination,
	})
	if err != nil {
		return fmt.Errorf("record validation error for row %d: %w", rowIndex, err)
	}

	if destination != "discarded" {
		if sinkID, ok := o.graph.SinkID(destination); ok {
			stage, _ := o.graph.Sink(destination)
			if _, err := stage.Plugin.Write(contexts[sinkID], row); err != nil {
				o.logger.Warn("quarantine sink write failed",
					"sink", destination,
					"row_index", rowIndex,
					"error", err)
			}
		}
	}

	if o.telemetry != nil {
		event := telemetry.NewEvent(telemetry.EventQuarantine, runID)
		event.NodeID = sourceID
		event.Fields = map[string]any{"row_index": rowIndex, "destination": destination, "reason": reason}
		o.telemetry.Emit(event)
	}

	return nil
}

// drainBuffers walks the spine in step order after the source is exhausted,
// flushing every open aggregation buffer and sweeping every open join group.
// Continuations re-enter the processor at the step after their node, so a
// flush can still feed a later aggregation before that one drains.
func (o *Orchestrator) drainBuffers(contexts map[string]*plugin.Context, processor *Processor, tally *runTally) error {
	for step := 1; step <= o.graph.StageCount(); step++ {
		stage, _ := o.graph.StageAt(step)
		nodeID, _ := o.graph.StageID(step)
		pctx := *contexts[nodeID]

		switch stage.Kind {
		case dag.StageAggregation:
			agg := stage.Plugin.(plugin.Aggregation)

			flush, err := o.aggregations.FlushNode(&pctx, agg, nodeID, step)
			if err != nil {
				return err
			}

			if flush == nil {
				continue
			}

			items := make([]WorkItem, len(flush.Continuations))
			for i, cont := range flush.Continuations {
				items[i] = WorkItem{Token: cont, StartStep: step + 1}
			}

			results, err := processor.Resume(items)
			if err != nil {
				return err
			}

			tally.add(results)

		case dag.StageCoalesce:
			outcomes, err := o.coalesces.Sweep(&pctx, stage.Name, nodeID, step)
			if err != nil {
				return err
			}

			for _, outcome := range outcomes {
				if outcome.Failed {
					for _, parent := range outcome.Parents {
						tally.add([]RowResult{failedResult(parent, outcome.FailureReason)})
					}

					continue
				}

				if outcome.Merged == nil {
					continue
				}

				results, err := processor.Resume([]WorkItem{{Token: outcome.Merged, StartStep: step + 1}})
				if err != nil {
					return err
				}

				tally.add(results)
			}
		}
	}

	return nil
}

// flushSinks pushes buffered writes out of every sink. A flush error fails
// the run: buffered rows that never reached the external system were not
// delivered, whatever their states say.
func (o *Orchestrator) flushSinks(contexts map[string]*plugin.Context) error {
	for _, name := range o.graph.SinkNames() {
		stage, _ := o.graph.Sink(name)
		sinkID, _ := o.graph.SinkID(name)

		if err := stage.Plugin.Flush(contexts[sinkID]); err != nil {
			return fmt.Errorf("sink %s flush: %w", name, err)
		}
	}

	return nil
}

// completePlugins fires on_complete hooks and closes sinks, best effort.
func (o *Orchestrator) completePlugins(contexts map[string]*plugin.Context) {
	for _, node := range o.graph.Nodes() {
		if completer, ok := node.Plugin.(plugin.Completer); ok {
			if err := completer.OnComplete(contexts[node.ID]); err != nil {
				o.logger.Warn("on_complete hook failed", "plugin", node.PluginName, "error", err)
			}
		}
	}

	for _, name := range o.graph.SinkNames() {
		stage, _ := o.graph.Sink(name)
		if err := stage.Plugin.Close(); err != nil {
			o.logger.Warn("sink close failed", "sink", name, "error", err)
		}
	}
}

func (o *Orchestrator) emitRun(t telemetry.EventType, runID string, fields map[string]any) {
	if o.telemetry == nil {
		return
	}

	event := telemetry.NewEvent(t, runID)
	event.Fields = fields
	o.telemetry.Emit(event)
}

func pluginSchemas(p plugin.Plugin) map[string]any {
	out := map[string]any{}

	if in := p.InputSchema(); in != nil {
		out["input"] = in.AuditMap()
	}

	if os := p.OutputSchema(); os != nil {
		out["output"] = os.AuditMap()
	}

	if len(out) == 0 {
		return nil
	}

	return out
}

// runTally accumulates run counters under its own lock; worker goroutines
// report concurrently.
type runTally struct {
	mu          sync.Mutex
	processed   int
	failed      int
	quarantined int
}

func (t *runTally) add(results []RowResult) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, result := range results {
		switch {
		case result.Outcome == landscape.OutcomeFailed:
			t.failed++
		case result.SinkName != "":
			t.processed++
		}
	}
}

func (t *runTally) quarantine() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.quarantined++
}
