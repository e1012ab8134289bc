package engine

import (
	"context"
	"testing"

	"github.com/furrow-io/furrow/internal/dag"
	"github.com/furrow-io/furrow/internal/landscape"
	"github.com/furrow-io/furrow/internal/plugin"
)

func annotate(field string) func(row plugin.Row) *plugin.TransformResult {
	return func(row plugin.Row) *plugin.TransformResult {
		out := row.DeepCopy()
		out[field] = true

		return plugin.Success(out)
	}
}

func TestRunLinearPipeline(t *testing.T) {
	source := newListSource(t, []plugin.Row{{"id": 1}, {"id": 2}, {"id": 3}}, "")
	sink := newMemorySink(t, "results")

	f := runPipeline(t, dag.StageSet{
		Source: source,
		Stages: []dag.Stage{
			{Name: "annotate", Kind: dag.StageTransform, Plugin: newFuncTransform(t, "annotate", false, annotate("seen"))},
		},
		Sinks:      map[string]dag.SinkStage{"results": {Plugin: sink}},
		OutputSink: "results",
	}, RunOptions{MaxWorkers: 4})

	if f.err != nil {
		t.Fatalf("Run() error = %v", f.err)
	}

	if f.result.Status != landscape.RunCompleted {
		t.Errorf("Status = %v, want %v", f.result.Status, landscape.RunCompleted)
	}

	if f.result.RowsProcessed != 3 {
		t.Errorf("RowsProcessed = %d, want 3", f.result.RowsProcessed)
	}

	written := sink.written()
	if len(written) != 3 {
		t.Fatalf("sink received %d rows, want 3", len(written))
	}

	for _, row := range written {
		if row["seen"] != true {
			t.Errorf("sink row missing annotation: %v", row)
		}
	}

	if !sink.flushed || !sink.closed {
		t.Errorf("sink flushed = %v, closed = %v, want both true", sink.flushed, sink.closed)
	}

	counts := f.outcomeCounts(t)
	if counts[landscape.OutcomeCompleted] != 3 {
		t.Errorf("completed outcomes = %d, want 3", counts[landscape.OutcomeCompleted])
	}

	artifacts, err := f.recorder.ListArtifacts(context.Background(), f.result.RunID)
	if err != nil {
		t.Fatalf("ListArtifacts() error = %v", err)
	}

	if len(artifacts) != 3 {
		t.Errorf("artifacts = %d, want 3", len(artifacts))
	}
}

func TestRunQuarantinesInvalidRows(t *testing.T) {
	source := newListSource(t, []plugin.Row{{"id": 1}, {"id": "not-an-int"}}, "quarantine")
	results := newMemorySink(t, "results")
	quarantine := newMemorySink(t, "quarantine")

	f := runPipeline(t, dag.StageSet{
		Source: source,
		Sinks: map[string]dag.SinkStage{
			"results":    {Plugin: results},
			"quarantine": {Plugin: quarantine},
		},
		OutputSink: "results",
	}, RunOptions{MaxWorkers: 1})

	if f.err != nil {
		t.Fatalf("Run() error = %v", f.err)
	}

	if f.result.RowsQuarantined != 1 || f.result.RowsProcessed != 1 {
		t.Errorf("quarantined = %d, processed = %d, want 1 and 1",
			f.result.RowsQuarantined, f.result.RowsProcessed)
	}

	if got := len(quarantine.written()); got != 1 {
		t.Errorf("quarantine sink received %d rows, want 1", got)
	}

	records, err := f.recorder.ListValidationErrors(context.Background(), f.result.RunID)
	if err != nil {
		t.Fatalf("ListValidationErrors() error = %v", err)
	}

	if len(records) != 1 {
		t.Fatalf("validation errors = %d, want 1", len(records))
	}

	if records[0].Destination != "quarantine" {
		t.Errorf("Destination = %q, want %q", records[0].Destination, "quarantine")
	}

	// The invalid row is recorded but never becomes a token.
	tokens, err := f.recorder.ListTokens(context.Background(), f.result.RunID)
	if err != nil {
		t.Fatalf("ListTokens() error = %v", err)
	}

	if len(tokens) != 1 {
		t.Errorf("tokens = %d, want 1", len(tokens))
	}

	rows, err := f.recorder.ListRows(context.Background(), f.result.RunID)
	if err != nil {
		t.Fatalf("ListRows() error = %v", err)
	}

	if len(rows) != 2 {
		t.Errorf("rows = %d, want 2", len(rows))
	}
}

func TestRunGateRoutesToSink(t *testing.T) {
	source := newListSource(t, []plugin.Row{{"id": 1}, {"id": 2}, {"id": 3}, {"id": 4}}, "")
	results := newMemorySink(t, "results")
	flagged := newMemorySink(t, "flagged")

	gate := newFuncGate(t, "threshold", map[string]string{"high": "flagged"}, func(row plugin.Row) *plugin.GateResult {
		if id, _ := row["id"].(int); id >= 3 {
			return &plugin.GateResult{Action: plugin.RouteTo("high", landscape.RouteMove, map[string]any{"id": id})}
		}

		return &plugin.GateResult{Action: plugin.Continue(nil)}
	})

	f := runPipeline(t, dag.StageSet{
		Source: source,
		Stages: []dag.Stage{
			{Name: "threshold", Kind: dag.StageGate, Plugin: gate, Routes: gate.Routes()},
		},
		Sinks: map[string]dag.SinkStage{
			"results": {Plugin: results},
			"flagged": {Plugin: flagged},
		},
		OutputSink: "results",
	}, RunOptions{MaxWorkers: 2})

	if f.err != nil {
		t.Fatalf("Run() error = %v", f.err)
	}

	if got := len(flagged.written()); got != 2 {
		t.Errorf("flagged sink received %d rows, want 2", got)
	}

	if got := len(results.written()); got != 2 {
		t.Errorf("results sink received %d rows, want 2", got)
	}

	counts := f.outcomeCounts(t)
	if counts[landscape.OutcomeRouted] != 2 || counts[landscape.OutcomeCompleted] != 2 {
		t.Errorf("outcomes = %v, want 2 routed and 2 completed", counts)
	}
}

func TestRunTransformFailureFailsRow(t *testing.T) {
	source := newListSource(t, []plugin.Row{{"id": 1}, {"id": 2}, {"id": 3}}, "")
	sink := newMemorySink(t, "results")

	tr := newFuncTransform(t, "flaky", false, func(row plugin.Row) *plugin.TransformResult {
		if id, _ := row["id"].(int); id == 2 {
			return plugin.Errorf(false, "row %d rejected", id)
		}

		return plugin.Success(row)
	})

	f := runPipeline(t, dag.StageSet{
		Source:     source,
		Stages:     []dag.Stage{{Name: "flaky", Kind: dag.StageTransform, Plugin: tr}},
		Sinks:      map[string]dag.SinkStage{"results": {Plugin: sink}},
		OutputSink: "results",
	}, RunOptions{MaxWorkers: 1})

	if f.err != nil {
		t.Fatalf("Run() error = %v", f.err)
	}

	if f.result.Status != landscape.RunCompleted {
		t.Errorf("Status = %v, want completed; one bad row does not fail the run", f.result.Status)
	}

	if f.result.RowsFailed != 1 || f.result.RowsProcessed != 2 {
		t.Errorf("failed = %d, processed = %d, want 1 and 2", f.result.RowsFailed, f.result.RowsProcessed)
	}

	counts := f.outcomeCounts(t)
	if counts[landscape.OutcomeFailed] != 1 || counts[landscape.OutcomeCompleted] != 2 {
		t.Errorf("outcomes = %v, want 1 failed and 2 completed", counts)
	}
}

func TestRunRetriesRetryableTransform(t *testing.T) {
	source := newListSource(t, []plugin.Row{{"id": 1}}, "")
	sink := newMemorySink(t, "results")

	attempts := 0
	tr := newFuncTransform(t, "wobbly", false, func(row plugin.Row) *plugin.TransformResult {
		attempts++
		if attempts < 3 {
			return plugin.Errorf(true, "transient failure %d", attempts)
		}

		return plugin.Success(row)
	})

	f := runPipeline(t, dag.StageSet{
		Source:     source,
		Stages:     []dag.Stage{{Name: "wobbly", Kind: dag.StageTransform, Plugin: tr}},
		Sinks:      map[string]dag.SinkStage{"results": {Plugin: sink}},
		OutputSink: "results",
	}, RunOptions{MaxWorkers: 1, Retry: RetryPolicy{MaxAttempts: 3}})

	if f.err != nil {
		t.Fatalf("Run() error = %v", f.err)
	}

	if tr.callCount() != 3 {
		t.Errorf("transform ran %d times, want 3", tr.callCount())
	}

	counts := f.outcomeCounts(t)
	if counts[landscape.OutcomeCompleted] != 1 {
		t.Errorf("outcomes = %v, want 1 completed", counts)
	}
}

func TestRunExpandsMultiRowOutput(t *testing.T) {
	source := newListSource(t, []plugin.Row{{"id": 1}}, "")
	sink := newMemorySink(t, "results")

	tr := newFuncTransform(t, "split", true, func(row plugin.Row) *plugin.TransformResult {
		id, _ := row["id"].(int)

		return plugin.SuccessMulti([]plugin.Row{
			{"id": id, "part": 1},
			{"id": id, "part": 2},
			{"id": id, "part": 3},
		})
	})

	f := runPipeline(t, dag.StageSet{
		Source:     source,
		Stages:     []dag.Stage{{Name: "split", Kind: dag.StageTransform, Plugin: tr}},
		Sinks:      map[string]dag.SinkStage{"results": {Plugin: sink}},
		OutputSink: "results",
	}, RunOptions{MaxWorkers: 1})

	if f.err != nil {
		t.Fatalf("Run() error = %v", f.err)
	}

	if got := len(sink.written()); got != 3 {
		t.Errorf("sink received %d rows, want 3", got)
	}

	if f.result.RowsProcessed != 3 {
		t.Errorf("RowsProcessed = %d, want 3", f.result.RowsProcessed)
	}

	counts := f.outcomeCounts(t)
	if counts[landscape.OutcomeExpanded] != 1 || counts[landscape.OutcomeCompleted] != 3 {
		t.Errorf("outcomes = %v, want 1 expanded and 3 completed", counts)
	}
}

func TestRunAggregationPassthrough(t *testing.T) {
	source := newListSource(t, []plugin.Row{{"id": 1}, {"id": 2}, {"id": 3}, {"id": 4}}, "")
	sink := newMemorySink(t, "results")

	agg := newCollectAgg(t, "batcher", func(rows []plugin.Row) ([]plugin.Row, error) {
		out := make([]plugin.Row, len(rows))
		for i, row := range rows {
			enriched := row.DeepCopy()
			enriched["batched"] = true
			out[i] = enriched
		}

		return out, nil
	})

	f := runPipeline(t, dag.StageSet{
		Source:     source,
		Stages:     []dag.Stage{{Name: "batcher", Kind: dag.StageAggregation, Plugin: agg}},
		Sinks:      map[string]dag.SinkStage{"results": {Plugin: sink}},
		OutputSink: "results",
	}, RunOptions{
		MaxWorkers: 1,
		Aggregations: map[string]AggregationSettings{
			"batcher": {Mode: OutputPassthrough, Trigger: TriggerConfig{Count: 2}},
		},
	})

	if f.err != nil {
		t.Fatalf("Run() error = %v", f.err)
	}

	written := sink.written()
	if len(written) != 4 {
		t.Fatalf("sink received %d rows, want 4", len(written))
	}

	for _, row := range written {
		if row["batched"] != true {
			t.Errorf("sink row missing batch annotation: %v", row)
		}
	}

	batches, err := f.recorder.ListBatches(context.Background(), f.result.RunID)
	if err != nil {
		t.Fatalf("ListBatches() error = %v", err)
	}

	if len(batches) != 2 {
		t.Fatalf("batches = %d, want 2", len(batches))
	}

	for _, batch := range batches {
		if batch.Status != landscape.BatchCompleted {
			t.Errorf("batch %s status = %v, want completed", batch.BatchID, batch.Status)
		}
	}

	// Passthrough tokens resume after the flush, so they derive completed
	// rather than consumed_in_batch.
	counts := f.outcomeCounts(t)
	if counts[landscape.OutcomeCompleted] != 4 {
		t.Errorf("outcomes = %v, want 4 completed", counts)
	}
}

func TestRunAggregationSingleFlushesAtEndOfSource(t *testing.T) {
	source := newListSource(t, []plugin.Row{{"id": 1}, {"id": 2}, {"id": 3}}, "")
	sink := newMemorySink(t, "results")

	agg := newCollectAgg(t, "summer", func(rows []plugin.Row) ([]plugin.Row, error) {
		total := 0
		for _, row := range rows {
			id, _ := row["id"].(int)
			total += id
		}

		return []plugin.Row{{"id": total}}, nil
	})

	f := runPipeline(t, dag.StageSet{
		Source:     source,
		Stages:     []dag.Stage{{Name: "summer", Kind: dag.StageAggregation, Plugin: agg}},
		Sinks:      map[string]dag.SinkStage{"results": {Plugin: sink}},
		OutputSink: "results",
	}, RunOptions{
		MaxWorkers:   1,
		Aggregations: map[string]AggregationSettings{"summer": {Mode: OutputSingle}},
	})

	if f.err != nil {
		t.Fatalf("Run() error = %v", f.err)
	}

	written := sink.written()
	if len(written) != 1 || written[0]["id"] != 6 {
		t.Fatalf("sink received %v, want one row summing to 6", written)
	}

	counts := f.outcomeCounts(t)
	if counts[landscape.OutcomeConsumedInBatch] != 2 || counts[landscape.OutcomeCompleted] != 1 {
		t.Errorf("outcomes = %v, want 2 consumed_in_batch and 1 completed", counts)
	}
}

func TestRunAggregationTransformMode(t *testing.T) {
	source := newListSource(t, []plugin.Row{{"id": 1}, {"id": 2}, {"id": 3}}, "")
	sink := newMemorySink(t, "results")

	agg := newCollectAgg(t, "regrouper", func(rows []plugin.Row) ([]plugin.Row, error) {
		return []plugin.Row{
			{"id": 10, "group": "low"},
			{"id": 20, "group": "high"},
		}, nil
	})

	f := runPipeline(t, dag.StageSet{
		Source:     source,
		Stages:     []dag.Stage{{Name: "regrouper", Kind: dag.StageAggregation, Plugin: agg}},
		Sinks:      map[string]dag.SinkStage{"results": {Plugin: sink}},
		OutputSink: "results",
	}, RunOptions{
		MaxWorkers:   1,
		Aggregations: map[string]AggregationSettings{"regrouper": {Mode: OutputTransform}},
	})

	if f.err != nil {
		t.Fatalf("Run() error = %v", f.err)
	}

	if got := len(sink.written()); got != 2 {
		t.Errorf("sink received %d rows, want 2", got)
	}

	// Batch membership outranks expansion: every member, the trigger token
	// included, derives consumed_in_batch; the flush children complete.
	counts := f.outcomeCounts(t)
	if counts[landscape.OutcomeConsumedInBatch] != 3 || counts[landscape.OutcomeCompleted] != 2 {
		t.Errorf("outcomes = %v, want 3 consumed_in_batch and 2 completed", counts)
	}
}

func TestRunForkAndCoalesce(t *testing.T) {
	source := newListSource(t, []plugin.Row{{"id": 1}, {"id": 2}}, "")
	sink := newMemorySink(t, "results")

	gate := newFuncGate(t, "splitter", nil, func(_ plugin.Row) *plugin.GateResult {
		return &plugin.GateResult{Action: plugin.ForkTo([]string{"left", "right"}, nil)}
	})

	f := runPipeline(t, dag.StageSet{
		Source: source,
		Stages: []dag.Stage{
			{Name: "splitter", Kind: dag.StageGate, Plugin: gate, ForkBranches: []string{"left", "right"}},
			{Name: "merge", Kind: dag.StageCoalesce, Branches: []string{"left", "right"}, Policy: "require_all"},
		},
		Sinks:      map[string]dag.SinkStage{"results": {Plugin: sink}},
		OutputSink: "results",
	}, RunOptions{MaxWorkers: 1})

	if f.err != nil {
		t.Fatalf("Run() error = %v", f.err)
	}

	if got := len(sink.written()); got != 2 {
		t.Errorf("sink received %d rows, want 2", got)
	}

	counts := f.outcomeCounts(t)
	if counts[landscape.OutcomeForked] != 2 {
		t.Errorf("forked outcomes = %d, want 2", counts[landscape.OutcomeForked])
	}

	if counts[landscape.OutcomeCoalesced] != 4 {
		t.Errorf("coalesced outcomes = %d, want 4", counts[landscape.OutcomeCoalesced])
	}

	if counts[landscape.OutcomeCompleted] != 2 {
		t.Errorf("completed outcomes = %d, want 2", counts[landscape.OutcomeCompleted])
	}
}

func TestRunSinkWriteFailureFailsRow(t *testing.T) {
	source := newListSource(t, []plugin.Row{{"id": 1}, {"id": 2}}, "")
	sink := newMemorySink(t, "results")
	sink.failWrites = 1

	f := runPipeline(t, dag.StageSet{
		Source:     source,
		Sinks:      map[string]dag.SinkStage{"results": {Plugin: sink}},
		OutputSink: "results",
	}, RunOptions{MaxWorkers: 1})

	if f.err != nil {
		t.Fatalf("Run() error = %v", f.err)
	}

	if f.result.RowsFailed != 1 || f.result.RowsProcessed != 1 {
		t.Errorf("failed = %d, processed = %d, want 1 and 1", f.result.RowsFailed, f.result.RowsProcessed)
	}

	counts := f.outcomeCounts(t)
	if counts[landscape.OutcomeFailed] != 1 || counts[landscape.OutcomeCompleted] != 1 {
		t.Errorf("outcomes = %v, want 1 failed and 1 completed", counts)
	}
}
