package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/furrow-io/furrow/internal/dag"
	"github.com/furrow-io/furrow/internal/landscape"
	"github.com/furrow-io/furrow/internal/plugin"
	"github.com/furrow-io/furrow/internal/schema"
)

func mustSchema(t *testing.T, text string) *schema.Schema {
	t.Helper()

	s, err := schema.Parse([]byte(text))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	return s
}

func rowSchema(t *testing.T) *schema.Schema {
	t.Helper()

	return mustSchema(t, "mode: free\nfields:\n  - \"id: int\"\n")
}

// stubPlugin supplies the metadata surface for every fake stage.
type stubPlugin struct {
	name    string
	in, out *schema.Schema
}

func (p *stubPlugin) Name() string                       { return p.name }
func (p *stubPlugin) Version() string                    { return "1.0.0" }
func (p *stubPlugin) Determinism() landscape.Determinism { return landscape.Deterministic }
func (p *stubPlugin) InputSchema() *schema.Schema        { return p.in }
func (p *stubPlugin) OutputSchema() *schema.Schema       { return p.out }

// listSource yields a fixed slice of rows.
type listSource struct {
	stubPlugin
	rows       []plugin.Row
	quarantine string
}

func newListSource(t *testing.T, rows []plugin.Row, quarantine string) *listSource {
	t.Helper()

	return &listSource{
		stubPlugin: stubPlugin{name: "list", out: rowSchema(t)},
		rows:       rows,
		quarantine: quarantine,
	}
}

func (s *listSource) Load(_ *plugin.Context) (plugin.RowStream, error) {
	return &listStream{rows: s.rows}, nil
}

func (s *listSource) OnValidationFailure() string { return s.quarantine }

type listStream struct {
	rows []plugin.Row
	next int
}

func (s *listStream) Next(_ context.Context) (plugin.Row, error) {
	if s.next >= len(s.rows) {
		return nil, io.EOF
	}

	row := s.rows[s.next]
	s.next++

	return row, nil
}

func (s *listStream) Close() error { return nil }

// funcTransform delegates Process to a closure and counts calls.
type funcTransform struct {
	stubPlugin
	creates bool
	fn      func(row plugin.Row) *plugin.TransformResult

	mu    sync.Mutex
	calls int
}

func newFuncTransform(t *testing.T, name string, creates bool, fn func(row plugin.Row) *plugin.TransformResult) *funcTransform {
	t.Helper()

	return &funcTransform{
		stubPlugin: stubPlugin{name: name, in: rowSchema(t), out: rowSchema(t)},
		creates:    creates,
		fn:         fn,
	}
}

func (tr *funcTransform) Process(_ *plugin.Context, row plugin.Row) *plugin.TransformResult {
	tr.mu.Lock()
	tr.calls++
	tr.mu.Unlock()

	return tr.fn(row)
}

func (tr *funcTransform) CreatesTokens() bool { return tr.creates }

func (tr *funcTransform) callCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	return tr.calls
}

// funcGate delegates Evaluate to a closure.
type funcGate struct {
	stubPlugin
	routes map[string]string
	fn     func(row plugin.Row) *plugin.GateResult
}

func newFuncGate(t *testing.T, name string, routes map[string]string, fn func(row plugin.Row) *plugin.GateResult) *funcGate {
	t.Helper()

	return &funcGate{
		stubPlugin: stubPlugin{name: name, in: rowSchema(t), out: rowSchema(t)},
		routes:     routes,
		fn:         fn,
	}
}

func (g *funcGate) Evaluate(_ *plugin.Context, row plugin.Row) (*plugin.GateResult, error) {
	return g.fn(row), nil
}

func (g *funcGate) Routes() map[string]string { return g.routes }

// collectAgg accepts everything and delegates Flush to a closure.
type collectAgg struct {
	stubPlugin
	flushFn func(rows []plugin.Row) ([]plugin.Row, error)
}

func newCollectAgg(t *testing.T, name string, flushFn func(rows []plugin.Row) ([]plugin.Row, error)) *collectAgg {
	t.Helper()

	return &collectAgg{
		stubPlugin: stubPlugin{name: name, in: rowSchema(t), out: rowSchema(t)},
		flushFn:    flushFn,
	}
}

func (a *collectAgg) Accept(_ *plugin.Context, _ plugin.Row) (*plugin.AcceptResult, error) {
	return &plugin.AcceptResult{Accepted: true}, nil
}

func (a *collectAgg) Flush(_ *plugin.Context, rows []plugin.Row) ([]plugin.Row, error) {
	return a.flushFn(rows)
}

func (a *collectAgg) Reset() {}

// memorySink records written rows in memory.
type memorySink struct {
	stubPlugin

	mu         sync.Mutex
	rows       []plugin.Row
	failWrites int
	flushed    bool
	closed     bool
}

func newMemorySink(t *testing.T, name string) *memorySink {
	t.Helper()

	return &memorySink{stubPlugin: stubPlugin{name: name, in: rowSchema(t)}}
}

func (s *memorySink) Write(_ *plugin.Context, row plugin.Row) (*plugin.ArtifactDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWrites > 0 {
		s.failWrites--

		return nil, fmt.Errorf("write refused")
	}

	s.rows = append(s.rows, row.DeepCopy())

	return plugin.FileArtifact(fmt.Sprintf("/tmp/%s-%d.json", s.name, len(s.rows)), "", 0), nil
}

func (s *memorySink) Flush(_ *plugin.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushed = true

	return nil
}

func (s *memorySink) Idempotent() bool { return true }

func (s *memorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true

	return nil
}

func (s *memorySink) written() []plugin.Row {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]plugin.Row, len(s.rows))
	copy(out, s.rows)

	return out
}

// runFixture executes one full run against the in-memory recorder.
type runFixture struct {
	recorder *landscape.MemoryRecorder
	resolver *landscape.OutcomeResolver
	result   *RunResult
	err      error
}

func runPipeline(t *testing.T, set dag.StageSet, opts RunOptions) *runFixture {
	t.Helper()

	graph, err := dag.Build(set)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	recorder := landscape.NewMemoryRecorder()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	orch := NewOrchestrator(graph, recorder, nil, nil, nil, opts, logger)

	result, err := orch.Run(context.Background())

	return &runFixture{
		recorder: recorder,
		resolver: landscape.NewOutcomeResolver(recorder),
		result:   result,
		err:      err,
	}
}

// outcomeCounts tallies derived outcomes across every token of the run.
func (f *runFixture) outcomeCounts(t *testing.T) map[landscape.RowOutcome]int {
	t.Helper()

	outcomes, err := f.resolver.RunOutcomes(context.Background(), f.result.RunID)
	if err != nil {
		t.Fatalf("RunOutcomes() error = %v", err)
	}

	counts := make(map[landscape.RowOutcome]int)
	for _, outcome := range outcomes {
		counts[outcome]++
	}

	return counts
}
