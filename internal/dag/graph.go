// Package dag compiles a validated pipeline document plus its constructed
// plugin instances into an ExecutionGraph: explicit node IDs, explicit
// name-to-ID maps, labeled edges, and a step map for the row processor.
//
// Lookups go through the explicit maps only. Substring matching of node IDs
// is never permitted anywhere in the engine; a sink is found by its name,
// a stage by its step index, never by what its ID happens to contain.
package dag

import (
	"errors"
	"fmt"
	"sort"

	"github.com/furrow-io/furrow/internal/landscape"
	"github.com/furrow-io/furrow/internal/plugin"
)

// ErrGraphValidation is returned for every compile-time rejection.
var ErrGraphValidation = errors.New("graph validation failed")

// StageKind distinguishes the spine stage flavors.
type StageKind string

// Stage kinds.
const (
	StageTransform   StageKind = "transform"
	StageGate        StageKind = "gate"
	StageAggregation StageKind = "aggregation"
	StageCoalesce    StageKind = "coalesce"
)

// Stage is one position on the row-processing spine, in execution order.
type Stage struct {
	// Name is the stage's instance name, unique along the spine.
	Name string
	Kind StageKind
	// Plugin is the constructed instance: a plugin.Transform, plugin.Gate,
	// plugin.Aggregation, or plugin.Coalesce matching Kind.
	Plugin  plugin.Plugin
	Options map[string]any

	// Gate-only wiring.
	Routes       map[string]string
	ForkBranches []string

	// Coalesce-only wiring.
	Branches        []string
	Policy          string
	QuorumThreshold int
}

// SinkStage is one named sink instance.
type SinkStage struct {
	Plugin  plugin.Sink
	Options map[string]any
}

// StageSet carries the constructed plugin instances the compiler wires
// together. Plugin construction itself happens outside the core, through
// the registry.
type StageSet struct {
	Source        plugin.Source
	SourceOptions map[string]any
	Stages        []Stage
	Sinks         map[string]SinkStage
	// OutputSink names the sink that receives tokens reaching the end of
	// the spine.
	OutputSink string
}

// Node is one compiled graph vertex.
type Node struct {
	ID         string
	Type       landscape.NodeType
	PluginName string
	// Step is the node's position in the step map: source 0, spine stages
	// 1..N, sinks N+1.
	Step    int
	Options map[string]any

	// Plugin is the constructed instance backing this node; nil only for
	// coalesce nodes without a merge plugin.
	Plugin plugin.Plugin
}

// Edge is one compiled, labeled connection.
type Edge struct {
	From  string
	To    string
	Label string
	Mode  landscape.RouteMode
}

// ExecutionGraph is the compiled pipeline: nodes, edges, and the explicit
// maps the row processor resolves against.
type ExecutionGraph struct {
	nodes map[string]*Node
	edges []Edge

	sourceID   string
	sinkIDs    map[string]string
	stageIDs   []string
	stages     []Stage
	sinks      map[string]SinkStage
	outputSink string

	coalesceSteps map[string]int
	branchToStep  map[string]int

	topoOrder []string
}

// SourceID returns the source node's ID.
func (g *ExecutionGraph) SourceID() string { return g.sourceID }

// SinkID resolves a sink name to its node ID.
func (g *ExecutionGraph) SinkID(name string) (string, bool) {
	id, ok := g.sinkIDs[name]

	return id, ok
}

// SinkIDMap returns a copy of the sink name to node ID map.
func (g *ExecutionGraph) SinkIDMap() map[string]string {
	out := make(map[string]string, len(g.sinkIDs))
	for name, id := range g.sinkIDs {
		out[name] = id
	}

	return out
}

// OutputSinkID returns the node ID of the configured output sink.
func (g *ExecutionGraph) OutputSinkID() string {
	return g.sinkIDs[g.outputSink]
}

// OutputSinkName returns the configured output sink's name.
func (g *ExecutionGraph) OutputSinkName() string { return g.outputSink }

// StageID resolves a step index (1..N) to the stage's node ID.
func (g *ExecutionGraph) StageID(step int) (string, bool) {
	if step < 1 || step > len(g.stageIDs) {
		return "", false
	}

	return g.stageIDs[step-1], true
}

// StageAt returns the stage at a step index (1..N).
func (g *ExecutionGraph) StageAt(step int) (*Stage, bool) {
	if step < 1 || step > len(g.stages) {
		return nil, false
	}

	return &g.stages[step-1], true
}

// StageCount returns the number of spine stages.
func (g *ExecutionGraph) StageCount() int { return len(g.stages) }

// Sink returns a named sink instance.
func (g *ExecutionGraph) Sink(name string) (SinkStage, bool) {
	s, ok := g.sinks[name]

	return s, ok
}

// SinkNames returns the declared sink names, sorted.
func (g *ExecutionGraph) SinkNames() []string {
	names := make([]string, 0, len(g.sinks))
	for name := range g.sinks {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// CoalesceStep resolves a coalesce name to its step index.
func (g *ExecutionGraph) CoalesceStep(name string) (int, bool) {
	step, ok := g.coalesceSteps[name]

	return step, ok
}

// BranchCoalesceStep resolves a fork branch name to the step index of the
// coalesce that collects it. Branches that terminate at a sink have none.
func (g *ExecutionGraph) BranchCoalesceStep(branch string) (int, bool) {
	step, ok := g.branchToStep[branch]

	return step, ok
}

// NodeInfo returns a compiled node by ID.
func (g *ExecutionGraph) NodeInfo(id string) (*Node, bool) {
	n, ok := g.nodes[id]

	return n, ok
}

// Nodes returns all compiled nodes ordered by step, then ID.
func (g *ExecutionGraph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Step != out[j].Step {
			return out[i].Step < out[j].Step
		}

		return out[i].ID < out[j].ID
	})

	return out
}

// Edges returns all compiled edges in insertion order.
func (g *ExecutionGraph) Edges() []Edge {
	out := make([]Edge, len(g.edges))
	copy(out, g.edges)

	return out
}

// TopologicalOrder returns the node IDs in a valid execution order.
func (g *ExecutionGraph) TopologicalOrder() []string {
	out := make([]string, len(g.topoOrder))
	copy(out, g.topoOrder)

	return out
}

// StepMap returns node ID to step index: source 0, stages 1..N, sinks N+1.
func (g *ExecutionGraph) StepMap() map[string]int {
	out := make(map[string]int, len(g.nodes))
	for id, n := range g.nodes {
		out[id] = n.Step
	}

	return out
}

// topologicalSort runs Kahn's algorithm over the compiled edges. An
// incomplete order means a cycle.
func (g *ExecutionGraph) topologicalSort() error {
	indegree := make(map[string]int, len(g.nodes))
	adjacency := make(map[string][]string, len(g.nodes))

	for id := range g.nodes {
		indegree[id] = 0
	}

	for _, e := range g.edges {
		adjacency[e.From] = append(adjacency[e.From], e.To)
		indegree[e.To]++
	}

	var frontier []string

	for id, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}

	sort.Strings(frontier)

	order := make([]string, 0, len(g.nodes))

	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		order = append(order, id)

		next := adjacency[id]
		sort.Strings(next)

		for _, to := range next {
			indegree[to]--
			if indegree[to] == 0 {
				frontier = append(frontier, to)
			}
		}
	}

	if len(order) != len(g.nodes) {
		return fmt.Errorf("%w: graph contains a cycle", ErrGraphValidation)
	}

	g.topoOrder = order

	return nil
}
