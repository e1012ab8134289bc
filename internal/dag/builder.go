package dag

import (
	"fmt"
	"sort"

	"github.com/furrow-io/furrow/internal/landscape"
	"github.com/furrow-io/furrow/internal/plugin"
	"github.com/furrow-io/furrow/internal/schema"
)

// Build compiles a stage set into an ExecutionGraph, running every
// compile-time validation: wiring rules, acyclicity, reachability, schema
// compatibility along each edge, and the fork/coalesce structure rules.
func Build(set StageSet) (*ExecutionGraph, error) {
	b := &builder{set: set}

	return b.build()
}

type builder struct {
	set StageSet
	g   *ExecutionGraph
}

func (b *builder) build() (*ExecutionGraph, error) {
	if b.set.Source == nil {
		return nil, fmt.Errorf("%w: a source is required", ErrGraphValidation)
	}

	if b.set.Source.OutputSchema() == nil {
		return nil, fmt.Errorf("%w: source %q must declare an output schema; sources are trust boundaries",
			ErrGraphValidation, b.set.Source.Name())
	}

	if len(b.set.Sinks) == 0 {
		return nil, fmt.Errorf("%w: at least one sink is required", ErrGraphValidation)
	}

	if _, ok := b.set.Sinks[b.set.OutputSink]; !ok {
		return nil, fmt.Errorf("%w: output_sink %q is not a declared sink", ErrGraphValidation, b.set.OutputSink)
	}

	b.g = &ExecutionGraph{
		nodes:         make(map[string]*Node),
		sinkIDs:       make(map[string]string),
		sinks:         b.set.Sinks,
		stages:        b.set.Stages,
		outputSink:    b.set.OutputSink,
		coalesceSteps: make(map[string]int),
		branchToStep:  make(map[string]int),
	}

	if err := b.addNodes(); err != nil {
		return nil, err
	}

	if err := b.addSpineEdges(); err != nil {
		return nil, err
	}

	if err := b.addGateEdges(); err != nil {
		return nil, err
	}

	if err := b.validateCoalesceStructure(); err != nil {
		return nil, err
	}

	if err := b.g.topologicalSort(); err != nil {
		return nil, err
	}

	if err := b.validateReachability(); err != nil {
		return nil, err
	}

	if err := b.validateSchemas(); err != nil {
		return nil, err
	}

	return b.g, nil
}

func nodeID(nodeType landscape.NodeType, name string, seq int) string {
	return fmt.Sprintf("%s_%s_%03d", nodeType, name, seq)
}

func stageNodeType(kind StageKind) (landscape.NodeType, error) {
	switch kind {
	case StageTransform:
		return landscape.NodeTransform, nil
	case StageGate:
		return landscape.NodeGate, nil
	case StageAggregation:
		return landscape.NodeAggregation, nil
	case StageCoalesce:
		return landscape.NodeCoalesce, nil
	default:
		return "", fmt.Errorf("%w: unknown stage kind %q", ErrGraphValidation, kind)
	}
}

// checkStagePlugin verifies the instance implements the interface its kind
// promises, so a miswired stage fails at compile time, not mid-run.
func checkStagePlugin(stage *Stage) error {
	var ok bool

	switch stage.Kind {
	case StageTransform:
		_, ok = stage.Plugin.(plugin.Transform)
	case StageGate:
		_, ok = stage.Plugin.(plugin.Gate)
	case StageAggregation:
		_, ok = stage.Plugin.(plugin.Aggregation)
	case StageCoalesce:
		// A coalesce without a merge plugin uses the engine's default merge.
		ok = stage.Plugin == nil
		if !ok {
			_, ok = stage.Plugin.(plugin.Coalesce)
		}
	}

	if !ok {
		return fmt.Errorf("%w: stage %q plugin does not implement the %s interface",
			ErrGraphValidation, stage.Name, stage.Kind)
	}

	return nil
}

func (b *builder) addNodes() error {
	source := b.set.Source
	b.g.sourceID = nodeID(landscape.NodeSource, source.Name(), 0)
	b.g.nodes[b.g.sourceID] = &Node{
		ID:         b.g.sourceID,
		Type:       landscape.NodeSource,
		PluginName: source.Name(),
		Step:       0,
		Options:    b.set.SourceOptions,
		Plugin:     source,
	}

	for i := range b.set.Stages {
		stage := &b.set.Stages[i]
		step := i + 1

		if stage.Kind != StageCoalesce && stage.Plugin == nil {
			return fmt.Errorf("%w: stage %q has no plugin instance", ErrGraphValidation, stage.Name)
		}

		if err := checkStagePlugin(stage); err != nil {
			return err
		}

		nodeType, err := stageNodeType(stage.Kind)
		if err != nil {
			return err
		}

		pluginName := fmt.Sprintf("coalesce:%s", stage.Name)
		if stage.Plugin != nil {
			pluginName = stage.Plugin.Name()
		}

		id := nodeID(nodeType, stage.Name, step)
		b.g.stageIDs = append(b.g.stageIDs, id)
		b.g.nodes[id] = &Node{
			ID:         id,
			Type:       nodeType,
			PluginName: pluginName,
			Step:       step,
			Options:    stage.Options,
			Plugin:     stage.Plugin,
		}

		if stage.Kind == StageCoalesce {
			if _, exists := b.g.coalesceSteps[stage.Name]; exists {
				return fmt.Errorf("%w: duplicate coalesce name %q", ErrGraphValidation, stage.Name)
			}

			b.g.coalesceSteps[stage.Name] = step

			for _, branch := range stage.Branches {
				if prior, exists := b.g.branchToStep[branch]; exists {
					priorStage := b.set.Stages[prior-1]

					return fmt.Errorf("%w: branch %q belongs to both coalesce %q and coalesce %q; each fork branch can merge at one point only",
						ErrGraphValidation, branch, priorStage.Name, stage.Name)
				}

				b.g.branchToStep[branch] = step
			}
		}
	}

	sinkNames := make([]string, 0, len(b.set.Sinks))
	for name := range b.set.Sinks {
		sinkNames = append(sinkNames, name)
	}

	sort.Strings(sinkNames)

	sinkStep := len(b.set.Stages) + 1

	for _, name := range sinkNames {
		sink := b.set.Sinks[name]
		if sink.Plugin == nil {
			return fmt.Errorf("%w: sink %q has no plugin instance", ErrGraphValidation, name)
		}

		id := nodeID(landscape.NodeSink, name, sinkStep)
		b.g.sinkIDs[name] = id
		b.g.nodes[id] = &Node{
			ID:         id,
			Type:       landscape.NodeSink,
			PluginName: sink.Plugin.Name(),
			Step:       sinkStep,
			Options:    sink.Options,
			Plugin:     sink.Plugin,
		}
	}

	return nil
}

// addSpineEdges wires the continue path: source, each stage in order, then
// the output sink. The source's quarantine path, when declared, is a labeled
// edge too so that quarantined rows are part of the compiled graph.
func (b *builder) addSpineEdges() error {
	prev := b.g.sourceID

	for _, id := range b.g.stageIDs {
		b.g.edges = append(b.g.edges, Edge{From: prev, To: id, Label: "continue", Mode: landscape.RouteMove})
		prev = id
	}

	b.g.edges = append(b.g.edges, Edge{
		From:  prev,
		To:    b.g.sinkIDs[b.set.OutputSink],
		Label: "continue",
		Mode:  landscape.RouteMove,
	})

	if quarantine := b.set.Source.OnValidationFailure(); quarantine != "" {
		sinkID, ok := b.g.sinkIDs[quarantine]
		if !ok {
			return fmt.Errorf("%w: source quarantine sink %q is not a declared sink",
				ErrGraphValidation, quarantine)
		}

		b.g.edges = append(b.g.edges, Edge{
			From:  b.g.sourceID,
			To:    sinkID,
			Label: "quarantine",
			Mode:  landscape.RouteMove,
		})
	}

	return nil
}

// addGateEdges wires each gate's route labels to sinks and its fork branches
// to their coalesce or sink destinations. No fallback: a branch with no
// destination is a configuration error, not a default.
func (b *builder) addGateEdges() error {
	branchOwner := make(map[string]string)

	for i := range b.set.Stages {
		stage := &b.set.Stages[i]
		if stage.Kind != StageGate {
			continue
		}

		gateID := b.g.stageIDs[i]

		labels := make([]string, 0, len(stage.Routes))
		for label := range stage.Routes {
			labels = append(labels, label)
		}

		sort.Strings(labels)

		for _, label := range labels {
			target := stage.Routes[label]
			if target == "continue" {
				// The spine's continue edge already exists.
				continue
			}

			sinkID, ok := b.g.sinkIDs[target]
			if !ok {
				return fmt.Errorf("%w: gate %q route %q targets %q, which is not a declared sink",
					ErrGraphValidation, stage.Name, label, target)
			}

			b.g.edges = append(b.g.edges, Edge{From: gateID, To: sinkID, Label: label, Mode: landscape.RouteMove})
		}

		seen := make(map[string]bool, len(stage.ForkBranches))

		for _, branch := range stage.ForkBranches {
			if seen[branch] {
				return fmt.Errorf("%w: gate %q declares fork branch %q twice", ErrGraphValidation, stage.Name, branch)
			}

			seen[branch] = true

			if owner, exists := branchOwner[branch]; exists {
				return fmt.Errorf("%w: fork branch %q is declared by gates %q and %q; branch names must be unique across gates",
					ErrGraphValidation, branch, owner, stage.Name)
			}

			branchOwner[branch] = stage.Name

			if step, ok := b.g.branchToStep[branch]; ok {
				coalesceID := b.g.stageIDs[step-1]
				b.g.edges = append(b.g.edges, Edge{From: gateID, To: coalesceID, Label: branch, Mode: landscape.RouteCopy})

				continue
			}

			if sinkID, ok := b.g.sinkIDs[branch]; ok {
				b.g.edges = append(b.g.edges, Edge{From: gateID, To: sinkID, Label: branch, Mode: landscape.RouteCopy})

				continue
			}

			return fmt.Errorf("%w: gate %q fork branch %q has no destination; it must be listed in a coalesce branches list or match a sink name",
				ErrGraphValidation, stage.Name, branch)
		}
	}

	return nil
}

// validateCoalesceStructure checks the fork/coalesce shape: every coalesce
// branch is produced by a gate upstream of the coalesce, and no expanding
// transform sits between a fork and its coalesce. Expansion inside a
// coalesced branch would make join cardinality undefined, so it is rejected
// at compile time.
func (b *builder) validateCoalesceStructure() error {
	produced := make(map[string]int)

	for i := range b.set.Stages {
		stage := &b.set.Stages[i]
		if stage.Kind != StageGate {
			continue
		}

		for _, branch := range stage.ForkBranches {
			produced[branch] = i + 1
		}
	}

	branches := make([]string, 0, len(b.g.branchToStep))
	for branch := range b.g.branchToStep {
		branches = append(branches, branch)
	}

	sort.Strings(branches)

	for _, branch := range branches {
		coalesceStep := b.g.branchToStep[branch]

		gateStep, ok := produced[branch]
		if !ok {
			return fmt.Errorf("%w: coalesce at step %d declares branch %q, but no gate forks to it",
				ErrGraphValidation, coalesceStep, branch)
		}

		if gateStep >= coalesceStep {
			return fmt.Errorf("%w: branch %q forks at step %d but its coalesce sits at step %d; a coalesce must be downstream of its fork",
				ErrGraphValidation, branch, gateStep, coalesceStep)
		}

		for step := gateStep + 1; step < coalesceStep; step++ {
			stage := b.set.Stages[step-1]

			transform, isTransform := stage.Plugin.(plugin.Transform)
			if isTransform && transform.CreatesTokens() {
				return fmt.Errorf("%w: transform %q at step %d expands tokens inside coalesced branch %q; expansion between a fork and its coalesce is not supported",
					ErrGraphValidation, stage.Name, step, branch)
			}
		}
	}

	return nil
}

// validateReachability walks the compiled edges from the source and checks
// that the output sink and every routed sink can actually be reached.
func (b *builder) validateReachability() error {
	adjacency := make(map[string][]string, len(b.g.nodes))
	for _, e := range b.g.edges {
		adjacency[e.From] = append(adjacency[e.From], e.To)
	}

	reachable := map[string]bool{b.g.sourceID: true}
	frontier := []string{b.g.sourceID}

	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]

		for _, to := range adjacency[id] {
			if !reachable[to] {
				reachable[to] = true
				frontier = append(frontier, to)
			}
		}
	}

	referenced := map[string]bool{b.set.OutputSink: true}

	for _, stage := range b.set.Stages {
		for _, target := range stage.Routes {
			if target != "continue" {
				referenced[target] = true
			}
		}

		for _, branch := range stage.ForkBranches {
			if _, ok := b.g.sinkIDs[branch]; ok {
				referenced[branch] = true
			}
		}
	}

	names := make([]string, 0, len(referenced))
	for name := range referenced {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		if !reachable[b.g.sinkIDs[name]] {
			return fmt.Errorf("%w: sink %q is referenced but not reachable from the source", ErrGraphValidation, name)
		}
	}

	return nil
}

// validateSchemas checks producer/consumer compatibility along every edge.
// Nodes without a declared schema on the relevant side are skipped; the
// trust model requires declarations only at sources.
func (b *builder) validateSchemas() error {
	for _, e := range b.g.edges {
		// Quarantined rows failed schema validation by definition.
		if e.Label == "quarantine" {
			continue
		}

		from := b.g.nodes[e.From]
		to := b.g.nodes[e.To]

		if from.Plugin == nil || to.Plugin == nil {
			continue
		}

		producer := from.Plugin.OutputSchema()
		consumer := to.Plugin.InputSchema()

		if producer == nil || consumer == nil {
			continue
		}

		if err := schema.CheckCompatibility(producer, consumer).Err(e.From, e.To); err != nil {
			return fmt.Errorf("%w: %w", ErrGraphValidation, err)
		}
	}

	return nil
}
