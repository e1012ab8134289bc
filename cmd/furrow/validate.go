package main

import (
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/furrow-io/furrow/internal/config"
	"github.com/furrow-io/furrow/internal/dag"
	"github.com/furrow-io/furrow/internal/plugin/builtin"
)

// runValidate compiles a pipeline document and prints the execution plan.
// Compile failures surface as errors, so the process exits non-zero for
// invalid documents.
func runValidate(args []string) error {
	flags := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := flags.String("config", "", "pipeline document to validate (required)")

	if err := flags.Parse(args); err != nil {
		return err
	}

	if *configPath == "" {
		flags.Usage()

		return fmt.Errorf("-config is required")
	}

	pipeline, err := config.LoadPipeline(*configPath)
	if err != nil {
		return err
	}

	built, err := assemblePipeline(pipeline, builtin.NewSet())
	if err != nil {
		return err
	}

	graph, err := dag.Build(built.Set)
	if err != nil {
		return err
	}

	printPlan(graph)

	return nil
}

// printPlan renders the compiled graph: the step map in execution order,
// then every edge.
func printPlan(graph *dag.ExecutionGraph) {
	nodes := graph.Nodes()
	edges := graph.Edges()

	fmt.Printf("pipeline compiles: %d nodes, %d edges\n\n", len(nodes), len(edges))

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)

	fmt.Fprintln(w, "STEP\tNODE\tTYPE\tPLUGIN")

	for _, id := range graph.TopologicalOrder() {
		node, ok := graph.NodeInfo(id)
		if !ok {
			continue
		}

		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", node.Step, node.ID, node.Type, node.PluginName)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "FROM\tTO\tLABEL\tMODE")

	for _, edge := range edges {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", edge.From, edge.To, edge.Label, edge.Mode)
	}

	_ = w.Flush()
}
