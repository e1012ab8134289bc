package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/furrow-io/furrow/internal/landscape"
)

// runExplain answers questions about a finished run from the audit trail:
// every token's derived outcome, or one token's full journey.
func runExplain(args []string) error {
	flags := flag.NewFlagSet("explain", flag.ExitOnError)
	runID := flags.String("run", "", "run to explain (required)")
	tokenID := flags.String("token", "", "explain a single token's journey")
	databaseURL := flags.String("database-url", "", "audit database (default $LANDSCAPE_DATABASE_URL)")

	if err := flags.Parse(args); err != nil {
		return err
	}

	if *runID == "" {
		flags.Usage()

		return fmt.Errorf("-run is required")
	}

	ctx := context.Background()

	recorder, closeRecorder, err := openReader(ctx, *databaseURL)
	if err != nil {
		return err
	}
	defer closeRecorder()

	resolver := landscape.NewOutcomeResolver(recorder)

	if *tokenID != "" {
		journey, err := resolver.ExplainToken(ctx, *runID, *tokenID)
		if err != nil {
			return err
		}

		return printJSON(journey)
	}

	run, err := recorder.GetRun(ctx, *runID)
	if err != nil {
		return err
	}

	outcomes, err := resolver.RunOutcomes(ctx, *runID)
	if err != nil {
		return err
	}

	fmt.Printf("run %s: %s, reproducibility %s\n\n", run.RunID, run.Status, run.Reproducibility)

	counts := make(map[landscape.RowOutcome]int)
	tokens := make([]string, 0, len(outcomes))

	for id, outcome := range outcomes {
		tokens = append(tokens, id)
		counts[outcome]++
	}

	sort.Strings(tokens)

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)

	fmt.Fprintln(w, "TOKEN\tOUTCOME")

	for _, id := range tokens {
		fmt.Fprintf(w, "%s\t%s\n", id, outcomes[id])
	}

	fmt.Fprintln(w)

	summary := make([]string, 0, len(counts))
	for outcome := range counts {
		summary = append(summary, string(outcome))
	}

	sort.Strings(summary)

	for _, outcome := range summary {
		fmt.Fprintf(w, "%s\t%d\n", outcome, counts[landscape.RowOutcome(outcome)])
	}

	return w.Flush()
}

// openReader connects to the audit database for the read-model commands.
func openReader(ctx context.Context, databaseURL string) (*landscape.PostgresRecorder, func(), error) {
	cfg := landscape.LoadConfig()
	if databaseURL != "" {
		cfg = landscape.NewConfig(databaseURL)
	}

	conn, err := landscape.Connect(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	recorder, err := landscape.NewPostgresRecorder(conn)
	if err != nil {
		_ = conn.Close()

		return nil, nil, err
	}

	closer := func() {
		_ = recorder.Close()
		_ = conn.Close()
	}

	return recorder, closer, nil
}

func printJSON(value any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")

	return encoder.Encode(value)
}
