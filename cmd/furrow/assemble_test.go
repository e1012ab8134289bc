package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/furrow-io/furrow/internal/config"
	"github.com/furrow-io/furrow/internal/dag"
	"github.com/furrow-io/furrow/internal/engine"
	"github.com/furrow-io/furrow/internal/plugin/builtin"
)

const pipelineDoc = `
datasource:
  plugin: csv
  options:
    path: %INPUT%
    schema:
      mode: strict
      fields:
        - "id: int"
        - "name: str"

sinks:
  output:
    plugin: jsonl
    options:
      path: %OUTPUT%
      schema:
        fields: dynamic

output_sink: output
`

func writePipeline(t *testing.T, input, output string) *config.Pipeline {
	t.Helper()

	doc := strings.ReplaceAll(pipelineDoc, "%INPUT%", input)
	doc = strings.ReplaceAll(doc, "%OUTPUT%", output)

	pipeline, err := config.ParsePipeline([]byte(doc))
	if err != nil {
		t.Fatalf("ParsePipeline() error = %v", err)
	}

	return pipeline
}

func TestAssemblePipelineCompiles(t *testing.T) {
	dir := t.TempDir()
	pipeline := writePipeline(t, filepath.Join(dir, "in.csv"), filepath.Join(dir, "out.jsonl"))

	built, err := assemblePipeline(pipeline, builtin.NewSet())
	if err != nil {
		t.Fatalf("assemblePipeline() error = %v", err)
	}

	if built.Set.Source == nil || built.Set.OutputSink != "output" {
		t.Fatalf("stage set = %+v", built.Set)
	}

	if built.Options.MaxWorkers != 1 || built.Options.Retry.MaxAttempts != 1 {
		t.Errorf("options = %+v", built.Options)
	}

	if built.Options.Settings["output_sink"] != "output" {
		t.Errorf("settings = %v", built.Options.Settings)
	}

	graph, err := dag.Build(built.Set)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	// Source, sink: an empty spine is a legal pipeline.
	if len(graph.Nodes()) != 2 {
		t.Errorf("nodes = %d, want 2", len(graph.Nodes()))
	}
}

func TestAssemblePipelineUnknownPlugin(t *testing.T) {
	dir := t.TempDir()
	pipeline := writePipeline(t, filepath.Join(dir, "in.csv"), filepath.Join(dir, "out.jsonl"))
	pipeline.Datasource.Plugin = "nope"

	if _, err := assemblePipeline(pipeline, builtin.NewSet()); err == nil {
		t.Error("assemblePipeline() with unknown source, want error")
	}
}

func TestAggregationSettingsParsesTrigger(t *testing.T) {
	settings, err := aggregationSettings(map[string]any{
		"output_mode": "passthrough",
		"trigger": map[string]any{
			"count":        10,
			"max_bytes":    4096,
			"max_duration": "30s",
		},
	})
	if err != nil {
		t.Fatalf("aggregationSettings() error = %v", err)
	}

	if settings.Mode != engine.OutputPassthrough {
		t.Errorf("Mode = %q, want passthrough", settings.Mode)
	}

	if settings.Trigger.Count != 10 || settings.Trigger.MaxBytes != 4096 {
		t.Errorf("Trigger = %+v", settings.Trigger)
	}

	if settings.Trigger.MaxDuration != 30*time.Second {
		t.Errorf("MaxDuration = %v, want 30s", settings.Trigger.MaxDuration)
	}
}

func TestAggregationSettingsDefaults(t *testing.T) {
	settings, err := aggregationSettings(map[string]any{})
	if err != nil {
		t.Fatalf("aggregationSettings() error = %v", err)
	}

	if settings.Mode != engine.OutputSingle {
		t.Errorf("Mode = %q, want single", settings.Mode)
	}

	if settings.Trigger != (engine.TriggerConfig{}) {
		t.Errorf("Trigger = %+v, want zero", settings.Trigger)
	}
}

func TestAggregationSettingsRejectsUnknownMode(t *testing.T) {
	if _, err := aggregationSettings(map[string]any{"output_mode": "fanout"}); err == nil {
		t.Error("aggregationSettings() with unknown mode, want error")
	}
}

func TestUniqueStageName(t *testing.T) {
	names := make(map[string]int)

	got := []string{
		uniqueStageName(names, "enrich"),
		uniqueStageName(names, "enrich"),
		uniqueStageName(names, "filter"),
	}

	want := []string{"enrich", "enrich_2", "filter"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("name[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBuildPayloadStoreBackends(t *testing.T) {
	pipeline := &config.Pipeline{}
	pipeline.PayloadStore.Backend = "memory"

	if _, err := buildPayloadStore(pipeline); err != nil {
		t.Errorf("memory backend error = %v", err)
	}

	pipeline.PayloadStore.Backend = "filesystem"
	pipeline.PayloadStore.BasePath = t.TempDir()

	if _, err := buildPayloadStore(pipeline); err != nil {
		t.Errorf("filesystem backend error = %v", err)
	}

	pipeline.PayloadStore.Backend = "s3"

	if _, err := buildPayloadStore(pipeline); err == nil {
		t.Error("unknown backend, want error")
	}
}

func TestRunExecutesPipeline(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "in.csv")
	output := filepath.Join(dir, "out.jsonl")

	if err := os.WriteFile(input, []byte("id,name\n1,alpha\n2,beta\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	doc := strings.ReplaceAll(pipelineDoc, "%INPUT%", input)
	doc = strings.ReplaceAll(doc, "%OUTPUT%", output)
	configPath := filepath.Join(dir, "pipeline.yaml")

	if err := os.WriteFile(configPath, []byte(doc), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if err := runRun([]string{"-config", configPath}); err != nil {
		t.Fatalf("runRun() error = %v", err)
	}

	data, err := os.ReadFile(output)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("output lines = %d, want 2: %q", len(lines), data)
	}

	if !strings.Contains(lines[0], `"name":"alpha"`) {
		t.Errorf("first line = %q", lines[0])
	}
}

func TestValidateReportsCompileFailure(t *testing.T) {
	dir := t.TempDir()
	doc := strings.ReplaceAll(pipelineDoc, "%INPUT%", filepath.Join(dir, "in.csv"))
	doc = strings.ReplaceAll(doc, "%OUTPUT%", filepath.Join(dir, "out.jsonl"))
	// Point the datasource at a plugin that is not registered.
	doc = strings.Replace(doc, "plugin: csv", "plugin: parquet", 1)

	configPath := filepath.Join(dir, "pipeline.yaml")
	if err := os.WriteFile(configPath, []byte(doc), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if err := runValidate([]string{"-config", configPath}); err == nil {
		t.Error("runValidate() with unknown plugin, want error")
	}
}
