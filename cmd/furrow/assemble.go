package main

import (
	"fmt"
	"time"

	"github.com/furrow-io/furrow/internal/config"
	"github.com/furrow-io/furrow/internal/dag"
	"github.com/furrow-io/furrow/internal/engine"
	"github.com/furrow-io/furrow/internal/plugin"
	"github.com/furrow-io/furrow/internal/plugin/builtin"
)

// assembly is a pipeline document resolved into plugin instances and engine
// options, ready for graph compilation.
type assembly struct {
	Set     dag.StageSet
	Options engine.RunOptions
}

// assemblePipeline instantiates every plugin the document names and lays
// the stages out on the spine: row plugins in declaration order, then the
// coalesce points in declaration order.
func assemblePipeline(p *config.Pipeline, plugins *builtin.Set) (*assembly, error) {
	source, err := buildSource(p, plugins)
	if err != nil {
		return nil, err
	}

	sinks := make(map[string]dag.SinkStage, len(p.Sinks))

	for name, settings := range p.Sinks {
		created, err := plugins.Sinks.Create(settings.Plugin, settings.Options)
		if err != nil {
			return nil, fmt.Errorf("sink %q: %w", name, err)
		}

		sink, ok := created.(plugin.Sink)
		if !ok {
			return nil, fmt.Errorf("sink %q: plugin %q does not implement the sink interface", name, settings.Plugin)
		}

		sinks[name] = dag.SinkStage{Plugin: sink, Options: settings.Options}
	}

	stages := make([]dag.Stage, 0, len(p.RowPlugins)+len(p.Coalesce))
	aggregations := make(map[string]engine.AggregationSettings)
	names := make(map[string]int)

	for _, rp := range p.RowPlugins {
		stage, err := buildRowStage(rp, plugins)
		if err != nil {
			return nil, err
		}

		stage.Name = uniqueStageName(names, rp.Plugin)

		if stage.Kind == dag.StageAggregation {
			settings, err := aggregationSettings(rp.Options)
			if err != nil {
				return nil, fmt.Errorf("aggregation %q: %w", stage.Name, err)
			}

			aggregations[stage.Name] = settings
		}

		stages = append(stages, stage)
	}

	for _, cs := range p.Coalesce {
		stage, err := buildCoalesceStage(cs, plugins)
		if err != nil {
			return nil, err
		}

		stages = append(stages, stage)
	}

	settings, err := p.AuditMap()
	if err != nil {
		return nil, err
	}

	return &assembly{
		Set: dag.StageSet{
			Source:        source,
			SourceOptions: p.Datasource.Options,
			Stages:        stages,
			Sinks:         sinks,
			OutputSink:    p.OutputSink,
		},
		Options: engine.RunOptions{
			MaxWorkers: p.Concurrency.MaxWorkers,
			Retry: engine.RetryPolicy{
				MaxAttempts: p.Retry.MaxAttempts,
				BaseDelay:   p.Retry.BaseDelay.Std(),
				MaxDelay:    p.Retry.MaxDelay.Std(),
				Jitter:      p.Retry.Jitter.Std(),
			},
			Settings:     settings,
			Aggregations: aggregations,
		},
	}, nil
}

func buildSource(p *config.Pipeline, plugins *builtin.Set) (plugin.Source, error) {
	// The quarantine destination lives on the datasource block, not in the
	// plugin options, so it is injected before construction. "discard" maps
	// to the empty value sources report for discarding.
	options := make(map[string]any, len(p.Datasource.Options)+1)
	for k, v := range p.Datasource.Options {
		options[k] = v
	}

	if q := p.Datasource.OnValidationFailure; q != "" && q != "discard" {
		options["on_validation_failure"] = q
	}

	created, err := plugins.Sources.Create(p.Datasource.Plugin, options)
	if err != nil {
		return nil, fmt.Errorf("datasource: %w", err)
	}

	source, ok := created.(plugin.Source)
	if !ok {
		return nil, fmt.Errorf("datasource: plugin %q does not implement the source interface", p.Datasource.Plugin)
	}

	return source, nil
}

func buildRowStage(rp config.RowPluginSettings, plugins *builtin.Set) (dag.Stage, error) {
	var (
		registry *plugin.Registry
		kind     dag.StageKind
	)

	switch rp.Type {
	case config.RowPluginTransform:
		registry, kind = plugins.Transforms, dag.StageTransform
	case config.RowPluginGate:
		registry, kind = plugins.Gates, dag.StageGate
	case config.RowPluginAggregation:
		registry, kind = plugins.Aggregations, dag.StageAggregation
	default:
		return dag.Stage{}, fmt.Errorf("row plugin %q: unknown type %q", rp.Plugin, rp.Type)
	}

	created, err := registry.Create(rp.Plugin, rp.Options)
	if err != nil {
		return dag.Stage{}, fmt.Errorf("row plugin %q: %w", rp.Plugin, err)
	}

	return dag.Stage{
		Kind:         kind,
		Plugin:       created,
		Options:      rp.Options,
		Routes:       rp.Routes,
		ForkBranches: rp.ForkBranches,
	}, nil
}

func buildCoalesceStage(cs config.CoalesceSettings, plugins *builtin.Set) (dag.Stage, error) {
	stage := dag.Stage{
		Name:            cs.Name,
		Kind:            dag.StageCoalesce,
		Options:         cs.Options,
		Branches:        cs.Branches,
		Policy:          cs.Policy,
		QuorumThreshold: cs.QuorumThreshold,
	}

	// No plugin means the engine's default union merge.
	if cs.Plugin != "" {
		created, err := plugins.Coalesces.Create(cs.Plugin, cs.Options)
		if err != nil {
			return dag.Stage{}, fmt.Errorf("coalesce %q: %w", cs.Name, err)
		}

		stage.Plugin = created
	}

	return stage, nil
}

// uniqueStageName disambiguates repeated plugin names along the spine.
func uniqueStageName(names map[string]int, base string) string {
	names[base]++
	if names[base] == 1 {
		return base
	}

	return fmt.Sprintf("%s_%d", base, names[base])
}

// Aggregation output modes accepted in options.
var outputModes = map[string]engine.OutputMode{
	"":            engine.OutputSingle,
	"single":      engine.OutputSingle,
	"passthrough": engine.OutputPassthrough,
	"transform":   engine.OutputTransform,
}

// aggregationSettings reads the engine-facing keys of an aggregation
// stage's options: output_mode plus the trigger thresholds.
func aggregationSettings(options map[string]any) (engine.AggregationSettings, error) {
	mode, err := optionString(options, "output_mode")
	if err != nil {
		return engine.AggregationSettings{}, err
	}

	resolved, ok := outputModes[mode]
	if !ok {
		return engine.AggregationSettings{}, fmt.Errorf("unknown output_mode %q", mode)
	}

	settings := engine.AggregationSettings{Mode: resolved}

	raw, ok := options["trigger"]
	if !ok || raw == nil {
		return settings, nil
	}

	trigger, ok := raw.(map[string]any)
	if !ok {
		return engine.AggregationSettings{}, fmt.Errorf("option %q must be a mapping, got %T", "trigger", raw)
	}

	if settings.Trigger.Count, err = optionInt(trigger, "count"); err != nil {
		return engine.AggregationSettings{}, err
	}

	if settings.Trigger.MaxBytes, err = optionInt(trigger, "max_bytes"); err != nil {
		return engine.AggregationSettings{}, err
	}

	if settings.Trigger.MaxDuration, err = optionDuration(trigger, "max_duration"); err != nil {
		return engine.AggregationSettings{}, err
	}

	return settings, nil
}

func optionString(options map[string]any, key string) (string, error) {
	raw, ok := options[key]
	if !ok || raw == nil {
		return "", nil
	}

	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("option %q must be a string, got %T", key, raw)
	}

	return s, nil
}

func optionInt(options map[string]any, key string) (int, error) {
	raw, ok := options[key]
	if !ok || raw == nil {
		return 0, nil
	}

	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("option %q must be an integer, got %T", key, raw)
	}
}

// optionDuration accepts a Go duration string or a number of seconds, the
// same forms the pipeline loader accepts elsewhere.
func optionDuration(options map[string]any, key string) (time.Duration, error) {
	raw, ok := options[key]
	if !ok || raw == nil {
		return 0, nil
	}

	switch v := raw.(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("option %q: %w", key, err)
		}

		return d, nil
	case int:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	default:
		return 0, fmt.Errorf("option %q must be a duration, got %T", key, raw)
	}
}
