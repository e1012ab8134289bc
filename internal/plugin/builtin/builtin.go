// Package builtin provides the file-backed plugins that ship with the
// engine: CSV and JSON Lines sources and sinks. Domain plugins register
// alongside them through the same per-kind registries.
package builtin

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/furrow-io/furrow/internal/plugin"
	"github.com/furrow-io/furrow/internal/schema"
)

// Version stamps every builtin plugin's audit records.
const Version = "1.0.0"

// Set groups one registry per plugin kind. Names are scoped to a kind, so a
// source and a sink may share a name without colliding.
type Set struct {
	Sources      *plugin.Registry
	Transforms   *plugin.Registry
	Gates        *plugin.Registry
	Aggregations *plugin.Registry
	Coalesces    *plugin.Registry
	Sinks        *plugin.Registry
}

// NewSet creates the per-kind registries with every builtin registered.
func NewSet() *Set {
	s := &Set{
		Sources:      plugin.NewRegistry(),
		Transforms:   plugin.NewRegistry(),
		Gates:        plugin.NewRegistry(),
		Aggregations: plugin.NewRegistry(),
		Coalesces:    plugin.NewRegistry(),
		Sinks:        plugin.NewRegistry(),
	}

	// Registering a fixed name twice into a fresh registry cannot fail.
	_ = s.Sources.Register("csv", NewCSVSource)
	_ = s.Sources.Register("jsonl", NewJSONLSource)
	_ = s.Sinks.Register("csv", NewCSVSink)
	_ = s.Sinks.Register("jsonl", NewJSONLSink)

	return s
}

// schemaOption parses the "schema" entry of an options map. The entry is
// the same YAML shape schema.Parse accepts, already decoded into generic
// maps by the pipeline loader.
func schemaOption(options map[string]any, key string) (*schema.Schema, error) {
	raw, ok := options[key]
	if !ok || raw == nil {
		return nil, fmt.Errorf("option %q is required", key)
	}

	data, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("option %q: %w", key, err)
	}

	parsed, err := schema.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("option %q: %w", key, err)
	}

	return parsed, nil
}

func stringOption(options map[string]any, key, fallback string) (string, error) {
	raw, ok := options[key]
	if !ok || raw == nil {
		return fallback, nil
	}

	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("option %q must be a string, got %T", key, raw)
	}

	return s, nil
}

func requiredStringOption(options map[string]any, key string) (string, error) {
	s, err := stringOption(options, key, "")
	if err != nil {
		return "", err
	}

	if s == "" {
		return "", fmt.Errorf("option %q is required", key)
	}

	return s, nil
}

func intOption(options map[string]any, key string, fallback int) (int, error) {
	raw, ok := options[key]
	if !ok || raw == nil {
		return fallback, nil
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

