package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/furrow-io/furrow/internal/ratelimit"
	"github.com/furrow-io/furrow/internal/telemetry"
)

// ErrInvalidPipeline is returned when a pipeline document fails validation.
var ErrInvalidPipeline = errors.New("invalid pipeline configuration")

// DefaultInlineThresholdBytes matches the recorder's default for payload
// externalization.
const DefaultInlineThresholdBytes = 8192

// Duration is a time.Duration that unmarshals from YAML as either a Go
// duration string ("250ms") or a number of seconds (0.25).
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler. Numeric scalars also decode as
// strings in yaml.v3, so the node tag decides which form applies.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Tag == "!!int" || value.Tag == "!!float" {
		var seconds float64
		if err := value.Decode(&seconds); err != nil {
			return fmt.Errorf("invalid duration value at line %d: %w", value.Line, err)
		}

		*d = Duration(time.Duration(seconds * float64(time.Second)))

		return nil
	}

	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration value at line %d: %w", value.Line, err)
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)

	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// DatasourceSettings configures the single source of a pipeline.
type DatasourceSettings struct {
	Plugin  string         `yaml:"plugin"`
	Options map[string]any `yaml:"options"`
	// OnValidationFailure names the quarantine sink for rows that fail
	// source schema validation, or "discard". Empty means discard.
	OnValidationFailure string `yaml:"on_validation_failure"`
}

// SinkSettings configures one named sink.
type SinkSettings struct {
	Plugin  string         `yaml:"plugin"`
	Options map[string]any `yaml:"options"`
}

// Row plugin types.
const (
	RowPluginTransform   = "transform"
	RowPluginGate        = "gate"
	RowPluginAggregation = "aggregation"
)

// RowPluginSettings configures one stage on the row-processing spine, in
// declaration order.
type RowPluginSettings struct {
	Plugin  string         `yaml:"plugin"`
	Type    string         `yaml:"type"`
	Options map[string]any `yaml:"options"`
	// Routes maps a gate's route labels to sink names, or "continue" to
	// stay on the spine.
	Routes map[string]string `yaml:"routes"`
	// ForkBranches declares the branch names a gate may fork to. Every
	// branch must land in a coalesce branch list or match a sink name.
	ForkBranches []string `yaml:"fork_branches"`
}

// CoalesceSettings declares a join point for forked branches.
type CoalesceSettings struct {
	Name     string         `yaml:"name"`
	Branches []string       `yaml:"branches"`
	Plugin   string         `yaml:"plugin"`
	Options  map[string]any `yaml:"options"`
	// Policy is require_all, quorum, or best_effort.
	Policy          string   `yaml:"policy"`
	QuorumThreshold int      `yaml:"quorum_threshold"`
	Timeout         Duration `yaml:"timeout"`
}

// LandscapeSettings configures the audit recorder.
type LandscapeSettings struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// ConcurrencySettings configures the worker pool.
type ConcurrencySettings struct {
	// MaxWorkers is the number of work-item workers. Zero or one means
	// single-threaded cooperative execution.
	MaxWorkers int `yaml:"max_workers"`
}

// RetrySettings configures stage retry behavior.
type RetrySettings struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
	Jitter      Duration `yaml:"jitter"`
}

// PayloadStoreSettings configures the content-addressed payload store.
type PayloadStoreSettings struct {
	// Backend is "filesystem" or "memory".
	Backend              string `yaml:"backend"`
	BasePath             string `yaml:"base_path"`
	InlineThresholdBytes int    `yaml:"inline_threshold_bytes"`
}

// TelemetryExporterSettings configures one telemetry exporter by name.
type TelemetryExporterSettings struct {
	Name    string         `yaml:"name"`
	Options map[string]any `yaml:"options"`
}

// TelemetrySettings configures the telemetry manager.
type TelemetrySettings struct {
	Enabled                    bool                        `yaml:"enabled"`
	Granularity                string                      `yaml:"granularity"`
	BackpressureMode           string                      `yaml:"backpressure_mode"`
	FailOnTotalExporterFailure bool                        `yaml:"fail_on_total_exporter_failure"`
	Exporters                  []TelemetryExporterSettings `yaml:"exporters"`
}

// Pipeline is one validated pipeline document: a datasource, an ordered
// spine of row plugins, named sinks, and the engine settings around them.
type Pipeline struct {
	Datasource   DatasourceSettings      `yaml:"datasource"`
	RowPlugins   []RowPluginSettings     `yaml:"row_plugins"`
	Sinks        map[string]SinkSettings `yaml:"sinks"`
	OutputSink   string                  `yaml:"output_sink"`
	Coalesce     []CoalesceSettings      `yaml:"coalesce"`
	Landscape    LandscapeSettings       `yaml:"landscape"`
	Concurrency  ConcurrencySettings     `yaml:"concurrency"`
	Retry        RetrySettings           `yaml:"retry"`
	PayloadStore PayloadStoreSettings    `yaml:"payload_store"`
	Telemetry    TelemetrySettings       `yaml:"telemetry"`
	RateLimits   *ratelimit.Config       `yaml:"rate_limits"`
}

// LoadPipeline reads, parses, validates, and fingerprints a pipeline
// document from disk.
func LoadPipeline(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline config %s: %w", path, err)
	}

	return ParsePipeline(data)
}

// ParsePipeline parses, validates, and fingerprints a pipeline document.
// Secret-like plugin options are replaced with HMAC fingerprints before
// anything downstream can hash or record them.
func ParsePipeline(data []byte) (*Pipeline, error) {
	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: parse: %w", ErrInvalidPipeline, err)
	}

	p.applyDefaults()

	if err := p.Validate(); err != nil {
		return nil, err
	}

	if err := p.fingerprintSecrets(); err != nil {
		return nil, err
	}

	return &p, nil
}

func (p *Pipeline) applyDefaults() {
	if p.Retry.MaxAttempts <= 0 {
		p.Retry.MaxAttempts = 1
	}

	if p.Concurrency.MaxWorkers <= 0 {
		p.Concurrency.MaxWorkers = 1
	}

	if p.PayloadStore.Backend == "" {
		p.PayloadStore.Backend = "memory"
	}

	if p.PayloadStore.InlineThresholdBytes <= 0 {
		p.PayloadStore.InlineThresholdBytes = DefaultInlineThresholdBytes
	}

	if p.Telemetry.Granularity == "" {
		p.Telemetry.Granularity = string(telemetry.GranularityLifecycle)
	}

	if p.Telemetry.BackpressureMode == "" {
		p.Telemetry.BackpressureMode = string(telemetry.BackpressureBlock)
	}

	for i := range p.Coalesce {
		if p.Coalesce[i].Policy == "" {
			p.Coalesce[i].Policy = "require_all"
		}
	}
}

// Validate checks the structural rules a document must satisfy before graph
// compilation. Graph-level rules (schema compatibility, reachability) live
// in the DAG compiler.
func (p *Pipeline) Validate() error {
	if p.Datasource.Plugin == "" {
		return fmt.Errorf("%w: datasource.plugin is required", ErrInvalidPipeline)
	}

	if len(p.Sinks) == 0 {
		return fmt.Errorf("%w: at least one sink is required", ErrInvalidPipeline)
	}

	for name, sink := range p.Sinks {
		if sink.Plugin == "" {
			return fmt.Errorf("%w: sink %q has no plugin", ErrInvalidPipeline, name)
		}
	}

	if p.OutputSink == "" {
		return fmt.Errorf("%w: output_sink is required", ErrInvalidPipeline)
	}

	if _, ok := p.Sinks[p.OutputSink]; !ok {
		return fmt.Errorf("%w: output_sink %q is not a configured sink", ErrInvalidPipeline, p.OutputSink)
	}

	if p.Datasource.OnValidationFailure != "" && p.Datasource.OnValidationFailure != "discard" {
		if _, ok := p.Sinks[p.Datasource.OnValidationFailure]; !ok {
			return fmt.Errorf("%w: on_validation_failure %q is not a configured sink",
				ErrInvalidPipeline, p.Datasource.OnValidationFailure)
		}
	}

	for i, rp := range p.RowPlugins {
		if rp.Plugin == "" {
			return fmt.Errorf("%w: row_plugins[%d] has no plugin", ErrInvalidPipeline, i)
		}

		switch rp.Type {
		case RowPluginTransform, RowPluginAggregation:
			if len(rp.Routes) > 0 || len(rp.ForkBranches) > 0 {
				return fmt.Errorf("%w: row_plugins[%d] (%s) declares routes but is not a gate",
					ErrInvalidPipeline, i, rp.Plugin)
			}
		case RowPluginGate:
			for label, target := range rp.Routes {
				if target == "continue" {
					continue
				}

				if _, ok := p.Sinks[target]; !ok {
					return fmt.Errorf("%w: row_plugins[%d] route %q targets unknown sink %q",
						ErrInvalidPipeline, i, label, target)
				}
			}
		default:
			return fmt.Errorf("%w: row_plugins[%d] has invalid type %q", ErrInvalidPipeline, i, rp.Type)
		}
	}

	for i, c := range p.Coalesce {
		if c.Name == "" {
			return fmt.Errorf("%w: coalesce[%d] has no name", ErrInvalidPipeline, i)
		}

		if len(c.Branches) < 2 {
			return fmt.Errorf("%w: coalesce %q needs at least two branches", ErrInvalidPipeline, c.Name)
		}

		switch c.Policy {
		case "require_all", "best_effort":
		case "quorum":
			if c.QuorumThreshold < 1 || c.QuorumThreshold > len(c.Branches) {
				return fmt.Errorf("%w: coalesce %q quorum_threshold %d out of range [1, %d]",
					ErrInvalidPipeline, c.Name, c.QuorumThreshold, len(c.Branches))
			}
		default:
			return fmt.Errorf("%w: coalesce %q has invalid policy %q", ErrInvalidPipeline, c.Name, c.Policy)
		}
	}

	if p.Landscape.Enabled && p.Landscape.URL == "" {
		return fmt.Errorf("%w: landscape.url is required when landscape is enabled", ErrInvalidPipeline)
	}

	switch p.PayloadStore.Backend {
	case "memory":
	case "filesystem":
		if p.PayloadStore.BasePath == "" {
			return fmt.Errorf("%w: payload_store.base_path is required for the filesystem backend",
				ErrInvalidPipeline)
		}
	default:
		return fmt.Errorf("%w: unknown payload_store.backend %q", ErrInvalidPipeline, p.PayloadStore.Backend)
	}

	if _, err := telemetry.ParseGranularity(p.Telemetry.Granularity); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPipeline, err)
	}

	if _, err := telemetry.ParseBackpressureMode(p.Telemetry.BackpressureMode); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPipeline, err)
	}

	return nil
}

// fingerprintSecrets rewrites every plugin options map in place.
func (p *Pipeline) fingerprintSecrets() error {
	options := []map[string]any{p.Datasource.Options}

	for i := range p.RowPlugins {
		options = append(options, p.RowPlugins[i].Options)
	}

	for i := range p.Coalesce {
		options = append(options, p.Coalesce[i].Options)
	}

	for _, sink := range p.Sinks {
		options = append(options, sink.Options)
	}

	for _, opts := range options {
		if err := FingerprintSecrets(opts); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidPipeline, err)
		}
	}

	return nil
}

// AuditMap renders the whole document as generic maps, the shape the run
// recorder hashes into the run record. Secret options have already been
// fingerprinted by the time a parsed pipeline exists.
func (p *Pipeline) AuditMap() (map[string]any, error) {
	data, err := yaml.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("render pipeline settings: %w", err)
	}

	var out map[string]any
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("render pipeline settings: %w", err)
	}

	return out, nil
}
