package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/furrow-io/furrow/internal/config"
	"github.com/furrow-io/furrow/internal/dag"
	"github.com/furrow-io/furrow/internal/engine"
	"github.com/furrow-io/furrow/internal/landscape"
	"github.com/furrow-io/furrow/internal/payload"
	"github.com/furrow-io/furrow/internal/plugin"
	"github.com/furrow-io/furrow/internal/plugin/builtin"
	"github.com/furrow-io/furrow/internal/ratelimit"
	"github.com/furrow-io/furrow/internal/telemetry"
)

// runRun executes a pipeline document end to end.
func runRun(args []string) error {
	flags := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := flags.String("config", "", "pipeline document to execute (required)")

	if err := flags.Parse(args); err != nil {
		return err
	}

	if *configPath == "" {
		flags.Usage()

		return fmt.Errorf("-config is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger()

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

	store, err := buildPayloadStore(pipeline)
	if err != nil {
		return err
	}

	recorder, closeRecorder, err := buildRecorder(ctx, pipeline, store, logger)
	if err != nil {
		return err
	}
	defer closeRecorder()

	manager, err := buildTelemetry(pipeline, logger)
	if err != nil {
		return err
	}

	if manager != nil {
		defer func() {
			_ = manager.Close()
		}()
	}

	var limiter plugin.RateLimiter

	if pipeline.RateLimits != nil {
		registry := ratelimit.New(pipeline.RateLimits, logger)
		defer registry.Close()

		limiter = registry
	}

	orch := engine.NewOrchestrator(graph, recorder, manager, store, limiter, built.Options, logger)

	result, runErr := orch.Run(ctx)
	if result != nil {
		fmt.Printf("run %s: %s (processed %d, failed %d, quarantined %d)\n",
			result.RunID, result.Status, result.RowsProcessed, result.RowsFailed, result.RowsQuarantined)
	}

	if runErr != nil {
		return runErr
	}

	if result.Status != landscape.RunCompleted {
		return fmt.Errorf("run %s finished with status %s", result.RunID, result.Status)
	}

	return nil
}

// newLogger builds the CLI's JSON logger. FURROW_LOG_LEVEL selects the
// level, defaulting to info.
func newLogger() *slog.Logger {
	level := slog.LevelInfo

	switch strings.ToLower(os.Getenv("FURROW_LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func buildPayloadStore(p *config.Pipeline) (payload.Store, error) {
	switch p.PayloadStore.Backend {
	case "filesystem":
		return payload.NewFilesystemStore(p.PayloadStore.BasePath)
	case "memory":
		return payload.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown payload store backend %q", p.PayloadStore.Backend)
	}
}

// buildRecorder connects the audit recorder: Postgres when landscape is
// enabled, in-memory otherwise. The returned closer releases the recorder
// and any underlying connection.
func buildRecorder(
	ctx context.Context,
	p *config.Pipeline,
	store payload.Store,
	logger *slog.Logger,
) (landscape.RecorderReader, func(), error) {
	if !p.Landscape.Enabled {
		recorder := landscape.NewMemoryRecorder()

		return recorder, func() { _ = recorder.Close() }, nil
	}

	cfg := landscape.LoadConfig()
	if p.Landscape.URL != "" {
		cfg = landscape.NewConfig(p.Landscape.URL)
	}

	conn, err := landscape.Connect(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	logger.Info("Connected to audit database",
		slog.String("database_url", cfg.MaskDatabaseURL()),
	)

	recorder, err := landscape.NewPostgresRecorder(conn,
		landscape.WithPayloadStore(store, p.PayloadStore.InlineThresholdBytes),
		landscape.WithLogger(logger),
	)
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

// buildTelemetry creates the telemetry manager from the document's exporter
// list. Disabled telemetry returns nil, which the engine treats as off.
func buildTelemetry(p *config.Pipeline, logger *slog.Logger) (*telemetry.Manager, error) {
	if !p.Telemetry.Enabled {
		return nil, nil
	}

	granularity, err := telemetry.ParseGranularity(p.Telemetry.Granularity)
	if err != nil {
		return nil, err
	}

	mode, err := telemetry.ParseBackpressureMode(p.Telemetry.BackpressureMode)
	if err != nil {
		return nil, err
	}

	exporters := make([]telemetry.Exporter, 0, len(p.Telemetry.Exporters))

	for _, settings := range p.Telemetry.Exporters {
		exporter, err := buildExporter(settings, logger)
		if err != nil {
			return nil, err
		}

		exporters = append(exporters, exporter)
	}

	cfg := &telemetry.Config{
		Granularity:                granularity,
		BackpressureMode:           mode,
		FailOnTotalExporterFailure: p.Telemetry.FailOnTotalExporterFailure,
	}

	return telemetry.NewManager(cfg, exporters, logger), nil
}

func buildExporter(settings config.TelemetryExporterSettings, logger *slog.Logger) (telemetry.Exporter, error) {
	switch settings.Name {
	case "log":
		return telemetry.NewLogExporter(logger), nil
	case "kafka":
		var cfg telemetry.KafkaConfig
		if err := decodeOptions(settings.Options, &cfg); err != nil {
			return nil, fmt.Errorf("kafka exporter: %w", err)
		}

		return telemetry.NewKafkaExporter(cfg)
	default:
		return nil, fmt.Errorf("unknown telemetry exporter %q", settings.Name)
	}
}

// decodeOptions maps a generic options map onto a typed config struct
// through its YAML tags.
func decodeOptions(options map[string]any, target any) error {
	data, err := yaml.Marshal(options)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, target)
}
