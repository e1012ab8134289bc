package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/furrow-io/furrow/internal/canonical"
)

// KafkaExporter publishes events to a Kafka topic as canonical JSON.
//
// Messages are keyed by run_id so that all events for one run land on one
// partition in emission order.
type KafkaExporter struct {
	writer *kafka.Writer
}

var _ Exporter = (*KafkaExporter)(nil)

// KafkaConfig configures the Kafka exporter.
type KafkaConfig struct {
	// Brokers lists bootstrap broker addresses.
	Brokers []string `yaml:"brokers"`
	// Topic receives the event stream.
	Topic string `yaml:"topic"`
	// BatchTimeout bounds how long the writer buffers before sending.
	// Zero means 100ms.
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// NewKafkaExporter creates a Kafka exporter. Close must be called to flush
// and release the writer.
func NewKafkaExporter(cfg KafkaConfig) (*KafkaExporter, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka exporter requires at least one broker")
	}

	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka exporter requires a topic")
	}

	batchTimeout := cfg.BatchTimeout
	if batchTimeout == 0 {
		batchTimeout = 100 * time.Millisecond
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: batchTimeout,
	}

	return &KafkaExporter{writer: writer}, nil
}

// Name implements Exporter.
func (e *KafkaExporter) Name() string { return "kafka" }

// Export implements Exporter.
func (e *KafkaExporter) Export(ctx context.Context, event *Event) error {
	payload, err := canonical.Canonicalize(event)
	if err != nil {
		return fmt.Errorf("serialize event %s: %w", event.EventID, err)
	}

	msg := kafka.Message{
		Key:   []byte(event.RunID),
		Value: payload,
	}

	if err := e.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write event %s: %w", event.EventID, err)
	}

	return nil
}

// Flush implements Exporter. The writer sends synchronously per batch, so
// there is nothing additional to push.
func (e *KafkaExporter) Flush(_ context.Context) error { return nil }

// Close implements Exporter.
func (e *KafkaExporter) Close() error {
	if err := e.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}

	return nil
}
