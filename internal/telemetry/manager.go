package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultQueueCapacity bounds the event queue between producers and the
	// consumer goroutine.
	DefaultQueueCapacity = 1000

	// defaultMaxConsecutiveFailures disables telemetry after this many
	// consecutive events on which every exporter failed.
	defaultMaxConsecutiveFailures = 10

	// logInterval throttles drop and failure logging to one line per this
	// many occurrences.
	logInterval = 100

	// shutdownTimeout bounds how long Close waits for the consumer to
	// drain the queue.
	shutdownTimeout = 10 * time.Second
)

// blockTimeout bounds how long a producer waits in BLOCK mode before giving
// up on the event. It exists to keep a wedged consumer from deadlocking the
// pipeline; timed-out events are counted separately from drops. Variable so
// tests can shorten the stall.
var blockTimeout = 30 * time.Second

// ErrExporterFailure is returned when every exporter failed repeatedly and
// the manager is configured to fail the run in response.
var ErrExporterFailure = errors.New("all telemetry exporters failing")

// BackpressureMode selects producer behavior when the queue is full.
type BackpressureMode string

// Backpressure modes.
const (
	// BackpressureBlock slows the pipeline until the queue has room. The
	// safe default: no events are lost while exporters are merely slow.
	BackpressureBlock BackpressureMode = "block"
	// BackpressureDrop discards events when the queue is full. Lossy, but
	// exporters can never stall the pipeline.
	BackpressureDrop BackpressureMode = "drop"
)

// ParseBackpressureMode validates a configured mode string.
func ParseBackpressureMode(s string) (BackpressureMode, error) {
	switch m := BackpressureMode(s); m {
	case BackpressureBlock, BackpressureDrop:
		return m, nil
	case "":
		return BackpressureBlock, nil
	default:
		return "", fmt.Errorf("unknown telemetry backpressure mode %q", s)
	}
}

// Config configures the manager.
type Config struct {
	Granularity      Granularity
	BackpressureMode BackpressureMode
	// FailOnTotalExporterFailure makes repeated total exporter failure a
	// run-level error instead of silently disabling telemetry.
	FailOnTotalExporterFailure bool
	// MaxConsecutiveFailures overrides the disable threshold. Zero means
	// the default of 10.
	MaxConsecutiveFailures int
	// QueueCapacity overrides the queue size. Zero means the default of
	// 1000.
	QueueCapacity int
}

// HealthMetrics is a point-in-time snapshot of manager health.
type HealthMetrics struct {
	EventsEmitted            int64
	EventsDropped            int64
	EventsTimedOut           int64
	ExporterFailures         map[string]int64
	ConsecutiveTotalFailures int
	Disabled                 bool
	QueueDepth               int
	QueueCapacity            int
}

// Manager fans events out to exporters through a bounded queue drained by a
// single consumer goroutine. One failing exporter never blocks the others,
// and exporter health never gates pipeline progress beyond the configured
// backpressure mode.
type Manager struct {
	granularity Granularity
	mode        BackpressureMode
	failOnTotal bool
	maxFailures int
	exporters   []Exporter
	logger      *slog.Logger

	events       chan *Event
	stop         chan struct{}
	consumerDone chan struct{}
	closeOnce    sync.Once

	mu          sync.Mutex
	emitted     int64
	dropped     int64
	timedOut    int64
	failures    map[string]int64
	consecutive int
	disabled    bool
	storedErr   error
}

// NewManager creates a manager and starts its consumer goroutine. Close must
// be called to drain the queue and release the exporters.
func NewManager(cfg *Config, exporters []Exporter, logger *slog.Logger) *Manager {
	if cfg == nil {
		cfg = &Config{}
	}

	if logger == nil {
		logger = slog.Default()
	}

	granularity := cfg.Granularity
	if granularity == "" {
		granularity = GranularityLifecycle
	}

	mode := cfg.BackpressureMode
	if mode == "" {
		mode = BackpressureBlock
	}

	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}

	maxFailures := cfg.MaxConsecutiveFailures
	if maxFailures <= 0 {
		maxFailures = defaultMaxConsecutiveFailures
	}

	m := &Manager{
		granularity:  granularity,
		mode:         mode,
		failOnTotal:  cfg.FailOnTotalExporterFailure,
		maxFailures:  maxFailures,
		exporters:    exporters,
		logger:       logger,
		events:       make(chan *Event, capacity),
		stop:         make(chan struct{}),
		consumerDone: make(chan struct{}),
		failures:     make(map[string]int64),
	}

	go m.consume()

	return m
}

// Emit enqueues an event for export. Events below the configured granularity
// are filtered out before touching the queue. Emit never returns an error:
// telemetry problems surface through Flush, Close, and HealthMetrics.
//
// In BLOCK mode a producer waits at most blockTimeout for queue space, so a
// stalled consumer cannot deadlock the pipeline. An event abandoned that way
// counts under EventsTimedOut; EventsDropped stays at zero in BLOCK mode.
func (m *Manager) Emit(event *Event) {
	if event == nil || !m.granularity.Includes(event.Type) {
		return
	}

	select {
	case <-m.stop:
		return
	default:
	}

	// The consumer exiting without a shutdown means it stopped on its own.
	// Refuse further events rather than filling the queue forever.
	select {
	case <-m.consumerDone:
		m.disable("telemetry consumer stopped unexpectedly")

		return
	default:
	}

	if m.isDisabled() {
		return
	}

	switch m.mode {
	case BackpressureDrop:
		select {
		case m.events <- event:
		default:
			m.countDrop()
		}
	default:
		timer := time.NewTimer(blockTimeout)
		defer timer.Stop()

		select {
		case m.events <- event:
		case <-timer.C:
			m.countTimeout()
		case <-m.stop:
		}
	}
}

// consume drains the queue and fans each event out to every exporter. A nil
// event is the shutdown sentinel.
func (m *Manager) consume() {
	defer close(m.consumerDone)

	ctx := context.Background()

	for event := range m.events {
		if event == nil {
			return
		}

		if event.barrier != nil {
			close(event.barrier)

			continue
		}

		m.export(ctx, event)
	}
}

func (m *Manager) export(ctx context.Context, event *Event) {
	anySucceeded := len(m.exporters) == 0

	for _, exporter := range m.exporters {
		if err := exporter.Export(ctx, event); err != nil {
			m.countFailure(exporter.Name(), err)

			continue
		}

		anySucceeded = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if anySucceeded {
		m.emitted++
		m.consecutive = 0

		return
	}

	m.consecutive++
	if m.consecutive < m.maxFailures || m.disabled {
		return
	}

	m.disabled = true

	if m.failOnTotal {
		m.storedErr = fmt.Errorf("%w: %d consecutive events lost", ErrExporterFailure, m.consecutive)
		m.logger.Error("all telemetry exporters failing, marking run for failure",
			slog.Int("consecutive_failures", m.consecutive),
		)

		return
	}

	m.logger.Error("all telemetry exporters failing, disabling telemetry",
		slog.Int("consecutive_failures", m.consecutive),
	)
}

func (m *Manager) countDrop() {
	m.mu.Lock()
	m.dropped++
	dropped := m.dropped
	m.mu.Unlock()

	if dropped == 1 || dropped%logInterval == 0 {
		m.logger.Warn("telemetry events dropped",
			slog.Int64("total_dropped", dropped),
			slog.String("backpressure_mode", string(m.mode)),
		)
	}
}

// countTimeout records a BLOCK-mode producer that gave up waiting. Kept
// separate from drops: under BLOCK the drop counter stays at zero unless the
// consumer has stalled past blockTimeout.
func (m *Manager) countTimeout() {
	m.mu.Lock()
	m.timedOut++
	timedOut := m.timedOut
	m.mu.Unlock()

	if timedOut == 1 || timedOut%logInterval == 0 {
		m.logger.Warn("telemetry producer timed out waiting for queue space",
			slog.Int64("total_timed_out", timedOut),
			slog.Duration("block_timeout", blockTimeout),
		)
	}
}

func (m *Manager) countFailure(name string, err error) {
	m.mu.Lock()
	m.failures[name]++
	count := m.failures[name]
	m.mu.Unlock()

	if count == 1 || count%logInterval == 0 {
		m.logger.Warn("telemetry exporter failing",
			slog.String("exporter", name),
			slog.Int64("total_failures", count),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) disable(reason string) {
	m.mu.Lock()
	alreadyDisabled := m.disabled
	m.disabled = true
	m.mu.Unlock()

	if !alreadyDisabled {
		m.logger.Error("telemetry disabled", slog.String("reason", reason))
	}
}

func (m *Manager) isDisabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.disabled
}

// HealthMetrics returns a snapshot of manager health counters.
func (m *Manager) HealthMetrics() HealthMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	failures := make(map[string]int64, len(m.failures))
	for name, count := range m.failures {
		failures[name] = count
	}

	return HealthMetrics{
		EventsEmitted:            m.emitted,
		EventsDropped:            m.dropped,
		EventsTimedOut:           m.timedOut,
		ExporterFailures:         failures,
		ConsecutiveTotalFailures: m.consecutive,
		Disabled:                 m.disabled,
		QueueDepth:               len(m.events),
		QueueCapacity:            cap(m.events),
	}
}

// Flush waits until every event enqueued so far has been exported, flushes
// the exporters, and reports any stored total-failure error.
func (m *Manager) Flush(ctx context.Context) error {
	barrier := &Event{barrier: make(chan struct{})}

	select {
	case m.events <- barrier:
		select {
		case <-barrier.barrier:
		case <-ctx.Done():
			return fmt.Errorf("flush telemetry queue: %w", ctx.Err())
		case <-m.consumerDone:
		}
	case <-ctx.Done():
		return fmt.Errorf("flush telemetry queue: %w", ctx.Err())
	case <-m.stop:
	case <-m.consumerDone:
	}

	for _, exporter := range m.exporters {
		if err := exporter.Flush(ctx); err != nil {
			m.countFailure(exporter.Name(), err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.storedErr
}

// Close shuts the manager down: refuse new events, send the shutdown
// sentinel (discarding queued events if the queue is wedged full), wait for
// the consumer to drain, then flush and close the exporters. Safe to call
// multiple times; only the first call does the work.
func (m *Manager) Close() error {
	var closeErr error

	m.closeOnce.Do(func() {
		close(m.stop)

		// Producers check stop before sending, so the queue can only
		// shrink from here. If it is wedged full anyway, discard events
		// to make room for the sentinel.
		for {
			select {
			case m.events <- nil:
			default:
				select {
				case <-m.events:
					m.countDrop()
				default:
				}

				continue
			}

			break
		}

		select {
		case <-m.consumerDone:
		case <-time.After(shutdownTimeout):
			m.logger.Warn("telemetry consumer did not drain before timeout",
				slog.Duration("timeout", shutdownTimeout),
			)
		}

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error

		for _, exporter := range m.exporters {
			if err := exporter.Flush(ctx); err != nil {
				errs = append(errs, fmt.Errorf("flush exporter %s: %w", exporter.Name(), err))
			}

			if err := exporter.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close exporter %s: %w", exporter.Name(), err))
			}
		}

		m.mu.Lock()
		if m.storedErr != nil {
			errs = append(errs, m.storedErr)
		}
		m.mu.Unlock()

		closeErr = errors.Join(errs...)
	})

	return closeErr
}
