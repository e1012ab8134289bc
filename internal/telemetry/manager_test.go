package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingExporter fails every Export call.
type failingExporter struct {
	err error
}

func (e *failingExporter) Name() string                         { return "failing" }
func (e *failingExporter) Export(context.Context, *Event) error { return e.err }
func (e *failingExporter) Flush(context.Context) error          { return nil }
func (e *failingExporter) Close() error                         { return nil }

// slowExporter blocks every Export call until released.
type slowExporter struct {
	release chan struct{}
}

func (e *slowExporter) Name() string { return "slow" }

func (e *slowExporter) Export(context.Context, *Event) error {
	<-e.release

	return nil
}

func (e *slowExporter) Flush(context.Context) error { return nil }
func (e *slowExporter) Close() error                { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestManagerFanOut(t *testing.T) {
	first := NewMemoryExporter()
	second := NewMemoryExporter()

	m := NewManager(&Config{Granularity: GranularityRows},
		[]Exporter{first, second}, discardLogger())
	defer m.Close()

	m.Emit(NewEvent(EventRunStarted, "run-1"))
	m.Emit(NewEvent(EventNodeCompleted, "run-1"))

	require.NoError(t, m.Flush(context.Background()))

	assert.Len(t, first.Events(), 2)
	assert.Len(t, second.Events(), 2)

	metrics := m.HealthMetrics()
	assert.Equal(t, int64(2), metrics.EventsEmitted)
	assert.Equal(t, int64(0), metrics.EventsDropped)
	assert.False(t, metrics.Disabled)
}

func TestManagerGranularityFilter(t *testing.T) {
	exporter := NewMemoryExporter()

	m := NewManager(&Config{Granularity: GranularityLifecycle},
		[]Exporter{exporter}, discardLogger())
	defer m.Close()

	m.Emit(NewEvent(EventRunStarted, "run-1"))
	m.Emit(NewEvent(EventNodeStarted, "run-1"))
	m.Emit(NewEvent(EventExternalCall, "run-1"))
	m.Emit(NewEvent(EventRunFinished, "run-1"))

	require.NoError(t, m.Flush(context.Background()))

	events := exporter.Events()
	require.Len(t, events, 2)
	assert.Equal(t, EventRunStarted, events[0].Type)
	assert.Equal(t, EventRunFinished, events[1].Type)
}

func TestManagerDropMode(t *testing.T) {
	slow := &slowExporter{release: make(chan struct{})}

	m := NewManager(&Config{
		Granularity:      GranularityRows,
		BackpressureMode: BackpressureDrop,
		QueueCapacity:    1,
	}, []Exporter{slow}, discardLogger())
	defer m.Close()

	// First event occupies the consumer, second fills the queue. Everything
	// after that has nowhere to go.
	m.Emit(NewEvent(EventNodeStarted, "run-1"))

	require.Eventually(t, func() bool {
		return m.HealthMetrics().QueueDepth == 0
	}, time.Second, time.Millisecond)

	m.Emit(NewEvent(EventNodeStarted, "run-1"))
	m.Emit(NewEvent(EventNodeStarted, "run-1"))
	m.Emit(NewEvent(EventNodeStarted, "run-1"))

	dropped := m.HealthMetrics().EventsDropped
	assert.GreaterOrEqual(t, dropped, int64(1))

	close(slow.release)
	require.NoError(t, m.Flush(context.Background()))
}

func TestManagerBlockModeTimeoutCounter(t *testing.T) {
	prev := blockTimeout
	blockTimeout = 20 * time.Millisecond
	t.Cleanup(func() { blockTimeout = prev })

	slow := &slowExporter{release: make(chan struct{})}

	m := NewManager(&Config{
		Granularity:      GranularityRows,
		BackpressureMode: BackpressureBlock,
		QueueCapacity:    1,
	}, []Exporter{slow}, discardLogger())

	// First event occupies the consumer, second fills the queue. The third
	// waits for room and gives up after the block timeout.
	m.Emit(NewEvent(EventNodeStarted, "run-1"))

	require.Eventually(t, func() bool {
		return m.HealthMetrics().QueueDepth == 0
	}, time.Second, time.Millisecond)

	m.Emit(NewEvent(EventNodeStarted, "run-1"))
	m.Emit(NewEvent(EventNodeStarted, "run-1"))

	metrics := m.HealthMetrics()
	assert.Equal(t, int64(1), metrics.EventsTimedOut)
	assert.Equal(t, int64(0), metrics.EventsDropped)

	close(slow.release)
	require.NoError(t, m.Flush(context.Background()))
	require.NoError(t, m.Close())
}

func TestManagerFailureIsolation(t *testing.T) {
	failing := &failingExporter{err: errors.New("endpoint down")}
	healthy := NewMemoryExporter()

	m := NewManager(&Config{Granularity: GranularityRows},
		[]Exporter{failing, healthy}, discardLogger())
	defer m.Close()

	for i := 0; i < 5; i++ {
		m.Emit(NewEvent(EventNodeCompleted, "run-1"))
	}

	require.NoError(t, m.Flush(context.Background()))

	// The healthy exporter saw everything despite its neighbor failing.
	assert.Len(t, healthy.Events(), 5)

	metrics := m.HealthMetrics()
	assert.Equal(t, int64(5), metrics.EventsEmitted)
	assert.Equal(t, int64(5), metrics.ExporterFailures["failing"])
	assert.Equal(t, 0, metrics.ConsecutiveTotalFailures)
	assert.False(t, metrics.Disabled)
}

func TestManagerTotalFailureDisables(t *testing.T) {
	failing := &failingExporter{err: errors.New("endpoint down")}

	m := NewManager(&Config{
		Granularity:            GranularityRows,
		MaxConsecutiveFailures: 3,
	}, []Exporter{failing}, discardLogger())
	defer m.Close()

	for i := 0; i < 5; i++ {
		m.Emit(NewEvent(EventNodeCompleted, "run-1"))
	}

	require.NoError(t, m.Flush(context.Background()))

	metrics := m.HealthMetrics()
	assert.True(t, metrics.Disabled)
	assert.Equal(t, int64(0), metrics.EventsEmitted)
}

func TestManagerTotalFailureStoresError(t *testing.T) {
	failing := &failingExporter{err: errors.New("endpoint down")}

	m := NewManager(&Config{
		Granularity:                GranularityRows,
		MaxConsecutiveFailures:     3,
		FailOnTotalExporterFailure: true,
	}, []Exporter{failing}, discardLogger())

	for i := 0; i < 3; i++ {
		m.Emit(NewEvent(EventNodeCompleted, "run-1"))
	}

	err := m.Flush(context.Background())
	require.ErrorIs(t, err, ErrExporterFailure)

	// Close surfaces the stored error too.
	assert.ErrorIs(t, m.Close(), ErrExporterFailure)
}

func TestManagerClose(t *testing.T) {
	exporter := NewMemoryExporter()

	m := NewManager(&Config{Granularity: GranularityRows},
		[]Exporter{exporter}, discardLogger())

	m.Emit(NewEvent(EventNodeStarted, "run-1"))

	require.NoError(t, m.Close())
	require.NoError(t, m.Close()) // Safe to call twice.

	assert.True(t, exporter.Closed())
	assert.Len(t, exporter.Events(), 1)

	// Events after close are silently refused.
	m.Emit(NewEvent(EventNodeStarted, "run-1"))
	assert.Len(t, exporter.Events(), 1)
}

func TestParseBackpressureMode(t *testing.T) {
	got, err := ParseBackpressureMode("drop")
	require.NoError(t, err)
	assert.Equal(t, BackpressureDrop, got)

	got, err = ParseBackpressureMode("")
	require.NoError(t, err)
	assert.Equal(t, BackpressureBlock, got)

	_, err = ParseBackpressureMode("slow")
	require.Error(t, err)
}
