// Package telemetry provides bounded, asynchronous fan-out of pipeline
// execution events to pluggable exporters.
//
// Telemetry is observational: it never gates pipeline progress on exporter
// health, and every event is emitted only after the corresponding audit
// record has been written. In DROP mode a slow exporter loses events rather
// than slowing the run; DROP absorbs bursts, it is not a fix for a
// persistently lagging exporter.
package telemetry

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType identifies what happened.
type EventType string

// Event types.
const (
	EventRunStarted         EventType = "run_started"
	EventRunFinished        EventType = "run_finished"
	EventNodeStarted        EventType = "node_started"
	EventNodeCompleted      EventType = "node_completed"
	EventRoutingDecided     EventType = "routing_decided"
	EventBatchStatusChanged EventType = "batch_status_changed"
	EventTokenForked        EventType = "token_forked"
	EventTokenExpanded      EventType = "token_expanded"
	EventQuarantine         EventType = "quarantine"
	EventExternalCall       EventType = "external_call"
)

// Granularity selects how verbose the event stream is.
type Granularity string

// Granularity levels, least to most verbose.
const (
	// GranularityLifecycle emits only run start and finish.
	GranularityLifecycle Granularity = "lifecycle"
	// GranularityRows adds row-level events: node states, routing, forks,
	// expansions, batches, quarantines.
	GranularityRows Granularity = "rows"
	// GranularityFull adds external call events (LLM, HTTP).
	GranularityFull Granularity = "full"
)

// ParseGranularity validates a configured granularity string.
func ParseGranularity(s string) (Granularity, error) {
	switch g := Granularity(strings.ToLower(s)); g {
	case GranularityLifecycle, GranularityRows, GranularityFull:
		return g, nil
	default:
		return "", fmt.Errorf("unknown telemetry granularity %q", s)
	}
}

func (g Granularity) rank() int {
	switch g {
	case GranularityLifecycle:
		return 0
	case GranularityRows:
		return 1
	case GranularityFull:
		return 2
	default:
		return 0
	}
}

// Includes reports whether events of the given type are emitted at this
// granularity.
func (g Granularity) Includes(t EventType) bool {
	var required int

	switch t {
	case EventRunStarted, EventRunFinished:
		required = 0
	case EventExternalCall:
		required = 2
	default:
		required = 1
	}

	return g.rank() >= required
}

// Event is one pipeline execution event. Identifier fields beyond RunID are
// populated per type; Fields carries type-specific extras.
type Event struct {
	EventID   string    `json:"event_id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id"`

	NodeID  string `json:"node_id,omitempty"`
	TokenID string `json:"token_id,omitempty"`
	StateID string `json:"state_id,omitempty"`
	BatchID string `json:"batch_id,omitempty"`

	Status     string   `json:"status,omitempty"`
	Attempt    int      `json:"attempt,omitempty"`
	DurationMS *float64 `json:"duration_ms,omitempty"`

	InputHash    string   `json:"input_hash,omitempty"`
	OutputHash   string   `json:"output_hash,omitempty"`
	Destinations []string `json:"destinations,omitempty"`

	Fields map[string]any `json:"fields,omitempty"`

	// barrier is set only on internal flush markers, never on real events.
	barrier chan struct{}
}

// NewEvent creates an event with a fresh ID and the current timestamp.
func NewEvent(t EventType, runID string) *Event {
	return &Event{
		EventID:   strings.ReplaceAll(uuid.NewString(), "-", ""),
		Type:      t,
		Timestamp: time.Now().UTC(),
		RunID:     runID,
	}
}
