package engine

import (
	"fmt"
	"time"

	"github.com/furrow-io/furrow/internal/landscape"
	"github.com/furrow-io/furrow/internal/plugin"
	"github.com/furrow-io/furrow/internal/telemetry"
)

// SinkExecutor wraps sink writes. An artifact is recorded only after the
// write succeeded; a failed write leaves a failed state and no artifact.
// Non-idempotent sinks get exactly one attempt per token regardless of the
// retry policy, because replaying their write is not safe.
type SinkExecutor struct {
	recorder  landscape.Recorder
	telemetry *telemetry.Manager
	retry     RetryPolicy

	sleep func(time.Duration)
}

// NewSinkExecutor creates a sink executor.
func NewSinkExecutor(recorder landscape.Recorder, tel *telemetry.Manager, retry RetryPolicy) *SinkExecutor {
	return &SinkExecutor{
		recorder:  recorder,
		telemetry: tel,
		retry:     retry.normalized(),
		sleep:     time.Sleep,
	}
}

// Execute writes one token's row to a sink. A nil return means the write
// succeeded and its artifact is recorded. Audit failures are returned
// wrapped in landscape.ErrAudit; write failures after the retry budget are
// returned as plain errors for the processor to classify.
func (e *SinkExecutor) Execute(pctx *plugin.Context, sink plugin.Sink, sinkNodeID string, step int, token *Token) error {
	maxAttempts := e.retry.MaxAttempts
	if !sink.Idempotent() {
		maxAttempts = 1
	}

	for attempt := 1; ; attempt++ {
		state, err := e.recorder.BeginNodeState(pctx.Context(), landscape.BeginNodeStateInput{
			TokenID:   token.TokenID,
			RunID:     pctx.RunID,
			NodeID:    sinkNodeID,
			StepIndex: step,
			Attempt:   attempt,
			InputData: token.Row,
		})
		if err != nil {
			return fmt.Errorf("begin state for %s: %w", sinkNodeID, err)
		}

		pctx.StateID = state.StateID
		e.emit(pctx, token, state.StateID, telemetry.EventNodeStarted, "", attempt, nil)

		started := time.Now()
		descriptor, writeErr := sink.Write(pctx, token.Row)
		durationMS := float64(time.Since(started)) / float64(time.Millisecond)

		if writeErr == nil {
			if err := e.completeWrite(pctx, state.StateID, token, descriptor, sinkNodeID, durationMS); err != nil {
				return err
			}

			e.emit(pctx, token, state.StateID, telemetry.EventNodeCompleted, string(landscape.StateCompleted), attempt, &durationMS)

			return nil
		}

		status := landscape.StateFailed
		if attempt < maxAttempts {
			status = landscape.StateRetried
		}

		err = e.recorder.CompleteNodeState(pctx.Context(), landscape.CompleteNodeStateInput{
			StateID:    state.StateID,
			Status:     status,
			DurationMS: durationMS,
			ErrorInfo:  map[string]any{"message": writeErr.Error()},
		})
		if err != nil {
			return fmt.Errorf("complete state %s: %w", state.StateID, err)
		}

		e.emit(pctx, token, state.StateID, telemetry.EventNodeCompleted, string(status), attempt, &durationMS)

		if status == landscape.StateFailed {
			return fmt.Errorf("sink %s write: %w", sinkNodeID, writeErr)
		}

		e.sleep(e.retry.Delay(attempt))
	}
}

func (e *SinkExecutor) completeWrite(
	pctx *plugin.Context,
	stateID string,
	token *Token,
	descriptor *plugin.ArtifactDescriptor,
	sinkNodeID string,
	durationMS float64,
) error {
	err := e.recorder.CompleteNodeState(pctx.Context(), landscape.CompleteNodeStateInput{
		StateID:    stateID,
		Status:     landscape.StateCompleted,
		OutputData: token.Row,
		DurationMS: durationMS,
	})
	if err != nil {
		return fmt.Errorf("complete state %s: %w", stateID, err)
	}

	if descriptor == nil {
		return nil
	}

	_, err = e.recorder.RecordArtifact(pctx.Context(), landscape.ArtifactInput{
		StateID:        stateID,
		RunID:          pctx.RunID,
		SinkNodeID:     sinkNodeID,
		Kind:           descriptor.Kind,
		PathOrURI:      descriptor.PathOrURI,
		ContentHash:    descriptor.ContentHash,
		SizeBytes:      descriptor.SizeBytes,
		IdempotencyKey: descriptor.IdempotencyKey,
	})
	if err != nil {
		return fmt.Errorf("record artifact for %s: %w", sinkNodeID, err)
	}

	return nil
}

func (e *SinkExecutor) emit(pctx *plugin.Context, token *Token, stateID string, t telemetry.EventType, status string, attempt int, durationMS *float64) {
	if e.telemetry == nil {
		return
	}

	event := telemetry.NewEvent(t, pctx.RunID)
	event.NodeID = pctx.NodeID
	event.TokenID = token.TokenID
	event.StateID = stateID
	event.Status = status
	event.Attempt = attempt
	event.DurationMS = durationMS
	e.telemetry.Emit(event)
}
