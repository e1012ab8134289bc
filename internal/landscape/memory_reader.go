package landscape

import (
	"context"
	"fmt"
	"sort"
)

// Reader methods for MemoryRecorder. All list methods return copies in
// deterministic order: insertion order for per-run lists, started_at then
// attempt for node states.

func copySlice[T any](in []*T) []*T {
	out := make([]*T, len(in))
	for i, v := range in {
		c := *v
		out[i] = &c
	}

	return out
}

// GetRun returns a run by ID.
func (r *MemoryRecorder) GetRun(ctx context.Context, runID string) (*Run, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	run, ok := r.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %q: %w", runID, ErrNotFound)
	}

	out := *run

	return &out, nil
}

// ListNodes returns a run's nodes in registration order.
func (r *MemoryRecorder) ListNodes(ctx context.Context, runID string) ([]*Node, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	return copySlice(r.nodesByRun[runID]), nil
}

// ListEdges returns a run's edges in registration order.
func (r *MemoryRecorder) ListEdges(ctx context.Context, runID string) ([]*Edge, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	return copySlice(r.edgesByRun[runID]), nil
}

// ListRows returns a run's rows in creation order.
func (r *MemoryRecorder) ListRows(ctx context.Context, runID string) ([]*Row, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	return copySlice(r.rowsByRun[runID]), nil
}

// ListTokens returns a run's tokens in creation order.
func (r *MemoryRecorder) ListTokens(ctx context.Context, runID string) ([]*Token, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	return copySlice(r.tokensByRun[runID]), nil
}

// ListTokenParents returns a token's parent edges ordered by ordinal.
func (r *MemoryRecorder) ListTokenParents(ctx context.Context, tokenID string) ([]*TokenParent, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	parents := copySlice(r.parentsByChild[tokenID])
	sort.SliceStable(parents, func(i, j int) bool { return parents[i].Ordinal < parents[j].Ordinal })

	return parents, nil
}

// ListNodeStates returns a token's states ordered by started_at, tiebroken
// by attempt.
func (r *MemoryRecorder) ListNodeStates(ctx context.Context, tokenID string) ([]*NodeState, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	states := copySlice(r.statesByToken[tokenID])
	sort.SliceStable(states, func(i, j int) bool {
		if states[i].StartedAt.Equal(states[j].StartedAt) {
			return states[i].Attempt < states[j].Attempt
		}

		return states[i].StartedAt.Before(states[j].StartedAt)
	})

	return states, nil
}

// ListRoutingEvents returns a state's routing events in recording order.
func (r *MemoryRecorder) ListRoutingEvents(ctx context.Context, stateID string) ([]*RoutingEvent, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	return copySlice(r.eventsByState[stateID]), nil
}

// ListBatches returns a run's batches in creation order.
func (r *MemoryRecorder) ListBatches(ctx context.Context, runID string) ([]*Batch, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	return copySlice(r.batchesByRun[runID]), nil
}

// ListBatchMembers returns a batch's members ordered by ordinal.
func (r *MemoryRecorder) ListBatchMembers(ctx context.Context, batchID string) ([]*BatchMember, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	members := copySlice(r.membersByBatch[batchID])
	sort.SliceStable(members, func(i, j int) bool { return members[i].Ordinal < members[j].Ordinal })

	return members, nil
}

// ListBatchOutputs returns a batch's outputs ordered by ordinal.
func (r *MemoryRecorder) ListBatchOutputs(ctx context.Context, batchID string) ([]*BatchOutput, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	outputs := copySlice(r.outputsByBatch[batchID])
	sort.SliceStable(outputs, func(i, j int) bool { return outputs[i].Ordinal < outputs[j].Ordinal })

	return outputs, nil
}

// ListArtifacts returns a run's artifacts in recording order.
func (r *MemoryRecorder) ListArtifacts(ctx context.Context, runID string) ([]*Artifact, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	return copySlice(r.artifactsByRun[runID]), nil
}

// ListCalls returns a state's external calls ordered by call index.
func (r *MemoryRecorder) ListCalls(ctx context.Context, stateID string) ([]*Call, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	calls := copySlice(r.callsByState[stateID])
	sort.SliceStable(calls, func(i, j int) bool { return calls[i].CallIndex < calls[j].CallIndex })

	return calls, nil
}

// ListValidationErrors returns a run's quarantine records in order.
func (r *MemoryRecorder) ListValidationErrors(ctx context.Context, runID string) ([]*ValidationError, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	return copySlice(r.validationByRun[runID]), nil
}

// BatchMembershipForToken returns the memberships a token appears in.
func (r *MemoryRecorder) BatchMembershipForToken(ctx context.Context, tokenID string) ([]*BatchMember, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	return copySlice(r.membersByToken[tokenID]), nil
}

// GetBatch returns a batch by ID.
func (r *MemoryRecorder) GetBatch(ctx context.Context, batchID string) (*Batch, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	batch, ok := r.batches[batchID]
	if !ok {
		return nil, fmt.Errorf("batch %q: %w", batchID, ErrNotFound)
	}

	out := *batch

	return &out, nil
}
