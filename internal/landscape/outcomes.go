package landscape

import (
	"context"
	"fmt"
)

// OutcomeResolver derives terminal row outcomes from audit records at query
// time. Outcomes are never stored: the trail of node states, routing events,
// batch membership and token lineage is the single source of truth, and the
// classification is recomputed from it on demand.
type OutcomeResolver struct {
	reader Reader
}

// NewOutcomeResolver creates a resolver over a reader.
func NewOutcomeResolver(reader Reader) *OutcomeResolver {
	return &OutcomeResolver{reader: reader}
}

// tokenEvidence is everything outcome derivation needs about one token.
type tokenEvidence struct {
	token       *Token
	states      []*NodeState
	events      []*RoutingEvent
	memberships []*BatchMember
	batches     map[string]*Batch
	// children groups this token's direct children by the group kind that
	// created them.
	forkChildren   int
	expandChildren int
	joinChildren   int
	rowQuarantined bool
	runStatus      RunStatus
}

// TokenJourney is the explain read model for one token: its full trail plus
// the derived outcome.
type TokenJourney struct {
	Token       *Token          `json:"token"`
	Outcome     RowOutcome      `json:"outcome"`
	States      []*NodeState    `json:"states"`
	Events      []*RoutingEvent `json:"events"`
	Parents     []*TokenParent  `json:"parents"`
	Memberships []*BatchMember  `json:"memberships"`
}

// RunOutcomes derives the outcome of every token in a run.
func (r *OutcomeResolver) RunOutcomes(ctx context.Context, runID string) (map[string]RowOutcome, error) {
	run, err := r.reader.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	tokens, err := r.reader.ListTokens(ctx, runID)
	if err != nil {
		return nil, err
	}

	// Children counts by parent and by creating group kind.
	forkChildren := make(map[string]int)
	expandChildren := make(map[string]int)
	joinChildren := make(map[string]int)

	for _, token := range tokens {
		parents, err := r.reader.ListTokenParents(ctx, token.TokenID)
		if err != nil {
			return nil, err
		}

		for _, parent := range parents {
			switch {
			case token.ForkGroupID != nil:
				forkChildren[parent.ParentTokenID]++
			case token.ExpandGroupID != nil:
				expandChildren[parent.ParentTokenID]++
			case token.JoinGroupID != nil:
				joinChildren[parent.ParentTokenID]++
			}
		}
	}

	quarantinedRows, err := r.quarantinedRowIDs(ctx, runID)
	if err != nil {
		return nil, err
	}

	batches := make(map[string]*Batch)

	runBatches, err := r.reader.ListBatches(ctx, runID)
	if err != nil {
		return nil, err
	}

	for _, batch := range runBatches {
		batches[batch.BatchID] = batch
	}

	outcomes := make(map[string]RowOutcome, len(tokens))

	for _, token := range tokens {
		evidence, err := r.collectEvidence(ctx, token, batches, run.Status)
		if err != nil {
			return nil, err
		}

		evidence.forkChildren = forkChildren[token.TokenID]
		evidence.expandChildren = expandChildren[token.TokenID]
		evidence.joinChildren = joinChildren[token.TokenID]
		evidence.rowQuarantined = quarantinedRows[token.RowID]

		outcomes[token.TokenID] = deriveOutcome(evidence)
	}

	return outcomes, nil
}

// TokenOutcome derives the outcome of a single token.
func (r *OutcomeResolver) TokenOutcome(ctx context.Context, runID, tokenID string) (RowOutcome, error) {
	outcomes, err := r.RunOutcomes(ctx, runID)
	if err != nil {
		return "", err
	}

	outcome, ok := outcomes[tokenID]
	if !ok {
		return "", fmt.Errorf("token %q: %w", tokenID, ErrNotFound)
	}

	return outcome, nil
}

// ExplainToken assembles the full journey of one token: states ordered by
// started_at then attempt, joined with routing events, batch membership,
// lineage, and the derived outcome.
func (r *OutcomeResolver) ExplainToken(ctx context.Context, runID, tokenID string) (*TokenJourney, error) {
	tokens, err := r.reader.ListTokens(ctx, runID)
	if err != nil {
		return nil, err
	}

	var token *Token

	for _, t := range tokens {
		if t.TokenID == tokenID {
			token = t

			break
		}
	}

	if token == nil {
		return nil, fmt.Errorf("token %q in run %q: %w", tokenID, runID, ErrNotFound)
	}

	outcome, err := r.TokenOutcome(ctx, runID, tokenID)
	if err != nil {
		return nil, err
	}

	states, err := r.reader.ListNodeStates(ctx, tokenID)
	if err != nil {
		return nil, err
	}

	var events []*RoutingEvent

	for _, state := range states {
		stateEvents, err := r.reader.ListRoutingEvents(ctx, state.StateID)
		if err != nil {
			return nil, err
		}

		events = append(events, stateEvents...)
	}

	parents, err := r.reader.ListTokenParents(ctx, tokenID)
	if err != nil {
		return nil, err
	}

	memberships, err := r.reader.BatchMembershipForToken(ctx, tokenID)
	if err != nil {
		return nil, err
	}

	return &TokenJourney{
		Token:       token,
		Outcome:     outcome,
		States:      states,
		Events:      events,
		Parents:     parents,
		Memberships: memberships,
	}, nil
}

func (r *OutcomeResolver) quarantinedRowIDs(ctx context.Context, runID string) (map[string]bool, error) {
	// Quarantine records are keyed by (source_node_id, row_index); map them
	// back to row IDs through the run's rows.
	records, err := r.reader.ListValidationErrors(ctx, runID)
	if err != nil {
		return nil, err
	}

	if len(records) == 0 {
		return map[string]bool{}, nil
	}

	keys := make(map[string]bool, len(records))
	for _, rec := range records {
		keys[rec.SourceNodeID+"|"+fmt.Sprint(rec.RowIndex)] = true
	}

	rows, err := r.reader.ListRows(ctx, runID)
	if err != nil {
		return nil, err
	}

	quarantined := make(map[string]bool)

	for _, row := range rows {
		if keys[row.SourceNodeID+"|"+fmt.Sprint(row.RowIndex)] {
			quarantined[row.RowID] = true
		}
	}

	return quarantined, nil
}

func (r *OutcomeResolver) collectEvidence(
	ctx context.Context,
	token *Token,
	batches map[string]*Batch,
	runStatus RunStatus,
) (*tokenEvidence, error) {
	states, err := r.reader.ListNodeStates(ctx, token.TokenID)
	if err != nil {
		return nil, err
	}

	var events []*RoutingEvent

	for _, state := range states {
		stateEvents, err := r.reader.ListRoutingEvents(ctx, state.StateID)
		if err != nil {
			return nil, err
		}

		events = append(events, stateEvents...)
	}

	memberships, err := r.reader.BatchMembershipForToken(ctx, token.TokenID)
	if err != nil {
		return nil, err
	}

	return &tokenEvidence{
		token:       token,
		states:      states,
		events:      events,
		memberships: memberships,
		batches:     batches,
		runStatus:   runStatus,
	}, nil
}

// deriveOutcome classifies one token from its evidence.
//
// Evaluation order matters: explicit failure beats everything; lineage
// (fork/expand/join children) beats routing; batch membership mediates
// between consumed and continued depending on the batch's fate and whether
// the token's trail resumed after the flush.
func deriveOutcome(e *tokenEvidence) RowOutcome {
	outcome := deriveNaturalOutcome(e)

	// A buffered token in a failed run will never flush; it resolves to
	// failed so that no token is left permanently non-terminal.
	if outcome == OutcomeBuffered && e.runStatus == RunFailed {
		return OutcomeFailed
	}

	return outcome
}

func deriveNaturalOutcome(e *tokenEvidence) RowOutcome {
	for _, state := range e.states {
		if state.Status == StateFailed {
			return OutcomeFailed
		}
	}

	if e.rowQuarantined {
		return OutcomeQuarantined
	}

	// Batch membership: the batch's fate decides, unless the trail resumed
	// after a completed flush (passthrough mode re-dispatches the original
	// tokens).
	if len(e.memberships) > 0 {
		last := e.memberships[len(e.memberships)-1]
		if batch, ok := e.batches[last.BatchID]; ok {
			switch batch.Status {
			case BatchFailed:
				return OutcomeFailed
			case BatchDraft, BatchExecuting:
				return OutcomeBuffered
			case BatchCompleted:
				if !trailResumedAfter(e.states, batch) {
					return OutcomeConsumedInBatch
				}
			}
		}
	}

	if e.forkChildren > 0 {
		return OutcomeForked
	}

	if e.expandChildren > 0 {
		return OutcomeExpanded
	}

	if e.joinChildren > 0 {
		return OutcomeCoalesced
	}

	// A move-mode route terminates the token at the routed sink.
	for _, event := range e.events {
		if event.Kind == RoutingRouteToSink && event.Mode != RouteCopy {
			return OutcomeRouted
		}
	}

	if len(e.states) == 0 {
		return OutcomePending
	}

	last := e.states[len(e.states)-1]
	if last.Status == StateCompleted || last.Status == StateSkipped {
		return OutcomeCompleted
	}

	return OutcomePending
}

// trailResumedAfter reports whether any state completed at or after the
// batch's completion, which marks a passthrough token that continued.
func trailResumedAfter(states []*NodeState, batch *Batch) bool {
	if batch.CompletedAt == nil {
		return false
	}

	for _, state := range states {
		if state.Status == StateCompleted && !state.StartedAt.Before(batch.CreatedAt) &&
			state.CompletedAt != nil && !state.CompletedAt.Before(*batch.CompletedAt) {
			return true
		}
	}

	return false
}
