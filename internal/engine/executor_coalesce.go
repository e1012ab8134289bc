package engine

import (
	"fmt"
	"sync"

	"github.com/furrow-io/furrow/internal/landscape"
	"github.com/furrow-io/furrow/internal/plugin"
	"github.com/furrow-io/furrow/internal/telemetry"
)

// CoalescePolicy decides how a join group completes when branches go missing.
type CoalescePolicy string

// Coalesce policies.
const (
	// PolicyRequireAll fails the group unless every branch arrives.
	PolicyRequireAll CoalescePolicy = "require_all"
	// PolicyQuorum merges once the arrived count meets the threshold.
	PolicyQuorum CoalescePolicy = "quorum"
	// PolicyBestEffort merges whatever arrived, needing at least one branch.
	PolicyBestEffort CoalescePolicy = "best_effort"
)

// CoalesceSettings is the per-node join configuration.
type CoalesceSettings struct {
	Name     string
	Branches []string
	Policy   CoalescePolicy
	Quorum   int
	// Plugin merges arrived branch rows; nil selects the deterministic
	// field-union merge.
	Plugin plugin.Coalesce
}

// CoalesceOutcome reports what happened to one branch arrival or loss.
type CoalesceOutcome struct {
	// Held means the group is still waiting on siblings; no result yet.
	Held bool
	// Merged is the joined token, set when this event completed the group.
	Merged *Token
	// Failed is set when the group's policy could not be satisfied or the
	// merge itself errored. Parents carries the arrived tokens that fail
	// with the group.
	Failed        bool
	FailureReason map[string]any
	Parents       []*Token
}

// coalesceGroup tracks one fork group's arrivals at one coalesce node.
type coalesceGroup struct {
	arrived map[string]*Token
	lost    map[string]string
}

func (g *coalesceGroup) accounted() int {
	return len(g.arrived) + len(g.lost)
}

// CoalesceExecutor holds branch tokens until their fork group is fully
// accounted for, then merges or fails the group in one decision. Groups are
// keyed by coalesce name and fork group, so concurrent rows never share a
// join.
type CoalesceExecutor struct {
	recorder  landscape.Recorder
	telemetry *telemetry.Manager
	tokens    *TokenManager

	mu       sync.Mutex
	settings map[string]CoalesceSettings
	groups   map[string]*coalesceGroup
}

// NewCoalesceExecutor creates a coalesce executor.
func NewCoalesceExecutor(recorder landscape.Recorder, tokens *TokenManager, tel *telemetry.Manager) *CoalesceExecutor {
	return &CoalesceExecutor{
		recorder:  recorder,
		telemetry: tel,
		tokens:    tokens,
		settings:  make(map[string]CoalesceSettings),
		groups:    make(map[string]*coalesceGroup),
	}
}

// Configure registers a coalesce node's settings before the run starts.
func (e *CoalesceExecutor) Configure(settings CoalesceSettings) {
	if settings.Policy == "" {
		settings.Policy = PolicyRequireAll
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.settings[settings.Name] = settings
}

// Accept offers one branch token to a coalesce node. The decision is made
// only once every declared branch has arrived or been reported lost, so
// arrival order never changes the result. A returned error is fatal for
// the run.
func (e *CoalesceExecutor) Accept(pctx *plugin.Context, name, nodeID string, step int, token *Token) (*CoalesceOutcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if token.ForkGroupID == "" || token.BranchName == "" {
		return nil, fmt.Errorf("%w: token %s reached coalesce %q without fork lineage", ErrInvariant, token.TokenID, name)
	}

	settings, ok := e.settings[name]
	if !ok {
		return nil, fmt.Errorf("%w: coalesce %q has no settings", ErrInvariant, name)
	}

	group := e.groupFor(name, token.ForkGroupID)

	if _, dup := group.arrived[token.BranchName]; dup {
		return nil, fmt.Errorf("%w: branch %q arrived twice at coalesce %q", ErrInvariant, token.BranchName, name)
	}

	group.arrived[token.BranchName] = token

	if group.accounted() < len(settings.Branches) {
		return &CoalesceOutcome{Held: true}, nil
	}

	return e.decideLocked(pctx, name, nodeID, step, token.ForkGroupID, settings, group)
}

// LoseBranch reports that a branch failed or was routed away before reaching
// the coalesce node. The loss may complete the group's accounting and force
// a decision for the siblings already waiting.
func (e *CoalesceExecutor) LoseBranch(pctx *plugin.Context, name, nodeID string, step int, forkGroupID, branch, reason string) (*CoalesceOutcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	settings, ok := e.settings[name]
	if !ok {
		return nil, fmt.Errorf("%w: coalesce %q has no settings", ErrInvariant, name)
	}

	group := e.groupFor(name, forkGroupID)
	group.lost[branch] = reason

	if group.accounted() < len(settings.Branches) {
		return &CoalesceOutcome{Held: true}, nil
	}

	return e.decideLocked(pctx, name, nodeID, step, forkGroupID, settings, group)
}

// Sweep forces a decision for every group still open at one coalesce node.
// Called after the source is exhausted; by then a missing branch can never
// arrive, so best-effort groups merge what they have and the rest fail.
func (e *CoalesceExecutor) Sweep(pctx *plugin.Context, name, nodeID string, step int) ([]*CoalesceOutcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	settings, ok := e.settings[name]
	if !ok {
		return nil, nil
	}

	prefix := name + "|"

	var outcomes []*CoalesceOutcome

	for key, group := range e.groups {
		if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
			continue
		}

		forkGroupID := key[len(prefix):]

		for _, branch := range settings.Branches {
			if _, ok := group.arrived[branch]; ok {
				continue
			}

			if _, ok := group.lost[branch]; ok {
				continue
			}

			group.lost[branch] = "branch never arrived"
		}

		outcome, err := e.decideLocked(pctx, name, nodeID, step, forkGroupID, settings, group)
		if err != nil {
			return nil, err
		}

		outcomes = append(outcomes, outcome)
	}

	return outcomes, nil
}

func (e *CoalesceExecutor) groupFor(name, forkGroupID string) *coalesceGroup {
	key := name + "|" + forkGroupID

	group, ok := e.groups[key]
	if !ok {
		group = &coalesceGroup{arrived: make(map[string]*Token), lost: make(map[string]string)}
		e.groups[key] = group
	}

	return group
}

// decideLocked resolves a fully accounted group. The group is removed from
// the table either way; a fork group joins at most once.
func (e *CoalesceExecutor) decideLocked(
	pctx *plugin.Context,
	name, nodeID string,
	step int,
	forkGroupID string,
	settings CoalesceSettings,
	group *coalesceGroup,
) (*CoalesceOutcome, error) {
	delete(e.groups, name+"|"+forkGroupID)

	satisfied := false

	switch settings.Policy {
	case PolicyQuorum:
		satisfied = len(group.arrived) >= settings.Quorum
	case PolicyBestEffort:
		satisfied = len(group.arrived) >= 1
	default:
		satisfied = len(group.lost) == 0
	}

	if !satisfied {
		reason := map[string]any{
			"message":    fmt.Sprintf("coalesce %q policy %s unsatisfied: %d of %d branches arrived", name, settings.Policy, len(group.arrived), len(settings.Branches)),
			"lost":       group.lost,
			"fork_group": forkGroupID,
		}

		return e.failGroupLocked(pctx, nodeID, step, group, reason)
	}

	// Parents and the merge input are ordered by the declared branch list,
	// never by arrival order.
	parents := make([]*Token, 0, len(group.arrived))
	branchRows := make(map[string]plugin.Row, len(group.arrived))

	for _, branch := range settings.Branches {
		token, ok := group.arrived[branch]
		if !ok {
			continue
		}

		parents = append(parents, token)
		branchRows[branch] = token.Row
	}

	merged, mergeErr := e.merge(pctx, settings, branchRows)
	if mergeErr != nil {
		reason := map[string]any{"message": fmt.Sprintf("merge failed: %s", mergeErr)}

		return e.failGroupLocked(pctx, nodeID, step, group, reason)
	}

	joined, err := e.tokens.Join(pctx.Context(), parents, merged, step)
	if err != nil {
		return nil, err
	}

	state, err := e.recorder.BeginNodeState(pctx.Context(), landscape.BeginNodeStateInput{
		TokenID:   joined.TokenID,
		RunID:     pctx.RunID,
		NodeID:    nodeID,
		StepIndex: step,
		Attempt:   1,
		InputData: branchRows,
	})
	if err != nil {
		return nil, fmt.Errorf("begin state for %s: %w", nodeID, err)
	}

	pctx.StateID = state.StateID
	e.emit(pctx, joined.TokenID, state.StateID, telemetry.EventNodeStarted, "")

	err = e.recorder.CompleteNodeState(pctx.Context(), landscape.CompleteNodeStateInput{
		StateID:    state.StateID,
		Status:     landscape.StateCompleted,
		OutputData: merged,
	})
	if err != nil {
		return nil, fmt.Errorf("complete state %s: %w", state.StateID, err)
	}

	e.emit(pctx, joined.TokenID, state.StateID, telemetry.EventNodeCompleted, string(landscape.StateCompleted))

	return &CoalesceOutcome{Merged: joined, Parents: parents}, nil
}

// failGroupLocked records a failed state for every waiting token so the
// evidence trail shows where each one died.
func (e *CoalesceExecutor) failGroupLocked(
	pctx *plugin.Context,
	nodeID string,
	step int,
	group *coalesceGroup,
	reason map[string]any,
) (*CoalesceOutcome, error) {
	parents := make([]*Token, 0, len(group.arrived))

	for _, token := range group.arrived {
		state, err := e.recorder.BeginNodeState(pctx.Context(), landscape.BeginNodeStateInput{
			TokenID:   token.TokenID,
			RunID:     pctx.RunID,
			NodeID:    nodeID,
			StepIndex: step,
			Attempt:   1,
			InputData: token.Row,
		})
		if err != nil {
			return nil, fmt.Errorf("begin state for %s: %w", nodeID, err)
		}

		err = e.recorder.CompleteNodeState(pctx.Context(), landscape.CompleteNodeStateInput{
			StateID:   state.StateID,
			Status:    landscape.StateFailed,
			ErrorInfo: reason,
		})
		if err != nil {
			return nil, fmt.Errorf("complete state %s: %w", state.StateID, err)
		}

		e.emit(pctx, token.TokenID, state.StateID, telemetry.EventNodeCompleted, string(landscape.StateFailed))
		parents = append(parents, token)
	}

	return &CoalesceOutcome{Failed: true, FailureReason: reason, Parents: parents}, nil
}

// merge runs the plugin merge, or the default union when no plugin is
// configured. The default copies fields branch by branch in declared order,
// later branches overwriting earlier ones on key collisions.
func (e *CoalesceExecutor) merge(pctx *plugin.Context, settings CoalesceSettings, branchRows map[string]plugin.Row) (plugin.Row, error) {
	if settings.Plugin != nil {
		return settings.Plugin.Merge(pctx, branchRows)
	}

	merged := plugin.Row{}

	for _, branch := range settings.Branches {
		row, ok := branchRows[branch]
		if !ok {
			continue
		}

		for key, value := range row.DeepCopy() {
			merged[key] = value
		}
	}

	return merged, nil
}

func (e *CoalesceExecutor) emit(pctx *plugin.Context, tokenID, stateID string, t telemetry.EventType, status string) {
	if e.telemetry == nil {
		return
	}

	event := telemetry.NewEvent(t, pctx.RunID)
	event.NodeID = pctx.NodeID
	event.TokenID = tokenID
	event.StateID = stateID
	event.Status = status
	e.telemetry.Emit(event)
}
