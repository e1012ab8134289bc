package engine

import (
	"context"
	"fmt"

	"github.com/furrow-io/furrow/internal/landscape"
	"github.com/furrow-io/furrow/internal/plugin"
)

// Token is one row instance flowing along one DAG path: the in-memory half
// of the recorder's token record, carrying the live row data.
type Token struct {
	TokenID string
	RowID   string
	Row     plugin.Row

	BranchName    string
	ForkGroupID   string
	ExpandGroupID string
	JoinGroupID   string
}

// TokenManager creates and derives tokens in lockstep with recorder writes.
// Every lineage operation here commits its audit record before the in-memory
// token exists; a token the recorder does not know about never circulates.
//
// The manager keeps no registry of live tokens. Once a token is handed off
// as a work item, memory ownership follows the work item.
type TokenManager struct {
	recorder landscape.Recorder
}

// NewTokenManager creates a token manager over a recorder.
func NewTokenManager(recorder landscape.Recorder) *TokenManager {
	return &TokenManager{recorder: recorder}
}

// CreateInitialToken records a source row and seeds its first token.
func (m *TokenManager) CreateInitialToken(
	ctx context.Context,
	runID, sourceNodeID string,
	rowIndex int,
	row plugin.Row,
	quarantined bool,
) (*Token, error) {
	record, err := m.recorder.CreateRow(ctx, runID, sourceNodeID, rowIndex, row, quarantined)
	if err != nil {
		return nil, fmt.Errorf("create row %d: %w", rowIndex, err)
	}

	token, err := m.recorder.CreateToken(ctx, record.RowID)
	if err != nil {
		return nil, fmt.Errorf("create token for row %d: %w", rowIndex, err)
	}

	return &Token{TokenID: token.TokenID, RowID: record.RowID, Row: row}, nil
}

// Fork creates one child per branch. Each child's row is a deep copy of the
// parent's: fork hands row data to sibling tokens, and a shallow copy would
// let a mutation in one branch leak into its siblings' lineage.
func (m *TokenManager) Fork(ctx context.Context, parent *Token, branches []string, step int) ([]*Token, string, error) {
	children, forkGroupID, err := m.recorder.ForkToken(ctx, parent.TokenID, parent.RowID, branches, &step)
	if err != nil {
		return nil, "", fmt.Errorf("fork token %s: %w", parent.TokenID, err)
	}

	out := make([]*Token, len(children))

	for i, child := range children {
		branch := ""
		if child.BranchName != nil {
			branch = *child.BranchName
		}

		out[i] = &Token{
			TokenID:     child.TokenID,
			RowID:       parent.RowID,
			Row:         parent.Row.DeepCopy(),
			BranchName:  branch,
			ForkGroupID: forkGroupID,
		}
	}

	return out, forkGroupID, nil
}

// Expand creates one child per output row of a deaggregating transform.
// Children share an expand group and inherit the parent's branch; each row
// is deep-copied for the same reason fork copies.
func (m *TokenManager) Expand(ctx context.Context, parent *Token, rows []plugin.Row, step int) ([]*Token, string, error) {
	children, expandGroupID, err := m.recorder.ExpandToken(ctx, parent.TokenID, parent.RowID, len(rows), &step)
	if err != nil {
		return nil, "", fmt.Errorf("expand token %s: %w", parent.TokenID, err)
	}

	out := make([]*Token, len(children))
	for i, child := range children {
		out[i] = &Token{
			TokenID:       child.TokenID,
			RowID:         parent.RowID,
			Row:           rows[i].DeepCopy(),
			BranchName:    parent.BranchName,
			ExpandGroupID: expandGroupID,
		}
	}

	return out, expandGroupID, nil
}

// Join merges forked siblings into one token carrying the merge output.
// Every parent is linked in the given order.
func (m *TokenManager) Join(ctx context.Context, parents []*Token, merged plugin.Row, step int) (*Token, error) {
	if len(parents) == 0 {
		return nil, fmt.Errorf("%w: join with no parent tokens", ErrInvariant)
	}

	ids := make([]string, len(parents))
	for i, p := range parents {
		ids[i] = p.TokenID
	}

	joined, err := m.recorder.CoalesceTokens(ctx, ids, parents[0].RowID, &step)
	if err != nil {
		return nil, fmt.Errorf("coalesce tokens: %w", err)
	}

	joinGroupID := ""
	if joined.JoinGroupID != nil {
		joinGroupID = *joined.JoinGroupID
	}

	return &Token{
		TokenID:     joined.TokenID,
		RowID:       parents[0].RowID,
		Row:         merged,
		JoinGroupID: joinGroupID,
	}, nil
}

// UpdateRow returns the token with its row data replaced. Identity and
// lineage fields carry over unchanged.
func (m *TokenManager) UpdateRow(token *Token, row plugin.Row) *Token {
	updated := *token
	updated.Row = row

	return &updated
}
