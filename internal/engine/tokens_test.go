package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/furrow-io/furrow/internal/canonical"
	"github.com/furrow-io/furrow/internal/landscape"
	"github.com/furrow-io/furrow/internal/plugin"
)

func newTokenFixture(ctx context.Context, t *testing.T) (*TokenManager, string) {
	t.Helper()

	recorder := landscape.NewMemoryRecorder()

	run, err := recorder.BeginRun(ctx, map[string]any{"name": "tokens"}, canonical.Version)
	if err != nil {
		t.Fatalf("BeginRun() error = %v", err)
	}

	return NewTokenManager(recorder), run.RunID
}

func TestForkIsolatesBranchRows(t *testing.T) {
	ctx := context.Background()
	tm, runID := newTokenFixture(ctx, t)

	parent, err := tm.CreateInitialToken(ctx, runID, "source_list_000", 0, plugin.Row{"id": 1, "tags": []any{"a"}}, false)
	if err != nil {
		t.Fatalf("CreateInitialToken() error = %v", err)
	}

	children, forkGroupID, err := tm.Fork(ctx, parent, []string{"left", "right"}, 1)
	if err != nil {
		t.Fatalf("Fork() error = %v", err)
	}

	if len(children) != 2 || forkGroupID == "" {
		t.Fatalf("Fork() = %d children, group %q", len(children), forkGroupID)
	}

	if children[0].BranchName != "left" || children[1].BranchName != "right" {
		t.Errorf("branch names = %q, %q", children[0].BranchName, children[1].BranchName)
	}

	// A mutation in one branch must not leak into the parent or a sibling.
	children[0].Row["id"] = 99
	children[0].Row["tags"].([]any)[0] = "mutated"

	if parent.Row["id"] != 1 {
		t.Errorf("parent row mutated: %v", parent.Row)
	}

	if children[1].Row["id"] != 1 || children[1].Row["tags"].([]any)[0] != "a" {
		t.Errorf("sibling row mutated: %v", children[1].Row)
	}
}

func TestExpandInheritsBranch(t *testing.T) {
	ctx := context.Background()
	tm, runID := newTokenFixture(ctx, t)

	parent, err := tm.CreateInitialToken(ctx, runID, "source_list_000", 0, plugin.Row{"id": 1}, false)
	if err != nil {
		t.Fatalf("CreateInitialToken() error = %v", err)
	}

	forked, _, err := tm.Fork(ctx, parent, []string{"left"}, 1)
	if err != nil {
		t.Fatalf("Fork() error = %v", err)
	}

	children, expandGroupID, err := tm.Expand(ctx, forked[0], []plugin.Row{{"id": 1, "part": 1}, {"id": 1, "part": 2}}, 2)
	if err != nil {
		t.Fatalf("Expand() error = %v", err)
	}

	if len(children) != 2 || expandGroupID == "" {
		t.Fatalf("Expand() = %d children, group %q", len(children), expandGroupID)
	}

	for _, child := range children {
		if child.BranchName != "left" {
			t.Errorf("child branch = %q, want left", child.BranchName)
		}
	}
}

func TestJoinRequiresParents(t *testing.T) {
	ctx := context.Background()
	tm, _ := newTokenFixture(ctx, t)

	_, err := tm.Join(ctx, nil, plugin.Row{}, 2)
	if !errors.Is(err, ErrInvariant) {
		t.Errorf("Join() error = %v, want ErrInvariant", err)
	}
}

func TestUpdateRowPreservesIdentity(t *testing.T) {
	ctx := context.Background()
	tm, runID := newTokenFixture(ctx, t)

	token, err := tm.CreateInitialToken(ctx, runID, "source_list_000", 0, plugin.Row{"id": 1}, false)
	if err != nil {
		t.Fatalf("CreateInitialToken() error = %v", err)
	}

	updated := tm.UpdateRow(token, plugin.Row{"id": 2})

	if updated.TokenID != token.TokenID || updated.RowID != token.RowID {
		t.Errorf("identity changed: %+v vs %+v", updated, token)
	}

	if token.Row["id"] != 1 {
		t.Errorf("original token row changed: %v", token.Row)
	}
}
