package mutate_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskgraph/graphd/internal/graph/gerr"
	"github.com/taskgraph/graphd/internal/graph/mutate"
	"github.com/taskgraph/graphd/internal/graph/nodes"
	"github.com/taskgraph/graphd/internal/graph/types"
	"github.com/taskgraph/graphd/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "graph.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newProject(t *testing.T, engine *mutate.Engine, project string) string {
	t.Helper()
	ctx := context.Background()
	var id string
	err := engine.Store.WithTx(ctx, func(tx *store.Tx) error {
		root, err := engine.Nodes.Create(ctx, tx, nodes.CreateInput{Project: project, Summary: project, Discovery: types.DiscoveryDone})
		if err != nil {
			return err
		}
		id = root.ID
		return nil
	})
	require.NoError(t, err)
	return id
}

// Scenario 1: plan() creates a batch parented under a root, in one
// transaction, honoring parent_ref ordering.
func TestPlanCreatesBatchUnderRoot(t *testing.T) {
	st := openTestStore(t)
	engine := mutate.New(st)
	rootID := newProject(t, engine, "demo")

	result, err := engine.Plan(context.Background(), "agent-1", []mutate.PlanNode{
		{Ref: "parent", ParentID: rootID, Project: "demo", Summary: "parent task"},
		{Ref: "child", ParentRef: "parent", Project: "demo", Summary: "child task"},
	})
	require.NoError(t, err)
	require.Len(t, result.Created, 2)
	assert.Equal(t, types.DiscoveryDone, result.Created[0].Discovery, "parent has a batch child, so it's decomposed")
	assert.Equal(t, types.DiscoveryPending, result.Created[1].Discovery)
}

// Scenario 2: plan() rejects a batch whose parent_ref refs form a cycle.
func TestPlanRejectsParentRefCycle(t *testing.T) {
	st := openTestStore(t)
	engine := mutate.New(st)
	rootID := newProject(t, engine, "demo")
	_ = rootID

	_, err := engine.Plan(context.Background(), "agent-1", []mutate.PlanNode{
		{Ref: "a", ParentRef: "b", Project: "demo", Summary: "a"},
		{Ref: "b", ParentRef: "a", Project: "demo", Summary: "b"},
	})
	require.Error(t, err)
	assert.Equal(t, gerr.CodeValidation, gerr.CodeOf(err))
}

// Scenario 3: update() resolving a node without evidence is rejected
// (invariant 5), and succeeds once a note is attached.
func TestUpdateResolveRequiresEvidence(t *testing.T) {
	st := openTestStore(t)
	engine := mutate.New(st)
	rootID := newProject(t, engine, "demo")
	ctx := context.Background()

	plan, err := engine.Plan(ctx, "agent-1", []mutate.PlanNode{
		{Ref: "leaf", ParentID: rootID, Project: "demo", Summary: "leaf"},
	})
	require.NoError(t, err)
	leaf := plan.Created[0]

	resolved := true
	_, err = engine.Update(ctx, "agent-1", []mutate.Update{
		{NodeID: leaf.ID, Resolved: &resolved},
	})
	require.Error(t, err)
	assert.Equal(t, gerr.CodeResolveRequiresEvidence, gerr.CodeOf(err))

	_, err = engine.Update(ctx, "agent-1", []mutate.Update{
		{NodeID: leaf.ID, Resolved: &resolved, ResolvedReason: "done, see commit abc123"},
	})
	require.NoError(t, err)
}

// Scenario 4: strict mode raises the resolve bar to git/test evidence plus
// a context_link.
func TestUpdateStrictModeRequiresGitOrTestEvidence(t *testing.T) {
	st := openTestStore(t)
	engine := mutate.New(st)
	ctx := context.Background()

	strictVal, err := types.NewValue(true)
	require.NoError(t, err)

	var rootID string
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		root, err := engine.Nodes.Create(ctx, tx, nodes.CreateInput{
			Project: "demo", Summary: "demo", Discovery: types.DiscoveryDone,
			Properties: types.Properties{"strict": strictVal},
		})
		if err != nil {
			return err
		}
		rootID = root.ID
		return nil
	})
	require.NoError(t, err)

	plan, err := engine.Plan(ctx, "agent-1", []mutate.PlanNode{
		{Ref: "leaf", ParentID: rootID, Project: "demo", Summary: "leaf"},
	})
	require.NoError(t, err)
	leaf := plan.Created[0]

	resolved := true
	_, err = engine.Update(ctx, "agent-1", []mutate.Update{
		{NodeID: leaf.ID, Resolved: &resolved, AddEvidence: []types.Evidence{{Type: types.EvidenceNote, Ref: "looks done"}}},
	})
	require.Error(t, err)
	assert.Equal(t, gerr.CodeResolveRequiresEvidence, gerr.CodeOf(err))

	_, err = engine.Update(ctx, "agent-1", []mutate.Update{
		{
			NodeID:          leaf.ID,
			Resolved:        &resolved,
			AddContextLinks: []string{"https://example.com/pr/1"},
			AddEvidence:     []types.Evidence{{Type: types.EvidenceGit, Ref: "abc123"}},
		},
	})
	require.NoError(t, err)
}

// Scenario 5: resolving every child auto-resolves the parent, cascading
// up the tree (bounded iteration, not recursion).
func TestUpdateCascadesAutoResolveUpTheTree(t *testing.T) {
	st := openTestStore(t)
	engine := mutate.New(st)
	rootID := newProject(t, engine, "demo")
	ctx := context.Background()

	plan, err := engine.Plan(ctx, "agent-1", []mutate.PlanNode{
		{Ref: "parent", ParentID: rootID, Project: "demo", Summary: "parent"},
		{Ref: "childA", ParentRef: "parent", Project: "demo", Summary: "childA"},
		{Ref: "childB", ParentRef: "parent", Project: "demo", Summary: "childB"},
	})
	require.NoError(t, err)
	var parent, childA, childB *types.Node
	for _, n := range plan.Created {
		switch n.Summary {
		case "parent":
			parent = n
		case "childA":
			childA = n
		case "childB":
			childB = n
		}
	}
	require.NotNil(t, parent)
	require.NotNil(t, childA)
	require.NotNil(t, childB)

	resolved := true
	_, err = engine.Update(ctx, "agent-1", []mutate.Update{
		{NodeID: childA.ID, Resolved: &resolved, ResolvedReason: "done"},
	})
	require.NoError(t, err)

	result, err := engine.Update(ctx, "agent-1", []mutate.Update{
		{NodeID: childB.ID, Resolved: &resolved, ResolvedReason: "done"},
	})
	require.NoError(t, err)

	var refreshed *types.Node
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		refreshed, err = engine.Nodes.GetOrThrow(ctx, tx, parent.ID)
		return err
	})
	require.NoError(t, err)
	assert.True(t, refreshed.Resolved, "parent auto-resolves once both children resolve")
	assert.NotContains(t, result.NewlyActionable, parent.ID, "an auto-resolved parent is resolved, so it is not actionable")
}

// Scenario 6: connect() rejects a depends_on edge that would create a cycle,
// without aborting other edges in the same batch (tolerant batch semantics).
func TestConnectRejectsCycleToleratingOtherEdges(t *testing.T) {
	st := openTestStore(t)
	engine := mutate.New(st)
	rootID := newProject(t, engine, "demo")
	ctx := context.Background()

	plan, err := engine.Plan(ctx, "agent-1", []mutate.PlanNode{
		{Ref: "a", ParentID: rootID, Project: "demo", Summary: "a"},
		{Ref: "b", ParentID: rootID, Project: "demo", Summary: "b"},
		{Ref: "c", ParentID: rootID, Project: "demo", Summary: "c"},
	})
	require.NoError(t, err)
	var a, b, c *types.Node
	for _, n := range plan.Created {
		switch n.Summary {
		case "a":
			a = n
		case "b":
			b = n
		case "c":
			c = n
		}
	}

	result, err := engine.Connect(ctx, "agent-1", []mutate.ConnectOp{
		{From: a.ID, To: b.ID, Type: types.EdgeDependsOn},
	})
	require.NoError(t, err)
	require.Len(t, result.Outcomes, 1)
	assert.True(t, result.Outcomes[0].Accepted)

	result, err = engine.Connect(ctx, "agent-1", []mutate.ConnectOp{
		{From: b.ID, To: a.ID, Type: types.EdgeDependsOn}, // would close a cycle
		{From: a.ID, To: c.ID, Type: types.EdgeDependsOn}, // unrelated, should still land
	})
	require.NoError(t, err)
	require.Len(t, result.Outcomes, 2)
	assert.False(t, result.Outcomes[0].Accepted)
	assert.Equal(t, string(gerr.CodeCycleDetected), result.Outcomes[0].Reason)
	assert.True(t, result.Outcomes[1].Accepted)
}
