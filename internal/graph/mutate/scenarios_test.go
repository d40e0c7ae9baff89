package mutate_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskgraph/graphd/internal/graph/gerr"
	"github.com/taskgraph/graphd/internal/graph/mutate"
	"github.com/taskgraph/graphd/internal/graph/schedule"
	"github.com/taskgraph/graphd/internal/graph/types"
	"github.com/taskgraph/graphd/internal/store"
)

// Integration-style tests covering the six end-to-end scenarios, one test
// per scenario.

func propVal(t *testing.T, v any) types.Value {
	t.Helper()
	val, err := types.NewValue(v)
	require.NoError(t, err)
	return val
}

func resolveNode(t *testing.T, engine *mutate.Engine, agent, nodeID string) *mutate.UpdateResult {
	t.Helper()
	resolved := true
	result, err := engine.Update(context.Background(), agent, []mutate.Update{
		{NodeID: nodeID, Resolved: &resolved, ResolvedReason: "done"},
	})
	require.NoError(t, err)
	return result
}

// Scenario 1: Diamond. D(pri=1) -> B(pri=5,deps=[D]), C(pri=3,deps=[D]) -> A(pri=10,deps=[B,C]).
func TestScenarioDiamond(t *testing.T) {
	st := openTestStore(t)
	engine := mutate.New(st)
	rootID := newProject(t, engine, "diamond")
	ctx := context.Background()

	plan, err := engine.Plan(ctx, "agent-1", []mutate.PlanNode{
		{Ref: "d", ParentID: rootID, Project: "diamond", Summary: "D", Properties: types.Properties{"priority": propVal(t, 1)}},
		{Ref: "b", ParentID: rootID, Project: "diamond", Summary: "B", Properties: types.Properties{"priority": propVal(t, 5)}},
		{Ref: "c", ParentID: rootID, Project: "diamond", Summary: "C", Properties: types.Properties{"priority": propVal(t, 3)}},
		{Ref: "a", ParentID: rootID, Project: "diamond", Summary: "A", Properties: types.Properties{"priority": propVal(t, 10)}},
	})
	require.NoError(t, err)

	byRef := map[string]*types.Node{}
	for _, n := range plan.Created {
		byRef[n.Summary] = n
	}
	d, b, c, a := byRef["D"], byRef["B"], byRef["C"], byRef["A"]

	_, err = engine.Connect(ctx, "agent-1", []mutate.ConnectOp{
		{From: b.ID, To: d.ID, Type: types.EdgeDependsOn},
		{From: c.ID, To: d.ID, Type: types.EdgeDependsOn},
		{From: a.ID, To: b.ID, Type: types.EdgeDependsOn},
		{From: a.ID, To: c.ID, Type: types.EdgeDependsOn},
	})
	require.NoError(t, err)

	sched := schedule.New(st, time.Minute)
	next, err := sched.Next(ctx, schedule.Request{Agent: "agent-1", Project: "diamond"})
	require.NoError(t, err)
	require.Len(t, next.Candidates, 1)
	assert.Equal(t, d.ID, next.Candidates[0].Node.ID, "only D is actionable initially")

	result := resolveNode(t, engine, "agent-1", d.ID)
	assert.ElementsMatch(t, []string{b.ID, c.ID}, result.NewlyActionable)

	resolveNode(t, engine, "agent-1", b.ID)
	next, err = sched.Next(ctx, schedule.Request{Agent: "agent-1", Project: "diamond"})
	require.NoError(t, err)
	require.Len(t, next.Candidates, 1)
	assert.Equal(t, c.ID, next.Candidates[0].Node.ID, "A is still blocked on C")

	result = resolveNode(t, engine, "agent-1", c.ID)
	assert.Contains(t, result.NewlyActionable, a.ID)

	resolveNode(t, engine, "agent-1", a.ID)

	var finalRoot *types.Node
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		finalRoot, err = engine.Nodes.GetOrThrow(ctx, tx, rootID)
		return err
	})
	require.NoError(t, err)
	assert.False(t, finalRoot.Resolved, "root has no discovery-batch parent link auto-resolving it beyond its planned children")
}

// Scenario 2: Fan-in 20. Target depends on 20 siblings; resolving the last
// one makes Target actionable and it outranks the (now-resolved) siblings.
func TestScenarioFanIn20(t *testing.T) {
	st := openTestStore(t)
	engine := mutate.New(st)
	rootID := newProject(t, engine, "fanin")
	ctx := context.Background()

	planNodes := []mutate.PlanNode{
		{Ref: "target", ParentID: rootID, Project: "fanin", Summary: "Target", Properties: types.Properties{"priority": propVal(t, 100)}},
	}
	for i := 0; i < 20; i++ {
		planNodes = append(planNodes, mutate.PlanNode{
			Ref: "sib" + string(rune('a'+i)), ParentID: rootID, Project: "fanin",
			Summary: "sibling", Properties: types.Properties{"priority": propVal(t, 1)},
		})
	}
	plan, err := engine.Plan(ctx, "agent-1", planNodes)
	require.NoError(t, err)

	var target *types.Node
	var siblings []*types.Node
	for _, n := range plan.Created {
		if n.Summary == "Target" {
			target = n
		} else {
			siblings = append(siblings, n)
		}
	}
	require.NotNil(t, target)
	require.Len(t, siblings, 20)

	ops := make([]mutate.ConnectOp, len(siblings))
	for i, s := range siblings {
		ops[i] = mutate.ConnectOp{From: target.ID, To: s.ID, Type: types.EdgeDependsOn}
	}
	_, err = engine.Connect(ctx, "agent-1", ops)
	require.NoError(t, err)

	for i := 0; i < 19; i++ {
		result := resolveNode(t, engine, "agent-1", siblings[i].ID)
		assert.NotContains(t, result.NewlyActionable, target.ID, "target stays blocked until all 20 siblings resolve")
	}

	result := resolveNode(t, engine, "agent-1", siblings[19].ID)
	assert.Contains(t, result.NewlyActionable, target.ID)

	sched := schedule.New(st, time.Minute)
	next, err := sched.Next(ctx, schedule.Request{Agent: "agent-1", Project: "fanin"})
	require.NoError(t, err)
	require.Len(t, next.Candidates, 1)
	assert.Equal(t, target.ID, next.Candidates[0].Node.ID, "target's priority 100 beats any remaining actionable nodes")
}

// Scenario 3: Cycle rejection. A->B OK, B->C OK, C->A rejected.
func TestScenarioCycleRejection(t *testing.T) {
	st := openTestStore(t)
	engine := mutate.New(st)
	rootID := newProject(t, engine, "cyc")
	ctx := context.Background()

	plan, err := engine.Plan(ctx, "agent-1", []mutate.PlanNode{
		{Ref: "a", ParentID: rootID, Project: "cyc", Summary: "a"},
		{Ref: "b", ParentID: rootID, Project: "cyc", Summary: "b"},
		{Ref: "c", ParentID: rootID, Project: "cyc", Summary: "c"},
	})
	require.NoError(t, err)
	byRef := map[string]*types.Node{}
	for _, n := range plan.Created {
		byRef[n.Summary] = n
	}
	a, b, c := byRef["a"], byRef["b"], byRef["c"]

	result, err := engine.Connect(ctx, "agent-1", []mutate.ConnectOp{{From: a.ID, To: b.ID, Type: types.EdgeDependsOn}})
	require.NoError(t, err)
	assert.True(t, result.Outcomes[0].Accepted)

	result, err = engine.Connect(ctx, "agent-1", []mutate.ConnectOp{{From: b.ID, To: c.ID, Type: types.EdgeDependsOn}})
	require.NoError(t, err)
	assert.True(t, result.Outcomes[0].Accepted)

	result, err = engine.Connect(ctx, "agent-1", []mutate.ConnectOp{{From: c.ID, To: a.ID, Type: types.EdgeDependsOn}})
	require.NoError(t, err)
	assert.False(t, result.Outcomes[0].Accepted)
	assert.Equal(t, string(gerr.CodeCycleDetected), result.Outcomes[0].Reason)
}

// Scenario 4: Optimistic concurrency. expected_rev=1 succeeds once; a
// concurrent update with the same stale expected_rev fails wholesale, with
// no other updates in its batch committed.
func TestScenarioOptimisticConcurrency(t *testing.T) {
	st := openTestStore(t)
	engine := mutate.New(st)
	rootID := newProject(t, engine, "optc")
	ctx := context.Background()

	plan, err := engine.Plan(ctx, "agent-1", []mutate.PlanNode{
		{Ref: "leaf", ParentID: rootID, Project: "optc", Summary: "leaf"},
		{Ref: "other", ParentID: rootID, Project: "optc", Summary: "other"},
	})
	require.NoError(t, err)
	byRef := map[string]*types.Node{}
	for _, n := range plan.Created {
		byRef[n.Summary] = n
	}
	leaf, other := byRef["leaf"], byRef["other"]
	require.EqualValues(t, 1, leaf.Rev)

	rev1 := int64(1)
	newSummary := "leaf renamed"
	_, err = engine.Update(ctx, "agent-1", []mutate.Update{
		{NodeID: leaf.ID, ExpectedRev: &rev1, Summary: &newSummary},
	})
	require.NoError(t, err)

	staleSummary := "stale write"
	otherSummary := "should not land"
	_, err = engine.Update(ctx, "agent-2", []mutate.Update{
		{NodeID: leaf.ID, ExpectedRev: &rev1, Summary: &staleSummary},
		{NodeID: other.ID, Summary: &otherSummary},
	})
	require.Error(t, err)
	assert.Equal(t, gerr.CodeRevMismatch, gerr.CodeOf(err))

	var refreshedOther *types.Node
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		refreshedOther, err = engine.Nodes.GetOrThrow(ctx, tx, other.ID)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "other", refreshedOther.Summary, "the whole batch rolled back, not just the rev-mismatched item")
}

// Scenario 5: Auto-resolve cascade with a single child; parent auto-resolves
// with a synthetic note.
func TestScenarioAutoResolveCascadeSingleChild(t *testing.T) {
	st := openTestStore(t)
	engine := mutate.New(st)
	rootID := newProject(t, engine, "autores")
	ctx := context.Background()

	plan, err := engine.Plan(ctx, "agent-1", []mutate.PlanNode{
		{Ref: "parent", ParentID: rootID, Project: "autores", Summary: "parent"},
		{Ref: "child", ParentRef: "parent", Project: "autores", Summary: "child"},
	})
	require.NoError(t, err)
	byRef := map[string]*types.Node{}
	for _, n := range plan.Created {
		byRef[n.Summary] = n
	}
	parent, child := byRef["parent"], byRef["child"]

	resolved := true
	_, err = engine.Update(ctx, "agent-1", []mutate.Update{
		{NodeID: child.ID, Resolved: &resolved, AddEvidence: []types.Evidence{{Type: types.EvidenceNote, Ref: "implemented"}}},
	})
	require.NoError(t, err)

	var refreshedParent *types.Node
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		refreshedParent, err = engine.Nodes.GetOrThrow(ctx, tx, parent.ID)
		return err
	})
	require.NoError(t, err)
	assert.True(t, refreshedParent.Resolved)
	found := false
	for _, ev := range refreshedParent.Evidence {
		if ev.Ref == "auto-resolved: all children complete" {
			found = true
		}
	}
	assert.True(t, found, "parent carries the synthetic auto-resolve note")
}

// Scenario 6: Claim TTL. next(claim=true) claims a node; an immediate
// second call from the same agent re-claims it, refreshing the lease, and
// lists it in your_claims; once the TTL elapses a different agent reclaims it.
func TestScenarioClaimTTL(t *testing.T) {
	st := openTestStore(t)
	engine := mutate.New(st)
	rootID := newProject(t, engine, "claim")
	ctx := context.Background()

	plan, err := engine.Plan(ctx, "agent-1", []mutate.PlanNode{
		{Ref: "leaf", ParentID: rootID, Project: "claim", Summary: "leaf"},
	})
	require.NoError(t, err)
	leaf := plan.Created[0]

	ttl := 50 * time.Millisecond
	sched := schedule.New(st, ttl)

	first, err := sched.Next(ctx, schedule.Request{Agent: "agent-1", Project: "claim", Claim: true})
	require.NoError(t, err)
	require.Len(t, first.Candidates, 1)
	assert.Equal(t, leaf.ID, first.Candidates[0].Node.ID)

	second, err := sched.Next(ctx, schedule.Request{Agent: "agent-1", Project: "claim", Claim: true})
	require.NoError(t, err)
	require.Len(t, second.YourClaims, 1)
	assert.Equal(t, leaf.ID, second.YourClaims[0].ID)

	time.Sleep(ttl + 20*time.Millisecond)

	third, err := sched.Next(ctx, schedule.Request{Agent: "agent-2", Project: "claim", Claim: true})
	require.NoError(t, err)
	require.Len(t, third.Candidates, 1, "TTL elapsed: a different agent can reclaim the lease")
	assert.Equal(t, leaf.ID, third.Candidates[0].Node.ID)
}
