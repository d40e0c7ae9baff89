package mutate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskgraph/graphd/internal/graph/edges"
	"github.com/taskgraph/graphd/internal/graph/mutate"
	"github.com/taskgraph/graphd/internal/graph/nodes"
	"github.com/taskgraph/graphd/internal/graph/types"
	"github.com/taskgraph/graphd/internal/store"
)

func newTestEngine(t *testing.T) (*mutate.Engine, *store.Store) {
	t.Helper()
	st := openTestStore(t)
	return mutate.New(st), st
}

func TestRestructureMoveReparentsAndRecomputesDepth(t *testing.T) {
	engine, st := newTestEngine(t)
	ctx := context.Background()
	repo := nodes.New()

	var branchA, branchB, leaf string
	err := st.WithTx(ctx, func(tx *store.Tx) error {
		root, err := repo.Create(ctx, tx, nodes.CreateInput{Project: "demo", Summary: "root", Discovery: types.DiscoveryDone})
		if err != nil {
			return err
		}
		a, err := repo.Create(ctx, tx, nodes.CreateInput{Project: "demo", Parent: &root.ID, Summary: "branch a", Discovery: types.DiscoveryDone})
		if err != nil {
			return err
		}
		b, err := repo.Create(ctx, tx, nodes.CreateInput{Project: "demo", Parent: &root.ID, Summary: "branch b", Discovery: types.DiscoveryDone})
		if err != nil {
			return err
		}
		l, err := repo.Create(ctx, tx, nodes.CreateInput{Project: "demo", Parent: &a.ID, Summary: "leaf"})
		if err != nil {
			return err
		}
		branchA, branchB, leaf = a.ID, b.ID, l.ID
		return nil
	})
	require.NoError(t, err)
	_ = branchA

	_, err = engine.Restructure(ctx, "agent-1", []mutate.RestructureOp{
		{Kind: mutate.RestructureMove, Node: leaf, NewParent: branchB},
	})
	require.NoError(t, err)

	var moved *types.Node
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		moved, err = repo.GetOrThrow(ctx, tx, leaf)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, branchB, *moved.Parent)
	assert.Equal(t, 2, moved.Depth)
}

func TestRestructureMoveRejectsCreatingACycle(t *testing.T) {
	engine, st := newTestEngine(t)
	ctx := context.Background()
	repo := nodes.New()

	var parent, child string
	err := st.WithTx(ctx, func(tx *store.Tx) error {
		root, err := repo.Create(ctx, tx, nodes.CreateInput{Project: "demo", Summary: "root", Discovery: types.DiscoveryDone})
		if err != nil {
			return err
		}
		p, err := repo.Create(ctx, tx, nodes.CreateInput{Project: "demo", Parent: &root.ID, Summary: "parent", Discovery: types.DiscoveryDone})
		if err != nil {
			return err
		}
		c, err := repo.Create(ctx, tx, nodes.CreateInput{Project: "demo", Parent: &p.ID, Summary: "child"})
		if err != nil {
			return err
		}
		parent, child = p.ID, c.ID
		return nil
	})
	require.NoError(t, err)

	_, err = engine.Restructure(ctx, "agent-1", []mutate.RestructureOp{
		{Kind: mutate.RestructureMove, Node: parent, NewParent: child},
	})
	require.Error(t, err)
}

func TestRestructureMergeRedirectsChildrenAndEdges(t *testing.T) {
	engine, st := newTestEngine(t)
	ctx := context.Background()
	repo := nodes.New()
	edgeRepo := edges.New()

	var source, target, sourceChild, other string
	err := st.WithTx(ctx, func(tx *store.Tx) error {
		root, err := repo.Create(ctx, tx, nodes.CreateInput{Project: "demo", Summary: "root", Discovery: types.DiscoveryDone})
		if err != nil {
			return err
		}
		s, err := repo.Create(ctx, tx, nodes.CreateInput{Project: "demo", Parent: &root.ID, Summary: "source", Discovery: types.DiscoveryDone})
		if err != nil {
			return err
		}
		tg, err := repo.Create(ctx, tx, nodes.CreateInput{Project: "demo", Parent: &root.ID, Summary: "target", Discovery: types.DiscoveryDone})
		if err != nil {
			return err
		}
		sc, err := repo.Create(ctx, tx, nodes.CreateInput{Project: "demo", Parent: &s.ID, Summary: "source child"})
		if err != nil {
			return err
		}
		o, err := repo.Create(ctx, tx, nodes.CreateInput{Project: "demo", Parent: &root.ID, Summary: "other"})
		if err != nil {
			return err
		}
		if err := edgeRepo.AddEdge(ctx, tx, o.ID, s.ID, types.EdgeDependsOn, "agent-1"); err != nil {
			return err
		}
		source, target, sourceChild, other = s.ID, tg.ID, sc.ID, o.ID
		return nil
	})
	require.NoError(t, err)

	_, err = engine.Restructure(ctx, "agent-1", []mutate.RestructureOp{
		{Kind: mutate.RestructureMerge, Node: source, Target: target},
	})
	require.NoError(t, err)

	err = st.WithTx(ctx, func(tx *store.Tx) error {
		n, err := repo.Get(ctx, tx, source)
		if err != nil {
			return err
		}
		assert.Nil(t, n, "merge source is hard-deleted")

		child, err := repo.GetOrThrow(ctx, tx, sourceChild)
		if err != nil {
			return err
		}
		assert.Equal(t, target, *child.Parent, "source's children are reparented onto target")

		otherEdges, err := edgeRepo.EdgesFrom(ctx, tx, other)
		if err != nil {
			return err
		}
		require.Len(t, otherEdges, 1)
		assert.Equal(t, target, otherEdges[0].To, "edges touching source are redirected to target")
		return nil
	})
	require.NoError(t, err)
}

func TestRestructureDropRequiresReason(t *testing.T) {
	engine, st := newTestEngine(t)
	ctx := context.Background()
	repo := nodes.New()

	var nodeID string
	err := st.WithTx(ctx, func(tx *store.Tx) error {
		root, err := repo.Create(ctx, tx, nodes.CreateInput{Project: "demo", Summary: "root", Discovery: types.DiscoveryDone})
		if err != nil {
			return err
		}
		n, err := repo.Create(ctx, tx, nodes.CreateInput{Project: "demo", Parent: &root.ID, Summary: "leaf"})
		if err != nil {
			return err
		}
		nodeID = n.ID
		return nil
	})
	require.NoError(t, err)

	_, err = engine.Restructure(ctx, "agent-1", []mutate.RestructureOp{{Kind: mutate.RestructureDrop, Node: nodeID}})
	require.Error(t, err)

	_, err = engine.Restructure(ctx, "agent-1", []mutate.RestructureOp{{Kind: mutate.RestructureDrop, Node: nodeID, Reason: "no longer needed"}})
	require.NoError(t, err)

	err = st.WithTx(ctx, func(tx *store.Tx) error {
		n, err := repo.GetOrThrow(ctx, tx, nodeID)
		if err != nil {
			return err
		}
		assert.True(t, n.Resolved)
		return nil
	})
	require.NoError(t, err)
}

func TestRestructureDeleteRejectsRootWithEvidence(t *testing.T) {
	engine, st := newTestEngine(t)
	ctx := context.Background()
	repo := nodes.New()

	var rootID string
	err := st.WithTx(ctx, func(tx *store.Tx) error {
		root, err := repo.Create(ctx, tx, nodes.CreateInput{Project: "demo", Summary: "root", Discovery: types.DiscoveryDone})
		if err != nil {
			return err
		}
		root.Evidence = []types.Evidence{{Type: types.EvidenceGit, Ref: "abc", Agent: "agent-1", Timestamp: store.Now()}}
		root.Rev++
		root.UpdatedAt = store.Now()
		rootID = root.ID
		return repo.Save(ctx, tx, root)
	})
	require.NoError(t, err)

	_, err = engine.Restructure(ctx, "agent-1", []mutate.RestructureOp{{Kind: mutate.RestructureDelete, Node: rootID}})
	require.Error(t, err)
}
