package edges_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskgraph/graphd/internal/graph/edges"
	"github.com/taskgraph/graphd/internal/graph/gerr"
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

func createThree(t *testing.T, st *store.Store, project string) (a, b, c string) {
	t.Helper()
	repo := nodes.New()
	ctx := context.Background()
	err := st.WithTx(ctx, func(tx *store.Tx) error {
		root, err := repo.Create(ctx, tx, nodes.CreateInput{Project: project, Summary: project, Discovery: types.DiscoveryDone})
		if err != nil {
			return err
		}
		na, err := repo.Create(ctx, tx, nodes.CreateInput{Project: project, Parent: &root.ID, Summary: "a"})
		if err != nil {
			return err
		}
		nb, err := repo.Create(ctx, tx, nodes.CreateInput{Project: project, Parent: &root.ID, Summary: "b"})
		if err != nil {
			return err
		}
		nc, err := repo.Create(ctx, tx, nodes.CreateInput{Project: project, Parent: &root.ID, Summary: "c"})
		if err != nil {
			return err
		}
		a, b, c = na.ID, nb.ID, nc.ID
		return nil
	})
	require.NoError(t, err)
	return a, b, c
}

func TestAddEdgeRejectsParentType(t *testing.T) {
	st := openTestStore(t)
	repo := edges.New()
	a, b, _ := createThree(t, st, "demo")
	ctx := context.Background()

	err := st.WithTx(ctx, func(tx *store.Tx) error {
		return repo.AddEdge(ctx, tx, a, b, types.EdgeParent, "agent-1")
	})
	require.Error(t, err)
	assert.Equal(t, gerr.CodeValidation, gerr.CodeOf(err))
}

func TestAddEdgeRejectsCrossProject(t *testing.T) {
	st := openTestStore(t)
	repo := edges.New()
	a, _, _ := createThree(t, st, "proj-a")
	x, _, _ := createThree(t, st, "proj-b")
	ctx := context.Background()

	err := st.WithTx(ctx, func(tx *store.Tx) error {
		return repo.AddEdge(ctx, tx, a, x, types.EdgeDependsOn, "agent-1")
	})
	require.Error(t, err)
	assert.Equal(t, gerr.CodeCrossProjectEdge, gerr.CodeOf(err))
}

func TestAddEdgeRejectsDuplicate(t *testing.T) {
	st := openTestStore(t)
	repo := edges.New()
	a, b, _ := createThree(t, st, "demo")
	ctx := context.Background()

	err := st.WithTx(ctx, func(tx *store.Tx) error {
		return repo.AddEdge(ctx, tx, a, b, types.EdgeDependsOn, "agent-1")
	})
	require.NoError(t, err)

	err = st.WithTx(ctx, func(tx *store.Tx) error {
		return repo.AddEdge(ctx, tx, a, b, types.EdgeDependsOn, "agent-1")
	})
	require.Error(t, err)
	assert.Equal(t, gerr.CodeDuplicateEdge, gerr.CodeOf(err))
}

func TestAddEdgeRejectsCycle(t *testing.T) {
	st := openTestStore(t)
	repo := edges.New()
	a, b, c := createThree(t, st, "demo")
	ctx := context.Background()

	err := st.WithTx(ctx, func(tx *store.Tx) error {
		if err := repo.AddEdge(ctx, tx, a, b, types.EdgeDependsOn, "agent-1"); err != nil {
			return err
		}
		return repo.AddEdge(ctx, tx, b, c, types.EdgeDependsOn, "agent-1")
	})
	require.NoError(t, err)

	err = st.WithTx(ctx, func(tx *store.Tx) error {
		return repo.AddEdge(ctx, tx, c, a, types.EdgeDependsOn, "agent-1")
	})
	require.Error(t, err)
	assert.Equal(t, gerr.CodeCycleDetected, gerr.CodeOf(err))
}

func TestRemoveEdgeIsIdempotent(t *testing.T) {
	st := openTestStore(t)
	repo := edges.New()
	a, b, _ := createThree(t, st, "demo")
	ctx := context.Background()

	err := st.WithTx(ctx, func(tx *store.Tx) error {
		return repo.RemoveEdge(ctx, tx, a, b, types.EdgeDependsOn)
	})
	require.NoError(t, err, "removing a nonexistent edge is not an error")
}

func TestFindNewlyActionableIncludesDependentsOfResolved(t *testing.T) {
	st := openTestStore(t)
	repo := edges.New()
	nodeRepo := nodes.New()
	a, b, _ := createThree(t, st, "demo")
	ctx := context.Background()

	err := st.WithTx(ctx, func(tx *store.Tx) error {
		return repo.AddEdge(ctx, tx, b, a, types.EdgeDependsOn, "agent-1")
	})
	require.NoError(t, err)

	var actionable []string
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		na, err := nodeRepo.GetOrThrow(ctx, tx, a)
		if err != nil {
			return err
		}
		na.Resolved = true
		if err := nodeRepo.Save(ctx, tx, na); err != nil {
			return err
		}
		actionable, err = repo.FindNewlyActionable(ctx, tx, []string{"demo"}, []string{a})
		return err
	})
	require.NoError(t, err)
	assert.Contains(t, actionable, b)
}
