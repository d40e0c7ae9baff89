package query_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskgraph/graphd/internal/graph/nodes"
	"github.com/taskgraph/graphd/internal/graph/query"
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

func seedProject(t *testing.T, st *store.Store) (rootID string, leafIDs []string) {
	t.Helper()
	repo := nodes.New()
	ctx := context.Background()
	err := st.WithTx(ctx, func(tx *store.Tx) error {
		root, err := repo.Create(ctx, tx, nodes.CreateInput{Project: "demo", Summary: "root task", Discovery: types.DiscoveryDone})
		if err != nil {
			return err
		}
		rootID = root.ID
		for _, s := range []string{"write docs", "fix bug", "add feature"} {
			n, err := repo.Create(ctx, tx, nodes.CreateInput{Project: "demo", Parent: &root.ID, Summary: s})
			if err != nil {
				return err
			}
			leafIDs = append(leafIDs, n.ID)
		}
		return nil
	})
	require.NoError(t, err)
	return rootID, leafIDs
}

func TestRunRequiresProject(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	err := st.WithTx(ctx, func(tx *store.Tx) error {
		_, err := query.Run(ctx, tx, query.Filter{})
		return err
	})
	require.Error(t, err)
}

func TestRunTextFilter(t *testing.T) {
	st := openTestStore(t)
	seedProject(t, st)
	ctx := context.Background()

	var page *query.Page
	err := st.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		page, err = query.Run(ctx, tx, query.Filter{Project: "demo", Text: "bug"})
		return err
	})
	require.NoError(t, err)
	require.Len(t, page.Nodes, 1)
	assert.Equal(t, "fix bug", page.Nodes[0].Summary)
}

func TestRunIsLeafFilter(t *testing.T) {
	st := openTestStore(t)
	seedProject(t, st)
	ctx := context.Background()

	isLeaf := true
	var page *query.Page
	err := st.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		page, err = query.Run(ctx, tx, query.Filter{Project: "demo", IsLeaf: &isLeaf})
		return err
	})
	require.NoError(t, err)
	assert.Len(t, page.Nodes, 3, "root has children, so only the three leaves pass is_leaf")
}

func TestRunPaginationCursor(t *testing.T) {
	st := openTestStore(t)
	seedProject(t, st)
	ctx := context.Background()

	var first *query.Page
	err := st.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		first, err = query.Run(ctx, tx, query.Filter{Project: "demo", Sort: query.SortCreated, Limit: 2})
		return err
	})
	require.NoError(t, err)
	require.Len(t, first.Nodes, 2)
	require.NotEmpty(t, first.NextCursor)

	var second *query.Page
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		second, err = query.Run(ctx, tx, query.Filter{Project: "demo", Sort: query.SortCreated, Limit: 2, Cursor: first.NextCursor})
		return err
	})
	require.NoError(t, err)
	assert.NotEmpty(t, second.Nodes)
	for _, n := range second.Nodes {
		for _, f := range first.Nodes {
			assert.NotEqual(t, f.ID, n.ID, "the second page must not repeat the first")
		}
	}
}

func TestRunReadinessSortPaginatesAcrossDepthTiesOnUpdatedAt(t *testing.T) {
	st := openTestStore(t)
	repo := nodes.New()
	ctx := context.Background()

	// Two actionable leaves created in the same transaction share an
	// updated_at second but sit at different depths, so readiness sort
	// (actionable DESC, depth DESC, updated_at ASC) ranks them by depth
	// alone. A cursor keyed only on updated_at cannot distinguish them and
	// would drop the deeper one from the second page.
	err := st.WithTx(ctx, func(tx *store.Tx) error {
		root, err := repo.Create(ctx, tx, nodes.CreateInput{Project: "demo", Summary: "root", Discovery: types.DiscoveryDone})
		if err != nil {
			return err
		}
		mid, err := repo.Create(ctx, tx, nodes.CreateInput{Project: "demo", Parent: &root.ID, Summary: "mid", Discovery: types.DiscoveryDone})
		if err != nil {
			return err
		}
		if _, err := repo.Create(ctx, tx, nodes.CreateInput{Project: "demo", Parent: &root.ID, Summary: "shallow leaf"}); err != nil {
			return err
		}
		_, err = repo.Create(ctx, tx, nodes.CreateInput{Project: "demo", Parent: &mid.ID, Summary: "deep leaf"})
		return err
	})
	require.NoError(t, err)

	var seen []string
	var cursor string
	for i := 0; i < 3; i++ {
		var page *query.Page
		err := st.WithTx(ctx, func(tx *store.Tx) error {
			var err error
			page, err = query.Run(ctx, tx, query.Filter{Project: "demo", Sort: query.SortReadiness, Limit: 1, Cursor: cursor})
			return err
		})
		require.NoError(t, err)
		if len(page.Nodes) == 0 {
			break
		}
		for _, n := range page.Nodes {
			seen = append(seen, n.Summary)
		}
		cursor = page.NextCursor
		if cursor == "" {
			break
		}
	}

	assert.Contains(t, seen, "shallow leaf")
	assert.Contains(t, seen, "deep leaf", "a deeper node tied on updated_at with a shallower one must not be dropped across pages")
}

func TestRunAncestorFilter(t *testing.T) {
	st := openTestStore(t)
	rootID, leafIDs := seedProject(t, st)
	ctx := context.Background()

	var page *query.Page
	err := st.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		page, err = query.Run(ctx, tx, query.Filter{Project: "demo", Ancestor: rootID, Limit: 50})
		return err
	})
	require.NoError(t, err)
	assert.Len(t, page.Nodes, len(leafIDs))
}

func TestRunPropertiesFilterMatchesNonStringValues(t *testing.T) {
	st := openTestStore(t)
	repo := nodes.New()
	ctx := context.Background()

	err := st.WithTx(ctx, func(tx *store.Tx) error {
		root, err := repo.Create(ctx, tx, nodes.CreateInput{Project: "demo", Summary: "root", Discovery: types.DiscoveryDone})
		if err != nil {
			return err
		}
		props := types.Properties{}
		if err := props.Set("estimate", 3); err != nil {
			return err
		}
		if err := props.Set("urgent", true); err != nil {
			return err
		}
		if _, err := repo.Create(ctx, tx, nodes.CreateInput{Project: "demo", Parent: &root.ID, Summary: "matches", Properties: props}); err != nil {
			return err
		}
		other := types.Properties{}
		if err := other.Set("estimate", 5); err != nil {
			return err
		}
		_, err = repo.Create(ctx, tx, nodes.CreateInput{Project: "demo", Parent: &root.ID, Summary: "no match", Properties: other})
		return err
	})
	require.NoError(t, err)

	numFilter := types.Properties{}
	require.NoError(t, numFilter.Set("estimate", 3))

	var page *query.Page
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		page, err = query.Run(ctx, tx, query.Filter{Project: "demo", Properties: numFilter})
		return err
	})
	require.NoError(t, err)
	require.Len(t, page.Nodes, 1, "a numeric properties filter must match a numeric stored property")
	assert.Equal(t, "matches", page.Nodes[0].Summary)

	boolFilter := types.Properties{}
	require.NoError(t, boolFilter.Set("urgent", true))

	err = st.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		page, err = query.Run(ctx, tx, query.Filter{Project: "demo", Properties: boolFilter})
		return err
	})
	require.NoError(t, err)
	require.Len(t, page.Nodes, 1, "a boolean properties filter must match a boolean stored property")
	assert.Equal(t, "matches", page.Nodes[0].Summary)
}
