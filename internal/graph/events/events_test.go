package events_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskgraph/graphd/internal/graph/events"
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

func TestAppendAndForNodeOrdersNewestFirst(t *testing.T) {
	st := openTestStore(t)
	nodeRepo := nodes.New()
	eventRepo := events.New()
	ctx := context.Background()

	var nodeID string
	err := st.WithTx(ctx, func(tx *store.Tx) error {
		n, err := nodeRepo.Create(ctx, tx, nodes.CreateInput{Project: "demo", Summary: "root", Discovery: types.DiscoveryDone})
		if err != nil {
			return err
		}
		nodeID = n.ID
		if err := eventRepo.Append(ctx, tx, nodeID, "agent-1", types.ActionCreated, nil); err != nil {
			return err
		}
		return eventRepo.Append(ctx, tx, nodeID, "agent-1", types.ActionUpdated, map[string]any{"summary": "changed"})
	})
	require.NoError(t, err)

	var page []*types.Event
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		page, _, err = eventRepo.ForNode(ctx, tx, nodeID, 0, 50)
		return err
	})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, types.ActionUpdated, page[0].Action, "newest event is first")
	assert.Equal(t, types.ActionCreated, page[1].Action)
	assert.Equal(t, "changed", page[0].Changes["summary"])
}

func TestForNodePaginatesWithCursor(t *testing.T) {
	st := openTestStore(t)
	nodeRepo := nodes.New()
	eventRepo := events.New()
	ctx := context.Background()

	var nodeID string
	err := st.WithTx(ctx, func(tx *store.Tx) error {
		n, err := nodeRepo.Create(ctx, tx, nodes.CreateInput{Project: "demo", Summary: "root", Discovery: types.DiscoveryDone})
		if err != nil {
			return err
		}
		nodeID = n.ID
		for i := 0; i < 5; i++ {
			if err := eventRepo.Append(ctx, tx, nodeID, "agent-1", types.ActionUpdated, nil); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	var first []*types.Event
	var cursor int64
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		first, cursor, err = eventRepo.ForNode(ctx, tx, nodeID, 0, 2)
		return err
	})
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.NotZero(t, cursor)

	var second []*types.Event
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		second, _, err = eventRepo.ForNode(ctx, tx, nodeID, cursor, 2)
		return err
	})
	require.NoError(t, err)
	require.Len(t, second, 2)
	for _, f := range first {
		for _, s := range second {
			assert.NotEqual(t, f.ID, s.ID)
		}
	}
}
