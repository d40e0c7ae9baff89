package store_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskgraph/graphd/internal/store"
)

func TestOpenCreatesDatabaseAndAppliesMigrations(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sub", "graph.db")
	st, err := store.Open(dbPath, nil)
	require.NoError(t, err)
	defer st.Close()

	assert.Equal(t, dbPath, st.Path())

	err = st.WithTx(context.Background(), func(tx *store.Tx) error {
		row := tx.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM nodes`)
		var n int
		return row.Scan(&n)
	})
	require.NoError(t, err, "the nodes table must exist after Open runs migrations")
}

func TestWithTxRollsBackOnError(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "graph.db"), nil)
	require.NoError(t, err)
	defer st.Close()

	sentinel := assert.AnError
	err = st.WithTx(context.Background(), func(tx *store.Tx) error {
		_, err := tx.ExecContext(context.Background(), `
			INSERT INTO nodes (id, project, parent, summary, resolved, blocked, blocked_reason,
				discovery, properties, context_links, evidence, plan, depth, rev, created_at, updated_at)
			VALUES ('n1', 'demo', NULL, 'x', 0, 0, '', 'done', '{}', '[]', '[]', '[]', 0, 1, '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z')
		`)
		if err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	err = st.WithTx(context.Background(), func(tx *store.Tx) error {
		row := tx.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM nodes WHERE id = 'n1'`)
		var n int
		if scanErr := row.Scan(&n); scanErr != nil {
			return scanErr
		}
		assert.Equal(t, 0, n, "a rolled-back transaction must not leave a partial row")
		return nil
	})
	require.NoError(t, err)
}

func TestCheckpointDoesNotError(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "graph.db"), nil)
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.Checkpoint(context.Background()))
}

func TestNowIsUTCTruncatedToSeconds(t *testing.T) {
	got := store.Now()
	assert.Equal(t, got.Location().String(), "UTC")
	assert.Zero(t, got.Nanosecond())
}
