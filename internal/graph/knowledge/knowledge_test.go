package knowledge_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskgraph/graphd/internal/graph/gerr"
	"github.com/taskgraph/graphd/internal/graph/knowledge"
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

func TestWriteThenReadRoundTrips(t *testing.T) {
	st := openTestStore(t)
	repo := knowledge.New()
	ctx := context.Background()

	err := st.WithTx(ctx, func(tx *store.Tx) error {
		_, err := repo.Write(ctx, tx, knowledge.WriteInput{
			Project: "demo", Key: "auth-flow", Content: "uses OAuth2 PKCE", Category: types.CategoryArchitecture, Agent: "agent-1",
		})
		return err
	})
	require.NoError(t, err)

	var entry *types.KnowledgeEntry
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		entry, err = repo.Read(ctx, tx, "demo", "auth-flow")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "uses OAuth2 PKCE", entry.Content)
	assert.Equal(t, types.CategoryArchitecture, entry.Category)
	assert.Equal(t, "agent-1", entry.CreatedBy)
}

func TestWriteUpsertPreservesOriginalAuthor(t *testing.T) {
	st := openTestStore(t)
	repo := knowledge.New()
	ctx := context.Background()

	err := st.WithTx(ctx, func(tx *store.Tx) error {
		_, err := repo.Write(ctx, tx, knowledge.WriteInput{Project: "demo", Key: "k", Content: "v1", Agent: "agent-1"})
		return err
	})
	require.NoError(t, err)

	err = st.WithTx(ctx, func(tx *store.Tx) error {
		_, err := repo.Write(ctx, tx, knowledge.WriteInput{Project: "demo", Key: "k", Content: "v2", Agent: "agent-2"})
		return err
	})
	require.NoError(t, err)

	var entry *types.KnowledgeEntry
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		entry, err = repo.Read(ctx, tx, "demo", "k")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "v2", entry.Content)
	assert.Equal(t, "agent-1", entry.CreatedBy, "the original author is preserved across upserts")
}

func TestWriteRejectsUnknownCategory(t *testing.T) {
	st := openTestStore(t)
	repo := knowledge.New()
	ctx := context.Background()

	err := st.WithTx(ctx, func(tx *store.Tx) error {
		_, err := repo.Write(ctx, tx, knowledge.WriteInput{Project: "demo", Key: "k", Content: "v", Category: "bogus", Agent: "agent-1"})
		return err
	})
	require.Error(t, err)
	assert.Equal(t, gerr.CodeInvalidCategory, gerr.CodeOf(err))
}

func TestWriteFlagsSimilarKeys(t *testing.T) {
	st := openTestStore(t)
	repo := knowledge.New()
	ctx := context.Background()

	err := st.WithTx(ctx, func(tx *store.Tx) error {
		_, err := repo.Write(ctx, tx, knowledge.WriteInput{Project: "demo", Key: "auth-flow-design", Content: "v1", Agent: "agent-1"})
		return err
	})
	require.NoError(t, err)

	var outcome *knowledge.WriteOutcome
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		outcome, err = repo.Write(ctx, tx, knowledge.WriteInput{Project: "demo", Key: "auth-flow-designs", Content: "v2", Agent: "agent-1"})
		return err
	})
	require.NoError(t, err)
	assert.Contains(t, outcome.SimilarKeys, "auth-flow-design")
}

func TestDeleteIsNotFoundForMissingKey(t *testing.T) {
	st := openTestStore(t)
	repo := knowledge.New()
	ctx := context.Background()

	err := st.WithTx(ctx, func(tx *store.Tx) error {
		return repo.Delete(ctx, tx, "demo", "nope", "agent-1")
	})
	require.Error(t, err)
	assert.Equal(t, gerr.CodeNotFound, gerr.CodeOf(err))
}

func TestSearchFiltersByTextAndCategory(t *testing.T) {
	st := openTestStore(t)
	repo := knowledge.New()
	ctx := context.Background()

	err := st.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := repo.Write(ctx, tx, knowledge.WriteInput{Project: "demo", Key: "a", Content: "uses postgres", Category: types.CategoryArchitecture, Agent: "agent-1"}); err != nil {
			return err
		}
		_, err := repo.Write(ctx, tx, knowledge.WriteInput{Project: "demo", Key: "b", Content: "team prefers tabs", Category: types.CategoryConvention, Agent: "agent-1"})
		return err
	})
	require.NoError(t, err)

	var results []*types.KnowledgeEntry
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		results, err = repo.Search(ctx, tx, "demo", "postgres", "")
		return err
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].Key)
}

func TestRetroSubmitRequiresFindings(t *testing.T) {
	st := openTestStore(t)
	repo := knowledge.New()
	ctx := context.Background()

	err := st.WithTx(ctx, func(tx *store.Tx) error {
		_, err := repo.Submit(ctx, tx, "demo", "agent-1", nil)
		return err
	})
	require.Error(t, err)
}

func TestRetroSubmitSurfacesClaudeMDCandidates(t *testing.T) {
	st := openTestStore(t)
	repo := knowledge.New()
	ctx := context.Background()

	var result *knowledge.RetroResult
	err := st.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		result, err = repo.Submit(ctx, tx, "demo", "agent-1", []knowledge.Finding{
			{Category: knowledge.FindingClaudeMDCandidate, Summary: "always run migrations before tests"},
			{Category: knowledge.FindingBugOrDebt, Summary: "flaky retry in the scheduler"},
		})
		return err
	})
	require.NoError(t, err)
	require.Len(t, result.ClaudeMDCandidates, 1)
	assert.Equal(t, "always run migrations before tests", result.ClaudeMDCandidates[0])
}

type stubSummarizer struct {
	summary string
	err     error
}

func (s stubSummarizer) Summarize(ctx context.Context, findings []knowledge.Finding, resolved []*types.Node) (string, error) {
	return s.summary, s.err
}

func TestRetroSubmitAttachesAISummaryWhenConfigured(t *testing.T) {
	st := openTestStore(t)
	repo := knowledge.NewWithSummarizer(stubSummarizer{summary: "shipped the scheduler fix and wrote a note about it"})
	ctx := context.Background()

	var result *knowledge.RetroResult
	err := st.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		result, err = repo.Submit(ctx, tx, "demo", "agent-1", []knowledge.Finding{
			{Category: knowledge.FindingWorkflowImprovement, Summary: "batch similar fixes together"},
		})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "shipped the scheduler fix and wrote a note about it", result.AISummary)
}

func TestRetroSubmitIgnoresSummarizerFailure(t *testing.T) {
	st := openTestStore(t)
	repo := knowledge.NewWithSummarizer(stubSummarizer{err: assert.AnError})
	ctx := context.Background()

	var result *knowledge.RetroResult
	err := st.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		result, err = repo.Submit(ctx, tx, "demo", "agent-1", []knowledge.Finding{
			{Category: knowledge.FindingWorkflowImprovement, Summary: "batch similar fixes together"},
		})
		return err
	})
	require.NoError(t, err, "a Summarizer failure must not fail the retro submission itself")
	assert.Empty(t, result.AISummary)
	require.NotNil(t, result.Entry, "the finding entry must still persist despite the summarizer failure")
}

func TestRetroContextReturnsResolvedNodesAndKnowledge(t *testing.T) {
	st := openTestStore(t)
	repo := knowledge.New()
	ctx := context.Background()

	err := st.WithTx(ctx, func(tx *store.Tx) error {
		_, err := repo.Write(ctx, tx, knowledge.WriteInput{Project: "demo", Key: "note", Content: "v", Agent: "agent-1"})
		return err
	})
	require.NoError(t, err)

	var rc *knowledge.RetroContext
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		rc, err = repo.Context(ctx, tx, "demo", "")
		return err
	})
	require.NoError(t, err)
	assert.Empty(t, rc.SinceKey)
	require.Len(t, rc.Knowledge, 1)
	assert.Equal(t, "note", rc.Knowledge[0].Key)
}
