// Package knowledge implements the knowledge store and retro workflow:
// write/read/delete/search/audit, plus the retro finding cycle, over an
// upsert-by-key categorised, similarity-checked knowledge base.
package knowledge

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/taskgraph/graphd/internal/graph/gerr"
	"github.com/taskgraph/graphd/internal/graph/types"
	"github.com/taskgraph/graphd/internal/store"
)

const maxContentBytes = 8 * 1024

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Repo is the knowledge store repository.
type Repo struct {
	// AI is consulted by Submit to add a prose summary to a retro
	// result. Nil (the default from New) means AI summarization is
	// disabled; graph_retro still works, it just omits AISummary.
	AI Summarizer
}

// New builds a Repo with AI summarization disabled.
func New() *Repo { return &Repo{} }

// NewWithSummarizer builds a Repo that asks ai to summarize each retro
// submission. Pass a nil ai (e.g. the result of NewSummarizerFromConfig
// with no API key configured) to get the same behavior as New.
func NewWithSummarizer(ai Summarizer) *Repo { return &Repo{AI: ai} }

// WriteInput is the input to Write.
type WriteInput struct {
	Project    string
	Key        string
	Content    string
	Category   types.KnowledgeCategory
	SourceNode string // explicit override; empty means auto-attach caller's active claim
	Agent      string
	ActiveClaim string // caller's active claim node id, if any, for auto-attach
}

// WriteOutcome reports a write plus any near-duplicate keys found.
type WriteOutcome struct {
	Entry           *types.KnowledgeEntry
	SimilarKeys     []string
	ContentTooLarge bool
}

// Write upserts a knowledge entry by (project, key).
func (r *Repo) Write(ctx context.Context, q querier, in WriteInput) (*WriteOutcome, error) {
	if in.Project == "" || in.Key == "" {
		return nil, gerr.Validation("key", "project and key are required")
	}
	category := in.Category
	if category == "" {
		category = types.CategoryGeneral
	}
	if !types.ValidCategories[category] {
		return nil, gerr.New(gerr.CodeInvalidCategory, "unknown knowledge category %q", category)
	}

	outcome := &WriteOutcome{}
	if len(in.Content) > maxContentBytes {
		outcome.ContentTooLarge = true
	}

	existing, err := r.getRaw(ctx, q, in.Project, in.Key)
	if err != nil {
		return nil, err
	}

	createdBy := in.Agent
	if existing != nil {
		createdBy = existing.CreatedBy // preserve original author
	}

	sourceNode := in.SourceNode
	if sourceNode == "" {
		sourceNode = in.ActiveClaim
	}

	now := store.Now()
	var sourceNodeArg any
	if sourceNode != "" {
		sourceNodeArg = sourceNode
	}

	if existing == nil {
		_, err = q.ExecContext(ctx, `
			INSERT INTO knowledge (project, key, content, category, source_node, created_by, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, in.Project, in.Key, in.Content, string(category), sourceNodeArg, createdBy, iso(now), iso(now))
	} else {
		_, err = q.ExecContext(ctx, `
			UPDATE knowledge SET content = ?, category = ?, source_node = COALESCE(?, source_node), updated_at = ?
			WHERE project = ? AND key = ?
		`, in.Content, string(category), sourceNodeArg, iso(now), in.Project, in.Key)
	}
	if err != nil {
		return nil, fmt.Errorf("knowledge: write: %w", err)
	}

	if err := r.appendLog(ctx, q, in.Project, in.Key, types.KnowledgeLogWrite, in.Agent); err != nil {
		return nil, err
	}

	entry, err := r.getRaw(ctx, q, in.Project, in.Key)
	if err != nil {
		return nil, err
	}
	outcome.Entry = entry

	similar, err := r.findSimilarKeys(ctx, q, in.Project, in.Key, category)
	if err != nil {
		return nil, err
	}
	outcome.SimilarKeys = similar
	return outcome, nil
}

// Read fetches one entry by (project, key).
func (r *Repo) Read(ctx context.Context, q querier, project, key string) (*types.KnowledgeEntry, error) {
	entry, err := r.getRaw(ctx, q, project, key)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, gerr.NotFound(key)
	}
	return entry, nil
}

// Delete removes one entry by (project, key).
func (r *Repo) Delete(ctx context.Context, q querier, project, key, agent string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM knowledge WHERE project = ? AND key = ?`, project, key)
	if err != nil {
		return fmt.Errorf("knowledge: delete: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return gerr.NotFound(key)
	}
	return r.appendLog(ctx, q, project, key, types.KnowledgeLogDelete, agent)
}

// Search does a case-insensitive substring search over key and content.
func (r *Repo) Search(ctx context.Context, q querier, project, text string, category types.KnowledgeCategory) ([]*types.KnowledgeEntry, error) {
	query := `SELECT id, project, key, content, category, source_node, created_by, created_at, updated_at
		FROM knowledge WHERE project = ?`
	args := []any{project}
	if text != "" {
		query += ` AND (key LIKE ? ESCAPE '\' OR content LIKE ? ESCAPE '\')`
		like := "%" + escapeLike(text) + "%"
		args = append(args, like, like)
	}
	if category != "" {
		query += ` AND category = ?`
		args = append(args, string(category))
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("knowledge: search: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Audit lists all entries for a project together with its near-duplicate
// key clusters (used by graph_knowledge_audit). Content size is not checked.
func (r *Repo) Audit(ctx context.Context, q querier, project string) ([]*types.KnowledgeEntry, map[string][]string, error) {
	entries, err := r.Search(ctx, q, project, "", "")
	if err != nil {
		return nil, nil, err
	}
	clusters := map[string][]string{}
	for i, a := range entries {
		for j, b := range entries {
			if j <= i {
				continue
			}
			if similarity(normalize(a.Key), normalize(b.Key)) >= 0.6 {
				clusters[a.Key] = append(clusters[a.Key], b.Key)
			}
		}
	}
	return entries, clusters, nil
}

func (r *Repo) getRaw(ctx context.Context, q querier, project, key string) (*types.KnowledgeEntry, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, project, key, content, category, source_node, created_by, created_at, updated_at
		FROM knowledge WHERE project = ? AND key = ?
	`, project, key)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("knowledge: get: %w", err)
	}
	return entry, nil
}

func (r *Repo) findSimilarKeys(ctx context.Context, q querier, project, key string, category types.KnowledgeCategory) ([]string, error) {
	entries, err := r.Search(ctx, q, project, "", "")
	if err != nil {
		return nil, err
	}
	var similar []string
	normKey := normalize(key)
	for _, e := range entries {
		if e.Key == key {
			continue
		}
		threshold := 0.6
		if e.Category == category {
			threshold = 0.5 // same category: looser bar
		}
		if similarity(normKey, normalize(e.Key)) >= threshold {
			similar = append(similar, e.Key)
		}
	}
	return similar, nil
}

func (r *Repo) appendLog(ctx context.Context, q querier, project, key string, action types.KnowledgeLogAction, agent string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO knowledge_log (project, key, action, agent, created_at) VALUES (?, ?, ?, ?, ?)
	`, project, key, string(action), agent, iso(store.Now()))
	if err != nil {
		return fmt.Errorf("knowledge: log %s: %w", action, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*types.KnowledgeEntry, error) {
	var e types.KnowledgeEntry
	var sourceNode sql.NullString
	var createdAt, updatedAt string
	var category string
	err := row.Scan(&e.ID, &e.Project, &e.Key, &e.Content, &category, &sourceNode, &e.CreatedBy, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	e.Category = types.KnowledgeCategory(category)
	if sourceNode.Valid {
		s := sourceNode.String
		e.SourceNode = &s
	}
	e.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, err
	}
	e.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func scanEntries(rows *sql.Rows) ([]*types.KnowledgeEntry, error) {
	var out []*types.KnowledgeEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func iso(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func escapeLike(s string) string {
	r := strings.NewReplacer("\\", "\\\\", "%", "\\%", "_", "\\_")
	return r.Replace(s)
}

func normalize(s string) string {
	return strings.ToLower(strings.Map(func(r rune) rune {
		if r == '-' || r == '_' || r == ' ' {
			return -1
		}
		return r
	}, s))
}

// similarity is a Jaro-like normalized substring similarity: the length of
// the longest common substring over the longer string's length. This is a
// cheaper LCS-ratio approximation rather than canonical Jaro-Winkler.
func similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	lcs := longestCommonSubstring(a, b)
	longer := len(a)
	if len(b) > longer {
		longer = len(b)
	}
	return float64(lcs) / float64(longer)
}

func longestCommonSubstring(a, b string) int {
	m, n := len(a), len(b)
	prev := make([]int, n+1)
	best := 0
	for i := 1; i <= m; i++ {
		cur := make([]int, n+1)
		for j := 1; j <= n; j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
				if cur[j] > best {
					best = cur[j]
				}
			}
		}
		prev = cur
	}
	return best
}
