package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/taskgraph/graphd/internal/graph/gerr"
	"github.com/taskgraph/graphd/internal/graph/types"
	"github.com/taskgraph/graphd/internal/store"
)

func jsonUnmarshal(raw string, v any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), v)
}

// FindingCategory is the closed set retro() accepts in findings[].
type FindingCategory string

const (
	FindingClaudeMDCandidate    FindingCategory = "claude_md_candidate"
	FindingKnowledgeGap         FindingCategory = "knowledge_gap"
	FindingWorkflowImprovement  FindingCategory = "workflow_improvement"
	FindingBugOrDebt            FindingCategory = "bug_or_debt"
	FindingKnowledgeDrift       FindingCategory = "knowledge_drift"
)

var validFindingCategories = map[FindingCategory]bool{
	FindingClaudeMDCandidate: true, FindingKnowledgeGap: true, FindingWorkflowImprovement: true,
	FindingBugOrDebt: true, FindingKnowledgeDrift: true,
}

// Finding is one entry in retro()'s findings[] input.
type Finding struct {
	Category FindingCategory
	Summary  string
}

// RetroContext is what retro() returns absent findings: material for the
// caller to review before submitting its own findings.
type RetroContext struct {
	ResolvedSince []*types.Node
	Knowledge     []*types.KnowledgeEntry
	SinceKey      string // the prior retro-<timestamp> key, empty if none
}

// RetroResult is what retro() returns when findings are submitted.
type RetroResult struct {
	Entry              *types.KnowledgeEntry
	ClaudeMDCandidates []string
	// AISummary is a short prose summary of the submitted findings, present
	// only when the Repo was built with a Summarizer and the call
	// succeeded. Best-effort: a Summarizer failure never fails the retro
	// itself, since the findings are already durably written by this point.
	AISummary string `json:"ai_summary,omitempty"`
}

// Context implements retro() without findings: returns resolved nodes
// since the last retro entry, their evidence, and all knowledge entries for
// cross-checking.
func (r *Repo) Context(ctx context.Context, q querier, project, scope string) (*RetroContext, error) {
	sinceKey, sinceTime, err := r.lastRetroTime(ctx, q, project)
	if err != nil {
		return nil, err
	}

	query := `SELECT id, project, parent, summary, resolved, blocked, blocked_reason,
		discovery, properties, context_links, evidence, plan, depth, rev, created_at, updated_at
		FROM nodes WHERE project = ? AND resolved = 1`
	args := []any{project}
	if sinceTime != "" {
		query += ` AND updated_at > ?`
		args = append(args, sinceTime)
	}
	if scope != "" {
		query += ` AND (id = ? OR parent = ?)`
		args = append(args, scope, scope)
	}
	query += ` ORDER BY updated_at ASC`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("knowledge: retro context: %w", err)
	}
	resolved, err := scanRetroNodes(rows)
	if err != nil {
		return nil, err
	}

	entries, err := r.Search(ctx, q, project, "", "")
	if err != nil {
		return nil, err
	}

	return &RetroContext{ResolvedSince: resolved, Knowledge: entries, SinceKey: sinceKey}, nil
}

// Submit implements retro() with findings[]: persists a summary knowledge
// entry, surfaces CLAUDE.md candidates, and resets the retro nudge counter
// (the nudge counter is implicit: schedule.retroNudge reads this entry's
// created_at as the new baseline).
func (r *Repo) Submit(ctx context.Context, q querier, project, agent string, findings []Finding) (*RetroResult, error) {
	if len(findings) == 0 {
		return nil, gerr.Validation("findings", "submitting a retro requires at least one finding")
	}
	for _, f := range findings {
		if !validFindingCategories[f.Category] {
			return nil, gerr.Validation("category", "unknown retro finding category %q", f.Category)
		}
	}

	now := store.Now()
	key := fmt.Sprintf("retro-%d", now.Unix())

	var content string
	var candidates []string
	for _, f := range findings {
		content += fmt.Sprintf("[%s] %s\n", f.Category, f.Summary)
		if f.Category == FindingClaudeMDCandidate {
			candidates = append(candidates, f.Summary)
		}
	}

	outcome, err := r.Write(ctx, q, WriteInput{
		Project: project, Key: key, Content: content, Category: types.CategoryDiscovery, Agent: agent,
	})
	if err != nil {
		return nil, err
	}

	result := &RetroResult{Entry: outcome.Entry, ClaudeMDCandidates: candidates}
	if r.AI != nil {
		if summary, err := r.AI.Summarize(ctx, findings, nil); err == nil {
			result.AISummary = summary
		}
	}
	return result, nil
}

func (r *Repo) lastRetroTime(ctx context.Context, q querier, project string) (string, string, error) {
	row := q.QueryRowContext(ctx, `
		SELECT key, created_at FROM knowledge
		WHERE project = ? AND key LIKE 'retro-%'
		ORDER BY created_at DESC LIMIT 1
	`, project)
	var key, createdAt string
	err := row.Scan(&key, &createdAt)
	if err == sql.ErrNoRows {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("knowledge: last retro: %w", err)
	}
	return key, createdAt, nil
}

func scanRetroNodes(rows *sql.Rows) ([]*types.Node, error) {
	defer rows.Close()
	var out []*types.Node
	for rows.Next() {
		n, err := scanRetroNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func scanRetroNode(row rowScanner) (*types.Node, error) {
	var n types.Node
	var parent sql.NullString
	var resolvedInt, blockedInt int
	var discovery string
	var propsJSON, linksJSON, evidenceJSON, planJSON string
	var createdAt, updatedAt string

	err := row.Scan(&n.ID, &n.Project, &parent, &n.Summary, &resolvedInt, &blockedInt, &n.BlockedReason,
		&discovery, &propsJSON, &linksJSON, &evidenceJSON, &planJSON, &n.Depth, &n.Rev, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if parent.Valid {
		p := parent.String
		n.Parent = &p
	}
	n.Resolved = resolvedInt != 0
	n.Blocked = blockedInt != 0
	n.Discovery = types.Discovery(discovery).Normalize()
	if err := jsonUnmarshal(propsJSON, &n.Properties); err != nil {
		return nil, err
	}
	if err := jsonUnmarshal(linksJSON, &n.ContextLinks); err != nil {
		return nil, err
	}
	if err := jsonUnmarshal(evidenceJSON, &n.Evidence); err != nil {
		return nil, err
	}
	n.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, err
	}
	n.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, err
	}
	return &n, nil
}
