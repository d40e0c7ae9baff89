// Package nodes is the node repository: CRUD plus the tree-shaped read
// operations (childrenOf/ancestorsOf/descendantsOf/projectRoot/listProjects/
// projectSummary). Hand-built WHERE clauses over database/sql, no ORM.
package nodes

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/taskgraph/graphd/internal/graph/gerr"
	"github.com/taskgraph/graphd/internal/graph/types"
	"github.com/taskgraph/graphd/internal/idgen"
	"github.com/taskgraph/graphd/internal/store"
)

// Repo wraps read/write node access. It is constructed per-transaction or
// per-connection; all methods take an explicit querier so the same code
// works inside store.Tx and directly against *sql.DB for read paths.
type Repo struct{}

// New returns a node repository. Stateless: exported only for symmetry with
// the other repository packages and to leave room for future caching.
func New() *Repo { return &Repo{} }

// querier is satisfied by both *sql.DB and *store.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// CreateInput is the set of fields a caller supplies to Create; engine-owned
// fields (id, depth, rev, timestamps) are computed here.
type CreateInput struct {
	Project      string
	Parent       *string
	Summary      string
	Discovery    types.Discovery
	Properties   types.Properties
	ContextLinks []string
}

// Create inserts a new node under tx: depth derives from the parent,
// discovery defaults to pending, parent must be in the same project and not
// itself discovery-pending.
func (r *Repo) Create(ctx context.Context, q querier, in CreateInput) (*types.Node, error) {
	depth := 0
	if in.Parent != nil {
		parent, err := r.GetOrThrow(ctx, q, *in.Parent)
		if err != nil {
			return nil, err
		}
		if parent.Project != in.Project {
			return nil, gerr.Validation("project", "parent %s belongs to project %q, not %q", *in.Parent, parent.Project, in.Project).WithNode(*in.Parent)
		}
		if parent.Discovery == types.DiscoveryPending {
			return nil, gerr.New(gerr.CodeDiscoveryPending, "parent %s has discovery pending; decompose it before adding children", *in.Parent).WithNode(*in.Parent)
		}
		depth = parent.Depth + 1
	}

	discovery := in.Discovery
	if discovery == "" {
		discovery = types.DiscoveryPending
	}
	props := in.Properties
	if props == nil {
		props = types.Properties{}
	}

	counter, err := r.nextSlugCounter(ctx, q, in.Project)
	if err != nil {
		return nil, err
	}
	if err := props.Set(types.PropSlug, idgen.DisplaySlug(in.Project, counter)); err != nil {
		return nil, fmt.Errorf("nodes: set display slug: %w", err)
	}

	now := store.Now()
	n := &types.Node{
		ID:           uuid.NewString(),
		Project:      in.Project,
		Parent:       in.Parent,
		Summary:      in.Summary,
		Discovery:    discovery,
		Properties:   props,
		ContextLinks: dedupStrings(in.ContextLinks),
		Evidence:     []types.Evidence{},
		Depth:        depth,
		Rev:          1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	propsJSON, err := json.Marshal(n.Properties)
	if err != nil {
		return nil, fmt.Errorf("nodes: marshal properties: %w", err)
	}
	linksJSON, err := json.Marshal(n.ContextLinks)
	if err != nil {
		return nil, fmt.Errorf("nodes: marshal context_links: %w", err)
	}
	evidenceJSON, err := json.Marshal(n.Evidence)
	if err != nil {
		return nil, fmt.Errorf("nodes: marshal evidence: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO nodes (id, project, parent, summary, resolved, blocked, blocked_reason,
			discovery, properties, context_links, evidence, plan, depth, rev, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, 0, '', ?, ?, ?, ?, '[]', ?, ?, ?, ?)
	`, n.ID, n.Project, n.Parent, n.Summary, string(n.Discovery), string(propsJSON), string(linksJSON), string(evidenceJSON), n.Depth, n.Rev, iso(n.CreatedAt), iso(n.UpdatedAt))
	if err != nil {
		return nil, fmt.Errorf("nodes: insert: %w", err)
	}
	return n, nil
}

// Get loads a node by id, returning nil (no error) if it does not exist.
func (r *Repo) Get(ctx context.Context, q querier, id string) (*types.Node, error) {
	row := q.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("nodes: get %s: %w", id, err)
	}
	return n, nil
}

// GetOrThrow loads a node by id, returning a not_found engine error if absent.
func (r *Repo) GetOrThrow(ctx context.Context, q querier, id string) (*types.Node, error) {
	n, err := r.Get(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, gerr.NotFound(id)
	}
	return n, nil
}

// Save persists every mutable field of n and is the only write path other
// than Create; callers (the mutation engine) are responsible for bumping
// Rev and UpdatedAt before calling Save.
func (r *Repo) Save(ctx context.Context, q querier, n *types.Node) error {
	propsJSON, err := json.Marshal(n.Properties)
	if err != nil {
		return fmt.Errorf("nodes: marshal properties: %w", err)
	}
	linksJSON, err := json.Marshal(n.ContextLinks)
	if err != nil {
		return fmt.Errorf("nodes: marshal context_links: %w", err)
	}
	evidenceJSON, err := json.Marshal(n.Evidence)
	if err != nil {
		return fmt.Errorf("nodes: marshal evidence: %w", err)
	}
	planJSON, err := json.Marshal(n.Plan)
	if err != nil {
		return fmt.Errorf("nodes: marshal plan: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		UPDATE nodes SET parent = ?, summary = ?, resolved = ?, blocked = ?, blocked_reason = ?,
			discovery = ?, properties = ?, context_links = ?, evidence = ?, plan = ?, depth = ?,
			rev = ?, updated_at = ?
		WHERE id = ?
	`, n.Parent, n.Summary, boolToInt(n.Resolved), boolToInt(n.Blocked), n.BlockedReason,
		string(n.Discovery), string(propsJSON), string(linksJSON), string(evidenceJSON), string(planJSON), n.Depth,
		n.Rev, iso(n.UpdatedAt), n.ID)
	if err != nil {
		return fmt.Errorf("nodes: save %s: %w", n.ID, err)
	}
	return nil
}

// Delete hard-removes a single node row (callers handle descendants/edges).
func (r *Repo) Delete(ctx context.Context, q querier, id string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("nodes: delete %s: %w", id, err)
	}
	return nil
}

// ChildrenOf returns the direct children of parent, oldest first.
func (r *Repo) ChildrenOf(ctx context.Context, q querier, parent string) ([]*types.Node, error) {
	rows, err := q.QueryContext(ctx, selectColumns+` WHERE parent = ? ORDER BY created_at ASC`, parent)
	if err != nil {
		return nil, fmt.Errorf("nodes: childrenOf %s: %w", parent, err)
	}
	return scanNodes(rows)
}

// AncestorsOf returns id's ancestor chain, root first, via one recursive
// CTE, staying O(depth) rather than walking node-by-node.
func (r *Repo) AncestorsOf(ctx context.Context, q querier, id string) ([]*types.Node, error) {
	rows, err := q.QueryContext(ctx, `
		WITH RECURSIVE chain(id, parent, depth_order) AS (
			SELECT id, parent, 0 FROM nodes WHERE id = ?
			UNION ALL
			SELECT n.id, n.parent, chain.depth_order + 1
			FROM nodes n JOIN chain ON n.id = chain.parent
		)
		`+selectColumnsJoined(`chain c JOIN nodes n ON n.id = c.id`)+`
		WHERE c.id != ?
		ORDER BY c.depth_order DESC
	`, id, id)
	if err != nil {
		return nil, fmt.Errorf("nodes: ancestorsOf %s: %w", id, err)
	}
	return scanNodes(rows)
}

// DescendantsOf returns every descendant of id (not including id itself),
// via one recursive CTE, staying O(subtree) rather than walking node-by-node.
func (r *Repo) DescendantsOf(ctx context.Context, q querier, id string) ([]*types.Node, error) {
	rows, err := q.QueryContext(ctx, `
		WITH RECURSIVE sub(id) AS (
			SELECT id FROM nodes WHERE parent = ?
			UNION ALL
			SELECT n.id FROM nodes n JOIN sub ON n.parent = sub.id
		)
		`+selectColumnsJoined(`sub s JOIN nodes n ON n.id = s.id`)+`
	`, id)
	if err != nil {
		return nil, fmt.Errorf("nodes: descendantsOf %s: %w", id, err)
	}
	return scanNodes(rows)
}

// ProjectRoot returns the root node (parent IS NULL) of the given project
// slug, or nil if the project does not exist.
func (r *Repo) ProjectRoot(ctx context.Context, q querier, slug string) (*types.Node, error) {
	row := q.QueryRowContext(ctx, selectColumns+` WHERE project = ? AND parent IS NULL`, slug)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("nodes: projectRoot %s: %w", slug, err)
	}
	return n, nil
}

// ListProjects returns every distinct project slug with a root node.
func (r *Repo) ListProjects(ctx context.Context, q querier) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT DISTINCT project FROM nodes WHERE parent IS NULL ORDER BY project`)
	if err != nil {
		return nil, fmt.Errorf("nodes: listProjects: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ProjectSummary is the aggregate counts projectSummary returns.
type ProjectSummary struct {
	Project      string
	TotalNodes   int
	Resolved     int
	Blocked      int
	Pending      int
}

// ProjectSummary aggregates node counts for one project.
func (r *Repo) ProjectSummary(ctx context.Context, q querier, project string) (*ProjectSummary, error) {
	s := &ProjectSummary{Project: project}
	row := q.QueryRowContext(ctx, `
		SELECT COUNT(*),
			SUM(resolved),
			SUM(blocked),
			SUM(CASE WHEN discovery = 'pending' THEN 1 ELSE 0 END)
		FROM nodes WHERE project = ?
	`, project)
	var resolved, blocked, pending sql.NullInt64
	if err := row.Scan(&s.TotalNodes, &resolved, &blocked, &pending); err != nil {
		return nil, fmt.Errorf("nodes: projectSummary %s: %w", project, err)
	}
	s.Resolved = int(resolved.Int64)
	s.Blocked = int(blocked.Int64)
	s.Pending = int(pending.Int64)
	return s, nil
}

const selectColumns = `SELECT id, project, parent, summary, resolved, blocked, blocked_reason,
	discovery, properties, context_links, evidence, plan, depth, rev, created_at, updated_at
	FROM nodes`

func selectColumnsJoined(from string) string {
	return `SELECT n.id, n.project, n.parent, n.summary, n.resolved, n.blocked, n.blocked_reason,
		n.discovery, n.properties, n.context_links, n.evidence, n.plan, n.depth, n.rev, n.created_at, n.updated_at
		FROM ` + from
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*types.Node, error) {
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

	if err := json.Unmarshal([]byte(propsJSON), &n.Properties); err != nil {
		return nil, fmt.Errorf("unmarshal properties: %w", err)
	}
	if err := json.Unmarshal([]byte(linksJSON), &n.ContextLinks); err != nil {
		return nil, fmt.Errorf("unmarshal context_links: %w", err)
	}
	if err := json.Unmarshal([]byte(evidenceJSON), &n.Evidence); err != nil {
		return nil, fmt.Errorf("unmarshal evidence: %w", err)
	}
	if planJSON != "" {
		_ = json.Unmarshal([]byte(planJSON), &n.Plan)
	}
	n.CreatedAt, err = parseISO(createdAt)
	if err != nil {
		return nil, err
	}
	n.UpdatedAt, err = parseISO(updatedAt)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func scanNodes(rows *sql.Rows) ([]*types.Node, error) {
	defer rows.Close()
	var out []*types.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func iso(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func parseISO(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func dedupStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// nextSlugCounter returns the count of existing nodes in project, used as
// the counter baked into a new node's cached display slug. The count drops
// when nodes are deleted or merged away, so a later node can be given a
// counter, and slug, that an earlier node already carries.
func (r *Repo) nextSlugCounter(ctx context.Context, q querier, project string) (int64, error) {
	var n int64
	row := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes WHERE project = ?`, project)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("nodes: count project %s: %w", project, err)
	}
	return n, nil
}
