// Package edges is the edge repository: typed directed relations between
// nodes in the same project, with cycle detection on depends_on and the
// actionability-candidate scan findNewlyActionable. Cycle detection uses a
// reachability BFS from the proposed edge's target back to its source.
package edges

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/taskgraph/graphd/internal/graph/gerr"
	"github.com/taskgraph/graphd/internal/graph/types"
	"github.com/taskgraph/graphd/internal/store"
)

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Repo is the edge repository.
type Repo struct{}

func New() *Repo { return &Repo{} }

// nodeProject returns the project a node belongs to, and whether it exists.
func nodeProject(ctx context.Context, q querier, id string) (string, bool, error) {
	var project string
	row := q.QueryRowContext(ctx, `SELECT project FROM nodes WHERE id = ?`, id)
	if err := row.Scan(&project); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("edges: lookup project of %s: %w", id, err)
	}
	return project, true, nil
}

// AddEdge inserts from->to of the given type: "parent" is not a valid edge
// type, cross-project edges are rejected, duplicates are rejected, and
// depends_on cycles are rejected.
func (r *Repo) AddEdge(ctx context.Context, q querier, from, to string, typ types.EdgeType, agent string) error {
	if typ == types.EdgeParent {
		return gerr.Validation("type", "edge type %q is reserved for tree ownership", typ)
	}
	fromProject, ok, err := nodeProject(ctx, q, from)
	if err != nil {
		return err
	}
	if !ok {
		return gerr.NotFound(from)
	}
	toProject, ok, err := nodeProject(ctx, q, to)
	if err != nil {
		return err
	}
	if !ok {
		return gerr.NotFound(to)
	}
	if fromProject != toProject {
		return gerr.New(gerr.CodeCrossProjectEdge, "cannot add edge between project %q and %q", fromProject, toProject).WithNode(from)
	}

	exists, err := r.edgeExists(ctx, q, from, to, typ)
	if err != nil {
		return err
	}
	if exists {
		return gerr.New(gerr.CodeDuplicateEdge, "edge %s->%s (%s) already exists", from, to, typ).WithNode(from)
	}

	if typ == types.EdgeDependsOn {
		cyclic, err := r.reaches(ctx, q, to, from)
		if err != nil {
			return err
		}
		if cyclic {
			return gerr.New(gerr.CodeCycleDetected, "adding %s->%s would create a depends_on cycle", from, to).WithNode(from)
		}
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO edges (from_node, to_node, type, agent, created_at) VALUES (?, ?, ?, ?, ?)
	`, from, to, string(typ), agent, iso(store.Now()))
	if err != nil {
		return fmt.Errorf("edges: insert: %w", err)
	}
	return nil
}

// RemoveEdge deletes the given edge. Removing a nonexistent edge is not an
// error: it is idempotent, so connect reports removing a missing edge as
// accepted.
func (r *Repo) RemoveEdge(ctx context.Context, q querier, from, to string, typ types.EdgeType) error {
	_, err := q.ExecContext(ctx, `DELETE FROM edges WHERE from_node = ? AND to_node = ? AND type = ?`, from, to, string(typ))
	if err != nil {
		return fmt.Errorf("edges: remove: %w", err)
	}
	return nil
}

// EdgesFrom returns every edge originating at id.
func (r *Repo) EdgesFrom(ctx context.Context, q querier, id string) ([]*types.Edge, error) {
	rows, err := q.QueryContext(ctx, `SELECT from_node, to_node, type, agent, created_at FROM edges WHERE from_node = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("edges: edgesFrom %s: %w", id, err)
	}
	return scanEdges(rows)
}

// EdgesTo returns every edge pointing at id.
func (r *Repo) EdgesTo(ctx context.Context, q querier, id string) ([]*types.Edge, error) {
	rows, err := q.QueryContext(ctx, `SELECT from_node, to_node, type, agent, created_at FROM edges WHERE to_node = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("edges: edgesTo %s: %w", id, err)
	}
	return scanEdges(rows)
}

// RedirectTo repoints every edge touching oldID to point at newID instead,
// dropping any that would duplicate an edge newID already has or would
// create a self-loop. Used by restructure.merge.
func (r *Repo) RedirectTo(ctx context.Context, q querier, oldID, newID string) error {
	outgoing, err := r.EdgesFrom(ctx, q, oldID)
	if err != nil {
		return err
	}
	for _, e := range outgoing {
		if err := r.RemoveEdge(ctx, q, e.From, e.To, types.EdgeType(e.Type)); err != nil {
			return err
		}
		if e.To == newID {
			continue // would self-loop
		}
		exists, err := r.edgeExists(ctx, q, newID, e.To, types.EdgeType(e.Type))
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if types.EdgeType(e.Type) == types.EdgeDependsOn {
			cyclic, err := r.reaches(ctx, q, e.To, newID)
			if err != nil {
				return err
			}
			if cyclic {
				continue
			}
		}
		if _, err := q.ExecContext(ctx, `
			INSERT INTO edges (from_node, to_node, type, agent, created_at) VALUES (?, ?, ?, ?, ?)
		`, newID, e.To, e.Type, e.Agent, iso(store.Now())); err != nil {
			return fmt.Errorf("edges: redirect outgoing: %w", err)
		}
	}

	incoming, err := r.EdgesTo(ctx, q, oldID)
	if err != nil {
		return err
	}
	for _, e := range incoming {
		if err := r.RemoveEdge(ctx, q, e.From, e.To, types.EdgeType(e.Type)); err != nil {
			return err
		}
		if e.From == newID {
			continue
		}
		exists, err := r.edgeExists(ctx, q, e.From, newID, types.EdgeType(e.Type))
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if types.EdgeType(e.Type) == types.EdgeDependsOn {
			cyclic, err := r.reaches(ctx, q, newID, e.From)
			if err != nil {
				return err
			}
			if cyclic {
				continue
			}
		}
		if _, err := q.ExecContext(ctx, `
			INSERT INTO edges (from_node, to_node, type, agent, created_at) VALUES (?, ?, ?, ?, ?)
		`, e.From, newID, e.Type, e.Agent, iso(store.Now())); err != nil {
			return fmt.Errorf("edges: redirect incoming: %w", err)
		}
	}
	return nil
}

// RemoveAllTouching deletes every edge (in either direction) touching id.
// Used by restructure.delete.
func (r *Repo) RemoveAllTouching(ctx context.Context, q querier, id string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM edges WHERE from_node = ? OR to_node = ?`, id, id)
	if err != nil {
		return fmt.Errorf("edges: removeAllTouching %s: %w", id, err)
	}
	return nil
}

// FindNewlyActionable scopes a rescan to the immediate candidates unblocked
// by the given resolved ids: their direct children and the sources of
// depends_on edges pointing at them. If resolvedIDs is empty the whole
// project set is scanned (used by plan/restructure which can touch
// arbitrary structure).
func (r *Repo) FindNewlyActionable(ctx context.Context, q querier, projects []string, resolvedIDs []string) ([]string, error) {
	candidates := make(map[string]bool)

	if len(resolvedIDs) == 0 {
		for _, p := range projects {
			rows, err := q.QueryContext(ctx, `SELECT id FROM nodes WHERE project = ?`, p)
			if err != nil {
				return nil, fmt.Errorf("edges: scan project %s: %w", p, err)
			}
			if err := collectIDs(rows, candidates); err != nil {
				return nil, err
			}
		}
	} else {
		for _, id := range resolvedIDs {
			rows, err := q.QueryContext(ctx, `SELECT id FROM nodes WHERE parent = ?`, id)
			if err != nil {
				return nil, fmt.Errorf("edges: children of %s: %w", id, err)
			}
			if err := collectIDs(rows, candidates); err != nil {
				return nil, err
			}
			rows, err = q.QueryContext(ctx, `SELECT from_node FROM edges WHERE to_node = ? AND type = ?`, id, string(types.EdgeDependsOn))
			if err != nil {
				return nil, fmt.Errorf("edges: depends_on sources of %s: %w", id, err)
			}
			if err := collectIDs(rows, candidates); err != nil {
				return nil, err
			}
		}
	}

	var actionable []string
	for id := range candidates {
		ok, err := r.isActionable(ctx, q, id)
		if err != nil {
			return nil, err
		}
		if ok {
			actionable = append(actionable, id)
		}
	}
	return actionable, nil
}

// isActionable implements the actionability predicate: not resolved, not
// blocked, no unresolved children, every depends_on target resolved.
func (r *Repo) isActionable(ctx context.Context, q querier, id string) (bool, error) {
	var resolved, blocked int
	row := q.QueryRowContext(ctx, `SELECT resolved, blocked FROM nodes WHERE id = ?`, id)
	if err := row.Scan(&resolved, &blocked); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("edges: isActionable load %s: %w", id, err)
	}
	if resolved != 0 || blocked != 0 {
		return false, nil
	}

	var unresolvedChildren int
	row = q.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes WHERE parent = ? AND resolved = 0`, id)
	if err := row.Scan(&unresolvedChildren); err != nil {
		return false, fmt.Errorf("edges: isActionable children %s: %w", id, err)
	}
	if unresolvedChildren > 0 {
		return false, nil
	}

	var unresolvedDeps int
	row = q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM edges e JOIN nodes n ON n.id = e.to_node
		WHERE e.from_node = ? AND e.type = ? AND n.resolved = 0
	`, id, string(types.EdgeDependsOn))
	if err := row.Scan(&unresolvedDeps); err != nil {
		return false, fmt.Errorf("edges: isActionable deps %s: %w", id, err)
	}
	return unresolvedDeps == 0, nil
}

// reaches reports whether from can reach to via depends_on edges (used both
// to detect a would-be cycle before insert, and, read the other direction,
// as the reachability check restructure.merge needs).
func (r *Repo) reaches(ctx context.Context, q querier, from, to string) (bool, error) {
	visited := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == to {
			return true, nil
		}
		rows, err := q.QueryContext(ctx, `SELECT to_node FROM edges WHERE from_node = ? AND type = ?`, cur, string(types.EdgeDependsOn))
		if err != nil {
			return false, fmt.Errorf("edges: reaches scan: %w", err)
		}
		var next []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return false, err
			}
			next = append(next, id)
		}
		rows.Close()
		for _, id := range next {
			if !visited[id] {
				visited[id] = true
				queue = append(queue, id)
			}
		}
	}
	return false, nil
}

func (r *Repo) edgeExists(ctx context.Context, q querier, from, to string, typ types.EdgeType) (bool, error) {
	var n int
	row := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM edges WHERE from_node = ? AND to_node = ? AND type = ?`, from, to, string(typ))
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("edges: edgeExists: %w", err)
	}
	return n > 0, nil
}

func collectIDs(rows *sql.Rows, into map[string]bool) error {
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		into[id] = true
	}
	return rows.Err()
}

func iso(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func parseISO(s string) (time.Time, error) { return time.Parse(time.RFC3339, s) }

func scanEdges(rows *sql.Rows) ([]*types.Edge, error) {
	defer rows.Close()
	var out []*types.Edge
	for rows.Next() {
		var e types.Edge
		var createdAt string
		if err := rows.Scan(&e.From, &e.To, &e.Type, &e.Agent, &createdAt); err != nil {
			return nil, err
		}
		ts, err := parseISO(createdAt)
		if err != nil {
			return nil, err
		}
		e.Timestamp = ts
		out = append(out, &e)
	}
	return out, rows.Err()
}
