// Package schedule answers "what should I work on next?": ranks actionable
// nodes, applies auto-scope, and manages the soft-claim TTL lease. Ranking
// is a hand-built ORDER BY over a JSON-extracted priority plus the
// resolved/blocked/depth model.
package schedule

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/taskgraph/graphd/internal/graph/edges"
	"github.com/taskgraph/graphd/internal/graph/events"
	"github.com/taskgraph/graphd/internal/graph/gerr"
	"github.com/taskgraph/graphd/internal/graph/nodes"
	"github.com/taskgraph/graphd/internal/graph/types"
	"github.com/taskgraph/graphd/internal/store"
)

// Scheduler implements next() and the soft-claim lease.
type Scheduler struct {
	Store  *store.Store
	Nodes  *nodes.Repo
	Edges  *edges.Repo
	Events *events.Repo
	TTL    time.Duration
}

// New builds a Scheduler with the given claim TTL (GRAPH_CLAIM_TTL, default 60s).
func New(s *store.Store, ttl time.Duration) *Scheduler {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Scheduler{Store: s, Nodes: nodes.New(), Edges: edges.New(), Events: events.New(), TTL: ttl}
}

// Request is the input to Next.
type Request struct {
	Agent   string
	Project string // empty: auto-select if exactly one project exists
	Scope   string // optional node id
	Filter  types.Properties
	Count   int
	Claim   bool
}

// Candidate is one scheduled result with its loaded context.
type Candidate struct {
	Node         *types.Node
	Ancestors    []*types.Node
	DependsOn    []*types.Edge
	DependedBy   []*types.Edge
}

// Result is what Next returns.
type Result struct {
	Candidates  []Candidate
	Scope       string
	AutoScoped  bool
	YourClaims  []*types.Node
	RetroNudge  string
}

// Next runs the whole scheduling decision inside one transaction (reads
// and, if Claim is set, the lease write are part of the same atomic step).
func (s *Scheduler) Next(ctx context.Context, req Request) (*Result, error) {
	result := &Result{}

	err := s.Store.WithTx(ctx, func(tx *store.Tx) error {
		project := req.Project
		if project == "" {
			projects, err := s.Nodes.ListProjects(ctx, tx)
			if err != nil {
				return err
			}
			if len(projects) != 1 {
				return gerr.Validation("project", "project is required unless exactly one project exists (found %d)", len(projects))
			}
			project = projects[0]
		}

		scope := req.Scope
		if scope == "" {
			if autoScope, err := s.autoScope(ctx, tx, req.Agent, project); err == nil && autoScope != "" {
				scope = autoScope
				result.AutoScoped = true
			}
		}
		result.Scope = scope

		candidateIDs, err := s.rankedActionable(ctx, tx, project, scope, req.Filter, req.Count)
		if err != nil {
			return err
		}

		for _, id := range candidateIDs {
			n, err := s.Nodes.GetOrThrow(ctx, tx, id)
			if err != nil {
				return err
			}

			if req.Claim {
				claimedBy, active := activeClaim(n, s.TTL)
				if active && claimedBy != req.Agent {
					continue // held by another agent with a fresh lease: skip
				}
				if err := n.Properties.Set(types.PropClaimedBy, req.Agent); err != nil {
					return err
				}
				if err := n.Properties.Set(types.PropClaimedAt, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
					return err
				}
				n.Rev++
				n.UpdatedAt = store.Now()
				if err := s.Nodes.Save(ctx, tx, n); err != nil {
					return err
				}
			}

			ancestors, err := s.Nodes.AncestorsOf(ctx, tx, n.ID)
			if err != nil {
				return err
			}
			dependsOn, err := s.Edges.EdgesFrom(ctx, tx, n.ID)
			if err != nil {
				return err
			}
			dependedBy, err := s.Edges.EdgesTo(ctx, tx, n.ID)
			if err != nil {
				return err
			}

			result.Candidates = append(result.Candidates, Candidate{
				Node: n, Ancestors: ancestors, DependsOn: dependsOn, DependedBy: dependedBy,
			})
		}

		claims, err := s.activeClaims(ctx, tx, req.Agent, project)
		if err != nil {
			return err
		}
		result.YourClaims = claims

		nudge, err := s.retroNudge(ctx, tx, req.Agent, project)
		if err != nil {
			return err
		}
		result.RetroNudge = nudge
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// autoScope sets scope to the parent of the caller's most recently claimed
// unresolved node in project.
func (s *Scheduler) autoScope(ctx context.Context, tx *store.Tx, agent, project string) (string, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, parent FROM nodes
		WHERE project = ? AND resolved = 0
			AND json_extract(properties, '$._claimed_by') = ?
		ORDER BY json_extract(properties, '$._claimed_at') DESC
		LIMIT 1
	`, project, agent)
	var id string
	var parent sql.NullString
	if err := row.Scan(&id, &parent); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("schedule: autoScope: %w", err)
	}
	if parent.Valid {
		return parent.String, nil
	}
	return id, nil
}

// rankedActionable runs the SQL-side ordering: priority DESC (NULLS LAST)
// -> depth DESC -> updated_at ASC -> id ASC, restricted to the actionable
// predicate and an optional scope subtree.
func (s *Scheduler) rankedActionable(ctx context.Context, tx *store.Tx, project, scope string, filter types.Properties, count int) ([]string, error) {
	if count <= 0 {
		count = 1
	}

	query := `
		SELECT n.id FROM nodes n
		WHERE n.project = ?
			AND n.resolved = 0 AND n.blocked = 0
			AND NOT EXISTS (SELECT 1 FROM nodes c WHERE c.parent = n.id AND c.resolved = 0)
			AND NOT EXISTS (
				SELECT 1 FROM edges e JOIN nodes d ON d.id = e.to_node
				WHERE e.from_node = n.id AND e.type = 'depends_on' AND d.resolved = 0
			)
	`
	args := []any{project}

	if scope != "" {
		query += `
			AND (n.id = ? OR n.id IN (
				WITH RECURSIVE sub(id) AS (
					SELECT id FROM nodes WHERE parent = ?
					UNION ALL
					SELECT nn.id FROM nodes nn JOIN sub ON nn.parent = sub.id
				) SELECT id FROM sub
			))
		`
		args = append(args, scope, scope)
	}

	for key, val := range filter {
		query += ` AND json_extract(n.properties, '$.' || ?) = json_extract(?, '$.v')`
		args = append(args, key, val.SQLJSONLiteral())
	}

	query += `
		ORDER BY
			CASE WHEN CAST(json_extract(n.properties,'$.priority') AS REAL) IS NULL THEN 1 ELSE 0 END,
			CAST(json_extract(n.properties,'$.priority') AS REAL) DESC,
			n.depth DESC,
			n.updated_at ASC,
			n.id ASC
		LIMIT ?
	`
	args = append(args, count)

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("schedule: rankedActionable: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// activeClaim returns the agent holding a claim on n and whether it is
// still within TTL.
func activeClaim(n *types.Node, ttl time.Duration) (string, bool) {
	claimedBy, ok := n.Properties.ClaimedBy()
	if !ok {
		return "", false
	}
	claimedAtRaw, ok := n.Properties[types.PropClaimedAt]
	if !ok {
		return claimedBy, false
	}
	claimedAt, err := time.Parse(time.RFC3339, claimedAtRaw.String())
	if err != nil {
		return claimedBy, false
	}
	return claimedBy, time.Since(claimedAt) < ttl
}

// activeClaims lists the caller's non-expired claims in project.
func (s *Scheduler) activeClaims(ctx context.Context, tx *store.Tx, agent, project string) ([]*types.Node, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM nodes
		WHERE project = ? AND resolved = 0
			AND json_extract(properties, '$._claimed_by') = ?
	`, project, agent)
	if err != nil {
		return nil, fmt.Errorf("schedule: activeClaims: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()

	var out []*types.Node
	for _, id := range ids {
		n, err := s.Nodes.GetOrThrow(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if claimedBy, active := activeClaim(n, s.TTL); active && claimedBy == agent {
			out = append(out, n)
		}
	}
	return out, nil
}

// retroNudge emits a nudge string when >=5 tasks have resolved since the
// agent's last retro entry in project.
func (s *Scheduler) retroNudge(ctx context.Context, tx *store.Tx, agent, project string) (string, error) {
	var lastRetro sql.NullString
	row := tx.QueryRowContext(ctx, `
		SELECT MAX(created_at) FROM knowledge
		WHERE project = ? AND created_by = ? AND key LIKE 'retro-%'
	`, project, agent)
	if err := row.Scan(&lastRetro); err != nil {
		return "", fmt.Errorf("schedule: retroNudge lookup: %w", err)
	}

	var count int
	if lastRetro.Valid {
		row = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes WHERE project = ? AND resolved = 1 AND updated_at > ?`, project, lastRetro.String)
	} else {
		row = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes WHERE project = ? AND resolved = 1`, project)
	}
	if err := row.Scan(&count); err != nil {
		return "", fmt.Errorf("schedule: retroNudge count: %w", err)
	}
	if count >= 5 {
		return fmt.Sprintf("%d tasks resolved since your last retro in %q; consider calling graph_retro", count, project), nil
	}
	return "", nil
}
