package mutate

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/taskgraph/graphd/internal/graph/gerr"
	"github.com/taskgraph/graphd/internal/graph/nodes"
	"github.com/taskgraph/graphd/internal/graph/types"
	"github.com/taskgraph/graphd/internal/store"
)

// Update is one input element of an update() batch.
type Update struct {
	NodeID         string
	ExpectedRev    *int64
	Summary        *string
	Resolved       *bool
	ResolvedReason string
	Blocked        *bool
	BlockedReason  string
	Discovery      *types.Discovery
	PropertyUpdates types.Properties
	AddContextLinks []string
	AddEvidence     []types.Evidence
}

// UpdateResult is what Update returns.
type UpdateResult struct {
	Updated         []*types.Node
	NewlyActionable []string
	RetroNudge      string
}

// Update applies a batch of node updates in one transaction: optimistic-rev
// check, properties merge, context_links/evidence append (deduplicated),
// resolve/block invariant checks, then auto-resolve cascade.
func (e *Engine) Update(ctx context.Context, agent string, input []Update) (*UpdateResult, error) {
	if len(input) == 0 {
		return nil, gerr.Validation("updates", "update batch must not be empty")
	}

	result := &UpdateResult{}
	touchedProjects := map[string]bool{}
	var resolvedIDs []string

	err := e.Store.WithTx(ctx, func(tx *store.Tx) error {
		for _, u := range input {
			n, err := e.Nodes.GetOrThrow(ctx, tx, u.NodeID)
			if err != nil {
				return err
			}
			if u.ExpectedRev != nil && *u.ExpectedRev != n.Rev {
				return gerr.New(gerr.CodeRevMismatch, "expected rev %d, node %s is at rev %d", *u.ExpectedRev, n.ID, n.Rev).WithNode(n.ID)
			}

			changes := map[string]any{}
			becameResolved := false

			if u.Summary != nil {
				changes["summary"] = map[string]any{"from": n.Summary, "to": *u.Summary}
				n.Summary = *u.Summary
			}

			if len(u.PropertyUpdates) > 0 {
				n.Properties = n.Properties.Merge(u.PropertyUpdates)
				changes["properties"] = propertyKeys(u.PropertyUpdates)
			}

			if len(u.AddContextLinks) > 0 {
				n.ContextLinks = appendDedup(n.ContextLinks, u.AddContextLinks)
			}
			if len(u.AddEvidence) > 0 {
				n.Evidence = appendEvidenceDedup(n.Evidence, u.AddEvidence)
			}

			if u.Discovery != nil {
				if *u.Discovery != n.Discovery {
					changes["discovery"] = map[string]any{"from": n.Discovery, "to": *u.Discovery}
					n.Discovery = *u.Discovery
					if err := e.Events.Append(ctx, tx, n.ID, agent, types.ActionDiscoveryChanged, changes); err != nil {
						return err
					}
				}
			}

			if u.Blocked != nil {
				if *u.Blocked && !n.Blocked {
					if u.BlockedReason == "" {
						return gerr.New(gerr.CodeBlockedRequiresReason, "blocking node %s requires a non-empty blocked_reason", n.ID).WithNode(n.ID).WithField("blocked_reason")
					}
					n.Blocked = true
					n.BlockedReason = u.BlockedReason
					changes["blocked"] = map[string]any{"from": false, "to": true}
				} else if !*u.Blocked && n.Blocked {
					n.Blocked = false
					n.BlockedReason = ""
					changes["blocked"] = map[string]any{"from": true, "to": false}
				}
			}

			if u.Resolved != nil && *u.Resolved && !n.Resolved {
				if u.ResolvedReason != "" {
					n.Evidence = prependEvidenceDedup(n.Evidence, []types.Evidence{{
						Type: types.EvidenceNote, Ref: u.ResolvedReason, Agent: agent, Timestamp: store.Now(),
					}})
				}
				strict, err := projectRootStrict(ctx, tx, e.Nodes, n.Project)
				if err != nil {
					return err
				}
				if err := enforceResolveInvariants(n, strict); err != nil {
					return err
				}
				n.Resolved = true
				changes["resolved"] = map[string]any{"from": false, "to": true}
				becameResolved = true
			} else if u.Resolved != nil && !*u.Resolved && n.Resolved {
				n.Resolved = false
				changes["resolved"] = map[string]any{"from": true, "to": false}
			}

			n.Rev++
			n.UpdatedAt = store.Now()
			if err := e.Nodes.Save(ctx, tx, n); err != nil {
				return err
			}
			if err := e.Events.Append(ctx, tx, n.ID, agent, types.ActionUpdated, changes); err != nil {
				return err
			}
			if becameResolved {
				if err := e.Events.Append(ctx, tx, n.ID, agent, types.ActionResolved, nil); err != nil {
					return err
				}
				resolvedIDs = append(resolvedIDs, n.ID)
				if err := e.cascadeAutoResolve(ctx, tx, n, agent, &resolvedIDs); err != nil {
					return err
				}
			}

			result.Updated = append(result.Updated, n)
			touchedProjects[n.Project] = true
		}

		actionable, err := e.Edges.FindNewlyActionable(ctx, tx, projectList(touchedProjects), resolvedIDs)
		if err != nil {
			return err
		}
		result.NewlyActionable = actionable

		if len(resolvedIDs) > 0 {
			for project := range touchedProjects {
				nudge, err := retroNudgeFor(ctx, tx, agent, project)
				if err != nil {
					return err
				}
				if nudge != "" {
					result.RetroNudge = nudge
					break
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// enforceResolveInvariants checks invariant 5 (evidence non-empty) and, if
// strict (the project root's properties.strict) is true, the stricter bar:
// at least one git-or-test evidence plus one context_link.
func enforceResolveInvariants(n *types.Node, strict bool) error {
	if len(n.Evidence) == 0 {
		return gerr.New(gerr.CodeResolveRequiresEvidence, "resolving node %s requires at least one evidence record", n.ID).WithNode(n.ID)
	}
	if strict {
		hasStrict := false
		for _, ev := range n.Evidence {
			if ev.Type.SatisfiesStrict() {
				hasStrict = true
				break
			}
		}
		if !hasStrict || len(n.ContextLinks) == 0 {
			return gerr.New(gerr.CodeResolveRequiresEvidence, "strict mode: resolving node %s requires git/test evidence and a context_link", n.ID).WithNode(n.ID)
		}
	}
	return nil
}

// projectRootStrict looks up the root node of project and reports whether
// its properties.strict is set, per the spec's definition of strict mode as
// a per-project-root property.
func projectRootStrict(ctx context.Context, tx *store.Tx, repo *nodes.Repo, project string) (bool, error) {
	root, err := repo.ProjectRoot(ctx, tx, project)
	if err != nil || root == nil {
		return false, err
	}
	return root.Properties.Strict(), nil
}

// prependEvidenceDedup inserts add at the front of existing, skipping any
// entry whose (type, ref) already appears in existing.
func prependEvidenceDedup(existing []types.Evidence, add []types.Evidence) []types.Evidence {
	seen := make(map[string]bool, len(existing))
	for _, e := range existing {
		seen[string(e.Type)+"|"+e.Ref] = true
	}
	var out []types.Evidence
	for _, e := range add {
		key := string(e.Type) + "|" + e.Ref
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, e)
	}
	return append(out, existing...)
}

// cascadeAutoResolve implements auto-resolve: if n's parent has no
// remaining unresolved children and every one of the parent's depends_on
// targets is resolved, the parent is auto-resolved too. Bounded by an
// iterative upward walk, not recursion, so it cannot blow the stack on a
// deep tree.
func (e *Engine) cascadeAutoResolve(ctx context.Context, tx *store.Tx, n *types.Node, agent string, resolvedIDs *[]string) error {
	current := n
	for current.Parent != nil {
		parent, err := e.Nodes.GetOrThrow(ctx, tx, *current.Parent)
		if err != nil {
			return err
		}
		if parent.Resolved {
			return nil
		}
		if parent.IsRoot() {
			// A project root represents the whole project, not a task: it
			// is only ever resolved by an explicit update(), never swept up
			// by the cascade. Resolving every node under the root leaves
			// the root itself unresolved.
			return nil
		}

		children, err := e.Nodes.ChildrenOf(ctx, tx, parent.ID)
		if err != nil {
			return err
		}
		allChildrenResolved := true
		for _, c := range children {
			if !c.Resolved {
				allChildrenResolved = false
				break
			}
		}
		if !allChildrenResolved {
			return nil
		}

		deps, err := e.Edges.EdgesFrom(ctx, tx, parent.ID)
		if err != nil {
			return err
		}
		allDepsResolved := true
		for _, dep := range deps {
			if dep.Type != string(types.EdgeDependsOn) {
				continue
			}
			depNode, err := e.Nodes.Get(ctx, tx, dep.To)
			if err != nil {
				return err
			}
			if depNode == nil || !depNode.Resolved {
				allDepsResolved = false
				break
			}
		}
		if !allDepsResolved {
			return nil
		}

		parent.Evidence = appendEvidenceDedup(parent.Evidence, []types.Evidence{{
			Type: types.EvidenceNote, Ref: "auto-resolved: all children complete", Agent: agent, Timestamp: store.Now(),
		}})
		parent.Resolved = true
		parent.Rev++
		parent.UpdatedAt = store.Now()
		if err := e.Nodes.Save(ctx, tx, parent); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, parent.ID, agent, types.ActionResolved, map[string]any{"auto": true}); err != nil {
			return err
		}
		*resolvedIDs = append(*resolvedIDs, parent.ID)

		current = parent
	}
	return nil
}

func appendDedup(existing []string, add []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, s := range existing {
		seen[s] = true
	}
	out := existing
	for _, s := range add {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func appendEvidenceDedup(existing []types.Evidence, add []types.Evidence) []types.Evidence {
	seen := make(map[string]bool, len(existing))
	for _, e := range existing {
		seen[string(e.Type)+"|"+e.Ref] = true
	}
	out := existing
	for _, e := range add {
		key := string(e.Type) + "|" + e.Ref
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, e)
	}
	return out
}

// retroNudgeFor mirrors schedule.Scheduler.retroNudge so a completed
// milestone surfaces the nudge on the update() response too, not only on
// next().
func retroNudgeFor(ctx context.Context, tx *store.Tx, agent, project string) (string, error) {
	var lastRetro sql.NullString
	row := tx.QueryRowContext(ctx, `
		SELECT MAX(created_at) FROM knowledge
		WHERE project = ? AND created_by = ? AND key LIKE 'retro-%'
	`, project, agent)
	if err := row.Scan(&lastRetro); err != nil {
		return "", fmt.Errorf("mutate: retroNudge lookup: %w", err)
	}

	var count int
	if lastRetro.Valid {
		row = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes WHERE project = ? AND resolved = 1 AND updated_at > ?`, project, lastRetro.String)
	} else {
		row = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes WHERE project = ? AND resolved = 1`, project)
	}
	if err := row.Scan(&count); err != nil {
		return "", fmt.Errorf("mutate: retroNudge count: %w", err)
	}
	if count >= 5 {
		return fmt.Sprintf("%d tasks resolved since your last retro in %q; consider calling graph_retro", count, project), nil
	}
	return "", nil
}

func propertyKeys(p types.Properties) []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	return keys
}
