package mutate

import (
	"context"

	"github.com/taskgraph/graphd/internal/graph/gerr"
	"github.com/taskgraph/graphd/internal/graph/types"
	"github.com/taskgraph/graphd/internal/store"
)

// RestructureKind is the closed set of restructure operations.
type RestructureKind string

const (
	RestructureMove   RestructureKind = "move"
	RestructureMerge  RestructureKind = "merge"
	RestructureDrop   RestructureKind = "drop"
	RestructureDelete RestructureKind = "delete"
)

// RestructureOp is one operation in a restructure() batch.
type RestructureOp struct {
	Kind      RestructureKind
	Node      string // move/drop/delete target, or merge source
	NewParent string // move only
	Target    string // merge only
	Reason    string // drop only
}

// RestructureResult is what Restructure returns.
type RestructureResult struct {
	NewlyActionable []string
}

// Restructure applies a batch of move/merge/drop/delete operations in one
// transaction. Unlike Connect, any single operation's failure aborts the
// entire batch.
func (e *Engine) Restructure(ctx context.Context, agent string, ops []RestructureOp) (*RestructureResult, error) {
	if len(ops) == 0 {
		return nil, gerr.Validation("operations", "restructure batch must not be empty")
	}

	result := &RestructureResult{}
	touchedProjects := map[string]bool{}
	var resolvedIDs []string

	err := e.Store.WithTx(ctx, func(tx *store.Tx) error {
		for _, op := range ops {
			var project string
			var err error
			switch op.Kind {
			case RestructureMove:
				project, err = e.move(ctx, tx, agent, op)
			case RestructureMerge:
				project, err = e.merge(ctx, tx, agent, op)
			case RestructureDrop:
				project, err = e.drop(ctx, tx, agent, op, &resolvedIDs)
			case RestructureDelete:
				project, err = e.delete(ctx, tx, agent, op)
			default:
				err = gerr.Validation("kind", "unknown restructure op %q", op.Kind)
			}
			if err != nil {
				return err
			}
			if project != "" {
				touchedProjects[project] = true
			}
		}

		actionable, err := e.Edges.FindNewlyActionable(ctx, tx, projectList(touchedProjects), resolvedIDs)
		if err != nil {
			return err
		}
		result.NewlyActionable = actionable
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// move reparents op.Node under op.NewParent, recomputing depth for the
// whole moved subtree.
func (e *Engine) move(ctx context.Context, tx *store.Tx, agent string, op RestructureOp) (string, error) {
	node, err := e.Nodes.GetOrThrow(ctx, tx, op.Node)
	if err != nil {
		return "", err
	}
	newParent, err := e.Nodes.GetOrThrow(ctx, tx, op.NewParent)
	if err != nil {
		return "", err
	}
	if node.Project != newParent.Project {
		return "", gerr.Validation("new_parent", "cannot move node %s into project %q", node.ID, newParent.Project).WithNode(node.ID)
	}

	descendants, err := e.Nodes.DescendantsOf(ctx, tx, node.ID)
	if err != nil {
		return "", err
	}
	for _, d := range descendants {
		if d.ID == newParent.ID {
			return "", gerr.Validation("new_parent", "%s is a descendant of %s; moving would create a cycle", newParent.ID, node.ID).WithNode(node.ID)
		}
	}

	depthDelta := (newParent.Depth + 1) - node.Depth
	newParentID := newParent.ID
	node.Parent = &newParentID
	node.Depth = newParent.Depth + 1
	node.Rev++
	node.UpdatedAt = store.Now()
	if err := e.Nodes.Save(ctx, tx, node); err != nil {
		return "", err
	}

	for _, d := range descendants {
		d.Depth += depthDelta
		if err := e.Nodes.Save(ctx, tx, d); err != nil {
			return "", err
		}
	}

	if err := e.Events.Append(ctx, tx, node.ID, agent, types.ActionMoved, map[string]any{"new_parent": newParent.ID}); err != nil {
		return "", err
	}
	return node.Project, nil
}

// merge reparents source's children under target, redirects source's
// edges to target, concatenates context_links/evidence, and hard-deletes
// source.
func (e *Engine) merge(ctx context.Context, tx *store.Tx, agent string, op RestructureOp) (string, error) {
	source, err := e.Nodes.GetOrThrow(ctx, tx, op.Node)
	if err != nil {
		return "", err
	}
	target, err := e.Nodes.GetOrThrow(ctx, tx, op.Target)
	if err != nil {
		return "", err
	}
	if source.Project != target.Project {
		return "", gerr.Validation("target", "cannot merge %s into %s: different projects", source.ID, target.ID).WithNode(source.ID)
	}

	children, err := e.Nodes.ChildrenOf(ctx, tx, source.ID)
	if err != nil {
		return "", err
	}
	targetID := target.ID
	for _, c := range children {
		c.Parent = &targetID
		c.Depth = target.Depth + 1
		c.Rev++
		c.UpdatedAt = store.Now()
		if err := e.Nodes.Save(ctx, tx, c); err != nil {
			return "", err
		}
		if err := e.Events.Append(ctx, tx, c.ID, agent, types.ActionMoved, map[string]any{"new_parent": target.ID, "reason": "merge"}); err != nil {
			return "", err
		}
	}

	if err := e.Edges.RedirectTo(ctx, tx, source.ID, target.ID); err != nil {
		return "", err
	}

	target.ContextLinks = appendDedup(target.ContextLinks, source.ContextLinks)
	target.Evidence = appendEvidenceDedup(target.Evidence, source.Evidence)
	target.Rev++
	target.UpdatedAt = store.Now()
	if err := e.Nodes.Save(ctx, tx, target); err != nil {
		return "", err
	}

	if err := e.Edges.RemoveAllTouching(ctx, tx, source.ID); err != nil {
		return "", err
	}
	if err := e.Nodes.Delete(ctx, tx, source.ID); err != nil {
		return "", err
	}
	if err := e.Events.Append(ctx, tx, target.ID, agent, types.ActionMerged, map[string]any{"source": source.ID}); err != nil {
		return "", err
	}
	return target.Project, nil
}

// drop marks node and its descendants resolved, with a note evidence
// recording the reason.
func (e *Engine) drop(ctx context.Context, tx *store.Tx, agent string, op RestructureOp, resolvedIDs *[]string) (string, error) {
	node, err := e.Nodes.GetOrThrow(ctx, tx, op.Node)
	if err != nil {
		return "", err
	}
	if op.Reason == "" {
		return "", gerr.Validation("reason", "drop requires a non-empty reason").WithNode(node.ID)
	}

	descendants, err := e.Nodes.DescendantsOf(ctx, tx, node.ID)
	if err != nil {
		return "", err
	}

	for _, n := range append([]*types.Node{node}, descendants...) {
		if n.Resolved {
			continue
		}
		n.Evidence = appendEvidenceDedup(n.Evidence, []types.Evidence{{
			Type: types.EvidenceNote, Ref: "dropped: " + op.Reason, Agent: agent, Timestamp: store.Now(),
		}})
		n.Resolved = true
		n.Rev++
		n.UpdatedAt = store.Now()
		if err := e.Nodes.Save(ctx, tx, n); err != nil {
			return "", err
		}
		*resolvedIDs = append(*resolvedIDs, n.ID)
	}
	if err := e.Events.Append(ctx, tx, node.ID, agent, types.ActionDropped, map[string]any{"reason": op.Reason}); err != nil {
		return "", err
	}
	return node.Project, nil
}

// delete hard-removes node and its descendants plus all incident edges.
// Rejects deleting a project root whose subtree carries any evidence.
func (e *Engine) delete(ctx context.Context, tx *store.Tx, agent string, op RestructureOp) (string, error) {
	node, err := e.Nodes.GetOrThrow(ctx, tx, op.Node)
	if err != nil {
		return "", err
	}
	descendants, err := e.Nodes.DescendantsOf(ctx, tx, node.ID)
	if err != nil {
		return "", err
	}

	if node.IsRoot() {
		for _, n := range append([]*types.Node{node}, descendants...) {
			if len(n.Evidence) > 0 {
				return "", gerr.Validation("node", "cannot delete project root %s: subtree carries evidence on %s", node.ID, n.ID).WithNode(node.ID)
			}
		}
	}

	for _, n := range descendants {
		if err := e.Edges.RemoveAllTouching(ctx, tx, n.ID); err != nil {
			return "", err
		}
		if err := e.Nodes.Delete(ctx, tx, n.ID); err != nil {
			return "", err
		}
	}
	if err := e.Edges.RemoveAllTouching(ctx, tx, node.ID); err != nil {
		return "", err
	}
	if err := e.Nodes.Delete(ctx, tx, node.ID); err != nil {
		return "", err
	}
	if err := e.Events.Append(ctx, tx, node.ID, agent, types.ActionDeleted, map[string]any{"descendants": len(descendants)}); err != nil {
		return "", err
	}
	return node.Project, nil
}
