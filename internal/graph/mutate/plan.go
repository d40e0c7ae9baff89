// Package mutate is the mutation engine: plan, update, connect, restructure.
// Every exported entry point runs its whole batch inside one store.Tx; on
// any returned error the caller's transaction is rolled back and no state
// changes (the one exception being Connect, which reports per-edge
// outcomes but still commits accepted edges).
//
// Each handler follows the same shape: parse, open one transaction,
// mutate, append events, compute a derived response, commit.
package mutate

import (
	"context"
	"fmt"
	"sort"

	"github.com/taskgraph/graphd/internal/graph/edges"
	"github.com/taskgraph/graphd/internal/graph/events"
	"github.com/taskgraph/graphd/internal/graph/gerr"
	"github.com/taskgraph/graphd/internal/graph/nodes"
	"github.com/taskgraph/graphd/internal/graph/types"
	"github.com/taskgraph/graphd/internal/store"
)

// Engine bundles the repositories the mutation handlers operate over.
type Engine struct {
	Store *store.Store
	Nodes *nodes.Repo
	Edges *edges.Repo
	Events *events.Repo
}

// New builds an Engine over the given store.
func New(s *store.Store) *Engine {
	return &Engine{Store: s, Nodes: nodes.New(), Edges: edges.New(), Events: events.New()}
}

// PlanNode is one input element of a plan() batch.
type PlanNode struct {
	Ref          string
	ParentRef    string // another batch ref, or empty
	ParentID     string // an existing node id, or empty
	Project      string
	Summary      string
	DependsOn    []string // refs or ids
	ContextLinks []string
	Properties   types.Properties
}

// PlanResult is what Plan returns.
type PlanResult struct {
	Created         []*types.Node
	NewlyActionable []string
}

// Plan creates a batch of nodes in one transaction: refs are topologically
// ordered by parent dependency, every parent must exist and not be
// discovery-pending (unless it is itself a batch ref whose own parent is
// discovery="done"), and a node with other batch nodes as children is set
// discovery="done"; leaves stay "pending".
func (e *Engine) Plan(ctx context.Context, agent string, input []PlanNode) (*PlanResult, error) {
	if len(input) == 0 {
		return nil, gerr.Validation("nodes", "plan batch must not be empty")
	}

	byRef := make(map[string]PlanNode, len(input))
	hasChildInBatch := make(map[string]bool)
	for _, n := range input {
		if n.Ref == "" {
			return nil, gerr.Validation("ref", "every plan node needs a ref")
		}
		if _, dup := byRef[n.Ref]; dup {
			return nil, gerr.Validation("ref", "duplicate ref %q in plan batch", n.Ref)
		}
		byRef[n.Ref] = n
		if n.ParentRef != "" {
			hasChildInBatch[n.ParentRef] = true
		}
	}

	order, err := topoOrder(input, byRef)
	if err != nil {
		return nil, err
	}

	result := &PlanResult{}
	touchedProjects := map[string]bool{}
	idByRef := make(map[string]string, len(input))

	err = e.Store.WithTx(ctx, func(tx *store.Tx) error {
		for _, ref := range order {
			n := byRef[ref]
			var parentID *string
			switch {
			case n.ParentRef != "":
				resolved, ok := idByRef[n.ParentRef]
				if !ok {
					return gerr.Validation("parent_ref", "plan node %q references unresolved parent_ref %q", ref, n.ParentRef)
				}
				parentID = &resolved
			case n.ParentID != "":
				id := n.ParentID
				parentID = &id
			}

			discovery := types.DiscoveryPending
			if hasChildInBatch[ref] {
				discovery = types.DiscoveryDone
			}

			created, err := e.Nodes.Create(ctx, tx, nodes.CreateInput{
				Project:      n.Project,
				Parent:       parentID,
				Summary:      n.Summary,
				Discovery:    discovery,
				Properties:   n.Properties,
				ContextLinks: n.ContextLinks,
			})
			if err != nil {
				return fmt.Errorf("plan: create %q: %w", ref, err)
			}
			idByRef[ref] = created.ID
			result.Created = append(result.Created, created)
			touchedProjects[created.Project] = true

			if err := e.Events.Append(ctx, tx, created.ID, agent, types.ActionCreated, map[string]any{"summary": created.Summary}); err != nil {
				return err
			}
		}

		for _, ref := range order {
			n := byRef[ref]
			if len(n.DependsOn) == 0 {
				continue
			}
			fromID := idByRef[ref]
			for _, target := range n.DependsOn {
				toID := target
				if resolved, ok := idByRef[target]; ok {
					toID = resolved
				}
				if err := e.Edges.AddEdge(ctx, tx, fromID, toID, types.EdgeDependsOn, agent); err != nil {
					return fmt.Errorf("plan: depends_on %s->%s: %w", ref, target, err)
				}
				if err := e.Events.Append(ctx, tx, fromID, agent, types.ActionEdgeAdded, map[string]any{"to": toID, "type": "depends_on"}); err != nil {
					return err
				}
			}
		}

		actionable, err := e.Edges.FindNewlyActionable(ctx, tx, projectList(touchedProjects), nil)
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

// topoOrder orders plan refs parent-before-child, erroring on a cycle
// within the batch's parent_ref graph.
func topoOrder(input []PlanNode, byRef map[string]PlanNode) ([]string, error) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	state := make(map[string]int, len(input))
	var order []string

	var visit func(ref string) error
	visit = func(ref string) error {
		switch state[ref] {
		case black:
			return nil
		case gray:
			return gerr.Validation("parent_ref", "cycle detected among plan refs involving %q", ref)
		}
		state[ref] = gray
		n := byRef[ref]
		if n.ParentRef != "" {
			if _, ok := byRef[n.ParentRef]; ok {
				if err := visit(n.ParentRef); err != nil {
					return err
				}
			}
		}
		state[ref] = black
		order = append(order, ref)
		return nil
	}

	refs := make([]string, 0, len(input))
	for _, n := range input {
		refs = append(refs, n.Ref)
	}
	sort.Strings(refs) // deterministic iteration order for ties
	for _, ref := range refs {
		if err := visit(ref); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func projectList(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
