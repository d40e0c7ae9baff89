package mutate

import (
	"context"

	"github.com/taskgraph/graphd/internal/graph/gerr"
	"github.com/taskgraph/graphd/internal/graph/types"
	"github.com/taskgraph/graphd/internal/store"
)

// ConnectOp is one add/remove edge operation in a connect() batch.
type ConnectOp struct {
	Remove bool
	From   string
	To     string
	Type   types.EdgeType
}

// ConnectOutcome reports what happened to a single ConnectOp.
type ConnectOutcome struct {
	Op       ConnectOp
	Accepted bool
	Reason   string // error code, set iff !Accepted
}

// ConnectResult is what Connect returns.
type ConnectResult struct {
	Outcomes        []ConnectOutcome
	NewlyActionable []string
}

// Connect applies a batch of edge add/remove operations. This is the one
// mutation handler where a per-item failure does not abort the batch: each
// operation is individually accepted or rejected, and the transaction
// commits whatever was accepted. Only a store error rolls back the whole
// thing.
func (e *Engine) Connect(ctx context.Context, agent string, ops []ConnectOp) (*ConnectResult, error) {
	if len(ops) == 0 {
		return nil, gerr.Validation("edges", "connect batch must not be empty")
	}

	result := &ConnectResult{}
	touchedProjects := map[string]bool{}

	err := e.Store.WithTx(ctx, func(tx *store.Tx) error {
		for _, op := range ops {
			outcome := ConnectOutcome{Op: op}

			var err error
			if op.Remove {
				err = e.Edges.RemoveEdge(ctx, tx, op.From, op.To, op.Type)
			} else {
				err = e.Edges.AddEdge(ctx, tx, op.From, op.To, op.Type, agent)
			}

			if err != nil {
				outcome.Accepted = false
				outcome.Reason = string(gerr.CodeOf(err))
				if gerr.CodeOf(err) == gerr.CodeEngineError {
					// Not one of our typed rejections: treat as a hard
					// store failure and abort the whole batch.
					return err
				}
				result.Outcomes = append(result.Outcomes, outcome)
				continue
			}

			outcome.Accepted = true
			result.Outcomes = append(result.Outcomes, outcome)

			if n, lookupErr := e.Nodes.Get(ctx, tx, op.From); lookupErr == nil && n != nil {
				touchedProjects[n.Project] = true
			}

			action := types.ActionEdgeAdded
			if op.Remove {
				action = types.ActionEdgeRemoved
			}
			if err := e.Events.Append(ctx, tx, op.From, agent, action, map[string]any{"to": op.To, "type": string(op.Type)}); err != nil {
				return err
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
