package mcp

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/taskgraph/graphd/internal/graph/continuity"
	"github.com/taskgraph/graphd/internal/graph/gerr"
	"github.com/taskgraph/graphd/internal/graph/knowledge"
	"github.com/taskgraph/graphd/internal/graph/mutate"
	"github.com/taskgraph/graphd/internal/graph/nodes"
	"github.com/taskgraph/graphd/internal/graph/query"
	"github.com/taskgraph/graphd/internal/graph/render"
	"github.com/taskgraph/graphd/internal/graph/schedule"
	"github.com/taskgraph/graphd/internal/graph/types"
	"github.com/taskgraph/graphd/internal/store"
)

// decodeArgs round-trips args through JSON into dst, the same way the mie
// grounding example unmarshals tools/call arguments into typed request
// structs before dispatching to a handler.
func decodeArgs(args map[string]any, dst any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return gerr.Validation("arguments", "cannot encode arguments: %v", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return gerr.Validation("arguments", "cannot decode arguments: %v", err)
	}
	return nil
}

func handleOpen(ctx context.Context, s *Server, args map[string]any) (any, error) {
	var req struct {
		Project string `json:"project"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}

	var result any
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		if req.Project == "" {
			projects, err := s.nodes.ListProjects(ctx, tx)
			if err != nil {
				return err
			}
			result = map[string]any{"projects": projects}
			return nil
		}

		root, err := s.nodes.ProjectRoot(ctx, tx, req.Project)
		if err != nil {
			return err
		}
		if root != nil {
			result = map[string]any{"project": root, "created": false}
			return nil
		}

		created, err := s.nodes.Create(ctx, tx, nodes.CreateInput{
			Project:   req.Project,
			Summary:   req.Project,
			Discovery: types.DiscoveryPending,
		})
		if err != nil {
			return err
		}
		if err := s.events.Append(ctx, tx, created.ID, s.agent, types.ActionCreated, nil); err != nil {
			return err
		}
		result = map[string]any{"project": created, "created": true}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func handlePlan(ctx context.Context, s *Server, args map[string]any) (any, error) {
	var req struct {
		Nodes []struct {
			Ref          string           `json:"ref"`
			ParentRef    string           `json:"parent_ref"`
			ParentID     string           `json:"parent_id"`
			Project      string           `json:"project"`
			Summary      string           `json:"summary"`
			DependsOn    []string         `json:"depends_on"`
			ContextLinks []string         `json:"context_links"`
			Properties   types.Properties `json:"properties"`
		} `json:"nodes"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}

	input := make([]mutate.PlanNode, 0, len(req.Nodes))
	for _, n := range req.Nodes {
		input = append(input, mutate.PlanNode{
			Ref:          n.Ref,
			ParentRef:    n.ParentRef,
			ParentID:     n.ParentID,
			Project:      n.Project,
			Summary:      n.Summary,
			DependsOn:    n.DependsOn,
			ContextLinks: n.ContextLinks,
			Properties:   n.Properties,
		})
	}
	return s.engine.Plan(ctx, s.agent, input)
}

func handleNext(ctx context.Context, s *Server, args map[string]any) (any, error) {
	var req struct {
		Project string           `json:"project"`
		Scope   string           `json:"scope"`
		Count   int              `json:"count"`
		Claim   *bool            `json:"claim"`
		Filter  types.Properties `json:"filter"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	claim := true
	if req.Claim != nil {
		claim = *req.Claim
	}
	return s.scheduler.Next(ctx, schedule.Request{
		Agent:   s.agent,
		Project: req.Project,
		Scope:   req.Scope,
		Filter:  req.Filter,
		Count:   req.Count,
		Claim:   claim,
	})
}

func handleContext(ctx context.Context, s *Server, args map[string]any) (any, error) {
	var req struct {
		NodeID string `json:"node_id"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	if req.NodeID == "" {
		return nil, gerr.Validation("node_id", "node_id is required")
	}

	var result struct {
		Node       *types.Node   `json:"node"`
		Ancestors  []*types.Node `json:"ancestors"`
		Children   []*types.Node `json:"children"`
		DependsOn  []*types.Edge `json:"depends_on"`
		DependedBy []*types.Edge `json:"depended_by"`
	}
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		n, err := s.nodes.GetOrThrow(ctx, tx, req.NodeID)
		if err != nil {
			return err
		}
		result.Node = n
		if result.Ancestors, err = s.nodes.AncestorsOf(ctx, tx, req.NodeID); err != nil {
			return err
		}
		if result.Children, err = s.nodes.ChildrenOf(ctx, tx, req.NodeID); err != nil {
			return err
		}
		if result.DependsOn, err = s.edges.EdgesFrom(ctx, tx, req.NodeID); err != nil {
			return err
		}
		if result.DependedBy, err = s.edges.EdgesTo(ctx, tx, req.NodeID); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func handleUpdate(ctx context.Context, s *Server, args map[string]any) (any, error) {
	var req struct {
		Updates []struct {
			NodeID          string           `json:"node_id"`
			ExpectedRev     *int64           `json:"expected_rev"`
			Summary         *string          `json:"summary"`
			Resolved        *bool            `json:"resolved"`
			ResolvedReason  string           `json:"resolved_reason"`
			Blocked         *bool            `json:"blocked"`
			BlockedReason   string           `json:"blocked_reason"`
			Discovery       *types.Discovery `json:"discovery"`
			Properties      types.Properties `json:"properties"`
			AddContextLinks []string         `json:"add_context_links"`
			AddEvidence     []struct {
				Type types.EvidenceType `json:"type"`
				Ref  string             `json:"ref"`
			} `json:"add_evidence"`
		} `json:"updates"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}

	input := make([]mutate.Update, 0, len(req.Updates))
	for _, u := range req.Updates {
		evidence := make([]types.Evidence, 0, len(u.AddEvidence))
		for _, e := range u.AddEvidence {
			evidence = append(evidence, types.Evidence{Type: e.Type, Ref: e.Ref})
		}
		input = append(input, mutate.Update{
			NodeID:          u.NodeID,
			ExpectedRev:     u.ExpectedRev,
			Summary:         u.Summary,
			Resolved:        u.Resolved,
			ResolvedReason:  u.ResolvedReason,
			Blocked:         u.Blocked,
			BlockedReason:   u.BlockedReason,
			Discovery:       u.Discovery,
			PropertyUpdates: u.Properties,
			AddContextLinks: u.AddContextLinks,
			AddEvidence:     evidence,
		})
	}
	return s.engine.Update(ctx, s.agent, input)
}

func handleConnect(ctx context.Context, s *Server, args map[string]any) (any, error) {
	var req struct {
		Edges []struct {
			Remove bool           `json:"remove"`
			From   string         `json:"from"`
			To     string         `json:"to"`
			Type   types.EdgeType `json:"type"`
		} `json:"edges"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}

	ops := make([]mutate.ConnectOp, 0, len(req.Edges))
	for _, e := range req.Edges {
		ops = append(ops, mutate.ConnectOp{Remove: e.Remove, From: e.From, To: e.To, Type: e.Type})
	}
	return s.engine.Connect(ctx, s.agent, ops)
}

func handleRestructure(ctx context.Context, s *Server, args map[string]any) (any, error) {
	var req struct {
		Operations []struct {
			Kind      mutate.RestructureKind `json:"kind"`
			Node      string                 `json:"node"`
			NewParent string                 `json:"new_parent"`
			Target    string                 `json:"target"`
			Reason    string                 `json:"reason"`
		} `json:"operations"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}

	ops := make([]mutate.RestructureOp, 0, len(req.Operations))
	for _, o := range req.Operations {
		ops = append(ops, mutate.RestructureOp{
			Kind:      o.Kind,
			Node:      o.Node,
			NewParent: o.NewParent,
			Target:    o.Target,
			Reason:    o.Reason,
		})
	}
	return s.engine.Restructure(ctx, s.agent, ops)
}

func handleQuery(ctx context.Context, s *Server, args map[string]any) (any, error) {
	var req struct {
		Project         string           `json:"project"`
		Resolved        *bool            `json:"resolved"`
		Properties      types.Properties `json:"properties"`
		Text            string           `json:"text"`
		Ancestor        string           `json:"ancestor"`
		HasEvidenceType string           `json:"has_evidence_type"`
		IsLeaf          *bool            `json:"is_leaf"`
		IsActionable    *bool            `json:"is_actionable"`
		IsBlocked       *bool            `json:"is_blocked"`
		ClaimedBy       *string          `json:"claimed_by"`
		Sort            query.SortMode   `json:"sort"`
		Cursor          string           `json:"cursor"`
		Limit           int              `json:"limit"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}

	// Concurrent callers asking the identical question share one execution
	// instead of serializing one after another through the store's
	// single-writer mutex.
	key, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("mcp: handleQuery: encode dedup key: %w", err)
	}
	result, err, _ := s.querySF.Do(string(key), func() (any, error) {
		var page *query.Page
		err := s.store.WithTx(ctx, func(tx *store.Tx) error {
			var err error
			page, err = query.Run(ctx, tx, query.Filter{
				Project:         req.Project,
				Resolved:        req.Resolved,
				Properties:      req.Properties,
				Text:            req.Text,
				Ancestor:        req.Ancestor,
				HasEvidenceType: req.HasEvidenceType,
				IsLeaf:          req.IsLeaf,
				IsActionable:    req.IsActionable,
				IsBlocked:       req.IsBlocked,
				ClaimedBy:       req.ClaimedBy,
				Sort:            req.Sort,
				Cursor:          req.Cursor,
				Limit:           req.Limit,
			})
			return err
		})
		if err != nil {
			return nil, err
		}
		return page, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func handleHistory(ctx context.Context, s *Server, args map[string]any) (any, error) {
	var req struct {
		NodeID string `json:"node_id"`
		Cursor int64  `json:"cursor"`
		Limit  int    `json:"limit"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	if req.NodeID == "" {
		return nil, gerr.Validation("node_id", "node_id is required")
	}

	var result struct {
		Events     []*types.Event `json:"events"`
		NextCursor int64          `json:"next_cursor"`
	}
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		events, next, err := s.events.ForNode(ctx, tx, req.NodeID, req.Cursor, req.Limit)
		if err != nil {
			return err
		}
		result.Events, result.NextCursor = events, next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func handleOnboard(ctx context.Context, s *Server, args map[string]any) (any, error) {
	var req struct {
		Project string `json:"project"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}

	var result struct {
		Project    string                   `json:"project"`
		Tree       string                   `json:"tree"`
		Confidence *continuity.Score        `json:"confidence"`
		Knowledge  []*types.KnowledgeEntry  `json:"knowledge"`
		Prompt     string                   `json:"prompt"`
	}
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		project, err := resolveProject(ctx, s, tx, req.Project)
		if err != nil {
			return err
		}
		result.Project = project

		root, err := s.nodes.ProjectRoot(ctx, tx, project)
		if err != nil {
			return err
		}
		if root == nil {
			return gerr.Validation("project", "project %q has no root node", project)
		}
		descendants, err := s.nodes.DescendantsOf(ctx, tx, root.ID)
		if err != nil {
			return err
		}
		result.Tree = render.Render(append([]*types.Node{root}, descendants...))

		if result.Confidence, err = continuity.Confidence(ctx, tx, project); err != nil {
			return err
		}
		if result.Knowledge, err = s.knowledge.Search(ctx, tx, project, "", ""); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.Prompt = agentPromptText()
	return &result, nil
}

func handleTree(ctx context.Context, s *Server, args map[string]any) (any, error) {
	var req struct {
		Project string `json:"project"`
		Scope   string `json:"scope"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	if req.Project == "" {
		return nil, gerr.Validation("project", "project is required")
	}

	var rendered string
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		rootID := req.Scope
		if rootID == "" {
			root, err := s.nodes.ProjectRoot(ctx, tx, req.Project)
			if err != nil {
				return err
			}
			if root == nil {
				return gerr.Validation("project", "project %q has no root node", req.Project)
			}
			rootID = root.ID
		}
		root, err := s.nodes.GetOrThrow(ctx, tx, rootID)
		if err != nil {
			return err
		}
		descendants, err := s.nodes.DescendantsOf(ctx, tx, rootID)
		if err != nil {
			return err
		}
		rendered = render.Render(append([]*types.Node{root}, descendants...))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"tree": rendered}, nil
}

func handleStatus(ctx context.Context, s *Server, args map[string]any) (any, error) {
	var markdown string
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		projects, err := s.nodes.ListProjects(ctx, tx)
		if err != nil {
			return err
		}

		statuses := make([]render.ProjectStatus, 0, len(projects))
		for _, project := range projects {
			summary, err := s.nodes.ProjectSummary(ctx, tx, project)
			if err != nil {
				return err
			}
			actionableTrue := true
			actionablePage, err := query.Run(ctx, tx, query.Filter{Project: project, IsActionable: &actionableTrue, Limit: 10000})
			if err != nil {
				return err
			}
			score, err := continuity.Confidence(ctx, tx, project)
			if err != nil {
				return err
			}
			issues, err := continuity.Audit(ctx, tx, project, s.claimTTL)
			if err != nil {
				return err
			}
			issueLines := make([]string, 0, len(issues))
			for _, iss := range issues {
				issueLines = append(issueLines, fmt.Sprintf("%s: %s (%s)", iss.Type, iss.NodeID, iss.Remediation))
			}
			statuses = append(statuses, render.ProjectStatus{
				Project:         project,
				TotalNodes:      summary.TotalNodes,
				ResolvedNodes:   summary.Resolved,
				ActionableNodes: len(actionablePage.Nodes),
				BlockedNodes:    summary.Blocked,
				HealthScore:     score.Value,
				IntegrityIssues: issueLines,
			})
		}

		markdown, err = render.StatusMarkdown(statuses)
		return err
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": markdown}, nil
}

func handleKnowledgeWrite(ctx context.Context, s *Server, args map[string]any) (any, error) {
	var req struct {
		Project    string                  `json:"project"`
		Key        string                  `json:"key"`
		Content    string                  `json:"content"`
		Category   types.KnowledgeCategory `json:"category"`
		SourceNode string                  `json:"source_node"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	if req.Category == "" {
		req.Category = types.CategoryGeneral
	}

	var result *knowledge.WriteOutcome
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		activeClaim, err := s.agentActiveClaim(ctx, tx, req.Project)
		if err != nil {
			return err
		}
		result, err = s.knowledge.Write(ctx, tx, knowledge.WriteInput{
			Project:     req.Project,
			Key:         req.Key,
			Content:     req.Content,
			Category:    req.Category,
			SourceNode:  req.SourceNode,
			Agent:       s.agent,
			ActiveClaim: activeClaim,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func handleKnowledgeRead(ctx context.Context, s *Server, args map[string]any) (any, error) {
	var req struct {
		Project string `json:"project"`
		Key     string `json:"key"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}

	var entry *types.KnowledgeEntry
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		entry, err = s.knowledge.Read(ctx, tx, req.Project, req.Key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func handleKnowledgeDelete(ctx context.Context, s *Server, args map[string]any) (any, error) {
	var req struct {
		Project string `json:"project"`
		Key     string `json:"key"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}

	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		return s.knowledge.Delete(ctx, tx, req.Project, req.Key, s.agent)
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"deleted": true}, nil
}

func handleKnowledgeSearch(ctx context.Context, s *Server, args map[string]any) (any, error) {
	var req struct {
		Project  string                  `json:"project"`
		Text     string                  `json:"text"`
		Category types.KnowledgeCategory `json:"category"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}

	var entries []*types.KnowledgeEntry
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		entries, err = s.knowledge.Search(ctx, tx, req.Project, req.Text, req.Category)
		return err
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"entries": entries}, nil
}

func handleKnowledgeAudit(ctx context.Context, s *Server, args map[string]any) (any, error) {
	var req struct {
		Project string `json:"project"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}

	var entries []*types.KnowledgeEntry
	var duplicates map[string][]string
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		entries, duplicates, err = s.knowledge.Audit(ctx, tx, req.Project)
		return err
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"entries": entries, "near_duplicate_keys": duplicates}, nil
}

func handleRetro(ctx context.Context, s *Server, args map[string]any) (any, error) {
	var req struct {
		Project  string `json:"project"`
		Scope    string `json:"scope"`
		Findings []struct {
			Category knowledge.FindingCategory `json:"category"`
			Summary  string                    `json:"summary"`
		} `json:"findings"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}

	if len(req.Findings) == 0 {
		var result *knowledge.RetroContext
		err := s.store.WithTx(ctx, func(tx *store.Tx) error {
			var err error
			result, err = s.knowledge.Context(ctx, tx, req.Project, req.Scope)
			return err
		})
		if err != nil {
			return nil, err
		}
		return result, nil
	}

	findings := make([]knowledge.Finding, 0, len(req.Findings))
	for _, f := range req.Findings {
		findings = append(findings, knowledge.Finding{Category: f.Category, Summary: f.Summary})
	}

	var result *knowledge.RetroResult
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		result, err = s.knowledge.Submit(ctx, tx, req.Project, s.agent, findings)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func handleResolve(ctx context.Context, s *Server, args map[string]any) (any, error) {
	var req struct {
		NodeID  string `json:"node_id"`
		Message string `json:"message"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	if req.NodeID == "" || req.Message == "" {
		return nil, gerr.Validation("message", "node_id and message are required")
	}

	resolved := true
	return s.engine.Update(ctx, s.agent, []mutate.Update{{
		NodeID:      req.NodeID,
		Resolved:    &resolved,
		AddEvidence: []types.Evidence{{Type: types.EvidenceNote, Ref: req.Message}},
	}})
}

func handleAgentConfig(ctx context.Context, s *Server, args map[string]any) (any, error) {
	return map[string]any{"prompt": agentPromptText()}, nil
}

// resolveProject returns project if set, else the sole existing project;
// it errors if zero or more than one project exists and none was specified.
func resolveProject(ctx context.Context, s *Server, tx *store.Tx, project string) (string, error) {
	if project != "" {
		return project, nil
	}
	projects, err := s.nodes.ListProjects(ctx, tx)
	if err != nil {
		return "", err
	}
	if len(projects) != 1 {
		return "", gerr.Validation("project", "project is required when more than one project exists")
	}
	return projects[0], nil
}

// agentActiveClaim returns the node id this agent most recently claimed in
// project, if any, so knowledge writes can auto-attach a source_node. Runs
// directly against tx rather than through the scheduler, which would open
// its own transaction and deadlock against the store's single-writer lock.
func (s *Server) agentActiveClaim(ctx context.Context, tx *store.Tx, project string) (string, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id FROM nodes
		WHERE project = ? AND resolved = 0
			AND json_extract(properties, '$._claimed_by') = ?
		ORDER BY json_extract(properties, '$._claimed_at') DESC
		LIMIT 1
	`, project, s.agent)
	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("mcp: agentActiveClaim: %w", err)
	}
	return id, nil
}
