package mcp

// toolDefs lists every graph_* tool's input schema. Schemas are
// intentionally loose (object property bags rather than exhaustively
// enumerated nested shapes).
var toolDefs = []toolDef{
	{
		Name:        "graph_open",
		Description: "List existing projects, or create a new one by passing a project name that doesn't exist yet.",
		InputSchema: object(map[string]any{
			"project": strProp("Project slug to open or create; omit to list all projects"),
		}, nil),
	},
	{
		Name:        "graph_plan",
		Description: "Create a batch of nodes in one transaction. Each node can reference another batch node as its parent via parent_ref, or an existing node id via parent_id.",
		InputSchema: object(map[string]any{
			"nodes": arrayProp("Nodes to create", map[string]any{
				"type": "object",
				"properties": map[string]any{
					"ref":           strProp("Batch-local reference name for this node"),
					"parent_ref":    strProp("Another node's ref in this batch to parent under"),
					"parent_id":     strProp("An existing node id to parent under"),
					"project":       strProp("Project slug"),
					"summary":       strProp("One-line description of the work"),
					"depends_on":    arrayProp("Refs or ids this node depends on", map[string]any{"type": "string"}),
					"context_links": arrayProp("URLs or file paths providing context", map[string]any{"type": "string"}),
					"properties":    map[string]any{"type": "object", "description": "Arbitrary tagged properties"},
				},
				"required": []string{"ref", "project", "summary"},
			}),
		}, []string{"nodes"}),
	},
	{
		Name:        "graph_next",
		Description: "Get the next actionable node(s) to work on, optionally claiming them with a soft TTL lease.",
		InputSchema: object(map[string]any{
			"project": strProp("Project slug; required unless exactly one project exists"),
			"scope":   strProp("Node id to restrict the search to; auto-scoped from your last claim if omitted"),
			"count":   numProp("How many candidates to return", 1),
			"claim":   boolProp("Whether to claim the returned node(s)", true),
			"filter":  map[string]any{"type": "object", "description": "Property filters (key/value equality)"},
		}, nil),
	},
	{
		Name:        "graph_context",
		Description: "Deep read of one node: its ancestors, dependencies, and dependents.",
		InputSchema: object(map[string]any{"node_id": strProp("Node id")}, []string{"node_id"}),
	},
	{
		Name:        "graph_update",
		Description: "Apply a batch of updates to existing nodes: summary, properties, evidence, resolved/blocked state, discovery.",
		InputSchema: object(map[string]any{
			"updates": arrayProp("Updates to apply", map[string]any{
				"type": "object",
				"properties": map[string]any{
					"node_id":          strProp("Node id to update"),
					"expected_rev":     numProp("Optimistic-concurrency check", 0),
					"summary":          strProp("New summary"),
					"resolved":         boolProp("Mark resolved/unresolved", false),
					"resolved_reason":  strProp("Note recorded as evidence when resolving"),
					"blocked":          boolProp("Mark blocked/unblocked", false),
					"blocked_reason":   strProp("Required when blocking"),
					"discovery":        strProp("pending or done"),
					"properties":       map[string]any{"type": "object"},
					"add_context_links": arrayProp("Context links to append", map[string]any{"type": "string"}),
					"add_evidence": arrayProp("Evidence records to append", map[string]any{
						"type": "object",
						"properties": map[string]any{
							"type": strProp("git, test, note, or custom"),
							"ref":  strProp("Evidence reference (commit sha, test name, note text)"),
						},
					}),
				},
				"required": []string{"node_id"},
			}),
		}, []string{"updates"}),
	},
	{
		Name:        "graph_connect",
		Description: "Add or remove typed edges between existing nodes. Each edge is accepted or rejected independently.",
		InputSchema: object(map[string]any{
			"edges": arrayProp("Edge operations", map[string]any{
				"type": "object",
				"properties": map[string]any{
					"remove": boolProp("Remove instead of add", false),
					"from":   strProp("Source node id"),
					"to":     strProp("Target node id"),
					"type":   strProp("depends_on or relates_to"),
				},
				"required": []string{"from", "to", "type"},
			}),
		}, []string{"edges"}),
	},
	{
		Name:        "graph_query",
		Description: "Filtered, sorted, paginated node search.",
		InputSchema: object(map[string]any{
			"project":           strProp("Project slug"),
			"resolved":          boolProp("Filter by resolved state", false),
			"properties":        map[string]any{"type": "object"},
			"text":              strProp("Substring match on summary"),
			"ancestor":          strProp("Restrict to descendants of this node id"),
			"has_evidence_type": strProp("git, test, note, or custom"),
			"is_leaf":           boolProp("Filter to leaf nodes", false),
			"is_actionable":     boolProp("Filter to actionable nodes", false),
			"is_blocked":        boolProp("Filter by blocked state", false),
			"claimed_by":        strProp("Agent id; empty string means unclaimed"),
			"sort":              strProp("readiness, depth, recent, or created"),
			"cursor":            strProp("Opaque pagination cursor"),
			"limit":             numProp("Page size", 50),
		}, []string{"project"}),
	},
	{
		Name:        "graph_restructure",
		Description: "Apply a batch of move/merge/drop/delete operations reshaping the tree. Any single failure aborts the whole batch.",
		InputSchema: object(map[string]any{
			"operations": arrayProp("Restructure operations", map[string]any{
				"type": "object",
				"properties": map[string]any{
					"kind":       strProp("move, merge, drop, or delete"),
					"node":       strProp("Target node (move/drop/delete) or source (merge)"),
					"new_parent": strProp("New parent id (move only)"),
					"target":     strProp("Merge destination node id (merge only)"),
					"reason":     strProp("Required for drop"),
				},
				"required": []string{"kind", "node"},
			}),
		}, []string{"operations"}),
	},
	{
		Name:        "graph_history",
		Description: "Paginated event history for one node.",
		InputSchema: object(map[string]any{
			"node_id": strProp("Node id"),
			"cursor":  numProp("Last event id seen; 0 for the first page", 0),
			"limit":   numProp("Page size", 50),
		}, []string{"node_id"}),
	},
	{
		Name:        "graph_onboard",
		Description: "Orientation bundle for an agent just starting on this project: tree, knowledge, and actionable summary.",
		InputSchema: object(map[string]any{"project": strProp("Project slug; required unless exactly one project exists")}, nil),
	},
	{
		Name:        "graph_tree",
		Description: "Render a project's full node tree as box-drawing text.",
		InputSchema: object(map[string]any{
			"project": strProp("Project slug"),
			"scope":   strProp("Node id to restrict the tree to"),
		}, []string{"project"}),
	},
	{
		Name:        "graph_status",
		Description: "Markdown render of continuity health and integrity issues across all projects.",
		InputSchema: object(map[string]any{}, nil),
	},
	{
		Name:        "graph_knowledge_write",
		Description: "Upsert a knowledge entry by (project, key).",
		InputSchema: object(map[string]any{
			"project":     strProp("Project slug"),
			"key":         strProp("Entry key"),
			"content":     strProp("Entry content"),
			"category":    strProp("general, architecture, convention, decision, environment, api-contract, or discovery"),
			"source_node": strProp("Node id to attach; defaults to your active claim"),
		}, []string{"project", "key", "content"}),
	},
	{
		Name:        "graph_knowledge_read",
		Description: "Fetch one knowledge entry by (project, key).",
		InputSchema: object(map[string]any{"project": strProp("Project slug"), "key": strProp("Entry key")}, []string{"project", "key"}),
	},
	{
		Name:        "graph_knowledge_delete",
		Description: "Delete one knowledge entry by (project, key).",
		InputSchema: object(map[string]any{"project": strProp("Project slug"), "key": strProp("Entry key")}, []string{"project", "key"}),
	},
	{
		Name:        "graph_knowledge_search",
		Description: "Substring search over knowledge keys and content.",
		InputSchema: object(map[string]any{
			"project":  strProp("Project slug"),
			"text":     strProp("Substring to match"),
			"category": strProp("Restrict to one category"),
		}, []string{"project"}),
	},
	{
		Name:        "graph_knowledge_audit",
		Description: "List all knowledge entries for a project, flagging near-duplicate key clusters.",
		InputSchema: object(map[string]any{"project": strProp("Project slug")}, []string{"project"}),
	},
	{
		Name:        "graph_retro",
		Description: "Without findings, returns resolved-since-last-retro context. With findings, persists a retro summary and surfaces CLAUDE.md candidates.",
		InputSchema: object(map[string]any{
			"project": strProp("Project slug"),
			"scope":   strProp("Node id to restrict context to"),
			"findings": arrayProp("Closed-category findings to persist", map[string]any{
				"type": "object",
				"properties": map[string]any{
					"category": strProp("claude_md_candidate, knowledge_gap, workflow_improvement, bug_or_debt, or knowledge_drift"),
					"summary":  strProp("Finding summary"),
				},
				"required": []string{"category", "summary"},
			}),
		}, []string{"project"}),
	},
	{
		Name:        "graph_resolve",
		Description: "Shorthand for graph_update that resolves one node with a single note-evidence record.",
		InputSchema: object(map[string]any{
			"node_id": strProp("Node id"),
			"message": strProp("Note text recorded as evidence"),
		}, []string{"node_id", "message"}),
	},
	{
		Name:        "graph_agent_config",
		Description: "Returns the agent onboarding prompt.",
		InputSchema: object(map[string]any{}, nil),
	},
}

func object(props map[string]any, required []string) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func strProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func numProp(description string, def int) map[string]any {
	return map[string]any{"type": "number", "description": description, "default": def}
}

func boolProp(description string, def bool) map[string]any {
	return map[string]any{"type": "boolean", "description": description, "default": def}
}

func arrayProp(description string, items map[string]any) map[string]any {
	return map[string]any{"type": "array", "description": description, "items": items}
}
