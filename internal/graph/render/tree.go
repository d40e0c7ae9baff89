// Package render turns graph state into the two read-only views the engine
// exposes to a human: a box-drawing tree (graph_tree) and a markdown status
// report (graph_status), styled with charmbracelet/lipgloss.
package render

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/taskgraph/graphd/internal/graph/types"
)

var (
	styleResolved  = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	styleBlocked   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	styleActionable = lipgloss.NewStyle().Foreground(lipgloss.Color("6")).Bold(true)
	styleMuted     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	styleBadge     = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
)

func statusGlyph(n *types.Node, actionable bool) string {
	switch {
	case n.Resolved:
		return "☑" // ballot box with check
	case n.Blocked:
		return "⚠" // warning sign
	case actionable:
		return "◧" // square, left half black
	default:
		return "☐" // ballot box
	}
}

func styleFor(n *types.Node, actionable bool) lipgloss.Style {
	switch {
	case n.Resolved:
		return styleResolved
	case n.Blocked:
		return styleBlocked
	case actionable:
		return styleActionable
	default:
		return lipgloss.NewStyle()
	}
}

// Tree is a renderer for a single project's node tree: it owns the
// "seen" set and the per-depth connector state that produces the
// │/├──/└── box-drawing prefixes.
type Tree struct {
	// Actionable, when set, reports whether a node id is currently
	// actionable (used only to pick a glyph/badge, never to filter).
	Actionable func(nodeID string) bool

	seen       map[string]bool
	connectors []bool
	out        strings.Builder
}

// NewTree builds a renderer for a tree of at most maxDepth levels.
func NewTree(maxDepth int) *Tree {
	return &Tree{
		seen:       make(map[string]bool),
		connectors: make([]bool, maxDepth+2),
	}
}

// Render walks nodes (any subtree, root-first) and returns the rendered
// box-drawing tree as a string. nodes must all belong to the same project;
// the node with a nil Parent (or a parent not present in nodes) is treated
// as a root.
func Render(nodes []*types.Node) string {
	maxDepth := 0
	for _, n := range nodes {
		if n.Depth > maxDepth {
			maxDepth = n.Depth
		}
	}
	t := NewTree(maxDepth)
	return t.RenderForest(nodes)
}

// RenderForest renders every root found in nodes (there may be more than
// one if the caller passed a bare scope subtree whose ancestor chain above
// it was excluded).
func (t *Tree) RenderForest(nodes []*types.Node) string {
	byID := make(map[string]*types.Node, len(nodes))
	children := make(map[string][]*types.Node)
	for _, n := range nodes {
		byID[n.ID] = n
	}
	for _, n := range nodes {
		if n.Parent != nil {
			if _, ok := byID[*n.Parent]; ok {
				children[*n.Parent] = append(children[*n.Parent], n)
			}
		}
	}
	for _, kids := range children {
		sort.Slice(kids, func(i, j int) bool { return kids[i].CreatedAt.Before(kids[j].CreatedAt) })
	}

	var roots []*types.Node
	for _, n := range nodes {
		if n.Parent == nil {
			roots = append(roots, n)
			continue
		}
		if _, ok := byID[*n.Parent]; !ok {
			roots = append(roots, n)
		}
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].CreatedAt.Before(roots[j].CreatedAt) })

	for i, root := range roots {
		t.renderNode(root, children, 0, i == len(roots)-1)
	}
	return t.out.String()
}

func (t *Tree) renderNode(n *types.Node, children map[string][]*types.Node, depth int, isLast bool) {
	var prefix strings.Builder
	for i := 0; i < depth; i++ {
		if i < len(t.connectors) && t.connectors[i] {
			prefix.WriteString("│   ")
		} else {
			prefix.WriteString("    ")
		}
	}
	if depth > 0 {
		if isLast {
			prefix.WriteString("└── ")
		} else {
			prefix.WriteString("├── ")
		}
	}

	if t.seen[n.ID] {
		fmt.Fprintf(&t.out, "%s%s\n", prefix.String(), styleMuted.Render(n.ID+" (shown above)"))
		return
	}
	t.seen[n.ID] = true

	actionable := t.Actionable != nil && t.Actionable(n.ID)
	fmt.Fprintf(&t.out, "%s%s\n", prefix.String(), t.formatLine(n, actionable))

	kids := children[n.ID]
	for i, child := range kids {
		if depth < len(t.connectors) {
			t.connectors[depth] = i < len(kids)-1
		}
		t.renderNode(child, children, depth+1, i == len(kids)-1)
	}
}

func (t *Tree) formatLine(n *types.Node, actionable bool) string {
	glyph := statusGlyph(n, actionable)
	label := styleFor(n, actionable).Render(fmt.Sprintf("%s %s", glyph, n.ID))
	summary := n.Summary
	if slug := n.Properties.Slug(); slug != "" {
		summary = fmt.Sprintf("%s (%s)", summary, slug)
	}
	line := fmt.Sprintf("%s: %s", label, summary)
	if actionable {
		line += " " + styleBadge.Render("[READY]")
	}
	if n.Discovery == types.DiscoveryPending {
		line += " " + styleMuted.Render("[discovery pending]")
	}
	return line
}
