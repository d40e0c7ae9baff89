package render

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"golang.org/x/term"
)

// defaultWordWrap is used whenever stdout isn't an attached terminal (piped
// output, a test harness) and GetSize has nothing to report.
const defaultWordWrap = 100

// terminalWordWrap only calls term.GetSize on an actual terminal, since it
// errors on a pipe/redirect.
func terminalWordWrap() int {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return defaultWordWrap
	}
	w, _, err := term.GetSize(fd)
	if err != nil || w <= 0 {
		return defaultWordWrap
	}
	if w > defaultWordWrap {
		return defaultWordWrap
	}
	return w
}

// ProjectStatus is the data graph_status renders: one project's health
// snapshot plus its integrity issues, sourced from the continuity package.
type ProjectStatus struct {
	Project          string
	TotalNodes       int
	ResolvedNodes    int
	ActionableNodes  int
	BlockedNodes     int
	HealthScore      int
	IntegrityIssues  []string
}

// StatusMarkdown renders a set of project statuses as a markdown document,
// terminal-styled via charmbracelet/glamour.
func StatusMarkdown(statuses []ProjectStatus) (string, error) {
	var b strings.Builder
	b.WriteString("# Graph Status\n\n")
	for _, s := range statuses {
		fmt.Fprintf(&b, "## %s\n\n", s.Project)
		fmt.Fprintf(&b, "- nodes: %d total, %d resolved, %d actionable, %d blocked\n", s.TotalNodes, s.ResolvedNodes, s.ActionableNodes, s.BlockedNodes)
		fmt.Fprintf(&b, "- health score: **%d/100**\n", s.HealthScore)
		if len(s.IntegrityIssues) > 0 {
			b.WriteString("\n### Integrity issues\n\n")
			for _, issue := range s.IntegrityIssues {
				fmt.Fprintf(&b, "- %s\n", issue)
			}
		}
		b.WriteString("\n")
	}

	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(terminalWordWrap()),
	)
	if err != nil {
		return "", fmt.Errorf("render: build renderer: %w", err)
	}
	out, err := r.Render(b.String())
	if err != nil {
		return "", fmt.Errorf("render: render markdown: %w", err)
	}
	return out, nil
}
