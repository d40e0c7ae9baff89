// Package assets embeds static content served verbatim over the tool
// surface (graph_agent_config).
package assets

import _ "embed"

//go:embed agent_prompt.md
var AgentPrompt string
