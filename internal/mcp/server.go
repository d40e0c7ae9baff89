package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/taskgraph/graphd/internal/graph/assets"
	"github.com/taskgraph/graphd/internal/graph/edges"
	"github.com/taskgraph/graphd/internal/graph/events"
	"github.com/taskgraph/graphd/internal/graph/gerr"
	"github.com/taskgraph/graphd/internal/graph/knowledge"
	"github.com/taskgraph/graphd/internal/graph/mutate"
	"github.com/taskgraph/graphd/internal/graph/nodes"
	"github.com/taskgraph/graphd/internal/graph/schedule"
	"github.com/taskgraph/graphd/internal/store"
	"github.com/taskgraph/graphd/internal/telemetry"

	"golang.org/x/sync/singleflight"
)

// Server wires the graph packages to the MCP tool surface.
type Server struct {
	store     *store.Store
	nodes     *nodes.Repo
	edges     *edges.Repo
	events    *events.Repo
	engine    *mutate.Engine
	scheduler *schedule.Scheduler
	knowledge *knowledge.Repo
	claimTTL  time.Duration
	agent     string
	log       *slog.Logger
	telemetry *telemetry.Recorder
	querySF   singleflight.Group // coalesces concurrent identical graph_query calls
}

// New builds a Server over st. claimTTLSeconds is the soft-claim lease
// duration used by graph_next (GRAPH_CLAIM_TTL); agent is this process's
// caller identity (GRAPH_AGENT, default "default-agent"). rec is optional
// and may be nil (Recorder.Record/Shutdown are no-ops on a nil receiver).
// graph_retro runs without AI assistance; use NewWithAI to enable it.
func New(st *store.Store, claimTTLSeconds int, agent string, log *slog.Logger, rec *telemetry.Recorder) *Server {
	return newServer(st, claimTTLSeconds, agent, log, rec, nil)
}

// NewWithAI is New plus an AI summarizer for graph_retro (GRAPH_RETRO_AI_MODEL
// / ANTHROPIC_API_KEY, internal/config). Pass nil ai for the same behavior
// as New; knowledge.Repo.Submit treats a nil Summarizer as "no AI summary."
func NewWithAI(st *store.Store, claimTTLSeconds int, agent string, log *slog.Logger, rec *telemetry.Recorder, ai knowledge.Summarizer) *Server {
	return newServer(st, claimTTLSeconds, agent, log, rec, ai)
}

func newServer(st *store.Store, claimTTLSeconds int, agent string, log *slog.Logger, rec *telemetry.Recorder, ai knowledge.Summarizer) *Server {
	if log == nil {
		log = logNop()
	}
	if agent == "" {
		agent = "default-agent"
	}
	ttl := time.Duration(claimTTLSeconds) * time.Second
	return &Server{
		store:     st,
		nodes:     nodes.New(),
		edges:     edges.New(),
		events:    events.New(),
		engine:    mutate.New(st),
		scheduler: schedule.New(st, ttl),
		knowledge: knowledge.NewWithSummarizer(ai),
		claimTTL:  ttl,
		agent:     agent,
		log:       log,
		telemetry: rec,
	}
}

// toolHandler is the signature every graph_* handler implements: parse args,
// run against the store, return a JSON-serializable result or a typed error.
type toolHandler func(ctx context.Context, s *Server, args map[string]any) (any, error)

var toolHandlers = map[string]toolHandler{
	"graph_open":               handleOpen,
	"graph_plan":               handlePlan,
	"graph_next":               handleNext,
	"graph_context":            handleContext,
	"graph_update":             handleUpdate,
	"graph_connect":            handleConnect,
	"graph_query":              handleQuery,
	"graph_restructure":        handleRestructure,
	"graph_history":            handleHistory,
	"graph_onboard":            handleOnboard,
	"graph_tree":               handleTree,
	"graph_status":             handleStatus,
	"graph_knowledge_write":    handleKnowledgeWrite,
	"graph_knowledge_read":     handleKnowledgeRead,
	"graph_knowledge_delete":   handleKnowledgeDelete,
	"graph_knowledge_search":   handleKnowledgeSearch,
	"graph_knowledge_audit":    handleKnowledgeAudit,
	"graph_retro":              handleRetro,
	"graph_resolve":            handleResolve,
	"graph_agent_config":       handleAgentConfig,
}

// callTool dispatches a tools/call request, translating both validation
// failures and handler errors into the {error, code} envelope.
func (s *Server) callTool(ctx context.Context, name string, args map[string]any) *toolResult {
	start := time.Now()
	result := s.dispatchTool(ctx, name, args)
	s.telemetry.Record(ctx, name, result.IsError, time.Since(start))
	return result
}

// dispatchTool recovers from a panicking handler rather than letting it take
// down the whole long-lived daemon for every connected agent: one malformed
// call becomes a typed engine error on this call instead of a process exit.
func (s *Server) dispatchTool(ctx context.Context, name string, args map[string]any) (res *toolResult) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in tool dispatch", "tool", name, "panic", r, "stack", string(debug.Stack()))
			res = errContent(gerr.New(gerr.CodeEngineError, "internal error handling %q: %v", name, r))
		}
	}()

	handler, ok := toolHandlers[name]
	if !ok {
		return errContent(gerr.Validation("name", "unknown tool %q", name))
	}

	result, err := handler(ctx, s, args)
	if err != nil {
		return errContent(err)
	}

	text, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		return errContent(gerr.New(gerr.CodeEngineError, "cannot encode result: %v", marshalErr))
	}
	return &toolResult{Content: []toolContent{{Type: "text", Text: string(text)}}}
}

func errContent(err error) *toolResult {
	code := gerr.CodeOf(err)
	envelope := map[string]any{"error": err.Error(), "code": string(code)}
	text, _ := json.Marshal(envelope)
	return &toolResult{Content: []toolContent{{Type: "text", Text: string(text)}}, IsError: true}
}

const agentInstructions = `graphd tracks this project's work as a task graph rather than a flat
todo list. Call graph_agent_config to read the full onboarding prompt, or
graph_onboard for a project-specific orientation bundle. Call graph_next to
get your next actionable node.`

func agentPromptText() string { return assets.AgentPrompt }
