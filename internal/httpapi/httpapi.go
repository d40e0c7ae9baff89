// Package httpapi serves the read-only dashboard views over stdlib
// net/http, using http.ServeMux directly rather than a router framework
// (see DESIGN.md).
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/taskgraph/graphd/internal/graph/events"
	"github.com/taskgraph/graphd/internal/graph/knowledge"
	"github.com/taskgraph/graphd/internal/graph/nodes"
	"github.com/taskgraph/graphd/internal/graph/render"
	"github.com/taskgraph/graphd/internal/graph/types"
	"github.com/taskgraph/graphd/internal/store"
)

// Server serves the read-only dashboard views over GRAPH_UI_PORT.
type Server struct {
	store     *store.Store
	nodes     *nodes.Repo
	events    *events.Repo
	knowledge *knowledge.Repo
	claimTTL  time.Duration
	log       *slog.Logger

	httpServer *http.Server
	listener   net.Listener
}

// New builds a dashboard Server over st.
func New(st *store.Store, claimTTL time.Duration, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{store: st, nodes: nodes.New(), events: events.New(), knowledge: knowledge.New(), claimTTL: claimTTL, log: log}
}

// Start listens on addr and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/projects", s.handleProjects)
	mux.HandleFunc("/api/tree", s.handleTree)
	mux.HandleFunc("/api/projects/", s.handleProjectDetail)
	mux.HandleFunc("/api/nodes/", s.handleNodeHistory)

	s.httpServer = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	var err error
	s.listener, err = net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("httpapi: listen on %s: %w", addr, err)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info("dashboard listening", "addr", s.listener.Addr().String())
	err = s.httpServer.Serve(s.listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var summaries []*nodes.ProjectSummary
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		projects, err := s.nodes.ListProjects(ctx, tx)
		if err != nil {
			return err
		}
		for _, p := range projects {
			summary, err := s.nodes.ProjectSummary(ctx, tx, p)
			if err != nil {
				return err
			}
			summaries = append(summaries, summary)
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

// handleTree serves /api/tree?project=<slug>; /api/projects/<slug>/tree
// reaches the same rendering through serveProjectTree.
func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")
	if project == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "project is required"})
		return
	}

	ctx := r.Context()
	var rendered string
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		root, err := s.nodes.ProjectRoot(ctx, tx, project)
		if err != nil {
			return err
		}
		if root == nil {
			return fmt.Errorf("httpapi: project %q has no root node", project)
		}
		descendants, err := s.nodes.DescendantsOf(ctx, tx, root.ID)
		if err != nil {
			return err
		}
		rendered = render.Render(append([]*types.Node{root}, descendants...))
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"tree": rendered})
}

// handleNodeHistory serves /api/nodes/<id>/history.
func (s *Server) handleNodeHistory(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/nodes/")
	nodeID, suffix, ok := strings.Cut(path, "/")
	if !ok || suffix != "history" || nodeID == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown endpoint"})
		return
	}

	ctx := r.Context()
	var result struct {
		Events     []*types.Event `json:"events"`
		NextCursor int64          `json:"next_cursor"`
	}
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		events, next, err := s.events.ForNode(ctx, tx, nodeID, 0, 0)
		if err != nil {
			return err
		}
		result.Events, result.NextCursor = events, next
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleProjectDetail serves /api/projects/<slug>/{tree,knowledge,onboard}.
func (s *Server) handleProjectDetail(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/projects/")
	project, view, ok := strings.Cut(path, "/")
	if !ok || project == "" || view == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown endpoint"})
		return
	}

	ctx := r.Context()
	switch view {
	case "tree":
		s.serveProjectTree(w, r.WithContext(ctx), project)
	case "knowledge":
		s.serveProjectKnowledge(w, ctx, project)
	case "onboard":
		s.serveProjectOnboard(w, ctx, project)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown view"})
	}
}

func (s *Server) serveProjectTree(w http.ResponseWriter, r *http.Request, project string) {
	q := r.URL.Query()
	q.Set("project", project)
	r.URL.RawQuery = q.Encode()
	s.handleTree(w, r)
}

func (s *Server) serveProjectKnowledge(w http.ResponseWriter, ctx context.Context, project string) {
	var entries []*types.KnowledgeEntry
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		entries, err = s.knowledge.Search(ctx, tx, project, "", "")
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) serveProjectOnboard(w http.ResponseWriter, ctx context.Context, project string) {
	var result struct {
		Tree      string                  `json:"tree"`
		Knowledge []*types.KnowledgeEntry `json:"knowledge"`
	}
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		root, err := s.nodes.ProjectRoot(ctx, tx, project)
		if err != nil {
			return err
		}
		if root == nil {
			return fmt.Errorf("httpapi: project %q has no root node", project)
		}
		descendants, err := s.nodes.DescendantsOf(ctx, tx, root.ID)
		if err != nil {
			return err
		}
		result.Tree = render.Render(append([]*types.Node{root}, descendants...))
		result.Knowledge, err = s.knowledge.Search(ctx, tx, project, "", "")
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}
