// Command graphd is the long-lived server process: it owns the embedded
// database exclusively (internal/lockfile), serves the MCP stdio tool
// surface (internal/mcp) on stdin/stdout, runs the periodic WAL checkpoint
// loop, and optionally serves the read-only dashboard (internal/httpapi) on
// GRAPH_UI_PORT. A signal-aware root context, a cobra root command reading
// flags/env, and background goroutines joined on shutdown.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/taskgraph/graphd/internal/config"
	"github.com/taskgraph/graphd/internal/graph/knowledge"
	"github.com/taskgraph/graphd/internal/httpapi"
	"github.com/taskgraph/graphd/internal/lockfile"
	"github.com/taskgraph/graphd/internal/mcp"
	"github.com/taskgraph/graphd/internal/store"
	"github.com/taskgraph/graphd/internal/telemetry"
)

var (
	flagDB       string
	flagAgent    string
	flagClaimTTL int
	flagUIPort   int
	flagTuning   string
	flagLogJSON  bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "graphd",
	Short: "Task-graph engine server: MCP stdio tool surface over an embedded database",
	RunE:  runServer,
}

func init() {
	rootCmd.Flags().StringVar(&flagDB, "db", "", "Database path (default: per-project hashed path under ~/.graph/db)")
	rootCmd.Flags().StringVar(&flagAgent, "agent", "", "Agent identity for claims and audit trail (default: $GRAPH_AGENT)")
	rootCmd.Flags().IntVar(&flagClaimTTL, "claim-ttl", 0, "Soft-claim lease duration in seconds (default: $GRAPH_CLAIM_TTL or 60)")
	rootCmd.Flags().IntVar(&flagUIPort, "ui-port", 0, "Dashboard HTTP port; 0 disables the dashboard (default: $GRAPH_UI_PORT)")
	rootCmd.Flags().StringVar(&flagTuning, "tuning", "graphd.toml", "Path to the engine tuning TOML file")
	rootCmd.Flags().BoolVar(&flagLogJSON, "log-json", false, "Emit structured logs as JSON instead of text")
}

func runServer(cmd *cobra.Command, args []string) error {
	log := newLogger(flagLogJSON)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("graphd: load config: %w", err)
	}
	applyFlagOverrides(cfg)

	tuning, err := config.LoadEngineTuning(flagTuning)
	if err != nil {
		return fmt.Errorf("graphd: load engine tuning: %w", err)
	}

	lock, err := lockfile.Acquire(cfg.DBPath)
	if err != nil {
		if lockfile.IsLocked(err) {
			return fmt.Errorf("graphd: another graphd process already owns %s: %w", cfg.DBPath, err)
		}
		return fmt.Errorf("graphd: acquire lock: %w", err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Warn("release lock failed", "error", err)
		}
	}()

	st, err := store.Open(cfg.DBPath, log)
	if err != nil {
		return fmt.Errorf("graphd: open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn("close store failed", "error", err)
		}
	}()

	rec, err := telemetry.New(tuning.TelemetryInterval)
	if err != nil {
		log.Warn("telemetry disabled: failed to initialize", "error", err)
		rec = nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	config.WatchProjectConfig(func() {
		log.Info("project config changed; restart graphd to pick up agent/claim-ttl changes")
	})

	ai := knowledge.NewSummarizerFromConfig(cfg.AnthropicAPIKey, cfg.RetroAIModel)
	if ai == nil {
		log.Info("graph_retro AI summary disabled: ANTHROPIC_API_KEY not set")
	}
	mcpServer := mcp.NewWithAI(st, cfg.ClaimTTL, cfg.Agent, log, rec, ai)

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		st.RunCheckpointLoop(gctx, tuning.CheckpointInterval)
		return nil
	})

	if cfg.UIPort > 0 {
		dash := httpapi.New(st, time.Duration(cfg.ClaimTTL)*time.Second, log)
		group.Go(func() error {
			addr := fmt.Sprintf(":%d", cfg.UIPort)
			if err := dash.Start(gctx, addr); err != nil {
				return fmt.Errorf("dashboard: %w", err)
			}
			return nil
		})
	}

	group.Go(func() error {
		err := mcpServer.Serve(gctx, os.Stdin, os.Stdout)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("mcp serve: %w", err)
		}
		return nil
	})

	log.Info("graphd started", "db", cfg.DBPath, "agent", cfg.Agent, "claim_ttl", cfg.ClaimTTL, "ui_port", cfg.UIPort)

	err = group.Wait()
	if rec != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := rec.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Warn("telemetry shutdown failed", "error", shutdownErr)
		}
	}
	if err != nil {
		return err
	}
	log.Info("graphd stopped")
	return nil
}

func applyFlagOverrides(cfg *config.Config) {
	if flagDB != "" {
		cfg.DBPath = flagDB
	}
	if flagAgent != "" {
		cfg.Agent = flagAgent
	}
	if flagClaimTTL != 0 {
		cfg.ClaimTTL = flagClaimTTL
	}
	if cmdFlagChanged(rootCmd, "ui-port") {
		cfg.UIPort = flagUIPort
	}
}

func cmdFlagChanged(cmd *cobra.Command, name string) bool {
	f := cmd.Flags().Lookup(name)
	return f != nil && f.Changed
}

func newLogger(asJSON bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if asJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
