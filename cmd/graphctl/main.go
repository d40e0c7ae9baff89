// Command graphctl talks to the same embedded database graphd serves,
// directly rather than over RPC, for one-shot maintenance operations.
// The status, tree and db subcommands live in this file and plan-form in
// plan_form.go; each subcommand opens the store itself through
// openStoreExclusive.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskgraph/graphd/internal/config"
	"github.com/taskgraph/graphd/internal/graph/continuity"
	"github.com/taskgraph/graphd/internal/graph/nodes"
	"github.com/taskgraph/graphd/internal/graph/query"
	"github.com/taskgraph/graphd/internal/graph/render"
	"github.com/taskgraph/graphd/internal/graph/types"
	"github.com/taskgraph/graphd/internal/lockfile"
	"github.com/taskgraph/graphd/internal/store"
)

var flagDB string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "graphctl",
	Short: "Direct, out-of-process maintenance commands for a graphd database",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "Database path (default: auto-discover via the same rule graphd uses)")
	rootCmd.AddCommand(statusCmd, treeCmd, planFormCmd, dbCmd)
	dbCmd.AddCommand(dbCheckpointCmd, dbMigrateCmd)
}

func resolveDBPath() (string, error) {
	if flagDB != "" {
		return flagDB, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return "", fmt.Errorf("graphctl: load config: %w", err)
	}
	return cfg.DBPath, nil
}

// openStoreExclusive acquires the same lockfile graphd holds while serving,
// so graphctl refuses to run concurrently against a live graphd on the same
// database.
func openStoreExclusive(dbPath string) (*store.Store, *lockfile.Lock, error) {
	lock, err := lockfile.Acquire(dbPath)
	if err != nil {
		if lockfile.IsLocked(err) {
			return nil, nil, fmt.Errorf("graphctl: graphd is running against %s; stop it first: %w", dbPath, err)
		}
		return nil, nil, fmt.Errorf("graphctl: acquire lock: %w", err)
	}
	st, err := store.Open(dbPath, nil)
	if err != nil {
		_ = lock.Release()
		return nil, nil, fmt.Errorf("graphctl: open store: %w", err)
	}
	return st, lock, nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print continuity health and integrity issues across all projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath, err := resolveDBPath()
		if err != nil {
			return err
		}
		st, lock, err := openStoreExclusive(dbPath)
		if err != nil {
			return err
		}
		defer lock.Release()
		defer st.Close()

		ctx := cmd.Context()
		nodeRepo := nodes.New()
		var statuses []render.ProjectStatus
		err = st.WithTx(ctx, func(tx *store.Tx) error {
			projects, err := nodeRepo.ListProjects(ctx, tx)
			if err != nil {
				return err
			}
			for _, project := range projects {
				summary, err := nodeRepo.ProjectSummary(ctx, tx, project)
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
				issues, err := continuity.Audit(ctx, tx, project, 60*time.Second)
				if err != nil {
					return err
				}
				issueLines := make([]string, len(issues))
				for i, issue := range issues {
					issueLines[i] = fmt.Sprintf("[%s] node %s: %s", issue.Type, issue.NodeID, issue.Remediation)
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
			return nil
		})
		if err != nil {
			return err
		}

		out, err := render.StatusMarkdown(statuses)
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	},
}

var treeCmd = &cobra.Command{
	Use:   "tree <project>",
	Short: "Render a project's node tree as box-drawing text",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		project := args[0]
		dbPath, err := resolveDBPath()
		if err != nil {
			return err
		}
		st, lock, err := openStoreExclusive(dbPath)
		if err != nil {
			return err
		}
		defer lock.Release()
		defer st.Close()

		ctx := cmd.Context()
		nodeRepo := nodes.New()
		var rendered string
		err = st.WithTx(ctx, func(tx *store.Tx) error {
			root, err := nodeRepo.ProjectRoot(ctx, tx, project)
			if err != nil {
				return err
			}
			if root == nil {
				return fmt.Errorf("graphctl: project %q has no root node", project)
			}
			descendants, err := nodeRepo.DescendantsOf(ctx, tx, root.ID)
			if err != nil {
				return err
			}
			rendered = render.Render(append([]*types.Node{root}, descendants...))
			return nil
		})
		if err != nil {
			return err
		}
		fmt.Println(rendered)
		return nil
	},
}

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Low-level database maintenance",
}

var dbCheckpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Force a WAL checkpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath, err := resolveDBPath()
		if err != nil {
			return err
		}
		st, lock, err := openStoreExclusive(dbPath)
		if err != nil {
			return err
		}
		defer lock.Release()
		defer st.Close()

		if err := st.Checkpoint(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("checkpoint complete")
		return nil
	},
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply any pending migrations (a no-op if already current; store.Open runs them automatically)",
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath, err := resolveDBPath()
		if err != nil {
			return err
		}
		// store.Open applies pending migrations before returning, so opening
		// and immediately closing is the whole operation.
		st, lock, err := openStoreExclusive(dbPath)
		if err != nil {
			return err
		}
		defer lock.Release()
		defer st.Close()
		fmt.Println("migrations up to date")
		return nil
	},
}
