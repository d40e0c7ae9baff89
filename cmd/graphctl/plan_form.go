// Interactive node creation: a multi-group huh form collecting the same
// fields graph_plan accepts over the wire, here filled in by a human at a
// terminal instead of an agent over stdio.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/taskgraph/graphd/internal/graph/mutate"
	"github.com/taskgraph/graphd/internal/graph/nodes"
	"github.com/taskgraph/graphd/internal/store"
)

var planFormCmd = &cobra.Command{
	Use:   "plan-form",
	Short: "Create a node using an interactive form",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPlanForm(cmd)
	},
}

func runPlanForm(cmd *cobra.Command) error {
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
	var projects []string
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		projects, err = nodeRepo.ListProjects(ctx, tx)
		return err
	})
	if err != nil {
		return err
	}

	var project, summary, parentID, dependsOnInput string
	var confirm bool

	projectField := huh.NewInput().
		Title("Project").
		Description("Project slug this node belongs to").
		Placeholder(strings.Join(projects, ", ")).
		Value(&project).
		Validate(func(s string) error {
			if strings.TrimSpace(s) == "" {
				return fmt.Errorf("project is required")
			}
			return nil
		})

	form := huh.NewForm(
		huh.NewGroup(
			projectField,
			huh.NewInput().
				Title("Summary").
				Description("One-line description of the work").
				Value(&summary).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("summary is required")
					}
					return nil
				}),
			huh.NewInput().
				Title("Parent node ID").
				Description("Existing node this becomes a child of (optional; blank creates a project root)").
				Value(&parentID),
			huh.NewInput().
				Title("Depends on").
				Description("Comma-separated node IDs this node depends on (optional)").
				Value(&dependsOnInput),
			huh.NewConfirm().
				Title("Create this node?").
				Affirmative("Create").
				Negative("Cancel").
				Value(&confirm),
		),
	).WithTheme(huh.ThemeDracula())

	if err := form.Run(); err != nil {
		if err == huh.ErrUserAborted {
			fmt.Fprintln(os.Stderr, "node creation cancelled.")
			return nil
		}
		return fmt.Errorf("graphctl: plan form: %w", err)
	}
	if !confirm {
		fmt.Fprintln(os.Stderr, "node creation cancelled.")
		return nil
	}

	var dependsOn []string
	for _, d := range strings.Split(dependsOnInput, ",") {
		if d = strings.TrimSpace(d); d != "" {
			dependsOn = append(dependsOn, d)
		}
	}

	engine := mutate.New(st)
	result, err := engine.Plan(ctx, "graphctl", []mutate.PlanNode{
		{
			Ref:       "form",
			ParentID:  parentID,
			Project:   project,
			Summary:   summary,
			DependsOn: dependsOn,
		},
	})
	if err != nil {
		return err
	}

	for _, n := range result.Created {
		fmt.Printf("created %s: %s\n", n.ID, n.Summary)
	}
	return nil
}
