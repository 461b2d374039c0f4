// Package cli — worktree.go implements the "tiller worktree" command group:
// list, create, archive, reconcile, prune and branch cleanup.
//
// list is read-only: orphaned directories are skipped, never deleted.
// Deleting orphans is the explicit two-step reconcile → prune flow.
package cli

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// NewWorktreeCommand creates the "worktree" command group.
func NewWorktreeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "worktree",
		Aliases: []string{"wt"},
		Short:   "Manage git worktrees and their port assignments",
	}

	cmd.AddCommand(newWorktreeListCommand())
	cmd.AddCommand(newWorktreeCreateCommand())
	cmd.AddCommand(newWorktreeArchiveCommand())
	cmd.AddCommand(newWorktreeReconcileCommand())
	cmd.AddCommand(newWorktreePruneCommand())
	cmd.AddCommand(newWorktreeCleanupCommand())

	return cmd
}

func newWorktreeListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the project's worktrees",
		Long: `List the project's worktrees with branch, git state and port assignments.

Directories in the worktree area that git does not know about are skipped;
run "tiller worktree reconcile" to see them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			proj, err := a.project()
			if err != nil {
				return err
			}

			views, err := a.registry.List(cmd.Context(), proj)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(views)
			}

			if len(views) == 0 {
				fmt.Println("No worktrees found.")
				return nil
			}

			fmt.Printf("%-24s %-24s %-8s %-8s %-14s %s\n",
				"NAME", "BRANCH", "FRONT", "BACK", "STATE", "LAST COMMIT")
			for _, view := range views {
				branch := "-"
				state := "unknown"
				lastCommit := "-"
				if view.Git != nil {
					branch = view.Git.Branch
					lastCommit = view.Git.LastCommit
					if view.Git.Dirty() {
						state = color.RedString("dirty (%d)", len(view.Git.DirtyFiles))
					} else {
						state = color.GreenString("clean")
					}
				}
				name := view.Config.Name
				if view.Repaired {
					name += color.YellowString(" (repaired)")
				}
				fmt.Printf("%-24s %-24s %-8s %-8s %-14s %s\n",
					name, branch,
					formatPort(view.Config.FrontendPort, view.FrontendInUse),
					formatPort(view.Config.BackendPort, view.BackendInUse),
					state, lastCommit)
			}
			return nil
		},
	}
}

// formatPort renders a port number with a marker when a process is bound.
func formatPort(port int, inUse bool) string {
	if inUse {
		return fmt.Sprintf("%d*", port)
	}
	return fmt.Sprintf("%d", port)
}

// worktreeCreateFlags holds the flag values for "worktree create".
type worktreeCreateFlags struct {
	description string
}

func newWorktreeCreateCommand() *cobra.Command {
	flags := &worktreeCreateFlags{}

	cmd := &cobra.Command{
		Use:   "create <branch>",
		Short: "Create a worktree for a branch",
		Long: `Create a git worktree for the branch and allocate its port pair.

An existing branch is reused; a missing one is created from the current
HEAD. The worktree directory is named after the branch with slashes
replaced by dashes, and receives a config file recording the assigned
frontend and backend ports.

Examples:
  tiller worktree create feature/auth
  tiller worktree create bugfix/login --description "login redirect loop"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			proj, err := a.project()
			if err != nil {
				return err
			}

			view, err := a.registry.Create(cmd.Context(), proj, args[0], flags.description)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(view)
			}
			fmt.Printf("Created worktree %s\n", color.New(color.Bold).Sprint(view.Config.Name))
			fmt.Printf("  path:     %s\n", view.Path)
			fmt.Printf("  frontend: %d\n", view.Config.FrontendPort)
			fmt.Printf("  backend:  %d\n", view.Config.BackendPort)
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.description, "description", "", "Free-form description stored in the worktree config")

	return cmd
}

// worktreeArchiveFlags holds the flag values for "worktree archive".
type worktreeArchiveFlags struct {
	force bool
}

func newWorktreeArchiveCommand() *cobra.Command {
	flags := &worktreeArchiveFlags{}

	cmd := &cobra.Command{
		Use:   "archive <name>",
		Short: "Remove a worktree, releasing its ports",
		Long: `Remove the worktree directory through git and release its port pair.

A worktree with uncommitted changes is refused unless --force is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			proj, err := a.project()
			if err != nil {
				return err
			}

			if err := a.registry.Archive(cmd.Context(), proj, args[0], flags.force); err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(map[string]string{"archived": args[0]})
			}
			fmt.Printf("Archived worktree %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVarP(&flags.force, "force", "f", false, "Archive even with uncommitted changes")

	return cmd
}

func newWorktreeReconcileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Report directories git does not know about",
		Long: `Compare the worktree area on disk against git's worktree list and report
orphaned directories. Nothing is deleted; pass the reported names to
"tiller worktree prune" to remove them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			proj, err := a.project()
			if err != nil {
				return err
			}

			orphans, err := a.registry.Reconcile(cmd.Context(), proj)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(map[string][]string{"orphans": orphans})
			}
			if len(orphans) == 0 {
				fmt.Println("No orphaned directories.")
				return nil
			}
			fmt.Printf("%d orphaned director%s:\n", len(orphans), pluralY(len(orphans)))
			for _, name := range orphans {
				fmt.Printf("  %s\n", name)
			}
			fmt.Printf("\nRemove with: tiller worktree prune %s\n", strings.Join(orphans, " "))
			return nil
		},
	}
}

func pluralY(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}

func newWorktreeCleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete local branches already merged to the integration branch",
		Long: `Delete the local branches that are fully merged to the project's
integration branch and not checked out in any worktree.

Unmerged branches are reported but left alone; archive or merge their
worktrees first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			proj, err := a.project()
			if err != nil {
				return err
			}

			deleted, skipped, err := a.registry.CleanupBranches(cmd.Context(), proj)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(map[string][]string{"deleted": deleted, "skipped": skipped})
			}
			if len(deleted) == 0 && len(skipped) == 0 {
				fmt.Println("No branches to clean up.")
				return nil
			}
			for _, name := range deleted {
				fmt.Printf("Deleted branch %s\n", name)
			}
			for _, name := range skipped {
				fmt.Printf("Skipped %s (not fully merged)\n", color.YellowString(name))
			}
			return nil
		},
	}
}

func newWorktreePruneCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "prune <name>...",
		Short: "Delete orphaned worktree directories",
		Long: `Delete the named orphaned directories from the worktree area.

Only directories git does not know about can be pruned; a registered
worktree name is refused (archive it instead).`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			proj, err := a.project()
			if err != nil {
				return err
			}

			if err := a.registry.PruneOrphans(cmd.Context(), proj, args); err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(map[string][]string{"pruned": args})
			}
			fmt.Printf("Pruned %d director%s\n", len(args), pluralY(len(args)))
			return nil
		},
	}
}
