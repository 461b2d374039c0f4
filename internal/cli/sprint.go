// Package cli — sprint.go implements the "tiller sprint" command group:
// list, create, rename and delete against the project's backlog document.
package cli

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/tiller/internal/model"
)

// NewSprintCommand creates the "sprint" command group.
func NewSprintCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sprint",
		Short: "Manage sprints in the project backlog",
	}

	cmd.AddCommand(newSprintListCommand())
	cmd.AddCommand(newSprintCreateCommand())
	cmd.AddCommand(newSprintRenameCommand())
	cmd.AddCommand(newSprintDeleteCommand())

	return cmd
}

func newSprintListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sprints with their item counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			proj, err := a.project()
			if err != nil {
				return err
			}

			doc, err := a.backlogStore(proj).Load()
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(doc.Sprints)
			}
			if len(doc.Sprints) == 0 {
				fmt.Println("No sprints found.")
				return nil
			}

			counts := map[string]int{}
			open := map[string]int{}
			for _, item := range doc.Items {
				counts[item.Sprint]++
				if item.Status != model.ItemDone && item.Status != model.ItemClosed && item.Status != model.ItemArchived {
					open[item.Sprint]++
				}
			}

			sprints := make([]model.Sprint, len(doc.Sprints))
			copy(sprints, doc.Sprints)
			sort.Slice(sprints, func(i, j int) bool { return sprints[i].Name < sprints[j].Name })

			fmt.Printf("%-24s %-12s %-12s %-8s %s\n", "NAME", "START", "END", "ITEMS", "OPEN")
			for _, sprint := range sprints {
				fmt.Printf("%-24s %-12s %-12s %-8d %d\n",
					sprint.Name, formatDate(sprint.Start), formatDate(sprint.End),
					counts[sprint.Name], open[sprint.Name])
			}
			return nil
		},
	}
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02")
}

// sprintCreateFlags holds the flag values for "sprint create".
type sprintCreateFlags struct {
	description string
	start       string
	end         string
	goals       []string
}

func newSprintCreateCommand() *cobra.Command {
	flags := &sprintCreateFlags{}

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a sprint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			proj, err := a.project()
			if err != nil {
				return err
			}

			sprint := model.Sprint{
				Name:        args[0],
				Description: flags.description,
				Goals:       flags.goals,
			}
			if flags.start != "" {
				sprint.Start, err = time.Parse("2006-01-02", flags.start)
				if err != nil {
					return fmt.Errorf("invalid --start date %q: use YYYY-MM-DD", flags.start)
				}
			}
			if flags.end != "" {
				sprint.End, err = time.Parse("2006-01-02", flags.end)
				if err != nil {
					return fmt.Errorf("invalid --end date %q: use YYYY-MM-DD", flags.end)
				}
			}

			if err := a.backlogStore(proj).CreateSprint(sprint); err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(sprint)
			}
			fmt.Printf("Created sprint %s\n", sprint.Name)
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.description, "description", "", "Sprint description")
	cmd.Flags().StringVar(&flags.start, "start", "", "Start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&flags.end, "end", "", "End date (YYYY-MM-DD)")
	cmd.Flags().StringArrayVar(&flags.goals, "goal", nil, "Sprint goal (repeatable)")

	return cmd
}

func newSprintRenameCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <old-name> <new-name>",
		Short: "Rename a sprint, cascading to its items",
		Long: `Rename the sprint. The name is the sprint's identity, so the rename is
cascaded to every item referencing it.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			proj, err := a.project()
			if err != nil {
				return err
			}

			if err := a.backlogStore(proj).RenameSprint(args[0], args[1], time.Now()); err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(map[string]string{"from": args[0], "to": args[1]})
			}
			fmt.Printf("Renamed sprint %s to %s\n", args[0], args[1])
			return nil
		},
	}
}

func newSprintDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a sprint, moving its items to the backlog",
		Long: `Delete the sprint. Its items are not deleted; they are reassigned to the
unassigned backlog.`,
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

			if err := a.backlogStore(proj).DeleteSprint(args[0], time.Now()); err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(map[string]string{"deleted": args[0]})
			}
			fmt.Printf("Deleted sprint %s (items moved to the backlog)\n", args[0])
			return nil
		},
	}
}
