// Package cli — item.go implements the "tiller item" command group:
// list, status, comment and move against the project's backlog document.
package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/tiller/internal/model"
)

// NewItemCommand creates the "item" command group.
func NewItemCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "item",
		Short: "Manage backlog items",
	}

	cmd.AddCommand(newItemListCommand())
	cmd.AddCommand(newItemStatusCommand())
	cmd.AddCommand(newItemCommentCommand())
	cmd.AddCommand(newItemMoveCommand())

	return cmd
}

// itemListFlags holds the flag values for "item list".
type itemListFlags struct {
	sprint      string
	excludeDone bool
}

func newItemListCommand() *cobra.Command {
	flags := &itemListFlags{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List backlog items, optionally filtered by sprint",
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
			store := a.backlogStore(proj)

			var items []model.BacklogItem
			if cmd.Flags().Changed("sprint") {
				items, err = store.ItemsForSprint(flags.sprint, flags.excludeDone)
				if err != nil {
					return err
				}
			} else {
				doc, err := store.Load()
				if err != nil {
					return err
				}
				for _, item := range doc.Items {
					if flags.excludeDone && item.Status == model.ItemDone {
						continue
					}
					items = append(items, item)
				}
			}

			if jsonOutput {
				return printJSON(items)
			}
			if len(items) == 0 {
				fmt.Println("No items found.")
				return nil
			}

			fmt.Printf("%-12s %-20s %-12s %-8s %s\n", "ID", "SPRINT", "STATUS", "TYPE", "TITLE")
			for _, item := range items {
				sprint := item.Sprint
				if sprint == "" {
					sprint = "-"
				}
				itemType := item.Type
				if itemType == "" {
					itemType = "-"
				}
				fmt.Printf("%-12s %-20s %-12s %-8s %s\n",
					item.ID, sprint, item.Status, itemType, item.Title)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.sprint, "sprint", "", "Filter by sprint name (empty string means the unassigned backlog)")
	cmd.Flags().BoolVar(&flags.excludeDone, "open", false, "Exclude done items")

	return cmd
}

func newItemStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <item-id> <status>",
		Short: "Set a backlog item's status",
		Long: `Set the item's status to one of new, in_progress, review, done, closed
or archived.`,
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

			status, err := model.ParseItemStatus(args[1])
			if err != nil {
				return err
			}
			if err := a.backlogStore(proj).SetItemStatus(args[0], status, time.Now()); err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(map[string]string{"id": args[0], "status": status.String()})
			}
			fmt.Printf("Item %s is now %s\n", args[0], status)
			return nil
		},
	}
}

func newItemCommentCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "comment <item-id> <text>",
		Short: "Add a timestamped comment to a backlog item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			proj, err := a.project()
			if err != nil {
				return err
			}

			if err := a.backlogStore(proj).AddComment(args[0], args[1], time.Now()); err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(map[string]string{"id": args[0], "comment": args[1]})
			}
			fmt.Printf("Commented on item %s\n", args[0])
			return nil
		},
	}
}

func newItemMoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "move <item-id> [sprint]",
		Short: "Move a backlog item to a sprint",
		Long: `Move the item to the named sprint, creating the sprint if it does not
exist. Without a sprint argument the item moves to the unassigned backlog.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			proj, err := a.project()
			if err != nil {
				return err
			}

			sprint := ""
			if len(args) == 2 {
				sprint = args[1]
			}
			if err := a.backlogStore(proj).MoveItemToSprint(args[0], sprint, time.Now()); err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(map[string]string{"id": args[0], "sprint": sprint})
			}
			if sprint == "" {
				fmt.Printf("Moved item %s to the backlog\n", args[0])
			} else {
				fmt.Printf("Moved item %s to sprint %s\n", args[0], sprint)
			}
			return nil
		},
	}
}
