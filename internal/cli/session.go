// Package cli — session.go implements the "tiller session" command group:
// create, list, show, advance, close and update.
package cli

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/tiller/internal/model"
	"github.com/mmr-tortoise/tiller/internal/session"
)

// NewSessionCommand creates the "session" command group.
func NewSessionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "session",
		Aliases: []string{"s"},
		Short:   "Manage development sessions",
	}

	cmd.AddCommand(newSessionCreateCommand())
	cmd.AddCommand(newSessionListCommand())
	cmd.AddCommand(newSessionShowCommand())
	cmd.AddCommand(newSessionAdvanceCommand())
	cmd.AddCommand(newSessionCloseCommand())
	cmd.AddCommand(newSessionUpdateCommand())

	return cmd
}

func newSessionCreateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "create <sprint> <worktree>",
		Short: "Create a session binding a sprint to a worktree",
		Long: `Create a development session binding the sprint to the worktree.

The session snapshots the sprint's open backlog items and the worktree's
port assignments, and starts in the planned state.

Example:
  tiller session create "Sprint 12" feature-auth`,
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

			sess, err := a.sessions.Create(cmd.Context(), proj, args[0], args[1])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(sess)
			}
			fmt.Printf("Created session %s\n", color.New(color.Bold).Sprint(sess.ID))
			fmt.Printf("  sprint:   %s\n", sess.Sprint)
			fmt.Printf("  worktree: %s (frontend %d, backend %d)\n", sess.Worktree, sess.FrontendPort, sess.BackendPort)
			fmt.Printf("  items:    %d\n", len(sess.Items))
			return nil
		},
	}
}

func newSessionListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the project's sessions, newest first",
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

			sessions, err := a.sessions.List(proj)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(sessions)
			}
			if len(sessions) == 0 {
				fmt.Println("No sessions found.")
				return nil
			}

			fmt.Printf("%-36s %-12s %-10s %-20s %s\n",
				"ID", "STATE", "CLOSURE", "SPRINT", "WORKTREE")
			for _, sess := range sessions {
				closure := "-"
				if sess.ClosureType != "" {
					closure = sess.ClosureType.String()
				}
				fmt.Printf("%-36s %-12s %-10s %-20s %s\n",
					sess.ID, formatState(sess.State), closure, sess.Sprint, sess.Worktree)
			}
			return nil
		},
	}
}

// formatState colors terminal and active states differently.
func formatState(state model.SessionState) string {
	switch state {
	case model.StateCompleted:
		return color.GreenString(state.String())
	case model.StatePlanned:
		return state.String()
	default:
		return color.CyanString(state.String())
	}
}

func newSessionShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show one session, including its verification report",
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

			sess, err := a.sessions.Get(proj, args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(sess)
			}
			printSessionText(sess)
			return nil
		},
	}
}

// printSessionText renders one session in human-readable form.
func printSessionText(sess *model.Session) {
	fmt.Printf("Session %s\n", color.New(color.Bold).Sprint(sess.ID))
	fmt.Printf("  state:    %s\n", formatState(sess.State))
	fmt.Printf("  sprint:   %s\n", sess.Sprint)
	fmt.Printf("  worktree: %s (frontend %d, backend %d)\n", sess.Worktree, sess.FrontendPort, sess.BackendPort)
	fmt.Printf("  created:  %s\n", sess.CreatedAt.Local().Format(time.RFC1123))
	if !sess.StartedAt.IsZero() {
		fmt.Printf("  started:  %s\n", sess.StartedAt.Local().Format(time.RFC1123))
	}
	if !sess.CompletedAt.IsZero() {
		fmt.Printf("  closed:   %s as %s (duration %s)\n",
			sess.CompletedAt.Local().Format(time.RFC1123), sess.ClosureType, sess.Duration.Round(time.Second))
	}
	if sess.Notes != "" {
		fmt.Printf("  notes:    %s\n", sess.Notes)
	}

	if len(sess.Items) > 0 {
		fmt.Println("\nItems:")
		for _, item := range sess.Items {
			mark := "[ ]"
			if item.Done {
				mark = color.GreenString("[x]")
			}
			fmt.Printf("  %s %s %s\n", mark, item.ID, item.Title)
		}
	}

	if sess.Report != nil {
		fmt.Println()
		printReportText(sess.Report)
	}
}

func newSessionAdvanceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "advance <session-id> [state]",
		Short: "Advance a session to its next lifecycle state",
		Long: `Advance the session one step along
planned → started → in_progress → testing → closing.

Without a state argument the session moves to its immediate successor.
States cannot be skipped or revisited, and completed is only reachable
through "tiller session close".`,
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

			var target model.SessionState
			if len(args) == 2 {
				target, err = model.ParseSessionState(args[1])
				if err != nil {
					return err
				}
			} else {
				sess, err := a.sessions.Get(proj, args[0])
				if err != nil {
					return err
				}
				next, ok := session.Next(sess.State)
				if !ok {
					return model.Conflictf("session %s has no next state; use close", sess.ID)
				}
				target = next
			}

			sess, err := a.sessions.Advance(proj, args[0], target)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(sess)
			}
			fmt.Printf("Session %s is now %s\n", sess.ID, formatState(sess.State))
			return nil
		},
	}
}

func newSessionCloseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "close <session-id> <closure-type>",
		Short: "Close a session and run the verification battery",
		Long: `Close the session with the given closure type and run verification.

The closure type declares the outcome and parameterizes verification:
  COMPLETE  work finished, worktree and branch cleaned up
  WIP       work parked, worktree and branch preserved
  ARCHIVE   work preserved for reference
  ABANDON   work discarded

Closing is only allowed from the closing state. The verification report
is printed and stored on the session; re-run it any time with
"tiller verify".`,
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

			closureType, err := model.ParseClosureType(args[1])
			if err != nil {
				return err
			}

			sess, err := a.sessions.Close(cmd.Context(), proj, args[0], closureType)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(sess)
			}
			fmt.Printf("Session %s closed as %s\n\n", sess.ID, sess.ClosureType)
			if sess.Report != nil {
				printReportText(sess.Report)
			}
			return nil
		},
	}
}

// sessionUpdateFlags holds the flag values for "session update".
type sessionUpdateFlags struct {
	notes  string
	done   []string
	undone []string
}

func newSessionUpdateCommand() *cobra.Command {
	flags := &sessionUpdateFlags{}

	cmd := &cobra.Command{
		Use:   "update <session-id>",
		Short: "Update a session's notes or item checklist",
		Long: `Update the session's notes or toggle snapshot items done/undone.

Toggling an item writes the matching status back to the backlog document:
--done sets the item to done, --undone back to in_progress.

Examples:
  tiller session update 20260831-s12-feature-auth --notes "auth flow works"
  tiller session update 20260831-s12-feature-auth --done ITEM-4 --done ITEM-7`,
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

			patch := session.UpdatePatch{}
			if cmd.Flags().Changed("notes") {
				patch.Notes = &flags.notes
			}
			if len(flags.done) > 0 || len(flags.undone) > 0 {
				patch.ItemDone = make(map[string]bool, len(flags.done)+len(flags.undone))
				for _, id := range flags.done {
					patch.ItemDone[id] = true
				}
				for _, id := range flags.undone {
					patch.ItemDone[id] = false
				}
			}

			sess, err := a.sessions.Update(proj, args[0], patch)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(sess)
			}
			printSessionText(sess)
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.notes, "notes", "", "Replace the session notes")
	cmd.Flags().StringArrayVar(&flags.done, "done", nil, "Mark a snapshot item done (repeatable)")
	cmd.Flags().StringArrayVar(&flags.undone, "undone", nil, "Mark a snapshot item not done (repeatable)")

	return cmd
}
