// Package cli — ports.go implements the "tiller ports" command group:
// a machine-wide view of port assignments and a kill switch for leftover
// dev-server processes.
package cli

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/tiller/internal/model"
)

// NewPortsCommand creates the "ports" command group.
func NewPortsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ports",
		Short: "Inspect port assignments and kill leftover processes",
	}

	cmd.AddCommand(newPortsListCommand())
	cmd.AddCommand(newPortsKillCommand())

	return cmd
}

// portRow is one line of the machine-wide port table.
type portRow struct {
	Port     int            `json:"port"`
	Role     model.PortRole `json:"role"`
	Project  string         `json:"project"`
	Worktree string         `json:"worktree"`
	InUse    bool           `json:"inUse"`
}

func newPortsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List port assignments across all projects",
		Long: `List every assigned port across all configured projects, with the owning
worktree and whether a process is currently bound. Assignments are
machine-wide: allocation excludes every port listed here regardless of
project.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}

			var rows []portRow
			for _, proj := range a.registry.Projects() {
				views, err := a.registry.List(cmd.Context(), &proj)
				if err != nil {
					return err
				}
				for _, view := range views {
					rows = append(rows,
						portRow{
							Port:     view.Config.FrontendPort,
							Role:     model.RoleFrontend,
							Project:  proj.ID,
							Worktree: view.Config.Name,
							InUse:    view.FrontendInUse,
						},
						portRow{
							Port:     view.Config.BackendPort,
							Role:     model.RoleBackend,
							Project:  proj.ID,
							Worktree: view.Config.Name,
							InUse:    view.BackendInUse,
						})
				}
			}
			sort.Slice(rows, func(i, j int) bool { return rows[i].Port < rows[j].Port })

			if jsonOutput {
				return printJSON(rows)
			}
			if len(rows) == 0 {
				fmt.Println("No port assignments found.")
				return nil
			}

			fmt.Printf("%-8s %-10s %-20s %-24s %s\n", "PORT", "ROLE", "PROJECT", "WORKTREE", "IN USE")
			for _, row := range rows {
				inUse := "-"
				if row.InUse {
					inUse = color.YellowString("yes")
				}
				fmt.Printf("%-8d %-10s %-20s %-24s %s\n",
					row.Port, row.Role, row.Project, row.Worktree, inUse)
			}
			return nil
		},
	}
}

func newPortsKillCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <port>",
		Short: "Kill the process bound to a port",
		Long: `Kill whatever process is listening on the port. The process receives an
interrupt first and is killed only if it ignores it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid port %q", args[0])
			}

			a, err := newApp()
			if err != nil {
				return err
			}

			killed, err := a.prober.KillPort(cmd.Context(), port)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(map[string]int{"port": port, "killed": killed})
			}
			if killed == 0 {
				fmt.Printf("No process bound to port %d\n", port)
			} else {
				fmt.Printf("Killed %d process(es) on port %d\n", killed, port)
			}
			return nil
		},
	}
}
