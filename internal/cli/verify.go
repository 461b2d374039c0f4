// Package cli — verify.go implements "tiller verify", re-running the
// verification battery for a closed session, and the shared report
// renderer.
package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/tiller/internal/model"
)

// NewVerifyCommand creates the "verify" command.
func NewVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <session-id>",
		Short: "Re-run the verification battery for a closed session",
		Long: `Re-run the verification battery against the session's declared closure
type and overwrite the stored report.

Verification is read-only and idempotent: it inspects current git, port
and backlog state, so re-running after fixing a finding shows the fix.`,
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

			sess, err := a.sessions.Verify(cmd.Context(), proj, args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(sess.Report)
			}
			printReportText(sess.Report)
			return nil
		},
	}
}

// printReportText renders a verification report: one block per check,
// status-colored, followed by the tally and aggregate.
func printReportText(report *model.VerificationReport) {
	fmt.Printf("Verification %s (%s closure)\n\n", report.RunID, report.ClosureType)

	for _, check := range report.Checks {
		fmt.Printf("%s %s\n", formatCheckStatus(check.Status), check.Name)
		for _, detail := range check.Details {
			fmt.Printf("      %s\n", detail)
		}
	}

	fmt.Printf("\n%d passed, %d warnings, %d failed — %s\n",
		report.Passed, report.Warnings, report.Failed,
		formatAggregate(report.Aggregate()))
}

// formatCheckStatus renders a fixed-width colored status tag.
func formatCheckStatus(status model.CheckStatus) string {
	switch status {
	case model.CheckPassed:
		return color.GreenString("[PASS]")
	case model.CheckWarning:
		return color.YellowString("[WARN]")
	case model.CheckFailed:
		return color.RedString("[FAIL]")
	case model.CheckError:
		return color.RedString("[ERR ]")
	case model.CheckSkipped:
		return "[SKIP]"
	default:
		return "[INFO]"
	}
}

func formatAggregate(status model.CheckStatus) string {
	switch status {
	case model.CheckPassed:
		return color.GreenString("passed")
	case model.CheckWarning:
		return color.YellowString("warning")
	default:
		return color.RedString("failed")
	}
}
