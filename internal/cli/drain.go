package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/studyhelper/syncbox/internal/mutation"
)

// NewDrainCommand creates the drain command.
func NewDrainCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Replay queued mutations against the server now",
		Long: `Run one drain pass: dispatch every queued mutation in FIFO order,
apply the bounded-retry policy, and print the reconciliation report.

Exits 1 when the pass reported conflicts or permanent failures, so
scripts can notice that some edits did not land verbatim.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := openClient(rootOpts)
			if err != nil {
				return err
			}
			defer client.Close()

			report := client.DrainNow(cmd.Context())

			if rootOpts.Format == "json" {
				out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
				if err := out.Success(report); err != nil {
					return err
				}
			} else {
				printReport(cmd.OutOrStdout(), report)
			}

			if len(report.Conflicts) > 0 || len(report.Failed) > 0 {
				return WrapExitError(ExitFailure, "drain completed with conflicts or failures", nil)
			}
			return nil
		},
	}

	return cmd
}

// printReport renders a reconciliation report as human-readable text.
func printReport(w io.Writer, report *mutation.Report) {
	fmt.Fprintf(w, "applied:  %d\n", report.Applied)
	fmt.Fprintf(w, "retried:  %d\n", report.Retried)

	fmt.Fprintf(w, "conflicts: %d\n", len(report.Conflicts))
	for _, c := range report.Conflicts {
		fmt.Fprintf(w, "  %s: %s (client %s, server %s)\n",
			c.Target, c.Reason,
			c.ClientTimestamp.Format("2006-01-02 15:04:05"),
			c.ServerTimestamp.Format("2006-01-02 15:04:05"))
	}

	fmt.Fprintf(w, "failed:    %d\n", len(report.Failed))
	for _, f := range report.Failed {
		fmt.Fprintf(w, "  %s: dropped after %d attempts\n", f.Target, f.Attempts)
	}

	fmt.Fprintf(w, "server changes: %d\n", len(report.ServerChanges))
	if !report.Checkpoint.IsZero() {
		fmt.Fprintf(w, "checkpoint: %s\n", report.Checkpoint.Format("2006-01-02 15:04:05"))
	}
}
