package cli

import (
	"github.com/spf13/cobra"
)

// NewPendingCommand creates the pending command.
func NewPendingCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Show the number of queued mutations",
		Long: `Print the count of mutations waiting for replay. Non-zero means
local-only state exists that has not reached the server yet.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}

			client, err := openClient(rootOpts)
			if err != nil {
				return err
			}
			defer client.Close()

			return out.Success(map[string]any{
				"pending": client.PendingCount(cmd.Context()),
			})
		},
	}

	return cmd
}
