package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/studyhelper/syncbox/internal/mutation"
	"github.com/studyhelper/syncbox/internal/syncer"
)

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	var base string

	cmd := &cobra.Command{
		Use:   "enqueue <method> <target> [payload-json]",
		Short: "Queue a mutation for later replay",
		Long: `Append one mutation to the durable offline queue without attempting
the remote. CREATE and UPDATE require a JSON payload; DELETE forbids one.

Example:
  syncbox enqueue UPDATE notes/42 '{"title": "Revised"}' --base 2026-08-01T10:00:00Z
  syncbox enqueue DELETE tasks/7 --base 2026-08-01T10:00:00Z`,
		Args:          cobra.RangeArgs(2, 3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}

			method, err := mutation.ParseMethod(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid method", err)
			}

			var payload json.RawMessage
			if len(args) == 3 {
				payload = json.RawMessage(args[2])
			}

			baseUpdatedAt := time.Time{}
			if base != "" {
				if baseUpdatedAt, err = time.Parse(time.RFC3339, base); err != nil {
					return WrapExitError(ExitCommandError, "invalid --base timestamp", err)
				}
			}

			client, err := openClient(rootOpts)
			if err != nil {
				return err
			}
			defer client.Close()

			id, err := client.Enqueue(cmd.Context(), method, args[1], payload, baseUpdatedAt)
			if err != nil {
				return WrapExitError(ExitCommandError, "enqueue rejected", err)
			}

			return out.Success(map[string]any{
				"id":      id,
				"pending": client.PendingCount(cmd.Context()),
			})
		},
	}

	cmd.Flags().StringVar(&base, "base", "", "client-known updated_at of the resource (RFC3339)")

	return cmd
}

// openClient builds a syncer.Client from the effective configuration.
func openClient(rootOpts *RootOptions) (*syncer.Client, error) {
	cfg, err := rootOpts.loadConfig()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	client, err := syncer.Open(cfg.Client, slog.Default())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("failed to open queue at %s", cfg.Client.DBPath), err)
	}
	return client, nil
}
