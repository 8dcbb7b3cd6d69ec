package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Monitor connectivity and drain automatically on reconnect",
		Long: `Run the connectivity monitor and replay worker until interrupted.
The monitor probes the server's health endpoint; every offline-to-online
transition (and a reachable start) triggers a drain pass. Records that
survived a restart while offline are flushed on the first probe.

Example:
  syncbox watch --config syncbox.yaml --verbose`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := openClient(rootOpts)
			if err != nil {
				return err
			}
			defer client.Close()

			parentCtx := cmd.Context()
			if parentCtx == nil {
				parentCtx = context.Background()
			}
			ctx, cancel := context.WithCancel(parentCtx)
			defer cancel()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigChan)

			go func() {
				select {
				case sig := <-sigChan:
					slog.Info("received signal, shutting down", "signal", sig)
					cancel()
				case <-ctx.Done():
				}
			}()

			if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return WrapExitError(ExitCommandError, "watch failed", err)
			}
			return nil
		},
	}

	return cmd
}
