package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/studyhelper/syncbox/internal/server"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var database, listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync collaborator server",
		Long: `Run the authoritative sync server: the apply endpoint, the
last-write-wins conflict resolver, and the incremental change feed.

Example:
  syncbox serve --db ./server.db --listen 127.0.0.1:8484`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load config", err)
			}
			if database == "" {
				database = cfg.Server.DBPath
			}
			if listen == "" {
				listen = cfg.Server.ListenAddr
			}
			return runServer(cmd, database, listen)
		},
	}

	cmd.Flags().StringVar(&database, "db", "", "path to SQLite database (defaults to config)")
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (defaults to config)")

	return cmd
}

func runServer(cmd *cobra.Command, database, listen string) error {
	slog.Info("opening database", "path", database)
	store, err := server.OpenStore(database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	srv := &http.Server{
		Addr:              listen,
		Handler:           server.New(store).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Setup signal handling for graceful shutdown
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
		case <-ctx.Done():
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("server listening", "addr", listen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return WrapExitError(ExitCommandError, "server failed", err)
	}
	return nil
}
