// Package cli — serve.go implements "tiller serve", running the HTTP API
// until interrupted.
package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/tiller/internal/logging"
	"github.com/mmr-tortoise/tiller/internal/server"
)

// serveFlags holds the flag values for "serve".
type serveFlags struct {
	addr string
}

// NewServeCommand creates the "serve" command.
func NewServeCommand() *cobra.Command {
	flags := &serveFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		Long: `Run the HTTP API server exposing projects, worktrees and sessions for
editor integrations and dashboards. The server runs until interrupted and
drains in-flight requests on shutdown.

Example:
  tiller serve --addr 127.0.0.1:7420`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}

			level, err := logging.ParseLevel(a.cfg.LogLevel)
			if err != nil {
				return err
			}
			logger := logging.NewServer(level)
			defer func() { _ = logger.Sync() }()

			addr := flags.addr
			if addr == "" {
				addr = a.cfg.Server.Addr()
			}

			srv := server.New(a.registry, a.sessions, logger, addr)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			select {
			case err := <-errCh:
				return fmt.Errorf("server failed: %w", err)
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&flags.addr, "addr", "", "Listen address (default from config, 127.0.0.1:7420)")

	return cmd
}
