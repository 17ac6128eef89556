// File: cmd/serve.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/guardbot/internal/observability"
	"github.com/xkilldash9x/guardbot/internal/service"
)

var serveFlags struct {
	port       int
	maxWorkers int
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook server and task engine until interrupted.",
	Long: `Serve starts the full daemon: the HTTP webhook surface, the task engine
with its worker pool and browser gate, and the periodic disk-cleanup
scheduler. It runs until SIGINT or SIGTERM, then drains in-flight work.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

func init() {
	serveCmd.Flags().IntVar(&serveFlags.port, "port", 0, "listen port (overrides config)")
	serveCmd.Flags().IntVar(&serveFlags.maxWorkers, "max-workers", 0, "worker pool size (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command) error {
	logger := observability.GetLogger()
	cfg := appConfig

	if serveFlags.port > 0 {
		cfg.SetServerPort(serveFlags.port)
	}
	if serveFlags.maxWorkers > 0 {
		cfg.SetEngineMaxWorkers(serveFlags.maxWorkers)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	components, err := service.NewComponentFactory().Create(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer components.Shutdown()

	components.Engine.Start(ctx)
	components.Scheduler.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := components.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("webhook server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		// Trigger the deferred shutdown sequence once a signal arrives or
		// the server goroutine fails.
		<-gctx.Done()
		logger.Info("Shutdown signal received, draining")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server().ShutdownTimeout)
		defer cancel()
		return components.Server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Guardbot stopped cleanly")
	return nil
}
