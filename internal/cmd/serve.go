package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/pcflow/internal/observability"
	"github.com/3leaps/pcflow/internal/server"
	"github.com/3leaps/pcflow/internal/server/handlers"
	"github.com/3leaps/pcflow/pkg/instancestore"
	"github.com/3leaps/pcflow/pkg/stageflow"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the read-only status API",
	Long: `Run the read-only HTTP status API.

Endpoints:
  GET /health, /health/live, /health/ready, /health/startup
  GET /version
  GET /v1/flows, /v1/flows/{name}
  GET /v1/instances?flow=&role=&run_id=&limit=
  GET /v1/instances/{id}`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "Listen host (overrides server.host)")
	serveCmd.Flags().Int("port", 0, "Listen port (overrides server.port)")
}

// storeHealthChecker checks the instance store with a one-row list.
type storeHealthChecker struct {
	store instancestore.Store
}

func (c storeHealthChecker) CheckHealth(ctx context.Context) error {
	if c.store == nil {
		return errors.New("instance store not open")
	}
	_, err := c.store.List(ctx, instancestore.ListOptions{Limit: 1})
	return err
}

// flowsHealthChecker verifies the default flow resolves.
type flowsHealthChecker struct {
	flows       *stageflow.Catalogue
	defaultFlow string
}

func (c flowsHealthChecker) CheckHealth(context.Context) error {
	if c.flows == nil {
		return errors.New("flow catalogue not loaded")
	}
	_, err := c.flows.Get(c.defaultFlow)
	return err
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	host := cfg.Server.Host
	if h, _ := cmd.Flags().GetString("host"); h != "" {
		host = h
	}
	port := cfg.Server.Port
	if p, _ := cmd.Flags().GetInt("port"); p != 0 {
		port = p
	}
	if port < 0 || port > 65535 {
		return exitError(exitInvalidArgument, "Invalid --port", fmt.Errorf("port %d out of range", port))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := newApp(cfg)
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid flow definitions", err)
	}
	defer rt.Close()

	store, err := rt.openStore(ctx)
	if err != nil {
		return exitError(exitServiceUnavailable, "Failed to open instance store", err)
	}

	health := handlers.InitHealthManager(versionInfo.Version)
	health.RegisterChecker("store", storeHealthChecker{store: store})
	health.RegisterChecker("flows", flowsHealthChecker{flows: rt.flows, defaultFlow: cfg.Flows.Default})

	srv := server.New(host, port,
		server.WithAPI(handlers.NewAPI(rt.flows, store)),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			return exitError(exitServiceUnavailable, "Status server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	observability.CLILogger.Info("Shutting down status server", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return exitError(exitServiceUnavailable, "Graceful shutdown failed", err)
	}
	return <-errCh
}
