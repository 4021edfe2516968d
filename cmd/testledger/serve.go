package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/testledger/pkg/api"
	"github.com/ethpandaops/testledger/pkg/metrics"
	"github.com/ethpandaops/testledger/pkg/view"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the query API server",
	Long:  `Serve the read-only query API and Prometheus metrics over every project store.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	rec := metrics.New()

	registry, err := openRegistry(cfg, rec)
	if err != nil {
		return err
	}
	defer closeRegistry(registry)

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	srv := api.NewServer(log, &cfg.API, registry, view.OptionsFromConfig(&cfg.View, rec), rec)

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down API server")
	cancel()

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping api server: %w", err)
	}

	return nil
}
