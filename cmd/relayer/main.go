// Command relayer runs the cross-chain bridge relayer and exposes thin
// clients for its operational API.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openbridge/relayer/chains/evm"
	"github.com/openbridge/relayer/config"
	"github.com/openbridge/relayer/engine"
	"github.com/openbridge/relayer/eventsource"
	"github.com/openbridge/relayer/ledger"
	"github.com/openbridge/relayer/orchestrator"
	"github.com/openbridge/relayer/server"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	var serverAddr string

	cmd := &cobra.Command{
		Use:   "relayer",
		Short: "Cross-chain bridge relayer",
		Long:  "Observes lock events on a source chain and executes the corresponding mints on a destination chain, exactly once per transfer.",
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "relayer.yaml", "path to the configuration file")
	cmd.PersistentFlags().StringVar(&serverAddr, "server", "http://localhost:8080", "operational API address (status/retry commands)")

	cmd.AddCommand(startCmd(&configPath))
	cmd.AddCommand(statusCmd(&serverAddr))
	cmd.AddCommand(retryCmd(&serverAddr))

	return cmd
}

func startCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the relayer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return runRelayer(cfg)
		},
	}
}

func runRelayer(cfg *config.Config) error {
	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return errors.Wrap(err, "invalid log level")
	}
	logger.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := ledger.NewPostgresLedger(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	sourceConfig := cfg.Source.ChainConfig()
	destConfig := cfg.Destination.ChainConfig()

	sourceChain, err := evm.NewEvmChain(ctx, sourceConfig, logger)
	if err != nil {
		return errors.Wrap(err, "failed to create source chain client")
	}

	destChain, err := evm.NewEvmChain(ctx, destConfig, logger)
	if err != nil {
		return errors.Wrap(err, "failed to create destination chain client")
	}

	source, err := eventsource.NewEventSource(sourceConfig, logger, sourceChain)
	if err != nil {
		return errors.Wrap(err, "failed to create event source")
	}

	eng := engine.New(destConfig, logger, destChain, store)
	reconciler := orchestrator.NewReconciler(destConfig, logger, destChain, store)
	orch := orchestrator.New(sourceConfig, logger, source, sourceChain, store, eng, reconciler, cfg.ReconcileInterval)

	api := server.New(logger, store, sourceConfig.ChainID, sourceConfig.Name)
	httpServer := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: api.Router(),
	}

	go func() {
		logger.WithField("listen", cfg.Server.Listen).Info("Operational API listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Operational API server stopped")
		}
	}()

	runErr := orch.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Operational API shutdown failed")
	}

	return runErr
}

func statusCmd(serverAddr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show checkpoints, per-state transfer counts, and the conservation audit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON(cmd, *serverAddr+"/status")
		},
	}
}

func retryCmd(serverAddr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <transfer-id>",
		Short: "Re-queue a failed transfer for execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := fmt.Sprintf("%s/transfers/%s/retry", *serverAddr, args[0])
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, nil)
			if err != nil {
				return err
			}
			return doRequest(cmd, req)
		},
	}
}

func getJSON(cmd *cobra.Command, url string) error {
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return doRequest(cmd, req)
}

func doRequest(cmd *cobra.Command, req *http.Request) error {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return errors.Errorf("request failed (%s): %s", resp.Status, string(body))
	}

	fmt.Fprintln(cmd.OutOrStdout(), string(body))
	return nil
}
