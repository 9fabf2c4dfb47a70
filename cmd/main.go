package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/link-verifier/internal/api"
	"github.com/akylbek/payment-system/link-verifier/internal/config"
	"github.com/akylbek/payment-system/link-verifier/internal/telemetry"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "link-verifier",
		Short:   "Payment link verification engine",
		Version: Version,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(reconcileOnceCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the reconciliation loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			defer telemetry.Shutdown(context.Background())

			telemetry.Logger.Info("Starting Link Verifier", zap.String("version", Version))

			deps, err := buildDeps(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer deps.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			loopDone := make(chan error, 1)
			go func() { loopDone <- deps.reconciler.Run(ctx) }()

			srv := &http.Server{
				Addr:    ":" + cfg.Port,
				Handler: api.NewRouter(deps.store, cfg.Currencies, cfg.PublicBaseURL),
			}

			go func() {
				telemetry.Logger.Info("Link Verifier listening", zap.String("port", cfg.Port))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					telemetry.Logger.Error("HTTP server failed", zap.Error(err))
					stop()
				}
			}()

			<-ctx.Done()
			telemetry.Logger.Info("Shutting down...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				telemetry.Logger.Error("Server forced to shutdown", zap.Error(err))
			}

			// Let the in-flight cycle finish its issued I/O.
			<-loopDone
			telemetry.Logger.Info("Link Verifier exited")
			return nil
		},
	}
}

func reconcileOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile-once",
		Short: "Run a single reconciliation cycle and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			defer telemetry.Shutdown(context.Background())

			deps, err := buildDeps(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer deps.Close()

			report := deps.reconciler.RunCycle(cmd.Context())
			fmt.Fprintln(cmd.OutOrStdout(), report.String())
			if report.Failures > 0 {
				return fmt.Errorf("cycle finished with %d failed groups", report.Failures)
			}
			return nil
		},
	}
}

func setup() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	if err := telemetry.InitTelemetry(telemetry.Options{
		ServiceName:    "link-verifier",
		Version:        Version,
		TracingEnabled: cfg.TracingEnabled,
		JaegerEndpoint: cfg.JaegerEndpoint,
		Debug:          cfg.Debug,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	return cfg, nil
}
