package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"oxo/pkg/config"
	"oxo/pkg/telemetry"
	"oxo/services/scanner"
)

func newScannerCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scanner",
		Short: "Run this host as a scanner fed from the job bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newScannerStartCommand(a))
	return cmd
}

func newScannerStartCommand(a *app) *cobra.Command {
	var scannerID string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Subscribe to scan jobs and run them until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			overrides := config.Overrides{}
			if scannerID != "" {
				overrides["ID"] = scannerID
			}
			if a.apiKey != "" {
				overrides["API_KEY"] = a.apiKey
			}
			if a.apiEndpoint != "" {
				overrides["API_ENDPOINT"] = a.apiEndpoint
			}
			if a.storeDSN != "" {
				overrides["RUNTIME_STORE_DSN"] = a.storeDSN
			}
			cfg, err := config.LoadScanner(ctx, overrides)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			logger := telemetry.NewLogger("oxo-scanner", os.Stdout)
			provider, err := telemetry.Init(ctx, "oxo-scanner", cfg.OTLPEndpoint)
			if err != nil {
				return fmt.Errorf("init telemetry: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := provider.Shutdown(shutdownCtx); err != nil {
					a.logger.Error().Err(err).Msg("telemetry shutdown")
				}
			}()

			svc, err := scanner.New(ctx, cfg, a.out, logger)
			if err != nil {
				return err
			}
			return svc.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&scannerID, "scanner-id", "", "Scanner id (overrides OXO_SCANNER_ID)")
	return cmd
}
