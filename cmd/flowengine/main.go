// Package main provides the flowengine binary: the event-driven
// workflow automation engine behind the CRM's follow-up sequences.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaycrm/flowengine/config"
	"github.com/relaycrm/flowengine/graph"
	"github.com/relaycrm/flowengine/model"
	"github.com/relaycrm/flowengine/storage"
)

const (
	Version = "0.1.0"
	appName = "flowengine"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   appName,
		Short: "CRM workflow automation engine",
		Long: `Flowengine runs event-triggered follow-up workflows against CRM
leads: WhatsApp and email sequences, AI voice calls, human tasks,
conditions and delays, with durable queue-backed execution.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")

	cmd.AddCommand(serveCmd(&configPath))
	cmd.AddCommand(migrateCmd(&configPath))
	cmd.AddCommand(validateCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("%s version %s\n", appName, Version)
		},
	})
	return cmd
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.NewLoader(nil).Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := cfg.Logger()

			ctx := context.Background()
			app, err := NewApp(ctx, cfg, logger)
			if err != nil {
				return err
			}

			if err := app.waitHealthy(ctx, 10*time.Second); err != nil {
				return err
			}

			signalCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if err := app.Start(signalCtx); err != nil {
				app.Shutdown()
				return err
			}

			<-signalCtx.Done()
			logger.Info("shutdown signal received")
			app.Shutdown()
			return nil
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.NewLoader(nil).Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := cfg.Logger()

			ctx := context.Background()
			store, err := storage.NewPostgres(ctx, cfg.Postgres.DSN)
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(ctx); err != nil {
				return err
			}
			logger.Info("migrations applied")
			return nil
		},
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <definition.json>",
		Short: "Validate a workflow definition file",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read definition: %w", err)
			}

			var def model.Definition
			if err := json.Unmarshal(data, &def); err != nil {
				return fmt.Errorf("parse definition: %w", err)
			}
			def.TriggerType = model.NormalizeTriggerType(string(def.TriggerType))

			result := graph.Validate(&def)
			for _, warning := range result.Warnings {
				fmt.Printf("warning: %s\n", warning)
			}
			if !result.Valid() {
				for _, msg := range result.Errors {
					fmt.Printf("error: %s\n", msg)
				}
				return fmt.Errorf("definition invalid: %d error(s)", len(result.Errors))
			}

			fmt.Printf("%s: valid (%d nodes, %d edges)\n", args[0], len(def.Nodes), len(def.Edges))
			return nil
		},
	}
}
