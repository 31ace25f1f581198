// Command aggregator refreshes upstream JSON sources into a database and
// serves the stored records through a cached HTTP API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/STRATINT/aggregator/internal/config"
	"github.com/STRATINT/aggregator/internal/logging"
	"github.com/STRATINT/aggregator/internal/models"
	"github.com/STRATINT/aggregator/internal/refresh"
)

// env is the configuration and logger shared by all subcommands.
type env struct {
	cfg    config.Config
	logger *slog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	e := &env{}

	rootCmd := &cobra.Command{
		Use:           "aggregator",
		Short:         "Real-time data aggregation service",
		Version:       config.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to load config", "error", err)
				return err
			}
			logger, err := logging.New(cfg.Logging, cfg.App)
			if err != nil {
				slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to init logger", "error", err)
				return err
			}
			e.cfg = cfg
			e.logger = logger
			return nil
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the refresh scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			noScheduler, _ := cmd.Flags().GetBool("no-scheduler")
			if noScheduler {
				e.cfg.Scheduler.Enabled = false
			}
			if err := serve(ctx, e.cfg, e.logger); err != nil {
				e.logger.Error("serve failed", "error", err)
				return err
			}
			return nil
		},
	}
	serveCmd.Flags().Bool("no-scheduler", false, "disable periodic refreshes")

	refreshCmd := &cobra.Command{
		Use:   "refresh",
		Short: "Run one synchronous refresh and print the summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			pretty, _ := cmd.Flags().GetBool("pretty")
			summary, err := refreshOnce(cmd.Context(), e.cfg, e.logger)
			if printErr := printJSON(cmd, summary, pretty); printErr != nil {
				return printErr
			}
			if err != nil {
				e.logger.Error("refresh failed", "error", err)
				return err
			}
			return nil
		},
	}
	refreshCmd.Flags().Bool("pretty", false, "indent the JSON summary")

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			applied, err := migrate(cmd.Context(), e.cfg, e.logger)
			if err != nil {
				e.logger.Error("migration failed", "error", err)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", applied)
			return nil
		},
	}

	rootCmd.AddCommand(serveCmd, refreshCmd, migrateCmd)
	return rootCmd
}

func printJSON(cmd *cobra.Command, summary models.RefreshSummary, pretty bool) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	if pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(summary)
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) (err error) {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(context.WithoutCancel(ctx)); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	if cfg.Database.AutoMigrate {
		if _, err := a.Migrate(ctx); err != nil {
			return err
		}
	}

	if err := a.StartScheduler(); err != nil {
		return err
	}

	logger.Info("aggregator started",
		"port", cfg.Server.Port,
		"sources", len(cfg.Sources),
		"cache_backend", cfg.Cache.Backend,
		"database_driver", cfg.Database.Driver,
	)
	return a.Server().Run(ctx)
}

func refreshOnce(ctx context.Context, cfg config.Config, logger *slog.Logger) (summary models.RefreshSummary, err error) {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return models.RefreshSummary{Message: refresh.MessageFailed, Errors: []string{err.Error()}}, err
	}
	defer func() {
		if closeErr := a.Close(context.WithoutCancel(ctx)); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	if cfg.Database.AutoMigrate {
		if _, err := a.Migrate(ctx); err != nil {
			return models.RefreshSummary{Message: refresh.MessageFailed, Errors: []string{err.Error()}}, err
		}
	}
	return a.service.Refresh(ctx, models.TriggerManual)
}

func migrate(ctx context.Context, cfg config.Config, logger *slog.Logger) (int, error) {
	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return 0, err
	}
	defer db.Close()
	return runMigrations(ctx, db, cfg.Database.Driver, logger)
}
