package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"TechThermometer/internal/app"
	"TechThermometer/internal/config"
	"TechThermometer/internal/domain"
	"TechThermometer/internal/infrastructure/storage/postgres"
	"TechThermometer/internal/logging"
)

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "techthermometer",
		Short:        "Collects tech news APIs and tracks how articles change over time",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default $TECHTHERMOMETER_CONFIG)")

	root.AddCommand(
		newRunCmd(),
		newCollectCmd(),
		newReplayCmd(),
		newAggregateCmd(),
		newMigrateCmd(),
	)
	return root
}

func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logging.New(cfg.Logging.Level, cfg.Logging.Format), nil
}

// withApp builds the application, runs fn and closes it.
func withApp(ctx context.Context, fn func(*app.Application, *slog.Logger) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		return err
	}
	defer func() {
		if cerr := application.Close(); cerr != nil {
			logger.Warn("close failed", "error", cerr)
		}
	}()
	return fn(application, logger)
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run scheduled collection until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(a *app.Application, logger *slog.Logger) error {
				logger.Info("techthermometer started")
				if err := a.Run(cmd.Context()); err != nil {
					logger.Error("application stopped", "error", err)
					return err
				}
				logger.Info("techthermometer stopped")
				return nil
			})
		},
	}
}

func newCollectCmd() *cobra.Command {
	var site string
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Run one collection cycle for one site or every active site",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(a *app.Application, _ *slog.Logger) error {
				reports, err := a.Collect(cmd.Context(), site)
				for _, r := range reports {
					res := r.Resolution
					fmt.Fprintf(cmd.OutOrStdout(), "%s: snapshot=%d status=%d found=%d created=%d updated=%d duplicates=%d errors=%d\n",
						r.Site, r.Snapshot.ID, r.Snapshot.ResponseStatus, res.Found, res.Created, res.Updated, res.Duplicates, res.Errors)
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&site, "site", "", "site key (default: all active sites)")
	return cmd
}

func newReplayCmd() *cobra.Command {
	var site string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Resolve snapshots that were stored but never processed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(a *app.Application, _ *slog.Logger) error {
				results, err := a.Replay(cmd.Context(), site)
				for _, res := range results {
					fmt.Fprintf(cmd.OutOrStdout(), "snapshot %d: found=%d created=%d updated=%d stale=%d errors=%d\n",
						res.SnapshotID, res.Found, res.Created, res.Updated, res.Stale, res.Errors)
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&site, "site", "", "site key")
	_ = cmd.MarkFlagRequired("site")
	return cmd
}

func newAggregateCmd() *cobra.Command {
	var (
		site   string
		period string
		at     string
	)
	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Recompute collection stats for one period",
		RunE: func(cmd *cobra.Command, _ []string) error {
			when := time.Now().UTC()
			if at != "" {
				parsed, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				when = parsed
			}
			return withApp(cmd.Context(), func(a *app.Application, _ *slog.Logger) error {
				stats, err := a.Aggregate(cmd.Context(), site, domain.PeriodType(period), when)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s..%s requests=%d failed=%d found=%d created=%d error_rate=%.2f\n",
					stats.PeriodType, stats.PeriodStart.Format(time.RFC3339), stats.PeriodEnd.Format(time.RFC3339),
					stats.TotalRequests, stats.FailedRequests, stats.TotalArticlesFound, stats.NewArticlesCreated, stats.ErrorRate)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&site, "site", "", "site key")
	cmd.Flags().StringVar(&period, "period", string(domain.PeriodDay), "hour, day, week or month")
	cmd.Flags().StringVar(&at, "at", "", "RFC3339 time inside the period (default now)")
	_ = cmd.MarkFlagRequired("site")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back database migrations",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			return postgres.Migrate(cfg.Database.DSN, logger)
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			return postgres.MigrateDown(cfg.Database.DSN, steps, logger)
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	cmd.AddCommand(up, down)
	return cmd
}
