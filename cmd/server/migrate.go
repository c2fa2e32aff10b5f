package main

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atmx/portfolio-engine/internal/config"
	applog "github.com/atmx/portfolio-engine/internal/log"
	"github.com/atmx/portfolio-engine/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the ledger tables in the configured database",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		logger, err := applog.NewLogger(cfg.Logging)
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx := cmd.Context()
		switch cfg.Database.Driver {
		case config.DriverPostgres:
			pool, err := pgxpool.New(ctx, cfg.Database.URL)
			if err != nil {
				return fmt.Errorf("database connection failed: %w", err)
			}
			pg := store.NewPostgresStore(pool)
			defer pg.Close()
			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		case config.DriverSQLite:
			// Opening the database applies the schema.
			lite, err := store.NewSQLiteStore(store.SQLiteOptions{
				Path:        cfg.Database.Path,
				BusyTimeout: cfg.Database.BusyTimeout,
			})
			if err != nil {
				return err
			}
			defer lite.Close()
		default:
			logger.Info("memory store has no schema")
			return nil
		}

		logger.Info("schema applied", zap.String("driver", cfg.Database.Driver))
		return nil
	},
}
