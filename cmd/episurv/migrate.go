package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/episurv/surveillance/internal/config"
	"github.com/episurv/surveillance/internal/store"
	"github.com/episurv/surveillance/pkg/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate the db",
	RunE: func(cmd *cobra.Command, args []string) error {
		defer zap.S().Info("db migrated")

		cfg, err := config.New()
		if err != nil {
			return err
		}

		zap.S().Info("initializing data store")
		db, err := store.InitDB(cfg)
		if err != nil {
			return err
		}

		s := store.NewStore(db)
		defer s.Close()

		if cfg.Database.Type != "pgsql" {
			return s.InitialMigration(cmd.Context())
		}

		pool, err := store.InitPgxPool(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer pool.Close()

		return migrations.MigrateStore(cmd.Context(), db, cfg.Service.MigrationFolder, pool)
	},
}
