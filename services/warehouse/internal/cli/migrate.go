package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"smartwarehouse/internal/util"
	"smartwarehouse/pkg/store"
	"smartwarehouse/services/warehouse/internal/config"
)

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and seed categories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			util.InitLogger(cfg.LogLevel)

			db, err := store.NewGormStore(cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			defer db.Close()
			slog.Info("database schema up to date")
			return nil
		},
	}
}
