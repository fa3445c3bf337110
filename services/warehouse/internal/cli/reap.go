package cli

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"smartwarehouse/internal/util"
	"smartwarehouse/pkg/storage"
	"smartwarehouse/services/warehouse/internal/config"
)

func newReapCmd(configPath *string) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Delete upload sessions that were never saved",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			util.InitLogger(cfg.LogLevel)

			ttl := olderThan
			if ttl <= 0 {
				if ttl, err = config.ParseUploadTTL(cfg.UploadTTL); err != nil {
					return err
				}
			}
			staging, err := storage.NewStaging(cfg.UploadDir)
			if err != nil {
				return err
			}
			removed, err := staging.Reap(ttl)
			if err != nil {
				return fmt.Errorf("reap: %w", err)
			}
			slog.Info("upload sessions reaped", "removed", removed, "older_than", ttl.String())
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d upload session(s)\n", removed)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Age threshold (defaults to uploadTTL)")
	return cmd
}
