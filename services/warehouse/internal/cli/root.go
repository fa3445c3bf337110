package cli

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"smartwarehouse/services/warehouse/internal/config"
)

// NewRootCmd builds the warehouse command tree.
func NewRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "warehouse",
		Short: "Smart warehouse inventory service",
		Long: `Warehouse runs the inventory backend: warehouse registration, session
login and AI-assisted product intake.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Load .env file if present (ignore errors)
			_ = godotenv.Load()
		},
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.ConfigPath, "Path to the YAML config file")

	cmd.AddCommand(newServeCmd(&configPath))
	cmd.AddCommand(newMigrateCmd(&configPath))
	cmd.AddCommand(newReapCmd(&configPath))

	return cmd
}
