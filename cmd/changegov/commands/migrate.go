package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/changegov/pkg/config"
	"github.com/openfroyo/changegov/pkg/stores"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the governance database",
		Long: `Apply the embedded schema migrations to the configured SQLite database.

The database path comes from the config file, or CHANGEGOV_DB_PATH when set.
Running it again on an up-to-date database is a no-op.`,
		Example: `  # Migrate the default database
  changegov migrate

  # Migrate the database named in a config file
  changegov migrate --config /etc/changegov/changegov.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			log.Info().Str("path", cfg.Database.Path).Msg("Migrating database")

			store, err := stores.Open(cmd.Context(), stores.Config{Path: cfg.Database.Path})
			if err != nil {
				return fmt.Errorf("failed to migrate: %w", err)
			}
			defer store.Close()

			if err := store.HealthCheck(cmd.Context()); err != nil {
				return err
			}

			return printResult(map[string]string{"database": cfg.Database.Path, "status": "migrated"}, func() {
				fmt.Printf("✓ Database migrated: %s\n", cfg.Database.Path)
			})
		},
	}

	return cmd
}
