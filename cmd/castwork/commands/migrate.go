package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newMigrateCommand(info buildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply store schema migrations",
		Long: `Bring the SQLite or PostgreSQL schema up to date. Migrations are embedded in
the binary and applied in order; already applied migrations are skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.Store.MigrateOnStart = false

			store, err := openStore(cmd.Context(), cfg.Store)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Migrate(cmd.Context()); err != nil {
				return err
			}
			log.Info().Str("driver", cfg.Store.Driver).Str("version", info.Version).Msg("Store schema is up to date")
			return nil
		},
	}
}
