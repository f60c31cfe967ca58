package main

import (
	"github.com/spf13/cobra"

	"github.com/matvik19/duplicate-contacts/internal/database"
)

func newMigrateCommand() *cobra.Command {
	var version uint
	var force int

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := bootstrap()
			if err != nil {
				return err
			}
			defer rt.sync()

			ctx := cmd.Context()
			db, err := database.Open(ctx, rt.cfg.DatabaseDSN(), poolConfig(rt.cfg), rt.logger)
			if err != nil {
				return err
			}
			defer db.Close()

			mc := migrationConfig(rt.cfg)
			if cmd.Flags().Changed("version") {
				mc.Version = version
			}
			if cmd.Flags().Changed("force") {
				mc.Force = force
			}

			return database.NewMigrationService(rt.logger, mc).Migrate(db.SQL())
		},
	}

	cmd.Flags().UintVar(&version, "version", 0, "migrate to this version instead of the latest")
	cmd.Flags().IntVar(&force, "force", 0, "force the schema version before migrating (clears a dirty state)")
	return cmd
}
