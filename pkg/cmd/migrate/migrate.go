package migrate

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/mpapenbr/iracelog-session-sync/log"
	"github.com/mpapenbr/iracelog-session-sync/pkg/config"
	"github.com/mpapenbr/iracelog-session-sync/pkg/db/migrate"
	"github.com/mpapenbr/iracelog-session-sync/pkg/utils"
)

func NewMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "performs database migration of the sync store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return startMigration(cmd)
		},
	}
	return cmd
}

func startMigration(cmd *cobra.Command) error {
	timeout, err := time.ParseDuration(config.WaitForServices)
	if err != nil {
		log.Warn("Invalid duration value. Setting default 60s", log.ErrorField(err))
		timeout = 60 * time.Second
	}
	postgresAddr := utils.ExtractFromDBURL(config.DB)
	if err = utils.WaitForTCP(cmd.Context(), postgresAddr, timeout); err != nil {
		log.Fatal("database not ready", log.ErrorField(err))
	}

	before, _, err := migrate.Version(config.DB)
	if err != nil {
		return err
	}
	if err = migrate.MigrateDb(config.DB); err != nil {
		return err
	}
	after, dirty, err := migrate.Version(config.DB)
	if err != nil {
		return err
	}
	if before == after {
		log.Info("No Migration required", log.Uint("version", after))
		return nil
	}
	log.Info("Database migrated",
		log.Uint("from", before),
		log.Uint("to", after),
		log.Bool("dirty", dirty))
	return nil
}
