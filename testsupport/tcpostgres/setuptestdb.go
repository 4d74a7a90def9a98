//nolint:errcheck // testsetup
package tcpostgres

import (
	"context"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mpapenbr/iracelog-session-sync/log"
	"github.com/mpapenbr/iracelog-session-sync/pkg/db/migrate"
	database "github.com/mpapenbr/iracelog-session-sync/pkg/db/postgres"
)

// SetupTestDb returns a pool for a migrated database in a postgres container.
func SetupTestDb() *pgxpool.Pool {
	ctx := context.Background()
	container, err := StartContainer(ctx)
	if err != nil {
		log.Fatal("setup container", log.ErrorField(err))
	}
	dbURL, err := container.ConnectionString(ctx)
	if err != nil {
		log.Fatal("container address", log.ErrorField(err))
	}
	return migrateAndConnect(dbURL)
}

// uses the database given by TESTDB_URL
func SetupExternalTestDb() *pgxpool.Pool {
	return migrateAndConnect(os.Getenv("TESTDB_URL"))
}

func migrateAndConnect(dbURL string) *pgxpool.Pool {
	if err := migrate.MigrateDb(dbURL); err != nil {
		log.Fatal("migrate", log.ErrorField(err))
	}
	return database.InitWithURL(dbURL)
}

func ClearSyncRecordTable(pool *pgxpool.Pool) {
	pool.Exec(context.Background(), "delete from sync_record")
}

func ClearAllTables(pool *pgxpool.Pool) {
	ClearSyncRecordTable(pool)
}
