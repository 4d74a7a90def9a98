package testdb

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	tcpg "github.com/mpapenbr/iracelog-session-sync/testsupport/tcpostgres"
)

// InitTestDb returns a pool to an empty, migrated database.
// Tests are skipped in short mode since a container runtime is needed.
func InitTestDb(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("database tests need a container runtime")
	}
	var pool *pgxpool.Pool

	if os.Getenv("TESTDB_URL") != "" {
		pool = tcpg.SetupExternalTestDb()
	} else {
		pool = tcpg.SetupTestDb()
	}
	if err := pgx.BeginFunc(context.Background(), pool, func(tx pgx.Tx) error {
		tcpg.ClearAllTables(pool)
		return nil
	}); err != nil {
		t.Fatalf("initTestDb: %v\n", err)
	}
	return pool
}
