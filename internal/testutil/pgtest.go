// Package testutil holds shared infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/zafegard/zafegard/migrations"
)

// Env vars selecting the database for Postgres.
const (
	EnvPostgresURL = "POSTGRES_URL"
	EnvContainer   = "PGTEST_CONTAINER"
)

// policyTables are emptied after every test. Order does not matter
// because there are no foreign keys between them.
var policyTables = []string{"signer_usage", "wallet_policies", "policy_admin"}

// Postgres returns a migrated database with empty policy tables. The
// tables are emptied again and the handle closed when t finishes.
//
// The database is POSTGRES_URL, or with PGTEST_CONTAINER=1 a postgres
// container shared by the test binary. Without either the test is skipped.
func Postgres(t *testing.T) *sql.DB {
	t.Helper()

	dsn := os.Getenv(EnvPostgresURL)
	if dsn == "" && os.Getenv(EnvContainer) == "1" {
		dsn = sharedContainer(t)
	}
	if dsn == "" {
		t.Skipf("%s not set, skipping integration test", EnvPostgresURL)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("testutil: open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("testutil: connect to database: %v", err)
	}
	if err := migrations.Up(ctx, db); err != nil {
		t.Fatalf("testutil: migrate: %v", err)
	}
	truncate(t, db)
	t.Cleanup(func() { truncate(t, db) })
	return db
}

func truncate(t *testing.T, db *sql.DB) {
	t.Helper()
	for _, table := range policyTables {
		if _, err := db.Exec("DELETE FROM " + table); err != nil { // #nosec G202 -- fixed table names
			t.Errorf("testutil: empty %s: %v", table, err)
		}
	}
}

var container struct {
	once sync.Once
	dsn  string
	err  error
}

// sharedContainer starts at most one container per test binary; the
// testcontainers reaper removes it when the process exits.
func sharedContainer(t *testing.T) string {
	t.Helper()
	container.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		pg, err := tcpostgres.Run(ctx, "postgres:16-alpine",
			tcpostgres.WithDatabase("zafegard_test"),
			tcpostgres.WithUsername("zafegard"),
			tcpostgres.WithPassword("zafegard"),
			tcpostgres.BasicWaitStrategies(),
			testcontainers.WithLabels(map[string]string{"app": "zafegard-pgtest"}),
		)
		if err != nil {
			container.err = err
			return
		}
		container.dsn, container.err = pg.ConnectionString(ctx, "sslmode=disable")
	})
	if container.err != nil {
		t.Skipf("testutil: postgres container unavailable: %v", container.err)
	}
	return container.dsn
}
