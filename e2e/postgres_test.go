package e2e_test

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	pgcontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
)

var nonIdentChars = regexp.MustCompile(`[^a-z0-9_]`)

var (
	testPool     *pgxpool.Pool
	testPoolOnce sync.Once
	testCleanup  func()
	testDSN      string
)

// getSharedPostgresDatabase returns a shared PostgreSQL database for E2E tests.
// The container is reused across all tests and terminated in TestMain.
func getSharedPostgresDatabase(t *testing.T) (dsn string) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping postgres e2e test in short mode")
	}

	testPoolOnce.Do(func() {
		ctx := context.Background()

		pgContainer, err := pgcontainer.Run(ctx,
			"postgres:18-alpine",
			pgcontainer.WithDatabase("testdb"),
			pgcontainer.WithUsername("testuser"),
			pgcontainer.WithPassword("testpass"),
			pgcontainer.BasicWaitStrategies(),
		)
		if err != nil {
			t.Fatalf("failed to start postgres container: %v", err)
		}

		testCleanup = func() {
			if testPool != nil {
				testPool.Close()
			}
			if err := testcontainers.TerminateContainer(pgContainer); err != nil {
				fmt.Fprintf(os.Stderr, "failed to terminate container: %s\n", err)
			}
		}

		connectionStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			testCleanup()
			t.Fatalf("failed to get connection string: %v", err)
		}

		pool, err := pgxpool.New(ctx, connectionStr)
		if err != nil {
			testCleanup()
			t.Fatalf("could not connect to database: %v", err)
		}
		if err := pool.Ping(ctx); err != nil {
			testCleanup()
			t.Fatalf("could not ping database: %v", err)
		}

		testPool = pool
		testDSN = connectionStr
	})

	return testDSN
}

// postgresConfig returns a server config on the shared database with a table
// of its own, so servers started by different tests never share rows.
func postgresConfig(t *testing.T) ServerConfig {
	t.Helper()

	dsn := getSharedPostgresDatabase(t)
	table := "e2e_" + nonIdentChars.ReplaceAllString(strings.ToLower(t.Name()), "_")
	if len(table) > 48 {
		table = table[:48]
	}

	t.Cleanup(func() {
		ctx := context.Background()
		_, _ = testPool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %q`, table))
		_, _ = testPool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %q`, table+"_goose_version"))
	})

	return ServerConfig{
		Port:        getOpenPort(t),
		DBType:      "postgres",
		DBDSN:       dsn,
		Table:       table,
		StoragePath: t.TempDir(),
	}
}
