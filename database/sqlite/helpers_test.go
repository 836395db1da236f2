package sqlite_test

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sagarc03/filevault"
	"github.com/sagarc03/filevault/database/internal/repotest"
	"github.com/sagarc03/filevault/database/sqlite"
	"github.com/stretchr/testify/require"
)

func getRandomString(t *testing.T) string {
	t.Helper()
	n, err := rand.Int(rand.Reader, big.NewInt(math.MaxInt64))
	require.NoError(t, err, "random string")
	return fmt.Sprintf("test%x", n.Int64())
}

func testTables(t *testing.T) filevault.Tables {
	t.Helper()
	return filevault.Tables{Files: "files_" + getRandomString(t)}
}

// openTestDB opens a migrated in-memory database that is closed with the test.
func openTestDB(t *testing.T) (*sql.DB, filevault.MetaDataRepo, filevault.Tables) {
	t.Helper()

	ctx := context.Background()
	tables := testTables(t)

	db, err := sqlite.Connect(ctx, ":memory:", tables)
	require.NoError(t, err, "failed to connect")
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.Migrate(ctx), "failed to migrate")

	return sqlite.RawDB(db), db.GetRepo(), tables
}

func newFixture(t *testing.T) repotest.Fixture {
	t.Helper()

	raw, repo, tables := openTestDB(t)

	return repotest.Fixture{
		Repo: repo,
		Age: func(t *testing.T, id uuid.UUID, d time.Duration) {
			t.Helper()
			ts := time.Now().Add(-d).UTC().Format("2006-01-02T15:04:05.000000000Z")
			query := fmt.Sprintf(`UPDATE "%s" SET created_at = ?, updated_at = ? WHERE id = ?`, tables.Files)
			_, err := raw.ExecContext(context.Background(), query, ts, ts, id.String())
			require.NoError(t, err, "age record")
		},
	}
}
