// Package repotest is the behavioral test suite every filevault.MetaDataRepo
// implementation runs from its own tests.
package repotest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sagarc03/filevault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Fixture is one freshly migrated, empty repo.
type Fixture struct {
	Repo filevault.MetaDataRepo
	// Age moves created_at and updated_at of record id d into the past.
	Age func(t *testing.T, id uuid.UUID, d time.Duration)
}

const owner = "alice"

// Run exercises repos produced by newFixture against the MetaDataRepo
// contract.
func Run(t *testing.T, newFixture func(t *testing.T) Fixture) {
	t.Run("NextVersion", func(t *testing.T) { testNextVersion(t, newFixture(t)) })
	t.Run("InsertPending", func(t *testing.T) { testInsertPending(t, newFixture(t)) })
	t.Run("Commit", func(t *testing.T) { testCommit(t, newFixture) })
	t.Run("CommitConcurrent", func(t *testing.T) { testCommitConcurrent(t, newFixture(t)) })
	t.Run("DeletePending", func(t *testing.T) { testDeletePending(t, newFixture(t)) })
	t.Run("Tombstone", func(t *testing.T) { testTombstone(t, newFixture(t)) })
	t.Run("ListPendingOlderThan", func(t *testing.T) { testListPendingOlderThan(t, newFixture(t)) })
	t.Run("ListReclaimable", func(t *testing.T) { testListReclaimable(t, newFixture(t)) })
	t.Run("CleanupBudget", func(t *testing.T) { testCleanupBudget(t, newFixture(t)) })
	t.Run("Remove", func(t *testing.T) { testRemove(t, newFixture(t)) })
	t.Run("Rebind", func(t *testing.T) { testRebind(t, newFixture(t)) })
	t.Run("List", func(t *testing.T) { testList(t, newFixture(t)) })
	t.Run("ListVersions", func(t *testing.T) { testListVersions(t, newFixture(t)) })
	t.Run("ListByBackend", func(t *testing.T) { testListByBackend(t, newFixture(t)) })
	t.Run("Usage", func(t *testing.T) { testUsage(t, newFixture(t)) })
}

func insert(t *testing.T, repo filevault.MetaDataRepo, owner, path string) filevault.FileRecord {
	t.Helper()
	ctx := context.Background()

	version, err := repo.NextVersion(ctx, owner, path)
	require.NoError(t, err)

	rec, err := repo.InsertPending(ctx, filevault.PendingRecord{
		Owner:       owner,
		Path:        path,
		Backend:     filevault.BackendLocal,
		BlobKey:     filevault.NewBlobKey(owner, version),
		ContentType: "text/plain",
		Version:     version,
	})
	require.NoError(t, err)
	return rec
}

func commitInput(p filevault.FileRecord, size int64) filevault.CommitInput {
	return filevault.CommitInput{
		Handle:    filevault.BlobHandle{Backend: p.Backend, Key: p.BlobKey},
		Checksum:  fmt.Sprintf("sum-%d", p.Version),
		SizeBytes: size,
	}
}

func commit(t *testing.T, repo filevault.MetaDataRepo, owner, path string, size int64) filevault.FileRecord {
	t.Helper()

	p := insert(t, repo, owner, path)
	rec, err := repo.Commit(context.Background(), p.ID, commitInput(p, size))
	require.NoError(t, err)
	return rec
}

func ids(records []filevault.FileRecord) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}

func testNextVersion(t *testing.T, f Fixture) {
	ctx := context.Background()

	v, err := f.Repo.NextVersion(ctx, owner, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	commit(t, f.Repo, owner, "a.txt", 1)
	insert(t, f.Repo, owner, "a.txt")

	v, err = f.Repo.NextVersion(ctx, owner, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(3), v, "pending versions count")

	_, err = f.Repo.Tombstone(ctx, owner, "a.txt")
	require.NoError(t, err)

	v, err = f.Repo.NextVersion(ctx, owner, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(3), v, "tombstones keep their version")

	v, err = f.Repo.NextVersion(ctx, "bob", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v, "owners are independent")
}

func testInsertPending(t *testing.T, f Fixture) {
	ctx := context.Background()

	rec := insert(t, f.Repo, owner, "docs/a.txt")
	assert.NotEqual(t, uuid.Nil, rec.ID)
	assert.Equal(t, filevault.StatusPending, rec.Status)
	assert.Equal(t, owner, rec.Owner)
	assert.Equal(t, "docs/a.txt", rec.Path)
	assert.Equal(t, int64(1), rec.Version)
	assert.Equal(t, filevault.BackendLocal, rec.Backend)
	assert.False(t, rec.CreatedAt.IsZero())
	assert.Nil(t, rec.DeletedAt)

	_, err := f.Repo.InsertPending(ctx, filevault.PendingRecord{
		Owner:       owner,
		Path:        "docs/a.txt",
		Backend:     filevault.BackendLocal,
		BlobKey:     "other",
		ContentType: "text/plain",
		Version:     1,
	})
	assert.ErrorIs(t, err, filevault.ErrConflict)

	_, err = f.Repo.LookupCommitted(ctx, owner, "docs/a.txt")
	assert.ErrorIs(t, err, filevault.ErrNotFound, "pending records are invisible")
}

func testCommit(t *testing.T, newFixture func(t *testing.T) Fixture) {
	ctx := context.Background()

	t.Run("promotes and supersedes", func(t *testing.T) {
		f := newFixture(t)

		first := commit(t, f.Repo, owner, "a.txt", 10)
		assert.Equal(t, filevault.StatusCommitted, first.Status)
		assert.Equal(t, int64(10), first.SizeBytes)
		assert.Equal(t, "sum-1", first.Checksum)

		second := commit(t, f.Repo, owner, "a.txt", 20)
		assert.Equal(t, int64(2), second.Version)

		got, err := f.Repo.LookupCommitted(ctx, owner, "a.txt")
		require.NoError(t, err)
		assert.Equal(t, second.ID, got.ID)
		assert.Equal(t, second.BlobKey, got.BlobKey)

		versions, err := f.Repo.ListVersions(ctx, owner, "a.txt")
		require.NoError(t, err)
		require.Len(t, versions, 2)
		assert.Equal(t, filevault.StatusSuperseded, versions[1].Status)
		assert.Equal(t, first.ID, versions[1].ID)
	})

	t.Run("not pending", func(t *testing.T) {
		f := newFixture(t)
		rec := commit(t, f.Repo, owner, "a.txt", 1)

		_, err := f.Repo.Commit(ctx, rec.ID, commitInput(rec, 1))
		assert.ErrorIs(t, err, filevault.ErrConflict)

		_, err = f.Repo.Commit(ctx, uuid.New(), commitInput(rec, 1))
		assert.ErrorIs(t, err, filevault.ErrConflict)
	})

	t.Run("newer version already committed", func(t *testing.T) {
		f := newFixture(t)
		older := insert(t, f.Repo, owner, "a.txt")
		newer := commit(t, f.Repo, owner, "a.txt", 2)

		_, err := f.Repo.Commit(ctx, older.ID, commitInput(older, 1))
		assert.ErrorIs(t, err, filevault.ErrConflict)

		got, err := f.Repo.LookupCommitted(ctx, owner, "a.txt")
		require.NoError(t, err)
		assert.Equal(t, newer.ID, got.ID, "the newer version stays committed")

		versions, err := f.Repo.ListVersions(ctx, owner, "a.txt")
		require.NoError(t, err)
		assert.Len(t, versions, 1, "the failed pending record is untouched")
	})
}

func testCommitConcurrent(t *testing.T, f Fixture) {
	ctx := context.Background()

	const writers = 8
	pending := make([]filevault.FileRecord, 0, writers)
	for range writers {
		pending = append(pending, insert(t, f.Repo, owner, "race.txt"))
	}

	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i, p := range pending {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.Repo.Commit(ctx, p.ID, commitInput(p, int64(i)))
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, filevault.ErrConflict)
		}
	}

	versions, err := f.Repo.ListVersions(ctx, owner, "race.txt")
	require.NoError(t, err)

	committed := 0
	for _, v := range versions {
		if v.Status == filevault.StatusCommitted {
			committed++
		}
	}
	assert.Equal(t, 1, committed, "exactly one committed record per path")
}

func testDeletePending(t *testing.T, f Fixture) {
	ctx := context.Background()

	p := insert(t, f.Repo, owner, "a.txt")
	require.NoError(t, f.Repo.DeletePending(ctx, p.ID))
	assert.ErrorIs(t, f.Repo.DeletePending(ctx, p.ID), filevault.ErrNotFound)

	rec := commit(t, f.Repo, owner, "b.txt", 1)
	assert.ErrorIs(t, f.Repo.DeletePending(ctx, rec.ID), filevault.ErrNotFound, "committed records are kept")

	_, err := f.Repo.LookupCommitted(ctx, owner, "b.txt")
	assert.NoError(t, err)
}

func testTombstone(t *testing.T, f Fixture) {
	ctx := context.Background()

	_, err := f.Repo.Tombstone(ctx, owner, "missing.txt")
	assert.ErrorIs(t, err, filevault.ErrNotFound)

	rec := commit(t, f.Repo, owner, "a.txt", 5)

	dead, err := f.Repo.Tombstone(ctx, owner, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, dead.ID)
	assert.Equal(t, filevault.StatusTombstoned, dead.Status)
	assert.Equal(t, rec.BlobKey, dead.BlobKey)
	require.NotNil(t, dead.DeletedAt)

	_, err = f.Repo.LookupCommitted(ctx, owner, "a.txt")
	assert.ErrorIs(t, err, filevault.ErrNotFound)

	_, err = f.Repo.Tombstone(ctx, owner, "a.txt")
	assert.ErrorIs(t, err, filevault.ErrNotFound)
}

func testListPendingOlderThan(t *testing.T, f Fixture) {
	ctx := context.Background()

	stale := insert(t, f.Repo, owner, "stale.txt")
	insert(t, f.Repo, owner, "fresh.txt")
	old := commit(t, f.Repo, owner, "committed.txt", 1)
	f.Age(t, stale.ID, 2*time.Hour)
	f.Age(t, old.ID, 2*time.Hour)

	got, err := f.Repo.ListPendingOlderThan(ctx, time.Hour, 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{stale.ID}, ids(got))

	got, err = f.Repo.ListPendingOlderThan(ctx, 0, 1)
	require.NoError(t, err)
	assert.Len(t, got, 1, "limit is honored")
}

func testListReclaimable(t *testing.T, f Fixture) {
	ctx := context.Background()

	v1 := commit(t, f.Repo, owner, "a.txt", 1)
	v2 := commit(t, f.Repo, owner, "a.txt", 2)
	commit(t, f.Repo, owner, "a.txt", 3)
	f.Age(t, v1.ID, 48*time.Hour)

	dead := commit(t, f.Repo, owner, "b.txt", 1)
	_, err := f.Repo.Tombstone(ctx, owner, "b.txt")
	require.NoError(t, err)

	got, err := f.Repo.ListReclaimable(ctx, time.Now().Add(-24*time.Hour), 5, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{v1.ID, dead.ID}, ids(got), "recent history is retained")

	got, err = f.Repo.ListReclaimable(ctx, time.Now().Add(time.Minute), 5, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{v1.ID, v2.ID, dead.ID}, ids(got))
}

func testCleanupBudget(t *testing.T, f Fixture) {
	ctx := context.Background()

	commit(t, f.Repo, owner, "a.txt", 1)
	rec, err := f.Repo.Tombstone(ctx, owner, "a.txt")
	require.NoError(t, err)

	for want := 1; want <= 2; want++ {
		got, err := f.Repo.RecordCleanupFailure(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	reclaimable, err := f.Repo.ListReclaimable(ctx, time.Now(), 2, 10)
	require.NoError(t, err)
	assert.Empty(t, reclaimable, "spent budget is skipped")

	exhausted, err := f.Repo.ListExhausted(ctx, 2, 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{rec.ID}, ids(exhausted))

	exhausted, err = f.Repo.ListExhausted(ctx, 3, 10)
	require.NoError(t, err)
	assert.Empty(t, exhausted)

	_, err = f.Repo.RecordCleanupFailure(ctx, uuid.New())
	assert.ErrorIs(t, err, filevault.ErrNotFound)
}

func testRemove(t *testing.T, f Fixture) {
	ctx := context.Background()

	rec := commit(t, f.Repo, owner, "a.txt", 1)
	assert.ErrorIs(t, f.Repo.Remove(ctx, rec.ID), filevault.ErrNotFound, "committed records cannot be removed")

	_, err := f.Repo.Tombstone(ctx, owner, "a.txt")
	require.NoError(t, err)
	require.NoError(t, f.Repo.Remove(ctx, rec.ID))
	assert.ErrorIs(t, f.Repo.Remove(ctx, rec.ID), filevault.ErrNotFound)

	versions, err := f.Repo.ListVersions(ctx, owner, "a.txt")
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func testRebind(t *testing.T, f Fixture) {
	ctx := context.Background()

	rec := commit(t, f.Repo, owner, "a.txt", 1)
	handle := filevault.BlobHandle{Backend: filevault.BackendCloud, Key: "moved.v1"}

	got, err := f.Repo.Rebind(ctx, rec.ID, rec.BlobKey, handle)
	require.NoError(t, err)
	assert.Equal(t, filevault.BackendCloud, got.Backend)
	assert.Equal(t, "moved.v1", got.BlobKey)
	assert.Equal(t, rec.Checksum, got.Checksum)

	_, err = f.Repo.Rebind(ctx, rec.ID, rec.BlobKey, handle)
	assert.ErrorIs(t, err, filevault.ErrConflict, "stale key")

	_, err = f.Repo.Tombstone(ctx, owner, "a.txt")
	require.NoError(t, err)
	_, err = f.Repo.Rebind(ctx, rec.ID, "moved.v1", filevault.BlobHandle{Backend: filevault.BackendLocal, Key: "x"})
	assert.ErrorIs(t, err, filevault.ErrConflict, "no longer committed")
}

func testList(t *testing.T, f Fixture) {
	ctx := context.Background()

	paths := []string{"img/a.jpg", "img/b.jpg", "img/c.jpg", "img_x/d.jpg", "docs/readme.md", "Img/e.jpg", "100%/f.txt"}
	for _, p := range paths {
		commit(t, f.Repo, owner, p, 1)
	}
	commit(t, f.Repo, "bob", "img/z.jpg", 1)
	insert(t, f.Repo, owner, "img/pending.jpg")

	listAll := func(prefix string, limit int) []string {
		var got []string
		cursor := ""
		for {
			res, err := f.Repo.List(ctx, filevault.ListQuery{Owner: owner, PathPrefix: prefix, Limit: limit, Cursor: cursor})
			require.NoError(t, err)
			assert.LessOrEqual(t, len(res.Items), limit)
			for _, item := range res.Items {
				got = append(got, item.Path)
			}
			if res.NextCursor == "" {
				return got
			}
			cursor = res.NextCursor
		}
	}

	t.Run("prefix is literal and case sensitive", func(t *testing.T) {
		assert.ElementsMatch(t, []string{"img/a.jpg", "img/b.jpg", "img/c.jpg"}, listAll("img/", 10))
		assert.ElementsMatch(t, []string{"img_x/d.jpg"}, listAll("img_", 10))
		assert.ElementsMatch(t, []string{"100%/f.txt"}, listAll("100%", 10))
	})

	t.Run("pagination visits every record once", func(t *testing.T) {
		got := listAll("", 2)
		assert.Len(t, got, len(paths))
		sort.Strings(got)
		want := append([]string(nil), paths...)
		sort.Strings(want)
		assert.Equal(t, want, got)
	})

	t.Run("empty result", func(t *testing.T) {
		res, err := f.Repo.List(ctx, filevault.ListQuery{Owner: "nobody", Limit: 10})
		require.NoError(t, err)
		assert.NotNil(t, res.Items)
		assert.Empty(t, res.Items)
		assert.Empty(t, res.NextCursor)
	})

	t.Run("invalid cursor", func(t *testing.T) {
		_, err := f.Repo.List(ctx, filevault.ListQuery{Owner: owner, Limit: 10, Cursor: "!!"})
		assert.ErrorIs(t, err, filevault.ErrInvalidInput)
	})
}

func testListVersions(t *testing.T, f Fixture) {
	ctx := context.Background()

	commit(t, f.Repo, owner, "a.txt", 1)
	commit(t, f.Repo, owner, "a.txt", 2)
	insert(t, f.Repo, owner, "a.txt")

	versions, err := f.Repo.ListVersions(ctx, owner, "a.txt")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, int64(2), versions[0].Version)
	assert.Equal(t, filevault.StatusCommitted, versions[0].Status)
	assert.Equal(t, int64(1), versions[1].Version)

	versions, err = f.Repo.ListVersions(ctx, owner, "missing.txt")
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func testListByBackend(t *testing.T, f Fixture) {
	ctx := context.Background()

	var want []uuid.UUID
	for i := range 5 {
		want = append(want, commit(t, f.Repo, fmt.Sprintf("owner-%d", i%2), fmt.Sprintf("f%d.txt", i), 1).ID)
	}
	moved := commit(t, f.Repo, owner, "cloud.txt", 1)
	_, err := f.Repo.Rebind(ctx, moved.ID, moved.BlobKey, filevault.BlobHandle{Backend: filevault.BackendCloud, Key: "c"})
	require.NoError(t, err)

	var got []uuid.UUID
	cursor := ""
	for {
		res, err := f.Repo.ListByBackend(ctx, filevault.BackendLocal, cursor, 2)
		require.NoError(t, err)
		got = append(got, ids(res.Items)...)
		if res.NextCursor == "" {
			break
		}
		cursor = res.NextCursor
	}
	assert.ElementsMatch(t, want, got)

	res, err := f.Repo.ListByBackend(ctx, filevault.BackendCloud, "", 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{moved.ID}, ids(res.Items))
}

func testUsage(t *testing.T, f Fixture) {
	ctx := context.Background()

	u, err := f.Repo.Usage(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, filevault.Usage{Owner: owner}, u)

	commit(t, f.Repo, owner, "a.txt", 100)
	commit(t, f.Repo, owner, "a.txt", 150)
	commit(t, f.Repo, owner, "b.txt", 50)
	commit(t, f.Repo, owner, "c.txt", 7)
	_, err = f.Repo.Tombstone(ctx, owner, "c.txt")
	require.NoError(t, err)
	insert(t, f.Repo, owner, "d.txt")
	commit(t, f.Repo, "bob", "a.txt", 1000)

	u, err = f.Repo.Usage(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, filevault.Usage{Owner: owner, Files: 2, Bytes: 200}, u, "only committed bytes count")
}
