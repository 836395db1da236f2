package filevault_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sagarc03/filevault"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type SpyMetaDataRepo struct {
	mock.Mock
}

func (s *SpyMetaDataRepo) NextVersion(ctx context.Context, owner, path string) (int64, error) {
	args := s.Called(ctx, owner, path)
	return args.Get(0).(int64), args.Error(1)
}

func (s *SpyMetaDataRepo) InsertPending(ctx context.Context, rec filevault.PendingRecord) (filevault.FileRecord, error) {
	args := s.Called(ctx, rec)
	return args.Get(0).(filevault.FileRecord), args.Error(1)
}

func (s *SpyMetaDataRepo) Commit(ctx context.Context, id uuid.UUID, in filevault.CommitInput) (filevault.FileRecord, error) {
	args := s.Called(ctx, id, in)
	return args.Get(0).(filevault.FileRecord), args.Error(1)
}

func (s *SpyMetaDataRepo) DeletePending(ctx context.Context, id uuid.UUID) error {
	args := s.Called(ctx, id)
	return args.Error(0)
}

func (s *SpyMetaDataRepo) Tombstone(ctx context.Context, owner, path string) (filevault.FileRecord, error) {
	args := s.Called(ctx, owner, path)
	return args.Get(0).(filevault.FileRecord), args.Error(1)
}

func (s *SpyMetaDataRepo) LookupCommitted(ctx context.Context, owner, path string) (filevault.FileRecord, error) {
	args := s.Called(ctx, owner, path)
	return args.Get(0).(filevault.FileRecord), args.Error(1)
}

func (s *SpyMetaDataRepo) ListPendingOlderThan(ctx context.Context, age time.Duration, limit int) ([]filevault.FileRecord, error) {
	args := s.Called(ctx, age, limit)
	return args.Get(0).([]filevault.FileRecord), args.Error(1)
}

func (s *SpyMetaDataRepo) ListReclaimable(ctx context.Context, before time.Time, maxAttempts, limit int) ([]filevault.FileRecord, error) {
	args := s.Called(ctx, before, maxAttempts, limit)
	return args.Get(0).([]filevault.FileRecord), args.Error(1)
}

func (s *SpyMetaDataRepo) ListExhausted(ctx context.Context, maxAttempts, limit int) ([]filevault.FileRecord, error) {
	args := s.Called(ctx, maxAttempts, limit)
	return args.Get(0).([]filevault.FileRecord), args.Error(1)
}

func (s *SpyMetaDataRepo) RecordCleanupFailure(ctx context.Context, id uuid.UUID) (int, error) {
	args := s.Called(ctx, id)
	return args.Int(0), args.Error(1)
}

func (s *SpyMetaDataRepo) Remove(ctx context.Context, id uuid.UUID) error {
	args := s.Called(ctx, id)
	return args.Error(0)
}

func (s *SpyMetaDataRepo) Rebind(ctx context.Context, id uuid.UUID, oldKey string, handle filevault.BlobHandle) (filevault.FileRecord, error) {
	args := s.Called(ctx, id, oldKey, handle)
	return args.Get(0).(filevault.FileRecord), args.Error(1)
}

func (s *SpyMetaDataRepo) List(ctx context.Context, q filevault.ListQuery) (filevault.ListResult, error) {
	args := s.Called(ctx, q)
	return args.Get(0).(filevault.ListResult), args.Error(1)
}

func (s *SpyMetaDataRepo) ListVersions(ctx context.Context, owner, path string) ([]filevault.FileRecord, error) {
	args := s.Called(ctx, owner, path)
	return args.Get(0).([]filevault.FileRecord), args.Error(1)
}

func (s *SpyMetaDataRepo) ListByBackend(ctx context.Context, kind filevault.BackendKind, cursor string, limit int) (filevault.ListResult, error) {
	args := s.Called(ctx, kind, cursor, limit)
	return args.Get(0).(filevault.ListResult), args.Error(1)
}

func (s *SpyMetaDataRepo) Usage(ctx context.Context, owner string) (filevault.Usage, error) {
	args := s.Called(ctx, owner)
	return args.Get(0).(filevault.Usage), args.Error(1)
}

type SpyBlobBackend struct {
	mock.Mock
	kind filevault.BackendKind
}

func (s *SpyBlobBackend) Kind() filevault.BackendKind {
	return s.kind
}

func (s *SpyBlobBackend) Put(ctx context.Context, key string, content io.Reader) (filevault.BlobHandle, error) {
	_, _ = io.Copy(io.Discard, content)
	args := s.Called(ctx, key)
	return args.Get(0).(filevault.BlobHandle), args.Error(1)
}

func (s *SpyBlobBackend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	args := s.Called(ctx, key)
	if rc, ok := args.Get(0).(io.ReadCloser); ok {
		return rc, args.Error(1)
	}
	return nil, args.Error(1)
}

func (s *SpyBlobBackend) Delete(ctx context.Context, key string) error {
	args := s.Called(ctx, key)
	return args.Error(0)
}

func (s *SpyBlobBackend) Exists(ctx context.Context, key string) (bool, error) {
	args := s.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}

// memRepo is an in-memory MetaDataRepo with the same status rules as the SQL
// repos. It backs the behavioural tests of the engine and the collector.
type memRepo struct {
	mu      sync.Mutex
	records map[uuid.UUID]*filevault.FileRecord
}

func newMemRepo() *memRepo {
	return &memRepo{records: make(map[uuid.UUID]*filevault.FileRecord)}
}

func (m *memRepo) NextVersion(_ context.Context, owner, path string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var v int64
	for _, r := range m.records {
		if r.Owner == owner && r.Path == path && r.Version > v {
			v = r.Version
		}
	}
	return v + 1, nil
}

func (m *memRepo) InsertPending(_ context.Context, p filevault.PendingRecord) (filevault.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.Owner == p.Owner && r.Path == p.Path && r.Version == p.Version {
			return filevault.FileRecord{}, filevault.ErrConflict
		}
	}
	now := time.Now()
	rec := &filevault.FileRecord{
		ID:          uuid.New(),
		Owner:       p.Owner,
		Path:        p.Path,
		Backend:     p.Backend,
		BlobKey:     p.BlobKey,
		ContentType: p.ContentType,
		Version:     p.Version,
		Status:      filevault.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.records[rec.ID] = rec
	return *rec, nil
}

func (m *memRepo) Commit(_ context.Context, id uuid.UUID, in filevault.CommitInput) (filevault.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok || rec.Status != filevault.StatusPending {
		return filevault.FileRecord{}, filevault.ErrConflict
	}
	now := time.Now()
	for _, r := range m.records {
		if r.Owner == rec.Owner && r.Path == rec.Path && r.Status == filevault.StatusCommitted {
			if r.Version >= rec.Version {
				return filevault.FileRecord{}, filevault.ErrConflict
			}
			r.Status = filevault.StatusSuperseded
			r.UpdatedAt = now
		}
	}
	rec.Status = filevault.StatusCommitted
	rec.Backend = in.Handle.Backend
	rec.BlobKey = in.Handle.Key
	rec.Checksum = in.Checksum
	rec.SizeBytes = in.SizeBytes
	rec.UpdatedAt = now
	return *rec, nil
}

func (m *memRepo) DeletePending(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok || rec.Status != filevault.StatusPending {
		return filevault.ErrNotFound
	}
	delete(m.records, id)
	return nil
}

func (m *memRepo) Tombstone(_ context.Context, owner, path string) (filevault.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.committed(owner, path)
	if rec == nil {
		return filevault.FileRecord{}, filevault.ErrNotFound
	}
	now := time.Now()
	rec.Status = filevault.StatusTombstoned
	rec.DeletedAt = &now
	rec.UpdatedAt = now
	return *rec, nil
}

func (m *memRepo) LookupCommitted(_ context.Context, owner, path string) (filevault.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.committed(owner, path)
	if rec == nil {
		return filevault.FileRecord{}, filevault.ErrNotFound
	}
	return *rec, nil
}

func (m *memRepo) committed(owner, path string) *filevault.FileRecord {
	for _, r := range m.records {
		if r.Owner == owner && r.Path == path && r.Status == filevault.StatusCommitted {
			return r
		}
	}
	return nil
}

func (m *memRepo) ListPendingOlderThan(_ context.Context, age time.Duration, limit int) ([]filevault.FileRecord, error) {
	cutoff := time.Now().Add(-age)
	return m.filter(limit, func(r *filevault.FileRecord) bool {
		return r.Status == filevault.StatusPending && r.CreatedAt.Before(cutoff)
	}), nil
}

func (m *memRepo) ListReclaimable(_ context.Context, before time.Time, maxAttempts, limit int) ([]filevault.FileRecord, error) {
	return m.filter(limit, func(r *filevault.FileRecord) bool {
		if r.CleanupAttempts >= maxAttempts {
			return false
		}
		return r.Status == filevault.StatusTombstoned ||
			(r.Status == filevault.StatusSuperseded && r.UpdatedAt.Before(before))
	}), nil
}

func (m *memRepo) ListExhausted(_ context.Context, maxAttempts, limit int) ([]filevault.FileRecord, error) {
	return m.filter(limit, func(r *filevault.FileRecord) bool {
		return (r.Status == filevault.StatusTombstoned || r.Status == filevault.StatusSuperseded) &&
			r.CleanupAttempts >= maxAttempts
	}), nil
}

func (m *memRepo) RecordCleanupFailure(_ context.Context, id uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return 0, filevault.ErrNotFound
	}
	rec.CleanupAttempts++
	return rec.CleanupAttempts, nil
}

func (m *memRepo) Remove(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok || rec.Status == filevault.StatusCommitted {
		return filevault.ErrNotFound
	}
	delete(m.records, id)
	return nil
}

func (m *memRepo) Rebind(_ context.Context, id uuid.UUID, oldKey string, handle filevault.BlobHandle) (filevault.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok || rec.Status != filevault.StatusCommitted || rec.BlobKey != oldKey {
		return filevault.FileRecord{}, filevault.ErrConflict
	}
	rec.Backend = handle.Backend
	rec.BlobKey = handle.Key
	rec.UpdatedAt = time.Now()
	return *rec, nil
}

func (m *memRepo) List(_ context.Context, q filevault.ListQuery) (filevault.ListResult, error) {
	items := m.filter(0, func(r *filevault.FileRecord) bool {
		return r.Owner == q.Owner && r.Status == filevault.StatusCommitted && strings.HasPrefix(r.Path, q.PathPrefix)
	})
	return page(items, q.Cursor, q.Limit, func(r filevault.FileRecord) string { return r.Path }), nil
}

func (m *memRepo) ListVersions(_ context.Context, owner, path string) ([]filevault.FileRecord, error) {
	items := m.filter(0, func(r *filevault.FileRecord) bool {
		return r.Owner == owner && r.Path == path && r.Status != filevault.StatusPending
	})
	sort.Slice(items, func(i, j int) bool { return items[i].Version > items[j].Version })
	return items, nil
}

func (m *memRepo) ListByBackend(_ context.Context, kind filevault.BackendKind, cursor string, limit int) (filevault.ListResult, error) {
	items := m.filter(0, func(r *filevault.FileRecord) bool {
		return r.Backend == kind && r.Status == filevault.StatusCommitted
	})
	return page(items, cursor, limit, func(r filevault.FileRecord) string { return r.ID.String() }), nil
}

func (m *memRepo) Usage(_ context.Context, owner string) (filevault.Usage, error) {
	u := filevault.Usage{Owner: owner}
	for _, r := range m.filter(0, func(r *filevault.FileRecord) bool {
		return r.Owner == owner && r.Status == filevault.StatusCommitted
	}) {
		u.Files++
		u.Bytes += r.SizeBytes
	}
	return u, nil
}

// filter returns copies of the matching records, oldest first.
func (m *memRepo) filter(limit int, keep func(*filevault.FileRecord) bool) []filevault.FileRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []filevault.FileRecord{}
	for _, r := range m.records {
		if keep(r) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// age moves the timestamps of a record back by d.
func (m *memRepo) age(id uuid.UUID, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[id]
	rec.CreatedAt = rec.CreatedAt.Add(-d)
	rec.UpdatedAt = rec.UpdatedAt.Add(-d)
}

func (m *memRepo) get(id uuid.UUID) (filevault.FileRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return filevault.FileRecord{}, false
	}
	return *rec, true
}

func (m *memRepo) count(status filevault.Status) int {
	return len(m.filter(0, func(r *filevault.FileRecord) bool { return r.Status == status }))
}

// page mimics keyset pagination: items are sorted by key and the cursor is
// the key of the last item returned.
func page(items []filevault.FileRecord, cursor string, limit int, key func(filevault.FileRecord) string) filevault.ListResult {
	sort.Slice(items, func(i, j int) bool { return key(items[i]) < key(items[j]) })
	start := sort.Search(len(items), func(i int) bool { return key(items[i]) > cursor })
	if limit <= 0 {
		limit = len(items)
	}
	end := min(start+limit, len(items))
	result := filevault.ListResult{Items: items[start:end]}
	if end < len(items) {
		result.NextCursor = key(items[end-1])
	}
	return result
}

// memBackend is an in-memory BlobBackend. The hooks let tests inject
// failures and delays.
type memBackend struct {
	kind filevault.BackendKind

	mu    sync.Mutex
	blobs map[string][]byte

	putHook    func(ctx context.Context, key string) error
	deleteHook func(key string) error
}

func newMemBackend(kind filevault.BackendKind) *memBackend {
	return &memBackend{kind: kind, blobs: make(map[string][]byte)}
}

func (b *memBackend) Kind() filevault.BackendKind {
	return b.kind
}

func (b *memBackend) Put(ctx context.Context, key string, content io.Reader) (filevault.BlobHandle, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return filevault.BlobHandle{}, fmt.Errorf("put %s: %w", key, err)
	}
	if b.putHook != nil {
		if err := b.putHook(ctx, key); err != nil {
			return filevault.BlobHandle{}, err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs[key] = data
	return filevault.BlobHandle{Backend: b.kind, Key: key}, nil
}

func (b *memBackend) Get(_ context.Context, key string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.blobs[key]
	if !ok {
		return nil, filevault.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *memBackend) Delete(_ context.Context, key string) error {
	if b.deleteHook != nil {
		if err := b.deleteHook(key); err != nil {
			return err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.blobs[key]; !ok {
		return filevault.ErrNotFound
	}
	delete(b.blobs, key)
	return nil
}

func (b *memBackend) Exists(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.blobs[key]
	return ok, nil
}

func (b *memBackend) has(key string) bool {
	ok, _ := b.Exists(context.Background(), key)
	return ok
}

func (b *memBackend) set(key string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs[key] = data
}

func (b *memBackend) drop(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blobs, key)
}

func (b *memBackend) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.blobs)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testVault struct {
	engine *filevault.Engine
	repo   *memRepo
	local  *memBackend
	locker *filevault.LocalLocker
}

// newTestVault builds an engine over in-memory fakes. The engine is closed
// when the test ends.
func newTestVault(t *testing.T, cfg filevault.EngineConfig) *testVault {
	t.Helper()

	repo := newMemRepo()
	local := newMemBackend(filevault.BackendLocal)
	locker := filevault.NewLocalLocker()
	if cfg.Active == "" {
		cfg.Active = filevault.BackendLocal
	}
	cfg.Logger = discardLogger()

	engine, err := filevault.NewEngine(repo, locker, cfg, local)
	require.NoError(t, err, "new engine")
	t.Cleanup(engine.Close)

	return &testVault{engine: engine, repo: repo, local: local, locker: locker}
}

func (v *testVault) write(t *testing.T, owner, path, content string) filevault.FileRecord {
	t.Helper()
	rec, err := v.engine.Write(context.Background(), owner, filevault.WriteObject{Path: path, ContentType: "text/plain"}, strings.NewReader(content))
	require.NoError(t, err, "write %s", path)
	return rec
}

func (v *testVault) read(t *testing.T, owner, path string) string {
	t.Helper()
	_, body, err := v.engine.Read(context.Background(), owner, path)
	require.NoError(t, err, "read %s", path)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	return string(data)
}

// hookRepo runs afterLookup once, right after the first LookupCommitted has
// read its record and before the caller acts on it.
type hookRepo struct {
	*memRepo
	mu          sync.Mutex
	afterLookup func()
}

func (h *hookRepo) LookupCommitted(ctx context.Context, owner, path string) (filevault.FileRecord, error) {
	rec, err := h.memRepo.LookupCommitted(ctx, owner, path)

	h.mu.Lock()
	hook := h.afterLookup
	h.afterLookup = nil
	h.mu.Unlock()

	if hook != nil {
		hook()
	}
	return rec, err
}

func (h *hookRepo) onNextLookup(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.afterLookup = fn
}
