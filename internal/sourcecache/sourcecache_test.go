package sourcecache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/CowanCS1/snakemake-executor-plugin-google-lifesciences/internal/retry"
)

// ---------------------------------------------------------------------------
// Mock store
// ---------------------------------------------------------------------------

type mockStore struct {
	mu sync.Mutex

	blobs   map[string]string // object name -> local path uploaded
	uploads []string
	deletes []string

	existsErr error
	uploadErr error
	deleteErr error
}

func newMockStore() *mockStore {
	return &mockStore{blobs: make(map[string]string)}
}

func (m *mockStore) BlobExists(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.existsErr != nil {
		return false, m.existsErr
	}
	_, ok := m.blobs[name]
	return ok, nil
}

func (m *mockStore) Upload(_ context.Context, name, localPath, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.uploadErr != nil {
		return m.uploadErr
	}
	m.blobs[name] = localPath
	m.uploads = append(m.uploads, name)
	return nil
}

func (m *mockStore) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	delete(m.blobs, name)
	m.deletes = append(m.deletes, name)
	return nil
}

func (m *mockStore) uploadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.uploads)
}

// ---------------------------------------------------------------------------
// Suite
// ---------------------------------------------------------------------------

type CacheSuite struct {
	suite.Suite
	ctx     context.Context
	store   *mockStore
	workdir string
	auxDir  string
}

func (s *CacheSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = newMockStore()
	s.workdir = s.T().TempDir()
	s.auxDir = s.T().TempDir()
}

func (s *CacheSuite) newCache(keep bool) *Cache {
	return New(Config{
		Store:  s.store,
		AuxDir: s.auxDir,
		Keep:   keep,
		Retry:  retry.Options{Initial: time.Millisecond, MaxAttempts: 2},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func (s *CacheSuite) writeFile(rel, content string) string {
	path := filepath.Join(s.workdir, rel)
	require.NoError(s.T(), os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(s.T(), os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestCacheSuite(t *testing.T) {
	suite.Run(t, new(CacheSuite))
}

// ---------------------------------------------------------------------------
// Prepare
// ---------------------------------------------------------------------------

func (s *CacheSuite) TestPrepare_BuildsAndUploads() {
	snakefile := s.writeFile("Snakefile", "rule all: input: 'done.txt'")
	config := s.writeFile("config/config.yaml", "samples: [a, b]")

	pkg, err := s.newCache(false).Prepare(s.ctx, s.workdir, []string{snakefile, config})
	require.NoError(s.T(), err)

	assert.Len(s.T(), pkg.Hash, 64)
	assert.Equal(s.T(), "source/cache/workdir-"+pkg.Hash+".tar.gz", pkg.Object)
	assert.FileExists(s.T(), pkg.LocalPath)
	assert.Equal(s.T(), 1, s.store.uploadCount())
}

func (s *CacheSuite) TestPrepare_SameContentSameHashOneUpload() {
	snakefile := s.writeFile("Snakefile", "rule all: input: 'done.txt'")

	cache := s.newCache(false)
	first, err := cache.Prepare(s.ctx, s.workdir, []string{snakefile})
	require.NoError(s.T(), err)

	second, err := cache.Prepare(s.ctx, s.workdir, []string{snakefile})
	require.NoError(s.T(), err)

	assert.Equal(s.T(), first.Hash, second.Hash)
	assert.Equal(s.T(), first.Object, second.Object)
	// The second build found the blob already present.
	assert.Equal(s.T(), 1, s.store.uploadCount())
}

func (s *CacheSuite) TestPrepare_DifferentContentDifferentHash() {
	snakefile := s.writeFile("Snakefile", "rule all: input: 'done.txt'")

	cache := s.newCache(false)
	first, err := cache.Prepare(s.ctx, s.workdir, []string{snakefile})
	require.NoError(s.T(), err)

	s.writeFile("Snakefile", "rule all: input: 'other.txt'")
	second, err := cache.Prepare(s.ctx, s.workdir, []string{snakefile})
	require.NoError(s.T(), err)

	assert.NotEqual(s.T(), first.Hash, second.Hash)
	assert.Equal(s.T(), 2, s.store.uploadCount())
}

func (s *CacheSuite) TestPrepare_FileOutsideWorkdirFails() {
	outside := filepath.Join(s.T().TempDir(), "secrets.yaml")
	require.NoError(s.T(), os.WriteFile(outside, []byte("x"), 0o644))
	inside := s.writeFile("Snakefile", "rule all: ...")

	_, err := s.newCache(false).Prepare(s.ctx, s.workdir, []string{inside, outside})

	var outsideErr *OutsideWorkdirError
	require.ErrorAs(s.T(), err, &outsideErr)
	assert.Equal(s.T(), outside, outsideErr.Path)
	assert.Contains(s.T(), err.Error(), outside)
	assert.Equal(s.T(), 0, s.store.uploadCount(), "nothing may be uploaded on failure")
}

func (s *CacheSuite) TestPrepare_ExpandsDirectories() {
	s.writeFile("rules/align.smk", "rule align: ...")
	s.writeFile("rules/sort.smk", "rule sort: ...")

	pkg, err := s.newCache(false).Prepare(s.ctx, s.workdir, []string{filepath.Join(s.workdir, "rules")})
	require.NoError(s.T(), err)
	assert.NotEmpty(s.T(), pkg.Hash)
}

func (s *CacheSuite) TestPrepare_SkipsUploadWhenBlobExists() {
	snakefile := s.writeFile("Snakefile", "rule all: ...")

	cache := s.newCache(false)
	pkg, err := cache.build(s.workdir, []string{snakefile})
	require.NoError(s.T(), err)
	s.store.blobs[pkg.Object] = "pre-existing"

	got, err := cache.Prepare(s.ctx, s.workdir, []string{snakefile})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), pkg.Object, got.Object)
	assert.Equal(s.T(), 0, s.store.uploadCount())
}

func (s *CacheSuite) TestPrepare_RetriesTransientUploadFailure() {
	snakefile := s.writeFile("Snakefile", "rule all: ...")
	s.store.existsErr = fmt.Errorf("connection reset")

	cache := s.newCache(false)

	// First attempt fails, clear the fault before the retry fires.
	go func() {
		time.Sleep(10 * time.Millisecond)
		s.store.mu.Lock()
		s.store.existsErr = nil
		s.store.mu.Unlock()
	}()

	// Initial=1ms means the retry happens almost immediately; make the
	// budget generous enough to outlast the fault.
	cache.retry = retry.Options{Initial: 20 * time.Millisecond, MaxAttempts: 3}
	_, err := cache.Prepare(s.ctx, s.workdir, []string{snakefile})
	require.NoError(s.T(), err)
}

// ---------------------------------------------------------------------------
// Cleanup
// ---------------------------------------------------------------------------

func (s *CacheSuite) TestCleanup_DeletesTrackedPackages() {
	snakefile := s.writeFile("Snakefile", "rule all: ...")

	cache := s.newCache(false)
	pkg, err := cache.Prepare(s.ctx, s.workdir, []string{snakefile})
	require.NoError(s.T(), err)

	require.NoError(s.T(), cache.Cleanup(s.ctx))
	assert.Equal(s.T(), []string{pkg.Object}, s.store.deletes)
}

func (s *CacheSuite) TestCleanup_KeepCacheSkipsDeletion() {
	snakefile := s.writeFile("Snakefile", "rule all: ...")

	cache := s.newCache(true)
	_, err := cache.Prepare(s.ctx, s.workdir, []string{snakefile})
	require.NoError(s.T(), err)

	require.NoError(s.T(), cache.Cleanup(s.ctx))
	assert.Empty(s.T(), s.store.deletes)
}

func (s *CacheSuite) TestCleanup_Idempotent() {
	snakefile := s.writeFile("Snakefile", "rule all: ...")

	cache := s.newCache(false)
	_, err := cache.Prepare(s.ctx, s.workdir, []string{snakefile})
	require.NoError(s.T(), err)

	require.NoError(s.T(), cache.Cleanup(s.ctx))
	require.NoError(s.T(), cache.Cleanup(s.ctx))
	assert.Len(s.T(), s.store.deletes, 1)
}

func (s *CacheSuite) TestCleanup_MissingBlobIsFine() {
	snakefile := s.writeFile("Snakefile", "rule all: ...")

	cache := s.newCache(false)
	pkg, err := cache.Prepare(s.ctx, s.workdir, []string{snakefile})
	require.NoError(s.T(), err)

	// Someone else already deleted the blob.
	s.store.mu.Lock()
	delete(s.store.blobs, pkg.Object)
	s.store.mu.Unlock()

	require.NoError(s.T(), cache.Cleanup(s.ctx))
	assert.Empty(s.T(), s.store.deletes)
}
