// Package sourcecache archives the job working directory, names the
// archive by the hash of its own bytes, and uploads it to object
// storage exactly once per unique content.  Remote instances download
// and extract the package before executing their command.
package sourcecache

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/CowanCS1/snakemake-executor-plugin-google-lifesciences/internal/retry"
)

// Packages larger than this produce an advisory warning; large inputs
// belong in storage, not in the source package.
const warnSizeBytes = 2 * 1024 * 1024 * 1024 / 10 // 0.2 GB

// objectPrefix is where packages live inside the bucket.
const objectPrefix = "source/cache"

// Store is the slice of the object-store API the cache needs.
// Implemented by gcp.StorageClient; mocked in tests.
type Store interface {
	BlobExists(ctx context.Context, name string) (bool, error)
	Upload(ctx context.Context, name, localPath, contentType string) error
	Delete(ctx context.Context, name string) error
}

// Package is one content-addressed source archive.
type Package struct {
	// Hash is the SHA-256 of the archive bytes, and doubles as the
	// package identity.
	Hash string

	// LocalPath is the hash-named archive on disk.
	LocalPath string

	// Object is the blob name inside the bucket.
	Object string
}

// OutsideWorkdirError reports a source file that does not live under
// the working directory.  The archive is extracted relative to a
// single root on the remote side, so such files cannot be packaged.
type OutsideWorkdirError struct {
	Workdir string
	Path    string
}

func (e *OutsideWorkdirError) Error() string {
	return fmt.Sprintf(
		"all source files must be present in the working directory %s, but %s was found outside of it; set your working directory accordingly",
		e.Workdir, e.Path,
	)
}

// Config holds the cache's collaborators.
type Config struct {
	Store Store

	// AuxDir is where hash-named archives are kept locally so a
	// repeated run with unchanged sources skips the rebuild.
	AuxDir string

	// Keep leaves uploaded packages in the bucket at cleanup.
	Keep bool

	Retry  retry.Options
	Logger *slog.Logger
}

// Cache builds, uploads, tracks, and cleans up source packages.
type Cache struct {
	store  Store
	auxDir string
	keep   bool
	retry  retry.Options
	logger *slog.Logger

	mu      sync.Mutex
	tracked map[string]struct{} // object names created this run
}

// New creates a Cache.
func New(cfg Config) *Cache {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Cache{
		store:   cfg.Store,
		auxDir:  cfg.AuxDir,
		keep:    cfg.Keep,
		retry:   cfg.Retry,
		logger:  cfg.Logger,
		tracked: make(map[string]struct{}),
	}
}

// Prepare archives the sources relative to workdir, deduplicates by
// content hash, and uploads the package unless an identical blob
// already exists.  The returned package is tracked for cleanup.
func (c *Cache) Prepare(ctx context.Context, workdir string, sources []string) (Package, error) {
	pkg, err := c.build(workdir, sources)
	if err != nil {
		return Package{}, err
	}
	if err := c.upload(ctx, pkg); err != nil {
		return Package{}, err
	}

	c.mu.Lock()
	c.tracked[pkg.Object] = struct{}{}
	c.mu.Unlock()

	c.logger.Debug("build package ready",
		slog.String("hash", pkg.Hash),
		slog.String("object", pkg.Object),
	)
	return pkg, nil
}

// Cleanup deletes every package created during this run, unless the
// cache was configured to be kept.  Safe to call more than once.
func (c *Cache) Cleanup(ctx context.Context) error {
	c.mu.Lock()
	objects := make([]string, 0, len(c.tracked))
	for name := range c.tracked {
		objects = append(objects, name)
	}
	clear(c.tracked)
	c.mu.Unlock()
	sort.Strings(objects)

	if c.keep {
		c.logger.Debug("requested to save workflow sources, skipping cleanup")
		return nil
	}

	var firstErr error
	for _, name := range objects {
		err := retry.Do(ctx, func() error {
			exists, err := c.store.BlobExists(ctx, name)
			if err != nil {
				return err
			}
			if !exists {
				return nil
			}
			c.logger.Debug("deleting blob", slog.String("object", name))
			return c.store.Delete(ctx, name)
		}, c.retry)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ---------------------------------------------------------------------------
// Archive building
// ---------------------------------------------------------------------------

// build produces the hash-named tar.gz for the given sources.
// Directories are walked; every file must resolve under workdir.
func (c *Cache) build(workdir string, sources []string) (Package, error) {
	workdir, err := filepath.Abs(workdir)
	if err != nil {
		return Package{}, fmt.Errorf("resolving workdir: %w", err)
	}

	files, err := c.collect(workdir, sources)
	if err != nil {
		return Package{}, err
	}

	if err := os.MkdirAll(c.auxDir, 0o755); err != nil {
		return Package{}, fmt.Errorf("creating aux dir: %w", err)
	}

	// Write the archive to a temp file in the aux dir, hashing the
	// compressed bytes as they are produced.
	tmp, err := os.CreateTemp(c.auxDir, ".workdir-*.tar.gz")
	if err != nil {
		return Package{}, fmt.Errorf("creating temp archive: %w", err)
	}
	defer os.Remove(tmp.Name())

	hasher := sha256.New()
	if err := writeArchive(io.MultiWriter(tmp, hasher), workdir, files); err != nil {
		tmp.Close()
		return Package{}, err
	}
	if err := tmp.Close(); err != nil {
		return Package{}, fmt.Errorf("closing archive: %w", err)
	}

	hash := hex.EncodeToString(hasher.Sum(nil))
	name := fmt.Sprintf("workdir-%s.tar.gz", hash)
	local := filepath.Join(c.auxDir, name)

	// Only move into place if we don't have it yet.
	if _, err := os.Stat(local); os.IsNotExist(err) {
		if err := os.Rename(tmp.Name(), local); err != nil {
			return Package{}, fmt.Errorf("storing archive: %w", err)
		}
	}

	return Package{
		Hash:      hash,
		LocalPath: local,
		Object:    path.Join(objectPrefix, name),
	}, nil
}

// collect expands directories and validates that every file lives
// under workdir, warning about oversized inputs.
func (c *Cache) collect(workdir string, sources []string) ([]string, error) {
	var files []string
	for _, src := range sources {
		abs, err := filepath.Abs(src)
		if err != nil {
			return nil, fmt.Errorf("resolving source %s: %w", src, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("reading source %s: %w", src, err)
		}
		if info.IsDir() {
			err := filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if !d.IsDir() {
					files = append(files, p)
				}
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("walking source %s: %w", src, err)
			}
		} else {
			files = append(files, abs)
		}
	}
	sort.Strings(files)

	for _, file := range files {
		rel, err := filepath.Rel(workdir, file)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
			return nil, &OutsideWorkdirError{Workdir: workdir, Path: file}
		}
		info, err := os.Stat(file)
		if err != nil {
			return nil, fmt.Errorf("reading source %s: %w", file, err)
		}
		if info.Size() > warnSizeBytes {
			c.logger.Warn("source file exceeds the suggested package size; consider uploading large files to storage first",
				slog.String("file", file),
				slog.Int64("sizeBytes", info.Size()),
			)
		}
	}
	return files, nil
}

// writeArchive streams a tar.gz of files (paths relative to workdir)
// into w.
func writeArchive(w io.Writer, workdir string, files []string) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	for _, file := range files {
		rel, err := filepath.Rel(workdir, file)
		if err != nil {
			return fmt.Errorf("relativizing %s: %w", file, err)
		}
		info, err := os.Stat(file)
		if err != nil {
			return fmt.Errorf("reading %s: %w", file, err)
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("tar header for %s: %w", file, err)
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("writing tar header for %s: %w", file, err)
		}
		f, err := os.Open(file)
		if err != nil {
			return fmt.Errorf("opening %s: %w", file, err)
		}
		if _, err := io.Copy(tw, f); err != nil {
			f.Close()
			return fmt.Errorf("archiving %s: %w", file, err)
		}
		f.Close()
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("closing tar stream: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("closing gzip stream: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Upload
// ---------------------------------------------------------------------------

// upload pushes the package to the store unless a blob with the same
// name (hence the same content) is already there.
func (c *Cache) upload(ctx context.Context, pkg Package) error {
	return retry.Do(ctx, func() error {
		exists, err := c.store.BlobExists(ctx, pkg.Object)
		if err != nil {
			return err
		}
		if exists {
			c.logger.Debug("build package already uploaded", slog.String("object", pkg.Object))
			return nil
		}
		return c.store.Upload(ctx, pkg.Object, pkg.LocalPath, "application/gzip")
	}, c.retry)
}
