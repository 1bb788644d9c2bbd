package gcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"cloud.google.com/go/storage"

	"github.com/CowanCS1/snakemake-executor-plugin-google-lifesciences/internal/sourcecache"
)

// BucketClient implements sourcecache.Store on top of a Cloud Storage
// bucket.
type BucketClient struct {
	client *storage.Client
	bucket string
	logger *slog.Logger
}

var _ sourcecache.Store = (*BucketClient)(nil)

// NewBucketClient dials Cloud Storage with Application Default Credentials.
func NewBucketClient(ctx context.Context, bucket string, logger *slog.Logger) (*BucketClient, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage client: %w", err)
	}
	return &BucketClient{
		client: client,
		bucket: bucket,
		logger: logger.WithGroup("storage"),
	}, nil
}

// Close releases the underlying API client.
func (b *BucketClient) Close() error {
	return b.client.Close()
}

// EnsureBucket creates the bucket if it does not exist yet.
func (b *BucketClient) EnsureBucket(ctx context.Context, project, location string) error {
	handle := b.client.Bucket(b.bucket)
	_, err := handle.Attrs(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrBucketNotExist) {
		return fmt.Errorf("checking bucket %s: %w", b.bucket, err)
	}

	b.logger.Info("creating bucket",
		slog.String("bucket", b.bucket),
		slog.String("location", location),
	)
	attrs := &storage.BucketAttrs{Location: location}
	if err := handle.Create(ctx, project, attrs); err != nil {
		return fmt.Errorf("creating bucket %s: %w", b.bucket, err)
	}
	return nil
}

// BlobExists reports whether an object is present in the bucket.
func (b *BucketClient) BlobExists(ctx context.Context, name string) (bool, error) {
	_, err := b.client.Bucket(b.bucket).Object(name).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking object %s: %w", name, err)
	}
	return true, nil
}

// Upload streams a local file into the bucket.
func (b *BucketClient) Upload(ctx context.Context, name, localPath, contentType string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer f.Close()

	w := b.client.Bucket(b.bucket).Object(name).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return fmt.Errorf("uploading %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing upload of %s: %w", name, err)
	}

	b.logger.Debug("object uploaded", slog.String("object", name))
	return nil
}

// Delete removes an object from the bucket.
func (b *BucketClient) Delete(ctx context.Context, name string) error {
	if err := b.client.Bucket(b.bucket).Object(name).Delete(ctx); err != nil {
		return fmt.Errorf("deleting object %s: %w", name, err)
	}
	return nil
}
