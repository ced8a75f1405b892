// Package storage persists run artifacts: per-worker result shards and the
// combined output tables. Local disk is the default; S3 and GCS buckets are
// supported for runs whose outputs feed downstream pipelines.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"

	"github.com/silvercrystal/batch-allocator/internal/config"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("artifact not found")

// Store is the artifact persistence surface.
type Store interface {
	// Put writes data under key, replacing any previous content. The write
	// must be atomic: readers never observe a partial artifact.
	Put(ctx context.Context, key string, data []byte) error
	// Get reads the artifact at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	Close() error
}

// Open builds a store from configuration.
func Open(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocal(cfg.LocalDir)
	case "s3", "gcs":
		return openBucket(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// LocalStore writes artifacts under a root directory.
type LocalStore struct {
	root string
}

// NewLocal creates a local store rooted at dir.
func NewLocal(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &LocalStore{root: dir}, nil
}

func (s *LocalStore) Put(_ context.Context, key string, data []byte) error {
	path := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write artifact %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit artifact %s: %w", key, err)
	}
	return nil
}

func (s *LocalStore) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(key)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read artifact %s: %w", key, err)
	}
	return data, nil
}

func (s *LocalStore) Close() error { return nil }

// BucketStore writes artifacts to a cloud bucket.
type BucketStore struct {
	bucket *blob.Bucket
}

func openBucket(ctx context.Context, cfg config.StorageConfig) (*BucketStore, error) {
	var bucketURL string
	switch cfg.Backend {
	case "s3":
		q := url.Values{}
		if cfg.Region != "" {
			q.Set("region", cfg.Region)
		}
		if cfg.Endpoint != "" {
			q.Set("endpoint", cfg.Endpoint)
			q.Set("s3ForcePathStyle", "true")
		}
		bucketURL = fmt.Sprintf("s3://%s?%s", cfg.Bucket, q.Encode())
	case "gcs":
		bucketURL = "gs://" + cfg.Bucket
	}

	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", cfg.Bucket, err)
	}
	if cfg.Prefix != "" {
		prefix := cfg.Prefix
		if !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
		bucket = blob.PrefixedBucket(bucket, prefix)
	}
	return &BucketStore{bucket: bucket}, nil
}

func (s *BucketStore) Put(ctx context.Context, key string, data []byte) error {
	if err := s.bucket.WriteAll(ctx, key, data, nil); err != nil {
		return fmt.Errorf("write artifact %s: %w", key, err)
	}
	return nil
}

func (s *BucketStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read artifact %s: %w", key, err)
	}
	return data, nil
}

func (s *BucketStore) Close() error {
	return s.bucket.Close()
}
