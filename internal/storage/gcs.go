package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSStorage implements Storage on a Google Cloud Storage bucket. When a
// CDN base URL is configured PublicURL returns CDN links; otherwise it
// falls back to V4 signed URLs.
type GCSStorage struct {
	client   *storage.Client
	bucket   string
	basePath string
	cdnBase  string
	signTTL  time.Duration
}

// NewGCSStorage verifies bucket access and returns the store. basePath is
// a key prefix inside the bucket; cdnBase may be empty.
func NewGCSStorage(ctx context.Context, bucket, basePath, cdnBase string) (*GCSStorage, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		return nil, fmt.Errorf("failed to access bucket %s: %w", bucket, err)
	}
	return &GCSStorage{
		client:   client,
		bucket:   bucket,
		basePath: basePath,
		cdnBase:  strings.TrimSuffix(cdnBase, "/"),
		signTTL:  15 * time.Minute,
	}, nil
}

func (s *GCSStorage) objectPath(key string) string {
	if s.basePath == "" {
		return key
	}
	return s.basePath + key
}

// Write implements Storage.
func (s *GCSStorage) Write(ctx context.Context, key string, data []byte) error {
	w := s.client.Bucket(s.bucket).Object(s.objectPath(key)).NewWriter(ctx)
	w.ContentType = contentTypeFor(key)
	w.CacheControl = "public, max-age=90"
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("failed to write to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer: %w", err)
	}
	return nil
}

// Read implements Storage.
func (s *GCSStorage) Read(ctx context.Context, key string) ([]byte, error) {
	r, err := s.client.Bucket(s.bucket).Object(s.objectPath(key)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read from GCS: %w", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read GCS object: %w", err)
	}
	return data, nil
}

// Exists implements Storage.
func (s *GCSStorage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.Bucket(s.bucket).Object(s.objectPath(key)).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check GCS object: %w", err)
	}
	return true, nil
}

// Delete implements Storage.
func (s *GCSStorage) Delete(ctx context.Context, key string) error {
	err := s.client.Bucket(s.bucket).Object(s.objectPath(key)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete from GCS: %w", err)
	}
	return nil
}

// Cleanup implements Storage: lists objects under the base path and
// deletes those last modified before the window.
func (s *GCSStorage) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: s.basePath})
	deleted := 0
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return deleted, fmt.Errorf("failed to list GCS objects: %w", err)
		}
		if attrs.Updated.Before(cutoff) {
			if err := s.client.Bucket(s.bucket).Object(attrs.Name).Delete(ctx); err == nil {
				deleted++
			}
		}
	}
	return deleted, nil
}

// PublicURL implements Storage: the CDN base when configured, a V4 signed
// URL otherwise.
func (s *GCSStorage) PublicURL(_ context.Context, key string) (string, error) {
	if s.cdnBase != "" {
		return s.cdnBase + "/" + s.objectPath(key), nil
	}
	url, err := s.client.Bucket(s.bucket).SignedURL(s.objectPath(key), &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  "GET",
		Expires: time.Now().Add(s.signTTL),
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign URL: %w", err)
	}
	return url, nil
}

// Close releases the GCS client.
func (s *GCSStorage) Close() error {
	return s.client.Close()
}

func contentTypeFor(key string) string {
	if strings.HasSuffix(key, ".m3u8") {
		return "application/vnd.apple.mpegurl"
	}
	return "video/mp2t"
}
