package blob

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSStore implements Store over a single Cloud Storage bucket. GCS object
// writes are already atomic, which gives the whole-object replacement
// semantics Store requires for free.
type GCSStore struct {
	bucket *storage.BucketHandle
}

// NewGCSStore wraps the named bucket of an existing client.
func NewGCSStore(client *storage.Client, bucket string) *GCSStore {
	return &GCSStore{bucket: client.Bucket(bucket)}
}

func (s *GCSStore) Read(ctx context.Context, name string) ([]byte, error) {
	r, err := s.bucket.Object(name).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}

		return nil, fmt.Errorf("blob: opening %s: %w", name, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("blob: reading %s: %w", name, err)
	}

	return data, nil
}

func (s *GCSStore) Write(ctx context.Context, name string, data []byte) error {
	w := s.bucket.Object(name).NewWriter(ctx)
	w.ContentType = "application/json"

	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("blob: writing %s: %w", name, err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("blob: finalizing %s: %w", name, err)
	}

	return nil
}

func (s *GCSStore) Delete(ctx context.Context, name string) error {
	err := s.bucket.Object(name).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	if err != nil {
		return fmt.Errorf("blob: deleting %s: %w", name, err)
	}

	return nil
}

func (s *GCSStore) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string

	it := s.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("blob: listing %s: %w", prefix, err)
		}

		names = append(names, attrs.Name)
	}

	return names, nil
}

func (s *GCSStore) Exists(ctx context.Context, name string) (bool, error) {
	_, err := s.bucket.Object(name).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("blob: checking %s: %w", name, err)
	}

	return true, nil
}
