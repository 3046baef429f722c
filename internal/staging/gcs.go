package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// GCSBackend keeps artifacts as objects in a Cloud Storage bucket
type GCSBackend struct {
	client *storage.Client
	bucket string
	prefix string
}

var _ Backend = (*GCSBackend)(nil)

// NewGCSBackend uses an already authenticated client. Objects are written under prefix.
func NewGCSBackend(client *storage.Client, bucket, prefix string) (*GCSBackend, error) {
	if client == nil {
		return nil, fmt.Errorf("gcs staging backend: client is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("gcs staging backend: bucket is required")
	}
	return &GCSBackend{client: client, bucket: bucket, prefix: prefix}, nil
}

// Type returns "gcs"
func (b *GCSBackend) Type() string { return "gcs" }

// Create uploads with a does-not-exist precondition
func (b *GCSBackend) Create(ctx context.Context, key string, data []byte) error {
	obj := b.object(key).If(storage.Conditions{DoesNotExist: true})
	err := b.write(ctx, obj, data)

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
		return fmt.Errorf("%w: %s", ErrExists, key)
	}
	return err
}

// Put uploads unconditionally
func (b *GCSBackend) Put(ctx context.Context, key string, data []byte) error {
	return b.write(ctx, b.object(key), data)
}

// Get downloads the object behind key
func (b *GCSBackend) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := b.object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to open gs://%s/%s: %w", b.bucket, b.objectName(key), err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read gs://%s/%s: %w", b.bucket, b.objectName(key), err)
	}
	return data, nil
}

func (b *GCSBackend) write(ctx context.Context, obj *storage.ObjectHandle, data []byte) error {
	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"

	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("failed to upload gs://%s/%s: %w", b.bucket, obj.ObjectName(), err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize gs://%s/%s: %w", b.bucket, obj.ObjectName(), err)
	}
	return nil
}

func (b *GCSBackend) object(key string) *storage.ObjectHandle {
	return b.client.Bucket(b.bucket).Object(b.objectName(key))
}

func (b *GCSBackend) objectName(key string) string {
	if b.prefix == "" {
		return key
	}
	return path.Join(b.prefix, key)
}
