package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSBlobs keeps payloads in a Google Cloud Storage bucket.
type GCSBlobs struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSBlobs creates a client, using credentialsFile when set and ambient credentials otherwise.
func NewGCSBlobs(ctx context.Context, bucket, prefix, credentialsFile string) (*GCSBlobs, error) {
	if bucket == "" {
		return nil, fmt.Errorf("gcs bucket is required")
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS storage client: %w", err)
	}
	return &GCSBlobs{client: client, bucket: bucket, prefix: prefix}, nil
}

func (g *GCSBlobs) object(ref string) *storage.ObjectHandle {
	return g.client.Bucket(g.bucket).Object(path.Join(g.prefix, ref))
}

func (g *GCSBlobs) Put(ctx context.Context, ref string, data []byte) error {
	writer := g.object(ref).NewWriter(ctx)
	writer.ContentType = "application/x-protobuf"
	writer.CacheControl = "no-cache, no-store, must-revalidate"
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return fmt.Errorf("write GCS object %s: %w", ref, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close GCS writer for %s: %w", ref, err)
	}
	return nil
}

func (g *GCSBlobs) Get(ctx context.Context, ref string) ([]byte, error) {
	reader, err := g.object(ref).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("read GCS object %s: %w", ref, err)
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

func (g *GCSBlobs) Delete(ctx context.Context, ref string) error {
	if err := g.object(ref).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return err
	}
	return nil
}

func (g *GCSBlobs) Name() string { return "gcs" }

// Close releases the underlying client.
func (g *GCSBlobs) Close() error {
	return g.client.Close()
}
