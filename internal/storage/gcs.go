package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"eyecare/api/internal/config"
)

// singleShotLimit matches the client's default resumable chunk size; smaller
// objects are sent in one request.
const singleShotLimit = 16 << 20

// GCSBackend stores objects in a Google Cloud Storage bucket. Signed URLs
// use the V4 scheme with the signing identity taken from the service
// account credentials file.
type GCSBackend struct {
	client *gcs.Client
	bucket *gcs.BucketHandle
	name   string
}

func NewGCSBackend(ctx context.Context, cfg config.StorageConfig) (*GCSBackend, error) {
	client, err := gcs.NewClient(ctx, option.WithCredentialsFile(cfg.CredentialsFile))
	if err != nil {
		return nil, fmt.Errorf("init gcs client: %w", err)
	}
	return &GCSBackend{
		client: client,
		bucket: client.Bucket(cfg.Bucket),
		name:   cfg.Bucket,
	}, nil
}

func (g *GCSBackend) Kind() Kind {
	return KindGCS
}

func (g *GCSBackend) EnsureBucket(ctx context.Context) error {
	if _, err := g.bucket.Attrs(ctx); err != nil {
		return fmt.Errorf("bucket %s not accessible: %w", g.name, err)
	}
	return nil
}

func (g *GCSBackend) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := g.bucket.Object(key).NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = "private, max-age=31536000, immutable"
	if size > 0 && size < singleShotLimit {
		w.ChunkSize = 0
	}

	if _, err := io.Copy(w, body); err != nil {
		cancel()
		_ = w.Close()
		return fmt.Errorf("write object: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize object: %w", err)
	}
	return nil
}

func (g *GCSBackend) Get(ctx context.Context, key string) ([]byte, string, error) {
	r, err := g.bucket.Object(key).NewReader(ctx)
	if err != nil {
		return nil, "", mapGCSError("open object", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", fmt.Errorf("read object: %w", err)
	}
	return data, r.Attrs.ContentType, nil
}

func (g *GCSBackend) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	attrs, err := g.bucket.Object(key).Attrs(ctx)
	if err != nil {
		return ObjectInfo{}, mapGCSError("object attrs", err)
	}
	return ObjectInfo{
		Key:          key,
		Size:         attrs.Size,
		ContentType:  attrs.ContentType,
		LastModified: attrs.Updated,
	}, nil
}

func (g *GCSBackend) Delete(ctx context.Context, key string) error {
	if err := g.bucket.Object(key).Delete(ctx); err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil
		}
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

func (g *GCSBackend) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var infos []ObjectInfo
	it := g.bucket.Objects(ctx, &gcs.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		infos = append(infos, ObjectInfo{
			Key:          attrs.Name,
			Size:         attrs.Size,
			ContentType:  attrs.ContentType,
			LastModified: attrs.Updated,
		})
	}
	return infos, nil
}

func (g *GCSBackend) IssueUploadURL(_ context.Context, key, contentType string, ttl time.Duration) (string, error) {
	url, err := g.bucket.SignedURL(key, &gcs.SignedURLOptions{
		Scheme:      gcs.SigningSchemeV4,
		Method:      http.MethodPut,
		ContentType: contentType,
		Expires:     time.Now().Add(ttl),
	})
	if err != nil {
		return "", fmt.Errorf("sign put: %w", err)
	}
	return url, nil
}

func (g *GCSBackend) IssueDownloadURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	url, err := g.bucket.SignedURL(key, &gcs.SignedURLOptions{
		Scheme:  gcs.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: time.Now().Add(ttl),
	})
	if err != nil {
		return "", fmt.Errorf("sign get: %w", err)
	}
	return url, nil
}

func (g *GCSBackend) Close() error {
	return g.client.Close()
}

func mapGCSError(op string, err error) error {
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}
