package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	ErrNotFound    = errors.New("object not found")
	ErrUnsupported = errors.New("operation not supported by backend")
	ErrInvalidKey  = errors.New("invalid object key")
	ErrExists      = errors.New("object already exists")
)

// Kind names the driver that holds an object. It is persisted with each
// image record.
type Kind string

const (
	KindMinio Kind = "minio"
	KindS3    Kind = "s3"
	KindGCS   Kind = "gcs"
	KindLocal Kind = "local"
)

func (k Kind) Remote() bool {
	return k == KindMinio || k == KindS3 || k == KindGCS
}

type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// Backend is the persistence contract every storage driver satisfies.
// Delete is idempotent. Get and Stat return ErrNotFound for missing keys.
// Drivers that can enforce it refuse to Put over an existing key with
// ErrExists.
type Backend interface {
	Kind() Kind
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) ([]byte, string, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	IssueUploadURL(ctx context.Context, key, contentType string, ttl time.Duration) (string, error)
	IssueDownloadURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	Close() error
}
