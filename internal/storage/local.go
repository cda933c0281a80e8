package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"eyecare/api/internal/objectkey"
)

// LocalUploadPath is the same-origin endpoint that accepts direct uploads
// when the local backend is active.
const LocalUploadPath = "/api/v1/images/direct"

// LocalPublicPath is where the HTTP server exposes local objects when
// serving is enabled.
const LocalPublicPath = "/uploads"

type LocalOptions struct {
	Root          string
	PublicBaseURL string
	Serve         bool
	// NoIndex skips the badger index. Badger admits one process per
	// directory, so a second process on the same root (the maintenance
	// worker) opens it this way and derives content types from keys.
	NoIndex bool
}

type localMeta struct {
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	StoredAt    time.Time `json:"stored_at"`
}

// LocalBackend keeps objects under <root>/objects and an index of content
// types and sizes in a badger database under <root>/index. The object tree
// is the source of truth: List walks it, the index only refines content
// types. It cannot issue
// pre-authorized URLs: upload URLs point back at this service and download
// URLs are plain public paths without expiry enforcement.
type LocalBackend struct {
	objects string
	db      *badger.DB
	opts    LocalOptions
}

func NewLocalBackend(opts LocalOptions) (*LocalBackend, error) {
	if opts.Root == "" {
		opts.Root = "./data/images"
	}
	objects := filepath.Join(opts.Root, "objects")
	if err := os.MkdirAll(objects, 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	backend := &LocalBackend{objects: objects, opts: opts}
	if opts.NoIndex {
		return backend, nil
	}

	dbOpts := badger.DefaultOptions(filepath.Join(opts.Root, "index"))
	dbOpts.Logger = nil
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("open object index: %w", err)
	}
	backend.db = db
	return backend, nil
}

func (b *LocalBackend) Kind() Kind {
	return KindLocal
}

// ObjectsDir is the directory served under LocalPublicPath.
func (b *LocalBackend) ObjectsDir() string {
	return b.objects
}

func (b *LocalBackend) path(key string) (string, error) {
	if !objectkey.Valid(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(b.objects, filepath.FromSlash(key)), nil
}

func (b *LocalBackend) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	target, err := b.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("ensure object dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp object: %w", err)
	}
	written, err := io.Copy(tmp, body)
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close object: %w", err)
	}
	if size >= 0 && written != size {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write object: short write %d of %d bytes", written, size)
	}
	// Link fails when target exists, so stored objects are never replaced.
	err = os.Link(tmp.Name(), target)
	_ = os.Remove(tmp.Name())
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrExists, key)
		}
		return fmt.Errorf("link object: %w", err)
	}

	if b.db == nil {
		return nil
	}
	meta, err := json.Marshal(localMeta{
		ContentType: contentType,
		Size:        written,
		StoredAt:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal object meta: %w", err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), meta)
	})
}

func (b *LocalBackend) Get(ctx context.Context, key string) ([]byte, string, error) {
	target, err := b.path(key)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(target)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			b.forget(key)
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("read object: %w", err)
	}

	return data, b.contentType(key), nil
}

func (b *LocalBackend) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	target, err := b.path(key)
	if err != nil {
		return ObjectInfo{}, err
	}
	fi, err := os.Stat(target)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			b.forget(key)
			return ObjectInfo{}, ErrNotFound
		}
		return ObjectInfo{}, fmt.Errorf("stat object: %w", err)
	}

	return ObjectInfo{
		Key:          key,
		Size:         fi.Size(),
		ContentType:  b.contentType(key),
		LastModified: fi.ModTime(),
	}, nil
}

func (b *LocalBackend) Delete(ctx context.Context, key string) error {
	target, err := b.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove object: %w", err)
	}
	if b.db == nil {
		return nil
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (b *LocalBackend) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	dir := prefix[:strings.LastIndex(prefix, "/")+1]
	if dir != "" && !objectkey.Valid(strings.TrimSuffix(dir, "/")) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKey, prefix)
	}
	start := filepath.Join(b.objects, filepath.FromSlash(dir))

	var infos []ObjectInfo
	err := filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".upload-") {
			return nil
		}
		rel, err := filepath.Rel(b.objects, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		infos = append(infos, ObjectInfo{
			Key:          key,
			Size:         fi.Size(),
			ContentType:  b.contentType(key),
			LastModified: fi.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	return infos, nil
}

// IssueUploadURL returns the same-origin direct upload endpoint; ttl is
// ignored.
func (b *LocalBackend) IssueUploadURL(ctx context.Context, key, contentType string, ttl time.Duration) (string, error) {
	if !objectkey.Valid(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return LocalUploadPath + "/" + escapeKey(key), nil
}

// IssueDownloadURL returns a static public URL. The ttl is not enforced.
func (b *LocalBackend) IssueDownloadURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if !objectkey.Valid(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if !b.opts.Serve || b.opts.PublicBaseURL == "" {
		return "", ErrUnsupported
	}
	return strings.TrimSuffix(b.opts.PublicBaseURL, "/") + LocalPublicPath + "/" + escapeKey(key), nil
}

func (b *LocalBackend) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *LocalBackend) meta(key string) (localMeta, error) {
	var meta localMeta
	if b.db == nil {
		return meta, ErrNotFound
	}
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &meta)
		})
	})
	return meta, err
}

func (b *LocalBackend) contentType(key string) string {
	if meta, err := b.meta(key); err == nil && meta.ContentType != "" {
		return meta.ContentType
	}
	return contentTypeByKey(key)
}

// forget drops the index entry of an object removed by another process.
func (b *LocalBackend) forget(key string) {
	if b.db == nil {
		return
	}
	_ = b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func contentTypeByKey(key string) string {
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
