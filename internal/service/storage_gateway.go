package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"

	"eyecare/api/internal/media/pipeline"
	"eyecare/api/internal/media/sniffer"
	"eyecare/api/internal/metrics"
	"eyecare/api/internal/objectkey"
	"eyecare/api/internal/storage"
)

const (
	minGrantTTL = time.Minute
	maxGrantTTL = 7 * 24 * time.Hour
)

type UploadOptions struct {
	Folder        string
	WantThumbnail bool
	ThumbnailBox  pipeline.Box
	MaxSize       int64
}

type StoredImage struct {
	Key          string
	ThumbnailKey string
	PrimaryURL   string
	ThumbnailURL string
	Size         int64
	MimeType     string
	Width        int
	Height       int
	Checksum     []byte
}

// AccessGrant is a signed URL issued for one request. It is never cached.
type AccessGrant struct {
	URL       string
	Key       string
	TTL       time.Duration
	ExpiresAt time.Time
}

type GatewayOptions struct {
	DefaultTTL          time.Duration
	CacheSize           int
	CacheMaxObjectBytes int
}

type cachedObject struct {
	data        []byte
	contentType string
}

// StorageGateway is the only path from the rest of the service to object
// bytes. Object keys are never reused, so cached bytes stay valid until the
// key is removed.
type StorageGateway struct {
	backend    storage.Backend
	pipeline   *pipeline.Pipeline
	cache      *lru.Cache[string, cachedObject]
	cacheLimit int
	defaultTTL time.Duration
	metrics    *metrics.Metrics
	log        zerolog.Logger
	now        func() time.Time
}

func NewStorageGateway(backend storage.Backend, pipe *pipeline.Pipeline, opts GatewayOptions, m *metrics.Metrics, log zerolog.Logger) (*StorageGateway, error) {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = time.Hour
	}

	g := &StorageGateway{
		backend:    backend,
		pipeline:   pipe,
		cacheLimit: opts.CacheMaxObjectBytes,
		defaultTTL: clampTTL(opts.DefaultTTL, time.Hour),
		metrics:    m,
		log:        log.With().Str("component", "storage_gateway").Str("backend", string(backend.Kind())).Logger(),
		now:        time.Now,
	}

	if opts.CacheSize > 0 && opts.CacheMaxObjectBytes > 0 {
		cache, err := lru.New[string, cachedObject](opts.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("object cache: %w", err)
		}
		g.cache = cache
	}
	return g, nil
}

func (g *StorageGateway) Kind() storage.Kind {
	return g.backend.Kind()
}

func (g *StorageGateway) MaxUploadBytes() int64 {
	return g.pipeline.Options().MaxBytes
}

// UploadImage validates, normalizes and persists data. Nothing reaches the
// backend unless validation and processing both succeed. When the thumbnail
// write fails the primary is removed again.
func (g *StorageGateway) UploadImage(ctx context.Context, data []byte, fileName, contentType string, opts UploadOptions) (StoredImage, error) {
	if _, err := g.pipeline.Validate(data, contentType, opts.MaxSize); err != nil {
		g.metrics.RecordUpload("rejected", 0)
		return StoredImage{}, pipelineError(err)
	}

	var primary, thumb pipeline.Rendition
	group, _ := errgroup.WithContext(ctx)
	group.Go(func() error {
		start := time.Now()
		r, err := g.pipeline.Normalize(data)
		g.metrics.ObserveProcessing("normalize", time.Since(start))
		if err != nil {
			return fmt.Errorf("normalize: %w", err)
		}
		primary = r
		return nil
	})
	if opts.WantThumbnail {
		group.Go(func() error {
			start := time.Now()
			r, err := g.pipeline.Thumbnail(data, opts.ThumbnailBox)
			g.metrics.ObserveProcessing("thumbnail", time.Since(start))
			if err != nil {
				return fmt.Errorf("thumbnail: %w", err)
			}
			thumb = r
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		g.metrics.RecordUpload("rejected", 0)
		return StoredImage{}, pipelineError(err)
	}

	key := objectkey.NewForMIME(fileName, primary.MimeType, opts.Folder)
	if err := g.put(ctx, key, primary); err != nil {
		g.metrics.RecordUpload("failed", 0)
		return StoredImage{}, storageError("put primary", err)
	}

	sum := blake2b.Sum256(primary.Data)
	result := StoredImage{
		Key:      key,
		Size:     int64(len(primary.Data)),
		MimeType: primary.MimeType,
		Width:    primary.Width,
		Height:   primary.Height,
		Checksum: sum[:],
	}

	if opts.WantThumbnail {
		thumbKey := objectkey.ThumbnailOf(key)
		if err := g.put(ctx, thumbKey, thumb); err != nil {
			if delErr := g.delete(ctx, key); delErr != nil {
				g.log.Error().Err(delErr).Str("key", key).Msg("remove primary after thumbnail failure")
			}
			g.metrics.RecordUpload("failed", 0)
			return StoredImage{}, storageError("put thumbnail", err)
		}
		result.ThumbnailKey = thumbKey
		result.ThumbnailURL = g.objectURL(ctx, thumbKey)
	}
	result.PrimaryURL = g.objectURL(ctx, key)

	g.metrics.RecordUpload("ok", result.Size)
	g.log.Debug().
		Str("key", key).
		Int64("size", result.Size).
		Int("width", result.Width).
		Int("height", result.Height).
		Msg("image stored")
	return result, nil
}

// StoreAsIs writes a directly uploaded object without re-encoding it. The
// bytes still have to pass size and type validation.
func (g *StorageGateway) StoreAsIs(ctx context.Context, key string, data []byte, contentType string) (sniffer.Result, error) {
	if !objectkey.Valid(key) {
		return sniffer.Result{}, ErrInvalidKey
	}
	detected, err := g.pipeline.Validate(data, contentType, 0)
	if err != nil {
		return sniffer.Result{}, pipelineError(err)
	}
	rendition := pipeline.Rendition{Data: data, MimeType: detected.MIME}
	if err := g.put(ctx, key, rendition); err != nil {
		return sniffer.Result{}, storageError("put direct", err)
	}
	return detected, nil
}

// IssueDirectUploadGrant mints a key under folder and asks the backend for an
// upload URL. No pixel data passes through here, so nothing is validated
// beyond the declared content type.
func (g *StorageGateway) IssueDirectUploadGrant(ctx context.Context, fileName, contentType, folder string) (AccessGrant, error) {
	contentType = sniffer.Normalize(contentType)
	if !sniffer.Supported(contentType) {
		return AccessGrant{}, fmt.Errorf("%w: %s", ErrInvalidFileType, contentType)
	}

	key := objectkey.NewForMIME(fileName, contentType, folder)
	ttl := g.defaultTTL

	start := time.Now()
	url, err := g.backend.IssueUploadURL(ctx, key, contentType, ttl)
	g.metrics.RecordStorage(string(g.backend.Kind()), "sign_upload", time.Since(start), err)
	if err != nil {
		return AccessGrant{}, storageError("sign upload", err)
	}

	return AccessGrant{URL: url, Key: key, TTL: ttl, ExpiresAt: g.now().Add(ttl)}, nil
}

// IssueDownloadGrant returns storage.ErrUnsupported (wrapped) when the backend
// cannot hand out URLs; callers fall back to proxy delivery.
func (g *StorageGateway) IssueDownloadGrant(ctx context.Context, key string, ttl time.Duration) (AccessGrant, error) {
	ttl = clampTTL(ttl, g.defaultTTL)

	start := time.Now()
	url, err := g.backend.IssueDownloadURL(ctx, key, ttl)
	if errors.Is(err, storage.ErrUnsupported) {
		g.metrics.RecordStorage(string(g.backend.Kind()), "sign_download_unsupported", time.Since(start), nil)
		return AccessGrant{Key: key, TTL: ttl}, fmt.Errorf("sign download: %w", err)
	}
	g.metrics.RecordStorage(string(g.backend.Kind()), "sign_download", time.Since(start), err)
	if err != nil {
		return AccessGrant{}, storageError("sign download", err)
	}

	return AccessGrant{URL: url, Key: key, TTL: ttl, ExpiresAt: g.now().Add(ttl)}, nil
}

func (g *StorageGateway) ResolveBytes(ctx context.Context, key string) ([]byte, string, error) {
	if !objectkey.Valid(key) {
		return nil, "", ErrInvalidKey
	}

	if g.cache != nil {
		if obj, ok := g.cache.Get(key); ok {
			g.metrics.RecordCache(true)
			return obj.data, obj.contentType, nil
		}
		g.metrics.RecordCache(false)
	}

	start := time.Now()
	data, contentType, err := g.backend.Get(ctx, key)
	g.metrics.RecordStorage(string(g.backend.Kind()), "get", time.Since(start), ignoreNotFound(err))
	if err != nil {
		return nil, "", storageError("get object", err)
	}

	if g.cache != nil && len(data) <= g.cacheLimit {
		g.cache.Add(key, cachedObject{data: data, contentType: contentType})
	}
	return data, contentType, nil
}

func (g *StorageGateway) Stat(ctx context.Context, key string) (storage.ObjectInfo, error) {
	if !objectkey.Valid(key) {
		return storage.ObjectInfo{}, ErrInvalidKey
	}
	start := time.Now()
	info, err := g.backend.Stat(ctx, key)
	g.metrics.RecordStorage(string(g.backend.Kind()), "stat", time.Since(start), ignoreNotFound(err))
	if err != nil {
		return storage.ObjectInfo{}, storageError("stat object", err)
	}
	return info, nil
}

// Remove deletes the primary and then the thumbnail. Both deletes tolerate
// missing objects, so repeating a removal is harmless.
func (g *StorageGateway) Remove(ctx context.Context, primaryKey, thumbnailKey string) error {
	if err := g.delete(ctx, primaryKey); err != nil {
		return storageError("delete primary", err)
	}
	if thumbnailKey != "" {
		if err := g.delete(ctx, thumbnailKey); err != nil {
			return storageError("delete thumbnail", err)
		}
	}
	return nil
}

func (g *StorageGateway) put(ctx context.Context, key string, r pipeline.Rendition) error {
	start := time.Now()
	err := g.backend.Put(ctx, key, bytes.NewReader(r.Data), int64(len(r.Data)), r.MimeType)
	g.metrics.RecordStorage(string(g.backend.Kind()), "put", time.Since(start), err)
	return err
}

func (g *StorageGateway) delete(ctx context.Context, key string) error {
	if g.cache != nil {
		g.cache.Remove(key)
	}
	start := time.Now()
	err := g.backend.Delete(ctx, key)
	g.metrics.RecordStorage(string(g.backend.Kind()), "delete", time.Since(start), err)
	return err
}

// objectURL is best effort: a URL that cannot be signed is left empty and the
// caller serves the object through the proxy route.
func (g *StorageGateway) objectURL(ctx context.Context, key string) string {
	url, err := g.backend.IssueDownloadURL(ctx, key, g.defaultTTL)
	if err != nil {
		if !errors.Is(err, storage.ErrUnsupported) {
			g.log.Warn().Err(err).Str("key", key).Msg("sign object url")
		}
		return ""
	}
	return url
}

func clampTTL(ttl, fallback time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = fallback
	}
	if ttl < minGrantTTL {
		return minGrantTTL
	}
	if ttl > maxGrantTTL {
		return maxGrantTTL
	}
	return ttl
}

func ignoreNotFound(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}
