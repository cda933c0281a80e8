package service_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"eyecare/api/internal/access"
	"eyecare/api/internal/media/pipeline"
	"eyecare/api/internal/models"
	"eyecare/api/internal/repository"
	"eyecare/api/internal/service"
	"eyecare/api/internal/storage"
)

type fakeObject struct {
	data        []byte
	contentType string
	modified    time.Time
}

type fakeBackend struct {
	mu         sync.Mutex
	kind       storage.Kind
	objects    map[string]fakeObject
	calls      int
	gets       int
	failPut    func(key string) bool
	failDelete bool
}

func newFakeBackend(kind storage.Kind) *fakeBackend {
	return &fakeBackend{kind: kind, objects: make(map[string]fakeObject)}
}

func (b *fakeBackend) Kind() storage.Kind { return b.kind }

func (b *fakeBackend) Put(_ context.Context, key string, body io.Reader, _ int64, contentType string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.failPut != nil && b.failPut(key) {
		return errors.New("bucket unreachable")
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	b.objects[key] = fakeObject{data: data, contentType: contentType, modified: time.Now()}
	return nil
}

func (b *fakeBackend) Get(_ context.Context, key string) ([]byte, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	b.gets++
	obj, ok := b.objects[key]
	if !ok {
		return nil, "", storage.ErrNotFound
	}
	return obj.data, obj.contentType, nil
}

func (b *fakeBackend) Stat(_ context.Context, key string) (storage.ObjectInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	obj, ok := b.objects[key]
	if !ok {
		return storage.ObjectInfo{}, storage.ErrNotFound
	}
	return storage.ObjectInfo{Key: key, Size: int64(len(obj.data)), ContentType: obj.contentType, LastModified: obj.modified}, nil
}

func (b *fakeBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.failDelete {
		return errors.New("bucket unreachable")
	}
	delete(b.objects, key)
	return nil
}

func (b *fakeBackend) List(_ context.Context, prefix string) ([]storage.ObjectInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	var out []storage.ObjectInfo
	for key, obj := range b.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, storage.ObjectInfo{Key: key, Size: int64(len(obj.data)), LastModified: obj.modified})
		}
	}
	return out, nil
}

func (b *fakeBackend) IssueUploadURL(_ context.Context, key, _ string, _ time.Duration) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.kind == storage.KindLocal {
		return storage.LocalUploadPath + "/" + key, nil
	}
	return "https://objects.example/" + key + "?X-Amz-Signature=put", nil
}

func (b *fakeBackend) IssueDownloadURL(_ context.Context, key string, _ time.Duration) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.kind == storage.KindLocal {
		return "", storage.ErrUnsupported
	}
	return "https://objects.example/" + key + "?X-Amz-Signature=get", nil
}

func (b *fakeBackend) Close() error { return nil }

func (b *fakeBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func (b *fakeBackend) keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.objects))
	for k := range b.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type fakeImageStore struct {
	mu         sync.Mutex
	images     map[string]models.Image
	failCreate bool
}

func newFakeImageStore() *fakeImageStore {
	return &fakeImageStore{images: make(map[string]models.Image)}
}

func (s *fakeImageStore) CreateWithNextOrder(_ context.Context, image models.Image) (models.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate {
		return models.Image{}, errors.New("insert failed")
	}
	next := 1
	for _, existing := range s.images {
		if existing.CaseID == image.CaseID && existing.Order >= next {
			next = existing.Order + 1
		}
	}
	image.Order = next
	image.CreatedAt = time.Now().UTC()
	s.images[image.ID] = image
	return image, nil
}

func (s *fakeImageStore) GetByID(_ context.Context, id string) (models.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	image, ok := s.images[id]
	if !ok {
		return models.Image{}, repository.ErrImageNotFound
	}
	return image, nil
}

func (s *fakeImageStore) ListByCase(_ context.Context, caseID string) ([]models.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Image
	for _, image := range s.images {
		if image.CaseID == caseID {
			out = append(out, image)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (s *fakeImageStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.images[id]; !ok {
		return repository.ErrImageNotFound
	}
	delete(s.images, id)
	return nil
}

type fakePurgeQueue struct {
	mu      sync.Mutex
	batches [][]string
}

func (q *fakePurgeQueue) EnqueuePurge(_ context.Context, keys []string, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.batches = append(q.batches, append([]string(nil), keys...))
	return nil
}

var (
	patient1 = models.Identity{ID: "p1", Role: models.RolePatient}
	patient2 = models.Identity{ID: "p2", Role: models.RolePatient}
	doctor   = models.Identity{ID: "d1", Role: models.RoleDoctor}
)

type fixture struct {
	backend *fakeBackend
	images  *fakeImageStore
	purge   *fakePurgeQueue
	gateway *service.StorageGateway
	service *service.ImageService
}

func newFixture(t *testing.T, kind storage.Kind) *fixture {
	t.Helper()

	cases := map[string]string{"case-123": "p1", "case-456": "p2"}
	guard := access.NewGuard().Register(access.KindCase, func(_ context.Context, id string) (string, error) {
		owner, ok := cases[id]
		if !ok {
			return "", access.ErrNotFound
		}
		return owner, nil
	})

	backend := newFakeBackend(kind)
	pipe := pipeline.New(pipeline.Options{MaxBytes: 10 << 20})
	gateway, err := service.NewStorageGateway(backend, pipe, service.GatewayOptions{
		DefaultTTL:          time.Hour,
		CacheSize:           16,
		CacheMaxObjectBytes: 1 << 20,
	}, nil, zerolog.Nop())
	require.NoError(t, err)

	images := newFakeImageStore()
	purge := &fakePurgeQueue{}
	return &fixture{
		backend: backend,
		images:  images,
		purge:   purge,
		gateway: gateway,
		service: service.NewImageService(images, guard, gateway, purge, zerolog.Nop()),
	}
}

func makeJPEG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y += 8 {
		for x := 0; x < width; x += 8 {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 120, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

func decodeBounds(t *testing.T, data []byte) image.Rectangle {
	t.Helper()
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	return image.Rect(0, 0, cfg.Width, cfg.Height)
}
