package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"math/rand"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"eyecare/api/internal/access"
	"eyecare/api/internal/config"
	"eyecare/api/internal/media/pipeline"
	"eyecare/api/internal/middleware"
	"eyecare/api/internal/models"
	"eyecare/api/internal/repository"
	"eyecare/api/internal/security"
	"eyecare/api/internal/service"
	"eyecare/api/internal/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type memoryImages struct {
	mu     sync.Mutex
	images map[string]models.Image
}

func (m *memoryImages) CreateWithNextOrder(_ context.Context, img models.Image) (models.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	img.Order = 1
	for _, existing := range m.images {
		if existing.CaseID == img.CaseID && existing.Order >= img.Order {
			img.Order = existing.Order + 1
		}
	}
	img.CreatedAt = time.Now().UTC()
	m.images[img.ID] = img
	return img, nil
}

func (m *memoryImages) GetByID(_ context.Context, id string) (models.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.images[id]
	if !ok {
		return models.Image{}, repository.ErrImageNotFound
	}
	return img, nil
}

func (m *memoryImages) ListByCase(_ context.Context, caseID string) ([]models.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Image
	for _, img := range m.images {
		if img.CaseID == caseID {
			out = append(out, img)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (m *memoryImages) List(_ context.Context, limit, offset int) ([]models.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Image, 0, len(m.images))
	for _, img := range m.images {
		out = append(out, img)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryImages) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.images[id]; !ok {
		return repository.ErrImageNotFound
	}
	delete(m.images, id)
	return nil
}

var (
	patientOne = models.Identity{ID: "p1", Role: models.RolePatient}
	patientTwo = models.Identity{ID: "p2", Role: models.RolePatient}
	doctorOne  = models.Identity{ID: "d1", Role: models.RoleDoctor}
	adminOne   = models.Identity{ID: "a1", Role: models.RoleAdmin}
)

type testEnv struct {
	engine  *gin.Engine
	cfg     *config.AppConfig
	backend *storage.LocalBackend
	images  *memoryImages
	handler HandlerSet
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := &config.AppConfig{
		Environment: "development",
		Security:    config.SecurityConfig{JWTSecret: "test-secret", JWTIssuer: "clinic-auth"},
		Images:      config.ImageConfig{MaxUploadBytes: 10 << 20},
	}

	backend, err := storage.NewLocalBackend(storage.LocalOptions{Root: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	store := &memoryImages{images: make(map[string]models.Image)}
	cases := map[string]string{"case-123": "p1", "case-456": "p2"}
	guard := access.NewGuard().
		Register(access.KindCase, func(_ context.Context, id string) (string, error) {
			owner, ok := cases[id]
			if !ok {
				return "", access.ErrNotFound
			}
			return owner, nil
		}).
		Register(access.KindImage, func(ctx context.Context, id string) (string, error) {
			img, err := store.GetByID(ctx, id)
			if err != nil {
				return "", access.ErrNotFound
			}
			return cases[img.CaseID], nil
		})

	pipe := pipeline.New(pipeline.Options{MaxBytes: cfg.Images.MaxUploadBytes})
	gateway, err := service.NewStorageGateway(backend, pipe, service.GatewayOptions{DefaultTTL: time.Hour}, nil, zerolog.Nop())
	require.NoError(t, err)

	h := HandlerSet{
		log:     zerolog.Nop(),
		cfg:     cfg,
		images:  service.NewImageService(store, guard, gateway, nil, zerolog.Nop()),
		records: store,
		guard:   guard,
		backend: backend,
	}

	engine := gin.New()
	engine.Use(middleware.RequestID())
	h.Register(engine.Group("/api"))

	return &testEnv{engine: engine, cfg: cfg, backend: backend, images: store, handler: h}
}

func (e *testEnv) token(t *testing.T, identity models.Identity) string {
	t.Helper()
	token, err := security.GenerateIdentityToken(e.cfg.Security.JWTSecret, e.cfg.Security.JWTIssuer, identity, time.Hour)
	require.NoError(t, err)
	return token
}

func (e *testEnv) do(t *testing.T, identity *models.Identity, method, target string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if identity != nil {
		req.Header.Set("Authorization", "Bearer "+e.token(t, *identity))
	}
	rec := httptest.NewRecorder()
	e.engine.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) doJSON(t *testing.T, identity *models.Identity, method, target string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return e.do(t, identity, method, target, bytes.NewBuffer(raw), "application/json")
}

func (e *testEnv) upload(t *testing.T, identity models.Identity, caseID, fileName string, data []byte, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	require.NoError(t, w.WriteField("caseId", caseID))
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	part, err := w.CreateFormFile("file", fileName)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return e.do(t, &identity, http.MethodPost, "/api/v1/images/upload", &body, w.FormDataContentType())
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func noisyJPEG(t *testing.T, width, height int) []byte {
	t.Helper()
	rng := rand.New(rand.NewSource(42))
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: uint8(rng.Intn(256)), G: uint8(rng.Intn(256)), B: uint8(rng.Intn(256)), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 92}))
	return buf.Bytes()
}
