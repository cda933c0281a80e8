package storage_test

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eyecare/api/internal/storage"
)

func newLocal(t *testing.T, opts storage.LocalOptions) *storage.LocalBackend {
	t.Helper()
	if opts.Root == "" {
		opts.Root = t.TempDir()
	}
	backend, err := storage.NewLocalBackend(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	return backend
}

func TestLocalBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	backend := newLocal(t, storage.LocalOptions{})
	payload := []byte("not really a jpeg")

	require.NoError(t, backend.Put(ctx, "cases/c1/a.jpg", bytes.NewReader(payload), int64(len(payload)), "image/jpeg"))

	data, contentType, err := backend.Get(ctx, "cases/c1/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, "image/jpeg", contentType)

	info, err := backend.Stat(ctx, "cases/c1/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), info.Size)
	assert.Equal(t, "image/jpeg", info.ContentType)
	assert.Equal(t, storage.KindLocal, backend.Kind())
}

func TestLocalBackendMissingKey(t *testing.T) {
	ctx := context.Background()
	backend := newLocal(t, storage.LocalOptions{})

	_, _, err := backend.Get(ctx, "cases/c1/missing.jpg")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = backend.Stat(ctx, "cases/c1/missing.jpg")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLocalBackendDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	backend := newLocal(t, storage.LocalOptions{})

	require.NoError(t, backend.Put(ctx, "cases/c1/a.png", strings.NewReader("x"), 1, "image/png"))
	require.NoError(t, backend.Delete(ctx, "cases/c1/a.png"))
	require.NoError(t, backend.Delete(ctx, "cases/c1/a.png"))
	require.NoError(t, backend.Delete(ctx, "cases/c1/never-written_thumb.png"))

	_, _, err := backend.Get(ctx, "cases/c1/a.png")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLocalBackendList(t *testing.T) {
	ctx := context.Background()
	backend := newLocal(t, storage.LocalOptions{})

	for _, key := range []string{"cases/c1/a.jpg", "cases/c1/a_thumb.jpg", "cases/c2/b.jpg", "other/z.jpg"} {
		require.NoError(t, backend.Put(ctx, key, strings.NewReader("x"), 1, "image/jpeg"))
	}

	infos, err := backend.List(ctx, "cases/")
	require.NoError(t, err)
	keys := make([]string, 0, len(infos))
	for _, info := range infos {
		keys = append(keys, info.Key)
		assert.WithinDuration(t, time.Now(), info.LastModified, time.Minute)
	}
	assert.ElementsMatch(t, []string{"cases/c1/a.jpg", "cases/c1/a_thumb.jpg", "cases/c2/b.jpg"}, keys)
}

func TestLocalBackendRejectsTraversal(t *testing.T) {
	ctx := context.Background()
	backend := newLocal(t, storage.LocalOptions{})

	err := backend.Put(ctx, "../escape.jpg", strings.NewReader("x"), 1, "image/jpeg")
	assert.ErrorIs(t, err, storage.ErrInvalidKey)
}

func TestLocalBackendURLs(t *testing.T) {
	ctx := context.Background()
	backend := newLocal(t, storage.LocalOptions{PublicBaseURL: "http://clinic.local/", Serve: true})

	up, err := backend.IssueUploadURL(ctx, "cases/c1/a b.jpg", "image/jpeg", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/images/direct/cases/c1/a%20b.jpg", up)

	down, err := backend.IssueDownloadURL(ctx, "cases/c1/a.jpg", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "http://clinic.local/uploads/cases/c1/a.jpg", down)

	hidden := newLocal(t, storage.LocalOptions{PublicBaseURL: "http://clinic.local"})
	_, err = hidden.IssueDownloadURL(ctx, "cases/c1/a.jpg", time.Minute)
	assert.ErrorIs(t, err, storage.ErrUnsupported)
}

func TestLocalBackendPutNeverReplaces(t *testing.T) {
	ctx := context.Background()
	backend := newLocal(t, storage.LocalOptions{})

	require.NoError(t, backend.Put(ctx, "cases/c1/a.jpg", strings.NewReader("first"), 5, "image/jpeg"))
	err := backend.Put(ctx, "cases/c1/a.jpg", strings.NewReader("second"), 6, "image/jpeg")
	assert.ErrorIs(t, err, storage.ErrExists)

	data, _, err := backend.Get(ctx, "cases/c1/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))

	infos, err := backend.List(ctx, "cases/c1/")
	require.NoError(t, err)
	require.Len(t, infos, 1, "temp files must not linger")
}

func TestLocalBackendsShareRootWithoutIndex(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	api := newLocal(t, storage.LocalOptions{Root: root})
	worker := newLocal(t, storage.LocalOptions{Root: root, NoIndex: true})

	_, err := storage.NewLocalBackend(storage.LocalOptions{Root: root})
	require.Error(t, err, "the index admits a single owner")

	require.NoError(t, api.Put(ctx, "cases/c1/a.jpg", strings.NewReader("x"), 1, "image/jpeg"))
	require.NoError(t, api.Put(ctx, "cases/c1/b.png", strings.NewReader("y"), 1, "image/png"))

	infos, err := worker.List(ctx, "cases/")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	for _, info := range infos {
		if info.Key == "cases/c1/b.png" {
			assert.Equal(t, "image/png", info.ContentType)
		}
	}

	require.NoError(t, worker.Delete(ctx, "cases/c1/a.jpg"))
	_, _, err = api.Get(ctx, "cases/c1/a.jpg")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	remaining, err := api.List(ctx, "cases/")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "cases/c1/b.png", remaining[0].Key)
}
