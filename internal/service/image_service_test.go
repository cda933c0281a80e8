package service_test

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eyecare/api/internal/models"
	"eyecare/api/internal/objectkey"
	"eyecare/api/internal/service"
	"eyecare/api/internal/storage"
)

var caseKeyPattern = regexp.MustCompile(`^cases/case-123/\d+-[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\.jpg$`)

func TestUploadThroughServiceRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, storage.KindMinio)

	created, err := f.service.UploadThroughService(ctx, service.UploadInput{
		Requester:   patient1,
		CaseID:      "case-123",
		FileName:    "slit lamp.JPG",
		ContentType: "image/jpeg",
		Data:        makeJPEG(t, 3000, 2000),
		Metadata:    service.ImageMetadata{EyeSide: models.EyeSideLeft, ImageType: models.ImageTypeSlitLamp},
	})
	require.NoError(t, err)

	assert.Regexp(t, caseKeyPattern, created.PrimaryKey)
	require.NotNil(t, created.ThumbnailKey)
	assert.Equal(t, objectkey.ThumbnailOf(created.PrimaryKey), *created.ThumbnailKey)
	assert.Equal(t, "minio", created.BackendKind)
	assert.Equal(t, 1, created.Order)
	assert.Equal(t, "image/jpeg", created.MimeType)
	assert.Len(t, created.Checksum, 32)
	assert.Equal(t, "p1", created.UploadedBy)

	primary, contentType, err := f.gateway.ResolveBytes(ctx, created.PrimaryKey)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", contentType)
	bounds := decodeBounds(t, primary)
	assert.Equal(t, 1920, bounds.Dx())
	assert.Equal(t, 1280, bounds.Dy())
	assert.Equal(t, int64(len(primary)), created.FileSizeBytes)

	thumb, _, err := f.gateway.ResolveBytes(ctx, *created.ThumbnailKey)
	require.NoError(t, err)
	thumbBounds := decodeBounds(t, thumb)
	assert.LessOrEqual(t, thumbBounds.Dx(), 400)
	assert.LessOrEqual(t, thumbBounds.Dy(), 400)

	second, err := f.service.UploadThroughService(ctx, service.UploadInput{
		Requester: doctor,
		CaseID:    "case-123",
		FileName:  "fundus.jpg",
		Data:      makeJPEG(t, 200, 100),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, second.Order)
	assert.Equal(t, models.EyeSideUnknown, second.EyeSide)
	assert.Equal(t, models.ImageTypeOther, second.ImageType)
	assert.NotEqual(t, created.PrimaryKey, second.PrimaryKey)

	listed, err := f.service.ListCaseImages(ctx, patient1, "case-123")
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, created.ID, listed[0].ID)
}

func TestOwnershipIsEnforcedForPatients(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, storage.KindMinio)

	created, err := f.service.UploadThroughService(ctx, service.UploadInput{
		Requester: patient1,
		CaseID:    "case-123",
		FileName:  "a.jpg",
		Data:      makeJPEG(t, 64, 64),
	})
	require.NoError(t, err)
	callsBefore := f.backend.callCount()

	_, err = f.service.IssueDownloadURL(ctx, patient2, created.ID, time.Hour)
	assert.ErrorIs(t, err, service.ErrAccessDenied)

	res, err := f.service.ProxyStream(ctx, patient2, created.ID, false)
	assert.ErrorIs(t, err, service.ErrAccessDenied)
	assert.Nil(t, res.Data)

	_, err = f.service.UploadThroughService(ctx, service.UploadInput{
		Requester: patient2,
		CaseID:    "case-123",
		FileName:  "b.jpg",
		Data:      makeJPEG(t, 64, 64),
	})
	assert.ErrorIs(t, err, service.ErrAccessDenied)

	_, err = f.service.IssueUploadURL(ctx, service.UploadURLInput{
		Requester:   patient2,
		CaseID:      "case-123",
		FileName:    "b.jpg",
		ContentType: "image/jpeg",
	})
	assert.ErrorIs(t, err, service.ErrAccessDenied)

	_, err = f.service.ListCaseImages(ctx, patient2, "case-123")
	assert.ErrorIs(t, err, service.ErrAccessDenied)

	assert.Equal(t, callsBefore, f.backend.callCount())

	res, err = f.service.ProxyStream(ctx, patient1, created.ID, true)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Data)
	assert.Equal(t, *created.ThumbnailKey, res.Key)
}

func TestMissingResourcesAreNotFound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, storage.KindMinio)

	_, err := f.service.ListCaseImages(ctx, patient1, "case-999")
	assert.ErrorIs(t, err, service.ErrCaseNotFound)

	_, err = f.service.IssueDownloadURL(ctx, patient1, "missing", time.Hour)
	assert.ErrorIs(t, err, service.ErrImageNotFound)

	_, err = f.service.ProxyStream(ctx, patient2, "missing", false)
	assert.ErrorIs(t, err, service.ErrImageNotFound)
}

func TestOversizedUploadMakesNoStorageCalls(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, storage.KindMinio)

	for _, size := range []int{11 << 20, 10<<20 + 1} {
		data := make([]byte, size)
		copy(data, []byte{0xFF, 0xD8, 0xFF, 0xE0})

		_, err := f.service.UploadThroughService(ctx, service.UploadInput{
			Requester:   patient1,
			CaseID:      "case-123",
			FileName:    "big.jpg",
			ContentType: "image/jpeg",
			Data:        data,
		})
		assert.ErrorIs(t, err, service.ErrFileTooLarge)
	}

	assert.Equal(t, 0, f.backend.callCount())
	assert.Empty(t, f.images.images)
}

func TestUnsupportedAndCorruptUploads(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, storage.KindMinio)

	_, err := f.service.UploadThroughService(ctx, service.UploadInput{
		Requester: patient1,
		CaseID:    "case-123",
		FileName:  "notes.txt",
		Data:      []byte("plain text is not an image"),
	})
	assert.ErrorIs(t, err, service.ErrInvalidFileType)

	_, err = f.service.UploadThroughService(ctx, service.UploadInput{
		Requester: patient1,
		CaseID:    "case-123",
		FileName:  "broken.jpg",
		Data:      []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F'},
	})
	assert.ErrorIs(t, err, service.ErrProcessingFailure)

	_, err = f.service.UploadThroughService(ctx, service.UploadInput{
		Requester: patient1,
		CaseID:    "case-123",
		FileName:  "empty.jpg",
	})
	assert.ErrorIs(t, err, service.ErrEmptyFile)

	_, err = f.service.UploadThroughService(ctx, service.UploadInput{
		Requester: patient1,
		CaseID:    "case-123",
		FileName:  "a.jpg",
		Data:      makeJPEG(t, 16, 16),
		Metadata:  service.ImageMetadata{EyeSide: "middle"},
	})
	assert.ErrorIs(t, err, service.ErrInvalidMetadata)

	assert.Equal(t, 0, f.backend.callCount())
}

func TestDoctorDeleteThenProxyIsNotFound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, storage.KindMinio)

	created, err := f.service.UploadThroughService(ctx, service.UploadInput{
		Requester: patient2,
		CaseID:    "case-456",
		FileName:  "oct.png",
		Data:      makeJPEG(t, 128, 128),
	})
	require.NoError(t, err)

	err = f.service.Delete(ctx, patient2, created.ID)
	assert.ErrorIs(t, err, service.ErrAccessDenied)

	require.NoError(t, f.service.Delete(ctx, doctor, created.ID))
	assert.Empty(t, f.backend.keys())

	_, err = f.service.ProxyStream(ctx, doctor, created.ID, false)
	assert.ErrorIs(t, err, service.ErrImageNotFound)

	err = f.service.Delete(ctx, doctor, created.ID)
	assert.ErrorIs(t, err, service.ErrImageNotFound)
}

func TestRecordWithoutObjectReadsAsNotFound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, storage.KindMinio)

	created, err := f.service.UploadThroughService(ctx, service.UploadInput{
		Requester: patient1,
		CaseID:    "case-123",
		FileName:  "a.jpg",
		Data:      makeJPEG(t, 32, 32),
	})
	require.NoError(t, err)
	require.NoError(t, f.gateway.Remove(ctx, created.PrimaryKey, *created.ThumbnailKey))

	_, err = f.service.ProxyStream(ctx, patient1, created.ID, false)
	assert.ErrorIs(t, err, service.ErrImageNotFound)
}

func TestFailedInsertRemovesWrittenObjects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, storage.KindMinio)
	f.images.failCreate = true

	_, err := f.service.UploadThroughService(ctx, service.UploadInput{
		Requester: patient1,
		CaseID:    "case-123",
		FileName:  "a.jpg",
		Data:      makeJPEG(t, 32, 32),
	})
	require.Error(t, err)
	assert.Empty(t, f.backend.keys())
	assert.Empty(t, f.purge.batches)
}

func TestFailedCompensationIsQueuedForPurge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, storage.KindMinio)
	f.images.failCreate = true
	f.backend.failDelete = true

	_, err := f.service.UploadThroughService(ctx, service.UploadInput{
		Requester: patient1,
		CaseID:    "case-123",
		FileName:  "a.jpg",
		Data:      makeJPEG(t, 32, 32),
	})
	require.Error(t, err)

	require.Len(t, f.purge.batches, 1)
	keys := f.backend.keys()
	assert.ElementsMatch(t, keys, f.purge.batches[0])
}

func TestThumbnailWriteFailureRemovesPrimary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, storage.KindMinio)
	f.backend.failPut = objectkey.IsThumbnail

	_, err := f.service.UploadThroughService(ctx, service.UploadInput{
		Requester: patient1,
		CaseID:    "case-123",
		FileName:  "a.jpg",
		Data:      makeJPEG(t, 32, 32),
	})
	assert.ErrorIs(t, err, service.ErrStorageUnavailable)
	assert.Empty(t, f.backend.keys())
	assert.Empty(t, f.images.images)
}

func TestIssueUploadURL(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, storage.KindMinio)

	res, err := f.service.IssueUploadURL(ctx, service.UploadURLInput{
		Requester:   patient1,
		CaseID:      "case-123",
		FileName:    "capture.jpg",
		ContentType: "image/jpeg",
	})
	require.NoError(t, err)
	assert.Regexp(t, caseKeyPattern, res.Key)
	assert.Contains(t, res.UploadURL, res.Key)
	assert.Equal(t, 3600, res.ExpiresIn)

	_, err = f.service.IssueUploadURL(ctx, service.UploadURLInput{
		Requester:   patient1,
		CaseID:      "case-123",
		FileName:    "report.pdf",
		ContentType: "application/pdf",
	})
	assert.ErrorIs(t, err, service.ErrInvalidFileType)
}

func TestDownloadURLClampsTTL(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, storage.KindS3)

	created, err := f.service.UploadThroughService(ctx, service.UploadInput{
		Requester: patient1,
		CaseID:    "case-123",
		FileName:  "a.jpg",
		Data:      makeJPEG(t, 32, 32),
	})
	require.NoError(t, err)

	res, err := f.service.IssueDownloadURL(ctx, patient1, created.ID, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 60, res.ExpiresIn)
	assert.False(t, res.Proxied)
	assert.Contains(t, res.DownloadURL, created.PrimaryKey)

	res, err = f.service.IssueDownloadURL(ctx, doctor, created.ID, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 7*24*3600, res.ExpiresIn)

	res, err = f.service.IssueDownloadURL(ctx, doctor, created.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 3600, res.ExpiresIn)
}

func TestDownloadURLFallsBackToProxyOnLocalBackend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, storage.KindLocal)

	created, err := f.service.UploadThroughService(ctx, service.UploadInput{
		Requester: patient1,
		CaseID:    "case-123",
		FileName:  "a.jpg",
		Data:      makeJPEG(t, 32, 32),
	})
	require.NoError(t, err)

	res, err := f.service.IssueDownloadURL(ctx, patient1, created.ID, time.Hour)
	require.NoError(t, err)
	assert.True(t, res.Proxied)
	assert.Equal(t, "/api/v1/images/"+created.ID+"/proxy", res.DownloadURL)
}

func TestRegisterDirectUpload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, storage.KindLocal)

	grant, err := f.service.IssueUploadURL(ctx, service.UploadURLInput{
		Requester:   patient1,
		CaseID:      "case-123",
		FileName:    "capture.jpg",
		ContentType: "image/jpeg",
	})
	require.NoError(t, err)
	assert.Equal(t, storage.LocalUploadPath+"/"+grant.Key, grant.UploadURL)

	_, err = f.service.RegisterDirectUpload(ctx, service.RegisterInput{Requester: patient1, CaseID: "case-123", Key: grant.Key})
	assert.ErrorIs(t, err, service.ErrImageNotFound)

	err = f.service.StoreDirect(ctx, patient2, grant.Key, makeJPEG(t, 40, 20), "image/jpeg")
	assert.ErrorIs(t, err, service.ErrAccessDenied)

	require.NoError(t, f.service.StoreDirect(ctx, patient1, grant.Key, makeJPEG(t, 40, 20), "image/jpeg"))

	err = f.service.StoreDirect(ctx, doctor, grant.Key, makeJPEG(t, 8, 8), "image/jpeg")
	assert.ErrorIs(t, err, service.ErrObjectExists)
	stored, _, err := f.gateway.ResolveBytes(ctx, grant.Key)
	require.NoError(t, err)
	assert.Equal(t, 40, decodeBounds(t, stored).Dx())

	_, err = f.service.RegisterDirectUpload(ctx, service.RegisterInput{Requester: patient2, CaseID: "case-456", Key: grant.Key})
	assert.ErrorIs(t, err, service.ErrInvalidKey)

	created, err := f.service.RegisterDirectUpload(ctx, service.RegisterInput{
		Requester: patient1,
		CaseID:    "case-123",
		Key:       grant.Key,
		Metadata:  service.ImageMetadata{EyeSide: models.EyeSideRight, ImageType: models.ImageTypeFundus},
	})
	require.NoError(t, err)
	assert.Equal(t, grant.Key, created.PrimaryKey)
	assert.Nil(t, created.ThumbnailKey)
	assert.Equal(t, "image/jpeg", created.MimeType)
	assert.Equal(t, models.EyeSideRight, created.EyeSide)

	res, err := f.service.ProxyStream(ctx, patient1, created.ID, true)
	require.NoError(t, err)
	assert.Equal(t, grant.Key, res.Key)
}

func TestStoreDirectRejectedOnRemoteBackend(t *testing.T) {
	f := newFixture(t, storage.KindMinio)
	err := f.service.StoreDirect(context.Background(), patient1, "cases/case-123/1-a.jpg", makeJPEG(t, 8, 8), "image/jpeg")
	assert.ErrorIs(t, err, service.ErrUnsupported)
}
